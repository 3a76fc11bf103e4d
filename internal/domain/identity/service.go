package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/redcapid/internal/config"
	"github.com/ehr/redcapid/internal/platform/redcap"
)

// IDType names the identifier a lookup searches by.
type IDType string

const (
	IDTypeShortID IDType = FieldShortID
	IDTypeGUID    IDType = FieldGUID
	IDTypeNDAGUID IDType = FieldNDAGUID
	IDTypeMRN     IDType = FieldMRN
)

// ParseIDType validates an identifier type name.
func ParseIDType(s string) (IDType, error) {
	switch t := IDType(strings.ToLower(strings.TrimSpace(s))); t {
	case IDTypeShortID, IDTypeGUID, IDTypeNDAGUID, IDTypeMRN:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q (want ucsf_id, ucsf_guid, nda_guid or mrn)", ErrInvalidIDType, s)
	}
}

// Option configures a Service.
type Option func(*Service)

// WithKeyFile sets the key file credentials are loaded from.
func WithKeyFile(kf config.KeyFile) Option {
	return func(s *Service) { s.keyFile = kf }
}

// WithConnector overrides how sessions are opened.
func WithConnector(c Connector) Option {
	return func(s *Service) { s.connect = c }
}

// WithRecordsService starts the service with an open session.
func WithRecordsService(r RecordsService) Option {
	return func(s *Service) { s.records = r }
}

// WithGenerator overrides the identifier generator.
func WithGenerator(g *Generator) Option {
	return func(s *Service) { s.gen = g }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// Service enrolls patients in a REDCap project and hands out their
// de-identified subject identifiers.
//
// Uniqueness is checked against an export taken at the start of each
// AddPatient call. Nothing locks the project between that export and the
// import, so two concurrent enrollments can pick the same identifiers.
type Service struct {
	keyFile config.KeyFile
	connect Connector
	gen     *Generator
	logger  zerolog.Logger

	mu      sync.RWMutex
	records RecordsService
}

func NewService(opts ...Option) *Service {
	s := &Service{
		keyFile: config.KeyFilePath(config.DefaultKeyFile),
		connect: RedcapConnector(),
		gen:     NewGenerator(nil),
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With().Str("component", "identity-service").Logger()
	return s
}

// KeyFile returns the key file credentials are loaded from.
func (s *Service) KeyFile() config.KeyFile { return s.keyFile }

// LoadCredentials reads the REDCap url and token from the key file.
func (s *Service) LoadCredentials() (config.Credentials, error) {
	return config.LoadCredentials(s.keyFile)
}

// Connect opens a session with the given credentials. If either is empty,
// the missing ones are read from the key file.
func (s *Service) Connect(url, token string) error {
	if url == "" || token == "" {
		creds, err := s.LoadCredentials()
		if err != nil {
			return err
		}
		if url == "" {
			url = creds.URL
		}
		if token == "" {
			token = creds.Token
		}
	}

	records, err := s.connect(config.Credentials{URL: url, Token: token})
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()

	s.logger.Info().Str("url", url).Msg("connected to redcap")
	return nil
}

// Connected reports whether a session is open.
func (s *Service) Connected() bool {
	return s.session() != nil
}

func (s *Service) session() RecordsService {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records
}

// CreateUCSFID returns a fresh short id and GUID. The pair is not checked
// against the project.
func (s *Service) CreateUCSFID() (SubjectIDs, error) {
	return s.gen.NewIDs()
}

// AddPatient enrolls a patient under a new short id, writing the PHI and
// demographics events of the record in one import.
//
// An MRN that is already enrolled under the same name (compared case
// insensitively) is not an error: a warning is logged and the returned
// Enrollment has Duplicate set. The same MRN under another name fails with a
// *ConflictError. A failed read-back after the import is only logged.
func (s *Service) AddPatient(ctx context.Context, req AddPatientRequest) (*Enrollment, error) {
	records := s.session()
	if records == nil {
		return nil, ErrNotConnected
	}
	mrn, ok := NormalizeMRN(req.MRN)
	if !ok {
		return nil, fmt.Errorf("%w: mrn is required", ErrInvalidRequest)
	}
	if req.FirstName == "" || req.LastName == "" {
		return nil, fmt.Errorf("%w: first_name and last_name are required", ErrInvalidRequest)
	}

	rows, err := records.ExportRecords(ctx, redcap.ExportRequest{
		Fields: identityFields,
		Events: identityEvents,
	})
	if err != nil {
		return nil, fmt.Errorf("export records: %w", err)
	}
	idx := BuildIndex(rows)

	if known, ok := idx.patients[mrn]; ok {
		if strings.EqualFold(req.FirstName, known.firstName) && strings.EqualFold(req.LastName, known.lastName) {
			s.logger.Warn().Str("mrn", mrn).Str("record_id", known.recordID).Msg("MRN already exists in database")
			return &Enrollment{RecordID: known.recordID, Duplicate: true}, nil
		}
		return nil, &ConflictError{MRN: mrn, RecordID: known.recordID}
	}

	shortID := req.ShortID
	if shortID == "" {
		if shortID, err = s.gen.UniqueShortID(idx.ShortIDs); err != nil {
			return nil, err
		}
	} else if _, taken := idx.ShortIDs[shortID]; taken {
		s.logger.Warn().Str("ucsf_id", shortID).Msg("supplied short id already exists in database")
	}

	guid := req.GUID
	if guid == "" {
		if guid, err = s.gen.UniqueGUID(idx.GUIDs); err != nil {
			return nil, err
		}
	} else if _, taken := idx.GUIDs[guid]; taken {
		s.logger.Warn().Str("ucsf_guid", guid).Msg("supplied guid already exists in database")
	}

	batch := []redcap.Record{
		phiRecord(shortID, mrn, req.FirstName, req.LastName),
		demographicsRecord(shortID, guid, req.NDAGUID),
	}
	n, err := records.ImportRecords(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("import records: %w", err)
	}
	s.logger.Debug().Str("record_id", shortID).Int("count", n).Msg("records imported")

	enrollment := &Enrollment{ShortID: shortID, GUID: guid, RecordID: shortID}
	enrollment.Verified = s.verify(ctx, records, mrn, shortID)
	return enrollment, nil
}

// verify reads back a freshly imported record. Failures are logged, never
// returned: the import is neither retried nor rolled back.
func (s *Service) verify(ctx context.Context, records RecordsService, mrn, recordID string) bool {
	rows, err := records.ExportRecords(ctx, redcap.ExportRequest{Records: []string{recordID}})
	if err != nil {
		s.logger.Warn().Err(err).Str("mrn", mrn).Str("record_id", recordID).Msg("failed to add patient to database")
		return false
	}
	if len(rows) == 0 {
		s.logger.Warn().Str("mrn", mrn).Str("record_id", recordID).Msg("failed to add patient to database: record not found after import")
		return false
	}
	s.logger.Info().Str("record_id", recordID).Msg("patient enrolled")
	return true
}

// Lookup finds the subject holding the given identifier.
func (s *Service) Lookup(ctx context.Context, id string, idType IDType) (*Subject, error) {
	records := s.session()
	if records == nil {
		return nil, ErrNotConnected
	}

	var want string
	var ok bool
	switch idType {
	case IDTypeMRN:
		want, ok = NormalizeMRN(id)
	case IDTypeShortID:
		want, ok = NormalizeID(id, ShortIDLength)
	case IDTypeGUID, IDTypeNDAGUID:
		want, ok = NormalizeID(id, GUIDLength)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidIDType, idType)
	}
	if !ok {
		return nil, fmt.Errorf("%w: empty %s", ErrInvalidRequest, idType)
	}

	rows, err := records.ExportRecords(ctx, redcap.ExportRequest{
		Fields: identityFields,
		Events: identityEvents,
	})
	if err != nil {
		return nil, fmt.Errorf("export records: %w", err)
	}

	for _, subj := range mergeSubjects(rows) {
		var have string
		switch idType {
		case IDTypeMRN:
			if subj.MRN == want {
				return subj, nil
			}
			continue
		case IDTypeShortID:
			have = subj.ShortID
		case IDTypeGUID:
			have = subj.GUID
		case IDTypeNDAGUID:
			have = subj.NDAGUID
		}
		if have != "" && strings.EqualFold(have, want) {
			return subj, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrSubjectNotFound, idType, want)
}

// Project describes the connected REDCap project.
func (s *Service) Project(ctx context.Context) (*redcap.Project, error) {
	records := s.session()
	if records == nil {
		return nil, ErrNotConnected
	}
	inspector, ok := records.(ProjectInspector)
	if !ok {
		return nil, fmt.Errorf("records service %T cannot describe its project", records)
	}
	return inspector.ProjectInfo(ctx)
}
