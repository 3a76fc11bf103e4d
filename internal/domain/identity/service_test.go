package identity

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/redcapid/internal/config"
	"github.com/ehr/redcapid/internal/platform/redcap"
)

// -- Mock Records Service --

type mockRecords struct {
	rows      []redcap.Record
	exportErr error
	importErr error
	verifyErr error
	project   *redcap.Project

	exports  []redcap.ExportRequest
	imported [][]redcap.Record
}

func (m *mockRecords) ExportRecords(_ context.Context, req redcap.ExportRequest) ([]redcap.Record, error) {
	m.exports = append(m.exports, req)
	if len(req.Records) > 0 {
		if m.verifyErr != nil {
			return nil, m.verifyErr
		}
		var out []redcap.Record
		for _, batch := range m.imported {
			for _, r := range batch {
				for _, id := range req.Records {
					if r[FieldRecordID] == id {
						out = append(out, r)
					}
				}
			}
		}
		return out, nil
	}
	if m.exportErr != nil {
		return nil, m.exportErr
	}
	return m.rows, nil
}

func (m *mockRecords) ImportRecords(_ context.Context, records []redcap.Record) (int, error) {
	if m.importErr != nil {
		return 0, m.importErr
	}
	m.imported = append(m.imported, records)
	return 1, nil
}

type mockInspector struct {
	*mockRecords
}

func (m mockInspector) ProjectInfo(_ context.Context) (*redcap.Project, error) {
	return m.project, nil
}

// -- Helpers --

// seqReader serves a fixed byte sequence and then fails.
type seqReader struct {
	b []byte
}

func (r *seqReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, fmt.Errorf("random source exhausted")
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

// shortIDBytes returns the random bytes that make the generator emit ids.
func shortIDBytes(ids ...string) []byte {
	var out []byte
	for _, id := range ids {
		for i := 0; i < len(id); i++ {
			out = append(out, byte(strings.IndexByte(ShortIDAlphabet, id[i])))
		}
	}
	return out
}

func guidBytes(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 16)
}

// guidFor returns the GUID the generator derives from 16 bytes of fill.
func guidFor(t *testing.T, fill byte) string {
	t.Helper()
	u, err := uuid.NewRandomFromReader(bytes.NewReader(guidBytes(fill)))
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	return hex.EncodeToString(u[:])
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func newTestService(records RecordsService, random []byte, logBuf *bytes.Buffer) *Service {
	opts := []Option{WithRecordsService(records)}
	if random != nil {
		opts = append(opts, WithGenerator(NewGenerator(&seqReader{b: random})))
	}
	if logBuf != nil {
		opts = append(opts, WithLogger(zerolog.New(logBuf)))
	}
	return NewService(opts...)
}

func janeDoeRows() []redcap.Record {
	return []redcap.Record{
		{FieldRecordID: "AB12", FieldEventName: EventPHI, FieldMRN: "00001234", FieldFirstName: "Jane", FieldLastName: "Doe",
			FieldShortID: "", FieldGUID: "", FieldNDAGUID: ""},
		{FieldRecordID: "AB12", FieldEventName: EventDemographics, FieldMRN: "", FieldFirstName: "", FieldLastName: "",
			FieldShortID: "AB12", FieldGUID: "0123456789abcdef0123456789abcdef", FieldNDAGUID: "NDAR_INVAB123CD"},
	}
}

// -- Tests --

func TestService_CreateUCSFID(t *testing.T) {
	svc := NewService()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		ids, err := svc.CreateUCSFID()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !IsShortID(ids.ShortID) {
			t.Fatalf("invalid short id %q", ids.ShortID)
		}
		if !IsGUID(ids.GUID) {
			t.Fatalf("invalid guid %q", ids.GUID)
		}
		if seen[ids.GUID] {
			t.Fatalf("guid %s generated twice", ids.GUID)
		}
		seen[ids.GUID] = true
	}
}

func TestService_AddPatient_NotConnected(t *testing.T) {
	svc := NewService()
	_, err := svc.AddPatient(context.Background(), AddPatientRequest{MRN: "00000001", FirstName: "A", LastName: "B"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestService_AddPatient_InvalidRequest(t *testing.T) {
	tests := []struct {
		name string
		req  AddPatientRequest
	}{
		{"missing mrn", AddPatientRequest{FirstName: "A", LastName: "B"}},
		{"blank mrn", AddPatientRequest{MRN: "  ", FirstName: "A", LastName: "B"}},
		{"missing first name", AddPatientRequest{MRN: "1", LastName: "B"}},
		{"missing last name", AddPatientRequest{MRN: "1", FirstName: "A"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := &mockRecords{}
			svc := newTestService(records, nil, nil)
			_, err := svc.AddPatient(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
			if len(records.exports) != 0 {
				t.Error("expected no export for invalid request")
			}
		})
	}
}

func TestService_AddPatient_EmptyProject(t *testing.T) {
	records := &mockRecords{}
	svc := newTestService(records, nil, nil)

	enr, err := svc.AddPatient(context.Background(), AddPatientRequest{MRN: "00000001", FirstName: "A", LastName: "B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enr.Duplicate {
		t.Error("expected a new enrollment")
	}
	if !IsShortID(enr.ShortID) || !IsGUID(enr.GUID) {
		t.Errorf("unexpected identifiers %+v", enr.IDs())
	}
	if !enr.Verified {
		t.Error("expected enrollment to be verified")
	}

	if len(records.imported) != 1 {
		t.Fatalf("expected one import call, got %d", len(records.imported))
	}
	batch := records.imported[0]
	if len(batch) != 2 {
		t.Fatalf("expected 2 records in batch, got %d", len(batch))
	}
	events := map[interface{}]redcap.Record{}
	for _, r := range batch {
		if r[FieldRecordID] != enr.ShortID {
			t.Errorf("expected record_id %s, got %v", enr.ShortID, r[FieldRecordID])
		}
		events[r[FieldEventName]] = r
	}
	phi, ok := events[EventPHI]
	if !ok {
		t.Fatal("missing PHI event record")
	}
	if phi[FieldMRN] != "00000001" || phi[FieldFirstName] != "A" || phi[FieldLastName] != "B" {
		t.Errorf("unexpected PHI record %v", phi)
	}
	demo, ok := events[EventDemographics]
	if !ok {
		t.Fatal("missing demographics event record")
	}
	if demo[FieldShortID] != enr.ShortID || demo[FieldGUID] != enr.GUID {
		t.Errorf("unexpected demographics record %v", demo)
	}

	first := records.exports[0]
	if strings.Join(first.Events, ",") != "demographics_arm_1,general_phi_arm_1" {
		t.Errorf("unexpected events %v", first.Events)
	}
	if len(first.Fields) != 7 {
		t.Errorf("expected 7 projected fields, got %v", first.Fields)
	}
}

func TestService_AddPatient_DuplicateSameName(t *testing.T) {
	names := []struct{ first, last string }{
		{"Jane", "Doe"},
		{"JANE", "doe"},
		{"jane", "DOE"},
	}
	for _, n := range names {
		t.Run(n.first+" "+n.last, func(t *testing.T) {
			var logBuf bytes.Buffer
			records := &mockRecords{rows: janeDoeRows()}
			svc := newTestService(records, nil, &logBuf)

			enr, err := svc.AddPatient(context.Background(), AddPatientRequest{MRN: "00001234", FirstName: n.first, LastName: n.last})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !enr.Duplicate {
				t.Error("expected duplicate enrollment")
			}
			if enr.ShortID != "" || enr.GUID != "" {
				t.Errorf("expected no identifiers, got %+v", enr.IDs())
			}
			if enr.RecordID != "AB12" {
				t.Errorf("expected existing record AB12, got %q", enr.RecordID)
			}
			if len(records.imported) != 0 {
				t.Error("expected nothing to be imported")
			}
			if !strings.Contains(logBuf.String(), `"level":"warn"`) || !strings.Contains(logBuf.String(), "MRN already exists") {
				t.Errorf("expected a warning, got log %q", logBuf.String())
			}
		})
	}
}

func TestService_AddPatient_ConflictDifferentName(t *testing.T) {
	records := &mockRecords{rows: janeDoeRows()}
	svc := newTestService(records, nil, nil)

	_, err := svc.AddPatient(context.Background(), AddPatientRequest{MRN: "00001234", FirstName: "Jane", LastName: "Smith"})
	if !errors.Is(err, ErrMRNConflict) {
		t.Fatalf("expected ErrMRNConflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
	if conflict.MRN != "00001234" || conflict.RecordID != "AB12" {
		t.Errorf("unexpected conflict %+v", conflict)
	}
	if strings.Contains(err.Error(), "Jane") || strings.Contains(err.Error(), "Smith") {
		t.Errorf("names leaked into error %q", err.Error())
	}
	if len(records.imported) != 0 {
		t.Error("expected nothing to be imported")
	}
}

func TestService_AddPatient_NumericMRNMatchesPaddedString(t *testing.T) {
	records := &mockRecords{rows: []redcap.Record{
		{FieldRecordID: "AB12", FieldMRN: json.Number("1234"), FieldFirstName: "Jane", FieldLastName: "Doe"},
	}}
	svc := newTestService(records, nil, nil)

	enr, err := svc.AddPatient(context.Background(), AddPatientRequest{MRN: "0001234", FirstName: "jane", LastName: "doe"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !enr.Duplicate {
		t.Error("expected numeric 1234 and string 0001234 to be the same MRN")
	}
}

func TestService_AddPatient_AvoidsExistingShortIDs(t *testing.T) {
	records := &mockRecords{rows: []redcap.Record{
		{FieldRecordID: "AB12", FieldShortID: "AB12"},
		{FieldRecordID: "CD34", FieldShortID: "CD34"},
	}}
	// The random source offers both existing ids before a free one.
	random := concat(shortIDBytes("AB12", "CD34", "ZZ99"), guidBytes(0x11))
	svc := newTestService(records, random, nil)

	enr, err := svc.AddPatient(context.Background(), AddPatientRequest{MRN: "00000002", FirstName: "A", LastName: "B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enr.ShortID != "ZZ99" {
		t.Errorf("expected ZZ99, got %q", enr.ShortID)
	}
	if enr.GUID != guidFor(t, 0x11) {
		t.Errorf("unexpected guid %q", enr.GUID)
	}
}

func TestService_AddPatient_AvoidsExistingGUIDs(t *testing.T) {
	taken := guidFor(t, 0x22)
	records := &mockRecords{rows: []redcap.Record{
		{FieldRecordID: "AB12", FieldShortID: "AB12", FieldGUID: taken},
	}}
	random := concat(shortIDBytes("QQ77"), guidBytes(0x22), guidBytes(0x33))
	svc := newTestService(records, random, nil)

	enr, err := svc.AddPatient(context.Background(), AddPatientRequest{MRN: "00000003", FirstName: "A", LastName: "B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enr.GUID == taken {
		t.Fatal("allocated a guid that already exists")
	}
	if enr.GUID != guidFor(t, 0x33) {
		t.Errorf("unexpected guid %q", enr.GUID)
	}
}

func TestService_AddPatient_SuppliedIdentifiers(t *testing.T) {
	records := &mockRecords{}
	svc := newTestService(records, nil, nil)

	enr, err := svc.AddPatient(context.Background(), AddPatientRequest{
		MRN: "42", FirstName: "A", LastName: "B",
		ShortID: "XY12", GUID: "ffffffffffffffffffffffffffffffff", NDAGUID: "NDAR_INVXY12",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enr.ShortID != "XY12" || enr.GUID != "ffffffffffffffffffffffffffffffff" {
		t.Errorf("expected supplied identifiers, got %+v", enr.IDs())
	}
	batch := records.imported[0]
	for _, r := range batch {
		if r[FieldEventName] == EventDemographics && r[FieldNDAGUID] != "NDAR_INVXY12" {
			t.Errorf("expected nda guid to be written, got %v", r[FieldNDAGUID])
		}
		if r[FieldEventName] == EventPHI && r[FieldMRN] != "00000042" {
			t.Errorf("expected normalized mrn, got %v", r[FieldMRN])
		}
	}
}

func TestService_AddPatient_VerificationFailureIsNotFatal(t *testing.T) {
	var logBuf bytes.Buffer
	records := &mockRecords{verifyErr: errors.New("connection reset")}
	svc := newTestService(records, nil, &logBuf)

	enr, err := svc.AddPatient(context.Background(), AddPatientRequest{MRN: "00000004", FirstName: "A", LastName: "B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enr.Verified {
		t.Error("expected enrollment to be unverified")
	}
	if enr.ShortID == "" {
		t.Error("expected identifiers despite failed verification")
	}
	if len(records.imported) != 1 {
		t.Errorf("expected exactly one import, got %d", len(records.imported))
	}
	if !strings.Contains(logBuf.String(), "failed to add patient") {
		t.Errorf("expected a warning, got log %q", logBuf.String())
	}
}

func TestService_AddPatient_ExportAndImportErrors(t *testing.T) {
	t.Run("export", func(t *testing.T) {
		records := &mockRecords{exportErr: redcap.ErrUnauthorized}
		_, err := newTestService(records, nil, nil).AddPatient(context.Background(), AddPatientRequest{MRN: "1", FirstName: "A", LastName: "B"})
		if !errors.Is(err, redcap.ErrUnauthorized) {
			t.Fatalf("expected wrapped ErrUnauthorized, got %v", err)
		}
	})
	t.Run("import", func(t *testing.T) {
		records := &mockRecords{importErr: redcap.ErrBadRequest}
		_, err := newTestService(records, nil, nil).AddPatient(context.Background(), AddPatientRequest{MRN: "1", FirstName: "A", LastName: "B"})
		if !errors.Is(err, redcap.ErrBadRequest) {
			t.Fatalf("expected wrapped ErrBadRequest, got %v", err)
		}
	})
}

func TestService_Connect(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "redcap_key.toml")
	content := "url = \"https://file.example.org/api/\"\ntoken = \"FILETOKEN\"\n"
	if err := os.WriteFile(keyPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	tests := []struct {
		name      string
		url       string
		token     string
		keyFile   string
		wantURL   string
		wantToken string
		wantErr   bool
	}{
		{"both from file", "", "", keyPath, "https://file.example.org/api/", "FILETOKEN", false},
		{"explicit skips file", "https://x/api/", "T", "/nonexistent/key.toml", "https://x/api/", "T", false},
		{"url given, token from file", "https://x/api/", "", keyPath, "https://x/api/", "FILETOKEN", false},
		{"missing file", "", "", "/nonexistent/key.toml", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got config.Credentials
			svc := NewService(
				WithKeyFile(config.KeyFilePath(tt.keyFile)),
				WithConnector(func(c config.Credentials) (RecordsService, error) {
					got = c
					return &mockRecords{}, nil
				}),
			)
			err := svc.Connect(tt.url, tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if svc.Connected() {
					t.Error("expected service to stay disconnected")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !svc.Connected() {
				t.Error("expected service to be connected")
			}
			if got.URL != tt.wantURL || got.Token != tt.wantToken {
				t.Errorf("unexpected credentials %+v", got)
			}
		})
	}
}

func TestService_Connect_ConnectorError(t *testing.T) {
	svc := NewService(WithConnector(func(config.Credentials) (RecordsService, error) {
		return nil, errors.New("dial failed")
	}))
	if err := svc.Connect("https://x/api/", "T"); err == nil {
		t.Fatal("expected error")
	}
	if svc.Connected() {
		t.Error("expected service to stay disconnected")
	}
}

func TestService_Lookup(t *testing.T) {
	records := &mockRecords{rows: janeDoeRows()}
	svc := newTestService(records, nil, nil)

	tests := []struct {
		name   string
		id     string
		idType IDType
	}{
		{"short id", "AB12", IDTypeShortID},
		{"short id lower case", "ab12", IDTypeShortID},
		{"guid", "0123456789ABCDEF0123456789ABCDEF", IDTypeGUID},
		{"nda guid", "NDAR_INVAB123CD", IDTypeNDAGUID},
		{"mrn", "1234", IDTypeMRN},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subj, err := svc.Lookup(context.Background(), tt.id, tt.idType)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if subj.RecordID != "AB12" || subj.MRN != "00001234" || subj.FirstName != "Jane" || subj.ShortID != "AB12" {
				t.Errorf("unexpected subject %+v", subj)
			}
		})
	}
}

func TestService_Lookup_Errors(t *testing.T) {
	svc := newTestService(&mockRecords{rows: janeDoeRows()}, nil, nil)

	if _, err := svc.Lookup(context.Background(), "ZZZZ", IDTypeShortID); !errors.Is(err, ErrSubjectNotFound) {
		t.Errorf("expected ErrSubjectNotFound, got %v", err)
	}
	if _, err := svc.Lookup(context.Background(), "AB12", IDType("email")); !errors.Is(err, ErrInvalidIDType) {
		t.Errorf("expected ErrInvalidIDType, got %v", err)
	}
	if _, err := svc.Lookup(context.Background(), "", IDTypeMRN); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := NewService().Lookup(context.Background(), "AB12", IDTypeShortID); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestParseIDType(t *testing.T) {
	for _, s := range []string{"ucsf_id", "UCSF_GUID", " nda_guid ", "mrn"} {
		if _, err := ParseIDType(s); err != nil {
			t.Errorf("ParseIDType(%q): unexpected error %v", s, err)
		}
	}
	if _, err := ParseIDType("ssn"); !errors.Is(err, ErrInvalidIDType) {
		t.Errorf("expected ErrInvalidIDType, got %v", err)
	}
}

func TestService_Project(t *testing.T) {
	want := &redcap.Project{Title: "Human Neuro"}
	svc := newTestService(mockInspector{&mockRecords{project: want}}, nil, nil)
	got, err := svc.Project(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Title != "Human Neuro" {
		t.Errorf("unexpected project %+v", got)
	}

	if _, err := newTestService(&mockRecords{}, nil, nil).Project(context.Background()); err == nil {
		t.Error("expected error for records service without project info")
	}
}
