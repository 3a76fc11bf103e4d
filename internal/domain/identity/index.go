package identity

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ehr/redcapid/internal/platform/redcap"
)

// MRNWidth is the zero-padded width of a normalized MRN.
const MRNWidth = 8

// Index holds the identifiers already present in a project export. It is
// rebuilt from a fresh export for every insertion; nothing is cached.
type Index struct {
	ShortIDs map[string]struct{}
	GUIDs    map[string]struct{}
	NDAGUIDs map[string]struct{}

	patients map[string]knownPatient
}

type knownPatient struct {
	recordID  string
	firstName string
	lastName  string
}

// BuildIndex indexes every row of an identity export. Rows of both events are
// accepted; missing cells are skipped.
func BuildIndex(rows []redcap.Record) *Index {
	idx := &Index{
		ShortIDs: make(map[string]struct{}),
		GUIDs:    make(map[string]struct{}),
		NDAGUIDs: make(map[string]struct{}),
		patients: make(map[string]knownPatient),
	}
	for _, row := range rows {
		if mrn, ok := NormalizeMRN(row[FieldMRN]); ok {
			idx.patients[mrn] = knownPatient{
				recordID:  cellString(row[FieldRecordID]),
				firstName: cellString(row[FieldFirstName]),
				lastName:  cellString(row[FieldLastName]),
			}
		}
		if id, ok := NormalizeID(row[FieldShortID], ShortIDLength); ok {
			idx.ShortIDs[id] = struct{}{}
		}
		if guid, ok := NormalizeID(row[FieldGUID], GUIDLength); ok {
			idx.GUIDs[guid] = struct{}{}
		}
		if guid, ok := NormalizeID(row[FieldNDAGUID], GUIDLength); ok {
			idx.NDAGUIDs[guid] = struct{}{}
		}
	}
	return idx
}

// HasMRN reports whether a normalized MRN is already enrolled.
func (idx *Index) HasMRN(mrn string) bool {
	_, ok := idx.patients[mrn]
	return ok
}

// Len returns the number of distinct MRNs indexed.
func (idx *Index) Len() int { return len(idx.patients) }

// NormalizeMRN returns the canonical form of an MRN cell: numbers and
// digit-only strings become MRNWidth zero-padded digits, other strings are
// kept as they are. Empty cells report false.
func NormalizeMRN(v interface{}) (string, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return "", false
		}
		if !isDigits(s) {
			return s, true
		}
		v = json.Number(s)
	}
	return normalizeNumber(v, MRNWidth)
}

// NormalizeID returns the canonical form of an identifier cell: strings are
// kept as they are, numbers become width zero-padded digits. Empty cells
// report false.
func NormalizeID(v interface{}, width int) (string, bool) {
	if s, ok := v.(string); ok {
		if strings.TrimSpace(s) == "" {
			return "", false
		}
		return s, true
	}
	return normalizeNumber(v, width)
}

// normalizeNumber formats an integral value zero-padded to width. Fractions
// are truncated. NaN, infinities and non-numeric values report false.
func normalizeNumber(v interface{}, width int) (string, bool) {
	var n *big.Int
	switch x := v.(type) {
	case json.Number:
		if i, ok := new(big.Int).SetString(x.String(), 10); ok {
			n = i
			break
		}
		f, ok := new(big.Float).SetString(x.String())
		if !ok {
			return "", false
		}
		n, _ = f.Int(nil)
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", false
		}
		n, _ = big.NewFloat(x).Int(nil)
	case float32:
		return normalizeNumber(float64(x), width)
	case int:
		n = big.NewInt(int64(x))
	case int64:
		n = big.NewInt(x)
	case int32:
		n = big.NewInt(int64(x))
	case uint64:
		n = new(big.Int).SetUint64(x)
	default:
		return "", false
	}
	return padDigits(n.String(), width), true
}

func padDigits(digits string, width int) string {
	neg := strings.HasPrefix(digits, "-")
	if neg {
		digits = digits[1:]
	}
	if len(digits) < width {
		digits = strings.Repeat("0", width-len(digits)) + digits
	}
	if neg {
		return "-" + digits
	}
	return digits
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// cellString renders a text cell; missing cells are empty.
func cellString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// mergeSubjects folds event rows into one Subject per record id, keeping the
// order in which record ids first appear.
func mergeSubjects(rows []redcap.Record) []*Subject {
	byID := make(map[string]*Subject)
	var order []string
	for _, row := range rows {
		recordID := cellString(row[FieldRecordID])
		if recordID == "" {
			continue
		}
		s, ok := byID[recordID]
		if !ok {
			s = &Subject{RecordID: recordID}
			byID[recordID] = s
			order = append(order, recordID)
		}
		if id, ok := NormalizeID(row[FieldShortID], ShortIDLength); ok {
			s.ShortID = id
		}
		if guid, ok := NormalizeID(row[FieldGUID], GUIDLength); ok {
			s.GUID = guid
		}
		if guid, ok := NormalizeID(row[FieldNDAGUID], GUIDLength); ok {
			s.NDAGUID = guid
		}
		if mrn, ok := NormalizeMRN(row[FieldMRN]); ok {
			s.MRN = mrn
		}
		if name := cellString(row[FieldFirstName]); name != "" {
			s.FirstName = name
		}
		if name := cellString(row[FieldLastName]); name != "" {
			s.LastName = name
		}
	}
	subjects := make([]*Subject, 0, len(order))
	for _, id := range order {
		subjects = append(subjects, byID[id])
	}
	return subjects
}
