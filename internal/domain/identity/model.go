package identity

import (
	"github.com/ehr/redcapid/internal/platform/redcap"
)

// REDCap events a subject is split across.
const (
	EventPHI          = "general_phi_arm_1"
	EventDemographics = "demographics_arm_1"
)

// REDCap field names.
const (
	FieldRecordID  = "record_id"
	FieldEventName = "redcap_event_name"
	FieldShortID   = "ucsf_id"
	FieldGUID      = "ucsf_guid"
	FieldNDAGUID   = "nda_guid"
	FieldMRN       = "mrn"
	FieldFirstName = "first_name"
	FieldLastName  = "last_name"
)

// identityFields is the projection exported to check uniqueness and to look
// subjects up.
var identityFields = []string{
	FieldRecordID, FieldShortID, FieldGUID, FieldNDAGUID, FieldMRN, FieldFirstName, FieldLastName,
}

var identityEvents = []string{EventDemographics, EventPHI}

// SubjectIDs is a freshly generated pair of de-identified identifiers.
type SubjectIDs struct {
	ShortID string `json:"ucsf_id"`
	GUID    string `json:"ucsf_guid"`
}

// AddPatientRequest describes a patient to enroll. ShortID, GUID and NDAGUID
// are optional; missing short id and GUID are generated.
type AddPatientRequest struct {
	MRN       string `json:"mrn"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	ShortID   string `json:"ucsf_id,omitempty"`
	GUID      string `json:"ucsf_guid,omitempty"`
	NDAGUID   string `json:"nda_guid,omitempty"`
}

// Enrollment is the outcome of AddPatient.
//
// When Duplicate is set the MRN was already enrolled under the same name:
// nothing was written, ShortID and GUID are empty and RecordID names the
// existing record when the export carried one.
type Enrollment struct {
	ShortID   string `json:"ucsf_id,omitempty"`
	GUID      string `json:"ucsf_guid,omitempty"`
	RecordID  string `json:"record_id,omitempty"`
	Duplicate bool   `json:"duplicate"`
	Verified  bool   `json:"verified"`
}

// IDs returns the generated identifiers of a new enrollment.
func (e *Enrollment) IDs() SubjectIDs {
	return SubjectIDs{ShortID: e.ShortID, GUID: e.GUID}
}

// Subject is one REDCap record with both events merged.
type Subject struct {
	RecordID  string `json:"record_id"`
	ShortID   string `json:"ucsf_id,omitempty"`
	GUID      string `json:"ucsf_guid,omitempty"`
	NDAGUID   string `json:"nda_guid,omitempty"`
	MRN       string `json:"mrn,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// phiRecord builds the protected health information event row.
func phiRecord(shortID, mrn, firstName, lastName string) redcap.Record {
	return redcap.Record{
		FieldRecordID:  shortID,
		FieldEventName: EventPHI,
		FieldMRN:       mrn,
		FieldFirstName: firstName,
		FieldLastName:  lastName,
	}
}

// demographicsRecord builds the de-identified demographics event row. An
// empty NDA GUID is sent blank, which REDCap leaves untouched on import.
func demographicsRecord(shortID, guid, ndaGUID string) redcap.Record {
	return redcap.Record{
		FieldRecordID:  shortID,
		FieldEventName: EventDemographics,
		FieldShortID:   shortID,
		FieldGUID:      guid,
		FieldNDAGUID:   ndaGUID,
	}
}
