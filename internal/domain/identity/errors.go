package identity

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected    = errors.New("database not connected")
	ErrMRNConflict     = errors.New("mrn already enrolled with a different name")
	ErrSubjectNotFound = errors.New("subject not found")
	ErrInvalidIDType   = errors.New("invalid identifier type")
	ErrInvalidRequest  = errors.New("invalid request")
)

// ConflictError reports an MRN that is already enrolled under another name.
// It matches ErrMRNConflict with errors.Is. Names are left out of the message
// so the error can be logged.
type ConflictError struct {
	MRN      string
	RecordID string
}

func (e *ConflictError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("mrn %s already exists in record %s with a different name", e.MRN, e.RecordID)
	}
	return fmt.Sprintf("mrn %s already exists with a different name", e.MRN)
}

func (e *ConflictError) Unwrap() error { return ErrMRNConflict }
