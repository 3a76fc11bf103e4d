package identity

import (
	"context"

	"github.com/ehr/redcapid/internal/config"
	"github.com/ehr/redcapid/internal/platform/redcap"
)

// RecordsService is the REDCap project subjects are enrolled in.
type RecordsService interface {
	ExportRecords(ctx context.Context, req redcap.ExportRequest) ([]redcap.Record, error)
	ImportRecords(ctx context.Context, records []redcap.Record) (int, error)
}

// ProjectInspector is implemented by records services that can describe the
// project they are bound to.
type ProjectInspector interface {
	ProjectInfo(ctx context.Context) (*redcap.Project, error)
}

// Connector opens a session against a REDCap project.
type Connector func(creds config.Credentials) (RecordsService, error)

// RedcapConnector returns a Connector building REDCap API clients with the
// given client options.
func RedcapConnector(opts ...redcap.Option) Connector {
	return func(creds config.Credentials) (RecordsService, error) {
		return redcap.New(creds.URL, creds.Token, opts...), nil
	}
}
