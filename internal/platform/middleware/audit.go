package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/redcapid/internal/platform/auth"
)

// AuditEntry records who touched patient identity data and how. Identifier
// values are never stored, only the kind of identifier.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Action     string
	IDType     string
	Route      string
	Method     string
	IPAddress  string
	UserAgent  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// Audit actions.
const (
	ActionEnroll   = "enroll"
	ActionIssueIDs = "issue_ids"
	ActionLookup   = "lookup"
	ActionOther    = "other"
)

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 request as a PHI access event. When a recorder is
// given it receives the entry as well; recorder failures are logged and never
// fail the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	logger = logger.With().Str("type", "phi_audit").Logger()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Route:      c.Path(),
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				RequestID:  requestIDFrom(c),
				StatusCode: responseStatus(c, err),
				Timestamp:  time.Now().UTC(),
			}
			entry.Action = auditAction(req.Method, entry.Route)
			if entry.Action == ActionLookup {
				entry.IDType = c.Param("type")
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.StatusCode == http.StatusUnauthorized || entry.StatusCode == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("action", entry.Action).
				Str("id_type", entry.IDType).
				Str("route", entry.Route).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func auditAction(method, route string) string {
	switch {
	case method == http.MethodPost && strings.HasSuffix(route, "/subjects"):
		return ActionEnroll
	case method == http.MethodPost && strings.HasSuffix(route, "/subject-ids"):
		return ActionIssueIDs
	case method == http.MethodGet && strings.Contains(route, "/subjects/"):
		return ActionLookup
	default:
		return ActionOther
	}
}
