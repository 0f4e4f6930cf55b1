package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/echs-verifier/internal/platform/auth"
)

// AuditEntry records one state-changing call against a submission.
type AuditEntry struct {
	UserID     string
	Action     string
	Route      string
	Params     map[string]string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every non-GET request with the caller, route and route
// parameters (category, field). Approval toggles and claim generation are
// therefore attributable to a user.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method == http.MethodGet || req.Method == http.MethodHead || req.Method == http.MethodOptions {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(c.Request().Context()),
				Action:     req.Method + " " + c.Path(),
				Route:      c.Path(),
				Params:     make(map[string]string),
				RequestID:  requestIDOf(c),
				StatusCode: responseStatus(c, err),
				Timestamp:  time.Now().UTC(),
			}
			for i, name := range c.ParamNames() {
				if i < len(c.ParamValues()) {
					entry.Params[name] = c.ParamValues()[i]
				}
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

			evt := logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("action", entry.Action).
				Int("status", entry.StatusCode)
			for k, v := range entry.Params {
				evt = evt.Str(k, v)
			}
			evt.Msg("submission_change")

			return err
		}
	}
}
