package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dentalclinic/billing/internal/platform/auth"
)

// AuditEntry records who changed billing state, and what the outcome was.
type AuditEntry struct {
	Timestamp  time.Time
	RequestID  string
	ClinicID   string
	UserID     string
	Action     string
	Resource   string
	ResourceID string
	Method     string
	Path       string
	StatusCode int
}

type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error { return f(entry) }

// Audit emits a "billing_audit" log line for every mutating /api/v1 request
// (invoice creation, payments, cancellation, fiscal sequence changes) and
// forwards it to the optional recorder.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") || !isMutating(req.Method) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			resource, id, action := describePath(req.URL.Path)
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				RequestID:  requestIDOf(c),
				UserID:     auth.UserIDFromContext(req.Context()),
				Action:     action,
				Resource:   resource,
				ResourceID: id,
				Method:     req.Method,
				Path:       req.URL.Path,
				StatusCode: status,
			}
			if clinic, ok := c.Get("clinic_id").(string); ok {
				entry.ClinicID = clinic
			}

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "billing_audit").
				Str("request_id", entry.RequestID).
				Str("clinic_id", entry.ClinicID).
				Str("user_id", entry.UserID).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Int("status", entry.StatusCode).
				Msg("billing change")

			return err
		}
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// describePath splits "/api/v1/invoices/<id>/payments" into resource
// "invoices", id "<id>" and action "payments". Without a trailing verb the
// action falls back to "create".
func describePath(path string) (resource, id, action string) {
	segs := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	resource = segs[0]
	action = "create"
	if len(segs) > 1 {
		id = segs[1]
	}
	if len(segs) > 2 {
		action = segs[2]
	}
	return resource, id, action
}
