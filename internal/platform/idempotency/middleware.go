package idempotency

import (
	"bytes"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dentalclinic/billing/internal/platform/auth"
)

const (
	HeaderKey    = "Idempotency-Key"
	HeaderReplay = "Idempotent-Replayed"
	maxKeyLength = 255
)

type captureWriter struct {
	http.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// Middleware replays the stored response for a repeated Idempotency-Key
// and answers 409 while the first request with that key is still running.
// Requests without the header are untouched. Only successful responses are
// stored; a failed attempt releases the key so the client can retry.
func Middleware(store Store, ttl time.Duration, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			key := req.Header.Get(HeaderKey)
			if key == "" || req.Method != http.MethodPost {
				return next(c)
			}
			if len(key) > maxKeyLength {
				return echo.NewHTTPError(http.StatusBadRequest, "Idempotency-Key is too long")
			}

			ctx := req.Context()
			scoped := scopeKey(c, key)
			existing, reserved, err := store.Reserve(ctx, scoped, ttl)
			if err != nil {
				return err
			}
			if !reserved {
				if existing == nil || existing.Pending() {
					return echo.NewHTTPError(http.StatusConflict, "a request with this Idempotency-Key is still in progress")
				}
				c.Response().Header().Set(HeaderReplay, "true")
				return c.Blob(existing.Status, existing.ContentType, existing.Body)
			}

			cw := &captureWriter{ResponseWriter: c.Response().Writer}
			c.Response().Writer = cw

			err = next(c)

			status := c.Response().Status
			if err != nil || status >= 500 || !c.Response().Committed {
				if relErr := store.Release(ctx, scoped); relErr != nil {
					logger.Warn().Err(relErr).Str("key", key).Msg("failed to release idempotency key")
				}
				return err
			}
			rec := Record{
				Status:      status,
				ContentType: c.Response().Header().Get(echo.HeaderContentType),
				Body:        cw.buf.Bytes(),
			}
			if cErr := store.Complete(ctx, scoped, rec, ttl); cErr != nil {
				logger.Warn().Err(cErr).Str("key", key).Msg("failed to store idempotent response")
			}
			return nil
		}
	}
}

// scopeKey keeps keys from different clinics, users and endpoints apart.
func scopeKey(c echo.Context, key string) string {
	clinic, _ := c.Get("clinic_id").(string)
	user := auth.UserIDFromContext(c.Request().Context())
	return clinic + ":" + user + ":" + c.Request().URL.Path + ":" + key
}
