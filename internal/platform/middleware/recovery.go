package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

// Recovery turns a handler panic into a 500 and logs it with the request ID
// and the panicking goroutine's stack.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return echomw.RecoverWithConfig(echomw.RecoverConfig{
		StackSize:           8 << 10,
		DisableStackAll:     true,
		DisableErrorHandler: true,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error().
				Err(err).
				Str("request_id", requestIDOf(c)).
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Bytes("stack", stack).
				Msg("panic recovered")
			return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
		},
	})
}
