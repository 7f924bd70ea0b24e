package middleware

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dentalclinic/billing/internal/platform/apperror"
)

// ErrorBody is the JSON shape of every failed API response.
type ErrorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ErrorHandler renders service and framework errors. Rule violations are
// expected outcomes and are logged at info; only internal failures reach
// error level, and their details never leave the server.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := renderError(err)

		evt := logger.Info()
		if status >= 500 {
			evt = logger.Error()
		}
		evt.Err(err).Str("request_id", requestIDOf(c)).Int("status", status).Msg(body.Error)

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}

func renderError(err error) (int, ErrorBody) {
	var (
		ae  *apperror.Error
		he  *echo.HTTPError
		ves validator.ValidationErrors
	)
	switch {
	case errors.As(err, &ves):
		fields := make(map[string]string, len(ves))
		for _, fe := range ves {
			fields[fe.Field()] = fieldMessage(fe)
		}
		return http.StatusUnprocessableEntity, ErrorBody{
			Error:   string(apperror.KindValidation),
			Message: "request validation failed",
			Fields:  fields,
		}
	case errors.As(err, &ae):
		if ae.Kind == apperror.KindInternal {
			break
		}
		return apperror.HTTPStatus(ae.Kind), ErrorBody{Error: string(ae.Kind), Message: ae.Message}
	case errors.As(err, &he):
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return he.Code, ErrorBody{Error: httpErrorKind(he.Code), Message: msg}
	}
	return http.StatusInternalServerError, ErrorBody{Error: string(apperror.KindInternal), Message: "internal server error"}
}

func httpErrorKind(code int) string {
	switch code {
	case http.StatusNotFound:
		return string(apperror.KindNotFound)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return string(apperror.KindValidation)
	case http.StatusConflict:
		return string(apperror.KindConflict)
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusGatewayTimeout:
		return "timeout"
	}
	if code >= 500 {
		return string(apperror.KindInternal)
	}
	return "error"
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "numeric":
		return "must contain only digits"
	case "uuid":
		return "must be a valid UUID"
	case "min":
		return "must have at least " + fe.Param() + " item(s)"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "is invalid"
}
