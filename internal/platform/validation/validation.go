// Package validation wires go-playground/validator into echo so handlers
// can call c.Validate on request DTOs.
package validation

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type Validator struct {
	v *validator.Validate
}

func New() *Validator {
	v := validator.New()

	// Money fields are decimal.Decimal; expose them as numbers so tags such
	// as gt=0 and gte=0 work.
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})

	// Report JSON names ("discount_amount") rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	return &Validator{v: v}
}

// Validate returns validator.ValidationErrors untouched so the error
// handler can render per-field messages.
func (cv *Validator) Validate(i interface{}) error {
	return cv.v.Struct(i)
}

// BindAndValidate decodes the request body into req and validates it.
// Malformed JSON is a 400; failed constraints surface as validation errors.
func BindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return c.Validate(req)
}
