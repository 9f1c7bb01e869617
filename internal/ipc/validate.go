package ipc

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their wire names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the `validate` tags of a decoded request payload. A
// failure is an invalid error envelope naming the offending fields.
func Validate(req any) error {
	if req == nil {
		return nil
	}
	rv := reflect.ValueOf(req)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return Invalid("BAD_PAYLOAD", "validate request: %v", err)
	}
	parts := make([]string, 0, len(fields))
	for _, fe := range fields {
		parts = append(parts, fe.Field()+" "+fe.Tag())
	}
	return Invalid("BAD_PAYLOAD", "invalid request: %s", strings.Join(parts, ", "))
}
