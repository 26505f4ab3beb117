package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

// validateStruct runs tag validation and reports the first failing field by its yaml name.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return &InvalidFieldError{Field: first.Field(), Rule: first.Tag()}
	}
	return err
}

// InvalidFieldError names a configuration field that failed validation.
type InvalidFieldError struct {
	Field string
	Rule  string
}

func (e *InvalidFieldError) Error() string {
	switch e.Rule {
	case "required":
		return fmt.Sprintf("missing %s", e.Field)
	case "gt":
		return fmt.Sprintf("%s must be greater than zero", e.Field)
	default:
		return fmt.Sprintf("invalid %s (%s)", e.Field, e.Rule)
	}
}
