package cards

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// field names in reasons follow the json tags
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	// decimal.Decimal is read directly; a custom type func returning the
	// same type would loop.
	if err := v.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && d.IsPositive()
	}); err != nil {
		panic(fmt.Sprintf("register positive_decimal: %v", err))
	}
	return v
}

var validationReasons = map[string]func(field, param string) string{
	"required": func(field, _ string) string {
		return field + " is required"
	},
	"max": func(field, param string) string {
		return fmt.Sprintf("%s must be at most %s characters", field, param)
	},
	"positive_decimal": func(field, _ string) string {
		return field + " must be positive"
	},
}

// validateStruct checks the validate tags of payload and returns the first
// failure as a validation error.
func validateStruct(payload any) error {
	return validationFailure("", validate.Struct(payload))
}

func validateVar(field string, value any, tag string) error {
	return validationFailure(field, validate.Var(value, tag))
}

func validationFailure(field string, err error) error {
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return validationErr(err.Error())
	}
	fe := errs[0]
	if field == "" {
		field = fe.Field()
	}
	if reason, ok := validationReasons[fe.Tag()]; ok {
		return validationErr(reason(field, fe.Param()))
	}
	return validationErr(fmt.Sprintf("%s failed %s check", field, fe.Tag()))
}
