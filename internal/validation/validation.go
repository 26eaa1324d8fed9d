// Package validation builds the request validator shared by registration and reservations.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/calendar"
	"github.com/go-playground/validator/v10"
)

var phonePattern = regexp.MustCompile(`^[0-9-]+$`)

// FieldError is a single field-level message suitable for form display.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// New creates a validator with the custom rules registered and JSON field names reported.
func New() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})

	// Rejects whitespace-only strings.
	_ = validate.RegisterValidation("notblank", func(fieldLevel validator.FieldLevel) bool {
		value, ok := fieldLevel.Field().Interface().(string)
		if !ok {
			return true
		}
		return strings.TrimSpace(value) != ""
	})

	_ = validate.RegisterValidation("phone", func(fieldLevel validator.FieldLevel) bool {
		value, ok := fieldLevel.Field().Interface().(string)
		if !ok {
			return false
		}
		trimmed := strings.TrimSpace(value)
		return phonePattern.MatchString(trimmed) && strings.ContainsAny(trimmed, "0123456789")
	})

	_ = validate.RegisterValidation("isodate", func(fieldLevel validator.FieldLevel) bool {
		value, ok := fieldLevel.Field().Interface().(string)
		if !ok {
			return false
		}
		_, err := calendar.Parse(value)
		return err == nil
	})

	return validate
}

// Describe converts validator failures into field errors. Other errors yield nil.
func Describe(err error) []FieldError {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	fieldErrors := make([]FieldError, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		fieldErrors = append(fieldErrors, FieldError{
			Field:   fieldPath(fieldError),
			Rule:    fieldError.Tag(),
			Message: message(fieldError),
		})
	}
	return fieldErrors
}

func fieldPath(fieldError validator.FieldError) string {
	namespace := fieldError.Namespace()
	if index := strings.Index(namespace, "."); index >= 0 {
		return namespace[index+1:]
	}
	return fieldError.Field()
}

func message(fieldError validator.FieldError) string {
	switch fieldError.Tag() {
	case "required", "notblank":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "phone":
		return "must contain only digits and hyphens"
	case "isodate":
		return "must be a date in YYYY-MM-DD format"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.ReplaceAll(fieldError.Param(), " ", ", "))
	case "max":
		return fmt.Sprintf("must be at most %s characters", fieldError.Param())
	default:
		return fmt.Sprintf("failed %s validation", fieldError.Tag())
	}
}

// ErrInvalid marks field-level validation failures.
var ErrInvalid = errors.New("validation failed")

// Error lists every failing field of a request.
type Error struct {
	Fields []FieldError
}

// Error returns the formatted error message.
func (validationError Error) Error() string {
	parts := make([]string, 0, len(validationError.Fields))
	for _, field := range validationError.Fields {
		parts = append(parts, field.Field+" "+field.Message)
	}
	return fmt.Sprintf("%v: %s", ErrInvalid, strings.Join(parts, "; "))
}

// Unwrap returns ErrInvalid.
func (validationError Error) Unwrap() error {
	return ErrInvalid
}

// Struct validates a request and returns an Error carrying field messages.
func Struct(validate *validator.Validate, request any) error {
	err := validate.Struct(request)
	if err == nil {
		return nil
	}
	if fields := Describe(err); fields != nil {
		return Error{Fields: fields}
	}
	return err
}
