package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError is one failed constraint on one field.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// ValidationError collects every field-level problem found in a record.
// Validation failures are terminal: resubmitting the same record cannot
// succeed.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, "; ")
}

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Report JSON names so messages match the wire format.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})

		_ = validate.RegisterValidation("run_status", func(fl validator.FieldLevel) bool {
			return Status(fl.Field().String()).Valid()
		})
		_ = validate.RegisterValidation("json_object", func(fl validator.FieldLevel) bool {
			raw := fl.Field().Bytes()
			var obj map[string]any
			return json.Unmarshal(raw, &obj) == nil && obj != nil
		})

		validate.RegisterStructValidation(func(sl validator.StructLevel) {
			e := sl.Current().Interface().(Event)
			if e.EndTime != nil && !e.StartTime.IsZero() && e.EndTime.Before(e.StartTime) {
				sl.ReportError(e.EndTime, "end_time", "EndTime", "gtefield", "start_time")
			}
		}, Event{})
	})
	return validate
}

// Validate checks an event against the ingestion schema. It returns nil or a
// *ValidationError.
func Validate(e *Event) error {
	if e == nil {
		return &ValidationError{Fields: []FieldError{{Field: "event", Tag: "required", Message: "event is required"}}}
	}
	return toValidationError(getValidator().Struct(e))
}

// ValidatePatch checks a partial update. An empty patch is rejected.
func ValidatePatch(p *Patch) error {
	if p == nil || p.Empty() {
		return &ValidationError{Fields: []FieldError{{Field: "patch", Tag: "required", Message: "patch must set at least one field"}}}
	}
	return toValidationError(getValidator().Struct(p))
}

func toValidationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: []FieldError{{Field: "unknown", Tag: "unknown", Message: err.Error()}}}
	}
	out := &ValidationError{Fields: make([]FieldError, len(verrs))}
	for i, fe := range verrs {
		out.Fields[i] = FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: translate(fe),
		}
	}
	return out
}

func translate(fe validator.FieldError) string {
	field, param := fe.Field(), fe.Param()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "run_status":
		return fmt.Sprintf("%s must be one of: running, success, failure, partial, cancelled", field)
	case "json_object":
		return fmt.Sprintf("%s must be a JSON object", field)
	case "hexadecimal":
		return fmt.Sprintf("%s must be hexadecimal", field)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, param)
	case "gtefield":
		return fmt.Sprintf("%s must not be before %s", field, param)
	case "min":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at least %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", field, param)
		}
		return fmt.Sprintf("%s must be at most %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
