// Package validate checks grading configurations and API requests before
// they reach the store.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/autograder/internal/model"
)

// ErrInvalid matches every error returned by this package.
var ErrInvalid = errors.New("invalid input")

// FieldError describes one failed rule.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// Errors is a list of failed rules.
type Errors []FieldError

func (e Errors) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Message
	}
	return strings.Join(msgs, "; ")
}

func (e Errors) Is(target error) bool { return target == ErrInvalid }

// ServiceChecker validates backend-specific parameters for a named service.
type ServiceChecker interface {
	ValidateServiceConfig(name string, cfg model.ServiceConfig) error
}

type Validator struct {
	v        *validator.Validate
	services ServiceChecker
}

// New returns a validator. services may be nil, in which case backend
// parameters are not checked.
func New(services ServiceChecker) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
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
	v.RegisterStructValidation(scopeTargets, model.GradingConfiguration{})
	return &Validator{v: v, services: services}
}

// scopeTargets requires exactly the IDs a scope uses: none for global,
// an exam for exam, and a question for question.
func scopeTargets(sl validator.StructLevel) {
	c := sl.Current().Interface().(model.GradingConfiguration)
	switch c.Scope {
	case model.ScopeGlobal:
		if c.ExamID != nil {
			sl.ReportError(c.ExamID, "exam_id", "ExamID", "excluded_for_scope", string(c.Scope))
		}
		if c.QuestionID != nil {
			sl.ReportError(c.QuestionID, "question_id", "QuestionID", "excluded_for_scope", string(c.Scope))
		}
	case model.ScopeExam:
		if c.ExamID == nil {
			sl.ReportError(c.ExamID, "exam_id", "ExamID", "required_for_scope", string(c.Scope))
		}
		if c.QuestionID != nil {
			sl.ReportError(c.QuestionID, "question_id", "QuestionID", "excluded_for_scope", string(c.Scope))
		}
	case model.ScopeQuestion:
		if c.QuestionID == nil {
			sl.ReportError(c.QuestionID, "question_id", "QuestionID", "required_for_scope", string(c.Scope))
		}
	}
}

// Struct runs the tag rules on s.
func (v *Validator) Struct(s any) error {
	if err := v.v.Struct(s); err != nil {
		return convert(err)
	}
	return nil
}

// Config validates a grading configuration, including the parameters
// of the service it names.
func (v *Validator) Config(c model.GradingConfiguration) error {
	if err := v.Struct(c); err != nil {
		return err
	}
	if v.services == nil {
		return nil
	}
	if err := v.services.ValidateServiceConfig(c.GradingService, c.ServiceConfig); err != nil {
		return Errors{{Field: "service_config", Tag: "service", Message: err.Error()}}
	}
	return nil
}

func convert(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: message(fe),
		})
	}
	return out
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "required_for_scope":
		return fmt.Sprintf("%s is required for %s scope", fe.Field(), fe.Param())
	case "excluded_for_scope":
		return fmt.Sprintf("%s must not be set for %s scope", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
