package validator

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator provides validation functionality
type Validator interface {
	Validate(interface{}) error
}

var planTierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// CustomValidations are the domain tags shared by request binding and service validation.
var CustomValidations = map[string]validator.Func{
	"channel": func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "notification", "email":
			return true
		}
		return false
	},
	"plan_tier": func(fl validator.FieldLevel) bool {
		return planTierPattern.MatchString(fl.Field().String())
	},
}

// Register adds the custom tags and json field naming to v.
func Register(v *validator.Validate) error {
	for tag, fn := range CustomValidations {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validation: %w", tag, err)
		}
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return nil
}

type structValidator struct {
	v *validator.Validate
}

func New() Validator {
	v := validator.New()
	if err := Register(v); err != nil {
		panic(err)
	}
	return &structValidator{v: v}
}

// Validate checks obj's `validate` tags and flattens failures into one message.
func (s *structValidator) Validate(obj interface{}) error {
	err := s.v.Struct(obj)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, Message(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Message renders one field error for API clients.
func Message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "channel":
		return fmt.Sprintf("%s must be notification or email", fe.Field())
	case "plan_tier":
		return fmt.Sprintf("%s contains an invalid plan id", fe.Field())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must not exceed %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
