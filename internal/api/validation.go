package api

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/oncall"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		_, err := alert.ParseSeverity(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("rotation", func(fl validator.FieldLevel) bool {
		_, err := oncall.ParseRotationType(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return oncall.Role(strings.ToLower(strings.TrimSpace(fl.Field().String()))).Valid()
	})
	return v
}

// Validate checks a request struct against its validate tags and returns
// field name to message, or nil when the struct is valid.
func Validate(s any) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return map[string]string{"_": err.Error()}
	}
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		out[fieldPath(fe.Namespace())] = validationMessage(fe)
	}
	return out
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		if fe.Kind().String() == "string" {
			return fmt.Sprintf("must be at least %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		if fe.Kind().String() == "string" {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "email":
		return "must be a valid email"
	case "severity":
		return "must be one of: critical high medium low"
	case "rotation":
		return "must be one of: daily weekly biweekly"
	case "role":
		return "must be one of: primary secondary"
	case "gt":
		return fmt.Sprintf("must have more than %s entries", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// fieldPath turns "alertRequest.Labels" style namespaces into snake_case
// paths without the struct name: "labels", "members[0].email".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	var b strings.Builder
	prev := '.'
	for _, r := range ns {
		if unicode.IsUpper(r) {
			if prev != '.' && prev != '[' && !unicode.IsUpper(prev) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}
