// Package validator wraps go-playground/validator with domain-specific rules.
package validator

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Validator struct {
	validate *validator.Validate
}

// Serials are printable identifiers like "SN-001"; uppercase alphanumerics
// plus dash/underscore, 3 to 64 chars.
var serialPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{2,63}$`)

func New() *Validator {
	v := &Validator{
		validate: validator.New(),
	}
	v.registerCustomValidations()
	return v
}

func (v *Validator) registerCustomValidations() {
	_ = v.validate.RegisterValidation("serial", func(fl validator.FieldLevel) bool {
		return serialPattern.MatchString(fl.Field().String())
	})
	_ = v.validate.RegisterValidation("actor_role", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "manufacturer", "shipper", "customer":
			return true
		}
		return false
	})
}

func (v *Validator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, e := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"Field '%s' failed validation '%s'",
					e.Field(),
					e.Tag(),
				))
			}
			return fmt.Errorf("validation failed: %v", errMessages)
		}
		return err
	}
	return nil
}

// Sanitize strips HTML and trims whitespace from user-supplied strings.
func Sanitize(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}
