package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// checkField validates one value against a validator tag list and names the
// wire field in the error.
func checkField(field string, value any, tag string) error {
	err := validate.Var(value, tag)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Tag() {
		case "required":
			return fmt.Errorf("%s is required", field)
		case "max":
			return fmt.Errorf("%s exceeds maximum length", field)
		default:
			return fmt.Errorf("%s is invalid", field)
		}
	}
	return fmt.Errorf("%s: %w", field, err)
}

// Validate checks the identity taken from a bearer token. Email may be empty
// at upload time; the notifier rejects the completion job later.
func (id Identity) Validate() error {
	if err := checkField("username", strings.TrimSpace(id.Username), "required,max=255"); err != nil {
		return err
	}
	return checkField("email", id.Email, "omitempty,email")
}
