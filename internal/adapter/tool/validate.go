package tool

import (
	"fmt"

	"supernova/internal/domain"
)

// RequireField returns an error if the string value is empty.
func RequireField(name, value string) error {
	if value == "" {
		return domain.NewDomainError("tool.RequireField", domain.ErrInvalidInput,
			fmt.Sprintf("Missing required argument: %s", name))
	}
	return nil
}

// ValidateMaxLength checks that value does not exceed max bytes.
func ValidateMaxLength(name, value string, max int) error {
	if len(value) > max {
		return domain.NewDomainError("tool.ValidateMaxLength", domain.ErrInvalidInput,
			fmt.Sprintf("%s exceeds maximum length of %d", name, max))
	}
	return nil
}

// ValidateAll returns the first non-nil error from the given list.
func ValidateAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
