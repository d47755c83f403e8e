package services

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ValidationHelper provides shared struct validation for operation requests.
type ValidationHelper struct {
	validator *validator.Validate
}

func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a request struct; failures come back wrapped in
// ErrValidationFailed with the offending fields named.
func (vh *ValidationHelper) ValidateStruct(s any) error {
	err := vh.validator.Struct(s)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, ve := range verrs {
			return fmt.Errorf("%w: field %s failed on '%s'", ErrValidationFailed, ve.Field(), ve.Tag())
		}
	}
	return fmt.Errorf("%w: %v", ErrValidationFailed, err)
}
