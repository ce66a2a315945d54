package core

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"entitle/internal/types"
)

// Validator wraps go-playground/validator so that handler code gets
// structured AppErrors instead of the library's raw error strings.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ValidateStruct validates a request DTO against its struct tags. Tag
// violations are collapsed into a single validation_missing_required_field
// AppError with a per-field detail map so the client sees every problem at
// once.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation failed", err)
	}

	details := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
	}
	return types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		"request failed validation",
		err,
		details,
	)
}
