package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"funnelmetrics/internal/types"
)

// ValidationError describes one rejected field.
type ValidationError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Param string `json:"param,omitempty"`
}

// Validator checks request DTOs with go-playground/validator and reports
// failures as AppErrors. Field names come from the json tag.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("plan_tier", func(fl validator.FieldLevel) bool {
		return types.PlanTier(fl.Field().String()).Valid()
	})
	return &Validator{validate: v}
}

// ValidateStruct returns nil or an AppError whose code reflects the first
// failure: a missing field, a malformed email, or a generic invalid body.
// Every failure is listed under details.validation_errors.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "request could not be validated", err)
	}

	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{Field: fe.Field(), Rule: fe.Tag(), Param: fe.Param()})
	}

	first := fieldErrs[0]
	code := types.ErrCodeValidationInvalidBody
	msg := "invalid value for " + first.Field()
	switch first.Tag() {
	case "required":
		code = types.ErrCodeValidationMissingField
		msg = first.Field() + " is required"
	case "email":
		code = types.ErrCodeValidationInvalidEmail
		msg = first.Field() + " must be a valid email address"
	case "plan_tier":
		code = types.ErrCodeValidationUnsupportedPlan
		msg = "unknown plan tier"
	}
	return types.NewAppErrorWithDetails(code, msg, err, map[string]any{"validation_errors": out})
}
