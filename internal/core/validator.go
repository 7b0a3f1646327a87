package core

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"bringmehome/internal/types"
)

// Validator wraps go-playground/validator with the domain enum tags:
//
//	suppression_reason   types.SuppressionReason
//	suppression_source   types.SuppressionSource
//	notification_status  types.NotificationStatus
//	log_level            types.LogLevel
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator with the custom tags registered.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("suppression_reason", func(fl validator.FieldLevel) bool {
		return types.SuppressionReason(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("suppression_source", func(fl validator.FieldLevel) bool {
		return types.SuppressionSource(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("notification_status", func(fl validator.FieldLevel) bool {
		return types.NotificationStatus(fl.Field().String()).Valid()
	})
	_ = v.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		return types.LogLevel(fl.Field().String()).Valid()
	})
	return &Validator{validate: v}
}

// Struct validates s. Failures are returned as a validation_invalid_body
// AppError whose details map each failing field to its tag.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "invalid request", err)
	}

	fields := make(map[string]any, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		names = append(names, fe.Field())
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidBody,
		"invalid field(s): "+strings.Join(names, ", "), err, map[string]any{"fields": fields})
}

// Var validates a single value against tag.
func (v *Validator) Var(field any, tag string) error {
	return v.validate.Var(field, tag)
}
