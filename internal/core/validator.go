package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"skyhook/internal/types"
)

var (
	// Discord snowflakes are 64-bit integers rendered in decimal.
	snowflakePattern = regexp.MustCompile(`^\d{17,19}$`)
	plcDIDPattern    = regexp.MustCompile(`^did:plc:[a-z0-9]{16,}$`)
)

// Validator wraps go-playground/validator with the registration rules.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// ValidationError describes one failed field. Field uses the JSON name.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationResult struct {
	Errors []ValidationError `json:"errors,omitempty"`
}

func (r ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// NewValidator creates a Validator with the snowflake and plcdid tags
// registered and JSON field names reported in errors.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	mustRegister(v, "snowflake", func(fl validator.FieldLevel) bool {
		return snowflakePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "plcdid", func(fl validator.FieldLevel) bool {
		return plcDIDPattern.MatchString(fl.Field().String())
	})

	return &Validator{validate: v, logger: logger}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %q: %v", tag, err))
	}
}

// Validate runs every rule and collects the failures.
func (v *Validator) Validate(s any) ValidationResult {
	err := v.validate.Struct(s)
	if err == nil {
		return ValidationResult{}
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("validator misuse", "error", err, "type", fmt.Sprintf("%T", s))
		return ValidationResult{Errors: []ValidationError{{
			Code:    string(types.ErrCodeValidationInvalidBody),
			Message: "request could not be validated",
		}}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Code:    tagToErrorCode(fe.Tag()),
			Message: fieldMessage(fe),
		})
	}
	return ValidationResult{Errors: out}
}

// ValidateStruct returns nil or a validation AppError whose code is the
// first failure's code. All failures are listed under
// Details["validation_errors"].
func (v *Validator) ValidateStruct(s any) error {
	result := v.Validate(s)
	if result.IsValid() {
		return nil
	}

	first := result.Errors[0]
	return types.NewAppError(types.ErrorCode(first.Code), first.Message, nil).
		WithDetails(map[string]any{"validation_errors": result.Errors})
}

func tagToErrorCode(tag string) string {
	switch tag {
	case "required":
		return string(types.ErrCodeValidationMissingField)
	case "snowflake":
		return string(types.ErrCodeValidationInvalidID)
	case "plcdid":
		return string(types.ErrCodeValidationInvalidDID)
	default:
		return string(types.ErrCodeValidationInvalidBody)
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "snowflake":
		return fe.Field() + " must be a Discord snowflake ID"
	case "plcdid":
		return fe.Field() + " must be a did:plc identifier"
	default:
		return fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())
	}
}
