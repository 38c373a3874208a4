package job

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"jobctl/internal/apperrors"
)

// DefaultMaxInput is the largest n accepted when no bound is configured.
const DefaultMaxInput = 1_000_000

// request is the validated form of the user's input.
type request struct {
	N int64 `validate:"gt=0,maxinput"`
}

// Validator checks raw input against the domain constraints.
type Validator struct {
	max      int64
	validate *validator.Validate
}

// NewValidator creates a Validator accepting 1..maxInput.
func NewValidator(maxInput int64) *Validator {
	if maxInput <= 0 {
		maxInput = DefaultMaxInput
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("maxinput", func(fl validator.FieldLevel) bool {
		return fl.Field().Int() <= maxInput
	})
	return &Validator{max: maxInput, validate: v}
}

// Max returns the configured upper bound.
func (v *Validator) Max() int64 {
	return v.max
}

// Parse validates raw input and returns n. Failures are ErrInvalidInput.
func (v *Validator) Parse(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, apperrors.InvalidInput("n", "please enter a positive integer")
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(s, "-") {
			return 0, apperrors.InvalidInput("n", fmt.Sprintf("%s exceeds the maximum of %d", s, v.max))
		}
		return 0, apperrors.InvalidInput("n", fmt.Sprintf("%q is not a positive integer", s))
	}

	if err := v.validate.Struct(request{N: n}); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 && fieldErrs[0].Tag() == "maxinput" {
			return 0, apperrors.InvalidInput("n", fmt.Sprintf("%d exceeds the maximum of %d", n, v.max))
		}
		return 0, apperrors.InvalidInput("n", fmt.Sprintf("%d is not a positive integer", n))
	}
	return n, nil
}
