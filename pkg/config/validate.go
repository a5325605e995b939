package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid marks configuration that failed validation.
var ErrInvalid = errors.New("config: invalid configuration")

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// Report violations by environment variable rather than Go field name.
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := fld.Tag.Get("env")
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
		validateInst = v
	})
	return validateInst
}

// Validate checks a loaded configuration struct. The returned error wraps
// ErrInvalid and names every offending variable.
func Validate(cfg any) error {
	if err := validatorInstance().Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		problems := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			if fe.Tag() == "required" {
				problems = append(problems, fe.Field()+" is required")
				continue
			}
			problems = append(problems, fmt.Sprintf("%s fails %s", fe.Field(), describeTag(fe)))
		}
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func describeTag(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}
