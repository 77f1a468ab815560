package common

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var reOCRLang = regexp.MustCompile(`^[a-z][a-z_]{2,}(\+[a-z][a-z_]{2,})*$`)

// ValidationError describes one rejected field of a job payload or request.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s %s (got %q)", e.Field, e.Message, fmt.Sprint(e.Value))
}

// Validator collects field errors so callers can report all of them at once.
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{}
}

// Field applies rules to value in order; every failing rule is recorded.
func (v *Validator) Field(name string, value any, rules ...ValidationRule) *Validator {
	for _, rule := range rules {
		if err := rule(name, value); err != nil {
			v.errors = append(v.errors, *err)
		}
	}
	return v
}

func (v *Validator) HasErrors() bool { return len(v.errors) > 0 }

func (v *Validator) Errors() []ValidationError { return v.errors }

func (v *Validator) ErrorMessage() string {
	parts := make([]string, len(v.errors))
	for i, err := range v.errors {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

// ValidationRule returns nil when value passes.
type ValidationRule func(name string, value any) *ValidationError

func invalid(name string, value any, format string, args ...any) *ValidationError {
	return &ValidationError{Field: name, Value: value, Message: fmt.Sprintf(format, args...)}
}

// Required rejects nil and blank strings.
func Required(name string, value any) *ValidationError {
	switch s := value.(type) {
	case nil:
		return invalid(name, value, "is required")
	case string:
		if strings.TrimSpace(s) == "" {
			return invalid(name, value, "is required")
		}
	case *string:
		if s == nil || strings.TrimSpace(*s) == "" {
			return invalid(name, value, "is required")
		}
	}
	return nil
}

// MaxLength counts runes, not bytes.
func MaxLength(max int) ValidationRule {
	return func(name string, value any) *ValidationError {
		if s, ok := value.(string); ok && utf8.RuneCountInString(s) > max {
			return invalid(name, value, "must be at most %d characters", max)
		}
		return nil
	}
}

func IntRange(min, max int) ValidationRule {
	return func(name string, value any) *ValidationError {
		n, ok := value.(int)
		if !ok {
			return invalid(name, value, "must be an integer")
		}
		if n < min || n > max {
			return invalid(name, value, "must be between %d and %d", min, max)
		}
		return nil
	}
}

// OCRLanguage accepts tesseract language tags such as "eng" or "ita+eng".
// Empty means "use the default language".
func OCRLanguage(name string, value any) *ValidationError {
	s, ok := value.(string)
	if !ok {
		return invalid(name, value, "must be a string")
	}
	if s != "" && !reOCRLang.MatchString(s) {
		return invalid(name, value, "must be a tesseract language tag like 'eng' or 'ita+eng'")
	}
	return nil
}

// ValidateAndReturnError returns an INVALID_INPUT AppError if validation failed.
func ValidateAndReturnError(v *Validator) error {
	if v.HasErrors() {
		return NewAppError(CodeInvalidInput, v.ErrorMessage(), ErrInvalidInput)
	}
	return nil
}
