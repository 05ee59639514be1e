package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for configuration loading
var (
	ErrDuplicateProperty = errors.New("property defined more than once")
	ErrMissingProperty   = errors.New("required property missing")
	ErrInsecureEntryURL  = errors.New("site entry URL must use https when HttpsOnly is set")
)

// ConfigLoadError collects every problem found while loading a configuration
// document. A non-empty ConfigLoadError rejects the whole load.
type ConfigLoadError struct {
	Source string
	Errors []error
}

func (e *ConfigLoadError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("config %s: load failed", e.Source)
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("config %s: %v", e.Source, e.Errors[0])
	}
	return fmt.Sprintf("config %s: load failed with %d errors: %v", e.Source, len(e.Errors), e.Errors[0])
}

func (e *ConfigLoadError) Unwrap() []error {
	return e.Errors
}

// NewConfigLoadError returns nil when errs is empty.
func NewConfigLoadError(source string, errs ...error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ConfigLoadError{Source: source, Errors: errs}
}
