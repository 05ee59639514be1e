// Package errors defines the error taxonomy of the cosign client.
package errors

import "fmt"

// DomainError represents errors in the domain logic
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a DomainError with the same code, so wrapped
// copies made by NewDomainError still match the sentinels below.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Authentication and infrastructure errors
var (
	ErrMalformedCookie = &DomainError{
		Code:    "MALFORMED_COOKIE",
		Message: "service cookie is malformed",
	}

	ErrCookieExpired = &DomainError{
		Code:    "COOKIE_EXPIRED",
		Message: "service cookie has expired",
	}

	ErrIPMismatch = &DomainError{
		Code:    "IP_MISMATCH",
		Message: "client address does not match the authenticated address",
	}

	ErrIdentityMismatch = &DomainError{
		Code:    "IDENTITY_MISMATCH",
		Message: "authenticated name does not match the session identity",
	}

	ErrFactorsUnsatisfied = &DomainError{
		Code:    "FACTORS_UNSATISFIED",
		Message: "required authentication factors are missing",
	}

	ErrNoServersReachable = &DomainError{
		Code:    "NO_SERVERS_REACHABLE",
		Message: "no authentication server could be reached",
	}

	ErrNotAuthenticated = &DomainError{
		Code:    "NOT_AUTHENTICATED",
		Message: "authentication server rejected the cookie",
	}

	ErrConnectionInit = &DomainError{
		Code:    "CONNECTION_INIT_FAILED",
		Message: "failed to initialize protocol connection",
	}

	ErrPoolUninitialized = &DomainError{
		Code:    "POOL_UNINITIALIZED",
		Message: "connection pool is not initialized",
	}

	ErrConfigInvalid = &DomainError{
		Code:    "CONFIG_INVALID",
		Message: "configuration is invalid",
	}
)

// NewDomainError creates a new domain error with context
func NewDomainError(base *DomainError, err error) error {
	return &DomainError{
		Code:    base.Code,
		Message: base.Message,
		Err:     err,
	}
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// NewValidationError creates a ValidationError for a single field.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}
