// Package domain holds the value objects of the cosign client: service
// cookies, identities, service rules and protocol responses.
package domain

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ServiceName is a value object for the service a cookie is issued to, for
// example "cosign-wolverineaccess".
type ServiceName struct {
	value string
}

// The protocol sends "<service>=<nonce>", so names may not contain '=' or
// whitespace.
var serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._-]*[a-zA-Z0-9])?$`)

const maxServiceNameLength = 128

// NewServiceName creates a ServiceName, applying validation.
func NewServiceName(name string) (ServiceName, error) {
	trimmed := strings.TrimSpace(name)

	if trimmed == "" {
		return ServiceName{}, fmt.Errorf("service name cannot be empty or whitespace-only")
	}
	if len(trimmed) > maxServiceNameLength {
		return ServiceName{}, fmt.Errorf("service name too long: maximum %d characters, got %d", maxServiceNameLength, len(trimmed))
	}
	if !serviceNamePattern.MatchString(trimmed) {
		return ServiceName{}, fmt.Errorf("service name %q contains invalid characters: use alphanumerics, hyphens, underscores and dots", trimmed)
	}

	return ServiceName{value: trimmed}, nil
}

// NewServiceNameUnsafe creates a ServiceName without validation.
// Use NewServiceName in production code.
func NewServiceNameUnsafe(name string) ServiceName {
	return ServiceName{value: strings.TrimSpace(name)}
}

func (sn ServiceName) String() string {
	return sn.value
}

// Value returns the service name value.
func (sn ServiceName) Value() string {
	return sn.value
}

// Equals compares two ServiceNames for equality.
func (sn ServiceName) Equals(other ServiceName) bool {
	return sn.value == other.value
}

// IsEmpty returns true if the service name is empty.
func (sn ServiceName) IsEmpty() bool {
	return sn.value == ""
}

// ServiceNameDecodeHook converts strings to ServiceName while decoding
// configuration with mapstructure.
func ServiceNameDecodeHook() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t != reflect.TypeOf(ServiceName{}) {
			return data, nil
		}

		str, ok := data.(string)
		if !ok {
			return data, nil
		}

		serviceName, err := NewServiceName(str)
		if err != nil {
			return nil, fmt.Errorf("invalid service name %q: %w", str, err)
		}

		return serviceName, nil
	}
}
