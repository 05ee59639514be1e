package cli

import "errors"

// Sentinel errors for exit code classification
var (
	// ErrUsage indicates invalid command usage, flags, or arguments
	ErrUsage = errors.New("usage error")

	// ErrConfig indicates an invalid configuration file
	ErrConfig = errors.New("configuration error")

	// ErrAuth indicates the server did not authenticate the cookie
	ErrAuth = errors.New("authentication error")

	// ErrRuntime indicates servers or other infrastructure were unavailable
	ErrRuntime = errors.New("runtime error")

	// ErrInternal indicates internal system errors
	ErrInternal = errors.New("internal error")
)
