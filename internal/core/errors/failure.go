package errors

import "fmt"

// FailureKind tags why an authentication attempt did not produce an identity.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureNoCookie
	FailureExpired
	FailureIPChanged
	FailureIPMismatch
	FailureIdentityMismatch
	FailureFactorsUnsatisfied
	FailureNoServers
	FailureNotAuthenticated
	FailurePoolUninitialized
	FailureConfigInvalid
)

var failureNames = map[FailureKind]string{
	FailureNone:               "none",
	FailureNoCookie:           "no-cookie",
	FailureExpired:            "expired",
	FailureIPChanged:          "ip-changed",
	FailureIPMismatch:         "ip-mismatch",
	FailureIdentityMismatch:   "identity-mismatch",
	FailureFactorsUnsatisfied: "factors-unsatisfied",
	FailureNoServers:          "no-servers",
	FailureNotAuthenticated:   "not-authenticated",
	FailurePoolUninitialized:  "pool-uninitialized",
	FailureConfigInvalid:      "config-invalid",
}

func (k FailureKind) String() string {
	if s, ok := failureNames[k]; ok {
		return s
	}
	return fmt.Sprintf("failure(%d)", int(k))
}

// Unavailable reports whether the failure is an infrastructure problem that
// should be shown as service-unavailable instead of a login redirect.
func (k FailureKind) Unavailable() bool {
	switch k {
	case FailureNoServers, FailurePoolUninitialized, FailureConfigInvalid:
		return true
	default:
		return false
	}
}

// FailureReason is the tagged result of a failed attempt.
type FailureReason struct {
	Kind FailureKind
	Err  error
}

// NewFailure wraps base with detail and tags it with kind.
func NewFailure(kind FailureKind, base *DomainError, detail error) *FailureReason {
	return &FailureReason{Kind: kind, Err: NewDomainError(base, detail)}
}

func (f *FailureReason) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *FailureReason) Unwrap() error {
	return f.Err
}
