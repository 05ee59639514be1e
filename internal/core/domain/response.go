package domain

import (
	"fmt"
	"strings"
)

// ResponseCode classifies a server response line by its leading digit.
type ResponseCode int

const (
	ResponseUnknown ResponseCode = iota
	ResponseAuthenticated
	ResponseNotAuthenticated
	ResponseRetry
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseAuthenticated:
		return "authenticated"
	case ResponseNotAuthenticated:
		return "not-authenticated"
	case ResponseRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Conclusive reports whether the code settles the cookie's status, so no
// further connection needs to be asked.
func (c ResponseCode) Conclusive() bool {
	return c == ResponseAuthenticated || c == ResponseNotAuthenticated
}

// ClassifyResponse maps the first digit of line: 2 authenticated,
// 4 not authenticated, 5 retry, anything else unknown.
func ClassifyResponse(line string) ResponseCode {
	if line == "" {
		return ResponseUnknown
	}
	switch line[0] {
	case '2':
		return ResponseAuthenticated
	case '4':
		return ResponseNotAuthenticated
	case '5':
		return ResponseRetry
	default:
		return ResponseUnknown
	}
}

// CheckResult is a parsed successful CHECK response:
// "<code> <address> <name> <realm> [factor ...]".
type CheckResult struct {
	Code    string
	Address string
	Name    string
	Realm   string
	Factors []string
}

// ParseCheckResponse parses an authenticated CHECK response. Trailing fields
// beyond the realm are treated as factors; servers that send none are fine.
func ParseCheckResponse(line string) (*CheckResult, error) {
	if ClassifyResponse(line) != ResponseAuthenticated {
		return nil, fmt.Errorf("not an authenticated response: %q", line)
	}
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return nil, fmt.Errorf("authenticated response has %d fields, want at least 4: %q", len(fields), line)
	}
	r := &CheckResult{
		Code:    fields[0],
		Address: fields[1],
		Name:    fields[2],
		Realm:   fields[3],
	}
	if len(fields) > 4 {
		r.Factors = append([]string(nil), fields[4:]...)
	}
	return r, nil
}
