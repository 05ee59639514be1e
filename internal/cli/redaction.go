package cli

import (
	"regexp"
)

var redactions = []struct {
	pattern *regexp.Regexp
	replace string
}{
	// PEM blocks
	{regexp.MustCompile(`-----BEGIN [A-Z ]+-----[^-]+-----END [A-Z ]+-----`), "[PEM REDACTED]"},

	// service=nonce in protocol lines and cookie headers
	{regexp.MustCompile(`=[A-Za-z0-9+/]{32,}={0,2}(/[0-9]+)?`), "=[REDACTED]"},

	// Password-like patterns
	{regexp.MustCompile(`(?i)(keystore)?password[\s:=]+\S+`), "password=[REDACTED]"},

	// Home directories in keystore and ticket paths
	{regexp.MustCompile(`/home/[^/\s]+`), "/home/[USER]"},
	{regexp.MustCompile(`/Users/[^/\s]+`), "/Users/[USER]"},
}

// redactSensitiveInfo masks nonces, passwords and key material in messages
// printed by the CLI.
func redactSensitiveInfo(message string) string {
	result := message
	for _, r := range redactions {
		result = r.pattern.ReplaceAllString(result, r.replace)
	}
	return result
}

// RedactError redacts sensitive information from error messages
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return redactSensitiveInfo(err.Error())
}

// RedactString redacts sensitive information from any string
func RedactString(s string) string {
	return redactSensitiveInfo(s)
}
