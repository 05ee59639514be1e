// cosign-cli is the command-line interface for the cosign single sign-on client.
//
// It checks service cookies against the configured weblogin servers,
// validates client configuration files and generates or decodes cookies:
//   - cosign-cli check --cookie <value> --path /secure/
//   - cosign-cli validate-config --config /etc/cosign/cosign.yaml
//   - cosign-cli cookie generate
//
// Usage:
//
//	cosign-cli <command> [flags]
//	cosign-cli --help
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sufield/cosign/internal/cli"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitConfig  = 3
	exitAuth    = 4
	exitRuntime = 5
)

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitOK
	case errors.Is(err, cli.ErrUsage):
		return exitUsage
	case errors.Is(err, cli.ErrConfig):
		return exitConfig
	case errors.Is(err, cli.ErrAuth):
		return exitAuth
	case errors.Is(err, cli.ErrRuntime):
		return exitRuntime
	default:
		return exitFailure
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", cli.RedactError(err))
	}
	os.Exit(exitCode(err))
}
