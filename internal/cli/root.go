// Package cli implements the cosign-cli commands for checking service
// cookies against authentication servers and validating client
// configuration.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sufield/cosign/internal/adapters/logging"
)

const defaultConfigPath = "/etc/cosign/cosign.yaml"

// NewRootCommand builds the command tree. Each call returns independent
// commands and flag sets.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "cosign",
		Short: "Single sign-on client for Cosign authentication servers",
		Long: `Single sign-on client for Cosign authentication servers.

Cosign validates browser service cookies against a pool of weblogin servers
over the Cosign line protocol. Use this CLI to check a cookie by hand,
validate a client configuration file, and generate or decode cookies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", defaultConfigPath, "Path to the client configuration file")
	flags.String("log-level", "warn", "Log level: debug, info, warn or error")
	flags.Bool("log-json", false, "Write logs as JSON")

	root.AddCommand(
		newCheckCmd(),
		newValidateConfigCmd(),
		newCookieCmd(),
		newVersionCmd(),
		newManCmd(),
	)
	return root
}

// Execute runs the CLI with os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("%w: invalid log level %q", ErrUsage, s)
	}
	return level, nil
}

// newLogger writes redacted logs to the command's stderr.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	levelText, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}
	level, err := parseLevel(levelText)
	if err != nil {
		return nil, err
	}
	asJSON, _ := cmd.Flags().GetBool("log-json")
	return logging.NewLogger(cmd.ErrOrStderr(), level, asJSON), nil
}

func configPath(cmd *cobra.Command) (string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: --config must not be empty", ErrUsage)
	}
	return path, nil
}
