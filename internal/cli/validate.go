package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sufield/cosign/internal/config"
	"github.com/sufield/cosign/internal/core/domain"
)

func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate a client configuration file",
		Long: `Load and validate a client configuration file.

Every problem in the file is reported, not just the first. On success a
summary of the servers and protected-resource rules is printed.`,
		Args: cobra.NoArgs,
		RunE: runValidateConfig,
	}
}

func runValidateConfig(cmd *cobra.Command, _ []string) error {
	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}

	store := config.NewStore(path, config.Options{Logger: logger})
	if err := store.Reload(cmd.Context()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s is invalid:\n", path)
		for _, line := range strings.Split(RedactError(err), "\n") {
			fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", line)
		}
		return fmt.Errorf("%w: %s", ErrConfig, path)
	}
	settings, err := store.Settings()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	printSettingsSummary(cmd.OutOrStdout(), path, settings)
	return nil
}

func printSettingsSummary(w io.Writer, path string, s *domain.Settings) {
	fmt.Fprintf(w, "%s is valid\n", path)
	fmt.Fprintf(w, "  Servers:       %s (port %d)\n", strings.Join(s.ServerHosts, ", "), s.ServerPort)
	fmt.Fprintf(w, "  Pool:          %d per server, %s when exhausted\n", s.PoolSize, s.ExhaustionPolicy)
	fmt.Fprintf(w, "  Service:       %s\n", s.ServiceName.Value())
	fmt.Fprintf(w, "  Session store: %s\n", s.SessionStore)
	fmt.Fprintf(w, "  Rules:         %d\n", s.Rules.Len())
	for _, r := range s.Rules.Rules() {
		fmt.Fprintf(w, "    %-24s %s\n", r.ServiceName.Value(), r.Path)
	}
}
