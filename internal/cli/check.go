package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sufield/cosign/internal/core/services"
	"github.com/sufield/cosign/pkg/cosign"
)

func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a service cookie against the configured servers",
		Long: `Validate a service cookie against the configured servers.

The cookie value is the nonce/timestamp form set by the login server. The
request path selects the protected-resource rule, and with it the service
name, required factors and whether proxy cookies are retrieved.

Example:
  cosign check --cookie "$COOKIE" --path /secure/index.html --address 192.0.2.10`,
		Args: cobra.NoArgs,
		RunE: runCheck,
	}
	cmd.Flags().String("cookie", "", "Service cookie value (required)")
	cmd.Flags().String("path", "/", "Request path")
	cmd.Flags().String("resource", "", "Request resource")
	cmd.Flags().String("query", "", "Request query string")
	cmd.Flags().String("address", "", "Client IP address")
	cmd.Flags().Duration("timeout", 30*time.Second, "Overall timeout")
	cmd.Flags().String("format", "text", "Output format: text or json")
	_ = cmd.MarkFlagRequired("cookie")
	return cmd
}

// checkReport is the printable form of an attempt outcome.
type checkReport struct {
	Authenticated bool     `json:"authenticated"`
	Cached        bool     `json:"cached"`
	Service       string   `json:"service"`
	User          string   `json:"user,omitempty"`
	Realm         string   `json:"realm,omitempty"`
	Address       string   `json:"address,omitempty"`
	Factors       []string `json:"factors,omitempty"`
	ProxyCookies  int      `json:"proxy_cookies,omitempty"`
	TicketCache   string   `json:"ticket_cache,omitempty"`
	Failure       string   `json:"failure,omitempty"`
	Detail        string   `json:"detail,omitempty"`
	PublicAccess  bool     `json:"public_access,omitempty"`
}

func newCheckReport(out services.Outcome) checkReport {
	r := checkReport{
		Authenticated: out.Authenticated(),
		Cached:        out.Cached,
		Service:       out.Service,
		PublicAccess:  out.PublicAccess,
	}
	if id := out.Identity; id != nil {
		r.User = id.Name
		r.Realm = id.Realm
		r.Address = id.Address
		r.Factors = id.Factors
		r.ProxyCookies = len(id.ProxyCookies)
		r.TicketCache = id.TicketCache
	}
	if f := out.Failure; f != nil {
		r.Failure = f.Kind.String()
		if f.Err != nil {
			r.Detail = RedactError(f.Err)
		}
	}
	return r
}

func runCheck(cmd *cobra.Command, _ []string) error {
	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	format, _ := flags.GetString("format")
	if format != "text" && format != "json" {
		return fmt.Errorf("%w: unsupported format %q, use 'text' or 'json'", ErrUsage, format)
	}
	timeout, _ := flags.GetDuration("timeout")

	var req services.AttemptRequest
	req.Cookie, _ = flags.GetString("cookie")
	req.Path, _ = flags.GetString("path")
	req.Resource, _ = flags.GetString("resource")
	req.Query, _ = flags.GetString("query")
	req.Address, _ = flags.GetString("address")
	if strings.TrimSpace(req.Cookie) == "" {
		return fmt.Errorf("%w: --cookie must not be empty", ErrUsage)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client, err := cosign.New(ctx, cosign.Options{ConfigPath: path, Logger: logger})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	defer client.Close()

	out := client.BeginAttempt(req).Outcome(ctx)
	report := newCheckReport(out)
	if err := printCheckReport(cmd.OutOrStdout(), format, report); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	switch {
	case out.Authenticated():
		return nil
	case out.Unavailable():
		return fmt.Errorf("%w: %s", ErrRuntime, report.Failure)
	default:
		return fmt.Errorf("%w: %s", ErrAuth, report.Failure)
	}
}

func printCheckReport(w io.Writer, format string, r checkReport) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	if !r.Authenticated {
		_, err := fmt.Fprintf(w, "Not authenticated (%s): %s\n", r.Failure, r.Detail)
		return err
	}
	cached := ""
	if r.Cached {
		cached = " (cached)"
	}
	fmt.Fprintf(w, "Authenticated%s\n", cached)
	fmt.Fprintf(w, "  Service: %s\n", r.Service)
	fmt.Fprintf(w, "  User:    %s@%s\n", r.User, r.Realm)
	fmt.Fprintf(w, "  Address: %s\n", r.Address)
	fmt.Fprintf(w, "  Factors: %s\n", strings.Join(r.Factors, " "))
	if r.ProxyCookies > 0 {
		fmt.Fprintf(w, "  Proxy cookies: %d\n", r.ProxyCookies)
	}
	if r.TicketCache != "" {
		fmt.Fprintf(w, "  Ticket cache:  %s\n", r.TicketCache)
	}
	return nil
}
