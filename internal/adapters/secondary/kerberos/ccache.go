// Package kerberos stores ticket-granting credentials retrieved from the
// authentication server as credential cache files.
package kerberos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	krbconfig "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"

	"github.com/sufield/cosign/internal/core/domain"
	"github.com/sufield/cosign/internal/core/ports"
)

// ErrPrincipalMismatch is returned when the ccache belongs to someone other
// than the authenticated user.
var ErrPrincipalMismatch = errors.New("ticket principal does not match identity")

// ErrUnknownRealm is returned when a krb5.conf is configured and names
// neither the ticket's realm nor makes it the default realm.
var ErrUnknownRealm = errors.New("ticket realm not configured in krb5.conf")

// CCacheWriter writes ccache bytes to a private temp file in the configured
// ticket directory.
type CCacheWriter struct {
	settings ports.SettingsProvider
	logger   *slog.Logger
}

var _ ports.TicketWriter = (*CCacheWriter)(nil)

// NewCCacheWriter creates a writer that reads the directory from settings on
// every write.
func NewCCacheWriter(settings ports.SettingsProvider, logger *slog.Logger) *CCacheWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CCacheWriter{settings: settings, logger: logger}
}

// Principal describes the default principal of a credential cache.
type Principal struct {
	Name  string
	Realm string
	// Credentials is the number of tickets in the cache.
	Credentials int
}

// Inspect parses ccache and returns its default principal.
func Inspect(ccache []byte) (p Principal, err error) {
	// The parser indexes the input without bounds checks.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("truncated credential cache: %v", r)
		}
	}()
	if len(ccache) < 2 {
		return Principal{}, errors.New("credential cache too short")
	}
	var cc credentials.CCache
	if err := cc.Unmarshal(ccache); err != nil {
		return Principal{}, fmt.Errorf("parse credential cache: %w", err)
	}
	return Principal{
		Name:        cc.GetClientPrincipalName().PrincipalNameString(),
		Realm:       cc.GetClientRealm(),
		Credentials: len(cc.Credentials),
	}, nil
}

// WriteTicket validates that ccache belongs to identity and writes it.
func (w *CCacheWriter) WriteTicket(_ context.Context, identity *domain.Identity, ccache []byte) (string, error) {
	p, err := Inspect(ccache)
	if err != nil {
		return "", err
	}
	if identity != nil {
		if !strings.EqualFold(p.Name, identity.Name) ||
			(identity.Realm != "" && !strings.EqualFold(p.Realm, identity.Realm)) {
			return "", fmt.Errorf("%w: got %s@%s, want %s", ErrPrincipalMismatch, p.Name, p.Realm, identity.Principal())
		}
	}

	var settings *domain.Settings
	if w.settings != nil {
		if s, err := w.settings.Settings(); err == nil {
			settings = s
		}
	}
	dir := ""
	if settings != nil {
		dir = settings.TicketCacheDir
		if settings.Krb5Conf != "" {
			if err := checkRealm(settings.Krb5Conf, p.Realm); err != nil {
				return "", err
			}
		}
		if settings.Krb5Debug {
			w.logger.Info("ticket cache received",
				"principal", p.Name+"@"+p.Realm,
				"entries", p.Credentials,
				"krb5_conf", settings.Krb5Conf)
		}
	}
	if dir == "" {
		dir = os.TempDir()
	}

	f, err := os.CreateTemp(dir, "krb5cc_cosign_")
	if err != nil {
		return "", fmt.Errorf("create ticket file: %w", err)
	}
	if _, err := f.Write(ccache); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write ticket file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close ticket file: %w", err)
	}

	w.logger.Info("ticket cache written",
		"principal", p.Name+"@"+p.Realm,
		"entries", p.Credentials,
		"path", f.Name())
	return f.Name(), nil
}

// checkRealm loads the krb5.conf at path and verifies it knows realm.
func checkRealm(path, realm string) error {
	cfg, err := krbconfig.Load(path)
	if err != nil {
		return fmt.Errorf("load krb5.conf: %w", err)
	}
	if KnowsRealm(cfg, realm) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownRealm, realm)
}

// KnowsRealm reports whether cfg names realm as its default or in [realms].
func KnowsRealm(cfg *krbconfig.Config, realm string) bool {
	if strings.EqualFold(cfg.LibDefaults.DefaultRealm, realm) {
		return true
	}
	for _, r := range cfg.Realms {
		if strings.EqualFold(r.Realm, realm) {
			return true
		}
	}
	return false
}
