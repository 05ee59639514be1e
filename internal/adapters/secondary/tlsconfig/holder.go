// Package tlsconfig holds the client certificate and trust roots used for
// the STARTTLS upgrade, reloading them when the configuration changes.
package tlsconfig

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/crypto/pkcs12"

	"github.com/sufield/cosign/internal/core/domain"
)

// ErrNotLoaded is returned by ClientConfig before a keystore is loaded.
var ErrNotLoaded = errors.New("tls material not loaded")

// Source describes where the material comes from.
type Source struct {
	KeyStorePath     string
	KeyStorePassword string
	TrustStorePath   string
}

// Holder caches the parsed keystore and trust store. It is safe for
// concurrent use; dialers ask for a fresh *tls.Config per connection.
type Holder struct {
	logger *slog.Logger

	mu     sync.RWMutex
	source Source
	cert   *tls.Certificate
	roots  *x509.CertPool
}

// NewHolder creates an empty holder.
func NewHolder(logger *slog.Logger) *Holder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Holder{logger: logger}
}

// Load reads src and replaces the held material. On error the previous
// material stays in place.
func (h *Holder) Load(src Source) error {
	cert, err := loadKeyStore(src.KeyStorePath, src.KeyStorePassword)
	if err != nil {
		return fmt.Errorf("keystore %s: %w", src.KeyStorePath, err)
	}

	var roots *x509.CertPool
	if src.TrustStorePath != "" {
		roots, err = loadTrustStore(src.TrustStorePath)
		if err != nil {
			return fmt.Errorf("truststore %s: %w", src.TrustStorePath, err)
		}
	}

	h.mu.Lock()
	h.source, h.cert, h.roots = src, cert, roots
	h.mu.Unlock()

	h.logger.Info("tls material loaded",
		"keystore", src.KeyStorePath,
		"truststore", src.TrustStorePath,
		"subject", cert.Leaf.Subject.String(),
		"not_after", cert.Leaf.NotAfter)
	return nil
}

// OnConfigUpdate reloads when any keystore or truststore setting changed.
func (h *Holder) OnConfigUpdate(_ context.Context, s *domain.Settings) error {
	src := Source{
		KeyStorePath:     s.KeyStorePath,
		KeyStorePassword: s.KeyStorePassword,
		TrustStorePath:   s.TrustStorePath,
	}
	h.mu.RLock()
	same := h.cert != nil && h.source == src
	h.mu.RUnlock()
	if same {
		return nil
	}
	return h.Load(src)
}

// Loaded reports whether a keystore is held.
func (h *Holder) Loaded() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cert != nil
}

// ClientConfig returns a TLS client configuration verifying serverName.
// A nil trust store means the system roots.
func (h *Holder) ClientConfig(serverName string) (*tls.Config, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cert == nil {
		return nil, ErrNotLoaded
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		ServerName:   serverName,
		Certificates: []tls.Certificate{*h.cert},
		RootCAs:      h.roots,
	}, nil
}

// loadKeyStore accepts a PKCS#12 file or, for files that start with a PEM
// header, a PEM bundle holding the private key and certificate chain.
func loadKeyStore(path, password string) (*tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pemData []byte
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		pemData = data
	} else {
		blocks, err := pkcs12.ToPEM(data, password)
		if err != nil {
			return nil, fmt.Errorf("decode pkcs12: %w", err)
		}
		var buf bytes.Buffer
		for _, b := range blocks {
			if err := pem.Encode(&buf, b); err != nil {
				return nil, err
			}
		}
		pemData = buf.Bytes()
	}

	cert, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return nil, err
	}
	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, err
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

func loadTrustStore(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("no certificates found")
	}
	return pool, nil
}
