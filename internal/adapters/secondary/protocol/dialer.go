// Package protocol speaks the line-based cosign daemon protocol: a plain
// banner exchange, a STARTTLS upgrade, then CHECK, NOOP and RETR commands.
package protocol

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sufield/cosign/internal/core/domain"
	cerrors "github.com/sufield/cosign/internal/core/errors"
	"github.com/sufield/cosign/internal/core/ports"
)

// Timeout defaults.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultSocketTimeout  = 10 * time.Second
)

// defaultVersion applies when the banner carries no version token.
const defaultVersion = 1.0

// TLSSource supplies the client TLS configuration for a server name.
type TLSSource interface {
	ClientConfig(serverName string) (*tls.Config, error)
}

// DialerOptions configure a Dialer.
type DialerOptions struct {
	// ServerName is verified against the server certificate. Addresses are
	// numeric, so it comes from the configured host name.
	ServerName     string
	TLS            TLSSource
	ConnectTimeout time.Duration
	SocketTimeout  time.Duration
	// Timeouts, when set, is read at every dial and overrides SocketTimeout
	// with any positive value it returns.
	Timeouts func() time.Duration
	Logger   *slog.Logger
}

// Dialer opens upgraded protocol connections to one server's addresses.
type Dialer struct {
	opts   DialerOptions
	logger *slog.Logger
}

// NewDialer creates a dialer. Zero timeouts take the defaults.
func NewDialer(opts DialerOptions) *Dialer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.SocketTimeout <= 0 {
		opts.SocketTimeout = DefaultSocketTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{opts: opts, logger: logger.With("server", opts.ServerName)}
}

var _ ports.Dialer = (*Dialer)(nil)

// Dial connects to address and completes the banner, STARTTLS and handshake
// sequence. Any failure is a ConnectionInit error and leaves nothing open.
func (d *Dialer) Dial(ctx context.Context, address string) (ports.Connection, error) {
	c, err := d.dial(ctx, address)
	if err != nil {
		d.logger.Debug("connection init failed", "address", address, "error", err)
		return nil, cerrors.NewDomainError(cerrors.ErrConnectionInit, fmt.Errorf("%s: %w", address, err))
	}
	return c, nil
}

func (d *Dialer) dial(ctx context.Context, address string) (conn *Conn, err error) {
	if d.opts.TLS == nil {
		return nil, fmt.Errorf("no tls source configured")
	}
	nd := net.Dialer{Timeout: d.opts.ConnectTimeout}
	raw, err := nd.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = raw.Close()
		}
	}()

	timeout := d.socketTimeout()
	if err := raw.SetDeadline(deadline(ctx, timeout)); err != nil {
		return nil, err
	}
	plain := textproto.NewConn(raw)
	banner, err := plain.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read banner: %w", err)
	}
	version := parseVersion(banner)

	cmd := "STARTTLS"
	if version >= 2 {
		cmd = "STARTTLS 2"
	}
	if err := plain.PrintfLine("%s", cmd); err != nil {
		return nil, fmt.Errorf("send %s: %w", cmd, err)
	}
	ack, err := plain.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read %s reply: %w", cmd, err)
	}
	if domain.ClassifyResponse(ack) != domain.ResponseAuthenticated {
		return nil, fmt.Errorf("%s refused: %q", cmd, ack)
	}
	if plain.R.Buffered() > 0 {
		return nil, fmt.Errorf("unexpected data before tls handshake")
	}

	cfg, err := d.opts.TLS.ClientConfig(d.opts.ServerName)
	if err != nil {
		return nil, err
	}
	tc := tls.Client(raw, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	conn = newConn(uuid.NewString()+":"+address, address, version, tc, timeout, d.logger)
	if version >= 2 {
		greeting, err := conn.text.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("read tls greeting: %w", err)
		}
		d.logger.Debug("tls greeting", "address", address, "line", greeting)
	}
	_ = tc.SetDeadline(time.Time{})

	d.logger.Debug("connection established", "address", address, "version", version, "connection_id", conn.id)
	return conn, nil
}

func (d *Dialer) socketTimeout() time.Duration {
	if d.opts.Timeouts != nil {
		if t := d.opts.Timeouts(); t > 0 {
			return t
		}
	}
	return d.opts.SocketTimeout
}

// parseVersion reads the token after the status code. Anything that is not
// a number means version 1.
func parseVersion(banner string) float64 {
	fields := strings.Fields(banner)
	if len(fields) < 2 {
		return defaultVersion
	}
	v, err := strconv.ParseFloat(fields[1], 32)
	if err != nil {
		return defaultVersion
	}
	return v
}

// deadline is now+timeout, or the context deadline when that is sooner.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}
