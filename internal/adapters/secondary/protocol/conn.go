package protocol

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sufield/cosign/internal/core/domain"
	"github.com/sufield/cosign/internal/core/ports"
	"github.com/sufield/cosign/internal/core/services"
)

// Reply prefixes of the RETR command.
const (
	ticketReply      = "240"
	ticketTerminator = "."
	proxyReply       = "241"
	proxyTerminator  = "Cookies registered"
	maxTicketBytes   = 1 << 20
	maxProxyCookies  = 256
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("connection closed")

// Conn is one upgraded connection. It is not safe for concurrent use.
type Conn struct {
	id      string
	address string
	version float64
	timeout time.Duration
	logger  *slog.Logger

	tls  *tls.Conn
	text *textproto.Conn

	closeOnce sync.Once
	closed    bool
}

var _ ports.Connection = (*Conn)(nil)

func newConn(id, address string, version float64, tc *tls.Conn, timeout time.Duration, logger *slog.Logger) *Conn {
	return &Conn{
		id:      id,
		address: address,
		version: version,
		timeout: timeout,
		logger:  logger.With("connection_id", id),
		tls:     tc,
		text:    textproto.NewConn(tc),
	}
}

// ID implements ports.Connection.
func (c *Conn) ID() string { return c.id }

// Address implements ports.Connection.
func (c *Conn) Address() string { return c.address }

// ProtocolVersion implements ports.Connection.
func (c *Conn) ProtocolVersion() float64 { return c.version }

// SocketTimeout returns the per-command read/write timeout.
func (c *Conn) SocketTimeout() time.Duration { return c.timeout }

// command writes one line and reads the reply line under a deadline.
func (c *Conn) command(ctx context.Context, format string, args ...any) (string, error) {
	if c.closed {
		return "", ErrClosed
	}
	if err := c.tls.SetDeadline(deadline(ctx, c.timeout)); err != nil {
		return "", err
	}
	if err := c.text.PrintfLine(format, args...); err != nil {
		return "", err
	}
	return c.text.ReadLine()
}

// CheckCookie sends CHECK and returns the raw reply line.
func (c *Conn) CheckCookie(ctx context.Context, service, nonce string) (string, error) {
	line, err := c.command(ctx, "CHECK %s=%s", service, nonce)
	if err != nil {
		c.logger.Debug("check failed", "service", service, "error", err)
		return "", err
	}
	c.logger.Debug("check", "service", service, "reply", line)
	return line, nil
}

// IsValid sends NOOP and reports whether any line came back.
func (c *Conn) IsValid(ctx context.Context) bool {
	_, err := c.command(ctx, "NOOP")
	if err != nil {
		c.logger.Debug("noop failed", "error", err)
		return false
	}
	return true
}

// RetrieveTicket sends RETR ... tgt. The reply is a 240 line, a line with the
// byte count, the ccache bytes, and a line holding a single dot.
func (c *Conn) RetrieveTicket(ctx context.Context, service, nonce string) ([]byte, error) {
	line, err := c.command(ctx, "RETR %s=%s tgt", service, nonce)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(line, ticketReply) {
		return nil, fmt.Errorf("%w: %s", services.ErrRetrievalRefused, line)
	}

	sizeLine, err := c.text.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read ticket size: %w", err)
	}
	size, err := strconv.Atoi(strings.TrimSpace(sizeLine))
	if err != nil || size <= 0 || size > maxTicketBytes {
		return nil, fmt.Errorf("bad ticket size %q", sizeLine)
	}
	ticket := make([]byte, size)
	if _, err := io.ReadFull(c.text.R, ticket); err != nil {
		return nil, fmt.Errorf("read ticket: %w", err)
	}
	end, err := c.text.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read ticket terminator: %w", err)
	}
	if end != ticketTerminator {
		return nil, fmt.Errorf("bad ticket terminator %q", end)
	}
	c.logger.Debug("ticket retrieved", "service", service, "bytes", size)
	return ticket, nil
}

// RetrieveProxyCookies sends RETR ... cookies and collects 241 lines until
// the server reports the cookies registered.
func (c *Conn) RetrieveProxyCookies(ctx context.Context, service, nonce string) ([]domain.ProxyCredential, error) {
	line, err := c.command(ctx, "RETR %s=%s cookies", service, nonce)
	if err != nil {
		return nil, err
	}
	cookies := []domain.ProxyCredential{}
	for {
		if !strings.HasPrefix(line, proxyReply) {
			return nil, fmt.Errorf("%w: %s", services.ErrRetrievalRefused, line)
		}
		if strings.Contains(line, proxyTerminator) {
			break
		}
		pc, err := domain.ParseProxyCredential(line)
		if err != nil {
			return nil, err
		}
		cookies = append(cookies, pc)
		if len(cookies) > maxProxyCookies {
			return nil, fmt.Errorf("more than %d proxy cookies", maxProxyCookies)
		}
		if line, err = c.text.ReadLine(); err != nil {
			return nil, fmt.Errorf("read proxy cookie: %w", err)
		}
	}
	c.logger.Debug("proxy cookies retrieved", "service", service, "count", len(cookies))
	return cookies, nil
}

// Close closes the connection. Later calls do nothing.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed = true
		_ = c.tls.SetDeadline(time.Now().Add(time.Second))
		_ = c.tls.Close()
		c.logger.Debug("connection closed")
	})
	return nil
}
