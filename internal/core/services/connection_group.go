package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sufield/cosign/internal/core/domain"
	cerrors "github.com/sufield/cosign/internal/core/errors"
	"github.com/sufield/cosign/internal/core/ports"
)

// ErrRetrievalRefused marks a secondary retrieval the server answered with a
// non-success line. The connection that got it is still usable.
var ErrRetrievalRefused = errors.New("server refused retrieval")

// ErrNoSecondarySupport is returned when no live connection speaks protocol
// version 2 or later.
var ErrNoSecondarySupport = errors.New("no connection supports secondary retrieval")

// GroupOptions configures a ConnectionGroup.
type GroupOptions struct {
	Generation uint64
	Logger     *slog.Logger
	Metrics    MetricsReporter
}

// ConnectionGroup holds the protocol connections to every address of one
// logical server. A group is used by one borrower at a time; the mutex guards
// against pool maintenance touching an idle group concurrently.
type ConnectionGroup struct {
	id         string
	server     string
	generation uint64
	dialer     ports.Dialer
	logger     *slog.Logger
	metrics    MetricsReporter

	mu          sync.Mutex
	live        []ports.Connection
	quarantined []string
	closed      bool
}

// NewConnectionGroup dials every address concurrently. Addresses that fail
// are quarantined; construction fails only when every address fails.
func NewConnectionGroup(ctx context.Context, server string, addresses []string, dialer ports.Dialer, opts GroupOptions) (*ConnectionGroup, error) {
	if len(addresses) == 0 {
		return nil, cerrors.NewDomainError(cerrors.ErrConnectionInit, fmt.Errorf("server %s has no addresses", server))
	}

	g := &ConnectionGroup{
		id:         uuid.NewString(),
		server:     server,
		generation: opts.Generation,
		dialer:     dialer,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.metrics == nil {
		g.metrics = NoOpMetrics{}
	}
	g.logger = g.logger.With("server", server, "group_id", g.id)

	conns := make([]ports.Connection, len(addresses))
	errs := make([]error, len(addresses))
	var eg errgroup.Group
	for i, addr := range addresses {
		i, addr := i, addr
		eg.Go(func() error {
			conns[i], errs[i] = dialer.Dial(ctx, addr)
			return nil
		})
	}
	_ = eg.Wait()

	for i, addr := range addresses {
		if errs[i] != nil {
			g.logger.Warn("address quarantined at group creation", "address", addr, "error", errs[i])
			g.quarantined = append(g.quarantined, addr)
			g.metrics.RecordQuarantine(server)
			continue
		}
		g.live = append(g.live, conns[i])
	}

	if len(g.live) == 0 {
		return nil, cerrors.NewDomainError(cerrors.ErrConnectionInit,
			fmt.Errorf("all %d addresses of %s failed: %w", len(addresses), server, errors.Join(errs...)))
	}

	g.logger.Debug("connection group created", "live", len(g.live), "quarantined", len(g.quarantined), "generation", g.generation)
	return g, nil
}

// ID returns the group identifier used in logs.
func (g *ConnectionGroup) ID() string { return g.id }

// Server returns the logical server name.
func (g *ConnectionGroup) Server() string { return g.server }

// Generation returns the pool generation the group was built under.
func (g *ConnectionGroup) Generation() uint64 { return g.generation }

// LiveCount returns the number of live connections.
func (g *ConnectionGroup) LiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// Quarantined returns the addresses currently out of rotation.
func (g *ConnectionGroup) Quarantined() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.quarantined)
}

// Addresses returns every address the group knows, live or quarantined.
func (g *ConnectionGroup) Addresses() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := slices.Clone(g.quarantined)
	for _, c := range g.live {
		out = append(out, c.Address())
	}
	slices.Sort(out)
	return out
}

// ProtocolVersion returns the highest version among live connections.
func (g *ConnectionGroup) ProtocolVersion() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var v float64
	for _, c := range g.live {
		v = max(v, c.ProtocolVersion())
	}
	return v
}

// quarantineLocked closes conn and moves its address out of the live list.
func (g *ConnectionGroup) quarantineLocked(conn ports.Connection, reason string) {
	_ = conn.Close()
	g.live = slices.DeleteFunc(g.live, func(c ports.Connection) bool { return c == conn })
	g.quarantined = append(g.quarantined, conn.Address())
	g.metrics.RecordQuarantine(g.server)
	g.logger.Info("connection quarantined", "address", conn.Address(), "connection_id", conn.ID(), "reason", reason)
}

// checkOne returns the response line and whether it settles the cookie.
// Inconclusive or failed connections are quarantined.
func (g *ConnectionGroup) checkOne(ctx context.Context, conn ports.Connection, service, nonce string) (string, bool) {
	start := time.Now()
	line, err := conn.CheckCookie(ctx, service, nonce)
	if err != nil {
		g.metrics.RecordCheck(g.server, "error", time.Since(start))
		g.quarantineLocked(conn, err.Error())
		return "", false
	}
	code := domain.ClassifyResponse(line)
	g.metrics.RecordCheck(g.server, code.String(), time.Since(start))
	if !code.Conclusive() {
		g.quarantineLocked(conn, "inconclusive response: "+code.String())
		return "", false
	}
	return line, true
}

// CheckCookie asks live connections in turn until one gives an authenticated
// or not-authenticated answer. When all live connections are exhausted every
// quarantined address is redialed once. ok is false if nobody answered.
func (g *ConnectionGroup) CheckCookie(ctx context.Context, service, nonce string) (line string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, conn := range slices.Clone(g.live) {
		if line, ok := g.checkOne(ctx, conn, service, nonce); ok {
			return line, true
		}
	}

	retry := g.quarantined
	g.quarantined = nil
	for i, addr := range retry {
		if ctx.Err() != nil {
			g.quarantined = append(g.quarantined, retry[i:]...)
			break
		}
		conn, err := g.dialer.Dial(ctx, addr)
		if err != nil {
			g.logger.Debug("lazy reconnect failed", "address", addr, "error", err)
			g.quarantined = append(g.quarantined, addr)
			continue
		}
		g.logger.Info("quarantined address reconnected", "address", addr)
		g.live = append(g.live, conn)
		if line, ok := g.checkOne(ctx, conn, service, nonce); ok {
			g.quarantined = append(g.quarantined, retry[i+1:]...)
			return line, true
		}
	}

	return "", false
}

// AreConnectionsValid sends NOOP on every live connection, quarantining those
// that fail. It reports whether at least one connection survives.
func (g *ConnectionGroup) AreConnectionsValid(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false
	}
	for _, conn := range slices.Clone(g.live) {
		if !conn.IsValid(ctx) {
			g.quarantineLocked(conn, "noop failed")
		}
	}
	return len(g.live) > 0
}

// secondaryConns returns live connections able to serve RETR.
func (g *ConnectionGroup) secondaryConns() []ports.Connection {
	var out []ports.Connection
	for _, c := range g.live {
		if c.ProtocolVersion() >= 2 {
			out = append(out, c)
		}
	}
	return out
}

func (g *ConnectionGroup) retrieve(ctx context.Context, kind string, fn func(ports.Connection) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	conns := g.secondaryConns()
	if len(conns) == 0 {
		return ErrNoSecondarySupport
	}
	var errs []error
	for _, conn := range conns {
		err := fn(conn)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if errors.Is(err, ErrRetrievalRefused) {
			return err
		}
		g.quarantineLocked(conn, kind+" retrieval failed: "+err.Error())
	}
	return errors.Join(errs...)
}

// RetrieveTicket fetches the ticket-granting ccache from the first capable
// connection.
func (g *ConnectionGroup) RetrieveTicket(ctx context.Context, service, nonce string) ([]byte, error) {
	var ticket []byte
	err := g.retrieve(ctx, "ticket", func(c ports.Connection) error {
		var err error
		ticket, err = c.RetrieveTicket(ctx, service, nonce)
		return err
	})
	return ticket, err
}

// RetrieveProxyCookies fetches proxy cookies from the first capable
// connection.
func (g *ConnectionGroup) RetrieveProxyCookies(ctx context.Context, service, nonce string) ([]domain.ProxyCredential, error) {
	var cookies []domain.ProxyCredential
	err := g.retrieve(ctx, "proxy", func(c ports.Connection) error {
		var err error
		cookies, err = c.RetrieveProxyCookies(ctx, service, nonce)
		return err
	})
	return cookies, err
}

// Close closes every live connection. It is safe to call more than once.
func (g *ConnectionGroup) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	for _, conn := range g.live {
		_ = conn.Close()
	}
	g.live = nil
	g.logger.Debug("connection group closed")
	return nil
}

// IsClosed reports whether Close has been called.
func (g *ConnectionGroup) IsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
