package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/thejerf/abtime"

	"github.com/sufield/cosign/internal/core/domain"
	cerrors "github.com/sufield/cosign/internal/core/errors"
	"github.com/sufield/cosign/internal/core/ports"
)

// PoolMaintenanceTimer is the abtime ID of the pool maintenance ticker.
const PoolMaintenanceTimer = 100

// ErrPoolExhausted is returned by Borrow under the fail policy when every
// group is in use.
var ErrPoolExhausted = errors.New("connection pool exhausted")

// maxBorrowValidations bounds how many groups Borrow discards for failing
// validation before giving up.
const maxBorrowValidations = 3

// PoolOptions configures a ConnectionPool.
type PoolOptions struct {
	Resolver ports.Resolver
	Dialer   ports.Dialer
	Clock    abtime.AbstractTime
	Logger   *slog.Logger
	Metrics  MetricsReporter
}

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	Server     string
	Generation uint64
	Available  bool
	Addresses  []string
	Total      int32
	Idle       int32
	Acquired   int32
	Max        int32
}

// ConnectionPool pools ConnectionGroups for one server endpoint. Borrow holds
// the read lock and a rebuild holds the write lock, so a borrower sees either
// the old generation or the new one in full. Return only compares the
// generation counter: every resource belongs to the puddle pool of the
// generation that built it, so a release can never place a group in a newer
// pool, and a returner must not queue behind a pending rebuild while a
// blocked borrower holds the read lock.
type ConnectionPool struct {
	resolver ports.Resolver
	dialer   ports.Dialer
	clock    abtime.AbstractTime
	logger   *slog.Logger
	metrics  MetricsReporter

	mu          sync.RWMutex
	endpoint    domain.ServerEndpoint
	pool        *puddle.Pool[*ConnectionGroup]
	generation  atomic.Uint64
	addresses   []string
	lastResolve time.Time
	closed      bool

	borrowedMu sync.Mutex
	borrowed   map[*ConnectionGroup]*puddle.Resource[*ConnectionGroup]

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConnectionPool resolves the endpoint and builds the first generation.
// A resolution failure leaves the pool unavailable rather than failing
// construction; Borrow reports PoolUninitialized until a rebuild succeeds.
func NewConnectionPool(ctx context.Context, endpoint domain.ServerEndpoint, opts PoolOptions) *ConnectionPool {
	p := &ConnectionPool{
		resolver: opts.Resolver,
		dialer:   opts.Dialer,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		borrowed: make(map[*ConnectionGroup]*puddle.Resource[*ConnectionGroup]),
		stopCh:   make(chan struct{}),
	}
	if p.clock == nil {
		p.clock = abtime.NewRealTime()
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = NoOpMetrics{}
	}
	p.logger = p.logger.With("server", endpoint.Host)

	_ = p.Rebuild(ctx, endpoint, "initial")
	return p
}

// Server returns the endpoint host this pool serves.
func (p *ConnectionPool) Server() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoint.Host
}

// Generation returns the current generation counter.
func (p *ConnectionPool) Generation() uint64 {
	return p.generation.Load()
}

func (p *ConnectionPool) resolve(ctx context.Context, endpoint domain.ServerEndpoint) ([]string, error) {
	hosts, err := p.resolver.LookupHost(ctx, endpoint.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", endpoint.Host, err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", endpoint.Host)
	}
	addrs := make([]string, len(hosts))
	port := strconv.Itoa(endpoint.Port)
	for i, h := range hosts {
		addrs[i] = net.JoinHostPort(h, port)
	}
	slices.Sort(addrs)
	return addrs, nil
}

// newPuddle builds a pool whose constructor is bound to one generation and
// one address set.
func (p *ConnectionPool) newPuddle(endpoint domain.ServerEndpoint, generation uint64, addrs []string) (*puddle.Pool[*ConnectionGroup], error) {
	size := endpoint.PoolSize
	if size <= 0 {
		size = 1
	}
	return puddle.NewPool(&puddle.Config[*ConnectionGroup]{
		Constructor: func(ctx context.Context) (*ConnectionGroup, error) {
			return NewConnectionGroup(ctx, endpoint.Host, addrs, p.dialer, GroupOptions{
				Generation: generation,
				Logger:     p.logger,
				Metrics:    p.metrics,
			})
		},
		Destructor: func(g *ConnectionGroup) {
			_ = g.Close()
		},
		MaxSize: int32(size),
	})
}

// Rebuild re-resolves the endpoint and swaps in a new generation. The old
// pool is closed once its borrowed groups have been returned. On resolution
// failure the pool becomes unavailable.
func (p *ConnectionPool) Rebuild(ctx context.Context, endpoint domain.ServerEndpoint, reason string) error {
	addrs, resolveErr := p.resolve(ctx, endpoint)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return cerrors.NewDomainError(cerrors.ErrPoolUninitialized, errors.New("pool closed"))
	}
	old := p.pool
	generation := p.generation.Add(1)
	p.endpoint = endpoint
	p.lastResolve = p.clock.Now()
	p.pool = nil
	p.addresses = nil

	var err error
	if resolveErr != nil {
		err = resolveErr
	} else if p.pool, err = p.newPuddle(endpoint, generation, addrs); err == nil {
		p.addresses = addrs
	}
	p.mu.Unlock()

	if old != nil {
		go old.Close()
	}

	p.metrics.RecordPoolRebuild(endpoint.Host, reason)
	if err != nil {
		p.logger.Error("connection pool unavailable", "generation", generation, "reason", reason, "error", err)
		return cerrors.NewDomainError(cerrors.ErrPoolUninitialized, err)
	}
	p.logger.Info("connection pool rebuilt", "generation", generation, "reason", reason, "addresses", addrs)
	return nil
}

// OnConfigUpdate rebuilds the pool for the endpoint matching this server in
// the new settings.
func (p *ConnectionPool) OnConfigUpdate(ctx context.Context, settings *domain.Settings) error {
	server := p.Server()
	for _, ep := range settings.Endpoints() {
		if strings.EqualFold(ep.Host, server) {
			return p.Rebuild(ctx, ep, "config")
		}
	}
	return nil
}

func (p *ConnectionPool) acquire(ctx context.Context, policy domain.ExhaustionPolicy) (*puddle.Resource[*ConnectionGroup], error) {
	stat := p.pool.Stat()
	if policy == domain.ExhaustBlock || stat.TotalResources() < stat.MaxResources() {
		return p.pool.Acquire(ctx)
	}
	return p.pool.TryAcquire(ctx)
}

// Borrow hands out a validated group. When the pool is full the endpoint's
// exhaustion policy decides whether to wait, fail or build an extra group
// that is closed on return.
func (p *ConnectionPool) Borrow(ctx context.Context) (*ConnectionGroup, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.pool == nil {
		p.metrics.RecordBorrow(p.endpoint.Host, "uninitialized")
		return nil, cerrors.NewDomainError(cerrors.ErrPoolUninitialized,
			fmt.Errorf("no pool for %s (generation %d)", p.endpoint.Host, p.generation.Load()))
	}

	if p.endpoint.Policy == domain.ExhaustBlock && p.endpoint.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.endpoint.MaxWait)
		defer cancel()
	}

	for i := 0; i < maxBorrowValidations; i++ {
		res, err := p.acquire(ctx, p.endpoint.Policy)
		switch {
		case errors.Is(err, puddle.ErrNotAvailable) && p.endpoint.Policy == domain.ExhaustGrow:
			g, err := NewConnectionGroup(ctx, p.endpoint.Host, p.addresses, p.dialer, GroupOptions{
				Generation: p.generation.Load(),
				Logger:     p.logger,
				Metrics:    p.metrics,
			})
			if err != nil {
				p.metrics.RecordBorrow(p.endpoint.Host, "error")
				return nil, err
			}
			p.metrics.RecordBorrow(p.endpoint.Host, "grown")
			return g, nil
		case errors.Is(err, puddle.ErrNotAvailable):
			p.metrics.RecordBorrow(p.endpoint.Host, "exhausted")
			return nil, ErrPoolExhausted
		case err != nil:
			p.metrics.RecordBorrow(p.endpoint.Host, "error")
			return nil, err
		}

		g := res.Value()
		if !g.AreConnectionsValid(ctx) {
			p.logger.Debug("discarding group that failed validation", "group_id", g.ID())
			res.Hijack()
			_ = g.Close()
			continue
		}

		p.borrowedMu.Lock()
		p.borrowed[g] = res
		p.borrowedMu.Unlock()
		p.metrics.RecordBorrow(p.endpoint.Host, "ok")
		return g, nil
	}

	p.metrics.RecordBorrow(p.endpoint.Host, "invalid")
	return nil, cerrors.NewDomainError(cerrors.ErrNoServersReachable,
		fmt.Errorf("%s: %d groups failed validation", p.endpoint.Host, maxBorrowValidations))
}

// Return gives a group back. Groups from an older generation, grown groups
// and groups without live connections are closed instead of pooled.
func (p *ConnectionPool) Return(g *ConnectionGroup) {
	if g == nil {
		return
	}

	p.borrowedMu.Lock()
	res, tracked := p.borrowed[g]
	delete(p.borrowed, g)
	p.borrowedMu.Unlock()

	current := p.generation.Load()
	stale := g.Generation() != current
	if !tracked || stale || g.LiveCount() == 0 {
		if tracked {
			res.Hijack()
		}
		if stale {
			p.logger.Info("closing group from stale generation", "group_id", g.ID(),
				"group_generation", g.Generation(), "generation", current)
		}
		_ = g.Close()
		return
	}
	res.Release()
}

// Maintain runs one maintenance pass: idle eviction, idle validation and,
// when the resolve interval has elapsed, an address refresh that rebuilds
// the pool if the address set changed.
func (p *ConnectionPool) Maintain(ctx context.Context) {
	p.mu.RLock()
	pool := p.pool
	endpoint := p.endpoint
	addrs := p.addresses
	due := endpoint.ResolveInterval > 0 && p.clock.Now().Sub(p.lastResolve) >= endpoint.ResolveInterval
	p.mu.RUnlock()

	if pool != nil {
		p.evict(ctx, pool, endpoint)
	}

	if !due && pool != nil {
		return
	}
	fresh, err := p.resolve(ctx, endpoint)
	if err != nil {
		p.logger.Warn("address refresh failed", "error", err)
		return
	}
	if pool != nil && slices.Equal(fresh, addrs) {
		p.mu.Lock()
		p.lastResolve = p.clock.Now()
		p.mu.Unlock()
		return
	}
	_ = p.Rebuild(ctx, endpoint, "addresses-changed")
}

func (p *ConnectionPool) evict(ctx context.Context, pool *puddle.Pool[*ConnectionGroup], endpoint domain.ServerEndpoint) {
	tested, evicted := 0, 0
	for _, res := range pool.AcquireAllIdle() {
		g := res.Value()
		if endpoint.MinEvictableIdle > 0 && res.IdleDuration() >= endpoint.MinEvictableIdle {
			res.Hijack()
			_ = g.Close()
			evicted++
			continue
		}
		if tested < endpoint.TestsPerRun {
			tested++
			if !g.AreConnectionsValid(ctx) {
				res.Hijack()
				_ = g.Close()
				evicted++
				continue
			}
		}
		res.ReleaseUnused()
	}
	if evicted > 0 {
		p.logger.Debug("evicted idle groups", "evicted", evicted, "tested", tested)
	}
}

// Run drives Maintain from a ticker until ctx is done or Close is called.
func (p *ConnectionPool) Run(ctx context.Context) {
	p.mu.RLock()
	interval := p.endpoint.EvictionInterval
	if ri := p.endpoint.ResolveInterval; ri > 0 && (interval <= 0 || ri < interval) {
		interval = ri
	}
	p.mu.RUnlock()
	if interval <= 0 {
		interval = domain.DefaultEvictionInterval
	}

	ticker := p.clock.NewTicker(interval, PoolMaintenanceTimer)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.Channel():
			p.Maintain(ctx)
		}
	}
}

// Stats returns a snapshot of the pool.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := PoolStats{
		Server:     p.endpoint.Host,
		Generation: p.generation.Load(),
		Available:  p.pool != nil,
		Addresses:  slices.Clone(p.addresses),
	}
	if p.pool != nil {
		st := p.pool.Stat()
		s.Total = st.TotalResources()
		s.Idle = st.IdleResources()
		s.Acquired = st.AcquiredResources()
		s.Max = st.MaxResources()
	}
	return s
}

// Close stops maintenance and closes the pool. It blocks until borrowed
// groups have been returned.
func (p *ConnectionPool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	pool := p.pool
	p.pool = nil
	p.closed = true
	p.mu.Unlock()

	if pool != nil {
		pool.Close()
	}
}
