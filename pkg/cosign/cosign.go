// Package cosign is a client for Cosign-style single sign-on servers.
//
// A Client validates the service cookie a browser presents for a protected
// resource. It checks the cookie against a pool of authentication servers
// over the line protocol, reconciles the result with any identity already
// held for the session, and optionally retrieves a Kerberos ticket and proxy
// cookies. Configuration is read from a YAML file that is re-read whenever
// its modification time changes; each successful read installs a new,
// immutable generation of settings and rebuilds the affected server pools.
//
// Basic usage:
//
//	client, err := cosign.New(ctx, cosign.Options{ConfigPath: "/etc/cosign/cosign.yaml"})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//	client.Start(ctx)
//
//	attempt := client.BeginAttempt(services.AttemptRequest{
//		Address: remoteIP,
//		Path:    r.URL.Path,
//		Query:   r.URL.RawQuery,
//		Cookie:  cookieValue,
//	})
//	out := attempt.Outcome(ctx)
//	switch {
//	case out.Authenticated():
//		// out.Identity holds the user
//	case out.Unavailable():
//		// configuration or servers are unavailable; fail closed
//	default:
//		// set out.NewCookie and redirect to the login server
//	}
//
// The post-login callback from the login server is handled by
// HandleLocation, which confirms the nonce and returns the service cookie to
// set together with the validated destination.
package cosign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/abtime"
	"golang.org/x/sync/errgroup"

	"github.com/sufield/cosign/internal/adapters/metrics"
	"github.com/sufield/cosign/internal/adapters/secondary/kerberos"
	"github.com/sufield/cosign/internal/adapters/secondary/protocol"
	"github.com/sufield/cosign/internal/adapters/secondary/resolver"
	"github.com/sufield/cosign/internal/adapters/secondary/sessionstore"
	"github.com/sufield/cosign/internal/adapters/secondary/tlsconfig"
	"github.com/sufield/cosign/internal/config"
	"github.com/sufield/cosign/internal/core/domain"
	"github.com/sufield/cosign/internal/core/ports"
	"github.com/sufield/cosign/internal/core/services"
)

// Session store names accepted by the SessionStore property.
const (
	SessionStoreMemory = "memory"
	SessionStoreRedis  = "redis"
)

// sweepInterval is how often the in-memory session store drops identities
// older than the cookie lifetime.
const sweepInterval = 5 * time.Minute

// Options configure a Client. Only ConfigPath is required.
type Options struct {
	ConfigPath string
	Logger     *slog.Logger
	Clock      abtime.AbstractTime
	// Registerer receives the client's Prometheus collectors. Nil disables
	// metrics.
	Registerer prometheus.Registerer
	// Resolver overrides DNS resolution of CosignServerHost names.
	Resolver ports.Resolver
	// IdentityStore overrides the store selected by the SessionStore
	// property.
	IdentityStore ports.IdentityStore
	// Locations registers additional post-login handlers by name.
	Locations map[string]services.LocationHandlerFactory
}

// Client owns the configuration store, the server pools and the
// authentication engine.
type Client struct {
	store     *config.Store
	tls       *tlsconfig.Holder
	balancer  *services.LoadBalancer
	engine    *services.AuthEngine
	sessions  ports.IdentityStore
	memory    *sessionstore.Memory
	redis     *sessionstore.Redis
	locations *services.LocationRegistry
	clock     abtime.AbstractTime
	logger    *slog.Logger

	dialTimeout atomic.Int64

	locMu      sync.Mutex
	locName    string
	locHandler services.LocationHandler

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds a client and performs the first configuration load. A config
// that fails to load does not fail construction: attempts report
// ConfigInvalid until a later reload succeeds.
func New(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.ConfigPath) == "" {
		return nil, errors.New("cosign: config path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = abtime.NewRealTime()
	}
	res := opts.Resolver
	if res == nil {
		res = resolver.New()
	}

	var reporter services.MetricsReporter = services.NoOpMetrics{}
	var reloads config.ReloadRecorder
	if opts.Registerer != nil {
		pm := metrics.NewPrometheusMetrics(opts.Registerer)
		reporter, reloads = pm, pm
	}

	c := &Client{
		store:     config.NewStore(opts.ConfigPath, config.Options{Clock: clock, Logger: logger, Metrics: reloads}),
		tls:       tlsconfig.NewHolder(logger),
		locations: services.NewLocationRegistry(),
		clock:     clock,
		logger:    logger,
	}
	for name, f := range opts.Locations {
		c.locations.Register(name, f)
	}

	factory := func(ctx context.Context, ep domain.ServerEndpoint) services.ManagedPool {
		return services.NewConnectionPool(ctx, ep, services.PoolOptions{
			Resolver: res,
			Dialer: protocol.NewDialer(protocol.DialerOptions{
				ServerName: ep.Host,
				TLS:        c.tls,
				Timeouts:   c.socketTimeout,
				Logger:     logger,
			}),
			Clock:   clock,
			Logger:  logger,
			Metrics: reporter,
		})
	}
	c.balancer = services.NewLoadBalancer(factory, logger)

	// TLS material and the dial timeout must be current before pools dial.
	c.store.Subscribe(ports.ConfigListenerFunc(func(_ context.Context, s *domain.Settings) error {
		c.dialTimeout.Store(int64(s.SocketTimeout))
		return nil
	}))
	c.store.Subscribe(c.tls)
	c.store.Subscribe(c.balancer)

	if err := c.store.Reload(ctx); err != nil {
		logger.Error("initial configuration load failed", "path", opts.ConfigPath, "error", err)
	}

	sessions, err := c.openSessions(ctx, opts.IdentityStore)
	if err != nil {
		c.balancer.Close()
		return nil, err
	}
	c.sessions = sessions

	c.engine, err = services.NewAuthEngine(services.EngineOptions{
		Settings: c.store,
		Balancer: c.balancer,
		Store:    sessions,
		Tickets:  kerberos.NewCCacheWriter(c.store, logger),
		Clock:    clock,
		Logger:   logger,
		Metrics:  reporter,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// socketTimeout is read by dialers at every dial. It is kept outside the
// store because pools may dial while a reload holds the store.
func (c *Client) socketTimeout() time.Duration {
	return time.Duration(c.dialTimeout.Load())
}

// openSessions picks the identity store. The choice is fixed for the life of
// the client.
func (c *Client) openSessions(ctx context.Context, override ports.IdentityStore) (ports.IdentityStore, error) {
	if override != nil {
		return override, nil
	}
	s, err := c.store.Settings()
	if err != nil || strings.EqualFold(s.SessionStore, SessionStoreMemory) || s.SessionStore == "" {
		c.memory = sessionstore.NewMemory()
		return c.memory, nil
	}
	if !strings.EqualFold(s.SessionStore, SessionStoreRedis) {
		return nil, fmt.Errorf("cosign: unknown session store %q", s.SessionStore)
	}
	c.redis = sessionstore.NewRedis(sessionstore.RedisOptions{Addr: s.RedisAddr, TTL: s.CookieExpire})
	if err := c.redis.Ping(ctx); err != nil {
		c.logger.Warn("session store unreachable", "addr", s.RedisAddr, "error", err)
	}
	return c.redis, nil
}

// Start begins configuration monitoring, pool maintenance and session
// sweeping. It returns immediately; Close stops everything.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.store.Start(ctx)
		c.balancer.Start(ctx)
		if c.memory != nil {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.sweep(ctx)
			}()
		}
	})
}

func (c *Client) sweep(ctx context.Context) {
	ticker := c.clock.NewTicker(sweepInterval, 0)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Channel():
			s, err := c.store.Settings()
			if err != nil {
				continue
			}
			if n := c.memory.Sweep(c.clock.Now(), s.CookieExpire); n > 0 {
				c.logger.Debug("expired sessions removed", "count", n)
			}
		}
	}
}

// Close stops background work and releases every connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.store.Stop()
		c.wg.Wait()

		var g errgroup.Group
		g.Go(func() error {
			c.balancer.Close()
			return nil
		})
		if c.redis != nil {
			g.Go(c.redis.Close)
		}
		err = g.Wait()
	})
	return err
}

// Settings returns the current configuration generation.
func (c *Client) Settings() (*domain.Settings, error) {
	return c.store.Settings()
}

// Reload re-reads the configuration file immediately.
func (c *Client) Reload(ctx context.Context) error {
	return c.store.Reload(ctx)
}

// Servers lists the configured server pools in rotation order.
func (c *Client) Servers() []string {
	return c.balancer.Servers()
}

// PoolStats reports the state of every server pool.
func (c *Client) PoolStats() []services.PoolStats {
	var out []services.PoolStats
	for _, key := range c.balancer.Servers() {
		p, ok := c.balancer.Pool(key)
		if !ok {
			continue
		}
		if sp, ok := p.(interface{ Stats() services.PoolStats }); ok {
			out = append(out, sp.Stats())
		}
	}
	return out
}

// AttemptHandle is one in-flight authentication attempt. The outcome is
// computed on the first call to Outcome and shared by later calls.
type AttemptHandle struct {
	engine *services.AuthEngine
	req    services.AttemptRequest

	once sync.Once
	out  services.Outcome
}

// BeginAttempt starts an attempt for one request. No I/O happens until
// Outcome is called.
func (c *Client) BeginAttempt(req services.AttemptRequest) *AttemptHandle {
	return &AttemptHandle{engine: c.engine, req: req}
}

// Outcome runs the attempt to completion. ctx bounds the server round trips
// of the first call only.
func (h *AttemptHandle) Outcome(ctx context.Context) services.Outcome {
	h.once.Do(func() {
		h.out = h.engine.Authenticate(ctx, h.req)
	})
	return h.out
}

// Authenticate is BeginAttempt followed by Outcome.
func (c *Client) Authenticate(ctx context.Context, req services.AttemptRequest) services.Outcome {
	return c.BeginAttempt(req).Outcome(ctx)
}

// HandleLocation processes the login server's post-login callback query
// with the handler named by the LocationHandler property.
func (c *Client) HandleLocation(ctx context.Context, rawQuery string) (services.LocationResult, error) {
	req, err := services.ParseLocationQuery(rawQuery)
	if err != nil {
		return services.LocationResult{}, err
	}
	h, err := c.locationHandler()
	if err != nil {
		return services.LocationResult{}, err
	}
	return h.Handle(ctx, req)
}

// locationHandler rebuilds the handler when the configured name changes.
func (c *Client) locationHandler() (services.LocationHandler, error) {
	s, err := c.store.Settings()
	if err != nil {
		return nil, err
	}
	c.locMu.Lock()
	defer c.locMu.Unlock()
	if c.locHandler != nil && strings.EqualFold(c.locName, s.LocationHandler) {
		return c.locHandler, nil
	}
	h, err := c.locations.New(s.LocationHandler, services.LocationDeps{
		Settings: c.store,
		Balancer: c.balancer,
		Clock:    c.clock,
		Logger:   c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.locName, c.locHandler = s.LocationHandler, h
	return h, nil
}
