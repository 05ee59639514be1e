package services

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/sufield/cosign/internal/core/domain"
	cerrors "github.com/sufield/cosign/internal/core/errors"
)

// ErrRotationExhausted is returned by Strategy.Next once every pool in the
// rotation has been tried.
var ErrRotationExhausted = errors.New("every server has been tried")

// GroupSource lends connection groups for one server.
type GroupSource interface {
	Server() string
	Borrow(ctx context.Context) (*ConnectionGroup, error)
	Return(g *ConnectionGroup)
}

// ManagedPool is a GroupSource the load balancer owns and keeps in step
// with configuration.
type ManagedPool interface {
	GroupSource
	Rebuild(ctx context.Context, endpoint domain.ServerEndpoint, reason string) error
	Run(ctx context.Context)
	Close()
}

// PoolFactory builds the pool for a newly configured endpoint.
type PoolFactory func(ctx context.Context, endpoint domain.ServerEndpoint) ManagedPool

// Lease is a borrowed group together with the pool it must go back to.
type Lease struct {
	Group  *ConnectionGroup
	source GroupSource
}

// Release returns the group to its pool.
func (l *Lease) Release() {
	if l == nil || l.Group == nil {
		return
	}
	l.source.Return(l.Group)
	l.Group = nil
}

// LoadBalancer spreads authentication attempts across server pools in round
// robin and gives each attempt its own rotation.
type LoadBalancer struct {
	factory PoolFactory
	logger  *slog.Logger

	mu     sync.RWMutex
	pools  map[string]ManagedPool
	order  []string
	next   int
	runCtx context.Context
}

// NewLoadBalancer creates an empty balancer; OnConfigUpdate populates it.
func NewLoadBalancer(factory PoolFactory, logger *slog.Logger) *LoadBalancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoadBalancer{
		factory: factory,
		logger:  logger,
		pools:   make(map[string]ManagedPool),
	}
}

// Start launches maintenance for current and future pools until ctx ends.
func (lb *LoadBalancer) Start(ctx context.Context) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.runCtx = ctx
	for _, p := range lb.pools {
		go p.Run(ctx)
	}
}

// OnConfigUpdate adds, rebuilds and removes pools to match settings.
func (lb *LoadBalancer) OnConfigUpdate(ctx context.Context, settings *domain.Settings) error {
	endpoints := settings.Endpoints()

	lb.mu.Lock()
	var removed []ManagedPool
	keep := make(map[string]bool, len(endpoints))
	var rebuild []ManagedPool
	var rebuildEps []domain.ServerEndpoint
	order := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		key := ep.Key()
		if keep[key] {
			continue
		}
		keep[key] = true
		order = append(order, key)
		if p, ok := lb.pools[key]; ok {
			rebuild = append(rebuild, p)
			rebuildEps = append(rebuildEps, ep)
			continue
		}
		p := lb.factory(ctx, ep)
		lb.pools[key] = p
		if lb.runCtx != nil {
			go p.Run(lb.runCtx)
		}
		lb.logger.Info("server pool added", "server", ep.Host)
	}
	for key, p := range lb.pools {
		if !keep[key] {
			removed = append(removed, p)
			delete(lb.pools, key)
			lb.logger.Info("server pool removed", "server", key)
		}
	}
	lb.order = order
	lb.mu.Unlock()

	var errs []error
	for i, p := range rebuild {
		if err := p.Rebuild(ctx, rebuildEps[i], "config"); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range removed {
		go p.Close()
	}
	return errors.Join(errs...)
}

// Servers returns the pool keys in rotation order.
func (lb *LoadBalancer) Servers() []string {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return slices.Clone(lb.order)
}

// Pool returns the pool for a server key.
func (lb *LoadBalancer) Pool(key string) (ManagedPool, bool) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	p, ok := lb.pools[key]
	return p, ok
}

// Strategy returns a new rotation over the current pools. Every attempt
// owns its strategy; consecutive strategies start one server further along.
func (lb *LoadBalancer) Strategy() *Strategy {
	lb.mu.Lock()
	keys := slices.Clone(lb.order)
	if n := len(keys); n > 0 {
		start := lb.next % n
		keys = append(keys[start:], keys[:start]...)
		lb.next = (lb.next + 1) % n
	}
	lb.mu.Unlock()
	return newStrategy(lb, keys)
}

// Close closes every pool.
func (lb *LoadBalancer) Close() {
	lb.mu.Lock()
	pools := lb.pools
	lb.pools = make(map[string]ManagedPool)
	lb.order = nil
	lb.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}

// Strategy is the round-robin rotation of one authentication attempt.
type Strategy struct {
	lb *LoadBalancer

	mu        sync.Mutex
	keys      []string
	firstKey  string
	firstTime bool
}

func newStrategy(lb *LoadBalancer, keys []string) *Strategy {
	s := &Strategy{lb: lb, keys: keys, firstTime: true}
	if len(keys) > 0 {
		s.firstKey = keys[0]
	}
	return s
}

// nextKey advances the rotation. It returns false once the rotation is back
// at the key it started from.
func (s *Strategy) nextKey() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.keys) == 0 {
		return "", false
	}
	head := s.keys[0]
	if !s.firstTime && head == s.firstKey {
		return "", false
	}
	s.firstTime = false
	s.keys = append(s.keys[1:], head)
	return head, true
}

// Next borrows from the next server in the rotation. A borrow error is
// returned as is so the caller can move on; ErrRotationExhausted means every
// server has had its turn, or none is configured.
func (s *Strategy) Next(ctx context.Context) (*Lease, error) {
	key, ok := s.nextKey()
	if !ok {
		return nil, ErrRotationExhausted
	}
	pool, found := s.lb.Pool(key)
	if !found {
		return nil, cerrors.NewDomainError(cerrors.ErrPoolUninitialized, errors.New("server "+key+" no longer configured"))
	}
	g, err := pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	return &Lease{Group: g, source: pool}, nil
}

// Reset starts a new full rotation from the current head.
func (s *Strategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstTime = true
	if len(s.keys) > 0 {
		s.firstKey = s.keys[0]
	}
}

// Check runs CHECK for the cookie across the rotation until some server gives
// a conclusive answer. The returned lease holds the group that answered and
// must be released by the caller. The error is NoServersReachable, or
// PoolUninitialized when every pool tried failed to initialize.
func (lb *LoadBalancer) Check(ctx context.Context, service, nonce string) (string, *Lease, error) {
	strategy := lb.Strategy()

	var (
		borrowed    bool
		uninitCount int
		errs        []error
	)
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		lease, err := strategy.Next(ctx)
		if errors.Is(err, ErrRotationExhausted) {
			break
		}
		if err != nil {
			if errors.Is(err, cerrors.ErrPoolUninitialized) {
				uninitCount++
			}
			errs = append(errs, err)
			lb.logger.Debug("borrow failed, trying next server", "error", err)
			continue
		}
		borrowed = true
		if line, ok := lease.Group.CheckCookie(ctx, service, nonce); ok {
			return line, lease, nil
		}
		lease.Release()
	}

	if !borrowed && len(errs) == 0 {
		return "", nil, cerrors.NewDomainError(cerrors.ErrNoServersReachable, errors.New("no servers configured"))
	}
	if !borrowed && uninitCount == len(errs) {
		return "", nil, cerrors.NewDomainError(cerrors.ErrPoolUninitialized, errors.Join(errs...))
	}
	return "", nil, cerrors.NewDomainError(cerrors.ErrNoServersReachable, errors.Join(errs...))
}
