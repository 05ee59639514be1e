package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/sufield/cosign/internal/core/domain"
	"github.com/sufield/cosign/internal/core/ports"
	"github.com/sufield/cosign/internal/core/services"
)

var errIO = errors.New("read tcp: i/o timeout")

// fakeConn answers CHECK with a fixed line or error.
type fakeConn struct {
	addr    string
	version float64
	line    string
	err     error
	noopOK  bool

	ticket      []byte
	ticketErr   error
	proxies     []domain.ProxyCredential
	proxyErr    error
	checks      atomic.Int32
	noops       atomic.Int32
	closeCalled atomic.Int32
}

func (c *fakeConn) ID() string               { return "conn-" + c.addr }
func (c *fakeConn) Address() string          { return c.addr }
func (c *fakeConn) ProtocolVersion() float64 { return c.version }

func (c *fakeConn) CheckCookie(_ context.Context, _, _ string) (string, error) {
	c.checks.Add(1)
	return c.line, c.err
}

func (c *fakeConn) IsValid(context.Context) bool {
	c.noops.Add(1)
	return c.noopOK
}

func (c *fakeConn) RetrieveTicket(context.Context, string, string) ([]byte, error) {
	return c.ticket, c.ticketErr
}

func (c *fakeConn) RetrieveProxyCookies(context.Context, string, string) ([]domain.ProxyCredential, error) {
	return c.proxies, c.proxyErr
}

func (c *fakeConn) Close() error {
	c.closeCalled.Add(1)
	return nil
}

func (c *fakeConn) closed() bool { return c.closeCalled.Load() > 0 }

// fakeDialer hands out connections built by a per-address factory.
type fakeDialer struct {
	mu      sync.Mutex
	factory map[string]func() (*fakeConn, error)
	dials   map[string]int
	conns   []*fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		factory: map[string]func() (*fakeConn, error){},
		dials:   map[string]int{},
	}
}

func (d *fakeDialer) answer(addr, line string) {
	d.set(addr, func() (*fakeConn, error) {
		return &fakeConn{addr: addr, version: 2, line: line, noopOK: true}, nil
	})
}

func (d *fakeDialer) refuse(addr string) {
	d.set(addr, func() (*fakeConn, error) {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	})
}

func (d *fakeDialer) set(addr string, f func() (*fakeConn, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factory[addr] = f
}

func (d *fakeDialer) Dial(_ context.Context, addr string) (ports.Connection, error) {
	d.mu.Lock()
	f, ok := d.factory[addr]
	d.dials[addr]++
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dial %s: no route to host", addr)
	}
	c, err := f()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[addr]
}

func (d *fakeDialer) totalChecks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		n += int(c.checks.Load())
	}
	return n
}

func (d *fakeDialer) allConns() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeConn(nil), d.conns...)
}

// mockResolver is a testify mock for ports.Resolver.
type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	args := m.Called(ctx, host)
	if fn, ok := args.Get(0).(func(context.Context, string) []string); ok {
		return fn(ctx, host), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// fakePool is a ManagedPool that lends one fixed group or fails.
type fakePool struct {
	server    string
	group     *services.ConnectionGroup
	borrowErr error

	borrows  atomic.Int32
	returns  atomic.Int32
	rebuilds atomic.Int32
	closes   atomic.Int32
}

func (p *fakePool) Server() string { return p.server }

func (p *fakePool) Borrow(context.Context) (*services.ConnectionGroup, error) {
	p.borrows.Add(1)
	if p.borrowErr != nil {
		return nil, p.borrowErr
	}
	return p.group, nil
}

func (p *fakePool) Return(*services.ConnectionGroup) { p.returns.Add(1) }

func (p *fakePool) Rebuild(context.Context, domain.ServerEndpoint, string) error {
	p.rebuilds.Add(1)
	return nil
}

func (p *fakePool) Run(ctx context.Context) { <-ctx.Done() }

func (p *fakePool) Close() { p.closes.Add(1) }

// poolRegistry builds fakePools on demand and remembers them by host.
type poolRegistry struct {
	mu    sync.Mutex
	pools map[string]*fakePool
	setup func(host string, p *fakePool)
}

func newPoolRegistry(setup func(host string, p *fakePool)) *poolRegistry {
	return &poolRegistry{pools: map[string]*fakePool{}, setup: setup}
}

func (r *poolRegistry) factory(_ context.Context, ep domain.ServerEndpoint) services.ManagedPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &fakePool{server: ep.Host}
	if r.setup != nil {
		r.setup(ep.Host, p)
	}
	r.pools[ep.Host] = p
	return p
}

func (r *poolRegistry) get(host string) *fakePool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pools[host]
}

func (r *poolRegistry) totalBorrows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.pools {
		n += int(p.borrows.Load())
	}
	return n
}
