// Package resolver turns authentication server host names into numeric
// addresses for the connection pools.
package resolver

import (
	"context"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/sufield/cosign/internal/core/ports"
)

// DefaultTimeout bounds one lookup.
const DefaultTimeout = 5 * time.Second

// DNS resolves through net.Resolver. Results are sorted and deduplicated so
// a pool can compare address sets between refreshes.
type DNS struct {
	resolver *net.Resolver
	timeout  time.Duration
}

var _ ports.Resolver = (*DNS)(nil)

// New creates a resolver using the system configuration.
func New() *DNS {
	return &DNS{resolver: net.DefaultResolver, timeout: DefaultTimeout}
}

// LookupHost implements ports.Resolver. IP literals are returned as is.
func (d *DNS) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	addrs, err := d.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	slices.Sort(addrs)
	return slices.Compact(addrs), nil
}

// Static maps host names to fixed addresses. Unknown hosts fail.
type Static map[string][]string

var _ ports.Resolver = Static(nil)

// LookupHost implements ports.Resolver.
func (s Static) LookupHost(_ context.Context, host string) ([]string, error) {
	addrs, ok := s[host]
	if !ok || len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	return slices.Clone(addrs), nil
}
