package ports

import (
	"context"

	"github.com/sufield/cosign/internal/core/domain"
)

// Connection is one TLS-upgraded protocol session to one server address.
// Implementations are not safe for concurrent use; a ConnectionGroup owns its
// connections and is itself borrowed by one caller at a time.
type Connection interface {
	// ID identifies the connection in logs.
	ID() string
	// Address is the numeric host:port this connection is bound to.
	Address() string
	// ProtocolVersion is the version announced in the server banner.
	ProtocolVersion() float64
	// CheckCookie sends CHECK and returns the raw response line. An error
	// means the connection is suspect, not that the user is unauthenticated.
	CheckCookie(ctx context.Context, service, nonce string) (string, error)
	// IsValid sends NOOP and reports whether a line came back.
	IsValid(ctx context.Context) bool
	// RetrieveTicket fetches the user's ticket-granting ccache bytes.
	RetrieveTicket(ctx context.Context, service, nonce string) ([]byte, error)
	// RetrieveProxyCookies fetches the proxy cookies registered for the user.
	RetrieveProxyCookies(ctx context.Context, service, nonce string) ([]domain.ProxyCredential, error)
	// Close is idempotent.
	Close() error
}

// Dialer establishes fully initialized connections.
type Dialer interface {
	Dial(ctx context.Context, address string) (Connection, error)
}

// Resolver turns a server host name into numeric addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}
