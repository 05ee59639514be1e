package ports

import (
	"context"

	"github.com/sufield/cosign/internal/core/domain"
)

// IdentityStore keeps committed identities per session key.
type IdentityStore interface {
	// Load returns nil, nil when the session has no identity.
	Load(ctx context.Context, key string) (*domain.Identity, error)
	Save(ctx context.Context, key string, identity *domain.Identity) error
	Delete(ctx context.Context, key string) error
}

// TicketWriter persists a retrieved ticket-granting credential and returns
// where it was stored.
type TicketWriter interface {
	WriteTicket(ctx context.Context, identity *domain.Identity, ccache []byte) (string, error)
}
