package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
)

// SSLStore defines the driven port for certificate persistence. Linked
// domains are returned in link order, the first being the canonical name.
type SSLStore interface {
	// Create inserts the certificate and links it to ssl.Domains. It does not
	// touch the domains' own ssl reference.
	Create(ctx context.Context, ssl model.SSL) (model.SSL, error)
	GetByID(ctx context.Context, id string) (*model.SSL, error)
	ListAll(ctx context.Context) ([]model.SSL, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.SSL, error)
	// Unlink removes one domain from the certificate's domain set.
	Unlink(ctx context.Context, sslID, domainID string) error
	// Detach clears every domain reference to the certificate.
	Detach(ctx context.Context, sslID string) error
	// SetExpiry records a new expiry after the certificate was reissued.
	SetExpiry(ctx context.Context, id string, expiresAt time.Time) error
	Delete(ctx context.Context, id string) error
}
