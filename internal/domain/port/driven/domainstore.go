package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
)

// DomainStore defines the driven port for domain persistence.
// Create returns ErrConflict if the name is taken. GetByID, GetByName and
// Delete return ErrNotFound if no row matches.
type DomainStore interface {
	Create(ctx context.Context, domain model.Domain) (model.Domain, error)
	GetByID(ctx context.Context, id string) (*model.Domain, error)
	GetByName(ctx context.Context, name string) (*model.Domain, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.Domain, error)
	ListPending(ctx context.Context, createdBefore time.Time) ([]model.Domain, error)
	SetStatus(ctx context.Context, id string, status model.DomainStatus) error
	SetSSL(ctx context.Context, id, sslID string) error
	ClearSSL(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}
