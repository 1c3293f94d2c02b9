package driven

import (
	"context"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
)

// MailboxStore defines the driven port for control-plane mailbox persistence.
// Create returns ErrConflict when the address already exists.
type MailboxStore interface {
	Create(ctx context.Context, mailbox model.MailBox) (model.MailBox, error)
	GetByID(ctx context.Context, id string) (*model.MailBox, error)
	ListByDomain(ctx context.Context, domainID string) ([]model.MailBox, error)
	ListByOwner(ctx context.Context, ownerID string) ([]model.MailBox, error)
	Delete(ctx context.Context, id string) error
}
