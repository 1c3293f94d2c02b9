package driven

import (
	"context"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
)

// UserStore defines the driven port for control-plane user persistence.
// Create returns ErrConflict on a duplicate email. GetByID returns ErrNotFound
// when no user matches.
type UserStore interface {
	Create(ctx context.Context, user model.User) (model.User, error)
	GetByID(ctx context.Context, id string) (*model.User, error)
	ListAll(ctx context.Context) ([]model.User, error)
}
