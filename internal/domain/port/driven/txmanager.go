package driven

import "context"

// TxManager runs fn inside a control-plane transaction. Stores called with
// the context passed to fn participate in that transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
