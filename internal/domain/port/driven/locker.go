package driven

import "context"

// Locker provides mutual exclusion keyed by name. Lock blocks until the lock
// is held or ctx is done; the returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
