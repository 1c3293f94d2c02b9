package driven

import "context"

// MailStore maintains the virtual_domains and virtual_users rows the mail
// daemons read. CreateDomain and CreateUser return ErrConflict on duplicates.
// Deletes of absent rows succeed.
type MailStore interface {
	CreateDomain(ctx context.Context, name string) error
	DomainExists(ctx context.Context, name string) (bool, error)
	DeleteDomain(ctx context.Context, name string) error
	CreateUser(ctx context.Context, domain, email, passwordHash string) error
	UserExists(ctx context.Context, email string) (bool, error)
	DeleteUser(ctx context.Context, email string) error
}
