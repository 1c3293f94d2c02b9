package driven

import (
	"context"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
)

// DeliveryAgent binds certificates into the mail delivery daemon (IMAP/POP3).
type DeliveryAgent interface {
	AddCertificateBinding(ctx context.Context, domains []string, ssl model.SSL) error
	RemoveCertificateBinding(ctx context.Context, domains []string) error
}

// TransferAgent binds certificates into the mail transfer daemon (SMTP).
type TransferAgent interface {
	AddCertificateBinding(ctx context.Context, domain, certPath, keyPath string) error
	RemoveCertificateBinding(ctx context.Context, domain string) error
}

// PasswordHasher hashes mailbox credentials in the delivery daemon's native
// scheme, without the scheme prefix.
type PasswordHasher interface {
	Hash(ctx context.Context, password string) (string, error)
}
