package driven

import (
	"context"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
)

// CertificateAuthority issues, deletes and lists certificates. Certificates
// are named after their first domain.
type CertificateAuthority interface {
	// Issue obtains one certificate covering every domain.
	Issue(ctx context.Context, domains []string, email string) error
	// Delete removes the named certificate. Returns ErrCertificateNotFound if
	// the authority does not know the name.
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]model.CertificateInfo, error)
	// Paths returns where the certificate chain and private key of the named
	// certificate are stored.
	Paths(name string) (certPath, keyPath string)
}
