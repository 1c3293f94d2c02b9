package driven

import (
	"context"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
)

// DKIMManager provisions per-domain DKIM signing keys.
type DKIMManager interface {
	// AddDomain generates a key and registers the domain with the signer. It
	// is not idempotent; callers invoke it once per domain lifecycle.
	AddDomain(ctx context.Context, domain string) (*model.DNSRecord, error)
	// RemoveDomain drops the domain's key material and table entries. Missing
	// material is not an error.
	RemoveDomain(ctx context.Context, domain string) error
	// Record returns the public key record of an existing key, or ErrNotFound.
	Record(ctx context.Context, domain string) (*model.DNSRecord, error)
}
