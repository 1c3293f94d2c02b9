package driven

import (
	"context"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
)

// RecordCheck is the outcome of looking up one expected record.
type RecordCheck struct {
	Record    model.DNSRecord
	Published bool
	Found     []string
}

// DNSVerifier compares expected records with what public DNS serves.
type DNSVerifier interface {
	Verify(ctx context.Context, records []model.DNSRecord) ([]RecordCheck, error)
}
