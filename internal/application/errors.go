package application

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Error taxonomy of the provisioning services. Store-level not-found and
// conflict errors surface as driven.ErrNotFound and driven.ErrConflict.
var (
	// ErrValidation indicates missing or malformed input, rejected before any
	// side effect.
	ErrValidation = errors.New("invalid input")

	// ErrForbidden indicates the caller does not own the referenced resource.
	ErrForbidden = errors.New("forbidden")

	// ErrIssuance indicates the certificate authority failed to issue.
	ErrIssuance = errors.New("certificate issuance failed")

	// ErrDeletion indicates the certificate authority failed to delete.
	ErrDeletion = errors.New("certificate deletion failed")

	// ErrBinding indicates a daemon binding for a domain the certificate does
	// not cover.
	ErrBinding = driven.ErrBinding

	// ErrConsistency indicates drift between the certificate authority and
	// the control-plane store.
	ErrConsistency = errors.New("certificates out of sync")

	// ErrVerificationDisabled indicates no DNS resolver is configured.
	ErrVerificationDisabled = errors.New("record verification is not configured")
)

// ConsistencyError names the canonical domains found on only one side of a
// synchronization check.
type ConsistencyError struct {
	AuthorityOnly []string
	StoreOnly     []string
}

func (e *ConsistencyError) Error() string {
	var parts []string
	if len(e.AuthorityOnly) > 0 {
		parts = append(parts, "only at authority: "+strings.Join(e.AuthorityOnly, ", "))
	}
	if len(e.StoreOnly) > 0 {
		parts = append(parts, "only in store: "+strings.Join(e.StoreOnly, ", "))
	}
	return ErrConsistency.Error() + ": " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrConsistency) hold.
func (e *ConsistencyError) Is(target error) bool {
	return target == ErrConsistency
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
