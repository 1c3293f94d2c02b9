package model

import "time"

// DomainStatus tracks where a domain is in its provisioning lifecycle.
type DomainStatus string

const (
	// DomainPending marks a domain whose provisioning has started but not finished.
	// Pending rows older than the provisioning timeout are leftovers of a crash.
	DomainPending DomainStatus = "pending"
	// DomainActive marks a fully provisioned domain.
	DomainActive DomainStatus = "active"
)

// Domain is a hosted domain owned by exactly one user.
type Domain struct {
	ID        string
	Name      string
	OwnerID   string
	SSLID     string // empty when no certificate is linked
	Status    DomainStatus
	CreatedAt time.Time
}

// HasCertificate reports whether the domain references an Ssl.
func (d Domain) HasCertificate() bool {
	return d.SSLID != ""
}

// DomainOptions selects the optional provisioning steps of AddDomain.
type DomainOptions struct {
	RequestCertificate bool
	EnableEmail        bool
	Email              *EmailConfig
}

// EmailConfig configures mail provisioning for a domain.
type EmailConfig struct {
	DKIM bool
}
