package model

import "time"

// CertificateValidity is the fixed validity window recorded for issued certificates.
const CertificateValidity = 90 * 24 * time.Hour

// SSL is one certificate lifecycle instance. The first entry of Domains is the
// canonical name the certificate authority tracks the certificate under.
type SSL struct {
	ID              string
	OwnerID         string
	Domains         []Domain
	ExpiresAt       time.Time
	CertificatePath string
	KeyPath         string
	CreatedAt       time.Time
}

// CanonicalName returns the name of the first linked domain, or "" when the
// certificate has no domains.
func (s SSL) CanonicalName() string {
	if len(s.Domains) == 0 {
		return ""
	}
	return s.Domains[0].Name
}

// DomainNames returns the linked domain names in link order.
func (s SSL) DomainNames() []string {
	names := make([]string, 0, len(s.Domains))
	for _, d := range s.Domains {
		names = append(names, d.Name)
	}
	return names
}

// Covers reports whether name is one of the certificate's domains.
func (s SSL) Covers(name string) bool {
	for _, d := range s.Domains {
		if d.Name == name {
			return true
		}
	}
	return false
}

// CertificateInfo is a certificate as reported by the certificate authority.
type CertificateInfo struct {
	Name            string
	Serial          string
	KeyType         string
	Domains         []string
	Expiry          string // raw expiry text as reported
	ExpiresAt       time.Time
	CertificatePath string
	KeyPath         string
}

// CanonicalName returns the first covered domain, falling back to the
// authority-assigned certificate name.
func (c CertificateInfo) CanonicalName() string {
	if len(c.Domains) > 0 {
		return c.Domains[0]
	}
	return c.Name
}
