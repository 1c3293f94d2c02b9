package model

import "time"

// MailBox is a virtual mail account. Every MailBox has a matching virtual
// user row in the mail datastore.
type MailBox struct {
	ID           string
	Username     string
	PasswordHash string
	OwnerID      string
	DomainID     string
	DomainName   string
	CreatedAt    time.Time
}

// Address returns the full email address of the mailbox.
func (m MailBox) Address() string {
	return m.Username + "@" + m.DomainName
}
