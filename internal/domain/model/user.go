package model

import "time"

// User is a control-plane account that owns domains, certificates and mailboxes.
type User struct {
	ID        string
	Name      string
	Email     string
	IsAdmin   bool
	CreatedAt time.Time
}
