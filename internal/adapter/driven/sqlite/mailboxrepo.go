package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.MailboxStore = (*MailboxRepo)(nil)

const mailboxSelect = `
	SELECT m.id, m.username, m.password_hash, m.owner_id, m.domain_id, d.name, m.created_at
	FROM mailboxes m
	JOIN domains d ON d.id = m.domain_id
`

// MailboxRepo is the SQLite implementation of the MailboxStore port interface.
type MailboxRepo struct {
	db *DB
}

// NewMailboxRepo creates a new MailboxRepo backed by the given DB.
func NewMailboxRepo(db *DB) *MailboxRepo {
	return &MailboxRepo{db: db}
}

// Create inserts a mailbox. The password hash must already be computed.
func (r *MailboxRepo) Create(ctx context.Context, mailbox model.MailBox) (model.MailBox, error) {
	const query = `
		INSERT INTO mailboxes (id, username, password_hash, owner_id, domain_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if mailbox.ID == "" {
		mailbox.ID = uuid.NewString()
	}
	mailbox.CreatedAt = nowOr(mailbox.CreatedAt)

	_, err := r.db.writer(ctx).ExecContext(ctx, query,
		mailbox.ID, mailbox.Username, mailbox.PasswordHash, mailbox.OwnerID,
		mailbox.DomainID, formatTime(mailbox.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return model.MailBox{}, fmt.Errorf("create mailbox %s: %w", mailbox.Address(), driven.ErrConflict)
		}
		return model.MailBox{}, fmt.Errorf("create mailbox %s: %w", mailbox.Address(), err)
	}

	return mailbox, nil
}

// GetByID returns the mailbox with the given ID.
func (r *MailboxRepo) GetByID(ctx context.Context, id string) (*model.MailBox, error) {
	query := mailboxSelect + ` WHERE m.id = ?`

	mailbox, err := scanMailbox(r.db.reader(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get mailbox %s: %w", id, driven.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get mailbox %s: %w", id, err)
	}

	return mailbox, nil
}

// ListByDomain returns the domain's mailboxes ordered by username.
func (r *MailboxRepo) ListByDomain(ctx context.Context, domainID string) ([]model.MailBox, error) {
	return r.list(ctx, mailboxSelect+` WHERE m.domain_id = ? ORDER BY m.username`, domainID)
}

// ListByOwner returns the user's mailboxes ordered by address.
func (r *MailboxRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.MailBox, error) {
	return r.list(ctx, mailboxSelect+` WHERE m.owner_id = ? ORDER BY d.name, m.username`, ownerID)
}

func (r *MailboxRepo) list(ctx context.Context, query string, args ...any) ([]model.MailBox, error) {
	rows, err := r.db.reader(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	defer rows.Close()

	var mailboxes []model.MailBox
	for rows.Next() {
		mailbox, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mailbox: %w", err)
		}
		mailboxes = append(mailboxes, *mailbox)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mailboxes: %w", err)
	}

	return mailboxes, nil
}

// Delete removes the mailbox.
func (r *MailboxRepo) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM mailboxes WHERE id = ?`

	result, err := r.db.writer(ctx).ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete mailbox %s: %w", id, err)
	}
	return checkAffected(result, "delete mailbox "+id)
}

func scanMailbox(s scanner) (*model.MailBox, error) {
	var mailbox model.MailBox
	var createdAt string

	err := s.Scan(&mailbox.ID, &mailbox.Username, &mailbox.PasswordHash, &mailbox.OwnerID,
		&mailbox.DomainID, &mailbox.DomainName, &createdAt)
	if err != nil {
		return nil, err
	}

	mailbox.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &mailbox, nil
}
