package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.DomainStore = (*DomainRepo)(nil)

const domainColumns = `id, name, owner_id, COALESCE(ssl_id, ''), status, created_at`

// DomainRepo is the SQLite implementation of the DomainStore port interface.
type DomainRepo struct {
	db *DB
}

// NewDomainRepo creates a new DomainRepo backed by the given DB.
func NewDomainRepo(db *DB) *DomainRepo {
	return &DomainRepo{db: db}
}

// Create inserts a domain. An empty status is stored as pending.
func (r *DomainRepo) Create(ctx context.Context, domain model.Domain) (model.Domain, error) {
	const query = `INSERT INTO domains (id, name, owner_id, ssl_id, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`

	if domain.ID == "" {
		domain.ID = uuid.NewString()
	}
	if domain.Status == "" {
		domain.Status = model.DomainPending
	}
	domain.CreatedAt = nowOr(domain.CreatedAt)

	_, err := r.db.writer(ctx).ExecContext(ctx, query,
		domain.ID, domain.Name, domain.OwnerID, nullString(domain.SSLID),
		string(domain.Status), formatTime(domain.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return model.Domain{}, fmt.Errorf("create domain %s: %w", domain.Name, driven.ErrConflict)
		}
		return model.Domain{}, fmt.Errorf("create domain %s: %w", domain.Name, err)
	}

	return domain, nil
}

// GetByID returns the domain with the given ID.
func (r *DomainRepo) GetByID(ctx context.Context, id string) (*model.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE id = ?`
	return r.getOne(ctx, query, id)
}

// GetByName returns the domain with the given name.
func (r *DomainRepo) GetByName(ctx context.Context, name string) (*model.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE name = ?`
	return r.getOne(ctx, query, name)
}

func (r *DomainRepo) getOne(ctx context.Context, query, key string) (*model.Domain, error) {
	domain, err := scanDomain(r.db.reader(ctx).QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get domain %s: %w", key, driven.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get domain %s: %w", key, err)
	}
	return domain, nil
}

// ListByOwner returns the user's domains ordered by name.
func (r *DomainRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE owner_id = ? ORDER BY name`
	return r.list(ctx, query, ownerID)
}

// ListPending returns pending domains created before the cutoff, oldest first.
func (r *DomainRepo) ListPending(ctx context.Context, createdBefore time.Time) ([]model.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE status = ? AND created_at < ? ORDER BY created_at`
	return r.list(ctx, query, string(model.DomainPending), formatTime(createdBefore))
}

func (r *DomainRepo) list(ctx context.Context, query string, args ...any) ([]model.Domain, error) {
	rows, err := r.db.reader(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var domains []model.Domain
	for rows.Next() {
		domain, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		domains = append(domains, *domain)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domains: %w", err)
	}

	return domains, nil
}

// SetStatus updates the provisioning status of a domain.
func (r *DomainRepo) SetStatus(ctx context.Context, id string, status model.DomainStatus) error {
	const query = `UPDATE domains SET status = ? WHERE id = ?`

	result, err := r.db.writer(ctx).ExecContext(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("set domain %s status: %w", id, err)
	}
	return checkAffected(result, "set domain "+id+" status")
}

// SetSSL points the domain at a certificate.
func (r *DomainRepo) SetSSL(ctx context.Context, id, sslID string) error {
	const query = `UPDATE domains SET ssl_id = ? WHERE id = ?`

	result, err := r.db.writer(ctx).ExecContext(ctx, query, sslID, id)
	if err != nil {
		return fmt.Errorf("set domain %s certificate: %w", id, err)
	}
	return checkAffected(result, "set domain "+id+" certificate")
}

// ClearSSL removes the domain's certificate reference. A missing domain is
// not an error.
func (r *DomainRepo) ClearSSL(ctx context.Context, id string) error {
	const query = `UPDATE domains SET ssl_id = NULL WHERE id = ?`

	if _, err := r.db.writer(ctx).ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("clear domain %s certificate: %w", id, err)
	}
	return nil
}

// Delete removes the domain. Certificate links cascade; remaining mailboxes
// block the delete.
func (r *DomainRepo) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM domains WHERE id = ?`

	result, err := r.db.writer(ctx).ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete domain %s: %w", id, err)
	}
	return checkAffected(result, "delete domain "+id)
}

func scanDomain(s scanner) (*model.Domain, error) {
	var domain model.Domain
	var status, createdAt string

	if err := s.Scan(&domain.ID, &domain.Name, &domain.OwnerID, &domain.SSLID, &status, &createdAt); err != nil {
		return nil, err
	}

	domain.Status = model.DomainStatus(status)

	var err error
	domain.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &domain, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
