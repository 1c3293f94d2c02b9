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
var _ driven.SSLStore = (*SSLRepo)(nil)

const sslColumns = `id, owner_id, certificate_path, key_path, expires_at, created_at`

// SSLRepo is the SQLite implementation of the SSLStore port interface.
type SSLRepo struct {
	db *DB
}

// NewSSLRepo creates a new SSLRepo backed by the given DB.
func NewSSLRepo(db *DB) *SSLRepo {
	return &SSLRepo{db: db}
}

// Create inserts the certificate row and its ordered domain links in one
// transaction.
func (r *SSLRepo) Create(ctx context.Context, ssl model.SSL) (model.SSL, error) {
	const insertCert = `
		INSERT INTO ssl_certificates (id, owner_id, certificate_path, key_path, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	const insertLink = `INSERT INTO ssl_domains (ssl_id, domain_id, position) VALUES (?, ?, ?)`

	if ssl.ID == "" {
		ssl.ID = uuid.NewString()
	}
	ssl.CreatedAt = nowOr(ssl.CreatedAt)

	err := r.db.WithinTx(ctx, func(ctx context.Context) error {
		q := r.db.writer(ctx)
		if _, err := q.ExecContext(ctx, insertCert,
			ssl.ID, ssl.OwnerID, ssl.CertificatePath, ssl.KeyPath,
			formatTime(ssl.ExpiresAt), formatTime(ssl.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert certificate %s: %w", ssl.ID, err)
		}

		for i, d := range ssl.Domains {
			if _, err := q.ExecContext(ctx, insertLink, ssl.ID, d.ID, i); err != nil {
				return fmt.Errorf("link certificate %s to %s: %w", ssl.ID, d.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return model.SSL{}, err
	}

	return ssl, nil
}

// GetByID returns the certificate with its linked domains.
func (r *SSLRepo) GetByID(ctx context.Context, id string) (*model.SSL, error) {
	query := `SELECT ` + sslColumns + ` FROM ssl_certificates WHERE id = ?`

	ssl, err := scanSSL(r.db.reader(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get certificate %s: %w", id, driven.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get certificate %s: %w", id, err)
	}

	if ssl.Domains, err = r.linkedDomains(ctx, ssl.ID); err != nil {
		return nil, err
	}

	return ssl, nil
}

// ListAll returns every certificate ordered by creation time.
func (r *SSLRepo) ListAll(ctx context.Context) ([]model.SSL, error) {
	query := `SELECT ` + sslColumns + ` FROM ssl_certificates ORDER BY created_at, id`
	return r.list(ctx, query)
}

// ListByOwner returns the user's certificates ordered by creation time.
func (r *SSLRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.SSL, error) {
	query := `SELECT ` + sslColumns + ` FROM ssl_certificates WHERE owner_id = ? ORDER BY created_at, id`
	return r.list(ctx, query, ownerID)
}

func (r *SSLRepo) list(ctx context.Context, query string, args ...any) ([]model.SSL, error) {
	rows, err := r.db.reader(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}

	var certs []model.SSL
	for rows.Next() {
		ssl, err := scanSSL(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		certs = append(certs, *ssl)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}

	// Domains are loaded after the cursor is closed; inside a transaction
	// there is only one connection.
	for i := range certs {
		if certs[i].Domains, err = r.linkedDomains(ctx, certs[i].ID); err != nil {
			return nil, err
		}
	}

	return certs, nil
}

// Unlink removes one domain from the certificate's domain set.
func (r *SSLRepo) Unlink(ctx context.Context, sslID, domainID string) error {
	const query = `DELETE FROM ssl_domains WHERE ssl_id = ? AND domain_id = ?`

	if _, err := r.db.writer(ctx).ExecContext(ctx, query, sslID, domainID); err != nil {
		return fmt.Errorf("unlink certificate %s from domain %s: %w", sslID, domainID, err)
	}
	return nil
}

// Detach clears every domain reference to the certificate.
func (r *SSLRepo) Detach(ctx context.Context, sslID string) error {
	const query = `UPDATE domains SET ssl_id = NULL WHERE ssl_id = ?`

	if _, err := r.db.writer(ctx).ExecContext(ctx, query, sslID); err != nil {
		return fmt.Errorf("detach certificate %s: %w", sslID, err)
	}
	return nil
}

// SetExpiry records a new expiry for the certificate.
func (r *SSLRepo) SetExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	const query = `UPDATE ssl_certificates SET expires_at = ? WHERE id = ?`

	result, err := r.db.writer(ctx).ExecContext(ctx, query, formatTime(expiresAt), id)
	if err != nil {
		return fmt.Errorf("set certificate %s expiry: %w", id, err)
	}
	return checkAffected(result, "set certificate "+id+" expiry")
}

// Delete removes the certificate row; its domain links cascade.
func (r *SSLRepo) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM ssl_certificates WHERE id = ?`

	result, err := r.db.writer(ctx).ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete certificate %s: %w", id, err)
	}
	return checkAffected(result, "delete certificate "+id)
}

func (r *SSLRepo) linkedDomains(ctx context.Context, sslID string) ([]model.Domain, error) {
	const query = `
		SELECT d.id, d.name, d.owner_id, COALESCE(d.ssl_id, ''), d.status, d.created_at
		FROM ssl_domains sd
		JOIN domains d ON d.id = sd.domain_id
		WHERE sd.ssl_id = ?
		ORDER BY sd.position
	`

	rows, err := r.db.reader(ctx).QueryContext(ctx, query, sslID)
	if err != nil {
		return nil, fmt.Errorf("list domains of certificate %s: %w", sslID, err)
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
		return nil, fmt.Errorf("iterate domains of certificate %s: %w", sslID, err)
	}

	return domains, nil
}

func scanSSL(s scanner) (*model.SSL, error) {
	var ssl model.SSL
	var expiresAt, createdAt string

	if err := s.Scan(&ssl.ID, &ssl.OwnerID, &ssl.CertificatePath, &ssl.KeyPath, &expiresAt, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if ssl.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if ssl.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &ssl, nil
}
