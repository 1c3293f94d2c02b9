// Package maildb maintains the virtual_domains and virtual_users tables the
// mail daemons authenticate and route against. MySQL and PostgreSQL are
// supported.
package maildb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.MailStore = (*Store)(nil)

// Supported database/sql driver names.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
)

const (
	mysqlDuplicateEntry = 1062
	pgUniqueViolation   = "23505"
)

// Store implements driven.MailStore over database/sql.
type Store struct {
	db      *sql.DB
	driver  string
	domains string
	users   string
}

// Open connects to the mail database and verifies the connection.
func Open(ctx context.Context, driver, dsn, schema string) (*Store, error) {
	if driver != DriverMySQL && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported mail db driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open mail db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mail db: %w", err)
	}

	return New(db, driver, schema), nil
}

// New wraps an open database. schema optionally qualifies the table names.
func New(db *sql.DB, driver, schema string) *Store {
	prefix := ""
	if schema != "" {
		prefix = schema + "."
	}
	return &Store{
		db:      db,
		driver:  driver,
		domains: prefix + "virtual_domains",
		users:   prefix + "virtual_users",
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateDomain inserts a virtual domain row.
func (s *Store) CreateDomain(ctx context.Context, name string) error {
	query := s.rebind(`INSERT INTO ` + s.domains + ` (name) VALUES (?)`)

	if _, err := s.db.ExecContext(ctx, query, name); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("virtual domain %q: %w", name, driven.ErrConflict)
		}
		return fmt.Errorf("insert virtual domain %q: %w", name, err)
	}
	return nil
}

// DomainExists reports whether a virtual domain row exists for name.
func (s *Store) DomainExists(ctx context.Context, name string) (bool, error) {
	query := s.rebind(`SELECT id FROM ` + s.domains + ` WHERE name = ?`)
	return s.exists(ctx, query, name)
}

// DeleteDomain deletes the virtual domain row, if any.
func (s *Store) DeleteDomain(ctx context.Context, name string) error {
	query := s.rebind(`DELETE FROM ` + s.domains + ` WHERE name = ?`)

	if _, err := s.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("delete virtual domain %q: %w", name, err)
	}
	return nil
}

// CreateUser inserts a virtual user under the named domain.
func (s *Store) CreateUser(ctx context.Context, domain, email, passwordHash string) error {
	query := s.rebind(`INSERT INTO ` + s.users + ` (domain_id, password, email)
		VALUES ((SELECT id FROM ` + s.domains + ` WHERE name = ?), ?, ?)`)

	if _, err := s.db.ExecContext(ctx, query, domain, passwordHash, email); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("virtual user %q: %w", email, driven.ErrConflict)
		}
		return fmt.Errorf("insert virtual user %q: %w", email, err)
	}
	return nil
}

// UserExists reports whether a virtual user row exists for email.
func (s *Store) UserExists(ctx context.Context, email string) (bool, error) {
	query := s.rebind(`SELECT id FROM ` + s.users + ` WHERE email = ?`)
	return s.exists(ctx, query, email)
}

// DeleteUser deletes the virtual user row, if any.
func (s *Store) DeleteUser(ctx context.Context, email string) error {
	query := s.rebind(`DELETE FROM ` + s.users + ` WHERE email = ?`)

	if _, err := s.db.ExecContext(ctx, query, email); err != nil {
		return fmt.Errorf("delete virtual user %q: %w", email, err)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, query string, arg any) (bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query %q: %w", arg, err)
	}
	return true, nil
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	return false
}
