package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.UserStore = (*UserRepo)(nil)

// UserRepo is the SQLite implementation of the UserStore port interface.
type UserRepo struct {
	db *DB
}

// NewUserRepo creates a new UserRepo backed by the given DB.
func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

// Create inserts a user, assigning an ID when none is set.
func (r *UserRepo) Create(ctx context.Context, user model.User) (model.User, error) {
	const query = `INSERT INTO users (id, name, email, is_admin, created_at) VALUES (?, ?, ?, ?, ?)`

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = nowOr(user.CreatedAt)

	_, err := r.db.writer(ctx).ExecContext(ctx, query,
		user.ID, user.Name, user.Email, boolToInt(user.IsAdmin), formatTime(user.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("create user %s: %w", user.Email, driven.ErrConflict)
		}
		return model.User{}, fmt.Errorf("create user %s: %w", user.Email, err)
	}

	return user, nil
}

// GetByID returns the user with the given ID.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*model.User, error) {
	const query = `SELECT id, name, email, is_admin, created_at FROM users WHERE id = ?`

	user, err := scanUser(r.db.reader(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get user %s: %w", id, driven.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}

	return user, nil
}

// ListAll returns all users ordered by email.
func (r *UserRepo) ListAll(ctx context.Context) ([]model.User, error) {
	const query = `SELECT id, name, email, is_admin, created_at FROM users ORDER BY email`

	rows, err := r.db.reader(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}

func scanUser(s scanner) (*model.User, error) {
	var user model.User
	var isAdmin int
	var createdAt string

	if err := s.Scan(&user.ID, &user.Name, &user.Email, &isAdmin, &createdAt); err != nil {
		return nil, err
	}

	user.IsAdmin = isAdmin != 0

	var err error
	user.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	return &user, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

// checkAffected maps zero affected rows to ErrNotFound.
func checkAffected(result sql.Result, what string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, driven.ErrNotFound)
	}
	return nil
}
