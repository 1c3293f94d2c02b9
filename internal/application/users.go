package application

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// UserService manages control-plane accounts.
type UserService struct {
	users driven.UserStore
}

// NewUserService creates a UserService.
func NewUserService(users driven.UserStore) *UserService {
	return &UserService{users: users}
}

// CreateUser registers an account. The contact email is required because
// certificates are requested with it.
func (s *UserService) CreateUser(ctx context.Context, name, email string, isAdmin bool) (*model.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationf("user name is empty")
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || addr.Name != "" {
		return nil, validationf("invalid contact email %q", email)
	}

	user, err := s.users.Create(ctx, model.User{Name: name, Email: addr.Address, IsAdmin: isAdmin})
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &user, nil
}

// GetUser returns the account with the given ID.
func (s *UserService) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.users.GetByID(ctx, id)
}

// ListUsers returns every account.
func (s *UserService) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.users.ListAll(ctx)
}
