package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

func TestUserRepo_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUserRepo(db)
	ctx := context.Background()

	created, err := repo.Create(ctx, model.User{Name: "Alice", Email: "alice@example.org", IsAdmin: true})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, "alice@example.org", got.Email)
	assert.True(t, got.IsAdmin)
	assert.Equal(t, created.CreatedAt, got.CreatedAt)
}

func TestUserRepo_Create_DuplicateEmail(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUserRepo(db)
	ctx := context.Background()

	_, err := repo.Create(ctx, model.User{Name: "A", Email: "dup@example.org"})
	require.NoError(t, err)

	_, err = repo.Create(ctx, model.User{Name: "B", Email: "dup@example.org"})
	assert.ErrorIs(t, err, driven.ErrConflict)
}

func TestUserRepo_GetByID_NotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := NewUserRepo(db).GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, driven.ErrNotFound)
}

func TestUserRepo_ListAll(t *testing.T) {
	db := setupTestDB(t)
	seedUser(t, db, "zed@example.org")
	seedUser(t, db, "amy@example.org")

	users, err := NewUserRepo(db).ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "amy@example.org", users[0].Email)
	assert.Equal(t, "zed@example.org", users[1].Email)
}
