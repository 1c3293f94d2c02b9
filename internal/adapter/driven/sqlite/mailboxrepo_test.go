package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

func TestMailboxRepo_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	owner := seedUser(t, db, "owner@example.org")
	domain := seedDomain(t, db, owner.ID, "example.com")
	repo := NewMailboxRepo(db)
	ctx := context.Background()

	created, err := repo.Create(ctx, model.MailBox{
		Username:     "info",
		PasswordHash: "$2a$10$hash",
		OwnerID:      owner.ID,
		DomainID:     domain.ID,
		DomainName:   domain.Name,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "info@example.com", got.Address())
	assert.Equal(t, "$2a$10$hash", got.PasswordHash)
	assert.Equal(t, domain.ID, got.DomainID)
}

func TestMailboxRepo_Create_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	owner := seedUser(t, db, "owner@example.org")
	domain := seedDomain(t, db, owner.ID, "example.com")
	repo := NewMailboxRepo(db)
	ctx := context.Background()

	mb := model.MailBox{Username: "info", PasswordHash: "x", OwnerID: owner.ID, DomainID: domain.ID, DomainName: domain.Name}
	_, err := repo.Create(ctx, mb)
	require.NoError(t, err)

	_, err = repo.Create(ctx, mb)
	assert.ErrorIs(t, err, driven.ErrConflict)
}

func TestMailboxRepo_Lists(t *testing.T) {
	db := setupTestDB(t)
	alice := seedUser(t, db, "alice@example.org")
	bob := seedUser(t, db, "bob@example.org")
	a := seedDomain(t, db, alice.ID, "a.example")
	b := seedDomain(t, db, bob.ID, "b.example")
	repo := NewMailboxRepo(db)
	ctx := context.Background()

	for _, mb := range []model.MailBox{
		{Username: "zed", OwnerID: alice.ID, DomainID: a.ID},
		{Username: "amy", OwnerID: alice.ID, DomainID: a.ID},
		{Username: "bob", OwnerID: bob.ID, DomainID: b.ID},
	} {
		mb.PasswordHash = "x"
		_, err := repo.Create(ctx, mb)
		require.NoError(t, err)
	}

	byDomain, err := repo.ListByDomain(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, byDomain, 2)
	assert.Equal(t, "amy@a.example", byDomain[0].Address())
	assert.Equal(t, "zed@a.example", byDomain[1].Address())

	byOwner, err := repo.ListByOwner(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, byOwner, 1)
	assert.Equal(t, "bob@b.example", byOwner[0].Address())
}

func TestMailboxRepo_Delete(t *testing.T) {
	db := setupTestDB(t)
	owner := seedUser(t, db, "owner@example.org")
	domain := seedDomain(t, db, owner.ID, "example.com")
	repo := NewMailboxRepo(db)
	ctx := context.Background()

	mb, err := repo.Create(ctx, model.MailBox{Username: "info", PasswordHash: "x", OwnerID: owner.ID, DomainID: domain.ID})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, mb.ID))
	assert.ErrorIs(t, repo.Delete(ctx, mb.ID), driven.ErrNotFound)
}
