package sqlite

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
)

// setupTestDB creates a named shared in-memory database for one test.
// Writer and reader share it through cache=shared; the escaped test name
// isolates parallel tests.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// WAL does not apply to in-memory databases.
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		url.PathEscape(t.Name()),
	)

	db, err := open(dsn, dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	if err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

var fixedTime = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func seedUser(t *testing.T, db *DB, email string) model.User {
	t.Helper()
	user, err := NewUserRepo(db).Create(context.Background(), model.User{Name: "Test", Email: email})
	require.NoError(t, err)
	return user
}

func seedDomain(t *testing.T, db *DB, ownerID, name string) model.Domain {
	t.Helper()
	domain, err := NewDomainRepo(db).Create(context.Background(), model.Domain{
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: fixedTime,
	})
	require.NoError(t, err)
	return domain
}
