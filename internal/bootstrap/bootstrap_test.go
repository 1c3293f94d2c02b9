package bootstrap

import (
	"context"
	"log/slog"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/acme"
	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/certbot"
	"github.com/ericfisherdev/mailpanel/internal/config"
	"github.com/ericfisherdev/mailpanel/internal/domain/model"
)

func TestOpenStores_MigratesFreshDatabase(t *testing.T) {
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "panel.db")

	stores, err := OpenStores(cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = stores.DB.Close() })

	ctx := context.Background()
	user, err := stores.Users.Create(ctx, model.User{Name: "Ops", Email: "ops@example.org"})
	require.NoError(t, err)

	users, err := stores.Users.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, user.ID, users[0].ID)
}

func TestBuild_RequiresMailDB(t *testing.T) {
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "panel.db")

	_, err := Build(context.Background(), cfg, slog.Default())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAILDB_DSN")
}

func TestNewAuthority(t *testing.T) {
	cfg := config.Default()
	runner, _, _ := hostTools(cfg, slog.Default())

	authority, err := newAuthority(cfg, runner)
	require.NoError(t, err)
	assert.IsType(t, &certbot.Authority{}, authority)

	cfg.ACME.Backend = config.BackendLego
	cfg.ACME.Dir = t.TempDir()
	authority, err = newAuthority(cfg, runner)
	require.NoError(t, err)
	assert.IsType(t, &acme.Authority{}, authority)

	cfg.ACME.HTTPAddr = "no-port"
	_, err = newAuthority(cfg, runner)
	require.Error(t, err)
}

func TestNewAddressBook_Static(t *testing.T) {
	cfg := config.Default()
	cfg.PublicIPs = []string{"2001:db8::1", "203.0.113.5"}

	book, err := newAddressBook(context.Background(), cfg, slog.Default())

	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("203.0.113.5"),
		netip.MustParseAddr("2001:db8::1"),
	}, book.Addresses())
}
