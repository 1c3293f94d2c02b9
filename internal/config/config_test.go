package config

import (
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// isolateConfigEnv unsets every MAILPANEL_ variable so tests don't inherit
// values from the host environment. t.Cleanup restores original values.
func isolateConfigEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, orig, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		t.Cleanup(func() { os.Setenv(key, orig) })
		os.Unsetenv(key)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailpanel.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	isolateConfigEnv(t)

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Equal(t, "mailpanel.db", cfg.DBPath)
	assert.Equal(t, 40*time.Second, cfg.ProvisionTimeout.Duration)
	assert.Equal(t, 2*time.Minute, cfg.CommandTimeout.Duration)
	assert.Equal(t, time.Hour, cfg.IPRefreshInterval.Duration)
	assert.Equal(t, "mysql", cfg.MailDB.Driver)
	assert.Equal(t, BackendCertbot, cfg.ACME.Backend)
	assert.Equal(t, "mail", cfg.DKIM.Selector)
	assert.Equal(t, "/etc/postfix/sni_map", cfg.Postfix.SNIMap)
	assert.False(t, cfg.HasAuthSecret())
	assert.False(t, cfg.HasStaticAddresses())
}

func TestLoad_Environment(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv("MAILPANEL_LISTEN_ADDR", "0.0.0.0:9090")
	t.Setenv("MAILPANEL_DB_PATH", "/var/lib/mailpanel/panel.db")
	t.Setenv("MAILPANEL_AUTH_SECRET", testSecret)
	t.Setenv("MAILPANEL_PROVISION_TIMEOUT", "90s")
	t.Setenv("MAILPANEL_USE_SUDO", "true")
	t.Setenv("MAILPANEL_PUBLIC_IPS", "203.0.113.5,2001:db8::1")
	t.Setenv("MAILPANEL_CORS_ORIGINS", "https://panel.example.org")
	t.Setenv("MAILPANEL_MAILDB_DRIVER", "pgx")
	t.Setenv("MAILPANEL_MAILDB_DSN", "postgres://mail@localhost/mail")
	t.Setenv("MAILPANEL_ACME_BACKEND", "lego")
	t.Setenv("MAILPANEL_DKIM_SELECTOR", "s2026")
	t.Setenv("MAILPANEL_DOVECOT_SERVICE", "dovecot2")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9090", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/mailpanel/panel.db", cfg.DBPath)
	assert.True(t, cfg.HasAuthSecret())
	assert.Equal(t, 90*time.Second, cfg.ProvisionTimeout.Duration)
	assert.True(t, cfg.UseSudo)
	assert.Equal(t, []string{"https://panel.example.org"}, cfg.CORSOrigins)
	assert.Equal(t, "pgx", cfg.MailDB.Driver)
	assert.Equal(t, "postgres://mail@localhost/mail", cfg.MailDB.DSN)
	assert.Equal(t, BackendLego, cfg.ACME.Backend)
	assert.Equal(t, "s2026", cfg.DKIM.Selector)
	assert.Equal(t, "dovecot2", cfg.Dovecot.Service)
	assert.Equal(t, "opendkim", cfg.DKIM.Service)

	addrs, err := cfg.Addresses()
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("203.0.113.5"), netip.MustParseAddr("2001:db8::1")}, addrs)
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	isolateConfigEnv(t)
	path := writeFile(t, `
listen_addr = "10.0.0.1:8080"
provision_timeout = "1m"
mail_host = "mx.example.net"

[maildb]
dsn = "mail:secret@tcp(db:3306)/mail"
schema = "mailserver"

[acme]
backend = "lego"
directory_url = "https://acme-staging-v02.api.letsencrypt.org/directory"
`)
	t.Setenv(FileEnv, path)
	t.Setenv("MAILPANEL_LISTEN_ADDR", "10.0.0.2:8080")

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:8080", cfg.ListenAddr, "environment wins over file")
	assert.Equal(t, time.Minute, cfg.ProvisionTimeout.Duration)
	assert.Equal(t, "mx.example.net", cfg.MailHost)
	assert.Equal(t, "mail:secret@tcp(db:3306)/mail", cfg.MailDB.DSN)
	assert.Equal(t, "mailserver", cfg.MailDB.Schema)
	assert.Equal(t, "mysql", cfg.MailDB.Driver, "unset file keys keep defaults")
	assert.Equal(t, BackendLego, cfg.ACME.Backend)
	assert.Equal(t, "/etc/letsencrypt/live", cfg.ACME.LiveDir)
}

func TestLoad_MissingFile(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "absent.toml"))

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_MalformedFile(t *testing.T) {
	isolateConfigEnv(t)
	t.Setenv(FileEnv, writeFile(t, `listen_addr = `))

	_, err := Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{name: "bad duration", key: "MAILPANEL_COMMAND_TIMEOUT", value: "soon", wantErr: "parse environment"},
		{name: "zero duration", key: "MAILPANEL_PROVISION_TIMEOUT", value: "0s", wantErr: "PROVISION_TIMEOUT must be positive"},
		{name: "short secret", key: "MAILPANEL_AUTH_SECRET", value: "short", wantErr: "AUTH_SECRET"},
		{name: "bad address", key: "MAILPANEL_PUBLIC_IPS", value: "203.0.113.5,not-an-ip", wantErr: "PUBLIC_IPS"},
		{name: "bad driver", key: "MAILPANEL_MAILDB_DRIVER", value: "sqlite", wantErr: "MAILDB_DRIVER"},
		{name: "bad backend", key: "MAILPANEL_ACME_BACKEND", value: "acme.sh", wantErr: "ACME_BACKEND"},
		{name: "bad log level", key: "MAILPANEL_LOG_LEVEL", value: "chatty", wantErr: "LOG_LEVEL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateConfigEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "debug"

	level, err := cfg.SlogLevel()

	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}
