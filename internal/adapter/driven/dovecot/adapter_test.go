package dovecot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/confpatch"
	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

type fakeRunner struct {
	commands []driven.Command
	out      []byte
	err      error
}

func (f *fakeRunner) Run(_ context.Context, cmd driven.Command) ([]byte, error) {
	f.commands = append(f.commands, cmd)
	return f.out, f.err
}

type fakeServices struct {
	reloads  []string
	restarts []string
}

func (f *fakeServices) Reload(_ context.Context, unit string) error {
	f.reloads = append(f.reloads, unit)
	return nil
}

func (f *fakeServices) Restart(_ context.Context, unit string) error {
	f.restarts = append(f.restarts, unit)
	return nil
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeRunner, *fakeServices, Config) {
	t.Helper()

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ConfDir = dir
	cfg.SNIConf = filepath.Join(dir, "conf.d", "99-mailpanel-sni.conf")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "conf.d"), 0o755))

	runner := &fakeRunner{}
	services := &fakeServices{}
	return NewAdapter(cfg, runner, services, confpatch.New(), nil), runner, services, cfg
}

func testSSL(names ...string) model.SSL {
	ssl := model.SSL{
		CertificatePath: "/etc/letsencrypt/live/" + names[0] + "/fullchain.pem",
		KeyPath:         "/etc/letsencrypt/live/" + names[0] + "/privkey.pem",
	}
	for _, n := range names {
		ssl.Domains = append(ssl.Domains, model.Domain{Name: n})
	}
	return ssl
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestAdapter_AddCertificateBinding(t *testing.T) {
	a, _, services, cfg := newTestAdapter(t)

	err := a.AddCertificateBinding(context.Background(), []string{"example.com", "www.example.com"}, testSSL("example.com", "www.example.com"))
	require.NoError(t, err)

	want := strings.Join([]string{
		"local_name example.com {",
		"  ssl_cert = </etc/letsencrypt/live/example.com/fullchain.pem",
		"  ssl_key = </etc/letsencrypt/live/example.com/privkey.pem",
		"}",
		"local_name www.example.com {",
		"  ssl_cert = </etc/letsencrypt/live/example.com/fullchain.pem",
		"  ssl_key = </etc/letsencrypt/live/example.com/privkey.pem",
		"}",
	}, "\n") + "\n"
	assert.Equal(t, want, readFile(t, cfg.SNIConf))
	assert.Equal(t, []string{"dovecot"}, services.reloads)
}

func TestAdapter_AddCertificateBinding_NotCovered(t *testing.T) {
	a, _, services, cfg := newTestAdapter(t)

	err := a.AddCertificateBinding(context.Background(), []string{"example.com", "example.org"}, testSSL("example.com"))
	assert.ErrorIs(t, err, driven.ErrBinding)

	_, statErr := os.Stat(cfg.SNIConf)
	assert.True(t, os.IsNotExist(statErr), "nothing written on binding error")
	assert.Empty(t, services.reloads)
}

func TestAdapter_AddCertificateBinding_ReplacesExistingBlock(t *testing.T) {
	a, _, _, cfg := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.AddCertificateBinding(ctx, []string{"example.com"}, testSSL("example.com")))
	require.NoError(t, a.AddCertificateBinding(ctx, []string{"example.com"}, testSSL("example.com")))

	assert.Equal(t, 1, strings.Count(readFile(t, cfg.SNIConf), "local_name example.com {"))
}

func TestAdapter_RemoveCertificateBinding(t *testing.T) {
	a, _, services, cfg := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.AddCertificateBinding(ctx, []string{"example.com"}, testSSL("example.com")))
	require.NoError(t, a.AddCertificateBinding(ctx, []string{"mail.example.com"}, testSSL("mail.example.com")))

	require.NoError(t, a.RemoveCertificateBinding(ctx, []string{"example.com"}))

	got := readFile(t, cfg.SNIConf)
	assert.NotContains(t, got, "local_name example.com {")
	assert.Contains(t, got, "local_name mail.example.com {")
	assert.Len(t, services.reloads, 3)

	require.NoError(t, a.RemoveCertificateBinding(ctx, []string{"example.com"}))
	assert.Len(t, services.reloads, 3, "no reload when nothing was removed")
}

func TestAdapter_RemoveCertificateBinding_MissingFile(t *testing.T) {
	a, _, services, _ := newTestAdapter(t)

	require.NoError(t, a.RemoveCertificateBinding(context.Background(), []string{"example.com"}))
	assert.Empty(t, services.reloads)
}

func TestAdapter_Hash(t *testing.T) {
	a, runner, _, _ := newTestAdapter(t)
	runner.out = []byte("{SHA512-CRYPT}$6$salt$hash\n")

	hash, err := a.Hash(context.Background(), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "$6$salt$hash", hash)
	assert.Equal(t, []string{"pw", "-s", "SHA512-CRYPT", "-p", "s3cret"}, runner.commands[0].Args)
}

func TestAdapter_Hash_Failure(t *testing.T) {
	a, runner, _, _ := newTestAdapter(t)
	runner.err = &driven.ProcessError{Command: "doveadm", ExitCode: 75}

	_, err := a.Hash(context.Background(), "s3cret")
	var perr *driven.ProcessError
	assert.True(t, errors.As(err, &perr))
}
