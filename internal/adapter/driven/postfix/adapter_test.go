package postfix

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/confpatch"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

type fakeRunner struct {
	commands []driven.Command
	err      error
}

func (f *fakeRunner) Run(_ context.Context, cmd driven.Command) ([]byte, error) {
	f.commands = append(f.commands, cmd)
	return nil, f.err
}

type fakeServices struct {
	reloads []string
}

func (f *fakeServices) Reload(_ context.Context, unit string) error {
	f.reloads = append(f.reloads, unit)
	return nil
}

func (f *fakeServices) Restart(context.Context, string) error { return nil }

type fixture struct {
	adapter  *Adapter
	runner   *fakeRunner
	services *fakeServices
	cfg      Config
	certPath string
	keyPath  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.SNIMap = filepath.Join(dir, "sni_map")
	cfg.ChainsDir = filepath.Join(dir, "sni-chains")

	certPath := filepath.Join(dir, "fullchain.pem")
	keyPath := filepath.Join(dir, "privkey.pem")
	require.NoError(t, os.WriteFile(certPath, []byte("CERT\nCHAIN\n"), 0o644))
	require.NoError(t, os.WriteFile(keyPath, []byte("KEY"), 0o600))

	runner := &fakeRunner{}
	services := &fakeServices{}
	return fixture{
		adapter:  NewAdapter(cfg, runner, services, confpatch.New(), nil),
		runner:   runner,
		services: services,
		cfg:      cfg,
		certPath: certPath,
		keyPath:  keyPath,
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestAdapter_AddCertificateBinding(t *testing.T) {
	f := newFixture(t)

	err := f.adapter.AddCertificateBinding(context.Background(), "example.com", f.certPath, f.keyPath)
	require.NoError(t, err)

	chainPath := filepath.Join(f.cfg.ChainsDir, "example.com.pem")
	assert.Equal(t, "KEY\nCERT\nCHAIN\n", readFile(t, chainPath))

	info, err := os.Stat(chainPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.Equal(t, "example.com "+chainPath+"\n", readFile(t, f.cfg.SNIMap))

	require.Len(t, f.runner.commands, 1)
	assert.Equal(t, driven.Command{Name: "postmap", Args: []string{"-F", "hash:" + f.cfg.SNIMap}}, f.runner.commands[0])
	assert.Equal(t, []string{"postfix"}, f.services.reloads)
}

func TestAdapter_AddCertificateBinding_ReplacesEntry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.SNIMap, []byte("example.com /old.pem\nexample.com.au /au.pem\n"), 0o644))

	require.NoError(t, f.adapter.AddCertificateBinding(context.Background(), "example.com", f.certPath, f.keyPath))

	chainPath := filepath.Join(f.cfg.ChainsDir, "example.com.pem")
	assert.Equal(t, "example.com "+chainPath+"\nexample.com.au /au.pem\n", readFile(t, f.cfg.SNIMap))
}

func TestAdapter_AddCertificateBinding_MissingKey(t *testing.T) {
	f := newFixture(t)

	err := f.adapter.AddCertificateBinding(context.Background(), "example.com", f.certPath, "/nonexistent/key.pem")
	assert.Error(t, err)
	assert.Empty(t, f.runner.commands)
}

func TestAdapter_RemoveCertificateBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.adapter.AddCertificateBinding(ctx, "example.com", f.certPath, f.keyPath))
	require.NoError(t, f.adapter.RemoveCertificateBinding(ctx, "example.com"))

	assert.Equal(t, "", readFile(t, f.cfg.SNIMap))
	_, err := os.Stat(filepath.Join(f.cfg.ChainsDir, "example.com.pem"))
	assert.True(t, os.IsNotExist(err))
	assert.Len(t, f.services.reloads, 2)

	require.NoError(t, f.adapter.RemoveCertificateBinding(ctx, "example.com"), "second removal is a no-op")
	assert.Len(t, f.services.reloads, 2)
}
