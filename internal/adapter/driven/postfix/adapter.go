// Package postfix binds per-domain certificates into Postfix through its SNI
// lookup table.
package postfix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/confpatch"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.TransferAgent = (*Adapter)(nil)

// Config locates the SNI map, combined chain files and tooling.
type Config struct {
	SNIMap      string
	ChainsDir   string
	PostmapPath string
	Service     string
}

// DefaultConfig returns the Debian layout.
func DefaultConfig() Config {
	return Config{
		SNIMap:      "/etc/postfix/sni_map",
		ChainsDir:   "/etc/postfix/sni-chains",
		PostmapPath: "postmap",
		Service:     "postfix",
	}
}

// Adapter implements driven.TransferAgent.
type Adapter struct {
	cfg      Config
	runner   driven.CommandRunner
	services driven.ServiceController
	patcher  *confpatch.Patcher
	logger   *slog.Logger
}

// NewAdapter creates an Adapter.
func NewAdapter(
	cfg Config,
	runner driven.CommandRunner,
	services driven.ServiceController,
	patcher *confpatch.Patcher,
	logger *slog.Logger,
) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{cfg: cfg, runner: runner, services: services, patcher: patcher, logger: logger}
}

// AddCertificateBinding writes the key followed by the full chain to one file,
// maps domain to it in the SNI table, rebuilds the table and reloads Postfix.
func (a *Adapter) AddCertificateBinding(ctx context.Context, domain, certPath, keyPath string) error {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("read key for %s: %w", domain, err)
	}
	chain, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("read certificate for %s: %w", domain, err)
	}

	if err := os.MkdirAll(a.cfg.ChainsDir, 0o750); err != nil {
		return fmt.Errorf("create chains dir: %w", err)
	}

	combined := make([]byte, 0, len(key)+len(chain)+1)
	combined = append(combined, key...)
	if !bytes.HasSuffix(combined, []byte("\n")) {
		combined = append(combined, '\n')
	}
	combined = append(combined, chain...)

	chainPath := a.chainPath(domain)
	if err := os.WriteFile(chainPath, combined, 0o600); err != nil {
		return fmt.Errorf("write chain for %s: %w", domain, err)
	}

	if err := a.patcher.EditTable(a.cfg.SNIMap, func(t *confpatch.Table) error {
		t.Set(domain, chainPath)
		return nil
	}); err != nil {
		return fmt.Errorf("update sni map: %w", err)
	}

	if err := a.rebuild(ctx); err != nil {
		return err
	}

	a.logger.Info("postfix certificate bound", "domain", domain, "chain", chainPath)
	return nil
}

// RemoveCertificateBinding drops the domain's SNI entry and chain file. The
// table is rebuilt only if an entry was removed.
func (a *Adapter) RemoveCertificateBinding(ctx context.Context, domain string) error {
	removed, err := a.patcher.PruneTable(a.cfg.SNIMap, func(e confpatch.Entry) bool {
		return e.Key == domain
	})
	if err != nil {
		return fmt.Errorf("update sni map: %w", err)
	}

	if err := os.Remove(a.chainPath(domain)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove chain for %s: %w", domain, err)
	}

	if removed == 0 {
		return nil
	}

	if err := a.rebuild(ctx); err != nil {
		return err
	}

	a.logger.Info("postfix certificate unbound", "domain", domain)
	return nil
}

func (a *Adapter) rebuild(ctx context.Context) error {
	postmap := driven.Command{Name: a.cfg.PostmapPath, Args: []string{"-F", "hash:" + a.cfg.SNIMap}}
	if _, err := a.runner.Run(ctx, postmap); err != nil {
		return fmt.Errorf("rebuild sni map: %w", err)
	}
	return a.services.Reload(ctx, a.cfg.Service)
}

func (a *Adapter) chainPath(domain string) string {
	return filepath.Join(a.cfg.ChainsDir, domain+".pem")
}
