// Package dovecot binds certificates into Dovecot and hashes mailbox
// credentials with doveadm.
package dovecot

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/confpatch"
	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.DeliveryAgent  = (*Adapter)(nil)
	_ driven.PasswordHasher = (*Adapter)(nil)
)

// Config locates Dovecot's configuration and tooling.
type Config struct {
	// SNIConf holds one local_name block per bound domain.
	SNIConf     string
	ConfDir     string
	DoveadmPath string
	Scheme      string
	Service     string
}

// DefaultConfig returns the Debian layout.
func DefaultConfig() Config {
	return Config{
		SNIConf:     "/etc/dovecot/conf.d/99-mailpanel-sni.conf",
		ConfDir:     "/etc/dovecot",
		DoveadmPath: "doveadm",
		Scheme:      "SHA512-CRYPT",
		Service:     "dovecot",
	}
}

// Adapter implements driven.DeliveryAgent and driven.PasswordHasher.
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

// AddCertificateBinding writes a local_name block for each domain pointing at
// the certificate's files and reloads Dovecot. Every domain must be covered by
// ssl. An existing block for a domain is replaced.
func (a *Adapter) AddCertificateBinding(ctx context.Context, domains []string, ssl model.SSL) error {
	for _, d := range domains {
		if !ssl.Covers(d) {
			return fmt.Errorf("bind %s to certificate %s: %w", d, ssl.CanonicalName(), driven.ErrBinding)
		}
	}

	var blocks []string
	for _, d := range domains {
		if _, err := a.patcher.RemoveBlock(a.cfg.SNIConf, isBlockFor(d)); err != nil {
			return fmt.Errorf("remove previous binding for %s: %w", d, err)
		}
		blocks = append(blocks, renderBlock(d, ssl.CertificatePath, ssl.KeyPath))
	}

	if err := a.patcher.Append(a.cfg.SNIConf, strings.Join(blocks, "\n")); err != nil {
		return fmt.Errorf("write dovecot bindings: %w", err)
	}

	if err := a.services.Reload(ctx, a.cfg.Service); err != nil {
		return err
	}

	a.logger.Info("dovecot certificate bound", "domains", domains, "certificate", ssl.CanonicalName())
	return nil
}

// RemoveCertificateBinding deletes the local_name block of each domain and
// reloads Dovecot if anything was removed.
func (a *Adapter) RemoveCertificateBinding(ctx context.Context, domains []string) error {
	removed := 0
	for _, d := range domains {
		n, err := a.patcher.RemoveBlock(a.cfg.SNIConf, isBlockFor(d))
		if err != nil {
			return fmt.Errorf("remove binding for %s: %w", d, err)
		}
		removed += n
	}

	if removed == 0 {
		return nil
	}

	if err := a.services.Reload(ctx, a.cfg.Service); err != nil {
		return err
	}

	a.logger.Info("dovecot certificate unbound", "domains", domains)
	return nil
}

var schemePrefix = regexp.MustCompile(`^\{[A-Za-z0-9._-]+\}`)

// Hash runs "doveadm pw" and returns the hash without its {SCHEME} prefix.
func (a *Adapter) Hash(ctx context.Context, password string) (string, error) {
	out, err := a.runner.Run(ctx, driven.Command{
		Name: a.cfg.DoveadmPath,
		Args: []string{"pw", "-s", a.cfg.Scheme, "-p", password},
	})
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	hash := schemePrefix.ReplaceAllString(strings.TrimSpace(string(out)), "")
	if hash == "" {
		return "", fmt.Errorf("hash password: empty output from %s", a.cfg.DoveadmPath)
	}
	return hash, nil
}

func blockOpener(domain string) string {
	return "local_name " + domain + " {"
}

func isBlockFor(domain string) func(string) bool {
	opener := blockOpener(domain)
	return func(line string) bool {
		return strings.TrimSpace(line) == opener
	}
}

func renderBlock(domain, certPath, keyPath string) string {
	return strings.Join([]string{
		blockOpener(domain),
		"  ssl_cert = <" + certPath,
		"  ssl_key = <" + keyPath,
		"}",
	}, "\n")
}
