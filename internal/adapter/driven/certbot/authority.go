// Package certbot implements the certificate authority port on top of the
// certbot command line client.
package certbot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CertificateAuthority = (*Authority)(nil)

const notFoundMarker = "No certificate found with name"

// Config locates certbot and its certificate store.
type Config struct {
	Path    string // certbot binary, default "certbot"
	LiveDir string // default "/etc/letsencrypt/live"
	// Webroot switches issuance from --standalone to --webroot when set.
	Webroot string
}

// Authority drives certbot through a CommandRunner.
type Authority struct {
	runner driven.CommandRunner
	cfg    Config
}

// New creates an Authority, filling in defaults for empty config fields.
func New(runner driven.CommandRunner, cfg Config) *Authority {
	if cfg.Path == "" {
		cfg.Path = "certbot"
	}
	if cfg.LiveDir == "" {
		cfg.LiveDir = "/etc/letsencrypt/live"
	}
	return &Authority{runner: runner, cfg: cfg}
}

// Issue runs "certbot certonly" for all domains at once. The certificate is
// named after the first domain.
func (a *Authority) Issue(ctx context.Context, domains []string, email string) error {
	if len(domains) == 0 {
		return errors.New("certbot issue: no domains")
	}

	args := []string{"certonly"}
	if a.cfg.Webroot != "" {
		args = append(args, "--webroot", "-w", a.cfg.Webroot)
	} else {
		args = append(args, "--standalone")
	}
	args = append(args, "--cert-name", domains[0])
	for _, d := range domains {
		args = append(args, "-d", d)
	}
	args = append(args, "--email", email, "--agree-tos", "--non-interactive")

	if _, err := a.runner.Run(ctx, driven.Command{Name: a.cfg.Path, Args: args}); err != nil {
		return fmt.Errorf("certbot issue %s: %w", domains[0], err)
	}
	return nil
}

// Delete runs "certbot delete" for the named certificate.
func (a *Authority) Delete(ctx context.Context, name string) error {
	args := []string{"delete", "--cert-name", name, "--non-interactive"}

	_, err := a.runner.Run(ctx, driven.Command{Name: a.cfg.Path, Args: args})
	if err == nil {
		return nil
	}

	var perr *driven.ProcessError
	if errors.As(err, &perr) && strings.Contains(perr.Stderr, notFoundMarker) {
		return fmt.Errorf("certbot delete %s: %w", name, driven.ErrCertificateNotFound)
	}
	return fmt.Errorf("certbot delete %s: %w", name, err)
}

// List runs "certbot certificates" and parses its report.
func (a *Authority) List(ctx context.Context) ([]model.CertificateInfo, error) {
	out, err := a.runner.Run(ctx, driven.Command{Name: a.cfg.Path, Args: []string{"certificates"}})
	if err != nil {
		return nil, fmt.Errorf("certbot list: %w", err)
	}
	return ParseCertificates(bytes.NewReader(out))
}

// Paths returns certbot's live symlinks for the named certificate.
func (a *Authority) Paths(name string) (string, string) {
	dir := filepath.Join(a.cfg.LiveDir, name)
	return filepath.Join(dir, "fullchain.pem"), filepath.Join(dir, "privkey.pem")
}
