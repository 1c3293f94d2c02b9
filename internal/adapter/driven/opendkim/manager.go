// Package opendkim provisions per-domain DKIM keys for the OpenDKIM signer.
package opendkim

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/confpatch"
	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.DKIMManager = (*Manager)(nil)

// Config locates the OpenDKIM tables, key store and tooling.
type Config struct {
	Selector     string
	KeysDir      string
	KeyTable     string
	SigningTable string
	TrustedHosts string
	GenKeyPath   string
	Owner        string // user:group owning private keys
	Service      string
}

// DefaultConfig returns the Debian layout.
func DefaultConfig() Config {
	return Config{
		Selector:     "mail",
		KeysDir:      "/etc/opendkim/keys",
		KeyTable:     "/etc/opendkim/key.table",
		SigningTable: "/etc/opendkim/signing.table",
		TrustedHosts: "/etc/opendkim/trusted.hosts",
		GenKeyPath:   "opendkim-genkey",
		Owner:        "opendkim:opendkim",
		Service:      "opendkim",
	}
}

// Manager implements driven.DKIMManager.
type Manager struct {
	cfg      Config
	runner   driven.CommandRunner
	services driven.ServiceController
	patcher  *confpatch.Patcher
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(
	cfg Config,
	runner driven.CommandRunner,
	services driven.ServiceController,
	patcher *confpatch.Patcher,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, runner: runner, services: services, patcher: patcher, logger: logger}
}

// AddDomain generates a key pair for domain, registers it in the key, signing
// and trusted host tables and restarts the signer. Entries are appended, so
// the caller must not add the same domain twice.
func (m *Manager) AddDomain(ctx context.Context, domain string) (*model.DNSRecord, error) {
	if err := checkDomain(domain); err != nil {
		return nil, err
	}

	keyDir := m.keyDir(domain)
	if err := os.MkdirAll(keyDir, 0o750); err != nil {
		return nil, fmt.Errorf("create key dir for %s: %w", domain, err)
	}

	record := m.recordName(domain)
	keyPath := filepath.Join(keyDir, m.cfg.Selector+".private")

	if err := m.patcher.EditTable(m.cfg.KeyTable, func(t *confpatch.Table) error {
		t.Add(record, domain+":"+m.cfg.Selector+":"+keyPath)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("update key table: %w", err)
	}

	if err := m.patcher.EditTable(m.cfg.SigningTable, func(t *confpatch.Table) error {
		t.Add(domain, record)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("update signing table: %w", err)
	}

	genkey := driven.Command{
		Name: m.cfg.GenKeyPath,
		Args: []string{"-s", m.cfg.Selector, "-d", domain},
		Dir:  keyDir,
	}
	if _, err := m.runner.Run(ctx, genkey); err != nil {
		return nil, fmt.Errorf("generate dkim key for %s: %w", domain, err)
	}

	if m.cfg.Owner != "" {
		chown := driven.Command{Name: "chown", Args: []string{m.cfg.Owner, keyPath}}
		if _, err := m.runner.Run(ctx, chown); err != nil {
			return nil, fmt.Errorf("chown dkim key for %s: %w", domain, err)
		}
	}

	if err := m.patcher.EditTable(m.cfg.TrustedHosts, func(t *confpatch.Table) error {
		t.Add(domain)
		t.Add("*." + domain)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("update trusted hosts: %w", err)
	}

	if err := m.services.Restart(ctx, m.cfg.Service); err != nil {
		return nil, err
	}

	m.logger.Info("dkim key provisioned", "domain", domain, "selector", m.cfg.Selector)

	return m.Record(ctx, domain)
}

// RemoveDomain deletes the domain's key directory and every table entry that
// names the domain, then restarts the signer. Absent entries are ignored.
func (m *Manager) RemoveDomain(ctx context.Context, domain string) error {
	if err := checkDomain(domain); err != nil {
		return err
	}

	if err := os.RemoveAll(m.keyDir(domain)); err != nil {
		return fmt.Errorf("remove key dir for %s: %w", domain, err)
	}

	record := m.recordName(domain)

	if _, err := m.patcher.PruneTable(m.cfg.KeyTable, func(e confpatch.Entry) bool {
		if e.Key == record {
			return true
		}
		if len(e.Fields) == 0 {
			return false
		}
		owner, _, _ := strings.Cut(e.Fields[0], ":")
		return owner == domain
	}); err != nil {
		return fmt.Errorf("prune key table: %w", err)
	}

	if _, err := m.patcher.PruneTable(m.cfg.SigningTable, func(e confpatch.Entry) bool {
		return e.Key == domain || e.Key == "*@"+domain
	}); err != nil {
		return fmt.Errorf("prune signing table: %w", err)
	}

	if _, err := m.patcher.PruneTable(m.cfg.TrustedHosts, func(e confpatch.Entry) bool {
		return e.Key == domain || e.Key == "*."+domain
	}); err != nil {
		return fmt.Errorf("prune trusted hosts: %w", err)
	}

	if err := m.services.Restart(ctx, m.cfg.Service); err != nil {
		return err
	}

	m.logger.Info("dkim key removed", "domain", domain)
	return nil
}

// Record reads the public key record written by opendkim-genkey.
func (m *Manager) Record(_ context.Context, domain string) (*model.DNSRecord, error) {
	if err := checkDomain(domain); err != nil {
		return nil, err
	}

	path := filepath.Join(m.keyDir(domain), m.cfg.Selector+".txt")
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("dkim record for %s: %w", domain, driven.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read dkim record for %s: %w", domain, err)
	}

	value, err := parseGenkeyTXT(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	rec := model.NewRecord(m.recordName(domain), model.RecordTXT, value)
	return &rec, nil
}

func (m *Manager) keyDir(domain string) string {
	return filepath.Join(m.cfg.KeysDir, domain)
}

func (m *Manager) recordName(domain string) string {
	return m.cfg.Selector + "._domainkey." + domain
}

var quotedSegment = regexp.MustCompile(`"([^"]*)"`)

// parseGenkeyTXT joins the quoted character-strings of the zone file snippet
// opendkim-genkey writes next to the private key.
func parseGenkeyTXT(data []byte) (string, error) {
	text := string(data)
	if open := strings.IndexByte(text, '('); open >= 0 {
		if end := strings.IndexByte(text[open:], ')'); end >= 0 {
			text = text[open : open+end]
		}
	}

	var b strings.Builder
	for _, m := range quotedSegment.FindAllStringSubmatch(text, -1) {
		b.WriteString(m[1])
	}

	if b.Len() == 0 {
		return "", errors.New("no txt data")
	}
	return b.String(), nil
}

func checkDomain(domain string) error {
	if domain == "" || strings.ContainsAny(domain, "/\\ \t\n") || strings.HasPrefix(domain, ".") {
		return fmt.Errorf("invalid domain %q", domain)
	}
	return nil
}
