package dovecot

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/confpatch"
)

// TLSSetup is the host-wide TLS configuration applied once per host.
type TLSSetup struct {
	CertPath string
	KeyPath  string
	// Protocols overrides the "protocols" setting, "imap pop3 lmtp" by default.
	Protocols string
}

var (
	protocolsLine     = regexp.MustCompile(`^#?\s*protocols\s*=`)
	sslLine           = regexp.MustCompile(`^#?\s*ssl\s*=.*$`)
	sslCertLine       = regexp.MustCompile(`^#?\s*ssl_cert\s*=.*$`)
	sslKeyLine        = regexp.MustCompile(`^#?\s*ssl_key\s*=.*$`)
	plaintextAuth     = regexp.MustCompile(`^#?\s*disable_plaintext_auth\s*=.*$`)
	sqlAuthInclude    = regexp.MustCompile(`^#\s*!include auth-sql\.conf\.ext`)
	systemAuthInclude = regexp.MustCompile(`^\s*!include auth-system\.conf\.ext`)
	listenerPort      = regexp.MustCompile(`^(\s*)#?\s*port\s*=.*$`)
	serviceEnd        = regexp.MustCompile(`^\}`)
	listenerEnd       = regexp.MustCompile(`^\s*\}`)
)

type listener struct {
	service string
	name    string
	port    string
}

// Plaintext listeners are disabled with port 0; TLS listeners get their
// standard ports.
var listeners = []listener{
	{service: "imap-login", name: "imap", port: "0"},
	{service: "imap-login", name: "imaps", port: "993"},
	{service: "pop3-login", name: "pop3", port: "0"},
	{service: "pop3-login", name: "pop3s", port: "995"},
}

// ApplyTLSSetup edits the stock Dovecot configuration for TLS-only access and
// SQL authentication, then restarts Dovecot. The edits are one logical step;
// a failure part way leaves earlier edits in place.
func (a *Adapter) ApplyTLSSetup(ctx context.Context, setup TLSSetup) error {
	protocols := setup.Protocols
	if protocols == "" {
		protocols = "imap pop3 lmtp"
	}

	mainConf := filepath.Join(a.cfg.ConfDir, "dovecot.conf")
	n, err := a.patcher.FindLine(mainConf, protocolsLine)
	if err != nil {
		return err
	}
	if n > 0 {
		err = a.patcher.ReplaceLine(mainConf, n, "protocols = "+protocols)
	} else {
		err = a.patcher.InsertAfter(mainConf, 0, "protocols = "+protocols)
	}
	if err != nil {
		return fmt.Errorf("set protocols: %w", err)
	}

	sslConf := filepath.Join(a.cfg.ConfDir, "conf.d", "10-ssl.conf")
	for _, edit := range []struct {
		re   *regexp.Regexp
		repl string
	}{
		{sslLine, "ssl = required"},
		{sslCertLine, "ssl_cert = <" + setup.CertPath},
		{sslKeyLine, "ssl_key = <" + setup.KeyPath},
	} {
		if err := a.ensureSetting(sslConf, edit.re, edit.repl); err != nil {
			return err
		}
	}

	master := filepath.Join(a.cfg.ConfDir, "conf.d", "10-master.conf")
	for _, l := range listeners {
		sections := []confpatch.Section{
			{Start: regexp.MustCompile(`^service ` + regexp.QuoteMeta(l.service) + ` \{`), End: serviceEnd},
			{Start: regexp.MustCompile(`^\s*inet_listener ` + regexp.QuoteMeta(l.name) + ` \{`), End: listenerEnd},
		}
		if _, err := a.patcher.ReplaceInSection(master, sections, listenerPort, "${1}port = "+l.port); err != nil {
			return fmt.Errorf("set %s listener port: %w", l.name, err)
		}
	}

	auth := filepath.Join(a.cfg.ConfDir, "conf.d", "10-auth.conf")
	if err := a.ensureSetting(auth, plaintextAuth, "disable_plaintext_auth = yes"); err != nil {
		return err
	}
	if err := a.toggleLine(auth, systemAuthInclude, true); err != nil {
		return err
	}
	if err := a.toggleLine(auth, sqlAuthInclude, false); err != nil {
		return err
	}

	return a.services.Restart(ctx, a.cfg.Service)
}

// ensureSetting replaces the first line matching re, appending repl when the
// setting is absent.
func (a *Adapter) ensureSetting(path string, re *regexp.Regexp, repl string) error {
	matched, err := a.patcher.ReplaceFirst(path, re, repl)
	if err != nil {
		return fmt.Errorf("set %q in %s: %w", repl, path, err)
	}
	if matched {
		return nil
	}
	return a.patcher.Append(path, repl)
}

func (a *Adapter) toggleLine(path string, re *regexp.Regexp, comment bool) error {
	n, err := a.patcher.FindLine(path, re)
	if err != nil || n == 0 {
		return err
	}
	if comment {
		return a.patcher.Comment(path, n, "#")
	}
	return a.patcher.Uncomment(path, n, "#")
}
