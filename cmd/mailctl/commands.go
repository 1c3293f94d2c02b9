package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/dovecot"
	httphandler "github.com/ericfisherdev/mailpanel/internal/adapter/driving/http"
	"github.com/ericfisherdev/mailpanel/internal/application"
	"github.com/ericfisherdev/mailpanel/internal/bootstrap"
	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// parseFlags parses args that carry no positional argument.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %w", errUsage, fs.Name(), err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: %s: unexpected argument %q", errUsage, fs.Name(), fs.Arg(0))
	}
	return nil
}

// parseTarget splits "<target> [flags]".
func parseTarget(fs *flag.FlagSet, args []string) (string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", fmt.Errorf("%w: %s needs an argument", errUsage, fs.Name())
	}
	return args[0], parseFlags(fs, args[1:])
}

func subcommand(group string, args []string) (string, []string, error) {
	if len(args) == 0 {
		return "", nil, fmt.Errorf("%w: %s needs a subcommand", errUsage, group)
	}
	return args[0], args[1:], nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

// --- users ---

func (c *cli) user(ctx context.Context, args []string) error {
	sub, rest, err := subcommand("user", args)
	if err != nil {
		return err
	}

	stores, err := c.openStores()
	if err != nil {
		return err
	}
	users := application.NewUserService(stores.Users)

	switch sub {
	case "add":
		fs := newFlagSet("user add")
		name := fs.String("name", "", "display name")
		email := fs.String("email", "", "contact email, also used for certificate registration")
		admin := fs.Bool("admin", false, "grant administrator access")
		if err := parseFlags(fs, rest); err != nil {
			return err
		}

		user, err := users.CreateUser(ctx, *name, *email, *admin)
		if err != nil {
			return err
		}
		fmt.Printf("Added user %s (%s)\n", user.ID, user.Email)
		return nil

	case "list":
		if err := parseFlags(newFlagSet("user list"), rest); err != nil {
			return err
		}
		list, err := users.ListUsers(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("no users")
			return nil
		}

		w := newTable()
		fmt.Fprintln(w, "ID\tNAME\tEMAIL\tADMIN\tCREATED")
		for _, u := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", u.ID, u.Name, u.Email, u.IsAdmin, u.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()

	default:
		return fmt.Errorf("%w: unknown user subcommand %q", errUsage, sub)
	}
}

// findUser resolves a user by ID, then by email.
func findUser(ctx context.Context, users driven.UserStore, ref string) (*model.User, error) {
	user, err := users.GetByID(ctx, ref)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, driven.ErrNotFound) {
		return nil, err
	}

	all, err := users.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if strings.EqualFold(all[i].Email, ref) {
			return &all[i], nil
		}
	}
	return nil, fmt.Errorf("user %q: %w", ref, driven.ErrNotFound)
}

func (c *cli) token(ctx context.Context, args []string) error {
	fs := newFlagSet("token")
	ttl := fs.Duration("ttl", c.cfg.TokenTTL.Duration, "token lifetime")
	ref, err := parseTarget(fs, args)
	if err != nil {
		return err
	}
	if !c.cfg.HasAuthSecret() {
		return errors.New("MAILPANEL_AUTH_SECRET is not set")
	}

	stores, err := c.openStores()
	if err != nil {
		return err
	}
	user, err := findUser(ctx, stores.Users, ref)
	if err != nil {
		return err
	}

	token, err := httphandler.MintToken([]byte(c.cfg.AuthSecret), user.ID, time.Now(), *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// --- domains ---

func (c *cli) domain(ctx context.Context, args []string) error {
	sub, rest, err := subcommand("domain", args)
	if err != nil {
		return err
	}

	switch sub {
	case "add":
		fs := newFlagSet("domain add")
		owner := fs.String("owner", "", "owning user ID or email")
		certificate := fs.Bool("certificate", false, "request a certificate")
		email := fs.Bool("email", false, "enable mail (requires --certificate)")
		dkim := fs.Bool("dkim", false, "generate a DKIM key (with --email)")
		name, err := parseTarget(fs, rest)
		if err != nil {
			return err
		}
		if *owner == "" {
			return fmt.Errorf("%w: domain add needs --owner", errUsage)
		}
		return c.addDomain(ctx, name, *owner, model.DomainOptions{
			RequestCertificate: *certificate,
			EnableEmail:        *email,
			Email:              &model.EmailConfig{DKIM: *dkim},
		})

	case "delete":
		name, err := parseTarget(newFlagSet("domain delete"), rest)
		if err != nil {
			return err
		}
		app, domain, err := c.lookupDomain(ctx, name)
		if err != nil {
			return err
		}
		if err := app.Provisioning.DeleteDomain(ctx, domain.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted domain %s\n", domain.Name)
		return nil

	case "records":
		fs := newFlagSet("domain records")
		verify := fs.Bool("verify", false, "check which records public DNS serves")
		name, err := parseTarget(fs, rest)
		if err != nil {
			return err
		}
		return c.domainRecords(ctx, name, *verify)

	default:
		return fmt.Errorf("%w: unknown domain subcommand %q", errUsage, sub)
	}
}

func (c *cli) addDomain(ctx context.Context, name, ownerRef string, opts model.DomainOptions) error {
	app, err := c.openApp(ctx)
	if err != nil {
		return err
	}
	owner, err := findUser(ctx, app.Stores.Users, ownerRef)
	if err != nil {
		return err
	}

	result, err := app.Provisioning.AddDomain(ctx, name, owner.ID, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Provisioned %s (%s)\n", result.Domain.Name, result.Domain.ID)
	if result.SSL != nil {
		fmt.Printf("Certificate %s expires %s\n", result.SSL.ID, result.SSL.ExpiresAt.Format(time.DateOnly))
	}
	printRecords(os.Stdout, result.Records)
	return nil
}

func (c *cli) lookupDomain(ctx context.Context, name string) (*bootstrap.App, *model.Domain, error) {
	name, err := application.NormalizeDomainName(name)
	if err != nil {
		return nil, nil, err
	}
	app, err := c.openApp(ctx)
	if err != nil {
		return nil, nil, err
	}
	domain, err := app.Stores.Domains.GetByName(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	return app, domain, nil
}

func (c *cli) domainRecords(ctx context.Context, name string, verify bool) error {
	app, domain, err := c.lookupDomain(ctx, name)
	if err != nil {
		return err
	}

	if !verify {
		records, err := app.Mail.Records(ctx, *domain)
		if err != nil {
			return err
		}
		printRecords(os.Stdout, records)
		return nil
	}

	checks, err := app.Provisioning.VerifyDomainRecords(ctx, domain.OwnerID, domain.ID)
	if err != nil {
		return err
	}
	w := newTable()
	fmt.Fprintln(w, "PUBLISHED\tRECORD\tFOUND")
	missing := 0
	for _, check := range checks {
		if !check.Published {
			missing++
		}
		fmt.Fprintf(w, "%t\t%s\t%s\n", check.Published, check.Record, strings.Join(check.Found, " | "))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if missing > 0 {
		return fmt.Errorf("%d of %d records not published", missing, len(checks))
	}
	return nil
}

func printRecords(w io.Writer, records []model.DNSRecord) {
	if len(records) == 0 {
		return
	}
	fmt.Fprintln(w, "Publish these DNS records:")
	for _, r := range records {
		fmt.Fprintf(w, "  %s\n", r)
	}
}

// --- mailboxes ---

func (c *cli) mailbox(ctx context.Context, args []string) error {
	sub, rest, err := subcommand("mailbox", args)
	if err != nil {
		return err
	}

	address, err := parseTarget(newFlagSet("mailbox "+sub), rest)
	if err != nil {
		return err
	}
	username, domainName, ok := strings.Cut(address, "@")
	if !ok || username == "" || domainName == "" {
		return fmt.Errorf("invalid address %q: expected user@domain", address)
	}

	switch sub {
	case "add":
		password, err := promptPassword("Password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("Confirm password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return errors.New("passwords do not match")
		}

		app, domain, err := c.lookupDomain(ctx, domainName)
		if err != nil {
			return err
		}
		mailbox, err := app.Provisioning.CreateMailbox(ctx, domain.OwnerID, domain.ID, username, password)
		if err != nil {
			return err
		}
		fmt.Printf("Added mailbox %s\n", mailbox.Address())
		return nil

	case "delete":
		app, domain, err := c.lookupDomain(ctx, domainName)
		if err != nil {
			return err
		}
		mailboxes, err := app.Stores.Mailboxes.ListByDomain(ctx, domain.ID)
		if err != nil {
			return err
		}
		for _, m := range mailboxes {
			if strings.EqualFold(m.Username, username) {
				if err := app.Provisioning.DeleteMailbox(ctx, domain.OwnerID, m.ID); err != nil {
					return err
				}
				fmt.Printf("Deleted mailbox %s\n", m.Address())
				return nil
			}
		}
		return fmt.Errorf("mailbox %s: %w", address, driven.ErrNotFound)

	default:
		return fmt.Errorf("%w: unknown mailbox subcommand %q", errUsage, sub)
	}
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}

// --- certificates ---

func (c *cli) certs(ctx context.Context, args []string) error {
	sub, rest, err := subcommand("certs", args)
	if err != nil {
		return err
	}

	fs := newFlagSet("certs " + sub)
	authorityOnly := fs.String("authority-only", string(application.ActionNone), "action for certificates only the authority has")
	storeOnly := fs.String("store-only", string(application.ActionNone), "action for certificates only the store has")
	if err := parseFlags(fs, rest); err != nil {
		return err
	}

	app, err := c.openApp(ctx)
	if err != nil {
		return err
	}

	switch sub {
	case "list":
		certs, err := app.Certificates.ListCertificates(ctx)
		if err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "NAME\tDOMAINS\tEXPIRES\tSERIAL")
		for _, cert := range certs {
			expires := cert.Expiry
			if !cert.ExpiresAt.IsZero() {
				expires = cert.ExpiresAt.Format(time.DateOnly)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cert.Name, strings.Join(cert.Domains, ","), expires, cert.Serial)
		}
		return w.Flush()

	case "verify":
		if err := app.Certificates.VerifySynchronization(ctx); err != nil {
			return err
		}
		fmt.Println("certificates in sync")
		return nil

	case "repair":
		result, err := app.Certificates.Repair(ctx, application.RepairPolicy{
			AuthorityOnly: application.RepairAction(*authorityOnly),
			StoreOnly:     application.RepairAction(*storeOnly),
		})
		if err != nil {
			return err
		}
		w := newTable()
		fmt.Fprintln(w, "DOMAIN\tACTION\tRESULT")
		for _, o := range result.Outcomes {
			status := "ok"
			if o.Err != nil {
				status = o.Err.Error()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", o.Domain, o.Action, status)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if n := result.Failed(); n > 0 {
			return fmt.Errorf("%d repairs failed", n)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown certs subcommand %q", errUsage, sub)
	}
}

// --- host setup ---

func (c *cli) setup(ctx context.Context, args []string) error {
	sub, rest, err := subcommand("setup", args)
	if err != nil {
		return err
	}
	if sub != "dovecot" {
		return fmt.Errorf("%w: unknown setup target %q", errUsage, sub)
	}

	fs := newFlagSet("setup dovecot")
	cert := fs.String("cert", "", "host certificate chain")
	key := fs.String("key", "", "host private key")
	protocols := fs.String("protocols", "", `protocols setting, "imap pop3 lmtp" by default`)
	if err := parseFlags(fs, rest); err != nil {
		return err
	}
	if *cert == "" || *key == "" {
		return fmt.Errorf("%w: setup dovecot needs --cert and --key", errUsage)
	}

	adapter := bootstrap.NewDovecot(c.cfg, c.logger)
	if err := adapter.ApplyTLSSetup(ctx, dovecot.TLSSetup{
		CertPath:  *cert,
		KeyPath:   *key,
		Protocols: *protocols,
	}); err != nil {
		return err
	}
	fmt.Println("dovecot configured for TLS and SQL authentication")
	return nil
}
