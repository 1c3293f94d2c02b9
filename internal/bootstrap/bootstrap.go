// Package bootstrap wires adapters and services from the configuration. It
// is the composition root shared by the server and the CLI.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/acme"
	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/certbot"
	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/confpatch"
	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/dnscheck"
	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/dovecot"
	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/maildb"
	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/opendkim"
	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/postfix"
	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/pubip"
	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/redislock"
	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/mailpanel/internal/adapter/driven/system"
	"github.com/ericfisherdev/mailpanel/internal/application"
	"github.com/ericfisherdev/mailpanel/internal/config"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Stores is the control-plane database and its repositories.
type Stores struct {
	DB        *sqlite.DB
	Users     *sqlite.UserRepo
	Domains   *sqlite.DomainRepo
	SSLs      *sqlite.SSLRepo
	Mailboxes *sqlite.MailboxRepo
}

// OpenStores opens the control-plane database and applies migrations.
func OpenStores(cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	db, err := sqlite.NewDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := sqlite.RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database opened", "path", cfg.DBPath)

	return &Stores{
		DB:        db,
		Users:     sqlite.NewUserRepo(db),
		Domains:   sqlite.NewDomainRepo(db),
		SSLs:      sqlite.NewSSLRepo(db),
		Mailboxes: sqlite.NewMailboxRepo(db),
	}, nil
}

// App holds every service of a fully wired process.
type App struct {
	Stores    *Stores
	MailDB    *maildb.Store
	Redis     *redis.Client
	Dovecot   *dovecot.Adapter
	Addresses *application.AddressBook

	Users        *application.UserService
	Certificates *application.CertificateService
	Mail         *application.MailService
	Provisioning *application.ProvisioningService
}

// Build wires the full application. The caller must Close the result.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *App, err error) {
	if cfg.MailDB.DSN == "" {
		return nil, fmt.Errorf("%sMAILDB_DSN is required", config.EnvPrefix)
	}

	app = &App{}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	if app.Stores, err = OpenStores(cfg, logger); err != nil {
		return nil, err
	}
	stores := app.Stores

	if app.MailDB, err = maildb.Open(ctx, cfg.MailDB.Driver, cfg.MailDB.DSN, cfg.MailDB.Schema); err != nil {
		return nil, err
	}
	logger.Info("mail database opened", "driver", cfg.MailDB.Driver)

	runner, services, patcher := hostTools(cfg, logger)

	authority, err := newAuthority(cfg, runner)
	if err != nil {
		return nil, err
	}

	var locker driven.Locker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		app.Redis = redis.NewClient(opts)
		if err := app.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		locker = redislock.New(app.Redis, cfg.LockTTL.Duration, logger)
		logger.Info("using redis domain locks")
	} else {
		locker = application.NewKeyedMutex()
	}

	app.Dovecot = newDovecot(cfg, runner, services, patcher, logger)

	transfer := postfix.NewAdapter(postfix.Config{
		SNIMap:      cfg.Postfix.SNIMap,
		ChainsDir:   cfg.Postfix.ChainsDir,
		PostmapPath: cfg.Postfix.PostmapPath,
		Service:     cfg.Postfix.Service,
	}, runner, services, patcher, logger)

	dkim := opendkim.NewManager(opendkim.Config{
		Selector:     cfg.DKIM.Selector,
		KeysDir:      cfg.DKIM.KeysDir,
		KeyTable:     cfg.DKIM.KeyTable,
		SigningTable: cfg.DKIM.SigningTable,
		TrustedHosts: cfg.DKIM.TrustedHosts,
		GenKeyPath:   cfg.DKIM.GenKeyPath,
		Owner:        cfg.DKIM.Owner,
		Service:      cfg.DKIM.Service,
	}, runner, services, patcher, logger)

	if app.Addresses, err = newAddressBook(ctx, cfg, logger); err != nil {
		return nil, err
	}

	var verifier driven.DNSVerifier
	if cfg.DNSResolver != "" {
		verifier = dnscheck.New(cfg.DNSResolver, 0)
	}

	app.Users = application.NewUserService(stores.Users)
	app.Certificates = application.NewCertificateService(
		authority, stores.SSLs, stores.Domains, stores.Users, stores.DB, locker, logger,
	)
	app.Mail = application.NewMailService(
		app.MailDB, stores.Mailboxes, dkim, app.Dovecot, transfer, app.Dovecot,
		app.Addresses, cfg.MailHost, logger,
	)
	app.Provisioning = application.NewProvisioningService(
		stores.DB, stores.Users, stores.Domains, stores.SSLs, stores.Mailboxes,
		app.Certificates, app.Mail, locker, verifier, cfg.ProvisionTimeout.Duration, logger,
	)

	return app, nil
}

// hostTools returns the command runner, service controller and config
// patcher every host adapter shares.
func hostTools(cfg *config.Config, logger *slog.Logger) (*system.Runner, *system.Systemd, *confpatch.Patcher) {
	runner := system.NewRunner(
		system.WithTimeout(cfg.CommandTimeout.Duration),
		system.WithSudo(cfg.UseSudo),
		system.WithLogger(logger),
	)
	return runner, system.NewSystemd(runner, cfg.SystemctlPath), confpatch.New()
}

// NewDovecot builds a standalone Dovecot adapter for host setup.
func NewDovecot(cfg *config.Config, logger *slog.Logger) *dovecot.Adapter {
	runner, services, patcher := hostTools(cfg, logger)
	return newDovecot(cfg, runner, services, patcher, logger)
}

func newDovecot(
	cfg *config.Config,
	runner driven.CommandRunner,
	services driven.ServiceController,
	patcher *confpatch.Patcher,
	logger *slog.Logger,
) *dovecot.Adapter {
	return dovecot.NewAdapter(dovecot.Config{
		SNIConf:     cfg.Dovecot.SNIConf,
		ConfDir:     cfg.Dovecot.ConfDir,
		DoveadmPath: cfg.Dovecot.DoveadmPath,
		Scheme:      cfg.Dovecot.Scheme,
		Service:     cfg.Dovecot.Service,
	}, runner, services, patcher, logger)
}

func newAuthority(cfg *config.Config, runner driven.CommandRunner) (driven.CertificateAuthority, error) {
	if cfg.ACME.Backend == config.BackendLego {
		return acme.New(cfg.ACME.Dir,
			acme.WithCADirectoryURL(cfg.ACME.DirectoryURL),
			acme.WithHTTP01Address(cfg.ACME.HTTPAddr),
		)
	}
	return certbot.New(runner, certbot.Config{
		Path:    cfg.ACME.CertbotPath,
		LiveDir: cfg.ACME.LiveDir,
		Webroot: cfg.ACME.Webroot,
	}), nil
}

// newAddressBook pins the configured addresses, or resolves them once so
// records are correct from the first request. Run keeps a resolved book fresh.
func newAddressBook(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application.AddressBook, error) {
	if cfg.HasStaticAddresses() {
		addrs, err := cfg.Addresses()
		if err != nil {
			return nil, err
		}
		book := application.NewAddressBook(nil, logger)
		book.Set(addrs)
		return book, nil
	}

	book := application.NewAddressBook(pubip.New(cfg.IPv4URL, cfg.IPv6URL, 0, logger), logger)
	if err := book.Refresh(ctx); err != nil {
		logger.Warn("initial address lookup failed", "error", err)
	}
	return book, nil
}

// Close releases every open connection.
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.MailDB != nil {
		errs = append(errs, a.MailDB.Close())
	}
	if a.Stores != nil {
		errs = append(errs, a.Stores.DB.Close())
	}
	return errors.Join(errs...)
}
