// Command mailctl administers a mailpanel host from the shell.
//
// Usage:
//
//	mailctl user add --name <name> --email <email> [--admin]
//	mailctl user list
//	mailctl token <user-id|email> [--ttl 24h]
//	mailctl domain add <name> --owner <user-id|email> [--certificate] [--email] [--dkim]
//	mailctl domain delete <name>
//	mailctl domain records <name> [--verify]
//	mailctl mailbox add <user@domain>      (prompts for password)
//	mailctl mailbox delete <user@domain>
//	mailctl certs list
//	mailctl certs verify
//	mailctl certs repair [--authority-only none|import|revoke] [--store-only none|reissue|forget]
//	mailctl setup dovecot --cert <path> --key <path> [--protocols "imap pop3 lmtp"]
//	mailctl healthcheck [--addr host:port]
//
// Configuration comes from .env, MAILPANEL_CONFIG_FILE and MAILPANEL_ variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/mailpanel/internal/bootstrap"
	"github.com/ericfisherdev/mailpanel/internal/config"
)

// errUsage marks an invocation error; usage is printed instead of the error.
var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// healthcheck runs in minimal containers without the full configuration.
	if args[0] == "healthcheck" {
		return healthcheck(ctx, args[1:])
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	c := &cli{cfg: cfg, logger: logger}
	defer c.close()

	switch args[0] {
	case "user":
		err = c.user(ctx, args[1:])
	case "token":
		err = c.token(ctx, args[1:])
	case "domain":
		err = c.domain(ctx, args[1:])
	case "mailbox":
		err = c.mailbox(ctx, args[1:])
	case "certs":
		err = c.certs(ctx, args[1:])
	case "setup":
		err = c.setup(ctx, args[1:])
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			usage()
			return 2
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// cli opens the stores or the full application on first use.
type cli struct {
	cfg    *config.Config
	logger *slog.Logger
	stores *bootstrap.Stores
	app    *bootstrap.App
}

func (c *cli) openStores() (*bootstrap.Stores, error) {
	if c.app != nil {
		return c.app.Stores, nil
	}
	if c.stores == nil {
		stores, err := bootstrap.OpenStores(c.cfg, c.logger)
		if err != nil {
			return nil, err
		}
		c.stores = stores
	}
	return c.stores, nil
}

func (c *cli) openApp(ctx context.Context) (*bootstrap.App, error) {
	if c.app == nil {
		app, err := bootstrap.Build(ctx, c.cfg, c.logger)
		if err != nil {
			return nil, err
		}
		c.app = app
	}
	return c.app, nil
}

func (c *cli) close() {
	if c.app != nil {
		_ = c.app.Close()
	}
	if c.stores != nil {
		_ = c.stores.DB.Close()
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage:
  mailctl user add --name <name> --email <email> [--admin]
  mailctl user list
  mailctl token <user-id|email> [--ttl 24h]
  mailctl domain add <name> --owner <user-id|email> [--certificate] [--email] [--dkim]
  mailctl domain delete <name>
  mailctl domain records <name> [--verify]
  mailctl mailbox add <user@domain>      (prompts for password)
  mailctl mailbox delete <user@domain>
  mailctl certs list
  mailctl certs verify
  mailctl certs repair [--authority-only none|import|revoke] [--store-only none|reissue|forget]
  mailctl setup dovecot --cert <path> --key <path> [--protocols "imap pop3 lmtp"]
  mailctl healthcheck [--addr host:port]
`)
}
