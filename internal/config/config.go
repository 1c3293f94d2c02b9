// Package config loads the application configuration from defaults, an
// optional TOML file and MAILPANEL_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment variable Load reads.
const EnvPrefix = "MAILPANEL_"

// FileEnv names the variable that points at the optional TOML file.
const FileEnv = EnvPrefix + "CONFIG_FILE"

// minSecretLen is the shortest accepted HS256 signing secret.
const minSecretLen = 32

// Certificate authority backends.
const (
	BackendCertbot = "certbot"
	BackendLego    = "lego"
)

// Duration is a time.Duration that decodes from "40s" style text in both
// TOML and the environment.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds the application configuration.
type Config struct {
	ListenAddr  string   `toml:"listen_addr" env:"LISTEN_ADDR"`
	DBPath      string   `toml:"db_path" env:"DB_PATH"`
	AuthSecret  string   `toml:"auth_secret" env:"AUTH_SECRET"`
	TokenTTL    Duration `toml:"token_ttl" env:"TOKEN_TTL"`
	LogLevel    string   `toml:"log_level" env:"LOG_LEVEL"`
	CORSOrigins []string `toml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`

	ProvisionTimeout Duration `toml:"provision_timeout" env:"PROVISION_TIMEOUT"`
	CommandTimeout   Duration `toml:"command_timeout" env:"COMMAND_TIMEOUT"`
	UseSudo          bool     `toml:"use_sudo" env:"USE_SUDO"`
	SystemctlPath    string   `toml:"systemctl_path" env:"SYSTEMCTL_PATH"`

	PublicIPs         []string `toml:"public_ips" env:"PUBLIC_IPS" envSeparator:","`
	IPRefreshInterval Duration `toml:"ip_refresh_interval" env:"IP_REFRESH_INTERVAL"`
	IPv4URL           string   `toml:"ipv4_url" env:"IPV4_URL"`
	IPv6URL           string   `toml:"ipv6_url" env:"IPV6_URL"`

	RedisURL string   `toml:"redis_url" env:"REDIS_URL"`
	LockTTL  Duration `toml:"lock_ttl" env:"LOCK_TTL"`

	DNSResolver string `toml:"dns_resolver" env:"DNS_RESOLVER"`
	MailHost    string `toml:"mail_host" env:"MAIL_HOST"`

	MailDB  MailDBConfig  `toml:"maildb" envPrefix:"MAILDB_"`
	ACME    ACMEConfig    `toml:"acme" envPrefix:"ACME_"`
	DKIM    DKIMConfig    `toml:"dkim" envPrefix:"DKIM_"`
	Dovecot DovecotConfig `toml:"dovecot" envPrefix:"DOVECOT_"`
	Postfix PostfixConfig `toml:"postfix" envPrefix:"POSTFIX_"`
}

// MailDBConfig locates the mail server's virtual domain and user tables.
type MailDBConfig struct {
	Driver string `toml:"driver" env:"DRIVER"`
	DSN    string `toml:"dsn" env:"DSN"`
	Schema string `toml:"schema" env:"SCHEMA"`
}

// ACMEConfig selects and configures the certificate authority.
type ACMEConfig struct {
	Backend      string `toml:"backend" env:"BACKEND"`
	CertbotPath  string `toml:"certbot_path" env:"CERTBOT_PATH"`
	LiveDir      string `toml:"live_dir" env:"LIVE_DIR"`
	Webroot      string `toml:"webroot" env:"WEBROOT"`
	Dir          string `toml:"dir" env:"DIR"`
	DirectoryURL string `toml:"directory_url" env:"DIRECTORY_URL"`
	HTTPAddr     string `toml:"http_addr" env:"HTTP_ADDR"`
}

// DKIMConfig locates the OpenDKIM keys and tables.
type DKIMConfig struct {
	Selector     string `toml:"selector" env:"SELECTOR"`
	KeysDir      string `toml:"keys_dir" env:"KEYS_DIR"`
	KeyTable     string `toml:"key_table" env:"KEY_TABLE"`
	SigningTable string `toml:"signing_table" env:"SIGNING_TABLE"`
	TrustedHosts string `toml:"trusted_hosts" env:"TRUSTED_HOSTS"`
	GenKeyPath   string `toml:"genkey_path" env:"GENKEY_PATH"`
	Owner        string `toml:"owner" env:"OWNER"`
	Service      string `toml:"service" env:"SERVICE"`
}

// DovecotConfig locates the Dovecot configuration.
type DovecotConfig struct {
	SNIConf     string `toml:"sni_conf" env:"SNI_CONF"`
	ConfDir     string `toml:"conf_dir" env:"CONF_DIR"`
	DoveadmPath string `toml:"doveadm_path" env:"DOVEADM_PATH"`
	Scheme      string `toml:"scheme" env:"SCHEME"`
	Service     string `toml:"service" env:"SERVICE"`
}

// PostfixConfig locates the Postfix SNI map.
type PostfixConfig struct {
	SNIMap      string `toml:"sni_map" env:"SNI_MAP"`
	ChainsDir   string `toml:"chains_dir" env:"CHAINS_DIR"`
	PostmapPath string `toml:"postmap_path" env:"POSTMAP_PATH"`
	Service     string `toml:"service" env:"SERVICE"`
}

// Default returns the configuration used when nothing overrides it. Paths
// follow the Debian layout.
func Default() *Config {
	return &Config{
		ListenAddr:        "127.0.0.1:8080",
		DBPath:            "mailpanel.db",
		TokenTTL:          Duration{24 * time.Hour},
		LogLevel:          "info",
		ProvisionTimeout:  Duration{40 * time.Second},
		CommandTimeout:    Duration{2 * time.Minute},
		SystemctlPath:     "systemctl",
		IPRefreshInterval: Duration{time.Hour},
		LockTTL:           Duration{2 * time.Minute},
		DNSResolver:       "1.1.1.1:53",
		MailDB: MailDBConfig{
			Driver: "mysql",
		},
		ACME: ACMEConfig{
			Backend:     BackendCertbot,
			CertbotPath: "certbot",
			LiveDir:     "/etc/letsencrypt/live",
			Dir:         "/var/lib/mailpanel/acme",
			HTTPAddr:    ":80",
		},
		DKIM: DKIMConfig{
			Selector:     "mail",
			KeysDir:      "/etc/opendkim/keys",
			KeyTable:     "/etc/opendkim/key.table",
			SigningTable: "/etc/opendkim/signing.table",
			TrustedHosts: "/etc/opendkim/trusted.hosts",
			GenKeyPath:   "opendkim-genkey",
			Owner:        "opendkim:opendkim",
			Service:      "opendkim",
		},
		Dovecot: DovecotConfig{
			SNIConf:     "/etc/dovecot/conf.d/99-mailpanel-sni.conf",
			ConfDir:     "/etc/dovecot",
			DoveadmPath: "doveadm",
			Scheme:      "SHA512-CRYPT",
			Service:     "dovecot",
		},
		Postfix: PostfixConfig{
			SNIMap:      "/etc/postfix/sni_map",
			ChainsDir:   "/etc/postfix/sni-chains",
			PostmapPath: "postmap",
			Service:     "postfix",
		},
	}
}

// Load builds the configuration. A TOML file named by MAILPANEL_CONFIG_FILE
// overrides the defaults; set MAILPANEL_ variables override both.
func Load() (*Config, error) {
	cfg := Default()

	if path, ok := os.LookupEnv(FileEnv); ok && path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("database path is empty"))
	}
	if c.AuthSecret != "" && len(c.AuthSecret) < minSecretLen {
		errs = append(errs, fmt.Errorf("%sAUTH_SECRET must be at least %d bytes", EnvPrefix, minSecretLen))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	for name, d := range map[string]Duration{
		"PROVISION_TIMEOUT":   c.ProvisionTimeout,
		"COMMAND_TIMEOUT":     c.CommandTimeout,
		"IP_REFRESH_INTERVAL": c.IPRefreshInterval,
		"LOCK_TTL":            c.LockTTL,
		"TOKEN_TTL":           c.TokenTTL,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s%s must be positive", EnvPrefix, name))
		}
	}
	if _, err := c.Addresses(); err != nil {
		errs = append(errs, err)
	}

	switch c.MailDB.Driver {
	case "mysql", "pgx":
	default:
		errs = append(errs, fmt.Errorf("%sMAILDB_DRIVER %q is not mysql or pgx", EnvPrefix, c.MailDB.Driver))
	}
	switch c.ACME.Backend {
	case BackendCertbot, BackendLego:
	default:
		errs = append(errs, fmt.Errorf("%sACME_BACKEND %q is not certbot or lego", EnvPrefix, c.ACME.Backend))
	}

	return errors.Join(errs...)
}

// HasAuthSecret reports whether API tokens can be signed and verified.
func (c *Config) HasAuthSecret() bool {
	return c.AuthSecret != ""
}

// HasStaticAddresses reports whether public addresses are pinned instead of
// discovered.
func (c *Config) HasStaticAddresses() bool {
	return len(c.PublicIPs) > 0
}

// Addresses parses PublicIPs.
func (c *Config) Addresses() ([]netip.Addr, error) {
	addrs := make([]netip.Addr, 0, len(c.PublicIPs))
	for _, raw := range c.PublicIPs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("%sPUBLIC_IPS has invalid address %q: %w", EnvPrefix, raw, err)
		}
		addrs = append(addrs, addr.Unmap())
	}
	return addrs, nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%sLOG_LEVEL %q: %w", EnvPrefix, c.LogLevel, err)
	}
	return level, nil
}
