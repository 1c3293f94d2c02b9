// Package acme implements the certificate authority port in-process with the
// lego ACME client, answering HTTP-01 challenges from a built-in server.
package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.CertificateAuthority = (*Authority)(nil)

const (
	certSuffix   = ".crt"
	keySuffix    = ".key"
	issuerSuffix = "-issuer.crt"

	defaultHTTPPort = "80"
)

// Option configures an Authority.
type Option func(*Authority) error

// WithCADirectoryURL overrides the ACME directory (Let's Encrypt production by default).
func WithCADirectoryURL(url string) Option {
	return func(a *Authority) error {
		if url = strings.TrimSpace(url); url != "" {
			a.caDirURL = url
		}
		return nil
	}
}

// WithHTTP01Address sets host:port for the HTTP-01 challenge server.
func WithHTTP01Address(addr string) Option {
	return func(a *Authority) error {
		if strings.TrimSpace(addr) == "" {
			return nil
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return fmt.Errorf("invalid http-01 address %q: %w", addr, err)
		}
		a.httpHost, a.httpPort = host, port
		return nil
	}
}

// WithKeyType overrides the certificate key type (RSA2048 by default).
func WithKeyType(keyType certcrypto.KeyType) Option {
	return func(a *Authority) error {
		a.keyType = keyType
		return nil
	}
}

// Authority issues certificates over ACME and keeps them as files in dir:
// <name>.crt (leaf plus chain), <name>.key and <name>-issuer.crt.
type Authority struct {
	dir      string
	caDirURL string
	httpHost string
	httpPort string
	keyType  certcrypto.KeyType

	// The challenge server binds a fixed port, so issuances run one at a time.
	mu              sync.Mutex
	clientFactory   clientFactory
	accountKeyMaker func() (crypto.PrivateKey, error)
}

// New creates an Authority storing certificates in dir.
func New(dir string, opts ...Option) (*Authority, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("acme: certificate directory is required")
	}

	a := &Authority{
		dir:           dir,
		caDirURL:      lego.LEDirectoryProduction,
		httpPort:      defaultHTTPPort,
		keyType:       certcrypto.RSA2048,
		clientFactory: defaultClientFactory,
		accountKeyMaker: func() (crypto.PrivateKey, error) {
			return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		},
	}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Issue registers an account for email and obtains one certificate for all domains.
func (a *Authority) Issue(ctx context.Context, domains []string, email string) error {
	if len(domains) == 0 {
		return errors.New("acme issue: no domains")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	accountKey, err := a.accountKeyMaker()
	if err != nil {
		return fmt.Errorf("generate account key: %w", err)
	}
	user := &accountUser{email: email, key: accountKey}

	cfg := lego.NewConfig(user)
	cfg.CADirURL = a.caDirURL
	cfg.Certificate.KeyType = a.keyType

	client, err := a.clientFactory(cfg)
	if err != nil {
		return fmt.Errorf("create acme client: %w", err)
	}

	if err := client.SetHTTP01Provider(http01.NewProviderServer(a.httpHost, a.httpPort)); err != nil {
		return fmt.Errorf("configure http-01 provider: %w", err)
	}

	reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return fmt.Errorf("register account: %w", err)
	}
	user.registration = reg

	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := client.Obtain(certificate.ObtainRequest{
		Domains:        domains,
		Bundle:         true,
		EmailAddresses: []string{email},
	})
	if err != nil {
		return fmt.Errorf("obtain certificate for %s: %w", domains[0], err)
	}

	return a.writeArtifacts(domains[0], res)
}

// Delete removes the certificate files for name.
func (a *Authority) Delete(_ context.Context, name string) error {
	base := filepath.Join(a.dir, safeFileSegment(name))

	removed := false
	for _, path := range []string{base + certSuffix, base + keySuffix, base + issuerSuffix} {
		err := os.Remove(path)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, fs.ErrNotExist):
		default:
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}

	if !removed {
		return fmt.Errorf("acme delete %s: %w", name, driven.ErrCertificateNotFound)
	}
	return nil
}

// List reads every stored certificate.
func (a *Authority) List(_ context.Context) ([]model.CertificateInfo, error) {
	paths, err := filepath.Glob(filepath.Join(a.dir, "*"+certSuffix))
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	sort.Strings(paths)

	var certs []model.CertificateInfo
	for _, path := range paths {
		if strings.HasSuffix(path, issuerSuffix) {
			continue
		}

		info, err := readCertificate(path)
		if err != nil {
			return nil, err
		}
		certs = append(certs, info)
	}

	return certs, nil
}

// Paths returns the chain and key file of the named certificate.
func (a *Authority) Paths(name string) (string, string) {
	base := filepath.Join(a.dir, safeFileSegment(name))
	return base + certSuffix, base + keySuffix
}

func (a *Authority) writeArtifacts(name string, res *certificate.Resource) error {
	if res == nil {
		return errors.New("certificate resource is nil")
	}
	if len(res.PrivateKey) == 0 {
		return errors.New("empty private key received from ACME server")
	}
	if len(res.Certificate) == 0 {
		return errors.New("empty certificate payload received from ACME server")
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("ensure certificate directory: %w", err)
	}

	certPath, keyPath := a.Paths(name)
	if err := os.WriteFile(keyPath, res.PrivateKey, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(certPath, res.Certificate, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	if len(res.IssuerCertificate) > 0 {
		issuerPath := strings.TrimSuffix(certPath, certSuffix) + issuerSuffix
		if err := os.WriteFile(issuerPath, res.IssuerCertificate, 0o644); err != nil {
			return fmt.Errorf("write issuer certificate: %w", err)
		}
	}

	return nil
}

func readCertificate(path string) (model.CertificateInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.CertificateInfo{}, fmt.Errorf("read %s: %w", path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return model.CertificateInfo{}, fmt.Errorf("decode %s: no certificate block", path)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return model.CertificateInfo{}, fmt.Errorf("parse %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), certSuffix)
	domains := cert.DNSNames
	if len(domains) == 0 && cert.Subject.CommonName != "" {
		domains = []string{cert.Subject.CommonName}
	}

	return model.CertificateInfo{
		Name:            name,
		Serial:          cert.SerialNumber.Text(16),
		KeyType:         cert.PublicKeyAlgorithm.String(),
		Domains:         domains,
		Expiry:          cert.NotAfter.UTC().Format("2006-01-02 15:04:05-07:00"),
		ExpiresAt:       cert.NotAfter.UTC(),
		CertificatePath: path,
		KeyPath:         strings.TrimSuffix(path, certSuffix) + keySuffix,
	}, nil
}

func safeFileSegment(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	sanitized := strings.Trim(b.String(), "._-")
	if sanitized == "" {
		return "certificate"
	}
	return sanitized
}

type clientFactory func(*lego.Config) (acmeClient, error)

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &legoClient{client: client}, nil
}

type legoClient struct {
	client *lego.Client
}

func (l *legoClient) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClient) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClient) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string                        { return u.email }
func (u *accountUser) GetRegistration() *registration.Resource { return u.registration }
func (u *accountUser) GetPrivateKey() crypto.PrivateKey        { return u.key }
