package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

type stubClient struct {
	providerConfigured bool
	registered         bool
	request            certificate.ObtainRequest
	resource           *certificate.Resource
	obtainErr          error
}

func (s *stubClient) Register(registration.RegisterOptions) (*registration.Resource, error) {
	s.registered = true
	return &registration.Resource{}, nil
}

func (s *stubClient) SetHTTP01Provider(challenge.Provider) error {
	s.providerConfigured = true
	return nil
}

func (s *stubClient) Obtain(req certificate.ObtainRequest) (*certificate.Resource, error) {
	s.request = req
	if s.obtainErr != nil {
		return nil, s.obtainErr
	}
	return s.resource, nil
}

func selfSigned(t *testing.T, serial int64, notAfter time.Time, names ...string) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: names[0]},
		DNSNames:     names,
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func newTestAuthority(t *testing.T, stub *stubClient) *Authority {
	t.Helper()

	a, err := New(t.TempDir(), WithHTTP01Address("127.0.0.1:5002"))
	require.NoError(t, err)

	a.clientFactory = func(*lego.Config) (acmeClient, error) { return stub, nil }
	a.accountKeyMaker = func() (crypto.PrivateKey, error) {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	return a
}

func TestNew_Validation(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)

	_, err = New(t.TempDir(), WithHTTP01Address("no-port"))
	assert.Error(t, err)
}

func TestAuthority_IssueWritesArtifacts(t *testing.T) {
	notAfter := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	stub := &stubClient{resource: &certificate.Resource{
		PrivateKey:        []byte("key"),
		Certificate:       selfSigned(t, 42, notAfter, "example.com", "www.example.com"),
		IssuerCertificate: []byte("issuer"),
	}}
	a := newTestAuthority(t, stub)

	err := a.Issue(context.Background(), []string{"example.com", "www.example.com"}, "ops@example.com")
	require.NoError(t, err)

	assert.True(t, stub.providerConfigured)
	assert.True(t, stub.registered)
	assert.Equal(t, []string{"example.com", "www.example.com"}, stub.request.Domains)

	certPath, keyPath := a.Paths("example.com")
	key, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.Equal(t, "key", string(key))

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = os.Stat(certPath)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(a.dir, "example.com-issuer.crt"))
	require.NoError(t, err)

	certs, err := a.List(context.Background())
	require.NoError(t, err)
	require.Len(t, certs, 1, "issuer chain is not listed")

	assert.Equal(t, "example.com", certs[0].Name)
	assert.Equal(t, "2a", certs[0].Serial)
	assert.Equal(t, "ECDSA", certs[0].KeyType)
	assert.Equal(t, []string{"example.com", "www.example.com"}, certs[0].Domains)
	assert.Equal(t, notAfter, certs[0].ExpiresAt)
	assert.Equal(t, certPath, certs[0].CertificatePath)
	assert.Equal(t, keyPath, certs[0].KeyPath)
}

func TestAuthority_IssueFailureWritesNothing(t *testing.T) {
	stub := &stubClient{obtainErr: errors.New("urn:ietf:params:acme:error:connection")}
	a := newTestAuthority(t, stub)

	err := a.Issue(context.Background(), []string{"example.com"}, "ops@example.com")
	require.Error(t, err)

	certs, err := a.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, certs)
}

func TestAuthority_IssueCancelled(t *testing.T) {
	a := newTestAuthority(t, &stubClient{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.Issue(ctx, []string{"example.com"}, "ops@example.com")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAuthority_Delete(t *testing.T) {
	a := newTestAuthority(t, &stubClient{})
	certPath, keyPath := a.Paths("example.com")
	require.NoError(t, os.WriteFile(certPath, selfSigned(t, 1, time.Now().Add(time.Hour), "example.com"), 0o644))
	require.NoError(t, os.WriteFile(keyPath, []byte("key"), 0o600))

	require.NoError(t, a.Delete(context.Background(), "example.com"))

	_, err := os.Stat(certPath)
	assert.True(t, os.IsNotExist(err))

	err = a.Delete(context.Background(), "example.com")
	assert.ErrorIs(t, err, driven.ErrCertificateNotFound)
}

func TestSafeFileSegment(t *testing.T) {
	assert.Equal(t, "example.com", safeFileSegment(" Example.COM "))
	assert.Equal(t, "mail_example.com", safeFileSegment("mail/example.com"))
	assert.Equal(t, "certificate", safeFileSegment("..."))
}
