package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// DefaultProvisionTimeout bounds a whole provisioning or teardown, including
// certificate issuance.
const DefaultProvisionTimeout = 40 * time.Second

// ProvisionResult is what AddDomain created.
type ProvisionResult struct {
	Domain  model.Domain
	SSL     *model.SSL
	Records []model.DNSRecord
}

// ProvisioningService runs domain lifecycles across the control-plane store,
// the certificate authority and the mail stack. Every operation on a domain
// holds that domain's lock.
type ProvisioningService struct {
	tx        driven.TxManager
	users     driven.UserStore
	domains   driven.DomainStore
	ssls      driven.SSLStore
	mailboxes driven.MailboxStore
	certs     *CertificateService
	mail      *MailService
	locker    driven.Locker
	verifier  driven.DNSVerifier
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewProvisioningService creates a ProvisioningService. verifier may be nil,
// which disables record verification. A zero timeout uses
// DefaultProvisionTimeout.
func NewProvisioningService(
	tx driven.TxManager,
	users driven.UserStore,
	domains driven.DomainStore,
	ssls driven.SSLStore,
	mailboxes driven.MailboxStore,
	certs *CertificateService,
	mail *MailService,
	locker driven.Locker,
	verifier driven.DNSVerifier,
	timeout time.Duration,
	logger *slog.Logger,
) *ProvisioningService {
	if timeout <= 0 {
		timeout = DefaultProvisionTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProvisioningService{
		tx:        tx,
		users:     users,
		domains:   domains,
		ssls:      ssls,
		mailboxes: mailboxes,
		certs:     certs,
		mail:      mail,
		locker:    locker,
		verifier:  verifier,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// NormalizeDomainName lowercases the name and drops a trailing dot, then
// checks it is a valid name with at least two labels.
func NormalizeDomainName(name string) (string, error) {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	if name == "" {
		return "", validationf("domain name is empty")
	}
	if _, ok := dns.IsDomainName(name); !ok || dns.CountLabel(name) < 2 {
		return "", validationf("invalid domain name %q", name)
	}
	if strings.ContainsAny(name, "/\\ *") {
		return "", validationf("invalid domain name %q", name)
	}
	return name, nil
}

// AddDomain provisions a domain. The domain row is written as pending first,
// the external steps run outside any transaction, and the row is activated
// last. Any failure after the pending row exists is compensated in reverse
// order, so no domain row survives a failed call.
func (s *ProvisioningService) AddDomain(ctx context.Context, name, ownerID string, opts model.DomainOptions) (*ProvisionResult, error) {
	name, err := NormalizeDomainName(name)
	if err != nil {
		return nil, err
	}

	owner, err := s.users.GetByID(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	if opts.RequestCertificate && owner.Email == "" {
		return nil, validationf("owner has no contact email for the certificate")
	}
	if opts.EnableEmail && !opts.RequestCertificate {
		return nil, validationf("email requires a certificate")
	}
	if opts.EnableEmail && opts.Email == nil {
		return nil, validationf("email requires an email configuration")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock, err := s.locker.Lock(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("lock domain %s: %w", name, err)
	}
	defer unlock()

	domain, err := s.createPending(ctx, name, owner.ID)
	if err != nil {
		return nil, err
	}

	start := s.now()
	result := &ProvisionResult{Domain: domain}
	mailStarted := false

	fail := func(err error) (*ProvisionResult, error) {
		s.compensate(domain, result.SSL, mailStarted)
		return nil, err
	}

	if opts.RequestCertificate {
		ssl, err := s.certs.RequestCertificate(ctx, []model.Domain{domain}, owner.Email, owner)
		if err != nil {
			return fail(err)
		}
		result.SSL = ssl
		domain.SSLID = ssl.ID
	}

	if opts.EnableEmail {
		mailStarted = true
		records, err := s.mail.AddDomain(ctx, domain, owner, *opts.Email, result.SSL)
		if err != nil {
			return fail(err)
		}
		result.Records = records
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.domains.SetStatus(ctx, domain.ID, model.DomainActive)
	})
	if err != nil {
		return fail(fmt.Errorf("activate domain %s: %w", name, err))
	}
	domain.Status = model.DomainActive
	result.Domain = domain

	s.logger.Info("domain provisioned",
		"domain", name,
		"certificate", result.SSL != nil,
		"email", opts.EnableEmail,
		"duration", s.now().Sub(start),
	)
	return result, nil
}

// createPending inserts the pending row, failing with a conflict when the
// name is taken.
func (s *ProvisioningService) createPending(ctx context.Context, name, ownerID string) (model.Domain, error) {
	var domain model.Domain
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		_, err := s.domains.GetByName(ctx, name)
		if err == nil {
			return fmt.Errorf("domain %s: %w", name, driven.ErrConflict)
		}
		if !errors.Is(err, driven.ErrNotFound) {
			return err
		}

		domain, err = s.domains.Create(ctx, model.Domain{
			Name:    name,
			OwnerID: ownerID,
			Status:  model.DomainPending,
		})
		return err
	})
	if err != nil {
		return model.Domain{}, fmt.Errorf("create domain %s: %w", name, err)
	}
	return domain, nil
}

// compensate undoes a partial AddDomain. It runs on its own context so a
// canceled request still cleans up. Failures are logged; the pending row
// they leave behind is picked up by RecoverPending.
func (s *ProvisioningService) compensate(domain model.Domain, ssl *model.SSL, mailStarted bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	log := s.logger.With("domain", domain.Name)
	log.Warn("provisioning failed, compensating")

	if mailStarted {
		if err := s.mail.RemoveDomain(ctx, domain); err != nil {
			log.Error("compensation: mail teardown failed", "error", err)
		}
	}

	// DeleteCertificate detaches the domain itself. On failure the reference
	// stays so RecoverPending finds the certificate again.
	if ssl != nil {
		if err := s.certs.DeleteCertificate(ctx, *ssl); err != nil {
			log.Error("compensation: certificate deletion failed", "ssl_id", ssl.ID, "error", err)
			return
		}
	}

	if err := s.domains.Delete(ctx, domain.ID); err != nil && !errors.Is(err, driven.ErrNotFound) {
		log.Error("compensation: domain row not deleted", "error", err)
	}
}

// DeleteDomain tears a domain down: mail first, then its certificate, then
// the row. A failed step aborts; a retry skips what is already gone.
func (s *ProvisioningService) DeleteDomain(ctx context.Context, id string) error {
	domain, err := s.domains.GetByID(ctx, id)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock, err := s.locker.Lock(ctx, domain.Name)
	if err != nil {
		return fmt.Errorf("lock domain %s: %w", domain.Name, err)
	}
	defer unlock()

	// Reload under the lock; a concurrent delete may have won.
	domain, err = s.domains.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return s.teardown(ctx, *domain)
}

func (s *ProvisioningService) teardown(ctx context.Context, domain model.Domain) error {
	var ssl *model.SSL
	if domain.HasCertificate() {
		var err error
		ssl, err = s.ssls.GetByID(ctx, domain.SSLID)
		if err != nil && !errors.Is(err, driven.ErrNotFound) {
			return fmt.Errorf("load certificate of %s: %w", domain.Name, err)
		}
		if ssl != nil && len(ssl.Domains) > 1 && ssl.CanonicalName() == domain.Name {
			return fmt.Errorf("domain %s names a certificate shared with %d other domains, delete certificate %s first: %w",
				domain.Name, len(ssl.Domains)-1, ssl.ID, driven.ErrConflict)
		}
	}

	if err := s.mail.RemoveDomain(ctx, domain); err != nil {
		return fmt.Errorf("delete domain %s: %w", domain.Name, err)
	}

	// The certificate reference is dropped only together with the certificate
	// step, so a retry after a failed deletion still sees it.
	switch {
	case ssl == nil:
		if err := s.domains.ClearSSL(ctx, domain.ID); err != nil {
			return fmt.Errorf("delete domain %s: %w", domain.Name, err)
		}
	case len(ssl.Domains) <= 1:
		if err := s.certs.DeleteCertificate(ctx, *ssl); err != nil {
			return fmt.Errorf("delete domain %s: %w", domain.Name, err)
		}
	default:
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := s.ssls.Unlink(ctx, ssl.ID, domain.ID); err != nil {
				return err
			}
			return s.domains.ClearSSL(ctx, domain.ID)
		})
		if err != nil {
			return fmt.Errorf("delete domain %s: %w", domain.Name, err)
		}
	}

	if err := s.domains.Delete(ctx, domain.ID); err != nil && !errors.Is(err, driven.ErrNotFound) {
		return fmt.Errorf("delete domain %s: %w", domain.Name, err)
	}

	s.logger.Info("domain deleted", "domain", domain.Name)
	return nil
}

// RecoverPending tears down domains left pending for longer than olderThan,
// which only happens when the process died mid-provisioning. It returns the
// number of domains removed.
func (s *ProvisioningService) RecoverPending(ctx context.Context, olderThan time.Duration) (int, error) {
	pending, err := s.domains.ListPending(ctx, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("list pending domains: %w", err)
	}

	var errs []error
	recovered := 0
	for _, d := range pending {
		s.logger.Warn("removing unfinished domain", "domain", d.Name, "created_at", d.CreatedAt)
		if err := s.DeleteDomain(ctx, d.ID); err != nil && !errors.Is(err, driven.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		recovered++
	}

	return recovered, errors.Join(errs...)
}

// authorize loads the caller and checks it owns the resource. Admins own
// everything.
func (s *ProvisioningService) authorize(ctx context.Context, userID, ownerID string) (*model.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, driven.ErrNotFound) {
			return nil, ErrForbidden
		}
		return nil, err
	}
	if user.ID != ownerID && !user.IsAdmin {
		return nil, ErrForbidden
	}
	return user, nil
}

// GetDomain returns one of the caller's domains.
func (s *ProvisioningService) GetDomain(ctx context.Context, userID, id string) (*model.Domain, error) {
	domain, err := s.domains.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, userID, domain.OwnerID); err != nil {
		return nil, err
	}
	return domain, nil
}

// DeleteOwnedDomain deletes one of the caller's domains.
func (s *ProvisioningService) DeleteOwnedDomain(ctx context.Context, userID, id string) error {
	if _, err := s.GetDomain(ctx, userID, id); err != nil {
		return err
	}
	return s.DeleteDomain(ctx, id)
}

// ListDomains returns the caller's domains.
func (s *ProvisioningService) ListDomains(ctx context.Context, userID string) ([]model.Domain, error) {
	return s.domains.ListByOwner(ctx, userID)
}

// ListMailboxes returns the caller's mailboxes.
func (s *ProvisioningService) ListMailboxes(ctx context.Context, userID string) ([]model.MailBox, error) {
	return s.mailboxes.ListByOwner(ctx, userID)
}

// ListCertificates returns the caller's certificates.
func (s *ProvisioningService) ListCertificates(ctx context.Context, userID string) ([]model.SSL, error) {
	return s.ssls.ListByOwner(ctx, userID)
}

// RequestCertificate issues one certificate for the caller's domains, none
// of which may already have one, and binds it into the daemons of domains
// with mail enabled. An empty email falls back to the caller's.
func (s *ProvisioningService) RequestCertificate(ctx context.Context, userID string, domainIDs []string, email string) (*model.SSL, error) {
	if len(domainIDs) == 0 {
		return nil, validationf("certificate needs at least one domain")
	}

	domains, user, err := s.ownedDomains(ctx, userID, domainIDs)
	if err != nil {
		return nil, err
	}
	if email == "" {
		email = user.Email
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, d.Name)
	}
	unlock, err := lockAll(ctx, s.locker, names)
	if err != nil {
		return nil, fmt.Errorf("lock domains: %w", err)
	}
	defer unlock()

	for i, d := range domains {
		current, err := s.domains.GetByID(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if current.HasCertificate() {
			return nil, fmt.Errorf("domain %s already has a certificate: %w", d.Name, driven.ErrConflict)
		}
		domains[i] = *current
	}

	ssl, err := s.certs.RequestCertificate(ctx, domains, email, user)
	if err != nil {
		return nil, err
	}

	if err := s.mail.Bind(ctx, names, *ssl); err != nil {
		return ssl, err
	}
	return ssl, nil
}

func (s *ProvisioningService) ownedDomains(ctx context.Context, userID string, ids []string) ([]model.Domain, *model.User, error) {
	var user *model.User
	domains := make([]model.Domain, 0, len(ids))
	for _, id := range ids {
		d, err := s.domains.GetByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if user, err = s.authorize(ctx, userID, d.OwnerID); err != nil {
			return nil, nil, err
		}
		domains = append(domains, *d)
	}
	return domains, user, nil
}

// DeleteCertificate unbinds one of the caller's certificates from the
// daemons and deletes it.
func (s *ProvisioningService) DeleteCertificate(ctx context.Context, userID, sslID string) error {
	ssl, err := s.ssls.GetByID(ctx, sslID)
	if err != nil {
		return err
	}
	if _, err := s.authorize(ctx, userID, ssl.OwnerID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock, err := lockAll(ctx, s.locker, ssl.DomainNames())
	if err != nil {
		return fmt.Errorf("lock domains: %w", err)
	}
	defer unlock()

	if err := s.mail.Unbind(ctx, ssl.DomainNames()); err != nil {
		return err
	}
	return s.certs.DeleteCertificate(ctx, *ssl)
}

// CreateMailbox adds a mailbox to one of the caller's mail domains.
func (s *ProvisioningService) CreateMailbox(ctx context.Context, userID, domainID, username, password string) (*model.MailBox, error) {
	domain, err := s.domains.GetByID(ctx, domainID)
	if err != nil {
		return nil, err
	}
	user, err := s.authorize(ctx, userID, domain.OwnerID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock, err := s.locker.Lock(ctx, domain.Name)
	if err != nil {
		return nil, fmt.Errorf("lock domain %s: %w", domain.Name, err)
	}
	defer unlock()

	return s.mail.CreateMailbox(ctx, *domain, user, username, password)
}

// DeleteMailbox removes one of the caller's mailboxes.
func (s *ProvisioningService) DeleteMailbox(ctx context.Context, userID, mailboxID string) error {
	mailbox, err := s.mailboxes.GetByID(ctx, mailboxID)
	if err != nil {
		return err
	}
	if _, err := s.authorize(ctx, userID, mailbox.OwnerID); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unlock, err := s.locker.Lock(ctx, mailbox.DomainName)
	if err != nil {
		return fmt.Errorf("lock domain %s: %w", mailbox.DomainName, err)
	}
	defer unlock()

	return s.mail.DeleteMailbox(ctx, *mailbox)
}

// DomainRecords regenerates the records of one of the caller's mail domains.
func (s *ProvisioningService) DomainRecords(ctx context.Context, userID, domainID string) ([]model.DNSRecord, error) {
	domain, err := s.GetDomain(ctx, userID, domainID)
	if err != nil {
		return nil, err
	}
	return s.mail.Records(ctx, *domain)
}

// VerifyDomainRecords checks which of the domain's records public DNS serves.
func (s *ProvisioningService) VerifyDomainRecords(ctx context.Context, userID, domainID string) ([]driven.RecordCheck, error) {
	if s.verifier == nil {
		return nil, ErrVerificationDisabled
	}

	records, err := s.DomainRecords(ctx, userID, domainID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.verifier.Verify(ctx, records)
}
