package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

const (
	minPasswordLength = 8
	// bcrypt ignores input past 72 bytes.
	maxPasswordLength = 72
)

var localPartPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._%+-]{0,63}$`)

// MailService keeps the mail datastore, the control-plane mailboxes and the
// daemon configuration consistent for hosted mail domains.
type MailService struct {
	mail      driven.MailStore
	mailboxes driven.MailboxStore
	dkim      driven.DKIMManager
	delivery  driven.DeliveryAgent
	transfer  driven.TransferAgent
	hasher    driven.PasswordHasher
	addresses AddressSource
	mailHost  string
	logger    *slog.Logger
}

// NewMailService creates a MailService. mailHost is the MX target; when
// empty no MX record is synthesized.
func NewMailService(
	mail driven.MailStore,
	mailboxes driven.MailboxStore,
	dkim driven.DKIMManager,
	delivery driven.DeliveryAgent,
	transfer driven.TransferAgent,
	hasher driven.PasswordHasher,
	addresses AddressSource,
	mailHost string,
	logger *slog.Logger,
) *MailService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MailService{
		mail:      mail,
		mailboxes: mailboxes,
		dkim:      dkim,
		delivery:  delivery,
		transfer:  transfer,
		hasher:    hasher,
		addresses: addresses,
		mailHost:  mailHost,
		logger:    logger,
	}
}

// AddDomain enables mail for the domain and returns the records the operator
// has to publish. A failure part way leaves residue that RemoveDomain clears.
func (s *MailService) AddDomain(ctx context.Context, domain model.Domain, user *model.User, cfg model.EmailConfig, ssl *model.SSL) ([]model.DNSRecord, error) {
	if user == nil {
		return nil, validationf("mail domain needs an owner")
	}

	if err := s.mail.CreateDomain(ctx, domain.Name); err != nil {
		return nil, fmt.Errorf("add mail domain %s: %w", domain.Name, err)
	}

	var dkim *model.DNSRecord
	if cfg.DKIM {
		var err error
		if dkim, err = s.dkim.AddDomain(ctx, domain.Name); err != nil {
			return nil, fmt.Errorf("add dkim key for %s: %w", domain.Name, err)
		}
	}

	if ssl != nil {
		if err := s.bind(ctx, domain.Name, *ssl); err != nil {
			return nil, err
		}
	}

	s.logger.Info("mail domain added", "domain", domain.Name, "dkim", cfg.DKIM, "tls", ssl != nil)
	return mailRecords(domain.Name, s.addressList(), dkim, s.mailHost), nil
}

// RemoveDomain tears down everything AddDomain created, including every
// mailbox of the domain. Missing pieces are skipped, so it can be retried.
func (s *MailService) RemoveDomain(ctx context.Context, domain model.Domain) error {
	mailboxes, err := s.mailboxes.ListByDomain(ctx, domain.ID)
	if err != nil {
		return fmt.Errorf("list mailboxes of %s: %w", domain.Name, err)
	}
	for _, mb := range mailboxes {
		if mb.DomainName == "" {
			mb.DomainName = domain.Name
		}
		if err := s.DeleteMailbox(ctx, mb); err != nil {
			return err
		}
	}

	if err := s.mail.DeleteDomain(ctx, domain.Name); err != nil {
		return fmt.Errorf("remove mail domain %s: %w", domain.Name, err)
	}

	if err := s.dkim.RemoveDomain(ctx, domain.Name); err != nil {
		return fmt.Errorf("remove dkim key for %s: %w", domain.Name, err)
	}

	if err := s.Unbind(ctx, []string{domain.Name}); err != nil {
		return err
	}

	s.logger.Info("mail domain removed", "domain", domain.Name, "mailboxes", len(mailboxes))
	return nil
}

// MailEnabled reports whether the domain has a virtual-domain row.
func (s *MailService) MailEnabled(ctx context.Context, name string) (bool, error) {
	ok, err := s.mail.DomainExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("check mail domain %s: %w", name, err)
	}
	return ok, nil
}

// Bind installs the certificate in both daemons for every listed domain that
// has mail enabled.
func (s *MailService) Bind(ctx context.Context, names []string, ssl model.SSL) error {
	for _, name := range names {
		enabled, err := s.MailEnabled(ctx, name)
		if err != nil {
			return err
		}
		if !enabled {
			continue
		}
		if err := s.bind(ctx, name, ssl); err != nil {
			return err
		}
	}
	return nil
}

func (s *MailService) bind(ctx context.Context, name string, ssl model.SSL) error {
	if err := s.delivery.AddCertificateBinding(ctx, []string{name}, ssl); err != nil {
		return fmt.Errorf("bind delivery certificate for %s: %w", name, err)
	}
	if err := s.transfer.AddCertificateBinding(ctx, name, ssl.CertificatePath, ssl.KeyPath); err != nil {
		return fmt.Errorf("bind transfer certificate for %s: %w", name, err)
	}
	return nil
}

// Unbind removes the certificate bindings of the domains from both daemons.
func (s *MailService) Unbind(ctx context.Context, names []string) error {
	if err := s.delivery.RemoveCertificateBinding(ctx, names); err != nil {
		return fmt.Errorf("unbind delivery certificates: %w", err)
	}
	for _, name := range names {
		if err := s.transfer.RemoveCertificateBinding(ctx, name); err != nil {
			return fmt.Errorf("unbind transfer certificate for %s: %w", name, err)
		}
	}
	return nil
}

// CreateMailbox provisions a mailbox as a pair: the virtual user the daemons
// read and the control-plane record. The virtual domain must already exist.
func (s *MailService) CreateMailbox(ctx context.Context, domain model.Domain, user *model.User, username, password string) (*model.MailBox, error) {
	if user == nil {
		return nil, validationf("mailbox needs an owner")
	}
	if !localPartPattern.MatchString(username) {
		return nil, validationf("invalid mailbox name %q", username)
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return nil, validationf("password must be %d to %d characters", minPasswordLength, maxPasswordLength)
	}

	enabled, err := s.MailEnabled(ctx, domain.Name)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, fmt.Errorf("mail domain %s: %w", domain.Name, driven.ErrNotFound)
	}

	mailbox := model.MailBox{
		Username:   username,
		OwnerID:    user.ID,
		DomainID:   domain.ID,
		DomainName: domain.Name,
	}
	email := mailbox.Address()

	exists, err := s.mail.UserExists(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("check mailbox %s: %w", email, err)
	}
	if exists {
		return nil, fmt.Errorf("mailbox %s: %w", email, driven.ErrConflict)
	}

	daemonHash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return nil, fmt.Errorf("hash password for %s: %w", email, err)
	}

	controlHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password for %s: %w", email, err)
	}
	mailbox.PasswordHash = string(controlHash)

	if err := s.mail.CreateUser(ctx, domain.Name, email, daemonHash); err != nil {
		return nil, fmt.Errorf("create mailbox %s: %w", email, err)
	}

	created, err := s.mailboxes.Create(ctx, mailbox)
	if err != nil {
		s.logger.Warn("mailbox record failed, removing virtual user", "email", email, "error", err)
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if delErr := s.mail.DeleteUser(cleanupCtx, email); delErr != nil {
			s.logger.Error("virtual user left without mailbox record", "email", email, "error", delErr)
		}
		return nil, fmt.Errorf("create mailbox %s: %w", email, err)
	}

	s.logger.Info("mailbox created", "email", email, "domain", domain.Name)
	return &created, nil
}

// DeleteMailbox removes the virtual user, then the control-plane record.
// Either may already be gone.
func (s *MailService) DeleteMailbox(ctx context.Context, mailbox model.MailBox) error {
	email := mailbox.Address()

	if err := s.mail.DeleteUser(ctx, email); err != nil {
		return fmt.Errorf("delete virtual user %s: %w", email, err)
	}

	if err := s.mailboxes.Delete(ctx, mailbox.ID); err != nil && !errors.Is(err, driven.ErrNotFound) {
		return fmt.Errorf("delete mailbox %s: %w", email, err)
	}

	s.logger.Info("mailbox deleted", "email", email)
	return nil
}

// Records regenerates the published records of a mail domain.
func (s *MailService) Records(ctx context.Context, domain model.Domain) ([]model.DNSRecord, error) {
	enabled, err := s.MailEnabled(ctx, domain.Name)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, fmt.Errorf("mail domain %s: %w", domain.Name, driven.ErrNotFound)
	}

	dkim, err := s.dkim.Record(ctx, domain.Name)
	if err != nil {
		if !errors.Is(err, driven.ErrNotFound) {
			return nil, fmt.Errorf("read dkim record for %s: %w", domain.Name, err)
		}
		dkim = nil
	}

	return mailRecords(domain.Name, s.addressList(), dkim, s.mailHost), nil
}

func (s *MailService) addressList() []netip.Addr {
	if s.addresses == nil {
		return nil
	}
	return s.addresses.Addresses()
}
