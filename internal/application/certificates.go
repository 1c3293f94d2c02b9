package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// CertificateService manages certificates at the authority and their
// control-plane records.
type CertificateService struct {
	authority driven.CertificateAuthority
	ssls      driven.SSLStore
	domains   driven.DomainStore
	users     driven.UserStore
	tx        driven.TxManager
	locker    driven.Locker
	logger    *slog.Logger
	now       func() time.Time
}

// NewCertificateService creates a CertificateService. The locker serializes
// repairs against provisioning of the same domains.
func NewCertificateService(
	authority driven.CertificateAuthority,
	ssls driven.SSLStore,
	domains driven.DomainStore,
	users driven.UserStore,
	tx driven.TxManager,
	locker driven.Locker,
	logger *slog.Logger,
) *CertificateService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CertificateService{
		authority: authority,
		ssls:      ssls,
		domains:   domains,
		users:     users,
		tx:        tx,
		locker:    locker,
		logger:    logger,
		now:       time.Now,
	}
}

// RequestCertificate issues one certificate covering every domain and
// records it, linked to the domains in order. When the authority fails no
// record is created.
func (s *CertificateService) RequestCertificate(ctx context.Context, domains []model.Domain, email string, user *model.User) (*model.SSL, error) {
	if len(domains) == 0 {
		return nil, validationf("certificate needs at least one domain")
	}
	if strings.TrimSpace(email) == "" {
		return nil, validationf("certificate needs a contact email")
	}
	if user == nil {
		return nil, validationf("certificate needs an owner")
	}

	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, d.Name)
	}

	start := s.now()
	if err := s.authority.Issue(ctx, names, email); err != nil {
		return nil, fmt.Errorf("%w for %s: %w", ErrIssuance, strings.Join(names, ", "), err)
	}

	certPath, keyPath := s.authority.Paths(names[0])
	ssl := model.SSL{
		OwnerID:         user.ID,
		Domains:         domains,
		ExpiresAt:       start.Add(model.CertificateValidity),
		CertificatePath: certPath,
		KeyPath:         keyPath,
	}

	created, err := s.record(ctx, ssl)
	if err != nil {
		// The authority holds a certificate nothing references; drop it.
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if delErr := s.authority.Delete(cleanupCtx, names[0]); delErr != nil && !errors.Is(delErr, driven.ErrCertificateNotFound) {
			s.logger.Error("orphaned certificate not deleted", "domain", names[0], "error", delErr)
		}
		return nil, err
	}

	s.logger.Info("certificate issued", "ssl_id", created.ID, "domains", names, "duration", s.now().Sub(start))
	return &created, nil
}

// record stores the certificate and points each domain at it.
func (s *CertificateService) record(ctx context.Context, ssl model.SSL) (model.SSL, error) {
	var created model.SSL
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		if created, err = s.ssls.Create(ctx, ssl); err != nil {
			return err
		}
		for _, d := range ssl.Domains {
			if err := s.domains.SetSSL(ctx, d.ID, created.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.SSL{}, fmt.Errorf("record certificate: %w", err)
	}
	return created, nil
}

// DeleteCertificate deletes the certificate at the authority and then its
// record. A certificate the authority no longer knows, or a record already
// gone, is treated as deleted.
func (s *CertificateService) DeleteCertificate(ctx context.Context, ssl model.SSL) error {
	if name := ssl.CanonicalName(); name != "" {
		if err := s.authority.Delete(ctx, name); err != nil {
			if !errors.Is(err, driven.ErrCertificateNotFound) {
				return fmt.Errorf("%w for %s: %w", ErrDeletion, name, err)
			}
			s.logger.Warn("certificate already absent at authority", "domain", name)
		}
	}

	if err := s.forget(ctx, ssl.ID); err != nil {
		return err
	}

	s.logger.Info("certificate deleted", "ssl_id", ssl.ID, "domains", ssl.DomainNames())
	return nil
}

// forget clears every reference to the record and deletes it.
func (s *CertificateService) forget(ctx context.Context, sslID string) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.ssls.Detach(ctx, sslID); err != nil {
			return err
		}
		if err := s.ssls.Delete(ctx, sslID); err != nil && !errors.Is(err, driven.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete certificate record %s: %w", sslID, err)
	}
	return nil
}

// ListCertificates returns the certificates the authority knows about.
func (s *CertificateService) ListCertificates(ctx context.Context) ([]model.CertificateInfo, error) {
	certs, err := s.authority.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	return certs, nil
}

// SyncReport is the difference between the authority and the store, keyed
// by canonical domain.
type SyncReport struct {
	AuthorityOnly []model.CertificateInfo
	StoreOnly     []model.SSL
	InSync        []string
}

// Drifted reports whether either side has certificates the other lacks.
func (r SyncReport) Drifted() bool {
	return len(r.AuthorityOnly) > 0 || len(r.StoreOnly) > 0
}

// Report compares the authority listing with the stored certificates.
func (s *CertificateService) Report(ctx context.Context) (SyncReport, error) {
	authority, err := s.ListCertificates(ctx)
	if err != nil {
		return SyncReport{}, err
	}

	stored, err := s.ssls.ListAll(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("list stored certificates: %w", err)
	}

	storedByName := make(map[string]model.SSL, len(stored))
	for _, ssl := range stored {
		name := ssl.CanonicalName()
		if name == "" {
			s.logger.Warn("stored certificate has no domains", "ssl_id", ssl.ID)
			continue
		}
		storedByName[name] = ssl
	}

	var report SyncReport
	seen := make(map[string]bool, len(authority))
	for _, info := range authority {
		name := info.CanonicalName()
		seen[name] = true
		if _, ok := storedByName[name]; ok {
			report.InSync = append(report.InSync, name)
			continue
		}
		report.AuthorityOnly = append(report.AuthorityOnly, info)
	}

	for _, ssl := range stored {
		name := ssl.CanonicalName()
		if name != "" && !seen[name] {
			report.StoreOnly = append(report.StoreOnly, ssl)
		}
	}

	return report, nil
}

// VerifySynchronization returns a *ConsistencyError naming every canonical
// domain present on only one side.
func (s *CertificateService) VerifySynchronization(ctx context.Context) error {
	report, err := s.Report(ctx)
	if err != nil {
		return err
	}
	if !report.Drifted() {
		return nil
	}

	drift := &ConsistencyError{}
	for _, info := range report.AuthorityOnly {
		drift.AuthorityOnly = append(drift.AuthorityOnly, info.CanonicalName())
	}
	for _, ssl := range report.StoreOnly {
		drift.StoreOnly = append(drift.StoreOnly, ssl.CanonicalName())
	}
	slices.Sort(drift.AuthorityOnly)
	slices.Sort(drift.StoreOnly)
	return drift
}

// RepairAction is what Repair does with one drifted certificate.
type RepairAction string

const (
	// ActionNone leaves the certificate alone.
	ActionNone RepairAction = "none"
	// ActionImport records an authority-only certificate in the store.
	ActionImport RepairAction = "import"
	// ActionRevoke deletes an authority-only certificate at the authority.
	ActionRevoke RepairAction = "revoke"
	// ActionReissue issues a store-only certificate again.
	ActionReissue RepairAction = "reissue"
	// ActionForget deletes a store-only certificate record.
	ActionForget RepairAction = "forget"
)

// RepairPolicy chooses the action per drift direction.
type RepairPolicy struct {
	AuthorityOnly RepairAction
	StoreOnly     RepairAction
}

// Validate rejects actions that do not apply to their direction.
func (p RepairPolicy) Validate() error {
	switch p.AuthorityOnly {
	case ActionNone, ActionImport, ActionRevoke:
	default:
		return validationf("action %q does not apply to authority-only certificates", p.AuthorityOnly)
	}
	switch p.StoreOnly {
	case ActionNone, ActionReissue, ActionForget:
	default:
		return validationf("action %q does not apply to store-only certificates", p.StoreOnly)
	}
	return nil
}

// RepairOutcome records what happened to one drifted certificate.
type RepairOutcome struct {
	Domain string
	Action RepairAction
	Err    error
}

// RepairResult lists one outcome per drifted certificate.
type RepairResult struct {
	Outcomes []RepairOutcome
}

// Failed counts outcomes that ended in an error.
func (r RepairResult) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Repair applies the policy to every drifted certificate. Individual
// failures are recorded in the result and do not stop the pass.
func (s *CertificateService) Repair(ctx context.Context, policy RepairPolicy) (RepairResult, error) {
	if policy.AuthorityOnly == "" {
		policy.AuthorityOnly = ActionNone
	}
	if policy.StoreOnly == "" {
		policy.StoreOnly = ActionNone
	}
	if err := policy.Validate(); err != nil {
		return RepairResult{}, err
	}

	report, err := s.Report(ctx)
	if err != nil {
		return RepairResult{}, err
	}

	var result RepairResult

	for _, info := range report.AuthorityOnly {
		outcome := RepairOutcome{Domain: info.CanonicalName(), Action: policy.AuthorityOnly}
		outcome.Err = s.locked(ctx, info.Domains, func(ctx context.Context) error {
			switch policy.AuthorityOnly {
			case ActionImport:
				return s.importCertificate(ctx, info)
			case ActionRevoke:
				return s.revoke(ctx, info)
			}
			return nil
		})
		s.logOutcome(outcome)
		result.Outcomes = append(result.Outcomes, outcome)
	}

	for _, ssl := range report.StoreOnly {
		outcome := RepairOutcome{Domain: ssl.CanonicalName(), Action: policy.StoreOnly}
		outcome.Err = s.locked(ctx, ssl.DomainNames(), func(ctx context.Context) error {
			switch policy.StoreOnly {
			case ActionReissue:
				return s.reissue(ctx, ssl)
			case ActionForget:
				return s.forget(ctx, ssl.ID)
			}
			return nil
		})
		s.logOutcome(outcome)
		result.Outcomes = append(result.Outcomes, outcome)
	}

	return result, nil
}

func (s *CertificateService) locked(ctx context.Context, names []string, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	unlock, err := lockAll(ctx, s.locker, names)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

func (s *CertificateService) logOutcome(o RepairOutcome) {
	if o.Err != nil {
		s.logger.Error("certificate repair failed", "domain", o.Domain, "action", o.Action, "error", o.Err)
		return
	}
	if o.Action != ActionNone {
		s.logger.Info("certificate repaired", "domain", o.Domain, "action", o.Action)
	}
}

// importCertificate records an authority certificate whose domains all exist
// in the store. The first domain's owner owns the record.
func (s *CertificateService) importCertificate(ctx context.Context, info model.CertificateInfo) error {
	if len(info.Domains) == 0 {
		return validationf("certificate %s lists no domains", info.Name)
	}

	domains := make([]model.Domain, 0, len(info.Domains))
	for _, name := range info.Domains {
		d, err := s.domains.GetByName(ctx, name)
		if err != nil {
			return fmt.Errorf("import certificate %s: %w", info.Name, err)
		}
		if d.HasCertificate() {
			return fmt.Errorf("import certificate %s: domain %s already has one: %w", info.Name, name, driven.ErrConflict)
		}
		domains = append(domains, *d)
	}

	certPath, keyPath := info.CertificatePath, info.KeyPath
	if certPath == "" || keyPath == "" {
		certPath, keyPath = s.authority.Paths(info.CanonicalName())
	}
	expiresAt := info.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(model.CertificateValidity)
	}

	_, err := s.record(ctx, model.SSL{
		OwnerID:         domains[0].OwnerID,
		Domains:         domains,
		ExpiresAt:       expiresAt,
		CertificatePath: certPath,
		KeyPath:         keyPath,
	})
	return err
}

func (s *CertificateService) revoke(ctx context.Context, info model.CertificateInfo) error {
	name := info.Name
	if name == "" {
		name = info.CanonicalName()
	}
	if err := s.authority.Delete(ctx, name); err != nil && !errors.Is(err, driven.ErrCertificateNotFound) {
		return fmt.Errorf("%w for %s: %w", ErrDeletion, name, err)
	}
	return nil
}

// reissue issues a stored certificate again using its owner's contact email.
func (s *CertificateService) reissue(ctx context.Context, ssl model.SSL) error {
	owner, err := s.users.GetByID(ctx, ssl.OwnerID)
	if err != nil {
		return fmt.Errorf("reissue certificate %s: %w", ssl.ID, err)
	}
	if owner.Email == "" {
		return validationf("owner of certificate %s has no contact email", ssl.ID)
	}

	start := s.now()
	if err := s.authority.Issue(ctx, ssl.DomainNames(), owner.Email); err != nil {
		return fmt.Errorf("%w for %s: %w", ErrIssuance, ssl.CanonicalName(), err)
	}

	return s.ssls.SetExpiry(ctx, ssl.ID, start.Add(model.CertificateValidity))
}
