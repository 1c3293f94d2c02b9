package application_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ericfisherdev/mailpanel/internal/application"
	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// --- Control-plane store ---

type memState struct {
	mu        sync.Mutex
	seq       int
	users     map[string]model.User
	domains   map[string]model.Domain
	ssls      map[string]model.SSL
	links     map[string][]string
	mailboxes map[string]model.MailBox
}

func newMemState() *memState {
	return &memState{
		users:     map[string]model.User{},
		domains:   map[string]model.Domain{},
		ssls:      map[string]model.SSL{},
		links:     map[string][]string{},
		mailboxes: map[string]model.MailBox{},
	}
}

func (m *memState) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

type memTx struct{}

func (memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type memUsers struct{ *memState }

func (s memUsers) Create(_ context.Context, u model.User) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return model.User{}, driven.ErrConflict
		}
	}
	if u.ID == "" {
		u.ID = s.nextID("user")
	}
	s.users[u.ID] = u
	return u, nil
}

func (s memUsers) GetByID(_ context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, driven.ErrNotFound
	}
	return &u, nil
}

func (s memUsers) ListAll(_ context.Context) ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.User
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

type memDomains struct {
	*memState
	statusErr error
}

func (s *memDomains) Create(_ context.Context, d model.Domain) (model.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.domains {
		if existing.Name == d.Name {
			return model.Domain{}, driven.ErrConflict
		}
	}
	d.ID = s.nextID("domain")
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	s.domains[d.ID] = d
	return d, nil
}

func (s *memDomains) GetByID(_ context.Context, id string) (*model.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[id]
	if !ok {
		return nil, driven.ErrNotFound
	}
	return &d, nil
}

func (s *memDomains) GetByName(_ context.Context, name string) (*model.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.domains {
		if d.Name == name {
			return &d, nil
		}
	}
	return nil, driven.ErrNotFound
}

func (s *memDomains) ListByOwner(_ context.Context, ownerID string) ([]model.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Domain
	for _, d := range s.domains {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memDomains) ListPending(_ context.Context, before time.Time) ([]model.Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Domain
	for _, d := range s.domains {
		if d.Status == model.DomainPending && d.CreatedAt.Before(before) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memDomains) SetStatus(_ context.Context, id string, status model.DomainStatus) error {
	if s.statusErr != nil {
		return s.statusErr
	}
	return s.update(id, func(d *model.Domain) { d.Status = status })
}

func (s *memDomains) SetSSL(_ context.Context, id, sslID string) error {
	return s.update(id, func(d *model.Domain) { d.SSLID = sslID })
}

func (s *memDomains) ClearSSL(_ context.Context, id string) error {
	err := s.update(id, func(d *model.Domain) { d.SSLID = "" })
	if errors.Is(err, driven.ErrNotFound) {
		return nil
	}
	return err
}

func (s *memDomains) update(id string, fn func(*model.Domain)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.domains[id]
	if !ok {
		return driven.ErrNotFound
	}
	fn(&d)
	s.domains[id] = d
	return nil
}

func (s *memDomains) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.domains[id]; !ok {
		return driven.ErrNotFound
	}
	for _, mb := range s.mailboxes {
		if mb.DomainID == id {
			return errors.New("FOREIGN KEY constraint failed")
		}
	}
	delete(s.domains, id)
	for sslID, ids := range s.links {
		s.links[sslID] = slices.DeleteFunc(ids, func(d string) bool { return d == id })
	}
	return nil
}

type memSSLs struct{ *memState }

func (s memSSLs) Create(_ context.Context, ssl model.SSL) (model.SSL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ssl.ID = s.nextID("ssl")
	var ids []string
	for _, d := range ssl.Domains {
		ids = append(ids, d.ID)
	}
	s.links[ssl.ID] = ids
	stored := ssl
	stored.Domains = nil
	s.ssls[ssl.ID] = stored
	return ssl, nil
}

func (s memSSLs) load(id string) (model.SSL, bool) {
	ssl, ok := s.ssls[id]
	if !ok {
		return model.SSL{}, false
	}
	for _, domainID := range s.links[id] {
		if d, ok := s.domains[domainID]; ok {
			ssl.Domains = append(ssl.Domains, d)
		}
	}
	return ssl, true
}

func (s memSSLs) GetByID(_ context.Context, id string) (*model.SSL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ssl, ok := s.load(id)
	if !ok {
		return nil, driven.ErrNotFound
	}
	return &ssl, nil
}

func (s memSSLs) ListAll(_ context.Context) ([]model.SSL, error) {
	return s.list(func(model.SSL) bool { return true }), nil
}

func (s memSSLs) ListByOwner(_ context.Context, ownerID string) ([]model.SSL, error) {
	return s.list(func(ssl model.SSL) bool { return ssl.OwnerID == ownerID }), nil
}

func (s memSSLs) list(keep func(model.SSL) bool) []model.SSL {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SSL
	for id := range s.ssls {
		ssl, _ := s.load(id)
		if keep(ssl) {
			out = append(out, ssl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s memSSLs) Unlink(_ context.Context, sslID, domainID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[sslID] = slices.DeleteFunc(s.links[sslID], func(d string) bool { return d == domainID })
	return nil
}

func (s memSSLs) Detach(_ context.Context, sslID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.domains {
		if d.SSLID == sslID {
			d.SSLID = ""
			s.domains[id] = d
		}
	}
	return nil
}

func (s memSSLs) SetExpiry(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ssl, ok := s.ssls[id]
	if !ok {
		return driven.ErrNotFound
	}
	ssl.ExpiresAt = expiresAt
	s.ssls[id] = ssl
	return nil
}

func (s memSSLs) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ssls[id]; !ok {
		return driven.ErrNotFound
	}
	delete(s.ssls, id)
	delete(s.links, id)
	return nil
}

type memMailboxes struct {
	*memState
	createErr error
}

func (s *memMailboxes) Create(_ context.Context, mb model.MailBox) (model.MailBox, error) {
	if s.createErr != nil {
		return model.MailBox{}, s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.mailboxes {
		if existing.DomainID == mb.DomainID && existing.Username == mb.Username {
			return model.MailBox{}, driven.ErrConflict
		}
	}
	mb.ID = s.nextID("mailbox")
	s.mailboxes[mb.ID] = mb
	return mb, nil
}

func (s *memMailboxes) GetByID(_ context.Context, id string) (*model.MailBox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.mailboxes[id]
	if !ok {
		return nil, driven.ErrNotFound
	}
	return &mb, nil
}

func (s *memMailboxes) ListByDomain(_ context.Context, domainID string) ([]model.MailBox, error) {
	return s.list(func(mb model.MailBox) bool { return mb.DomainID == domainID }), nil
}

func (s *memMailboxes) ListByOwner(_ context.Context, ownerID string) ([]model.MailBox, error) {
	return s.list(func(mb model.MailBox) bool { return mb.OwnerID == ownerID }), nil
}

func (s *memMailboxes) list(keep func(model.MailBox) bool) []model.MailBox {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.MailBox
	for _, mb := range s.mailboxes {
		if keep(mb) {
			out = append(out, mb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (s *memMailboxes) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mailboxes[id]; !ok {
		return driven.ErrNotFound
	}
	delete(s.mailboxes, id)
	return nil
}

// --- Certificate authority ---

type fakeAuthority struct {
	mu        sync.Mutex
	certs     map[string][]string
	issued    [][]string
	deleted   []string
	issueErr  error
	deleteErr error
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{certs: map[string][]string{}}
}

func (a *fakeAuthority) Issue(_ context.Context, domains []string, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.issueErr != nil {
		return a.issueErr
	}
	a.issued = append(a.issued, slices.Clone(domains))
	a.certs[domains[0]] = slices.Clone(domains)
	return nil
}

func (a *fakeAuthority) Delete(_ context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, name)
	if a.deleteErr != nil {
		return a.deleteErr
	}
	if _, ok := a.certs[name]; !ok {
		return driven.ErrCertificateNotFound
	}
	delete(a.certs, name)
	return nil
}

func (a *fakeAuthority) List(_ context.Context) ([]model.CertificateInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.CertificateInfo
	for name, domains := range a.certs {
		certPath, keyPath := a.Paths(name)
		out = append(out, model.CertificateInfo{
			Name:            name,
			Domains:         domains,
			ExpiresAt:       time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
			CertificatePath: certPath,
			KeyPath:         keyPath,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (a *fakeAuthority) Paths(name string) (string, string) {
	return "/live/" + name + "/fullchain.pem", "/live/" + name + "/privkey.pem"
}

func (a *fakeAuthority) has(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.certs[name]
	return ok
}

// --- Mail stack ---

type fakeMailStore struct {
	mu        sync.Mutex
	domains   map[string]bool
	users     map[string]string
	createErr error
}

func newFakeMailStore() *fakeMailStore {
	return &fakeMailStore{domains: map[string]bool{}, users: map[string]string{}}
}

func (f *fakeMailStore) CreateDomain(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if f.domains[name] {
		return driven.ErrConflict
	}
	f.domains[name] = true
	return nil
}

func (f *fakeMailStore) DomainExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.domains[name], nil
}

func (f *fakeMailStore) DeleteDomain(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.domains, name)
	return nil
}

func (f *fakeMailStore) CreateUser(_ context.Context, domain, email, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.domains[domain] {
		return errors.New("NOT NULL constraint failed: domain_id")
	}
	if _, ok := f.users[email]; ok {
		return driven.ErrConflict
	}
	f.users[email] = hash
	return nil
}

func (f *fakeMailStore) UserExists(_ context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.users[email]
	return ok, nil
}

func (f *fakeMailStore) DeleteUser(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, email)
	return nil
}

type fakeDKIM struct {
	mu      sync.Mutex
	keys    map[string]bool
	added   []string
	removed []string
	addErr  error
}

func newFakeDKIM() *fakeDKIM {
	return &fakeDKIM{keys: map[string]bool{}}
}

func dkimRecord(domain string) *model.DNSRecord {
	rec := model.NewRecord("mail._domainkey."+domain, model.RecordTXT, "v=DKIM1; k=rsa; p=KEY")
	return &rec
}

func (f *fakeDKIM) AddDomain(_ context.Context, domain string) (*model.DNSRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.added = append(f.added, domain)
	f.keys[domain] = true
	return dkimRecord(domain), nil
}

func (f *fakeDKIM) RemoveDomain(_ context.Context, domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, domain)
	delete(f.keys, domain)
	return nil
}

func (f *fakeDKIM) Record(_ context.Context, domain string) (*model.DNSRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.keys[domain] {
		return nil, driven.ErrNotFound
	}
	return dkimRecord(domain), nil
}

type fakeDaemons struct {
	mu       sync.Mutex
	delivery map[string]string
	transfer map[string]string
	bindErr  error
}

func newFakeDaemons() *fakeDaemons {
	return &fakeDaemons{delivery: map[string]string{}, transfer: map[string]string{}}
}

type fakeDelivery struct{ *fakeDaemons }

func (f fakeDelivery) AddCertificateBinding(_ context.Context, domains []string, ssl model.SSL) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bindErr != nil {
		return f.bindErr
	}
	for _, d := range domains {
		if !ssl.Covers(d) {
			return driven.ErrBinding
		}
		f.delivery[d] = ssl.CertificatePath
	}
	return nil
}

func (f fakeDelivery) RemoveCertificateBinding(_ context.Context, domains []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range domains {
		delete(f.delivery, d)
	}
	return nil
}

type fakeTransfer struct{ *fakeDaemons }

func (f fakeTransfer) AddCertificateBinding(_ context.Context, domain, certPath, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfer[domain] = certPath
	return nil
}

func (f fakeTransfer) RemoveCertificateBinding(_ context.Context, domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.transfer, domain)
	return nil
}

type fakeHasher struct{}

func (fakeHasher) Hash(_ context.Context, password string) (string, error) {
	return "CRYPT:" + password, nil
}

type fakeVerifier struct {
	published map[string]bool
}

func (f fakeVerifier) Verify(_ context.Context, records []model.DNSRecord) ([]driven.RecordCheck, error) {
	checks := make([]driven.RecordCheck, 0, len(records))
	for _, r := range records {
		checks = append(checks, driven.RecordCheck{Record: r, Published: f.published[r.Name]})
	}
	return checks, nil
}

// --- Harness ---

type harness struct {
	state     *memState
	users     memUsers
	domains   *memDomains
	ssls      memSSLs
	mailboxes *memMailboxes
	authority *fakeAuthority
	mailStore *fakeMailStore
	dkim      *fakeDKIM
	daemons   *fakeDaemons
	addresses *application.AddressBook

	certs        *application.CertificateService
	mail         *application.MailService
	provisioning *application.ProvisioningService
}

func newHarness() *harness {
	state := newMemState()
	h := &harness{
		state:     state,
		users:     memUsers{state},
		domains:   &memDomains{memState: state},
		ssls:      memSSLs{state},
		mailboxes: &memMailboxes{memState: state},
		authority: newFakeAuthority(),
		mailStore: newFakeMailStore(),
		dkim:      newFakeDKIM(),
		daemons:   newFakeDaemons(),
		addresses: application.NewAddressBook(nil, nil),
	}
	h.addresses.Set([]netip.Addr{netip.MustParseAddr("203.0.113.5"), netip.MustParseAddr("2001:db8::1")})

	locker := application.NewKeyedMutex()
	h.certs = application.NewCertificateService(h.authority, h.ssls, h.domains, h.users, memTx{}, locker, nil)
	h.mail = application.NewMailService(
		h.mailStore, h.mailboxes, h.dkim,
		fakeDelivery{h.daemons}, fakeTransfer{h.daemons}, fakeHasher{},
		h.addresses, "mail.example.net", nil,
	)
	h.provisioning = application.NewProvisioningService(
		memTx{}, h.users, h.domains, h.ssls, h.mailboxes,
		h.certs, h.mail, locker,
		fakeVerifier{published: map[string]bool{"example.com": true}},
		5*time.Second, nil,
	)
	return h
}

func (h *harness) addUser(email string, admin bool) model.User {
	u, err := h.users.Create(context.Background(), model.User{Name: email, Email: email, IsAdmin: admin})
	if err != nil {
		panic(err)
	}
	return u
}

func (h *harness) addDomain(ownerID, name string, status model.DomainStatus) model.Domain {
	d, err := h.domains.Create(context.Background(), model.Domain{Name: name, OwnerID: ownerID, Status: status})
	if err != nil {
		panic(err)
	}
	return d
}

func (h *harness) domainCount() int {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	return len(h.state.domains)
}

func (h *harness) sslCount() int {
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	return len(h.state.ssls)
}
