// Package httphandler serves the provisioning REST API.
package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ericfisherdev/mailpanel/internal/application"
	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Provisioner is the caller-scoped provisioning surface.
type Provisioner interface {
	AddDomain(ctx context.Context, name, ownerID string, opts model.DomainOptions) (*application.ProvisionResult, error)
	GetDomain(ctx context.Context, userID, id string) (*model.Domain, error)
	DeleteOwnedDomain(ctx context.Context, userID, id string) error
	ListDomains(ctx context.Context, userID string) ([]model.Domain, error)
	DomainRecords(ctx context.Context, userID, domainID string) ([]model.DNSRecord, error)
	VerifyDomainRecords(ctx context.Context, userID, domainID string) ([]driven.RecordCheck, error)
	ListMailboxes(ctx context.Context, userID string) ([]model.MailBox, error)
	CreateMailbox(ctx context.Context, userID, domainID, username, password string) (*model.MailBox, error)
	DeleteMailbox(ctx context.Context, userID, mailboxID string) error
	ListCertificates(ctx context.Context, userID string) ([]model.SSL, error)
	RequestCertificate(ctx context.Context, userID string, domainIDs []string, email string) (*model.SSL, error)
	DeleteCertificate(ctx context.Context, userID, sslID string) error
}

// CertificateAuditor is the administrative view of the certificate authority.
type CertificateAuditor interface {
	ListCertificates(ctx context.Context) ([]model.CertificateInfo, error)
	Report(ctx context.Context) (application.SyncReport, error)
	Repair(ctx context.Context, policy application.RepairPolicy) (application.RepairResult, error)
}

// Pinger reports whether the control-plane store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	domains Provisioner
	certs   CertificateAuditor
	store   Pinger
	logger  *slog.Logger
}

// NewHandler creates a Handler. store may be nil, in which case health
// checks do not probe the database.
func NewHandler(domains Provisioner, certs CertificateAuditor, store Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		domains: domains,
		certs:   certs,
		store:   store,
		logger:  logger,
	}
}

// caller returns the authenticated user. Routes behind Authenticator.Require
// always have one.
func caller(w http.ResponseWriter, r *http.Request) (*model.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	}
	return user, ok
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// ListDomains returns the caller's domains.
func (h *Handler) ListDomains(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}

	domains, err := h.domains.ListDomains(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, h.logger, "failed to list domains", err)
		return
	}

	resp := make([]DomainResponse, 0, len(domains))
	for _, d := range domains {
		resp = append(resp, toDomainResponse(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddDomain provisions a domain. Administrators may provision on behalf of
// another user by setting owner_id.
func (h *Handler) AddDomain(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}

	var req AddDomainRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ownerID := user.ID
	if req.OwnerID != "" && req.OwnerID != user.ID {
		if !user.IsAdmin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		ownerID = req.OwnerID
	}

	opts := model.DomainOptions{
		RequestCertificate: req.Certificate,
		EnableEmail:        req.Email,
	}
	if req.Email {
		opts.Email = &model.EmailConfig{DKIM: req.DKIM}
	}

	result, err := h.domains.AddDomain(r.Context(), req.Name, ownerID, opts)
	if err != nil {
		writeServiceError(w, h.logger, "failed to add domain", err)
		return
	}

	resp := ProvisionResponse{
		Domain:  toDomainResponse(result.Domain),
		Records: toRecordResponses(result.Records),
	}
	if result.SSL != nil {
		ssl := toSSLResponse(*result.SSL)
		resp.SSL = &ssl
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetDomain returns one of the caller's domains.
func (h *Handler) GetDomain(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}

	domain, err := h.domains.GetDomain(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, "failed to get domain", err)
		return
	}
	writeJSON(w, http.StatusOK, toDomainResponse(*domain))
}

// DeleteDomain tears down one of the caller's domains.
func (h *Handler) DeleteDomain(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}

	if err := h.domains.DeleteOwnedDomain(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, h.logger, "failed to delete domain", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DomainRecords returns the DNS records a mail domain needs.
func (h *Handler) DomainRecords(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}

	records, err := h.domains.DomainRecords(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, "failed to build domain records", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponses(records))
}

// VerifyDomainRecords reports which of the domain's records are published.
func (h *Handler) VerifyDomainRecords(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}

	checks, err := h.domains.VerifyDomainRecords(r.Context(), user.ID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, application.ErrVerificationDisabled) {
			writeError(w, http.StatusNotImplemented, err.Error())
			return
		}
		writeServiceError(w, h.logger, "failed to verify domain records", err)
		return
	}

	resp := make([]RecordCheckResponse, 0, len(checks))
	for _, c := range checks {
		resp = append(resp, toRecordCheckResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListMailboxes returns the caller's mailboxes.
func (h *Handler) ListMailboxes(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}

	mailboxes, err := h.domains.ListMailboxes(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, h.logger, "failed to list mailboxes", err)
		return
	}

	resp := make([]MailboxResponse, 0, len(mailboxes))
	for _, m := range mailboxes {
		resp = append(resp, toMailboxResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateMailbox adds a mailbox to one of the caller's mail domains.
func (h *Handler) CreateMailbox(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}

	var req CreateMailboxRequest
	if !decodeBody(w, r, &req) {
		return
	}

	mailbox, err := h.domains.CreateMailbox(r.Context(), user.ID, req.DomainID, req.Username, req.Password)
	if err != nil {
		writeServiceError(w, h.logger, "failed to create mailbox", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMailboxResponse(*mailbox))
}

// DeleteMailbox removes one of the caller's mailboxes.
func (h *Handler) DeleteMailbox(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}

	if err := h.domains.DeleteMailbox(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, h.logger, "failed to delete mailbox", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSSL returns the caller's certificates.
func (h *Handler) ListSSL(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}

	ssls, err := h.domains.ListCertificates(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, h.logger, "failed to list certificates", err)
		return
	}

	resp := make([]SSLResponse, 0, len(ssls))
	for _, s := range ssls {
		resp = append(resp, toSSLResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// RequestSSL issues one certificate covering the given domains.
func (h *Handler) RequestSSL(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}

	var req RequestCertificateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ssl, err := h.domains.RequestCertificate(r.Context(), user.ID, req.DomainIDs, req.Email)
	if err != nil {
		writeServiceError(w, h.logger, "failed to request certificate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSSLResponse(*ssl))
}

// DeleteSSL deletes one of the caller's certificates.
func (h *Handler) DeleteSSL(w http.ResponseWriter, r *http.Request) {
	user, ok := caller(w, r)
	if !ok {
		return
	}

	if err := h.domains.DeleteCertificate(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, h.logger, "failed to delete certificate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAuthorityCertificates lists what the certificate authority manages.
func (h *Handler) ListAuthorityCertificates(w http.ResponseWriter, r *http.Request) {
	certs, err := h.certs.ListCertificates(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "failed to list authority certificates", err)
		return
	}

	resp := make([]CertificateInfoResponse, 0, len(certs))
	for _, c := range certs {
		resp = append(resp, toCertificateInfoResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// SyncReport compares the authority with the store. With strict=1 a drift
// is answered with 409.
func (h *Handler) SyncReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.certs.Report(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, "failed to compare certificates", err)
		return
	}

	status := http.StatusOK
	if strict := r.URL.Query().Get("strict"); (strict == "1" || strict == "true") && report.Drifted() {
		status = http.StatusConflict
	}
	writeJSON(w, status, toSyncReportResponse(report))
}

// RepairSync applies a repair policy to every drifted certificate.
func (h *Handler) RepairSync(w http.ResponseWriter, r *http.Request) {
	var req RepairRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.certs.Repair(r.Context(), application.RepairPolicy{
		AuthorityOnly: application.RepairAction(req.AuthorityOnly),
		StoreOnly:     application.RepairAction(req.StoreOnly),
	})
	if err != nil {
		writeServiceError(w, h.logger, "failed to repair certificates", err)
		return
	}
	writeJSON(w, http.StatusOK, toRepairResponse(result))
}

// Health reports liveness and, when a store is attached, its reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			h.logger.Error("health check failed", "error", err)
			status, code = "unavailable", http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, HealthResponse{
		Status: status,
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}
