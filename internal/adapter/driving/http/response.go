package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ericfisherdev/mailpanel/internal/application"
	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps an application error onto a status code. Server-side
// failures are logged; their detail is only exposed for failed external tools.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	var procErr *driven.ProcessError
	switch {
	case errors.Is(err, application.ErrValidation), errors.Is(err, model.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, application.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, driven.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, driven.ErrConflict), errors.Is(err, application.ErrConsistency), errors.Is(err, application.ErrBinding):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		logger.Error(msg, "error", err)
		writeError(w, http.StatusGatewayTimeout, "operation timed out")
	case errors.As(err, &procErr), errors.Is(err, application.ErrIssuance), errors.Is(err, application.ErrDeletion):
		logger.Error(msg, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		logger.Error(msg, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// DomainResponse is the JSON representation of a hosted domain.
type DomainResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id"`
	SSLID     string `json:"ssl_id,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// RecordResponse is one DNS record the operator must publish.
type RecordResponse struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Class string `json:"class"`
	Value string `json:"value"`
	Zone  string `json:"zone"`
}

// RecordCheckResponse reports whether public DNS serves a record.
type RecordCheckResponse struct {
	Record    RecordResponse `json:"record"`
	Published bool           `json:"published"`
	Found     []string       `json:"found"`
}

// SSLResponse is the JSON representation of a certificate record.
type SSLResponse struct {
	ID              string   `json:"id"`
	OwnerID         string   `json:"owner_id"`
	Domains         []string `json:"domains"`
	ExpiresAt       string   `json:"expires_at"`
	CertificatePath string   `json:"certificate_path"`
	KeyPath         string   `json:"key_path"`
	CreatedAt       string   `json:"created_at"`
}

// ProvisionResponse is returned by the add domain endpoint.
type ProvisionResponse struct {
	Domain  DomainResponse   `json:"domain"`
	SSL     *SSLResponse     `json:"ssl,omitempty"`
	Records []RecordResponse `json:"records"`
}

// MailboxResponse is the JSON representation of a mailbox. The password hash
// is never returned.
type MailboxResponse struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Username  string `json:"username"`
	DomainID  string `json:"domain_id"`
	OwnerID   string `json:"owner_id"`
	CreatedAt string `json:"created_at"`
}

// CertificateInfoResponse is a certificate as the authority reports it.
type CertificateInfoResponse struct {
	Name            string   `json:"name"`
	Serial          string   `json:"serial,omitempty"`
	KeyType         string   `json:"key_type,omitempty"`
	Domains         []string `json:"domains"`
	ExpiresAt       string   `json:"expires_at,omitempty"`
	CertificatePath string   `json:"certificate_path"`
	KeyPath         string   `json:"key_path"`
}

// SyncReportResponse compares the authority with the store.
type SyncReportResponse struct {
	Drifted       bool                      `json:"drifted"`
	AuthorityOnly []CertificateInfoResponse `json:"authority_only"`
	StoreOnly     []SSLResponse             `json:"store_only"`
	InSync        []string                  `json:"in_sync"`
}

// RepairOutcomeResponse is what happened to one drifted certificate.
type RepairOutcomeResponse struct {
	Domain string `json:"domain"`
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

// RepairResponse is returned by the repair endpoint.
type RepairResponse struct {
	Failed   int                     `json:"failed"`
	Outcomes []RepairOutcomeResponse `json:"outcomes"`
}

// AddDomainRequest is the JSON body for the add domain endpoint.
type AddDomainRequest struct {
	Name        string `json:"name"`
	OwnerID     string `json:"owner_id"`
	Certificate bool   `json:"certificate"`
	Email       bool   `json:"email"`
	DKIM        bool   `json:"dkim"`
}

// CreateMailboxRequest is the JSON body for the create mailbox endpoint.
type CreateMailboxRequest struct {
	DomainID string `json:"domain_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// RequestCertificateRequest is the JSON body for the request certificate endpoint.
type RequestCertificateRequest struct {
	DomainIDs []string `json:"domain_ids"`
	Email     string   `json:"email"`
}

// RepairRequest selects the repair action per drift direction.
type RepairRequest struct {
	AuthorityOnly string `json:"authority_only"`
	StoreOnly     string `json:"store_only"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toDomainResponse(d model.Domain) DomainResponse {
	return DomainResponse{
		ID:        d.ID,
		Name:      d.Name,
		OwnerID:   d.OwnerID,
		SSLID:     d.SSLID,
		Status:    string(d.Status),
		CreatedAt: formatTime(d.CreatedAt),
	}
}

func toRecordResponse(r model.DNSRecord) RecordResponse {
	return RecordResponse{
		Name:  r.Name,
		Type:  string(r.Type),
		Class: r.Class,
		Value: r.Value,
		Zone:  r.String(),
	}
}

func toRecordResponses(records []model.DNSRecord) []RecordResponse {
	resp := make([]RecordResponse, 0, len(records))
	for _, r := range records {
		resp = append(resp, toRecordResponse(r))
	}
	return resp
}

func toRecordCheckResponse(c driven.RecordCheck) RecordCheckResponse {
	found := c.Found
	if found == nil {
		found = []string{}
	}
	return RecordCheckResponse{
		Record:    toRecordResponse(c.Record),
		Published: c.Published,
		Found:     found,
	}
}

func toSSLResponse(s model.SSL) SSLResponse {
	return SSLResponse{
		ID:              s.ID,
		OwnerID:         s.OwnerID,
		Domains:         s.DomainNames(),
		ExpiresAt:       formatTime(s.ExpiresAt),
		CertificatePath: s.CertificatePath,
		KeyPath:         s.KeyPath,
		CreatedAt:       formatTime(s.CreatedAt),
	}
}

func toMailboxResponse(m model.MailBox) MailboxResponse {
	return MailboxResponse{
		ID:        m.ID,
		Address:   m.Address(),
		Username:  m.Username,
		DomainID:  m.DomainID,
		OwnerID:   m.OwnerID,
		CreatedAt: formatTime(m.CreatedAt),
	}
}

func toCertificateInfoResponse(c model.CertificateInfo) CertificateInfoResponse {
	domains := c.Domains
	if domains == nil {
		domains = []string{}
	}
	return CertificateInfoResponse{
		Name:            c.Name,
		Serial:          c.Serial,
		KeyType:         c.KeyType,
		Domains:         domains,
		ExpiresAt:       formatTime(c.ExpiresAt),
		CertificatePath: c.CertificatePath,
		KeyPath:         c.KeyPath,
	}
}

func toSyncReportResponse(r application.SyncReport) SyncReportResponse {
	resp := SyncReportResponse{
		Drifted:       r.Drifted(),
		AuthorityOnly: make([]CertificateInfoResponse, 0, len(r.AuthorityOnly)),
		StoreOnly:     make([]SSLResponse, 0, len(r.StoreOnly)),
		InSync:        r.InSync,
	}
	if resp.InSync == nil {
		resp.InSync = []string{}
	}
	for _, c := range r.AuthorityOnly {
		resp.AuthorityOnly = append(resp.AuthorityOnly, toCertificateInfoResponse(c))
	}
	for _, s := range r.StoreOnly {
		resp.StoreOnly = append(resp.StoreOnly, toSSLResponse(s))
	}
	return resp
}

func toRepairResponse(r application.RepairResult) RepairResponse {
	resp := RepairResponse{
		Failed:   r.Failed(),
		Outcomes: make([]RepairOutcomeResponse, 0, len(r.Outcomes)),
	}
	for _, o := range r.Outcomes {
		out := RepairOutcomeResponse{Domain: o.Domain, Action: string(o.Action)}
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		resp.Outcomes = append(resp.Outcomes, out)
	}
	return resp
}
