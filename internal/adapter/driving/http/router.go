package httphandler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// NewRouter registers every route under /api/v1. Health is public; all other
// routes require a bearer token and the certificate audit routes require an
// administrator.
func NewRouter(h *Handler, auth *Authenticator, corsOrigins []string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Recovery innermost so panics are caught before logging.
	r.Use(logRequests(logger))
	r.Use(recoverPanics(logger))

	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(auth.Require)

			r.Route("/domains", func(r chi.Router) {
				r.Get("/", h.ListDomains)
				r.Post("/", h.AddDomain)
				r.Get("/{id}", h.GetDomain)
				r.Delete("/{id}", h.DeleteDomain)
				r.Get("/{id}/dns", h.DomainRecords)
				r.Get("/{id}/dns/verify", h.VerifyDomainRecords)
			})

			r.Route("/mailboxes", func(r chi.Router) {
				r.Get("/", h.ListMailboxes)
				r.Post("/", h.CreateMailbox)
				r.Delete("/{id}", h.DeleteMailbox)
			})

			r.Route("/ssl", func(r chi.Router) {
				r.Get("/", h.ListSSL)
				r.Post("/", h.RequestSSL)
				r.Delete("/{id}", h.DeleteSSL)
			})

			r.Route("/certificates", func(r chi.Router) {
				r.Use(requireAdmin)
				r.Get("/", h.ListAuthorityCertificates)
				r.Get("/sync", h.SyncReport)
				r.Post("/sync/repair", h.RepairSync)
			})
		})
	})

	return r
}
