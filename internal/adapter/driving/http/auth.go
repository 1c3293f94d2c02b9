package httphandler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/ericfisherdev/mailpanel/internal/domain/model"
	"github.com/ericfisherdev/mailpanel/internal/domain/port/driven"
)

// TokenIssuer is the iss claim of every API token.
const TokenIssuer = "mailpanel"

// UserFinder loads the account a token was issued to.
type UserFinder interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

type userKey struct{}

// UserFromContext returns the authenticated caller stored by the auth
// middleware.
func UserFromContext(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey{}).(*model.User)
	return u, ok && u != nil
}

// MintToken signs an HS256 token whose subject is userID, valid for ttl from
// issuedAt.
func MintToken(secret []byte, userID string, issuedAt time.Time, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("empty signing secret")
	}
	tok, err := jwt.NewBuilder().
		Issuer(TokenIssuer).
		Subject(userID).
		IssuedAt(issuedAt).
		Expiration(issuedAt.Add(ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}

// Authenticator verifies bearer tokens and loads the caller.
type Authenticator struct {
	secret []byte
	users  UserFinder
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator for tokens signed with secret.
func NewAuthenticator(secret []byte, users UserFinder, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{secret: secret, users: users, logger: logger}
}

// Require rejects requests without a valid bearer token and stores the
// caller in the request context.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := a.subject(raw)
		if err != nil {
			a.logger.Debug("token rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		user, err := a.users.GetUser(r.Context(), userID)
		if err != nil {
			if errors.Is(err, driven.ErrNotFound) {
				writeError(w, http.StatusUnauthorized, "unknown user")
				return
			}
			a.logger.Error("failed to load token user", "user_id", userID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func (a *Authenticator) subject(raw string) (string, error) {
	tok, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.HS256, a.secret), jwt.WithValidate(false))
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if err := jwt.Validate(tok, jwt.WithIssuer(TokenIssuer)); err != nil {
		return "", fmt.Errorf("validate token: %w", err)
	}
	if tok.Subject() == "" {
		return "", errors.New("token has no subject")
	}
	return tok.Subject(), nil
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// requireAdmin allows only administrators through.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok || !user.IsAdmin {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
