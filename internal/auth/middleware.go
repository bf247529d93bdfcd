package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ms-registration/internal/logger"
	"ms-registration/internal/models"
)

type contextKey string

const authContextKey contextKey = "auth_context"

type Middleware struct {
	verifier          Verifier
	adminRole         string
	registrationGated bool
	logger            *logger.Logger
}

func NewMiddleware(verifier Verifier, adminRole string, registrationGated bool, log *logger.Logger) *Middleware {
	return &Middleware{
		verifier:          verifier,
		adminRole:         adminRole,
		registrationGated: registrationGated,
		logger:            log,
	}
}

// Optional attaches the caller's identity when a token is present. Anonymous
// requests pass through; a present but invalid token is rejected.
func (m *Middleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := m.authenticate(r)
		if err != nil && !errors.Is(err, ErrNoToken) {
			m.logger.LogSecurity("AUTH_FAILED", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// Required rejects requests without a valid token.
func (m *Middleware) Required(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, err := m.authenticate(r)
		if err != nil {
			m.logger.LogSecurity("AUTH_FAILED", fmt.Sprintf("%s %s: %v", r.Method, r.URL.Path, err))
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// Admin requires a valid token carrying the admin role.
func (m *Middleware) Admin(next http.Handler) http.Handler {
	return m.Required(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac := FromContext(r.Context())
		if !ac.IsAdmin {
			m.logger.LogSecurity("FORBIDDEN", fmt.Sprintf("%s is not an admin (%s %s)", ac.Subject, r.Method, r.URL.Path))
			http.Error(w, "admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (m *Middleware) authenticate(r *http.Request) (models.AuthContext, error) {
	ac := models.AuthContext{RegistrationGated: m.registrationGated}

	rawToken, err := ExtractTokenFromRequest(r)
	if err != nil {
		return ac, err
	}
	claims, err := m.verifier.Verify(r.Context(), rawToken)
	if err != nil {
		return ac, err
	}

	ac.Subject = claims.Subject
	ac.Email = claims.Email
	ac.IsAdmin = claims.HasRole(m.adminRole)
	return ac, nil
}

func WithAuthContext(ctx context.Context, ac models.AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, ac)
}

// FromContext returns the caller's auth context, or an anonymous one.
func FromContext(ctx context.Context) models.AuthContext {
	if ac, ok := ctx.Value(authContextKey).(models.AuthContext); ok {
		return ac
	}
	return models.AuthContext{}
}
