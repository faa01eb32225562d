package auth

import (
	"net/http"
	"strings"
)

// Skipper lets requests through without a token.
type Skipper func(r *http.Request) bool

// Middleware authenticates requests with a bearer token.
type Middleware struct {
	Config  Config
	Skipper Skipper
}

// NewMiddleware skips /healthz and /metrics in addition to skip.
func NewMiddleware(cfg Config, skip Skipper) Middleware {
	return Middleware{Config: cfg, Skipper: func(r *http.Request) bool {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return true
		}
		return skip != nil && skip(r)
	}}
}

// Wrap rejects unauthenticated requests with 401.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skipper != nil && m.Skipper(r) {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := m.parseRequest(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="healthsync"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m Middleware) parseRequest(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		// Browsers cannot set headers on websocket upgrades.
		if token := r.URL.Query().Get("access_token"); token != "" && isUpgrade(r) {
			return Parse(token, m.Config)
		}
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return nil, ErrInvalidToken
	}
	return Parse(token, m.Config)
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
