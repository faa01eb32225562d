// Package auth validates the bearer tokens accepted by the control API.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scopes understood by the control API.
const (
	ScopeHealthRead  = "health:read"
	ScopeHealthWrite = "health:write"
)

// Config holds the HMAC secret and expected issuer.
type Config struct {
	Secret string
	Issuer string
}

// Enabled reports whether tokens can be verified at all.
func (c Config) Enabled() bool {
	return c.Secret != ""
}

// Claims is the normalized token payload.
type Claims struct {
	Subject   string
	DeviceID  string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

var (
	// ErrMissingToken is returned when the Authorization header is absent.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken wraps parsing and validation failures.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Parse validates an HS256 token and returns its claims.
func Parse(token string, cfg Config) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.Secret), nil
	}, jwt.WithIssuer(cfg.Issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	subject, _ := mc["sub"].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: sub claim required", ErrInvalidToken)
	}
	deviceID, _ := mc["device_id"].(string)

	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrInvalidToken
	}

	return &Claims{
		Subject:   subject,
		DeviceID:  deviceID,
		Scopes:    scopeSet(mc["scope"]),
		ExpiresAt: exp.Time,
	}, nil
}

// Issue signs a token for subject with the given scopes. healthsyncctl uses it
// to mint operator tokens.
func Issue(cfg Config, subject, deviceID string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	if !cfg.Enabled() {
		return "", errors.New("auth secret not configured")
	}
	claims := jwt.MapClaims{
		"sub":   subject,
		"iss":   cfg.Issuer,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
		"scope": strings.Join(scopes, " "),
	}
	if deviceID != "" {
		claims["device_id"] = deviceID
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
}

// scopeSet accepts a space-delimited string or a JSON array.
func scopeSet(value interface{}) map[string]struct{} {
	out := make(map[string]struct{})
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	switch v := value.(type) {
	case string:
		for _, s := range strings.Fields(v) {
			add(s)
		}
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case []string:
		for _, s := range v {
			add(s)
		}
	}
	return out
}

// HasScope reports whether the claims grant scope. Write implies read.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	if _, ok := c.Scopes[scope]; ok {
		return true
	}
	if scope == ScopeHealthRead {
		_, ok := c.Scopes[ScopeHealthWrite]
		return ok
	}
	return false
}
