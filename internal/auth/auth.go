// Package auth implements the credential gate: a single static bearer secret
// checked on every route outside a fixed allow-list.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrInvalidScheme = errors.New("invalid Authorization header format")
	ErrInvalidKey    = errors.New("invalid API key")
)

// PublicPaths are served without credentials. Matching is exact.
var PublicPaths = []string{"/", "/health", "/docs", "/openapi.json"}

// Authenticator validates bearer tokens against the configured secret.
type Authenticator struct {
	keyHash [sha256.Size]byte
	public  map[string]struct{}
}

// NewAuthenticator creates an authenticator for secret. The secret itself is
// not retained.
func NewAuthenticator(secret string) *Authenticator {
	a := &Authenticator{
		keyHash: sha256.Sum256([]byte(secret)),
		public:  make(map[string]struct{}, len(PublicPaths)),
	}
	for _, p := range PublicPaths {
		a.public[p] = struct{}{}
	}
	return a
}

// IsPublic reports whether path bypasses authentication.
func (a *Authenticator) IsPublic(path string) bool {
	_, ok := a.public[path]
	return ok
}

// ValidateAPIKey compares apiKey with the secret in constant time.
func (a *Authenticator) ValidateAPIKey(apiKey string) error {
	hash := sha256.Sum256([]byte(apiKey))
	if subtle.ConstantTimeCompare(hash[:], a.keyHash[:]) != 1 {
		return ErrInvalidKey
	}
	return nil
}

// Authenticate decides whether r may proceed.
func (a *Authenticator) Authenticate(r *http.Request) error {
	if a.IsPublic(r.URL.Path) {
		return nil
	}
	apiKey, err := ExtractAPIKey(r)
	if err != nil {
		return err
	}
	return a.ValidateAPIKey(apiKey)
}

// ExtractAPIKey returns the token from an "Authorization: Bearer <token>"
// header. The scheme is case-sensitive and the token must be non-empty.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingHeader
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", ErrInvalidScheme
	}
	return token, nil
}
