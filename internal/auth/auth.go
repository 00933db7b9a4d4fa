// Package auth provides API authentication for fraudguard.
//
// Authentication model:
//   - Checkout and internal callers present a static API key (role "service")
//   - Reviewers present an HS256 JWT whose "role" claim is reviewer or admin
//   - Health and metrics endpoints are public
//
// With neither keys nor a JWT secret configured the manager is permissive
// and every request runs as an anonymous admin. Config refuses that outside
// development.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoCredentials      = errors.New("credentials required")
	ErrInvalidCredentials = errors.New("invalid or expired credentials")
	ErrInvalidRole        = errors.New("invalid role")
)

// Role grants access to groups of endpoints.
type Role string

const (
	RoleService  Role = "service"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

// Method records how a principal authenticated.
type Method string

const (
	MethodAPIKey     Method = "api_key"
	MethodJWT        Method = "jwt"
	MethodPermissive Method = "permissive"
)

// Principal is the authenticated caller.
type Principal struct {
	Subject string `json:"subject"`
	Role    Role   `json:"role"`
	Method  Method `json:"method"`
}

// Claims is the JWT payload issued to reviewers.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Manager validates API keys and reviewer tokens.
type Manager struct {
	keyHashes [][sha256.Size]byte
	secret    []byte
	now       func() time.Time
}

// NewManager creates a manager for the configured API keys and JWT secret.
// Raw keys are hashed on construction and never retained.
func NewManager(apiKeys []string, jwtSecret string) *Manager {
	m := &Manager{now: time.Now}
	for _, k := range apiKeys {
		if k = strings.TrimSpace(k); k != "" {
			m.keyHashes = append(m.keyHashes, sha256.Sum256([]byte(k)))
		}
	}
	if jwtSecret != "" {
		m.secret = []byte(jwtSecret)
	}
	return m
}

// Permissive reports whether no credentials are configured at all.
func (m *Manager) Permissive() bool {
	return len(m.keyHashes) == 0 && len(m.secret) == 0
}

// Authenticate resolves a raw credential (with or without the "Bearer "
// prefix) into a principal.
func (m *Manager) Authenticate(raw string) (*Principal, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoCredentials
	}
	if strings.Count(raw, ".") == 2 && len(m.secret) > 0 {
		if p, err := m.parseToken(raw); err == nil {
			return p, nil
		}
	}
	if m.matchKey(raw) {
		return &Principal{Subject: "service", Role: RoleService, Method: MethodAPIKey}, nil
	}
	return nil, ErrInvalidCredentials
}

// matchKey compares against every configured hash so timing does not
// reveal which key, if any, matched.
func (m *Manager) matchKey(raw string) bool {
	sum := sha256.Sum256([]byte(raw))
	found := 0
	for i := range m.keyHashes {
		found |= subtle.ConstantTimeCompare(sum[:], m.keyHashes[i][:])
	}
	return found == 1
}

func (m *Manager) parseToken(raw string) (*Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if claims.Role != RoleReviewer && claims.Role != RoleAdmin {
		return nil, ErrInvalidRole
	}
	if claims.Subject == "" {
		return nil, ErrInvalidCredentials
	}
	return &Principal{Subject: claims.Subject, Role: claims.Role, Method: MethodJWT}, nil
}

// IssueToken signs a reviewer token. Used by operators and tests; the
// service itself never mints tokens on request.
func (m *Manager) IssueToken(subject string, role Role, ttl time.Duration) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("auth: no JWT secret configured")
	}
	if role != RoleReviewer && role != RoleAdmin {
		return "", ErrInvalidRole
	}
	now := m.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}
