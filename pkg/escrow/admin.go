package escrow

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// ScopeLookup grants Service.Lookup.
	ScopeLookup = "escrow:lookup"
	// AdminIssuer is the iss claim of admin tokens.
	AdminIssuer = "irgate/admin"
	// AllTenants in the tenant_id claim grants every tenant.
	AllTenants = "*"
)

// AdminClaims are the claims of an escrow admin token.
type AdminClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes"`
}

// Allows reports whether the claims grant scope on tenantID.
func (c *AdminClaims) Allows(scope, tenantID string) bool {
	if !slices.Contains(c.Scopes, scope) {
		return false
	}
	return c.TenantID == AllTenants || c.TenantID == tenantID
}

// Authority issues and verifies HS256 admin tokens.
type Authority struct {
	secret []byte
	now    func() time.Time
}

func NewAuthority(secret []byte) (*Authority, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("escrow: admin secret must be at least %d bytes", minSecretLen)
	}
	return &Authority{secret: append([]byte(nil), secret...), now: time.Now}, nil
}

// Issue signs a token for subject scoped to tenantID (or AllTenants).
func (a *Authority) Issue(subject, tenantID string, ttl time.Duration, scopes ...string) (string, error) {
	if subject == "" || tenantID == "" {
		return "", errors.New("escrow: admin token needs subject and tenant")
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeLookup}
	}
	now := a.now().UTC()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    AdminIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		Scopes:   scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates a token. Every failure wraps ErrAccessDenied.
func (a *Authority) Verify(token string) (*AdminClaims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing admin token", ErrAccessDenied)
	}
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(AdminIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAccessDenied, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrAccessDenied)
	}
	return claims, nil
}
