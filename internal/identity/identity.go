// Package identity is the port to the external identity service. The engine
// never issues credentials; it only verifies bearer tokens and asks whether
// a provider passed the approval workflow.
package identity

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-negotiation/internal/faults"
)

const RoleProvider = "provider"

type Identity struct {
	UserID string
	Roles  []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// Verifier validates a bearer credential and resolves the caller.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// ProviderDirectory answers whether a provider cleared document verification.
type ProviderDirectory interface {
	IsApproved(providerID string) bool
}

type claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens issued by the identity service. The
// subject claim carries the user id.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, faults.New(faults.KindAuthorization, "missing bearer token")
	}
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, faults.Wrap(faults.KindAuthorization, "invalid bearer token", err)
	}
	if c.Subject == "" {
		return Identity{}, faults.New(faults.KindAuthorization, "token has no subject")
	}
	return Identity{UserID: c.Subject, Roles: c.Roles}, nil
}

// StaticDirectory is a fixed approval set, used in tests and single-node
// deployments where the approval list is provisioned out of band.
type StaticDirectory map[string]bool

func (d StaticDirectory) IsApproved(providerID string) bool { return d[providerID] }

// AllowAll approves every provider; the development default.
type AllowAll struct{}

func (AllowAll) IsApproved(string) bool { return true }
