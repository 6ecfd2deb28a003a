package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-negotiation/internal/faults"
)

const testSecret = "test-secret"

func mint(t *testing.T, secret, subject string, roles []string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestVerifyResolvesSubjectAndRoles(t *testing.T) {
	v := NewJWTVerifier(testSecret)
	token := mint(t, testSecret, "drv-1", []string{RoleProvider}, time.Now().Add(time.Hour))

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "drv-1" {
		t.Errorf("user id = %s, want drv-1", id.UserID)
	}
	if !id.HasRole(RoleProvider) {
		t.Error("provider role lost")
	}
	if id.HasRole("admin") {
		t.Error("phantom role granted")
	}
}

func TestVerifyRejections(t *testing.T) {
	v := NewJWTVerifier(testSecret)

	cases := map[string]string{
		"empty token":  "",
		"garbage":      "not.a.jwt",
		"wrong secret": mint(t, "other-secret", "drv-1", nil, time.Now().Add(time.Hour)),
		"expired":      mint(t, testSecret, "drv-1", nil, time.Now().Add(-time.Hour)),
		"no subject":   mint(t, testSecret, "", nil, time.Now().Add(time.Hour)),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			if faults.KindOf(err) != faults.KindAuthorization {
				t.Errorf("want authorization error, got %v", err)
			}
		})
	}
}

func TestDirectories(t *testing.T) {
	d := StaticDirectory{"drv-1": true}
	if !d.IsApproved("drv-1") || d.IsApproved("drv-2") {
		t.Error("static directory misreports approvals")
	}
	if !(AllowAll{}).IsApproved("anyone") {
		t.Error("AllowAll rejected a provider")
	}
}
