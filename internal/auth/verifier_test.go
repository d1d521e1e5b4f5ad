package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/ent0n29/tasksync/internal/apperr"
)

const testSecret = "test-secret"

func TestVerifyCredentialHMAC(t *testing.T) {
	v, err := NewHMACVerifier(testSecret, "tasksync", "issuer-1")
	if err != nil {
		t.Fatalf("NewHMACVerifier() error = %v", err)
	}
	token, err := SignHMAC(testSecret, Identity{ID: "u1", Role: RoleAdmin}, "tasksync", "issuer-1", time.Minute)
	if err != nil {
		t.Fatalf("SignHMAC() error = %v", err)
	}

	id, err := v.VerifyCredential(token)
	if err != nil {
		t.Fatalf("VerifyCredential() error = %v", err)
	}
	if id.ID != "u1" || !id.IsAdmin() {
		t.Fatalf("identity = %+v, want admin u1", id)
	}
}

func TestVerifyCredentialDefaultsToUserRole(t *testing.T) {
	v, _ := NewHMACVerifier(testSecret, "", "")
	token, err := SignHMAC(testSecret, Identity{ID: "u2"}, "", "", time.Minute)
	if err != nil {
		t.Fatalf("SignHMAC() error = %v", err)
	}
	id, err := v.VerifyCredential(token)
	if err != nil {
		t.Fatalf("VerifyCredential() error = %v", err)
	}
	if id.Role != RoleUser {
		t.Fatalf("Role = %q, want %q", id.Role, RoleUser)
	}
}

func TestVerifyCredentialRejects(t *testing.T) {
	v, _ := NewHMACVerifier(testSecret, "tasksync", "")

	wrongSecret, _ := SignHMAC("other", Identity{ID: "u1"}, "tasksync", "", time.Minute)
	wrongAudience, _ := SignHMAC(testSecret, Identity{ID: "u1"}, "elsewhere", "", time.Minute)
	noSubject, _ := SignHMAC(testSecret, Identity{}, "tasksync", "", time.Minute)
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			Audience:  jwt.ClaimStrings{"tasksync"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte(testSecret))

	cases := map[string]string{
		"empty":          "",
		"garbage":        "not-a-token",
		"wrong secret":   wrongSecret,
		"wrong audience": wrongAudience,
		"no subject":     noSubject,
		"expired":        expired,
	}
	for name, token := range cases {
		_, err := v.VerifyCredential(token)
		if !errors.Is(err, apperr.ErrAuthentication) {
			t.Fatalf("%s: error = %v, want ErrAuthentication", name, err)
		}
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer abc"); got != "abc" {
		t.Fatalf("BearerToken() = %q, want %q", got, "abc")
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Fatalf("BearerToken(Basic) = %q, want empty", got)
	}
	if got := BearerToken(""); got != "" {
		t.Fatalf("BearerToken(empty) = %q, want empty", got)
	}
}
