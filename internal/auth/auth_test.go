package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func TestVerify_Valid(t *testing.T) {
	v := NewVerifier(testSecret)
	tokenString := signToken(t, jwt.MapClaims{
		"user_id":  "u1",
		"username": "alice",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})

	id, err := v.Verify(tokenString)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserID != "u1" {
		t.Errorf("expected user_id %q, got %q", "u1", id.UserID)
	}
	if id.Username != "alice" {
		t.Errorf("expected username %q, got %q", "alice", id.Username)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	v := NewVerifier("other-secret")
	tokenString := signToken(t, jwt.MapClaims{"user_id": "u1"})

	if _, err := v.Verify(tokenString); err == nil {
		t.Fatal("expected error for token signed with a different secret")
	}
}

func TestVerify_Expired(t *testing.T) {
	v := NewVerifier(testSecret)
	tokenString := signToken(t, jwt.MapClaims{
		"user_id": "u1",
		"exp":     time.Now().Add(-time.Hour).Unix(),
	})

	if _, err := v.Verify(tokenString); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestVerify_MissingUserID(t *testing.T) {
	v := NewVerifier(testSecret)
	tokenString := signToken(t, jwt.MapClaims{"username": "alice"})

	if _, err := v.Verify(tokenString); err == nil {
		t.Fatal("expected error for token without user_id claim")
	}
}

func TestVerify_Garbage(t *testing.T) {
	v := NewVerifier(testSecret)
	if _, err := v.Verify("not.a.token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=query-token", nil)
	if got := FromRequest(r); got != "query-token" {
		t.Errorf("query param: expected %q, got %q", "query-token", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	if got := FromRequest(r); got != "header-token" {
		t.Errorf("bearer header: expected %q, got %q", "header-token", got)
	}

	// Header wins over query param.
	r = httptest.NewRequest("GET", "/ws?token=query-token", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	if got := FromRequest(r); got != "header-token" {
		t.Errorf("precedence: expected %q, got %q", "header-token", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	if got := FromRequest(r); got != "" {
		t.Errorf("no token: expected empty, got %q", got)
	}
}
