package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, userID, role string) string {
	t.Helper()
	c := claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestParseTokenValid(t *testing.T) {
	v := NewVerifier("test-secret")
	tokenStr := signToken(t, "test-secret", "user-1", "admin")
	id, err := v.ParseToken(tokenStr)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.UserID != "user-1" || id.Role != "admin" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	v := NewVerifier("test-secret")
	tokenStr := signToken(t, "other-secret", "user-1", "admin")
	if _, err := v.ParseToken(tokenStr); err == nil {
		t.Fatal("expected error for mismatched signing secret")
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	v := NewVerifier("test-secret")
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestHasPermission(t *testing.T) {
	admin := Identity{UserID: "u1", Role: "admin"}
	if !admin.HasPermission(PermTaskViewAll) || !admin.HasPermission(PermQueueManage) {
		t.Fatalf("expected admin role to hold every permission, got %+v", admin)
	}
	member := Identity{UserID: "u2", Role: "member"}
	if member.HasPermission(PermTaskViewAll) || member.HasPermission(PermQueueManage) {
		t.Fatalf("expected unrecognized role to hold no special permissions, got %+v", member)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	v := NewVerifier("test-secret")
	tokenStr := signToken(t, "test-secret", "user-1", "admin")
	var gotUser string
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := FromContext(r.Context())
		gotUser = id.UserID
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotUser != "user-1" {
		t.Fatalf("expected identity propagated via context, got %q", gotUser)
	}
}
