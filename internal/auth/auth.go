// Package auth implements the Auth Boundary: bearer-token parsing into a
// user identity. The identity database behind the tokens (who a user_id
// actually is, their permissions) is an external collaborator — this
// package only verifies and decodes the token's claims.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/swarmguard/tianshu/internal/apperr"
)

// Permission is one of the capabilities the external identity provider
// can grant a user, independent of task ownership.
type Permission string

const (
	PermTaskSubmit    Permission = "TASK_SUBMIT"
	PermTaskViewAll   Permission = "TASK_VIEW_ALL"
	PermTaskDeleteAll Permission = "TASK_DELETE_ALL"
	PermQueueView     Permission = "QUEUE_VIEW"
	PermQueueManage   Permission = "QUEUE_MANAGE"
)

// rolePermissions maps the flat role claim the token carries to the
// permission set has_permission checks against. The identity database
// behind this mapping is external; "admin" holds every permission,
// "user" holds TASK_SUBMIT only, and any other role holds none.
var rolePermissions = map[string][]Permission{
	"admin": {PermTaskSubmit, PermTaskViewAll, PermTaskDeleteAll, PermQueueView, PermQueueManage},
	"user":  {PermTaskSubmit},
}

// Identity is the decoded principal behind a request.
type Identity struct {
	UserID string
	Role   string
}

// HasPermission reports whether id's role grants p.
func (id Identity) HasPermission(p Permission) bool {
	for _, granted := range rolePermissions[id.Role] {
		if granted == p {
			return true
		}
	}
	return false
}

type contextKey int

const identityKey contextKey = iota

// Verifier parses and validates bearer tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a Verifier using secret as the HMAC signing key.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

type claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// ParseToken validates tokenString and extracts the Identity from its
// claims.
func (v *Verifier) ParseToken(tokenString string) (Identity, error) {
	tok, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return Identity{}, apperr.New(apperr.KindUnauthorized, "auth.ParseToken", err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || c.UserID == "" {
		return Identity{}, apperr.New(apperr.KindUnauthorized, "auth.ParseToken", errors.New("missing user_id claim"))
	}
	return Identity{UserID: c.UserID, Role: c.Role}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix)), true
}

// Middleware extracts and validates the bearer token, injecting the
// resulting Identity into the request context. Requests without a valid
// token receive 401 before reaching next.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		identity, err := v.ParseToken(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the Identity stashed by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
