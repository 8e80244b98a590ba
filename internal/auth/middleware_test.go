package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func okHandler(t *testing.T, wantTenant string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantTenant != "" && TenantIDFromContext(r.Context()) != wantTenant {
			t.Errorf("expected tenant %q, got %q", wantTenant, TenantIDFromContext(r.Context()))
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	mw := NewMiddleware([]byte("test-secret"), NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler(t, ""))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ViewerForbiddenRunPost(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "tenant-a", "viewer")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler(t, ""))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ViewerReadsRun(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "tenant-a", "viewer")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler(t, "tenant-a"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/run-1/download", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthMiddleware_OperatorStartsRun(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "tenant-a", "operator")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler(t, "tenant-a"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ExemptAndDisabled(t *testing.T) {
	mw := NewMiddleware([]byte("test-secret"), NewDefaultPolicy([]string{"/healthz"}, []string{"/metrics"}))
	handler := mw.Wrap(okHandler(t, ""))
	for _, path := range []string{"/healthz", "/metrics"} {
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200 for %s, got %d", path, resp.Code)
		}
	}

	open := NewMiddleware(nil, NewDefaultPolicy(nil, nil)).Wrap(okHandler(t, ""))
	resp := httptest.NewRecorder()
	open.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected auth disabled without secret, got %d", resp.Code)
	}
}

func TestParseJWT_RejectsInvalidRole(t *testing.T) {
	secret := []byte("test-secret")
	if _, err := ParseJWT(mustToken(t, secret, "tenant-a", "root"), secret); err == nil {
		t.Fatalf("expected invalid role error")
	}
	if _, err := ParseJWT(mustToken(t, secret, "tenant-a", "admin"), []byte("other")); err == nil {
		t.Fatalf("expected signature error")
	}
}

func TestParseJWT_RejectsExpiredAndEmpty(t *testing.T) {
	secret := []byte("test-secret")
	expired, err := SignJWT(Claims{
		TenantID: "tenant-a",
		Role:     "viewer",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}, secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := ParseJWT(expired, secret); err == nil {
		t.Fatalf("expected expired token error")
	}
	if _, err := ParseJWT("", secret); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
	if _, err := SignJWT(Claims{}, nil); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func TestIdentityFromContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), "tenant-a", RoleOperator, "user-1")
	if RoleFromContext(ctx) != RoleOperator || SubjectFromContext(ctx) != "user-1" {
		t.Fatalf("unexpected identity %+v", ctx)
	}
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Fatalf("expected no identity")
	}
}

func TestPolicy_RequiredRole(t *testing.T) {
	policy := NewDefaultPolicy(nil, nil)
	cases := []struct {
		method string
		path   string
		want   Role
		ok     bool
	}{
		{http.MethodPost, "/api/v1/runs", RoleOperator, true},
		{http.MethodGet, "/api/v1/runs", RoleViewer, true},
		{http.MethodHead, "/api/v1/runs/run-1/download", RoleViewer, true},
		{http.MethodDelete, "/api/v1/runs/run-1", RoleAdmin, true},
		{http.MethodPut, "/api/v1/other", RoleOperator, true},
		{http.MethodGet, "/healthz", "", false},
	}
	for _, tc := range cases {
		got, ok := policy.RequiredRole(httptest.NewRequest(tc.method, tc.path, nil))
		if got != tc.want || ok != tc.ok {
			t.Fatalf("%s %s: expected %q/%v, got %q/%v", tc.method, tc.path, tc.want, tc.ok, got, ok)
		}
	}
}

func TestRoleAtLeast(t *testing.T) {
	if !RoleAtLeast(RoleAdmin, RoleOperator) || RoleAtLeast(RoleViewer, RoleOperator) || RoleAtLeast("", RoleViewer) {
		t.Fatalf("unexpected role ordering")
	}
}

func mustToken(t *testing.T, secret []byte, tenantID, role string) string {
	t.Helper()
	signed, err := SignJWT(Claims{
		TenantID: tenantID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
