package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "unit-test-secret"

func mintToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestRequireAuthAllowsValidToken(t *testing.T) {
	authenticator := NewAuthenticator(testSecret, WithIssuer("maplemarket"))
	tokenStr := mintToken(t, testSecret, jwt.MapClaims{
		"sub":   "user-123",
		"iss":   "maplemarket",
		"email": "buyer@example.com",
		"roles": []any{"buyer", "seller"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	var captured *Identity
	handler := authenticator.RequireAuth(RoleBuyer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if captured == nil {
		t.Fatal("expected identity in context")
	}
	if captured.UID != "user-123" {
		t.Errorf("unexpected uid: %s", captured.UID)
	}
	if captured.Email != "buyer@example.com" {
		t.Errorf("unexpected email: %s", captured.Email)
	}
	if !captured.HasRole(RoleSeller) {
		t.Error("expected seller role to be carried")
	}
}

func TestRequireAuthRejectsMissingHeader(t *testing.T) {
	authenticator := NewAuthenticator(testSecret)
	handler := authenticator.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuthRejectsExpiredToken(t *testing.T) {
	authenticator := NewAuthenticator(testSecret, WithLeeway(0))
	tokenStr := mintToken(t, testSecret, jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	handler := authenticator.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuthRejectsWrongSignature(t *testing.T) {
	authenticator := NewAuthenticator(testSecret)
	tokenStr := mintToken(t, "other-secret", jwt.MapClaims{
		"sub": "user-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	handler := authenticator.RequireAuth()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAuthEnforcesRole(t *testing.T) {
	authenticator := NewAuthenticator(testSecret)
	tokenStr := mintToken(t, testSecret, jwt.MapClaims{
		"sub":   "user-456",
		"roles": []any{"buyer"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	handler := authenticator.RequireAuth(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestVerifyDefaultsRole(t *testing.T) {
	authenticator := NewAuthenticator(testSecret)
	tokenStr := mintToken(t, testSecret, jwt.MapClaims{
		"sub": "user-789",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	identity, err := authenticator.Verify(tokenStr)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if !identity.HasRole(RoleBuyer) {
		t.Errorf("expected fallback buyer role, got %v", identity.Roles)
	}
}
