package auth

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/agentbridge/internal/observability"
	"github.com/haasonsaas/agentbridge/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: io.Discard})
}

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret")
	want := models.TenantContext{
		TenantID: "acme",
		AppID:    "app-1",
		Tier:     models.TierPremium,
		Subject:  "user-7",
		Roles:    []string{models.RoleAdmin},
	}
	token, err := v.Mint(want, time.Minute)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	got, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.TenantID != want.TenantID || got.AppID != want.AppID || got.Tier != want.Tier || got.Subject != want.Subject {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !got.IsAdmin() {
		t.Fatal("roles lost in transit")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewVerifier("secret-a").Mint(models.TenantContext{TenantID: "acme"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewVerifier("secret-b").Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Mint(models.TenantContext{TenantID: "acme"}, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRequiresTenantID(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Mint(models.TenantContext{Subject: "user-7"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("token without tenant id accepted: %v", err)
	}
}

func TestVerifyNormalizesUnknownTier(t *testing.T) {
	v := NewVerifier("test-secret")
	token, err := v.Mint(models.TenantContext{TenantID: "acme", Tier: "platinum"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	got, err := v.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != models.TierBasic {
		t.Fatalf("tier = %s, want basic", got.Tier)
	}
}

func TestMiddleware(t *testing.T) {
	v := NewVerifier("test-secret")
	var seen models.TenantContext
	handler := Middleware(v, testLogger(), func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, ok := FromContext(r.Context())
		if !ok {
			t.Error("no tenant context in handler")
		}
		seen = tc
		w.WriteHeader(http.StatusOK)
	}))

	// No credentials.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d without credentials", rec.Code)
	}

	// Garbage token.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d with garbage token", rec.Code)
	}

	// Valid token.
	token, err := v.Mint(models.TenantContext{TenantID: "acme", Tier: models.TierStandard}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d with valid token", rec.Code)
	}
	if seen.TenantID != "acme" {
		t.Fatalf("handler saw tenant %q", seen.TenantID)
	}
}
