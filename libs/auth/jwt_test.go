package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHS256RoundTrip(t *testing.T) {
	claims := Claims{
		Sub:  "user-1",
		Role: RoleStaff,
		Iat:  time.Now().Unix(),
		Exp:  time.Now().Add(1 * time.Hour).Unix(),
	}
	secret := "test-secret"

	token, err := SignHS256(claims, secret)
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}
	parsed, err := ParseAndVerifyHS256(token, secret)
	if err != nil {
		t.Fatalf("ParseAndVerifyHS256 failed: %v", err)
	}
	if parsed.Sub != claims.Sub || parsed.Role != claims.Role {
		t.Fatalf("claims mismatch: got %+v", parsed)
	}
	if _, err := ParseAndVerifyHS256(token, "wrong-secret"); err == nil {
		t.Fatal("expected verification error with wrong secret")
	}
}

func TestHS256Expired(t *testing.T) {
	claims := Claims{Sub: "user-1", Exp: time.Now().Add(-time.Minute).Unix()}
	token, err := SignHS256(claims, "s")
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}
	if _, err := ParseAndVerifyHS256(token, "s"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestHS256ClockSkewAndAlgorithm(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token, err := SignHS256(Claims{Sub: "u", Exp: now.Add(-10 * time.Second).Unix()}, "s")
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}
	if _, err := parseAndVerifyHS256(token, "s", now); err != nil {
		t.Fatalf("expiry within skew should pass: %v", err)
	}

	future, _ := SignHS256(Claims{Sub: "u", Iat: now.Add(time.Hour).Unix()}, "s")
	if _, err := parseAndVerifyHS256(future, "s", now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected future iat to be rejected, got %v", err)
	}

	// alg "none" with an empty signature must never verify.
	parts := strings.Split(token, ".")
	none := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`)) + "." + parts[1] + "."
	if _, err := parseAndVerifyHS256(none, "s", now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected alg none to be rejected, got %v", err)
	}
	if _, err := parseAndVerifyHS256(token, "", now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected empty secret to reject, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	secret := "test-secret"
	token, err := SignHS256(Claims{Sub: "user-9", Role: RoleAdmin, Exp: time.Now().Add(time.Hour).Unix()}, secret)
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}

	h := Middleware(MiddlewareConfig{Secret: secret, TrustGatewayHeaders: true})(
		RequireRole(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, _ := IdentityFromContext(r.Context())
			w.Header().Set("X-Seen-User", id.UserID)
			w.WriteHeader(http.StatusOK)
		}), RoleAdmin),
	)

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK || rw.Header().Get("X-Seen-User") != "user-9" {
		t.Fatalf("expected 200 for user-9, got %d (%q)", rw.Code, rw.Header().Get("X-Seen-User"))
	}

	reqBad := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	reqBad.Header.Set("Authorization", "Bearer badtoken")
	rwBad := httptest.NewRecorder()
	h.ServeHTTP(rwBad, reqBad)
	if rwBad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rwBad.Code)
	}

	reqGw := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	reqGw.Header.Set("X-User-Id", "user-3")
	reqGw.Header.Set("X-Role", RoleUser)
	rwGw := httptest.NewRecorder()
	h.ServeHTTP(rwGw, reqGw)
	if rwGw.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", rwGw.Code)
	}

	rwAnon := httptest.NewRecorder()
	h.ServeHTTP(rwAnon, httptest.NewRequest(http.MethodGet, "http://example.com", nil))
	if rwAnon.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous, got %d", rwAnon.Code)
	}
}

func TestMiddlewarePassesRejectedCredentialsThrough(t *testing.T) {
	var seen error
	h := Middleware(MiddlewareConfig{Secret: "s3cret", TrustGatewayHeaders: true})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := IdentityFromContext(r.Context()); ok {
				t.Error("rejected credentials must not yield an identity")
			}
			seen = CredentialError(r.Context())
			RequireRole(http.NotFoundHandler()).ServeHTTP(w, r)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", "Bearer forged.token.value")
	req.Header.Set("X-User-Id", "user-1")
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if !errors.Is(seen, ErrInvalidToken) {
		t.Fatalf("expected invalid token in context, got %v", seen)
	}
	if rw.Code != http.StatusUnauthorized || !strings.Contains(rw.Body.String(), "invalid token") {
		t.Fatalf("expected 401 invalid token, got %d %q", rw.Code, rw.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", "Basic abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !errors.Is(seen, ErrMalformedAuthorization) {
		t.Fatalf("expected malformed header error, got %v", seen)
	}
}
