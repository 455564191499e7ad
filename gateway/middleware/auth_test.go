package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nftmarket/crypto"
)

const testSecret = "marketd-test-secret"

func callerEcho(t *testing.T, seen *[20]byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if ok {
			*seen = caller
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticatorResolvesCaller(t *testing.T) {
	identity := crypto.DeriveIdentity("alice")
	subject := crypto.FromIdentity(identity).String()
	token, err := IssueToken(testSecret, "marketd", "market", subject, []string{"market:write"}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "marketd", Audience: "market"}, nil)

	var seen [20]byte
	handler := auth.Middleware("market:write")(callerEcho(t, &seen))
	req := httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected authorised request, got %d", res.Code)
	}
	if seen != identity {
		t.Fatalf("expected caller %x, got %x", identity, seen)
	}

	res = httptest.NewRecorder()
	auth.Middleware("market:admin")(callerEcho(t, &seen)).ServeHTTP(res, req)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected missing scope to be forbidden, got %d", res.Code)
	}
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	var seen [20]byte
	handler := auth.Middleware()(callerEcho(t, &seen))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/listings", nil))
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected missing token to be rejected, got %d", res.Code)
	}

	subject := crypto.FromIdentity(crypto.DeriveIdentity("bob")).String()
	forged, err := IssueToken("other-secret", "", "", subject, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected forged token to be rejected, got %d", res.Code)
	}

	expired, err := IssueToken(testSecret, "", "", subject, nil, -time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+expired)
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected expired token to be rejected, got %d", res.Code)
	}

	if _, err := IssueToken(testSecret, "", "", "not-an-identity", nil, time.Hour); err == nil {
		t.Fatalf("expected invalid subject to be refused")
	}
}

func TestAuthenticatorRejectsForeignIssuerWithJSONError(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "marketd", Audience: "market"}, nil)
	subject := crypto.FromIdentity(crypto.DeriveIdentity("carol")).String()
	token, err := IssueToken(testSecret, "elsewhere", "market", subject, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	var seen [20]byte
	req := httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	auth.Middleware()(callerEcho(t, &seen)).ServeHTTP(res, req)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected foreign issuer to be rejected, got %d", res.Code)
	}
	if ct := res.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Kind != "Unauthorized" || body.Error.Message != "invalid token" {
		t.Fatalf("unexpected error body %+v", body.Error)
	}
}

func TestAuthenticatorAllowsAnonymousReads(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{
		Enabled:        true,
		HMACSecret:     testSecret,
		OptionalPaths:  []string{"/v1/listings"},
		AllowAnonymous: true,
	}, nil)
	var seen [20]byte
	res := httptest.NewRecorder()
	auth.Middleware()(callerEcho(t, &seen)).ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/listings", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected anonymous read, got %d", res.Code)
	}
	if seen != ([20]byte{}) {
		t.Fatalf("expected no caller for anonymous request")
	}
}

func TestCORSMatchesOrigin(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://market.example"}})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/v1/listings", nil)
	req.Header.Set("Origin", "https://market.example")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNoContent {
		t.Fatalf("expected preflight to short circuit, got %d", res.Code)
	}
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "https://market.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	req.Header.Set("Origin", "https://evil.example")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if got := res.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected foreign origin to be refused, got %q", got)
	}
}
