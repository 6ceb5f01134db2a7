package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"booknetwork/internal/apierror"
	"booknetwork/pkg/domain"
	"booknetwork/pkg/store"
	"booknetwork/services/auth/internal/app"
	"booknetwork/services/auth/internal/security"
)

type mailbox struct {
	mu    sync.Mutex
	codes []string
}

func (m *mailbox) DispatchActivation(_ context.Context, _ domain.User, token domain.ActivationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes = append(m.codes, token.Code)
	return nil
}

func (m *mailbox) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.codes) == 0 {
		return ""
	}
	return m.codes[len(m.codes)-1]
}

func newTestServer(t *testing.T, loginLimit int) (*httptest.Server, *mailbox) {
	t.Helper()
	mr := miniredis.RunT(t)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sessions, err := store.NewJWTRS256SessionStore(key, "test", nil, time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	mail := &mailbox{}
	a, err := app.New(app.Config{
		Store:      store.NewMemoryStore(),
		Sessions:   sessions,
		Dispatcher: mail,
		RedisAddr:  mr.Addr(),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv, err := New(Config{
		App:                     a,
		Alerter:                 security.NewAuditAlerter(mr.Addr(), "", "test:alerts"),
		RedisAddr:               mr.Addr(),
		LoginRateLimitPerMinute: loginLimit,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, mail
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) apierror.ExceptionResponse {
	t.Helper()
	var body apierror.ExceptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

var registration = map[string]string{
	"firstname": "Ada",
	"lastname":  "Lovelace",
	"email":     "ada@example.com",
	"password":  "Analyt1cal!",
}

func TestAccountLifecycle(t *testing.T) {
	ts, mail := newTestServer(t, 0)
	base := ts.URL + apiPrefix

	resp := doJSON(t, http.MethodPost, base+"/register", "", registration)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	login := map[string]string{"email": "ada@example.com", "password": "Analyt1cal!"}
	resp = doJSON(t, http.MethodPost, base+"/authenticate", "", login)
	if resp.StatusCode != http.StatusUnauthorized || decodeError(t, resp).BusinessErrorCode != apierror.AccountDisabled {
		t.Fatalf("expected disabled account before activation, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, base+"/activate-account?token="+mail.last(), "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, base+"/authenticate", "", login)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticate status = %d", resp.StatusCode)
	}
	var auth authenticationResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil || auth.Token == "" {
		t.Fatalf("decode token: %v", err)
	}

	resp = doJSON(t, http.MethodGet, base+"/me", auth.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d", resp.StatusCode)
	}
	var me domain.User
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil || me.Email != "ada@example.com" || !me.Enabled {
		t.Fatalf("unexpected me %+v (%v)", me, err)
	}

	resp = doJSON(t, http.MethodPost, base+"/logout", auth.Token, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, base+"/me", auth.Token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected revoked token to be rejected, got %d", resp.StatusCode)
	}
}

func TestRegisterValidationErrors(t *testing.T) {
	ts, mail := newTestServer(t, 0)
	resp := doJSON(t, http.MethodPost, ts.URL+apiPrefix+"/register", "", map[string]string{
		"firstname": "Ada",
		"email":     "nope",
		"password":  "weak",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body := decodeError(t, resp)
	if body.BusinessErrorCode != apierror.ValidationFailed {
		t.Fatalf("unexpected code %d", body.BusinessErrorCode)
	}
	for _, field := range []string{"lastname", "email", "password"} {
		if body.Errors[field] == "" {
			t.Fatalf("expected %s error, got %v", field, body.Errors)
		}
	}
	if mail.last() != "" {
		t.Fatalf("invalid registration must not mail a code")
	}
}

func TestActivateUnknownCode(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	resp := doJSON(t, http.MethodPost, ts.URL+apiPrefix+"/activate-account?token=000000", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || decodeError(t, resp).BusinessErrorCode != apierror.ActivationInvalid {
		t.Fatalf("expected invalid activation code, got %d", resp.StatusCode)
	}
}

func TestAuthenticateRateLimited(t *testing.T) {
	ts, _ := newTestServer(t, 1)
	login := map[string]string{"email": "ada@example.com", "password": "Analyt1cal!"}
	resp := doJSON(t, http.MethodPost, ts.URL+apiPrefix+"/authenticate", "", login)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("first attempt status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodPost, ts.URL+apiPrefix+"/authenticate", "", login)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestMeRequiresBearer(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	resp := doJSON(t, http.MethodGet, ts.URL+apiPrefix+"/me", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, ts.URL+apiPrefix+"/me", "garbage", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", resp.StatusCode)
	}
}

func TestJWKSPublishesSigningKey(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	resp := doJSON(t, http.MethodGet, ts.URL+"/.well-known/jwks.json", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jwks status = %d", resp.StatusCode)
	}
	var body struct {
		Keys []store.JWK `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(body.Keys) != 1 || body.Keys[0].Kid != "test" {
		t.Fatalf("unexpected keys %+v", body.Keys)
	}
}
