package credential

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"booknetwork/pkg/domain"
	"booknetwork/pkg/store"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	sent  []domain.ActivationToken
	fail  error
	users []string
}

func (d *recordingDispatcher) DispatchActivation(_ context.Context, user domain.User, token domain.ActivationToken) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.sent = append(d.sent, token)
	d.users = append(d.users, user.ID)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestIssuer(t *testing.T) (*Issuer, *store.MemoryStore, *recordingDispatcher, *clock) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sessions, err := store.NewJWTRS256SessionStore(key, "test", nil, time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	mem := store.NewMemoryStore()
	dispatcher := &recordingDispatcher{}
	c := &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	issuer := NewIssuer(mem, mem, sessions, dispatcher, Options{Now: c.Now})
	return issuer, mem, dispatcher, c
}

func seedUser(t *testing.T, mem *store.MemoryStore) domain.User {
	t.Helper()
	user := domain.User{
		ID:        "user-1",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
		Roles:     []domain.UserRole{domain.RoleUser},
	}
	if err := mem.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func TestGenerateCodeIsDigitsOfConfiguredLength(t *testing.T) {
	for _, length := range []int{4, 6, 8} {
		for range 50 {
			code, err := GenerateCode(length)
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			if len(code) != length {
				t.Fatalf("expected %d digits, got %q", length, code)
			}
			for _, r := range code {
				if r < '0' || r > '9' {
					t.Fatalf("non-digit in code %q", code)
				}
			}
		}
	}
}

func TestIssueActivationCodeStoresAndDispatches(t *testing.T) {
	issuer, mem, dispatcher, c := newTestIssuer(t)
	user := seedUser(t, mem)

	token, err := issuer.IssueActivationCode(context.Background(), user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(token.Code) != DefaultCodeLength {
		t.Fatalf("unexpected code %q", token.Code)
	}
	if !token.ExpiresAt.Equal(c.Now().Add(15 * time.Minute)) {
		t.Fatalf("expected 15 minute expiry, got %v", token.ExpiresAt)
	}
	if dispatcher.count() != 1 {
		t.Fatalf("expected one dispatch, got %d", dispatcher.count())
	}
	stored := mem.ActivationTokensForUser(user.ID)
	if len(stored) != 1 || stored[0].Code != token.Code {
		t.Fatalf("unexpected stored tokens: %+v", stored)
	}
}

func TestIssueActivationCodeDeliveryFailureKeepsUserDisabled(t *testing.T) {
	issuer, mem, dispatcher, _ := newTestIssuer(t)
	user := seedUser(t, mem)
	dispatcher.fail = errors.New("smtp down")

	_, err := issuer.IssueActivationCode(context.Background(), user)
	if !errors.Is(err, domain.ErrDelivery) {
		t.Fatalf("expected delivery error, got %v", err)
	}
	got, _, _ := mem.GetUserByID(context.Background(), user.ID)
	if got.Enabled {
		t.Fatalf("user must stay disabled after delivery failure")
	}
}

func TestValidateActivationWithinWindowEnablesUser(t *testing.T) {
	issuer, mem, _, c := newTestIssuer(t)
	user := seedUser(t, mem)
	ctx := context.Background()
	token, err := issuer.IssueActivationCode(ctx, user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	c.Advance(15 * time.Minute)
	res, err := issuer.ValidateActivation(ctx, token.Code)
	if err != nil {
		t.Fatalf("validate at the window edge: %v", err)
	}
	if res.UserID != user.ID || res.Reissued {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, _, _ := mem.GetUserByID(ctx, user.ID)
	if !got.Enabled {
		t.Fatalf("expected user enabled")
	}

	if _, err := issuer.ValidateActivation(ctx, token.Code); !errors.Is(err, domain.ErrActivationConsumed) {
		t.Fatalf("expected already consumed, got %v", err)
	}
}

func TestValidateActivationUnknownCode(t *testing.T) {
	issuer, _, _, _ := newTestIssuer(t)
	for _, code := range []string{"", "  ", "000000"} {
		if _, err := issuer.ValidateActivation(context.Background(), code); !errors.Is(err, domain.ErrActivationNotFound) {
			t.Fatalf("expected not found for %q, got %v", code, err)
		}
	}
}

func TestValidateActivationAfterExpiryReissuesOnce(t *testing.T) {
	issuer, mem, dispatcher, c := newTestIssuer(t)
	user := seedUser(t, mem)
	ctx := context.Background()
	token, err := issuer.IssueActivationCode(ctx, user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	before := len(mem.ActivationTokensForUser(user.ID))

	c.Advance(16 * time.Minute)
	res, err := issuer.ValidateActivation(ctx, token.Code)
	if !errors.Is(err, domain.ErrActivationExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if !res.Reissued || res.UserID != user.ID {
		t.Fatalf("expected reissue for user, got %+v", res)
	}
	if after := len(mem.ActivationTokensForUser(user.ID)); after != before+1 {
		t.Fatalf("expected token count %d, got %d", before+1, after)
	}
	if dispatcher.count() != 2 {
		t.Fatalf("expected a second activation mail, got %d", dispatcher.count())
	}

	res, err = issuer.ValidateActivation(ctx, token.Code)
	if !errors.Is(err, domain.ErrActivationExpired) || res.Reissued {
		t.Fatalf("expected retired token to fail without reissue, res=%+v err=%v", res, err)
	}
	if dispatcher.count() != 2 {
		t.Fatalf("retired token must not send more mail, got %d", dispatcher.count())
	}

	tokens := mem.ActivationTokensForUser(user.ID)
	fresh := tokens[len(tokens)-1]
	if _, err := issuer.ValidateActivation(ctx, fresh.Code); err != nil {
		t.Fatalf("validate reissued code: %v", err)
	}
}

func TestValidateActivationConcurrentCallsSucceedOnce(t *testing.T) {
	issuer, mem, _, _ := newTestIssuer(t)
	user := seedUser(t, mem)
	ctx := context.Background()
	token, err := issuer.IssueActivationCode(ctx, user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := issuer.ValidateActivation(ctx, token.Code)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, domain.ErrActivationConsumed):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one success, got %d", successes)
	}
}

func TestValidateActivationConcurrentExpiredSendsOneMail(t *testing.T) {
	issuer, mem, dispatcher, c := newTestIssuer(t)
	user := seedUser(t, mem)
	ctx := context.Background()
	token, err := issuer.IssueActivationCode(ctx, user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c.Advance(20 * time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	reissued := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := issuer.ValidateActivation(ctx, token.Code)
			if !errors.Is(err, domain.ErrActivationExpired) {
				t.Errorf("expected expired, got %v", err)
			}
			if res.Reissued {
				mu.Lock()
				reissued++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if reissued != 1 || dispatcher.count() != 2 {
		t.Fatalf("expected one reissue, got reissued=%d mails=%d", reissued, dispatcher.count())
	}
}

func TestIssueActivationCodeRetiresOlderCodes(t *testing.T) {
	issuer, mem, _, _ := newTestIssuer(t)
	user := seedUser(t, mem)
	ctx := context.Background()
	first, err := issuer.IssueActivationCode(ctx, user)
	if err != nil {
		t.Fatalf("first issue: %v", err)
	}
	if _, err := issuer.IssueActivationCode(ctx, user); err != nil {
		t.Fatalf("second issue: %v", err)
	}
	if _, err := issuer.ValidateActivation(ctx, first.Code); !errors.Is(err, domain.ErrActivationExpired) {
		t.Fatalf("expected older code to be retired, got %v", err)
	}
}

func TestExpiredCodeDigitsAreNotReissuedToAnotherUser(t *testing.T) {
	mem := store.NewMemoryStore()
	dispatcher := &recordingDispatcher{}
	c := &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	issuer := NewIssuer(mem, mem, nil, dispatcher, Options{CodeLength: 1, Now: c.Now})
	ctx := context.Background()
	owner := seedUser(t, mem)
	stale, err := issuer.IssueActivationCode(ctx, owner)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c.Advance(16 * time.Minute)

	var others []string
	for n := range 20 {
		user := domain.User{ID: fmt.Sprintf("user-b%d", n), Email: fmt.Sprintf("b%d@example.com", n)}
		if err := mem.CreateUser(ctx, user); err != nil {
			t.Fatalf("create user: %v", err)
		}
		others = append(others, user.ID)
		token, err := issuer.IssueActivationCode(ctx, user)
		if errors.Is(err, ErrCodeSpaceExhausted) {
			continue
		}
		if err != nil {
			t.Fatalf("issue for %s: %v", user.ID, err)
		}
		if token.Code == stale.Code {
			t.Fatalf("expired open code %q was handed to %s", stale.Code, user.ID)
		}
	}

	res, err := issuer.ValidateActivation(ctx, stale.Code)
	if !errors.Is(err, domain.ErrActivationExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if res.UserID != owner.ID {
		t.Fatalf("stale code resolved to %q, want %q", res.UserID, owner.ID)
	}
	for _, id := range others {
		if u, _, _ := mem.GetUserByID(ctx, id); u.Enabled {
			t.Fatalf("user %s enabled by another user's code", id)
		}
	}
}

func TestIssueActivationCodeFailedSaveKeepsOlderCode(t *testing.T) {
	issuer, mem, _, _ := newTestIssuer(t)
	user := seedUser(t, mem)
	ctx := context.Background()
	first, err := issuer.IssueActivationCode(ctx, user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	failing := NewIssuer(mem, failingReplaceStore{mem}, nil, nil, Options{})
	if _, err := failing.IssueActivationCode(ctx, user); err == nil {
		t.Fatalf("expected save failure")
	}
	if _, err := issuer.ValidateActivation(ctx, first.Code); err != nil {
		t.Fatalf("older code must survive a failed replace: %v", err)
	}
}

type failingReplaceStore struct {
	*store.MemoryStore
}

func (failingReplaceStore) ReplaceUserActivationTokens(context.Context, domain.ActivationToken, time.Time) error {
	return errors.New("connection reset")
}

func TestSessionCredentialRoundTrip(t *testing.T) {
	issuer, mem, _, _ := newTestIssuer(t)
	user := seedUser(t, mem)

	token, err := issuer.IssueSessionCredential(SessionClaimsFor(user))
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	claims, err := issuer.VerifySessionCredential(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != user.ID || claims.FullName != "Ada Lovelace" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	i := len(token) - 20
	swap := byte('A')
	if token[i] == 'A' {
		swap = 'B'
	}
	tampered := token[:i] + string(swap) + token[i+1:]
	if _, err := issuer.VerifySessionCredential(tampered); !errors.Is(err, domain.ErrSessionInvalid) {
		t.Fatalf("expected tampered token invalid, got %v", err)
	}

	if err := issuer.RevokeSessionCredential(token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := issuer.VerifySessionCredential(token); !errors.Is(err, domain.ErrSessionInvalid) {
		t.Fatalf("expected revoked token invalid, got %v", err)
	}
}

func TestIssueSessionCredentialRequiresSubject(t *testing.T) {
	issuer, _, _, _ := newTestIssuer(t)
	if _, err := issuer.IssueSessionCredential(domain.SessionClaims{}); err == nil {
		t.Fatalf("expected missing subject to fail")
	}
}
