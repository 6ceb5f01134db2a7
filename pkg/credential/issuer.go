// Package credential issues and validates the two trust tokens of the
// system: numeric activation codes mailed at registration and signed
// session credentials presented as bearer tokens.
package credential

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"booknetwork/internal/util"
	"booknetwork/pkg/domain"
	"booknetwork/pkg/store"
)

const (
	// DefaultCodeLength is the number of digits in an activation code.
	DefaultCodeLength = 6

	maxCodeAttempts = 5
)

// ErrCodeSpaceExhausted is returned when no free code could be drawn.
var ErrCodeSpaceExhausted = errors.New("could not generate a unique activation code")

// Dispatcher delivers a freshly issued activation code to its user.
type Dispatcher interface {
	DispatchActivation(ctx context.Context, user domain.User, token domain.ActivationToken) error
}

// Options tunes an Issuer. Zero values fall back to defaults.
type Options struct {
	CodeLength int
	TTL        time.Duration
	Now        func() time.Time
}

// ActivationResult reports the outcome of ValidateActivation.
// Reissued is set when the code had expired and a new one was sent.
type ActivationResult struct {
	UserID   string
	Reissued bool
}

// Issuer mints activation codes and session credentials.
type Issuer struct {
	users      store.UserStore
	tokens     store.ActivationStore
	sessions   store.SessionStore
	dispatcher Dispatcher
	codeLength int
	ttl        time.Duration
	now        func() time.Time
}

// NewIssuer wires an Issuer over its stores and mail dispatcher.
func NewIssuer(users store.UserStore, tokens store.ActivationStore, sessions store.SessionStore, dispatcher Dispatcher, opts Options) *Issuer {
	if opts.CodeLength <= 0 {
		opts.CodeLength = DefaultCodeLength
	}
	if opts.TTL <= 0 {
		opts.TTL = domain.ActivationTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Issuer{
		users:      users,
		tokens:     tokens,
		sessions:   sessions,
		dispatcher: dispatcher,
		codeLength: opts.CodeLength,
		ttl:        opts.TTL,
		now:        opts.Now,
	}
}

// IssueActivationCode replaces the user's open codes with a new one and
// dispatches the activation mail. A dispatch failure wraps
// domain.ErrDelivery; the user is left untouched.
func (i *Issuer) IssueActivationCode(ctx context.Context, user domain.User) (domain.ActivationToken, error) {
	now := i.now()
	code, err := i.freshCode(ctx)
	if err != nil {
		return domain.ActivationToken{}, err
	}
	token := domain.ActivationToken{
		ID:        util.NewID(),
		UserID:    user.ID,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(i.ttl),
	}
	if err := i.tokens.ReplaceUserActivationTokens(ctx, token, now); err != nil {
		return domain.ActivationToken{}, fmt.Errorf("save activation token: %w", err)
	}
	if i.dispatcher == nil {
		return token, nil
	}
	if err := i.dispatcher.DispatchActivation(ctx, user, token); err != nil {
		if errors.Is(err, domain.ErrDelivery) {
			return token, err
		}
		return token, fmt.Errorf("%w: %w", domain.ErrDelivery, err)
	}
	return token, nil
}

// ValidateActivation consumes code and enables its user.
//
// An expired code fails with domain.ErrActivationExpired; the caller that
// retires it also receives a freshly issued code (Result.Reissued). Codes
// already consumed fail with domain.ErrActivationConsumed.
func (i *Issuer) ValidateActivation(ctx context.Context, code string) (ActivationResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return ActivationResult{}, domain.ErrActivationNotFound
	}
	token, ok, err := i.tokens.GetActivationToken(ctx, code)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("fetch activation token: %w", err)
	}
	if !ok {
		return ActivationResult{}, domain.ErrActivationNotFound
	}
	result := ActivationResult{UserID: token.UserID}
	now := i.now()

	switch {
	case token.Consumed():
		return result, domain.ErrActivationConsumed
	case token.Superseded():
		return result, domain.ErrActivationExpired
	case token.ExpiredAt(now):
		return i.reissue(ctx, token, now)
	}

	consumed, err := i.tokens.ConsumeActivationToken(ctx, token.ID, now)
	if err != nil {
		return result, fmt.Errorf("consume activation token: %w", err)
	}
	if !consumed {
		return result, i.lostRace(ctx, code)
	}
	return result, nil
}

func (i *Issuer) reissue(ctx context.Context, token domain.ActivationToken, now time.Time) (ActivationResult, error) {
	result := ActivationResult{UserID: token.UserID}
	won, err := i.tokens.SupersedeActivationToken(ctx, token.ID, now)
	if err != nil {
		return result, fmt.Errorf("retire expired token: %w", err)
	}
	if !won {
		return result, i.lostRace(ctx, token.Code)
	}
	user, ok, err := i.users.GetUserByID(ctx, token.UserID)
	if err != nil {
		return result, fmt.Errorf("%w: reissue failed: %w", domain.ErrActivationExpired, err)
	}
	if !ok {
		return result, fmt.Errorf("%w: reissue failed: %w", domain.ErrActivationExpired, domain.ErrUserNotFound)
	}
	if _, err := i.IssueActivationCode(ctx, user); err != nil {
		return result, fmt.Errorf("%w: reissue failed: %w", domain.ErrActivationExpired, err)
	}
	result.Reissued = true
	return result, domain.ErrActivationExpired
}

// lostRace classifies a failed conditional update by re-reading the token.
func (i *Issuer) lostRace(ctx context.Context, code string) error {
	token, ok, err := i.tokens.GetActivationToken(ctx, code)
	if err != nil {
		return fmt.Errorf("fetch activation token: %w", err)
	}
	if ok && token.Consumed() {
		return domain.ErrActivationConsumed
	}
	return domain.ErrActivationExpired
}

// freshCode draws a code no open token carries. Expired open codes stay
// reserved until they are consumed or superseded, otherwise presenting one
// would resolve to a different user's token.
func (i *Issuer) freshCode(ctx context.Context) (string, error) {
	for range maxCodeAttempts {
		code, err := GenerateCode(i.codeLength)
		if err != nil {
			return "", fmt.Errorf("generate activation code: %w", err)
		}
		taken, err := i.tokens.HasOpenActivationCode(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check activation code: %w", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

// IssueSessionCredential signs a session token for the given claims.
func (i *Issuer) IssueSessionCredential(claims domain.SessionClaims) (string, error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("session subject required")
	}
	token, err := i.sessions.NewSession(claims)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return token, nil
}

// VerifySessionCredential returns the claims bound to token, or
// domain.ErrSessionInvalid / domain.ErrSessionExpired.
func (i *Issuer) VerifySessionCredential(token string) (domain.SessionClaims, error) {
	return i.sessions.Verify(token)
}

// RevokeSessionCredential makes token unusable before its expiry.
func (i *Issuer) RevokeSessionCredential(token string) error {
	return i.sessions.DeleteSession(token)
}

// SessionClaimsFor builds the claims carried by a user's session.
func SessionClaimsFor(user domain.User) domain.SessionClaims {
	return domain.SessionClaims{
		Subject:  user.ID,
		FullName: user.FullName(),
		Email:    user.Email,
		Roles:    append([]domain.UserRole(nil), user.Roles...),
	}
}

// GenerateCode draws length decimal digits from crypto/rand.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}
	var b strings.Builder
	b.Grow(length)
	for range length {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
