package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"booknetwork/internal/util"
	"booknetwork/pkg/auth"
	"booknetwork/pkg/credential"
	"booknetwork/pkg/domain"
	"booknetwork/pkg/store"
)

const dateOfBirthLayout = "2006-01-02"

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL         string
	RedisAddr           string
	RedisPassword       string
	SessionTTL          time.Duration
	JWTPrivateKeyPath   string
	JWTPublicKeyPath    string
	JWTKeyID            string
	JWTVerifyPublicKeys map[string]string
	JWTIssuer           string
	JWTAudience         string
	JWTLeeway           time.Duration
	CodeLength          int
	ResendCooldown      time.Duration

	// Dispatcher delivers activation codes and is required.
	Dispatcher  credential.Dispatcher
	Store       store.Store
	Sessions    store.SessionStore
	ResendGuard credential.ResendGuard
	Now         func() time.Time
}

// App is the auth application: registration, activation and sessions.
type App struct {
	store    store.Store
	sessions store.SessionStore
	issuer   *credential.Issuer
	guard    credential.ResendGuard
	now      func() time.Time
}

// RegisterRequest is the registration payload.
type RegisterRequest struct {
	FirstName   string `json:"firstname"`
	LastName    string `json:"lastname"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DateOfBirth string `json:"dateOfBirth,omitempty"`
}

// Validate checks every field and reports all failures at once.
func (r RegisterRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FirstName, validation.Required.Error("Firstname is mandatory"), validation.Length(1, 100)),
		validation.Field(&r.LastName, validation.Required.Error("Lastname is mandatory"), validation.Length(1, 100)),
		validation.Field(&r.Email,
			validation.Required.Error("Email is mandatory"),
			validation.Length(3, 254),
			is.Email.Error("Email is not well formatted"),
		),
		validation.Field(&r.Password, validation.Required.Error("Password is mandatory"), validation.By(passwordPolicy)),
		validation.Field(&r.DateOfBirth, validation.Date(dateOfBirthLayout).Error("Date of birth must be formatted as YYYY-MM-DD")),
	)
}

// AuthenticationRequest is the login payload.
type AuthenticationRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r AuthenticationRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required.Error("Email is mandatory"), is.Email.Error("Email is not well formatted")),
		validation.Field(&r.Password, validation.Required.Error("Password is mandatory")),
	)
}

// New constructs the application with database storage and session management.
func New(cfg Config) (*App, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("activation dispatcher is required")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		if strings.TrimSpace(cfg.JWTPrivateKeyPath) == "" {
			return nil, fmt.Errorf("jwtPrivateKeyPath is required")
		}
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required for jwt+redis session strategy")
		}
		revoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword, cfg.SessionTTL)
		rsStore, err := store.NewJWTRS256SessionStoreFromPEM(
			cfg.JWTPrivateKeyPath,
			cfg.JWTPublicKeyPath,
			cfg.JWTKeyID,
			cfg.JWTVerifyPublicKeys,
			cfg.SessionTTL,
			revoker,
			store.JWTOptions{
				Issuer:   cfg.JWTIssuer,
				Audience: cfg.JWTAudience,
				Leeway:   cfg.JWTLeeway,
			},
		)
		if err != nil {
			return nil, fmt.Errorf("init rs256 jwt session store: %w", err)
		}
		sessionStore = rsStore
	}

	guard := cfg.ResendGuard
	if guard == nil && strings.TrimSpace(cfg.RedisAddr) != "" {
		redisGuard, err := credential.NewRedisResendGuard(cfg.RedisAddr, cfg.RedisPassword, cfg.ResendCooldown)
		if err != nil {
			return nil, fmt.Errorf("init resend guard: %w", err)
		}
		guard = redisGuard
	}

	issuer := credential.NewIssuer(dataStore, dataStore, sessionStore, cfg.Dispatcher, credential.Options{
		CodeLength: cfg.CodeLength,
		Now:        cfg.Now,
	})
	return &App{
		store:    dataStore,
		sessions: sessionStore,
		issuer:   issuer,
		guard:    guard,
		now:      cfg.Now,
	}, nil
}

// Register creates a disabled account and mails its activation code.
// The account survives a delivery failure so the code can be resent.
func (a *App) Register(ctx context.Context, req RegisterRequest) (domain.User, error) {
	req.Email = normalizeEmail(req.Email)
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	if err := req.Validate(); err != nil {
		return domain.User{}, err
	}
	passwordHash, err := auth.HashPassword(req.Password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	now := a.now()
	user := domain.User{
		ID:           util.NewID(),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Email:        req.Email,
		PasswordHash: passwordHash,
		Roles:        []domain.UserRole{domain.RoleUser},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.DateOfBirth != "" {
		dob, err := time.Parse(dateOfBirthLayout, req.DateOfBirth)
		if err != nil {
			return domain.User{}, validation.Errors{"dateOfBirth": err}
		}
		user.DateOfBirth = &dob
	}
	if err := a.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, domain.ErrEmailAlreadyExists) {
			return domain.User{}, err
		}
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	if _, err := a.issuer.IssueActivationCode(ctx, user); err != nil {
		return user, err
	}
	return user, nil
}

// Activate redeems an activation code. An expired code fails with
// ErrActivationReissued when this call mailed its replacement.
func (a *App) Activate(ctx context.Context, code string) error {
	result, err := a.issuer.ValidateActivation(ctx, code)
	if err != nil {
		if result.Reissued {
			return ErrActivationReissued
		}
		return err
	}
	util.LoggerFromContext(ctx).Info("account_activated", "user_id", result.UserID)
	return nil
}

// ResendActivation mails a fresh code to a registered, not yet enabled
// account. Unknown, active and throttled emails succeed silently.
func (a *App) ResendActivation(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if err := validation.Validate(email, validation.Required.Error("Email is mandatory"), is.Email.Error("Email is not well formatted")); err != nil {
		return validation.Errors{"email": err}
	}
	logger := util.LoggerFromContext(ctx)
	if a.guard != nil {
		if err := a.guard.Acquire(ctx, email); err != nil {
			if errors.Is(err, credential.ErrResendTooSoon) {
				logger.Info("activation_resend_throttled")
				return nil
			}
			return err
		}
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok || user.Enabled {
		return nil
	}
	if _, err := a.issuer.IssueActivationCode(ctx, user); err != nil {
		a.releaseGuard(ctx, email, logger)
		if errors.Is(err, domain.ErrDelivery) {
			logger.Warn("activation_resend_failed", "user_id", user.ID, "err", err)
			return nil
		}
		return err
	}
	return nil
}

// Authenticate checks credentials and signs a session token carrying the
// user's display claims.
func (a *App) Authenticate(ctx context.Context, req AuthenticationRequest) (string, domain.User, error) {
	req.Email = normalizeEmail(req.Email)
	if err := req.Validate(); err != nil {
		return "", domain.User{}, err
	}
	user, ok, err := a.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		return "", domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !auth.CheckPassword(req.Password, user.PasswordHash) {
		return "", domain.User{}, domain.ErrBadCredentials
	}
	if user.Locked {
		return "", domain.User{}, domain.ErrAccountLocked
	}
	if !user.Enabled {
		return "", domain.User{}, domain.ErrAccountDisabled
	}
	token, err := a.issuer.IssueSessionCredential(credential.SessionClaimsFor(user))
	if err != nil {
		return "", domain.User{}, err
	}
	return token, user, nil
}

// VerifySession returns the claims of a presented bearer token.
func (a *App) VerifySession(token string) (domain.SessionClaims, error) {
	return a.issuer.VerifySessionCredential(token)
}

// Logout revokes the token until it would have expired.
func (a *App) Logout(token string) error {
	if err := a.issuer.RevokeSessionCredential(token); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Me loads the account behind a verified session.
func (a *App) Me(ctx context.Context, claims domain.SessionClaims) (domain.User, error) {
	user, ok, err := a.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return domain.User{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrAccountGone
	}
	return user, nil
}

// JWKS returns public signing keys when session store supports it.
func (a *App) JWKS() []store.JWK {
	provider, ok := a.sessions.(store.JWKSProvider)
	if !ok {
		return nil
	}
	return provider.JWKS()
}

func (a *App) releaseGuard(ctx context.Context, email string, logger *slog.Logger) {
	if a.guard == nil {
		return
	}
	if err := a.guard.Release(ctx, email); err != nil {
		logger.Warn("activation_resend_release_failed", "err", err)
	}
}

func passwordPolicy(value interface{}) error {
	password, _ := value.(string)
	if password == "" {
		return nil
	}
	return auth.ValidatePassword(password)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
