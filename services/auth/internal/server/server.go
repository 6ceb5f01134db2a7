package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"booknetwork/internal/apierror"
	"booknetwork/internal/ratelimit"
	"booknetwork/internal/util"
	"booknetwork/pkg/domain"
	"booknetwork/services/auth/internal/app"
	"booknetwork/services/auth/internal/security"
)

const (
	apiPrefix    = "/api/v1/auth"
	maxBodyBytes = 1 << 20

	activationReissuedDescription = "Activation code has expired. A new code has been sent to your email address"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                          *app.App
	Alerter                      *security.AuditAlerter
	RedisAddr                    string
	RedisPassword                string
	RegisterRateLimitPerMinute   int
	LoginRateLimitPerMinute      int
	ActivationRateLimitPerMinute int
	TrustedProxies               *util.TrustedProxies
}

// Server exposes HTTP endpoints for the auth service.
type Server struct {
	app               *app.App
	alerter           *security.AuditAlerter
	trusted           *util.TrustedProxies
	mux               *http.ServeMux
	registerLimiter   *ratelimit.FixedWindowLimiter
	loginLimiter      *ratelimit.FixedWindowLimiter
	activationLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	registerLimit := cfg.RegisterRateLimitPerMinute
	if registerLimit <= 0 {
		registerLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	activationLimit := cfg.ActivationRateLimitPerMinute
	if activationLimit <= 0 {
		activationLimit = 10
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "booknetwork:auth:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	registerLimiter, err := newLimiter("register", registerLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	activationLimiter, err := newLimiter("activation", activationLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:               cfg.App,
		alerter:           cfg.Alerter,
		trusted:           cfg.TrustedProxies,
		mux:               http.NewServeMux(),
		registerLimiter:   registerLimiter,
		loginLimiter:      loginLimiter,
		activationLimiter: activationLimiter,
	}
	s.routes()
	return s, nil
}

// Close releases the rate limiter connections.
func (s *Server) Close() error {
	return errors.Join(s.registerLimiter.Close(), s.loginLimiter.Close(), s.activationLimiter.Close())
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("auth", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)

	s.mux.HandleFunc("POST "+apiPrefix+"/register", s.handleRegister)
	s.mux.HandleFunc("GET "+apiPrefix+"/activate-account", s.handleActivate)
	s.mux.HandleFunc("POST "+apiPrefix+"/activate-account", s.handleActivate)
	s.mux.HandleFunc("POST "+apiPrefix+"/resend-activation", s.handleResendActivation)
	s.mux.HandleFunc("POST "+apiPrefix+"/authenticate", s.handleAuthenticate)
	s.mux.Handle("POST "+apiPrefix+"/logout", s.authenticated(s.handleLogout))
	s.mux.Handle("GET "+apiPrefix+"/me", s.authenticated(s.handleMe))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	apierror.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	keys := s.app.JWKS()
	if keys == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	apierror.WriteJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

type authHandler func(http.ResponseWriter, *http.Request, string, domain.SessionClaims)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "auth.authorize", "fail", "reason", "missing_token")
			apierror.Write(w, r, domain.ErrUnauthorized)
			return
		}
		claims, err := s.app.VerifySession(token)
		if err != nil {
			s.audit(r, "auth.authorize", "fail", "reason", authFailureReason(err))
			apierror.Write(w, r, err)
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", claims.Subject))
		next(w, r.WithContext(ctx), token, claims)
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.registerLimiter) {
		s.audit(r, "auth.register", "rate_limited")
		return
	}
	var req app.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		s.audit(r, "auth.register", "fail", "reason", "invalid_json")
		apierror.Write(w, r, err)
		return
	}
	user, err := s.app.Register(r.Context(), req)
	if err != nil {
		s.audit(r, "auth.register", "fail", "reason", authFailureReason(err))
		apierror.Write(w, r, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", user.ID)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.activationLimiter) {
		s.audit(r, "auth.activate", "rate_limited")
		return
	}
	code := r.URL.Query().Get("token")
	if err := s.app.Activate(r.Context(), code); err != nil {
		s.audit(r, "auth.activate", "fail", "reason", authFailureReason(err))
		if errors.Is(err, app.ErrActivationReissued) {
			err = apierror.WithDescription(err, activationReissuedDescription)
		}
		apierror.Write(w, r, err)
		return
	}
	s.audit(r, "auth.activate", "success")
	apierror.WriteJSON(w, http.StatusOK, map[string]string{"status": "activated"})
}

func (s *Server) handleResendActivation(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.activationLimiter) {
		s.audit(r, "auth.resend", "rate_limited")
		return
	}
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierror.Write(w, r, err)
		return
	}
	if err := s.app.ResendActivation(r.Context(), req.Email); err != nil {
		s.audit(r, "auth.resend", "fail", "reason", authFailureReason(err))
		apierror.Write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter) {
		s.audit(r, "auth.authenticate", "rate_limited")
		return
	}
	var req app.AuthenticationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.audit(r, "auth.authenticate", "fail", "reason", "invalid_json")
		apierror.Write(w, r, err)
		return
	}
	token, user, err := s.app.Authenticate(r.Context(), req)
	if err != nil {
		s.audit(r, "auth.authenticate", "fail", "reason", authFailureReason(err))
		apierror.Write(w, r, err)
		return
	}
	s.audit(r, "auth.authenticate", "success", "user_id", user.ID)
	apierror.WriteJSON(w, http.StatusOK, authenticationResponse{Token: token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, token string, claims domain.SessionClaims) {
	if err := s.app.Logout(token); err != nil {
		s.audit(r, "auth.logout", "fail", "user_id", claims.Subject)
		apierror.Write(w, r, err)
		return
	}
	s.audit(r, "auth.logout", "success", "user_id", claims.Subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, _ string, claims domain.SessionClaims) {
	user, err := s.app.Me(r.Context(), claims)
	if err != nil {
		apierror.Write(w, r, err)
		return
	}
	apierror.WriteJSON(w, http.StatusOK, user)
}

type authenticationResponse struct {
	Token string `json:"token"`
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trusted)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)

	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security_alert_observe_failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			slog.String("event", event),
			slog.String("outcome", outcome),
			slog.String("ip", ip),
			slog.Int64("count", result.Count),
			slog.Int64("threshold", result.Threshold),
			slog.Duration("window", result.Window),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	decision := limiter.Allow(r.Context(), key)
	if decision.Allowed {
		return true
	}
	retry := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	apierror.Write(w, r, apierror.ErrRateLimited)
	return false
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", apierror.ErrMalformedBody, err)
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// authFailureReason gives audit logs a stable reason without raw error text.
func authFailureReason(err error) string {
	_, body := apierror.Classify(err)
	switch body.BusinessErrorCode {
	case apierror.ValidationFailed:
		return "validation"
	case apierror.InternalError:
		return "internal"
	default:
		return fmt.Sprintf("code_%d", body.BusinessErrorCode)
	}
}
