package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"booknetwork/internal/util"
	"booknetwork/pkg/credential"
	"booknetwork/pkg/mail"
	"booknetwork/pkg/queue"
	"booknetwork/services/auth/internal/app"
	"booknetwork/services/auth/internal/config"
	"booknetwork/services/auth/internal/security"
	"booknetwork/services/auth/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	sessionTTL, err := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	jwtLeeway, err := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	resendCooldown, err := config.ParseDuration("activationResendCooldown", cfg.ActivationResendCooldown)
	if err != nil {
		log.Fatalf("failed to parse resend cooldown: %v", err)
	}
	verifyKeys, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse jwt verify public keys: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	dispatcher, closeDispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		log.Fatalf("failed to init mail transport: %v", err)
	}
	defer closeDispatcher()

	appCore, err := app.New(app.Config{
		DatabaseURL:         cfg.DatabaseURL,
		RedisAddr:           cfg.RedisAddr,
		RedisPassword:       cfg.RedisPassword,
		SessionTTL:          sessionTTL,
		JWTPrivateKeyPath:   cfg.JWTPrivateKeyPath,
		JWTPublicKeyPath:    cfg.JWTPublicKeyPath,
		JWTKeyID:            cfg.JWTKeyID,
		JWTVerifyPublicKeys: verifyKeys,
		JWTIssuer:           cfg.JWTIssuer,
		JWTAudience:         cfg.JWTAudience,
		JWTLeeway:           jwtLeeway,
		CodeLength:          cfg.ActivationCodeLength,
		ResendCooldown:      resendCooldown,
		Dispatcher:          dispatcher,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	alerter := security.NewAuditAlerter(cfg.RedisAddr, cfg.RedisPassword, "")
	defer alerter.Close()

	httpServer, err := server.New(server.Config{
		App:                          appCore,
		Alerter:                      alerter,
		RedisAddr:                    cfg.RedisAddr,
		RedisPassword:                cfg.RedisPassword,
		RegisterRateLimitPerMinute:   cfg.RegisterRateLimitPerMinute,
		LoginRateLimitPerMinute:      cfg.LoginRateLimitPerMinute,
		ActivationRateLimitPerMinute: cfg.ActivationRateLimitPerMinute,
		TrustedProxies:               trusted,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer httpServer.Close()

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("auth server listening", "addr", addr, "mail_transport", cfg.MailTransport)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

// newDispatcher builds the activation mail path for the configured transport.
// The returned func releases its connections.
func newDispatcher(cfg config.FileConfig, logger *slog.Logger) (credential.Dispatcher, func(), error) {
	switch cfg.MailTransport {
	case config.MailTransportAMQP:
		q, err := queue.NewAMQPQueue(queue.AMQPConfig{URL: cfg.AMQPURL, Queue: cfg.AMQPQueue})
		if err != nil {
			return nil, nil, err
		}
		return mail.NewQueueDispatcher(q, cfg.ActivationURL), closer(q), nil
	case config.MailTransportSMTP:
		sender, err := mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
		if err != nil {
			return nil, nil, err
		}
		d := mail.NewAsyncDispatcher(sender, int64(cfg.SMTPConcurrency), cfg.ActivationURL, logger)
		return d, d.Wait, nil
	default:
		q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.MailStream,
		})
		if err != nil {
			return nil, nil, err
		}
		return mail.NewQueueDispatcher(q, cfg.ActivationURL), closer(q), nil
	}
}

func closer(c io.Closer) func() {
	return func() { _ = c.Close() }
}
