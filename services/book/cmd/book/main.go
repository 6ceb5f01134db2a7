package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"booknetwork/internal/usertoken"
	"booknetwork/internal/util"
	"booknetwork/pkg/storage"
	"booknetwork/pkg/store"
	"booknetwork/services/book/internal/app"
	"booknetwork/services/book/internal/config"
	"booknetwork/services/book/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	jwtLeeway, err := config.ParseDuration("jwtLeeway", cfg.JWTLeeway, 0)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	coverURLTTL, err := config.ParseDuration("coverURLTTL", cfg.CoverURLTTL, config.DefaultCoverURLTTL)
	if err != nil {
		log.Fatalf("failed to parse cover url ttl: %v", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	// Sharing the auth service's revocation backend makes logout apply here too.
	var revoker store.TokenRevoker
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		redisRevoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword, 0)
		defer redisRevoker.Close()
		revoker = redisRevoker
	} else {
		logger.Warn("redisAddr not set; revoked sessions stay valid until expiry")
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Revoker:    revoker,
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		Minio: storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		},
		CoverURLTTL:   coverURLTTL,
		MaxCoverBytes: cfg.MaxCoverBytes,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Verifier:       tokenVerifier,
		TrustedProxies: trusted,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

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

	slog.Info("book server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
