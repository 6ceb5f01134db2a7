// Package app runs the mailer worker: it drains the mail queue and serves a
// health endpoint until the context is cancelled.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"booknetwork/internal/apierror"
	"booknetwork/pkg/mail"
	"booknetwork/pkg/queue"
)

// Config wires the worker.
type Config struct {
	Consumer    queue.Consumer
	Sender      mail.Sender
	Concurrency int
	// HealthAddr is optional; empty disables the health server.
	HealthAddr string
	Logger     *slog.Logger
}

// App is the mailer worker.
type App struct {
	consumer    queue.Consumer
	worker      *mail.Worker
	concurrency int
	healthAddr  string
	logger      *slog.Logger
}

// New validates cfg and builds the worker.
func New(cfg Config) (*App, error) {
	if cfg.Consumer == nil {
		return nil, errors.New("mailer requires a queue consumer")
	}
	if cfg.Sender == nil {
		return nil, errors.New("mailer requires a mail sender")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &App{
		consumer:    cfg.Consumer,
		worker:      mail.NewWorker(cfg.Sender, logger),
		concurrency: concurrency,
		healthAddr:  cfg.HealthAddr,
		logger:      logger,
	}, nil
}

// Run blocks until ctx is done or the health server fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.consumer.Start(ctx, a.concurrency, a.worker.Handle)
		a.logger.Info("mailer consuming", "concurrency", a.concurrency)
		<-ctx.Done()
		return nil
	})
	if a.healthAddr != "" {
		srv := &http.Server{
			Addr:              a.healthAddr,
			Handler:           HealthHandler(),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		g.Go(func() error {
			a.logger.Info("mailer health listening", "addr", a.healthAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// HealthHandler answers GET /healthz.
func HealthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		apierror.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}
