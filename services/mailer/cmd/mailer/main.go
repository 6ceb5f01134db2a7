package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"booknetwork/internal/util"
	"booknetwork/pkg/mail"
	"booknetwork/pkg/queue"
	"booknetwork/services/mailer/internal/app"
	"booknetwork/services/mailer/internal/config"
)

type consumerCloser interface {
	queue.Consumer
	Close() error
}

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	var consumer consumerCloser
	switch cfg.MailTransport {
	case config.MailTransportAMQP:
		consumer, err = queue.NewAMQPQueue(queue.AMQPConfig{
			URL:        cfg.AMQPURL,
			Queue:      cfg.AMQPQueue,
			Prefetch:   cfg.Concurrency,
			MaxRetries: cfg.MaxRetries,
		})
	default:
		consumer, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     cfg.MailStream,
			Group:      cfg.MailGroup,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: 5 * time.Second,
		})
	}
	if err != nil {
		log.Fatalf("failed to init mail queue: %v", err)
	}
	defer consumer.Close()

	sender, err := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
	if err != nil {
		log.Fatalf("failed to init smtp sender: %v", err)
	}

	healthAddr := ""
	if cfg.HealthPort != "" {
		healthAddr = ":" + cfg.HealthPort
	}
	worker, err := app.New(app.Config{
		Consumer:    consumer,
		Sender:      sender,
		Concurrency: cfg.Concurrency,
		HealthAddr:  healthAddr,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("failed to init mailer: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info("mailer starting", "transport", cfg.MailTransport, "smtp_host", cfg.SMTPHost)
	if err := worker.Run(ctx); err != nil {
		logger.Error("mailer stopped", "err", err)
	}
}
