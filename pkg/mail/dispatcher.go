package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"booknetwork/pkg/domain"
	"booknetwork/pkg/queue"
)

// QueueDispatcher hands activation mails to the mail queue.
type QueueDispatcher struct {
	queue         queue.Enqueuer
	activationURL string
}

func NewQueueDispatcher(q queue.Enqueuer, activationURL string) *QueueDispatcher {
	return &QueueDispatcher{queue: q, activationURL: activationURL}
}

// DispatchActivation enqueues the activation mail. Enqueue failures wrap
// domain.ErrDelivery.
func (d *QueueDispatcher) DispatchActivation(ctx context.Context, user domain.User, token domain.ActivationToken) error {
	payload, err := json.Marshal(ActivationJob(user, token, d.activationURL))
	if err != nil {
		return fmt.Errorf("%w: encode job: %w", domain.ErrDelivery, err)
	}
	if _, err := d.queue.Enqueue(ctx, KindSend, payload); err != nil {
		return fmt.Errorf("%w: enqueue: %w", domain.ErrDelivery, err)
	}
	return nil
}

// AsyncDispatcher renders and sends activation mails in the background,
// with at most limit sends in flight. When every slot is busy the dispatch
// fails with domain.ErrDelivery instead of queueing without bound.
type AsyncDispatcher struct {
	sender        Sender
	sem           *semaphore.Weighted
	activationURL string
	timeout       time.Duration
	logger        *slog.Logger
	wg            sync.WaitGroup
}

func NewAsyncDispatcher(sender Sender, limit int64, activationURL string, logger *slog.Logger) *AsyncDispatcher {
	if limit <= 0 {
		limit = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncDispatcher{
		sender:        sender,
		sem:           semaphore.NewWeighted(limit),
		activationURL: activationURL,
		timeout:       30 * time.Second,
		logger:        logger,
	}
}

// DispatchActivation renders the mail and sends it on a background goroutine.
func (d *AsyncDispatcher) DispatchActivation(_ context.Context, user domain.User, token domain.ActivationToken) error {
	msg, err := Render(ActivationJob(user, token, d.activationURL))
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDelivery, err)
	}
	if !d.sem.TryAcquire(1) {
		return fmt.Errorf("%w: %w", domain.ErrDelivery, errors.New("mail backlog full"))
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.sender.Send(ctx, msg); err != nil {
			d.logger.Error("mail_send_failed", "user_id", user.ID, "template", TemplateActivateAccount, "err", err)
			return
		}
		d.logger.Info("mail_sent", "user_id", user.ID, "template", TemplateActivateAccount)
	}()
	return nil
}

// Wait blocks until in-flight sends finish.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}

// Worker renders queued mail jobs and sends them.
type Worker struct {
	sender Sender
	logger *slog.Logger
}

func NewWorker(sender Sender, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{sender: sender, logger: logger}
}

// Handle processes one queue job. Returned errors make the queue retry.
func (w *Worker) Handle(ctx context.Context, job queue.JobStatus) error {
	if job.Kind != KindSend {
		w.logger.Warn("mail_job_unknown_kind", "job_id", job.ID, "kind", job.Kind)
		return nil
	}
	mailJob, err := DecodeJob([]byte(job.Payload))
	if err != nil {
		w.logger.Error("mail_job_malformed", "job_id", job.ID, "err", err)
		return nil
	}
	msg, err := Render(mailJob)
	if err != nil {
		w.logger.Error("mail_job_render_failed", "job_id", job.ID, "template", mailJob.Template, "err", err)
		return nil
	}
	if err := w.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", mailJob.Template, err)
	}
	w.logger.Info("mail_sent", "job_id", job.ID, "template", mailJob.Template, "attempt", job.Attempts)
	return nil
}
