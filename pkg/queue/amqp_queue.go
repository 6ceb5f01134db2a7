package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"booknetwork/internal/util"
)

const attemptsHeader = "x-attempts"

// AMQPConfig configures an AMQPQueue.
type AMQPConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	MaxRetries int
}

// AMQPQueue publishes and consumes jobs on a durable RabbitMQ queue.
// Failed jobs are republished with an attempt counter header and dropped
// once the retry budget is spent.
type AMQPQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	publishMu  sync.Mutex
	queue      string
	maxRetries int
}

// NewAMQPQueue dials the broker and declares the queue.
func NewAMQPQueue(cfg AMQPConfig) (*AMQPQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		return nil, errors.New("amqp queue required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare amqp queue: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set amqp qos: %w", err)
	}
	return &AMQPQueue{
		conn:       conn,
		ch:         ch,
		queue:      name,
		maxRetries: cfg.MaxRetries,
	}, nil
}

// Enqueue publishes a persistent message for the job.
func (q *AMQPQueue) Enqueue(ctx context.Context, kind string, payload []byte) (JobStatus, error) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return JobStatus{}, errors.New("job kind required")
	}
	now := time.Now().UTC()
	job := JobStatus{
		ID:        util.NewID(),
		Kind:      kind,
		Payload:   string(payload),
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.publish(ctx, job); err != nil {
		return JobStatus{}, err
	}
	return job, nil
}

func (q *AMQPQueue) publish(ctx context.Context, job JobStatus) error {
	q.publishMu.Lock()
	defer q.publishMu.Unlock()
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Type:         job.Kind,
		Timestamp:    job.CreatedAt,
		Headers:      amqp.Table{attemptsHeader: int32(job.Attempts)},
		Body:         []byte(job.Payload),
	})
}

// Start consumes with concurrency workers sharing one delivery stream.
func (q *AMQPQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := util.LoggerFromContext(ctx).With("queue", q.queue)
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		logger.Error("amqp_consume_failed", "err", err)
		return
	}
	for range concurrency {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						logger.Warn("amqp_deliveries_closed")
						return
					}
					q.handleDelivery(ctx, d, handler)
				}
			}
		}()
	}
}

func (q *AMQPQueue) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	job := jobFromDelivery(d)
	job.Attempts++
	job.Status = StatusProcessing
	logger := util.LoggerFromContext(ctx).With("queue", q.queue, "job_id", job.ID, "kind", job.Kind)

	err := handler(ctx, job)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if job.Attempts >= q.maxRetries {
		logger.Error("queue_job_failed", "attempts", job.Attempts, "err", err)
		_ = d.Nack(false, false)
		return
	}
	logger.Warn("queue_job_retry", "attempts", job.Attempts, "err", err)
	job.Status = StatusQueued
	job.ErrorMessage = err.Error()
	if pubErr := q.publish(ctx, job); pubErr != nil {
		logger.Error("queue_job_requeue_failed", "err", pubErr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Close shuts the channel and connection.
func (q *AMQPQueue) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func jobFromDelivery(d amqp.Delivery) JobStatus {
	created := d.Timestamp.UTC()
	return JobStatus{
		ID:        d.MessageId,
		Kind:      d.Type,
		Payload:   string(d.Body),
		Attempts:  attemptsFrom(d.Headers),
		CreatedAt: created,
		UpdatedAt: time.Now().UTC(),
	}
}

func attemptsFrom(headers amqp.Table) int {
	switch v := headers[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	default:
		return 0
	}
}
