package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, jobID, kind := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, jobID, kind); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != jobID || got.Values["kind"] != kind {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, jobID, kind := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, jobID, kind); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, string, string) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "mail.test", []byte(`{"to":"a@example.com"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	msg := streams[0].Messages[0]
	return q, ctx, msg.ID, job.ID, job.Kind
}

func TestRedisJobQueueEnqueueRequiresKind(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{Addr: redisSrv.Addr(), Stream: "test:queue"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	if _, err := q.Enqueue(context.Background(), " ", nil); err == nil {
		t.Fatalf("expected missing kind to fail")
	}
}

func TestRedisJobQueueStoresPayloadWithStatus(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{Addr: redisSrv.Addr(), Stream: "test:queue"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()
	job, err := q.Enqueue(ctx, "mail.test", []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.Kind != "mail.test" || got.Payload != `{"n":1}` || got.Status != StatusQueued {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestRedisJobQueueHandleMessageRetriesThenFails(t *testing.T) {
	q, ctx, msgID, jobID, kind := newPendingQueueMessage(t)
	q.maxRetries = 1

	calls := 0
	q.handleMessage(ctx, "consumer-1", redis.XMessage{
		ID:     msgID,
		Values: map[string]any{"job_id": jobID, "kind": kind},
	}, func(_ context.Context, job JobStatus) error {
		calls++
		if job.Payload == "" {
			t.Fatalf("handler should receive the stored payload")
		}
		return errors.New("smtp unavailable")
	})
	if calls != 1 {
		t.Fatalf("expected one handler call, got %d", calls)
	}
	got, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusFailed || got.ErrorMessage != "smtp unavailable" || got.Attempts != 1 {
		t.Fatalf("unexpected job after exhausting retries: %+v", got)
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("failed job must be acked, got %d pending", pending.Count)
	}
}

func TestRedisJobQueueHandleMessageMarksDone(t *testing.T) {
	q, ctx, msgID, jobID, kind := newPendingQueueMessage(t)
	q.handleMessage(ctx, "consumer-1", redis.XMessage{
		ID:     msgID,
		Values: map[string]any{"job_id": jobID, "kind": kind},
	}, func(context.Context, JobStatus) error { return nil })

	got, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusDone {
		t.Fatalf("expected done, got %+v", got)
	}
}

func TestRedisJobQueueHandleMessageRequeuesBeforeBudgetSpent(t *testing.T) {
	q, ctx, msgID, jobID, kind := newPendingQueueMessage(t)
	q.maxRetries = 3

	q.handleMessage(ctx, "consumer-1", redis.XMessage{
		ID:     msgID,
		Values: map[string]any{"job_id": jobID, "kind": kind},
	}, func(context.Context, JobStatus) error { return errors.New("smtp unavailable") })

	got, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != StatusQueued || got.Attempts != 1 || got.ErrorMessage != "smtp unavailable" {
		t.Fatalf("unexpected job after first failure: %+v", got)
	}
	if got.Payload == "" || got.CreatedAt.IsZero() {
		t.Fatalf("retry must keep payload and creation time: %+v", got)
	}
	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected the requeued entry to replace the original, len=%d", streamLen)
	}
}
