package queue

import "context"

// Enqueuer publishes jobs. RedisJobQueue and AMQPQueue implement it.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload []byte) (JobStatus, error)
}

// Consumer delivers jobs to a handler until ctx is done.
type Consumer interface {
	Start(ctx context.Context, concurrency int, handler Handler)
}
