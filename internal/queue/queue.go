// Package queue is the background-job boundary. Callers depend on Client and
// Server; the asynq adapter backs them with Redis.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned by Enqueue when a task with the same ID is
// already queued. Callers enqueueing at-least-once can treat it as success.
var ErrDuplicate = errors.New("queue: duplicate task")

type Task struct {
	Type    string
	Payload []byte
}

// Handler processes a Task. A non-nil error schedules a retry, so handlers
// must be idempotent.
type Handler func(ctx context.Context, task Task) error

// EnqueueOption fields left at their zero value are unspecified.
type EnqueueOption struct {
	TaskID    string
	Queue     string
	ProcessIn time.Duration
	MaxRetry  int
	Retention time.Duration
}

type Client interface {
	Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (id string, err error)
	Close() error
}

// Server blocks in Run until ctx is canceled.
type Server interface {
	Register(taskType string, h Handler)
	Run(ctx context.Context) error
}
