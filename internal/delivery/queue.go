// Package delivery sends points to a sink and keeps failed batches in a
// bounded retry queue that is persisted with the checkpoint.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinytelemetry/accesstats/internal/model"
)

// ErrSimulatedFailure is returned by the sender installed by SimulateFailure.
var ErrSimulatedFailure = errors.New("delivery: simulated send failure")

// Sender writes one batch of points. Any error means the whole batch failed.
type Sender interface {
	Send(ctx context.Context, points []model.Point) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, points []model.Point) error

func (f SenderFunc) Send(ctx context.Context, points []model.Point) error { return f(ctx, points) }

// SimulateFailure returns a sender that fails every send without
// contacting the backend.
func SimulateFailure() Sender {
	return SenderFunc(func(context.Context, []model.Point) error {
		return ErrSimulatedFailure
	})
}

// Config bounds the queue and each send.
type Config struct {
	Capacity int           // batches kept after failures, >= 0
	Timeout  time.Duration // per send, 0 = no timeout
}

// Result summarizes one Deliver call.
type Result struct {
	Resent    int // points delivered from the retry queue
	Sent      int // fresh points delivered
	Queued    int // fresh points queued after a failed send
	Evicted   int // batches dropped because the queue was full
	ResendErr error
	SendErr   error
}

// Queue is a bounded FIFO of failed batches. It is not safe for concurrent use.
type Queue struct {
	sender   Sender
	capacity int
	timeout  time.Duration
	logger   *slog.Logger
	batches  [][]model.Point
	evicted  int
}

// NewQueue restores a queue from persisted batches. Batches beyond the
// configured capacity are evicted oldest first.
func NewQueue(sender Sender, restored [][]model.Point, cfg Config, logger *slog.Logger) (*Queue, error) {
	if sender == nil {
		return nil, errors.New("delivery: sender is nil")
	}
	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("delivery: negative capacity %d", cfg.Capacity)
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		sender:   sender,
		capacity: cfg.Capacity,
		timeout:  cfg.Timeout,
		logger:   logger,
	}
	for _, b := range restored {
		if len(b) > 0 {
			q.batches = append(q.batches, b)
		}
	}
	q.trim()
	return q, nil
}

func (q *Queue) trim() {
	for len(q.batches) > q.capacity {
		dropped := q.batches[0]
		q.batches[0] = nil
		q.batches = q.batches[1:]
		q.evicted++
		q.logger.Warn("retry queue full, dropping oldest batch", "points", len(dropped), "capacity", q.capacity)
	}
}

func (q *Queue) send(ctx context.Context, points []model.Point) error {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	return q.sender.Send(ctx, points)
}

// Resend sends every queued batch as one flattened send. Success empties
// the queue; failure leaves it unchanged.
func (q *Queue) Resend(ctx context.Context) (int, error) {
	if len(q.batches) == 0 {
		return 0, nil
	}
	var all []model.Point
	for _, b := range q.batches {
		all = append(all, b...)
	}
	q.logger.Info("resending queued points", "points", len(all), "batches", len(q.batches))
	if err := q.send(ctx, all); err != nil {
		return 0, fmt.Errorf("delivery: resend %d points: %w", len(all), err)
	}
	q.batches = nil
	return len(all), nil
}

// Send sends fresh points. On failure the batch is queued and the error is
// returned for logging; the caller's run still succeeds.
func (q *Queue) Send(ctx context.Context, points []model.Point) error {
	if len(points) == 0 {
		return nil
	}
	q.logger.Info("sending points", "points", len(points))
	if err := q.send(ctx, points); err != nil {
		q.batches = append(q.batches, points)
		q.trim()
		q.logger.Warn("send failed, points queued for retry", "points", len(points), "queued_batches", len(q.batches), "capacity", q.capacity, "err", err)
		return fmt.Errorf("delivery: send %d points: %w", len(points), err)
	}
	return nil
}

// Deliver resends queued batches and then sends fresh points.
func (q *Queue) Deliver(ctx context.Context, points []model.Point) Result {
	before := q.evicted
	var res Result
	res.Resent, res.ResendErr = q.Resend(ctx)
	if res.ResendErr != nil {
		q.logger.Warn("resend failed, keeping queue", "err", res.ResendErr)
	}
	if res.SendErr = q.Send(ctx, points); res.SendErr != nil {
		res.Queued = len(points)
	} else {
		res.Sent = len(points)
	}
	res.Evicted = q.evicted - before
	return res
}

// Batches returns the queued batches, oldest first.
func (q *Queue) Batches() [][]model.Point { return q.batches }

// Len returns the number of queued batches.
func (q *Queue) Len() int { return len(q.batches) }

// Evicted returns the number of batches dropped since the queue was created.
func (q *Queue) Evicted() int { return q.evicted }
