package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinytelemetry/accesstats/internal/model"
)

type fakeSender struct {
	fail  bool
	calls [][]model.Point
}

func (s *fakeSender) Send(_ context.Context, points []model.Point) error {
	s.calls = append(s.calls, points)
	if s.fail {
		return errors.New("backend unavailable")
	}
	return nil
}

func batch(ts int64) []model.Point {
	return []model.Point{{Measurement: "hits", Timestamp: ts, Value: 1, Integer: true}}
}

func newTestQueue(t *testing.T, s Sender, restored [][]model.Point, capacity int) *Queue {
	t.Helper()
	q, err := NewQueue(s, restored, Config{Capacity: capacity, Timeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	return q
}

func TestQueue_KeepsNewestAfterSustainedFailure(t *testing.T) {
	t.Parallel()

	s := &fakeSender{fail: true}
	q := newTestQueue(t, s, nil, 3)
	for ts := int64(1); ts <= 5; ts++ {
		if err := q.Send(context.Background(), batch(ts)); err == nil {
			t.Fatalf("Send(%d) err = nil, want failure", ts)
		}
	}

	got := q.Batches()
	if len(got) != 3 {
		t.Fatalf("queued batches = %d, want 3", len(got))
	}
	for i, want := range []int64{3, 4, 5} {
		if got[i][0].Timestamp != want {
			t.Errorf("batch %d timestamp = %d, want %d", i, got[i][0].Timestamp, want)
		}
	}
	if q.Evicted() != 2 {
		t.Errorf("Evicted = %d, want 2", q.Evicted())
	}
}

func TestQueue_ResendFlattensAndClears(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	q := newTestQueue(t, s, [][]model.Point{batch(1), batch(2)}, 3)

	res := q.Deliver(context.Background(), batch(3))
	if res.ResendErr != nil || res.SendErr != nil {
		t.Fatalf("Deliver errors = %v / %v", res.ResendErr, res.SendErr)
	}
	if res.Resent != 2 || res.Sent != 1 {
		t.Errorf("Resent=%d Sent=%d, want 2 and 1", res.Resent, res.Sent)
	}
	if len(s.calls) != 2 || len(s.calls[0]) != 2 {
		t.Fatalf("calls = %v, want one flattened resend then one send", s.calls)
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
}

func TestQueue_FailedResendKeepsQueue(t *testing.T) {
	t.Parallel()

	s := &fakeSender{fail: true}
	q := newTestQueue(t, s, [][]model.Point{batch(1)}, 3)

	res := q.Deliver(context.Background(), batch(2))
	if res.ResendErr == nil || res.SendErr == nil {
		t.Fatalf("Deliver errors = %v / %v, want both failures", res.ResendErr, res.SendErr)
	}
	if res.Queued != 1 {
		t.Errorf("Queued = %d, want 1", res.Queued)
	}
	if q.Len() != 2 {
		t.Errorf("queue length = %d, want 2", q.Len())
	}
}

func TestQueue_ZeroCapacityKeepsNothing(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, &fakeSender{fail: true}, nil, 0)
	res := q.Deliver(context.Background(), batch(1))
	if q.Len() != 0 || res.Evicted != 1 {
		t.Errorf("Len=%d Evicted=%d, want 0 and 1", q.Len(), res.Evicted)
	}
}

func TestQueue_RestoredQueueTrimmed(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, &fakeSender{}, [][]model.Point{batch(1), nil, batch(2), batch(3)}, 2)
	got := q.Batches()
	if len(got) != 2 || got[0][0].Timestamp != 2 {
		t.Fatalf("restored batches = %v, want newest two", got)
	}
}

func TestQueue_EmptySendIsNoop(t *testing.T) {
	t.Parallel()

	s := &fakeSender{}
	q := newTestQueue(t, s, nil, 3)
	res := q.Deliver(context.Background(), nil)
	if len(s.calls) != 0 {
		t.Errorf("calls = %d, want 0", len(s.calls))
	}
	if res.Sent != 0 || res.Queued != 0 {
		t.Errorf("result = %+v, want zero", res)
	}
}

func TestQueue_TimeoutIsFailure(t *testing.T) {
	t.Parallel()

	blocking := SenderFunc(func(ctx context.Context, _ []model.Point) error {
		<-ctx.Done()
		return ctx.Err()
	})
	q, err := NewQueue(blocking, nil, Config{Capacity: 1, Timeout: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	if err := q.Send(context.Background(), batch(1)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send err = %v, want deadline exceeded", err)
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1", q.Len())
	}
}

func TestSimulateFailure(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, SimulateFailure(), nil, 1)
	if err := q.Send(context.Background(), batch(1)); !errors.Is(err, ErrSimulatedFailure) {
		t.Fatalf("Send err = %v, want ErrSimulatedFailure", err)
	}
}

func TestNewQueue_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewQueue(nil, nil, Config{Capacity: 1}, nil); err == nil {
		t.Error("expected error for nil sender")
	}
	if _, err := NewQueue(&fakeSender{}, nil, Config{Capacity: -1}, nil); err == nil {
		t.Error("expected error for negative capacity")
	}
}
