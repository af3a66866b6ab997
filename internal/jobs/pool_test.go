package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestPoolProcessesAndBoundsConcurrency(t *testing.T) {
	p := NewPool(PoolOptions{Concurrency: 2, Size: 10}, nil)

	var (
		active, peak atomic.Int32
		mu           sync.Mutex
		seen         []string
	)
	handle := func(_ context.Context, jobID string) error {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		mu.Lock()
		seen = append(seen, jobID)
		mu.Unlock()
		return nil
	}

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		if err := p.Enqueue(context.Background(), id); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}
	if err := p.Start(context.Background(), handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if len(seen) != 6 {
		t.Fatalf("processed %d jobs, want 6 (queued jobs drain on stop)", len(seen))
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestPoolBackPressure(t *testing.T) {
	p := NewPool(PoolOptions{Concurrency: 1, Size: 2}, nil)
	ctx := context.Background()

	if err := p.Enqueue(ctx, "1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := p.Enqueue(ctx, "2"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := p.Enqueue(ctx, "3"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Enqueue(ctx, "4"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("err = %v, want ErrQueueClosed", err)
	}
}

func TestPoolSurvivesPanics(t *testing.T) {
	p := NewPool(PoolOptions{Concurrency: 1, Size: 4}, nil)
	var done atomic.Int32
	handle := func(_ context.Context, jobID string) error {
		if jobID == "bad" {
			panic("handler exploded")
		}
		done.Add(1)
		return errors.New("logged only")
	}
	if err := p.Start(context.Background(), handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, id := range []string{"bad", "ok1", "ok2"} {
		if err := p.Enqueue(context.Background(), id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if done.Load() != 2 {
		t.Fatalf("handled = %d, want 2", done.Load())
	}
}

func TestPoolStopTimeoutCancelsActive(t *testing.T) {
	p := NewPool(PoolOptions{Concurrency: 1, Size: 1}, nil)
	started := make(chan struct{})
	handle := func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	if err := p.Start(context.Background(), handle); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Enqueue(context.Background(), "slow"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v, want deadline exceeded", err)
	}
}

func TestAsynqTaskRoundTrip(t *testing.T) {
	task, err := newTask("job-1", DefaultAsynqQueue)
	if err != nil {
		t.Fatalf("newTask: %v", err)
	}
	if task.Type() != TaskTypeDocument {
		t.Fatalf("type = %s", task.Type())
	}
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil || payload.JobID != "job-1" {
		t.Fatalf("payload = %+v, %v", payload, err)
	}
	if _, err := newTask("", DefaultAsynqQueue); err == nil {
		t.Fatal("expected error for empty job id")
	}

	var got string
	h := taskHandler(func(_ context.Context, jobID string) error {
		got = jobID
		return nil
	})
	if err := h(context.Background(), task); err != nil || got != "job-1" {
		t.Fatalf("handler = %q, %v", got, err)
	}

	failing := taskHandler(func(context.Context, string) error { return errors.New("gone") })
	if err := failing(context.Background(), task); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}
	if err := h(context.Background(), asynq.NewTask(TaskTypeDocument, []byte("{"))); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("bad payload err = %v, want SkipRetry", err)
	}
}

func TestNewAsynqQueueRequiresURL(t *testing.T) {
	if _, err := NewAsynqQueue(AsynqOptions{}, nil); err == nil {
		t.Fatal("expected error without redis url")
	}
}
