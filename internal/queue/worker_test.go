package queue

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lybfish/ironbull-sub001/pkg/health"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
)

func TestWorkerRunOnceAcksSuccess(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	var handled int64
	worker := NewWorker(q, HandlerFunc(func(ctx context.Context, msg *TaskMessage) error {
		atomic.AddInt64(&handled, 1)
		return nil
	}), logger.New("worker-test", io.Discard), nil, 200*time.Millisecond)

	if err := q.Push(ctx, testTask("t1")); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := worker.RunOnce(ctx); err != nil {
		t.Fatalf("run once failed: %v", err)
	}
	if atomic.LoadInt64(&handled) != 1 {
		t.Fatalf("expected 1 handled task, got %d", handled)
	}

	stats, err := q.Depths(ctx)
	if err != nil {
		t.Fatalf("depths failed: %v", err)
	}
	if stats.Ready != 0 || stats.Processing != 0 || stats.Dead != 0 {
		t.Errorf("expected empty queue after ack, got %+v", stats)
	}
}

func TestWorkerRunOnceNacksFailure(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx := context.Background()

	worker := NewWorker(q, HandlerFunc(func(ctx context.Context, msg *TaskMessage) error {
		return errors.New("node unavailable")
	}), logger.New("worker-test", io.Discard), nil, 200*time.Millisecond)

	if err := q.Push(ctx, testTask("t1")); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	// 第一次失败重试，第二次进入死信
	if err := worker.RunOnce(ctx); err != nil {
		t.Fatalf("run once failed: %v", err)
	}
	if err := worker.RunOnce(ctx); err != nil {
		t.Fatalf("run once failed: %v", err)
	}

	stats, err := q.Depths(ctx)
	if err != nil {
		t.Fatalf("depths failed: %v", err)
	}
	if stats.Dead != 1 {
		t.Errorf("expected task in dead letters, got %+v", stats)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	monitor := &health.LoopMonitor{}

	worker := NewWorker(q, HandlerFunc(func(ctx context.Context, msg *TaskMessage) error {
		return nil
	}), logger.New("worker-test", io.Discard), monitor, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	if ok, _, _ := monitor.Healthy(time.Now(), 10*time.Second); !ok {
		t.Error("expected loop monitor to have ticked")
	}
}
