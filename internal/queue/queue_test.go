package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, maxRetries int) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "execution", maxRetries), mr
}

func testTask(id string) *TaskMessage {
	return &TaskMessage{
		TaskID:    id,
		TaskType:  "execute_signal",
		SignalID:  "sig-" + id,
		TenantID:  1,
		AccountID: 2001,
		Payload:   json.RawMessage(`{"symbol":"BTCUSDT"}`),
	}
}

func TestQueuePushPopFIFO(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	if err := q.Push(ctx, testTask("t1")); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if err := q.Push(ctx, testTask("t2")); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	first, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if first == nil || first.TaskID != "t1" {
		t.Fatalf("expected t1 first, got %+v", first)
	}
	second, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if second == nil || second.TaskID != "t2" {
		t.Fatalf("expected t2 second, got %+v", second)
	}

	stats, err := q.Depths(ctx)
	if err != nil {
		t.Fatalf("depths failed: %v", err)
	}
	if stats.Ready != 0 || stats.Processing != 2 {
		t.Errorf("expected 0 ready / 2 processing, got %+v", stats)
	}
}

func TestQueuePopTimeout(t *testing.T) {
	q, _ := newTestQueue(t, 3)

	msg, err := q.Pop(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil message on empty queue, got %+v", msg)
	}
}

func TestQueueAckRemovesClaim(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	if err := q.Push(ctx, testTask("t1")); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	msg, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if err := q.Ack(ctx, msg.TaskID); err != nil {
		t.Fatalf("ack failed: %v", err)
	}

	stats, err := q.Depths(ctx)
	if err != nil {
		t.Fatalf("depths failed: %v", err)
	}
	if stats.Processing != 0 {
		t.Errorf("expected empty processing after ack, got %d", stats.Processing)
	}
}

func TestQueueNackRetriesThenDeadLetters(t *testing.T) {
	q, mr := newTestQueue(t, 1)
	ctx := context.Background()

	if err := q.Push(ctx, testTask("t1")); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	msg, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	retried, err := q.Nack(ctx, msg)
	if err != nil {
		t.Fatalf("nack failed: %v", err)
	}
	if !retried {
		t.Fatal("expected first nack to requeue")
	}

	msg, err = q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if msg.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", msg.RetryCount)
	}
	retried, err = q.Nack(ctx, msg)
	if err != nil {
		t.Fatalf("nack failed: %v", err)
	}
	if retried {
		t.Fatal("expected second nack to dead-letter")
	}

	stats, err := q.Depths(ctx)
	if err != nil {
		t.Fatalf("depths failed: %v", err)
	}
	if stats.Dead != 1 || stats.Ready != 0 || stats.Processing != 0 {
		t.Errorf("expected 1 dead letter, got %+v", stats)
	}

	// 死信保留最终尝试次数和消息自带的重试预算
	deadRaw, err := mr.List("ironbull:queue:execution:dead")
	if err != nil {
		t.Fatalf("read dead list: %v", err)
	}
	dead, err := DecodeTask(deadRaw[0])
	if err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if dead.RetryCount != 2 {
		t.Errorf("expected retry count 2 on dead letter, got %d", dead.RetryCount)
	}
	if dead.MaxRetries != 1 {
		t.Errorf("expected max retries 1 on dead letter, got %d", dead.MaxRetries)
	}
}

func TestQueueNackHonorsMessageRetryBudget(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	task := testTask("t1")
	task.MaxRetries = 1
	if err := q.Push(ctx, task); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	msg, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if retried, err := q.Nack(ctx, msg); err != nil || !retried {
		t.Fatalf("expected first nack to requeue, retried=%v err=%v", retried, err)
	}

	msg, err = q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	retried, err := q.Nack(ctx, msg)
	if err != nil {
		t.Fatalf("nack failed: %v", err)
	}
	if retried {
		t.Fatal("message budget of 1 must dead-letter before the queue default")
	}
}

func TestQueueRequeueStale(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	if err := q.Push(ctx, testTask("t1")); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, err := q.Pop(ctx, time.Second); err != nil {
		t.Fatalf("pop failed: %v", err)
	}

	// 回收窗口为 0 时，刚领取的任务已视为超期
	requeued, err := q.RequeueStale(ctx, 0)
	if err != nil {
		t.Fatalf("requeue stale failed: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("expected 1 requeued, got %d", requeued)
	}

	msg, err := q.Pop(ctx, time.Second)
	if err != nil {
		t.Fatalf("pop failed: %v", err)
	}
	if msg == nil || msg.TaskID != "t1" {
		t.Fatalf("expected t1 back on the queue, got %+v", msg)
	}
	if msg.RetryCount != 1 {
		t.Errorf("expected retry count 1 after reclaim, got %d", msg.RetryCount)
	}
}

func TestQueueRequeueStaleKeepsFreshClaims(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	ctx := context.Background()

	if err := q.Push(ctx, testTask("t1")); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, err := q.Pop(ctx, time.Second); err != nil {
		t.Fatalf("pop failed: %v", err)
	}

	requeued, err := q.RequeueStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("requeue stale failed: %v", err)
	}
	if requeued != 0 {
		t.Errorf("expected fresh claim to stay, got %d requeued", requeued)
	}
}
