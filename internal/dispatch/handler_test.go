package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/lybfish/ironbull-sub001/internal/queue"
	"github.com/lybfish/ironbull-sub001/internal/risk"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
)

func TestHandleUnknownTaskTypeIgnored(t *testing.T) {
	env := newTestEnv(t, "", nil)
	log := logger.New("dispatch-test", io.Discard)
	h := NewTaskHandler(env.dispatcher, 3, log)

	err := h.Handle(context.Background(), &queue.TaskMessage{
		TaskID:   "TASK-1",
		TaskType: "rebalance",
	})
	if err != nil {
		t.Fatalf("unknown task type must not trigger a retry: %v", err)
	}
}

func TestHandleBadPayloadDropsTask(t *testing.T) {
	env := newTestEnv(t, "", nil)
	log := logger.New("dispatch-test", io.Discard)
	h := NewTaskHandler(env.dispatcher, 3, log)

	ctx := context.Background()
	key := ExecKey("sig-1")
	if _, _, err := env.dispatcher.idem.Acquire(ctx, key); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	err := h.Handle(ctx, &queue.TaskMessage{
		TaskID:   "TASK-1",
		TaskType: TaskTypeExecuteSignal,
		SignalID: "sig-1",
		Payload:  json.RawMessage(`{broken`),
	})
	if err != nil {
		t.Fatalf("undecodable payload must be dropped, not retried: %v", err)
	}

	record, err := env.dispatcher.idem.Get(ctx, key)
	if err != nil {
		t.Fatalf("get record failed: %v", err)
	}
	if record == nil || record.State != queue.RecordFailed {
		t.Fatalf("expected failed record, got %+v", record)
	}
}

func TestHandleRetryExhaustedFailsRecord(t *testing.T) {
	// sqlmock 没有设置任何期望，executeCore 的去重查询会报基础设施错误
	env := newTestEnv(t, "", nil)
	log := logger.New("dispatch-test", io.Discard)
	h := NewTaskHandler(env.dispatcher, 1, log)

	ctx := context.Background()
	sig := testSignal()
	payload, _ := json.Marshal(sig)
	key := ExecKey(sig.SignalID)
	if _, _, err := env.dispatcher.idem.Acquire(ctx, key); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	msg := &queue.TaskMessage{
		TaskID:     "TASK-1",
		TaskType:   TaskTypeExecuteSignal,
		SignalID:   sig.SignalID,
		Payload:    payload,
		RetryCount: 0,
	}
	if err := h.Handle(ctx, msg); err == nil {
		t.Fatal("expected error to trigger a queue retry")
	}
	record, err := env.dispatcher.idem.Get(ctx, key)
	if err != nil {
		t.Fatalf("get record failed: %v", err)
	}
	if record.State == queue.RecordFailed {
		t.Fatal("record must not be failed while retries remain")
	}

	msg.RetryCount = 1
	if err := h.Handle(ctx, msg); err == nil {
		t.Fatal("expected error on final attempt")
	}
	record, err = env.dispatcher.idem.Get(ctx, key)
	if err != nil {
		t.Fatalf("get record failed: %v", err)
	}
	if record.State != queue.RecordFailed {
		t.Fatalf("expected failed record after retries exhausted, got %s", record.State)
	}
}

func TestHandleCompletesRecord(t *testing.T) {
	log := logger.New("dispatch-test", io.Discard)
	env := newTestEnv(t, "", risk.NewGateWithRules(log, rejectAllRule{}))
	h := NewTaskHandler(env.dispatcher, 3, log)

	expectNoExistingOrders(env.mock)

	ctx := context.Background()
	sig := testSignal()
	payload, _ := json.Marshal(sig)
	key := ExecKey(sig.SignalID)
	if _, _, err := env.dispatcher.idem.Acquire(ctx, key); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	err := h.Handle(ctx, &queue.TaskMessage{
		TaskID:   "TASK-1",
		TaskType: TaskTypeExecuteSignal,
		SignalID: sig.SignalID,
		Payload:  payload,
	})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	record, err := env.dispatcher.idem.Get(ctx, key)
	if err != nil {
		t.Fatalf("get record failed: %v", err)
	}
	if record.State != queue.RecordCompleted {
		t.Fatalf("expected completed record, got %s", record.State)
	}
	var result ExecutionResult
	if err := json.Unmarshal(record.Result, &result); err != nil {
		t.Fatalf("decode stored result: %v", err)
	}
	if result.Status != ResultRejected {
		t.Errorf("expected stored REJECTED result, got %s", result.Status)
	}
}
