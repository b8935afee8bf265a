package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
)

// 连接层故障必须带上下文包装向上抛，由队列重试兜底

func TestPushRedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	q := New(client, "execution", 3)

	mock.Regexp().ExpectLPush("ironbull:queue:execution", `.*`).
		SetErr(errors.New("connection reset"))

	err := q.Push(context.Background(), &TaskMessage{TaskID: "TASK-1", TaskType: "execute_signal"})
	if err == nil {
		t.Fatal("expected push error")
	}
	if !strings.Contains(err.Error(), "push task") {
		t.Errorf("expected wrapped push error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPopRedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	q := New(client, "execution", 3)

	mock.ExpectBRPop(time.Second, "ironbull:queue:execution").
		SetErr(errors.New("connection reset"))

	_, err := q.Pop(context.Background(), time.Second)
	if err == nil {
		t.Fatal("expected pop error")
	}
	if !strings.Contains(err.Error(), "pop task") {
		t.Errorf("expected wrapped pop error, got %v", err)
	}
}

func TestAcquireRedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewIdempotencyStore(client, time.Hour)

	mock.Regexp().ExpectSetNX("ironbull:idempotency:exec:sig-1", `.*`, time.Hour).
		SetErr(errors.New("connection reset"))

	_, _, err := store.Acquire(context.Background(), "exec:sig-1")
	if err == nil {
		t.Fatal("expected acquire error")
	}
	if !strings.Contains(err.Error(), "setnx idempotency") {
		t.Errorf("expected wrapped setnx error, got %v", err)
	}
}
