// Package queue 基于 Redis 的执行任务队列
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskMessage 队列任务
type TaskMessage struct {
	TaskID     string          `json:"taskId"`
	TaskType   string          `json:"taskType"`
	SignalID   string          `json:"signalId"`
	TenantID   int64           `json:"tenantId"`
	AccountID  int64           `json:"accountId"`
	RequestID  string          `json:"requestId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Encode 序列化任务
func (m *TaskMessage) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	return string(data), nil
}

// DecodeTask 反序列化任务
func DecodeTask(data string) (*TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &m, nil
}
