package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lybfish/ironbull-sub001/internal/queue"
	"github.com/lybfish/ironbull-sub001/internal/types"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
)

// TaskHandler 消费执行队列的处理器
type TaskHandler struct {
	dispatcher *Dispatcher
	maxRetries int
	log        *logger.Logger
}

// NewTaskHandler 创建处理器，maxRetries 与队列配置一致
func NewTaskHandler(d *Dispatcher, maxRetries int, log *logger.Logger) *TaskHandler {
	return &TaskHandler{dispatcher: d, maxRetries: maxRetries, log: log}
}

// Handle 执行一个任务。返回 error 触发队列重试，
// 重试次数耗尽时把幂等记录标记为失败
func (h *TaskHandler) Handle(ctx context.Context, msg *queue.TaskMessage) error {
	if msg.TaskType != TaskTypeExecuteSignal {
		h.log.Warnf("忽略未知任务类型", map[string]interface{}{
			"taskId":   msg.TaskID,
			"taskType": msg.TaskType,
		})
		return nil
	}

	var sig types.Signal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		// 解码失败无法重试，直接丢弃并标记失败
		h.failRecord(ctx, msg.SignalID, err)
		return nil
	}

	result, err := h.dispatcher.executeCore(ctx, &sig)
	if err != nil {
		if msg.RetryCount >= h.maxRetries {
			h.failRecord(ctx, sig.SignalID, err)
		}
		return fmt.Errorf("execute signal %s: %w", sig.SignalID, err)
	}

	if err := h.dispatcher.idem.Complete(ctx, ExecKey(sig.SignalID), result); err != nil {
		h.log.WithError(err).Error("记录幂等完成状态失败")
	}
	h.log.WithContext(ctx).Infof("任务执行完成", map[string]interface{}{
		"taskId":   msg.TaskID,
		"signalId": sig.SignalID,
		"status":   result.Status,
	})
	return nil
}

func (h *TaskHandler) failRecord(ctx context.Context, signalID string, cause error) {
	if signalID == "" {
		return
	}
	if err := h.dispatcher.idem.Fail(ctx, ExecKey(signalID), cause.Error()); err != nil {
		h.log.WithError(err).Error("记录幂等失败状态失败")
	}
}
