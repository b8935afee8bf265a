package queue

import (
	"context"
	"time"

	"github.com/lybfish/ironbull-sub001/internal/metrics"
	"github.com/lybfish/ironbull-sub001/pkg/health"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
)

// Handler 任务处理器
type Handler interface {
	Handle(ctx context.Context, msg *TaskMessage) error
}

// HandlerFunc 函数式处理器
type HandlerFunc func(ctx context.Context, msg *TaskMessage) error

// Handle 实现 Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *TaskMessage) error {
	return f(ctx, msg)
}

// Worker 队列消费循环
type Worker struct {
	queue       *Queue
	handler     Handler
	log         *logger.Logger
	monitor     *health.LoopMonitor
	pollTimeout time.Duration
	errorPause  time.Duration
}

// NewWorker 创建消费者
func NewWorker(q *Queue, handler Handler, log *logger.Logger, monitor *health.LoopMonitor, pollTimeout time.Duration) *Worker {
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	return &Worker{
		queue:       q,
		handler:     handler,
		log:         log,
		monitor:     monitor,
		pollTimeout: pollTimeout,
		errorPause:  time.Second,
	}
}

// Run 消费循环，ctx 取消后退出
func (w *Worker) Run(ctx context.Context) {
	w.log.Infof("队列消费者启动", map[string]interface{}{"queue": w.queue.Name()})
	for {
		select {
		case <-ctx.Done():
			w.log.Infof("队列消费者退出", map[string]interface{}{"queue": w.queue.Name()})
			return
		default:
		}

		if w.monitor != nil {
			w.monitor.Tick()
		}

		if err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			if w.monitor != nil {
				w.monitor.SetError(err)
			}
			w.log.WithError(err).Error("处理任务失败，暂停后继续")
			select {
			case <-ctx.Done():
			case <-time.After(w.errorPause):
			}
		}
	}
}

// RunOnce 取出并处理一个任务，空轮询返回 nil
func (w *Worker) RunOnce(ctx context.Context) error {
	msg, err := w.queue.Pop(ctx, w.pollTimeout)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	taskCtx := ctx
	if msg.RequestID != "" {
		taskCtx = logger.ContextWithRequestID(ctx, msg.RequestID)
	}

	if err := w.handler.Handle(taskCtx, msg); err != nil {
		retried, nackErr := w.queue.Nack(ctx, msg)
		if nackErr != nil {
			return nackErr
		}
		outcome := "dead"
		if retried {
			outcome = "retried"
		}
		metrics.IncTasksProcessed(outcome)
		w.log.WithContext(taskCtx).WithError(err).Warnf("任务处理失败", map[string]interface{}{
			"taskId":  msg.TaskID,
			"retries": msg.RetryCount,
			"outcome": outcome,
		})
		return nil
	}

	if err := w.queue.Ack(ctx, msg.TaskID); err != nil {
		return err
	}
	metrics.IncTasksProcessed("completed")
	return nil
}
