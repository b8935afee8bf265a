package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lybfish/ironbull-sub001/internal/metrics"
)

const keyPrefix = "ironbull:queue:"

// Stats 队列深度
type Stats struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// Queue 可靠队列：BRPOP 取出后先登记到 processing，Ack 才真正删除。
// 消费者崩溃后 RequeueStale 把超期未 Ack 的任务放回队列
type Queue struct {
	client     *redis.Client
	name       string
	maxRetries int
}

// New 创建队列
func New(client *redis.Client, name string, maxRetries int) *Queue {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Queue{client: client, name: name, maxRetries: maxRetries}
}

// Name 队列名
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) readyKey() string      { return keyPrefix + q.name }
func (q *Queue) processingKey() string { return keyPrefix + q.name + ":processing" }
func (q *Queue) claimsKey() string     { return keyPrefix + q.name + ":claims" }
func (q *Queue) deadKey() string       { return keyPrefix + q.name + ":dead" }

// Push 入队
func (q *Queue) Push(ctx context.Context, msg *TaskMessage) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = q.maxRetries
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.readyKey(), data).Err(); err != nil {
		return fmt.Errorf("push task: %w", err)
	}
	return nil
}

// Pop 阻塞取出一个任务并登记 processing，超时返回 (nil, nil)
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*TaskMessage, error) {
	result, err := q.client.BRPop(ctx, timeout, q.readyKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop task: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected brpop reply length %d", len(result))
	}

	msg, err := DecodeTask(result[1])
	if err != nil {
		return nil, err
	}

	now := float64(time.Now().UTC().Unix())
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.processingKey(), msg.TaskID, result[1])
	pipe.ZAdd(ctx, q.claimsKey(), redis.Z{Score: now, Member: msg.TaskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return msg, nil
}

// Ack 确认任务完成
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.processingKey(), taskID)
	pipe.ZRem(ctx, q.claimsKey(), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

// Nack 任务失败：未超过重试上限则重新入队，否则进入死信。
// 返回是否重新入队
func (q *Queue) Nack(ctx context.Context, msg *TaskMessage) (bool, error) {
	pipe := q.client.TxPipeline()
	pipe.HDel(ctx, q.processingKey(), msg.TaskID)
	pipe.ZRem(ctx, q.claimsKey(), msg.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("release task: %w", err)
	}

	msg.RetryCount++
	limit := msg.MaxRetries
	if limit <= 0 {
		limit = q.maxRetries
	}
	if msg.RetryCount > limit {
		data, err := msg.Encode()
		if err != nil {
			return false, err
		}
		if err := q.client.LPush(ctx, q.deadKey(), data).Err(); err != nil {
			return false, fmt.Errorf("push dead letter: %w", err)
		}
		return false, nil
	}

	if err := q.Push(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}

// RequeueStale 回收超期未 Ack 的任务，返回回收数量
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Unix()
	taskIDs, err := q.client.ZRangeByScore(ctx, q.claimsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan stale claims: %w", err)
	}

	requeued := 0
	for _, taskID := range taskIDs {
		data, err := q.client.HGet(ctx, q.processingKey(), taskID).Result()
		if err == redis.Nil {
			q.client.ZRem(ctx, q.claimsKey(), taskID)
			continue
		}
		if err != nil {
			return requeued, fmt.Errorf("load stale task: %w", err)
		}

		msg, err := DecodeTask(data)
		if err != nil {
			return requeued, err
		}

		retried, err := q.Nack(ctx, msg)
		if err != nil {
			return requeued, err
		}
		if retried {
			requeued++
		}
	}
	return requeued, nil
}

// Depths 取各区段深度并刷新指标
func (q *Queue) Depths(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	processing := pipe.HLen(ctx, q.processingKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}

	stats := &Stats{
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}
	metrics.SetQueueDepth(q.name, "ready", float64(stats.Ready))
	metrics.SetQueueDepth(q.name, "processing", float64(stats.Processing))
	metrics.SetQueueDepth(q.name, "dead", float64(stats.Dead))
	return stats, nil
}
