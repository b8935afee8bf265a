package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const idempotencyPrefix = "ironbull:idempotency:"

// Record 幂等记录状态
const (
	RecordPending    = "pending"
	RecordProcessing = "processing"
	RecordCompleted  = "completed"
	RecordFailed     = "failed"
)

// Record 幂等记录
type Record struct {
	Key       string          `json:"key"`
	State     string          `json:"state"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// IdempotencyStore 以 SETNX + TTL 实现的幂等登记表。
// 同一 key 的重复请求拿不到执行权，只能读到首次执行的记录
type IdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdempotencyStore 创建登记表，ttl<=0 时默认 7 天
func NewIdempotencyStore(client *redis.Client, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &IdempotencyStore{client: client, ttl: ttl}
}

func (s *IdempotencyStore) key(key string) string {
	return idempotencyPrefix + key
}

// Acquire 尝试取得 key 的执行权。首次调用返回 (true, 新记录)；
// 已有记录时返回 (false, 已存在的记录)，failed 状态允许重新取得
func (s *IdempotencyStore) Acquire(ctx context.Context, key string) (bool, *Record, error) {
	now := time.Now().UTC()
	record := &Record{
		Key:       key,
		State:     RecordProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return false, nil, fmt.Errorf("marshal idempotency record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(key), data, s.ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("setnx idempotency: %w", err)
	}
	if ok {
		return true, record, nil
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return false, nil, err
	}
	if existing == nil {
		// 与过期竞争，重试一次
		return s.Acquire(ctx, key)
	}
	if existing.State == RecordFailed {
		return s.takeoverFailed(ctx, key)
	}
	return false, existing, nil
}

// failed 记录的接管用脚本做比较交换，并发 Acquire 只有一个能拿到执行权
var takeoverScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return '' end
local rec = cjson.decode(v)
if rec.state ~= 'failed' then return v end
rec.state = 'processing'
rec.updatedAt = ARGV[1]
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out, 'PX', ARGV[2])
return '+' .. out
`)

func (s *IdempotencyStore) takeoverFailed(ctx context.Context, key string) (bool, *Record, error) {
	now := time.Now().UTC()
	res, err := takeoverScript.Run(ctx, s.client,
		[]string{s.key(key)}, now.Format(time.RFC3339Nano), s.ttl.Milliseconds()).Text()
	if err != nil {
		return false, nil, fmt.Errorf("takeover idempotency: %w", err)
	}
	if res == "" {
		// 接管瞬间记录过期，从头抢锁
		return s.Acquire(ctx, key)
	}
	took := strings.HasPrefix(res, "+")
	res = strings.TrimPrefix(res, "+")
	var record Record
	if err := json.Unmarshal([]byte(res), &record); err != nil {
		return false, nil, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return took, &record, nil
}

// Complete 标记完成并保存结果
func (s *IdempotencyStore) Complete(ctx context.Context, key string, result interface{}) error {
	record, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if record == nil {
		record = &Record{Key: key, CreatedAt: time.Now().UTC()}
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal idempotency result: %w", err)
		}
		record.Result = data
	}
	record.State = RecordCompleted
	record.Error = ""
	record.UpdatedAt = time.Now().UTC()
	return s.save(ctx, record)
}

// Fail 标记失败，保留记录供排查，后续 Acquire 可重新执行
func (s *IdempotencyStore) Fail(ctx context.Context, key, errMsg string) error {
	record, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if record == nil {
		record = &Record{Key: key, CreatedAt: time.Now().UTC()}
	}
	record.State = RecordFailed
	record.Error = errMsg
	record.UpdatedAt = time.Now().UTC()
	return s.save(ctx, record)
}

// Get 读取记录，不存在返回 nil
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency: %w", err)
	}
	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return &record, nil
}

// Exists 记录是否存在
func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("exists idempotency: %w", err)
	}
	return n > 0, nil
}

// Delete 删除记录
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("del idempotency: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) save(ctx context.Context, record *Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	// 每次覆写都重置完整 TTL
	if err := s.client.Set(ctx, s.key(record.Key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save idempotency: %w", err)
	}
	return nil
}
