// Package pending 限价挂单入场的持久化跟踪。
// 每条记录覆盖一次限价入场的完整生命周期：挂单、成交、可选的
// 成交后确认、超时撤单。数据库行是唯一事实，内存缓存只作读路径
package pending

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lybfish/ironbull-sub001/internal/repository"
	"github.com/lybfish/ironbull-sub001/internal/types"
	apperrors "github.com/lybfish/ironbull-sub001/pkg/errors"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
)

// Tracker 挂单跟踪登记表
type Tracker struct {
	repo *repository.PendingRepository
	log  *logger.Logger

	mu    sync.RWMutex
	cache map[string]*repository.PendingEntry // pending_key -> 活跃记录
}

// NewTracker 创建跟踪器
func NewTracker(repo *repository.PendingRepository, log *logger.Logger) *Tracker {
	return &Tracker{
		repo:  repo,
		log:   log,
		cache: make(map[string]*repository.PendingEntry),
	}
}

// Key 同一策略同一品种的跟踪键
func Key(strategyCode, symbol string) string {
	if strategyCode == "" {
		strategyCode = "default"
	}
	return strategyCode + ":" + symbol
}

// Register 登记一笔限价挂单。同键已有活跃记录时返回 PENDING_EXISTS
func (t *Tracker) Register(ctx context.Context, sig *types.Signal, order *repository.Order) error {
	now := time.Now().UTC()
	entry := &repository.PendingEntry{
		PendingKey:          Key(sig.StrategyCode, sig.Symbol),
		OrderID:             order.OrderID,
		ExchangeOrderID:     order.ExchangeOrderID,
		TenantID:            order.TenantID,
		AccountID:           order.AccountID,
		Symbol:              order.Symbol,
		Side:                order.Side,
		EntryPrice:          sig.EntryPrice.Decimal,
		StopLoss:            sig.StopLoss,
		TakeProfit:          sig.TakeProfit,
		StrategyCode:        sig.StrategyCode,
		AmountQuote:         decimal.NewNullDecimal(sig.AmountQuote),
		Leverage:            sig.Leverage,
		Timeframe:           sig.Timeframe,
		RetestBars:          sig.RetestBars,
		ConfirmAfterFill:    sig.ConfirmAfterFill,
		PostFillConfirmBars: sig.PostFillConfirmBars,
		Status:              repository.PendingStatusPending,
		PlacedAt:            now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := t.repo.Create(ctx, entry); err != nil {
		if err == repository.ErrPendingExists {
			return apperrors.Newf(apperrors.CodePendingExists,
				"挂单跟踪 %s 已存在活跃记录", entry.PendingKey)
		}
		return err
	}

	t.mu.Lock()
	t.cache[entry.PendingKey] = entry
	t.mu.Unlock()

	t.log.WithContext(ctx).Infof("登记挂单跟踪", map[string]interface{}{
		"pendingKey": entry.PendingKey,
		"orderId":    entry.OrderID,
		"retestBars": entry.RetestBars,
		"timeframe":  entry.Timeframe,
	})
	return nil
}

// Get 按策略与品种查活跃记录，先读缓存，未命中落库
func (t *Tracker) Get(ctx context.Context, strategyCode, symbol string, tenantID int64) (*repository.PendingEntry, error) {
	key := Key(strategyCode, symbol)

	t.mu.RLock()
	cached, ok := t.cache[key]
	t.mu.RUnlock()
	if ok && cached.TenantID == tenantID {
		return cached, nil
	}

	entry, err := t.repo.GetByKey(ctx, key, tenantID)
	if err == repository.ErrPendingNotFound {
		return nil, apperrors.Newf(apperrors.CodePendingNotFound, "挂单跟踪 %s 不存在", key)
	}
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.cache[key] = entry
	t.mu.Unlock()
	return entry, nil
}

// ListByStatus 按状态列跟踪记录
func (t *Tracker) ListByStatus(ctx context.Context, status string) ([]*repository.PendingEntry, error) {
	return t.repo.ListByStatus(ctx, status)
}

// Cancel 人工终结一条跟踪记录
func (t *Tracker) Cancel(ctx context.Context, id int64) error {
	entry, err := t.repo.GetByID(ctx, id)
	if err == repository.ErrPendingNotFound {
		return apperrors.Newf(apperrors.CodePendingNotFound, "挂单跟踪 %d 不存在", id)
	}
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := t.repo.UpdateStatus(ctx, id, repository.PendingStatusCancelled, &now); err != nil {
		return err
	}
	t.evict(entry.PendingKey)
	return nil
}

// Reload 从数据库重建活跃记录缓存，进程重启后调用
func (t *Tracker) Reload(ctx context.Context) error {
	fresh := make(map[string]*repository.PendingEntry)
	for _, status := range []string{repository.PendingStatusPending, repository.PendingStatusConfirming} {
		entries, err := t.repo.ListByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("reload pending cache: %w", err)
		}
		for _, e := range entries {
			fresh[e.PendingKey] = e
		}
	}

	t.mu.Lock()
	t.cache = fresh
	t.mu.Unlock()

	t.log.Infof("挂单跟踪缓存已重建", map[string]interface{}{"entries": len(fresh)})
	return nil
}

func (t *Tracker) evict(key string) {
	t.mu.Lock()
	delete(t.cache, key)
	t.mu.Unlock()
}
