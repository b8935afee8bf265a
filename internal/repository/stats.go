package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AccountStats 账户滚动交易统计，风控规则消费
type AccountStats struct {
	DailyTradeCount   int
	WeeklyTradeCount  int
	DailyRealizedLoss decimal.Decimal // 非负
	ConsecutiveLosses int
	OpenPositions     int
	LastTradeAt       *time.Time
}

// StatsRepository 账户统计查询
type StatsRepository struct {
	db        *sql.DB
	positions *PositionRepository
}

// NewStatsRepository 创建仓储
func NewStatsRepository(db *sql.DB) *StatsRepository {
	return &StatsRepository{db: db, positions: NewPositionRepository(db)}
}

// Collect 汇总账户统计，时间窗口以 UTC 日/周起点切分
func (r *StatsRepository) Collect(ctx context.Context, tenantID, accountID int64, now time.Time) (*AccountStats, error) {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	weekStart := dayStart.AddDate(0, 0, -int((now.Weekday()+6)%7)) // 周一为一周起点

	stats := &AccountStats{}

	daily, err := r.countOrdersSince(ctx, tenantID, accountID, dayStart)
	if err != nil {
		return nil, err
	}
	stats.DailyTradeCount = daily

	weekly, err := r.countOrdersSince(ctx, tenantID, accountID, weekStart)
	if err != nil {
		return nil, err
	}
	stats.WeeklyTradeCount = weekly

	loss, err := r.positions.RealizedLossSince(ctx, tenantID, accountID, dayStart)
	if err != nil {
		return nil, err
	}
	stats.DailyRealizedLoss = loss

	pnls, err := r.positions.RecentClosedPnl(ctx, tenantID, accountID, 50)
	if err != nil {
		return nil, err
	}
	for _, pnl := range pnls {
		if pnl.IsNegative() {
			stats.ConsecutiveLosses++
			continue
		}
		break
	}

	open, err := r.positions.CountOpen(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	stats.OpenPositions = open

	lastTrade, err := r.lastTradeTime(ctx, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	stats.LastTradeAt = lastTrade

	return stats, nil
}

func (r *StatsRepository) countOrdersSince(ctx context.Context, tenantID, accountID int64, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM ironbull.orders
		WHERE tenant_id = $1 AND account_id = $2 AND created_at >= $3
		  AND status NOT IN ($4, $5)
	`
	var count int
	err := r.db.QueryRowContext(ctx, query, tenantID, accountID, since, StatusRejected, StatusFailed).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count orders since: %w", err)
	}
	return count, nil
}

func (r *StatsRepository) lastTradeTime(ctx context.Context, tenantID, accountID int64) (*time.Time, error) {
	query := `
		SELECT MAX(created_at)
		FROM ironbull.orders
		WHERE tenant_id = $1 AND account_id = $2
	`
	var last sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, tenantID, accountID).Scan(&last); err != nil {
		return nil, fmt.Errorf("last trade time: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	t := last.Time
	return &t, nil
}
