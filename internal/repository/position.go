package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrPositionNotFound = errors.New("position not found")

// PositionStatus 持仓状态
const (
	PositionOpen   = "OPEN"
	PositionClosed = "CLOSED"
)

// Position 持仓记录
type Position struct {
	ID           int64
	TenantID     int64
	AccountID    int64
	Symbol       string
	PositionSide string // LONG/SHORT，现货为 LONG
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	StopLoss     decimal.NullDecimal
	TakeProfit   decimal.NullDecimal
	StrategyCode string
	Leverage     int
	RealizedPnl  decimal.NullDecimal
	Status       string
	OpenedAt     time.Time
	ClosedAt     *time.Time
	UpdatedAt    time.Time
}

// PositionRepository 持仓仓储
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository 创建仓储
func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

const positionColumns = `id, tenant_id, account_id, symbol, position_side, quantity,
	       entry_price, stop_loss, take_profit, strategy_code, leverage,
	       realized_pnl, status, opened_at, closed_at, updated_at`

// Open 开仓记录
func (r *PositionRepository) Open(ctx context.Context, p *Position) error {
	query := `
		INSERT INTO ironbull.positions
		(tenant_id, account_id, symbol, position_side, quantity, entry_price,
		 stop_loss, take_profit, strategy_code, leverage, status, opened_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		p.TenantID, p.AccountID, p.Symbol, p.PositionSide, p.Quantity, p.EntryPrice,
		p.StopLoss, p.TakeProfit, nullString(p.StrategyCode), nullInt(p.Leverage),
		PositionOpen, p.OpenedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// GetOpen 查询账户某品种的持仓
func (r *PositionRepository) GetOpen(ctx context.Context, tenantID, accountID int64, symbol, positionSide string) (*Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM ironbull.positions
		WHERE tenant_id = $1 AND account_id = $2 AND symbol = $3
		  AND ($4 = '' OR position_side = $4)
		  AND status = $5
		ORDER BY opened_at DESC
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, query, tenantID, accountID, symbol, positionSide, PositionOpen)
	return scanPosition(row)
}

// CountOpen 统计账户当前持仓数
func (r *PositionRepository) CountOpen(ctx context.Context, tenantID, accountID int64) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM ironbull.positions
		WHERE tenant_id = $1 AND account_id = $2 AND status = $3
	`
	var count int
	if err := r.db.QueryRowContext(ctx, query, tenantID, accountID, PositionOpen).Scan(&count); err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return count, nil
}

// SetProtection 更新持仓的止损止盈
func (r *PositionRepository) SetProtection(ctx context.Context, tenantID, accountID int64, symbol string, stopLoss, takeProfit decimal.NullDecimal) error {
	query := `
		UPDATE ironbull.positions
		SET stop_loss = $1, take_profit = $2, updated_at = $3
		WHERE tenant_id = $4 AND account_id = $5 AND symbol = $6 AND status = $7
	`
	result, err := r.db.ExecContext(ctx, query, stopLoss, takeProfit, time.Now().UTC(), tenantID, accountID, symbol, PositionOpen)
	if err != nil {
		return fmt.Errorf("set position protection: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// Close 平仓并记录已实现盈亏
func (r *PositionRepository) Close(ctx context.Context, id int64, realizedPnl decimal.Decimal, closedAt time.Time) error {
	query := `
		UPDATE ironbull.positions
		SET status = $1, realized_pnl = $2, closed_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`
	result, err := r.db.ExecContext(ctx, query, PositionClosed, realizedPnl, closedAt, time.Now().UTC(), id, PositionOpen)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// RecentClosedPnl 取最近平仓的盈亏序列，按平仓时间倒序
func (r *PositionRepository) RecentClosedPnl(ctx context.Context, tenantID, accountID int64, limit int) ([]decimal.Decimal, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT COALESCE(realized_pnl, 0)
		FROM ironbull.positions
		WHERE tenant_id = $1 AND account_id = $2 AND status = $3
		ORDER BY closed_at DESC
		LIMIT $4
	`
	rows, err := r.db.QueryContext(ctx, query, tenantID, accountID, PositionClosed, limit)
	if err != nil {
		return nil, fmt.Errorf("query closed pnl: %w", err)
	}
	defer rows.Close()

	var pnls []decimal.Decimal
	for rows.Next() {
		var pnl decimal.Decimal
		if err := rows.Scan(&pnl); err != nil {
			return nil, fmt.Errorf("scan pnl: %w", err)
		}
		pnls = append(pnls, pnl)
	}
	return pnls, rows.Err()
}

// RealizedLossSince 区间内已实现亏损总额，返回非负值
func (r *PositionRepository) RealizedLossSince(ctx context.Context, tenantID, accountID int64, since time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(-SUM(realized_pnl) FILTER (WHERE realized_pnl < 0), 0)
		FROM ironbull.positions
		WHERE tenant_id = $1 AND account_id = $2 AND status = $3 AND closed_at >= $4
	`
	var loss decimal.Decimal
	if err := r.db.QueryRowContext(ctx, query, tenantID, accountID, PositionClosed, since).Scan(&loss); err != nil {
		return decimal.Zero, fmt.Errorf("realized loss since: %w", err)
	}
	return loss, nil
}

func scanPosition(row *sql.Row) (*Position, error) {
	var p Position
	var strategyCode sql.NullString
	var leverage sql.NullInt64
	var closedAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.TenantID, &p.AccountID, &p.Symbol, &p.PositionSide, &p.Quantity,
		&p.EntryPrice, &p.StopLoss, &p.TakeProfit, &strategyCode, &leverage,
		&p.RealizedPnl, &p.Status, &p.OpenedAt, &closedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan position: %w", err)
	}
	p.StrategyCode = strategyCode.String
	p.Leverage = int(leverage.Int64)
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	return &p, nil
}
