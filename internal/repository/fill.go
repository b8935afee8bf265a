package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Fill 单笔成交记录
type Fill struct {
	FillID          string
	ExchangeTradeID string
	OrderID         string
	TenantID        int64
	AccountID       int64
	Symbol          string
	Side            string
	TradeType       string
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	FilledAt        time.Time
	RequestID       string
	CreatedAt       time.Time
}

// FillFilter 成交查询条件
type FillFilter struct {
	TenantID  int64
	AccountID int64
	OrderID   string
	Symbol    string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// FillRepository 成交仓储
type FillRepository struct {
	db *sql.DB
}

// NewFillRepository 创建仓储
func NewFillRepository(db *sql.DB) *FillRepository {
	return &FillRepository{db: db}
}

const fillColumns = `fill_id, exchange_trade_id, order_id, tenant_id, account_id,
	       symbol, side, trade_type, quantity, price, fee, fee_currency,
	       filled_at, request_id, created_at`

// InsertTx 事务内写入成交，撞上 (order_id, exchange_trade_id) 唯一约束
// 返回 ErrFillDuplicate
func (r *FillRepository) InsertTx(ctx context.Context, tx *sql.Tx, fill *Fill) error {
	query := `
		INSERT INTO ironbull.fills
		(fill_id, exchange_trade_id, order_id, tenant_id, account_id,
		 symbol, side, trade_type, quantity, price, fee, fee_currency,
		 filled_at, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := tx.ExecContext(ctx, query,
		fill.FillID, nullString(fill.ExchangeTradeID), fill.OrderID, fill.TenantID, fill.AccountID,
		fill.Symbol, fill.Side, fill.TradeType, fill.Quantity, fill.Price, fill.Fee,
		nullString(fill.FeeCurrency), fill.FilledAt, nullString(fill.RequestID), fill.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrFillDuplicate
		}
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// GetByExchangeTradeID 按 (order_id, exchange_trade_id) 查成交，幂等判重用
func (r *FillRepository) GetByExchangeTradeID(ctx context.Context, orderID, exchangeTradeID string, tenantID int64) (*Fill, error) {
	query := `
		SELECT ` + fillColumns + `
		FROM ironbull.fills
		WHERE order_id = $1 AND exchange_trade_id = $2 AND tenant_id = $3
	`
	row := r.db.QueryRowContext(ctx, query, orderID, exchangeTradeID, tenantID)
	return scanFill(row)
}

// GetByExchangeTradeIDTx 事务内判重，与 GetByExchangeTradeID 同查询
func (r *FillRepository) GetByExchangeTradeIDTx(ctx context.Context, tx *sql.Tx, orderID, exchangeTradeID string, tenantID int64) (*Fill, error) {
	query := `
		SELECT ` + fillColumns + `
		FROM ironbull.fills
		WHERE order_id = $1 AND exchange_trade_id = $2 AND tenant_id = $3
	`
	row := tx.QueryRowContext(ctx, query, orderID, exchangeTradeID, tenantID)
	return scanFill(row)
}

// SummaryTx 事务内汇总订单的已成交数量和费用
func (r *FillRepository) SummaryTx(ctx context.Context, tx *sql.Tx, orderID string, tenantID int64) (filled, fee decimal.Decimal, err error) {
	query := `
		SELECT COALESCE(SUM(quantity), 0), COALESCE(SUM(fee), 0)
		FROM ironbull.fills
		WHERE order_id = $1 AND tenant_id = $2
	`
	err = tx.QueryRowContext(ctx, query, orderID, tenantID).Scan(&filled, &fee)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("sum fills: %w", err)
	}
	return filled, fee, nil
}

// WeightedNotionalTx 事务内汇总 SUM(quantity*price)，用于加权均价
func (r *FillRepository) WeightedNotionalTx(ctx context.Context, tx *sql.Tx, orderID string, tenantID int64) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(quantity * price), 0)
		FROM ironbull.fills
		WHERE order_id = $1 AND tenant_id = $2
	`
	var notional decimal.Decimal
	if err := tx.QueryRowContext(ctx, query, orderID, tenantID).Scan(&notional); err != nil {
		return decimal.Zero, fmt.Errorf("sum fill notional: %w", err)
	}
	return notional, nil
}

// MaxFillTimeTx 事务内取该订单最晚成交时间，无成交返回 nil
func (r *FillRepository) MaxFillTimeTx(ctx context.Context, tx *sql.Tx, orderID string, tenantID int64) (*time.Time, error) {
	query := `
		SELECT MAX(filled_at)
		FROM ironbull.fills
		WHERE order_id = $1 AND tenant_id = $2
	`
	var maxTime sql.NullTime
	if err := tx.QueryRowContext(ctx, query, orderID, tenantID).Scan(&maxTime); err != nil {
		return nil, fmt.Errorf("max fill time: %w", err)
	}
	if !maxTime.Valid {
		return nil, nil
	}
	t := maxTime.Time
	return &t, nil
}

// ListByOrder 查询订单的全部成交，按时间升序
func (r *FillRepository) ListByOrder(ctx context.Context, orderID string, tenantID int64) ([]*Fill, error) {
	query := `
		SELECT ` + fillColumns + `
		FROM ironbull.fills
		WHERE order_id = $1 AND tenant_id = $2
		ORDER BY filled_at ASC, created_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, orderID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()
	return collectFills(rows)
}

// ListFills 查询成交列表
func (r *FillRepository) ListFills(ctx context.Context, filter FillFilter) ([]*Fill, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	endTime := filter.EndTime
	if endTime.IsZero() {
		endTime = time.Now().UTC().Add(24 * time.Hour)
	}
	query := `
		SELECT ` + fillColumns + `
		FROM ironbull.fills
		WHERE tenant_id = $1
		  AND ($2 = 0 OR account_id = $2)
		  AND ($3 = '' OR order_id = $3)
		  AND ($4 = '' OR symbol = $4)
		  AND filled_at >= $5 AND filled_at <= $6
		ORDER BY filled_at DESC
		LIMIT $7
	`
	rows, err := r.db.QueryContext(ctx, query,
		filter.TenantID, filter.AccountID, filter.OrderID, filter.Symbol,
		filter.StartTime, endTime, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()
	return collectFills(rows)
}

// Totals 汇总成交笔数、成交额、费用
func (r *FillRepository) Totals(ctx context.Context, tenantID, accountID int64, start, end time.Time) (count int64, volume, fees decimal.Decimal, err error) {
	if end.IsZero() {
		end = time.Now().UTC().Add(24 * time.Hour)
	}
	query := `
		SELECT COUNT(*), COALESCE(SUM(quantity * price), 0), COALESCE(SUM(fee), 0)
		FROM ironbull.fills
		WHERE tenant_id = $1
		  AND ($2 = 0 OR account_id = $2)
		  AND filled_at >= $3 AND filled_at <= $4
	`
	err = r.db.QueryRowContext(ctx, query, tenantID, accountID, start, end).Scan(&count, &volume, &fees)
	if err != nil {
		return 0, decimal.Zero, decimal.Zero, fmt.Errorf("fill totals: %w", err)
	}
	return count, volume, fees, nil
}

func scanFill(row *sql.Row) (*Fill, error) {
	var f Fill
	var exchangeTradeID, feeCurrency, requestID sql.NullString
	err := row.Scan(
		&f.FillID, &exchangeTradeID, &f.OrderID, &f.TenantID, &f.AccountID,
		&f.Symbol, &f.Side, &f.TradeType, &f.Quantity, &f.Price, &f.Fee, &feeCurrency,
		&f.FilledAt, &requestID, &f.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrFillNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan fill: %w", err)
	}
	f.ExchangeTradeID = exchangeTradeID.String
	f.FeeCurrency = feeCurrency.String
	f.RequestID = requestID.String
	return &f, nil
}

func collectFills(rows *sql.Rows) ([]*Fill, error) {
	var fills []*Fill
	for rows.Next() {
		var f Fill
		var exchangeTradeID, feeCurrency, requestID sql.NullString
		err := rows.Scan(
			&f.FillID, &exchangeTradeID, &f.OrderID, &f.TenantID, &f.AccountID,
			&f.Symbol, &f.Side, &f.TradeType, &f.Quantity, &f.Price, &f.Fee, &feeCurrency,
			&f.FilledAt, &requestID, &f.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.ExchangeTradeID = exchangeTradeID.String
		f.FeeCurrency = feeCurrency.String
		f.RequestID = requestID.String
		fills = append(fills, &f)
	}
	return fills, rows.Err()
}
