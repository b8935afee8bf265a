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

var (
	ErrPendingNotFound = errors.New("pending entry not found")
	ErrPendingExists   = errors.New("pending entry already exists")
)

// PendingStatus 挂单跟踪状态
const (
	PendingStatusPending    = "PENDING"
	PendingStatusConfirming = "CONFIRMING"
	PendingStatusFilled     = "FILLED"
	PendingStatusExpired    = "EXPIRED"
	PendingStatusCancelled  = "CANCELLED"
)

// PendingEntry 限价挂单入场跟踪记录
// pending_key = strategy_code:symbol，同一策略同一品种仅允许一条活跃记录
type PendingEntry struct {
	ID                  int64
	PendingKey          string
	OrderID             string
	ExchangeOrderID     string
	TenantID            int64
	AccountID           int64
	Symbol              string
	Side                string
	EntryPrice          decimal.Decimal
	StopLoss            decimal.NullDecimal
	TakeProfit          decimal.NullDecimal
	StrategyCode        string
	AmountQuote         decimal.NullDecimal
	Leverage            int
	Timeframe           string
	RetestBars          int
	ConfirmAfterFill    bool
	PostFillConfirmBars int
	FilledPrice         decimal.NullDecimal
	FilledQty           decimal.NullDecimal
	FilledAt            *time.Time
	CandlesChecked      int
	Status              string
	PlacedAt            time.Time
	ClosedAt            *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PendingRepository 挂单跟踪仓储
type PendingRepository struct {
	db *sql.DB
}

// NewPendingRepository 创建仓储
func NewPendingRepository(db *sql.DB) *PendingRepository {
	return &PendingRepository{db: db}
}

const pendingColumns = `id, pending_key, order_id, exchange_order_id, tenant_id, account_id,
	       symbol, side, entry_price, stop_loss, take_profit, strategy_code,
	       amount_quote, leverage, timeframe, retest_bars, confirm_after_fill,
	       post_fill_confirm_bars, filled_price, filled_qty, filled_at,
	       candles_checked, status, placed_at, closed_at, created_at, updated_at`

// Create 创建跟踪记录，活跃 pending_key 冲突返回 ErrPendingExists
func (r *PendingRepository) Create(ctx context.Context, entry *PendingEntry) error {
	query := `
		INSERT INTO ironbull.pending_entries
		(pending_key, order_id, exchange_order_id, tenant_id, account_id,
		 symbol, side, entry_price, stop_loss, take_profit, strategy_code,
		 amount_quote, leverage, timeframe, retest_bars, confirm_after_fill,
		 post_fill_confirm_bars, candles_checked, status, placed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		entry.PendingKey, entry.OrderID, nullString(entry.ExchangeOrderID),
		entry.TenantID, entry.AccountID, entry.Symbol, entry.Side,
		entry.EntryPrice, entry.StopLoss, entry.TakeProfit, entry.StrategyCode,
		entry.AmountQuote, nullInt(entry.Leverage), entry.Timeframe, entry.RetestBars,
		entry.ConfirmAfterFill, entry.PostFillConfirmBars, entry.CandlesChecked,
		entry.Status, entry.PlacedAt, entry.CreatedAt, entry.UpdatedAt,
	).Scan(&entry.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrPendingExists
		}
		return fmt.Errorf("insert pending entry: %w", err)
	}
	return nil
}

// GetByKey 按 pending_key 查活跃记录（PENDING/CONFIRMING）
func (r *PendingRepository) GetByKey(ctx context.Context, pendingKey string, tenantID int64) (*PendingEntry, error) {
	query := `
		SELECT ` + pendingColumns + `
		FROM ironbull.pending_entries
		WHERE pending_key = $1 AND tenant_id = $2 AND status IN ($3, $4)
		ORDER BY created_at DESC
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, query, pendingKey, tenantID, PendingStatusPending, PendingStatusConfirming)
	return scanPending(row)
}

// GetByID 按主键查记录
func (r *PendingRepository) GetByID(ctx context.Context, id int64) (*PendingEntry, error) {
	query := `
		SELECT ` + pendingColumns + `
		FROM ironbull.pending_entries
		WHERE id = $1
	`
	return scanPending(r.db.QueryRowContext(ctx, query, id))
}

// ListByStatus 按状态查全部记录，对账循环使用
func (r *PendingRepository) ListByStatus(ctx context.Context, status string) ([]*PendingEntry, error) {
	query := `
		SELECT ` + pendingColumns + `
		FROM ironbull.pending_entries
		WHERE status = $1
		ORDER BY placed_at ASC
	`
	rows, err := r.db.QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()

	var entries []*PendingEntry
	for rows.Next() {
		e, err := scanPendingRows(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateStatus 终结记录，status 为终态时写 closed_at
func (r *PendingRepository) UpdateStatus(ctx context.Context, id int64, status string, closedAt *time.Time) error {
	query := `
		UPDATE ironbull.pending_entries
		SET status = $1, closed_at = $2, updated_at = $3
		WHERE id = $4
	`
	result, err := r.db.ExecContext(ctx, query, status, nullTime(closedAt), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update pending status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPendingNotFound
	}
	return nil
}

// MarkFilled 记录成交信息并切换状态（FILLED 或 CONFIRMING）
func (r *PendingRepository) MarkFilled(ctx context.Context, id int64, price, qty decimal.Decimal, filledAt time.Time, status string) error {
	var closedAt sql.NullTime
	if status == PendingStatusFilled {
		closedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	query := `
		UPDATE ironbull.pending_entries
		SET filled_price = $1, filled_qty = $2, filled_at = $3,
		    status = $4, candles_checked = 0, closed_at = $5, updated_at = $6
		WHERE id = $7
	`
	result, err := r.db.ExecContext(ctx, query, price, qty, filledAt, status, closedAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark pending filled: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPendingNotFound
	}
	return nil
}

// IncrementCandlesChecked 确认阶段计数加一
func (r *PendingRepository) IncrementCandlesChecked(ctx context.Context, id int64) (int, error) {
	query := `
		UPDATE ironbull.pending_entries
		SET candles_checked = candles_checked + 1, updated_at = $1
		WHERE id = $2
		RETURNING candles_checked
	`
	var checked int
	err := r.db.QueryRowContext(ctx, query, time.Now().UTC(), id).Scan(&checked)
	if err == sql.ErrNoRows {
		return 0, ErrPendingNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment candles checked: %w", err)
	}
	return checked, nil
}

// UpdateExchangeOrderID 回填交易所订单号
func (r *PendingRepository) UpdateExchangeOrderID(ctx context.Context, id int64, exchangeOrderID string) error {
	query := `
		UPDATE ironbull.pending_entries
		SET exchange_order_id = $1, updated_at = $2
		WHERE id = $3
	`
	result, err := r.db.ExecContext(ctx, query, exchangeOrderID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update pending exchange order id: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrPendingNotFound
	}
	return nil
}

func scanPending(row *sql.Row) (*PendingEntry, error) {
	var e PendingEntry
	var exchangeOrderID sql.NullString
	var leverage sql.NullInt64
	var filledAt, closedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.PendingKey, &e.OrderID, &exchangeOrderID, &e.TenantID, &e.AccountID,
		&e.Symbol, &e.Side, &e.EntryPrice, &e.StopLoss, &e.TakeProfit, &e.StrategyCode,
		&e.AmountQuote, &leverage, &e.Timeframe, &e.RetestBars, &e.ConfirmAfterFill,
		&e.PostFillConfirmBars, &e.FilledPrice, &e.FilledQty, &filledAt,
		&e.CandlesChecked, &e.Status, &e.PlacedAt, &closedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPendingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending entry: %w", err)
	}
	applyPendingNulls(&e, exchangeOrderID, leverage, filledAt, closedAt)
	return &e, nil
}

func scanPendingRows(rows *sql.Rows) (*PendingEntry, error) {
	var e PendingEntry
	var exchangeOrderID sql.NullString
	var leverage sql.NullInt64
	var filledAt, closedAt sql.NullTime

	err := rows.Scan(
		&e.ID, &e.PendingKey, &e.OrderID, &exchangeOrderID, &e.TenantID, &e.AccountID,
		&e.Symbol, &e.Side, &e.EntryPrice, &e.StopLoss, &e.TakeProfit, &e.StrategyCode,
		&e.AmountQuote, &leverage, &e.Timeframe, &e.RetestBars, &e.ConfirmAfterFill,
		&e.PostFillConfirmBars, &e.FilledPrice, &e.FilledQty, &filledAt,
		&e.CandlesChecked, &e.Status, &e.PlacedAt, &closedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan pending entry: %w", err)
	}
	applyPendingNulls(&e, exchangeOrderID, leverage, filledAt, closedAt)
	return &e, nil
}

func applyPendingNulls(e *PendingEntry, exchangeOrderID sql.NullString, leverage sql.NullInt64, filledAt, closedAt sql.NullTime) {
	e.ExchangeOrderID = exchangeOrderID.String
	e.Leverage = int(leverage.Int64)
	if filledAt.Valid {
		t := filledAt.Time
		e.FilledAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		e.ClosedAt = &t
	}
}
