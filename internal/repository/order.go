// Package repository 订单成交数据访问层
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
	ErrOrderNotFound = errors.New("order not found")
	ErrFillNotFound  = errors.New("fill not found")
	ErrFillDuplicate = errors.New("fill already recorded")
)

// OrderStatus 订单状态
const (
	StatusPending   = "PENDING"
	StatusSubmitted = "SUBMITTED"
	StatusOpen      = "OPEN"
	StatusPartial   = "PARTIAL"
	StatusFilled    = "FILLED"
	StatusCancelled = "CANCELLED"
	StatusRejected  = "REJECTED"
	StatusExpired   = "EXPIRED"
	StatusFailed    = "FAILED"
)

// Side 订单方向
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// OrderType 订单类型
const (
	TypeMarket = "MARKET"
	TypeLimit  = "LIMIT"
)

// TradeType 交易类型
const (
	TradeOpen   = "OPEN"
	TradeClose  = "CLOSE"
	TradeAdd    = "ADD"
	TradeReduce = "REDUCE"
)

// Order 订单，一个 Order 可对应多个 Fill
type Order struct {
	OrderID         string
	ExchangeOrderID string
	TenantID        int64
	AccountID       int64
	SignalID        string
	Symbol          string
	Exchange        string
	MarketType      string // spot / future
	Side            string
	OrderType       string
	TradeType       string
	CloseReason     string // SL/TP/SIGNAL/MANUAL/LIQUIDATION，仅 trade_type=CLOSE
	Quantity        decimal.Decimal
	Price           decimal.NullDecimal
	StopLoss        decimal.NullDecimal
	TakeProfit      decimal.NullDecimal
	PositionSide    string // LONG/SHORT，合约双向持仓
	Leverage        int
	Status          string
	FilledQuantity  decimal.Decimal
	AvgPrice        decimal.NullDecimal
	TotalFee        decimal.Decimal
	FeeCurrency     string
	ErrorCode       string
	ErrorMessage    string
	RequestID       string
	CreatedAt       time.Time
	SubmittedAt     *time.Time
	UpdatedAt       time.Time
}

// OrderFilter 订单查询条件
type OrderFilter struct {
	TenantID  int64
	AccountID int64 // 0 表示不过滤
	Symbol    string
	SignalID  string
	Statuses  []string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

// OrderRepository 订单仓储
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository 创建仓储
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `order_id, exchange_order_id, tenant_id, account_id, signal_id,
	       symbol, exchange, market_type, side, order_type, trade_type, close_reason,
	       quantity, price, stop_loss, take_profit, position_side, leverage, status,
	       filled_quantity, avg_price, total_fee, fee_currency,
	       error_code, error_message, request_id, created_at, submitted_at, updated_at`

// CreateOrder 创建订单
func (r *OrderRepository) CreateOrder(ctx context.Context, order *Order) error {
	query := `
		INSERT INTO ironbull.orders
		(order_id, exchange_order_id, tenant_id, account_id, signal_id,
		 symbol, exchange, market_type, side, order_type, trade_type, close_reason,
		 quantity, price, stop_loss, take_profit, position_side, leverage, status,
		 filled_quantity, avg_price, total_fee, fee_currency,
		 error_code, error_message, request_id, created_at, submitted_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
	`
	_, err := r.db.ExecContext(ctx, query,
		order.OrderID, nullString(order.ExchangeOrderID), order.TenantID, order.AccountID,
		nullString(order.SignalID), order.Symbol, order.Exchange, order.MarketType,
		order.Side, order.OrderType, order.TradeType, nullString(order.CloseReason),
		order.Quantity, order.Price, order.StopLoss, order.TakeProfit,
		nullString(order.PositionSide), nullInt(order.Leverage), order.Status,
		order.FilledQuantity, order.AvgPrice, order.TotalFee, nullString(order.FeeCurrency),
		nullString(order.ErrorCode), nullString(order.ErrorMessage), nullString(order.RequestID),
		order.CreatedAt, nullTime(order.SubmittedAt), order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder 获取订单，按 (order_id, tenant_id) 隔离租户
func (r *OrderRepository) GetOrder(ctx context.Context, orderID string, tenantID int64) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM ironbull.orders
		WHERE order_id = $1 AND tenant_id = $2
	`
	return scanOrder(r.db.QueryRowContext(ctx, query, orderID, tenantID))
}

// GetOrderForUpdateTx 事务内获取并锁定订单行
func (r *OrderRepository) GetOrderForUpdateTx(ctx context.Context, tx *sql.Tx, orderID string, tenantID int64) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM ironbull.orders
		WHERE order_id = $1 AND tenant_id = $2
		FOR UPDATE
	`
	return scanOrder(tx.QueryRowContext(ctx, query, orderID, tenantID))
}

// UpdateStatus 更新订单状态和错误信息
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, tenantID int64, status, errorCode, errorMessage string) error {
	query := `
		UPDATE ironbull.orders
		SET status = $1,
		    error_code = COALESCE(NULLIF($2, ''), error_code),
		    error_message = COALESCE(NULLIF($3, ''), error_message),
		    updated_at = $4
		WHERE order_id = $5 AND tenant_id = $6
	`
	result, err := r.db.ExecContext(ctx, query, status, errorCode, errorMessage, time.Now().UTC(), orderID, tenantID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// UpdateSubmitted 记录交易所订单号和提交时间
func (r *OrderRepository) UpdateSubmitted(ctx context.Context, orderID string, tenantID int64, exchangeOrderID string, submittedAt time.Time) error {
	query := `
		UPDATE ironbull.orders
		SET status = $1, exchange_order_id = $2, submitted_at = $3, updated_at = $4
		WHERE order_id = $5 AND tenant_id = $6
	`
	result, err := r.db.ExecContext(ctx, query, StatusSubmitted, exchangeOrderID, submittedAt, time.Now().UTC(), orderID, tenantID)
	if err != nil {
		return fmt.Errorf("update order submitted: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// UpdateFillInfoTx 事务内更新订单成交汇总
func (r *OrderRepository) UpdateFillInfoTx(ctx context.Context, tx *sql.Tx, orderID string, tenantID int64, filledQty decimal.Decimal, avgPrice decimal.Decimal, totalFee decimal.Decimal, feeCurrency, status string) error {
	query := `
		UPDATE ironbull.orders
		SET filled_quantity = $1, avg_price = $2, total_fee = $3,
		    fee_currency = COALESCE(NULLIF($4, ''), fee_currency),
		    status = $5, updated_at = $6
		WHERE order_id = $7 AND tenant_id = $8
	`
	result, err := tx.ExecContext(ctx, query, filledQty, avgPrice, totalFee, feeCurrency, status, time.Now().UTC(), orderID, tenantID)
	if err != nil {
		return fmt.Errorf("update order fill info: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// ListOrders 查询订单列表
func (r *OrderRepository) ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	endTime := filter.EndTime
	if endTime.IsZero() {
		endTime = time.Now().UTC().Add(24 * time.Hour)
	}
	query := `
		SELECT ` + orderColumns + `
		FROM ironbull.orders
		WHERE tenant_id = $1
		  AND ($2 = 0 OR account_id = $2)
		  AND ($3 = '' OR symbol = $3)
		  AND ($4 = '' OR signal_id = $4)
		  AND (array_length($5::text[], 1) IS NULL OR status = ANY($5::text[]))
		  AND created_at >= $6 AND created_at <= $7
		ORDER BY created_at DESC
		LIMIT $8
	`
	rows, err := r.db.QueryContext(ctx, query,
		filter.TenantID, filter.AccountID, filter.Symbol, filter.SignalID,
		pq.Array(filter.Statuses), filter.StartTime, endTime, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrderRows(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// CountOrders 统计订单数
func (r *OrderRepository) CountOrders(ctx context.Context, filter OrderFilter) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM ironbull.orders
		WHERE tenant_id = $1
		  AND ($2 = 0 OR account_id = $2)
		  AND ($3 = '' OR symbol = $3)
		  AND (array_length($4::text[], 1) IS NULL OR status = ANY($4::text[]))
	`
	var count int64
	err := r.db.QueryRowContext(ctx, query,
		filter.TenantID, filter.AccountID, filter.Symbol, pq.Array(filter.Statuses),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	return count, nil
}

// ListActiveOrders 查询活跃订单（OPEN/PARTIAL/PENDING/SUBMITTED）
func (r *OrderRepository) ListActiveOrders(ctx context.Context, tenantID, accountID int64) ([]*Order, error) {
	return r.ListOrders(ctx, OrderFilter{
		TenantID:  tenantID,
		AccountID: accountID,
		Statuses:  []string{StatusPending, StatusSubmitted, StatusOpen, StatusPartial},
	})
}

func scanOrder(row *sql.Row) (*Order, error) {
	var o Order
	var exchangeOrderID, signalID, closeReason, positionSide, feeCurrency sql.NullString
	var errorCode, errorMessage, requestID sql.NullString
	var leverage sql.NullInt64
	var submittedAt sql.NullTime

	err := row.Scan(
		&o.OrderID, &exchangeOrderID, &o.TenantID, &o.AccountID, &signalID,
		&o.Symbol, &o.Exchange, &o.MarketType, &o.Side, &o.OrderType, &o.TradeType, &closeReason,
		&o.Quantity, &o.Price, &o.StopLoss, &o.TakeProfit, &positionSide, &leverage, &o.Status,
		&o.FilledQuantity, &o.AvgPrice, &o.TotalFee, &feeCurrency,
		&errorCode, &errorMessage, &requestID, &o.CreatedAt, &submittedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}

	applyOrderNulls(&o, exchangeOrderID, signalID, closeReason, positionSide, feeCurrency,
		errorCode, errorMessage, requestID, leverage, submittedAt)
	return &o, nil
}

func scanOrderRows(rows *sql.Rows) (*Order, error) {
	var o Order
	var exchangeOrderID, signalID, closeReason, positionSide, feeCurrency sql.NullString
	var errorCode, errorMessage, requestID sql.NullString
	var leverage sql.NullInt64
	var submittedAt sql.NullTime

	err := rows.Scan(
		&o.OrderID, &exchangeOrderID, &o.TenantID, &o.AccountID, &signalID,
		&o.Symbol, &o.Exchange, &o.MarketType, &o.Side, &o.OrderType, &o.TradeType, &closeReason,
		&o.Quantity, &o.Price, &o.StopLoss, &o.TakeProfit, &positionSide, &leverage, &o.Status,
		&o.FilledQuantity, &o.AvgPrice, &o.TotalFee, &feeCurrency,
		&errorCode, &errorMessage, &requestID, &o.CreatedAt, &submittedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}

	applyOrderNulls(&o, exchangeOrderID, signalID, closeReason, positionSide, feeCurrency,
		errorCode, errorMessage, requestID, leverage, submittedAt)
	return &o, nil
}

func applyOrderNulls(o *Order, exchangeOrderID, signalID, closeReason, positionSide, feeCurrency,
	errorCode, errorMessage, requestID sql.NullString, leverage sql.NullInt64, submittedAt sql.NullTime) {
	o.ExchangeOrderID = exchangeOrderID.String
	o.SignalID = signalID.String
	o.CloseReason = closeReason.String
	o.PositionSide = positionSide.String
	o.FeeCurrency = feeCurrency.String
	o.ErrorCode = errorCode.String
	o.ErrorMessage = errorMessage.String
	o.RequestID = requestID.String
	o.Leverage = int(leverage.Int64)
	if submittedAt.Valid {
		t := submittedAt.Time
		o.SubmittedAt = &t
	}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(i int) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(i), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
