package settlement

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/lybfish/ironbull-sub001/internal/repository"
	apperrors "github.com/lybfish/ironbull-sub001/pkg/errors"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
	"github.com/lybfish/ironbull-sub001/pkg/snowflake"
)

// decimalArg 按数值相等匹配 DECIMAL 参数
type decimalArg struct {
	want decimal.Decimal
}

func (a decimalArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	d, err := decimal.NewFromString(s)
	return err == nil && d.Equal(a.want)
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	idGen, err := snowflake.New(1)
	if err != nil {
		t.Fatalf("failed to create id generator: %v", err)
	}
	svc := NewService(db, idGen, logger.New("settlement-test", io.Discard))
	return svc, mock, db
}

func testOrderColumns() []string {
	return []string{
		"order_id", "exchange_order_id", "tenant_id", "account_id", "signal_id",
		"symbol", "exchange", "market_type", "side", "order_type", "trade_type", "close_reason",
		"quantity", "price", "stop_loss", "take_profit", "position_side", "leverage", "status",
		"filled_quantity", "avg_price", "total_fee", "fee_currency",
		"error_code", "error_message", "request_id", "created_at", "submitted_at", "updated_at",
	}
}

func testOrderRow(status, quantity, filled string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(testOrderColumns()).AddRow(
		"ORD-1", "ex-100", int64(1), int64(2001), "sig-1",
		"BTCUSDT", "binance", "future", repository.SideBuy, repository.TypeLimit, repository.TradeOpen, nil,
		quantity, "100", nil, nil, "LONG", 5, status,
		filled, nil, "0", "USDT",
		nil, nil, nil, now, now, now,
	)
}

func emptyFillRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"fill_id", "exchange_trade_id", "order_id", "tenant_id", "account_id",
		"symbol", "side", "trade_type", "quantity", "price", "fee", "fee_currency",
		"filled_at", "request_id", "created_at",
	})
}

func TestCreateOrder(t *testing.T) {
	svc, mock, db := newTestService(t)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ironbull.orders")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	order, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		TenantID:   1,
		AccountID:  2001,
		Symbol:     "BTCUSDT",
		Exchange:   "binance",
		MarketType: "future",
		Side:       repository.SideBuy,
		OrderType:  repository.TypeMarket,
		TradeType:  repository.TradeOpen,
		Quantity:   decimal.RequireFromString("0.5"),
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if !strings.HasPrefix(order.OrderID, "ORD-") {
		t.Errorf("expected ORD- prefix, got %s", order.OrderID)
	}
	if order.Status != repository.StatusPending {
		t.Errorf("expected PENDING status, got %s", order.Status)
	}
}

func TestCreateOrderLimitRequiresPrice(t *testing.T) {
	svc, _, db := newTestService(t)
	defer db.Close()

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		TenantID:  1,
		AccountID: 2001,
		Symbol:    "BTCUSDT",
		Side:      repository.SideBuy,
		OrderType: repository.TypeLimit,
		Quantity:  decimal.RequireFromString("0.5"),
	})
	if apperrors.CodeOf(err) != apperrors.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestCancelOrderFilledNotCancellable(t *testing.T) {
	svc, mock, db := newTestService(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.orders")).
		WithArgs("ORD-1", int64(1)).
		WillReturnRows(testOrderRow(repository.StatusFilled, "1", "1"))

	err := svc.CancelOrder(context.Background(), "ORD-1", 1)
	if apperrors.CodeOf(err) != apperrors.CodeOrderNotCancellable {
		t.Fatalf("expected ORDER_NOT_CANCELLABLE, got %v", err)
	}
}

func TestRecordFillCompletesOrder(t *testing.T) {
	svc, mock, db := newTestService(t)
	defer db.Close()

	firstFillAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WithArgs("ORD-1", "trade-2", int64(1)).
		WillReturnRows(emptyFillRows())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("ORD-1", int64(1)).
		WillReturnRows(testOrderRow(repository.StatusPartial, "1", "0.4"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WithArgs("ORD-1", "trade-2", int64(1)).
		WillReturnRows(emptyFillRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(filled_at)")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(firstFillAt))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(quantity), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "fee"}).AddRow("0.4", "0.04"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ironbull.fills")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(quantity), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "fee"}).AddRow("1", "0.1"))
	mock.ExpectQuery(regexp.QuoteMeta("SUM(quantity * price)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("101.2"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ironbull.orders")).
		WithArgs(
			decimalArg{decimal.RequireFromString("1")},
			decimalArg{decimal.RequireFromString("101.2")},
			decimalArg{decimal.RequireFromString("0.1")},
			"USDT", repository.StatusFilled, sqlmock.AnyArg(), "ORD-1", int64(1),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	fill, err := svc.RecordFill(context.Background(), FillInput{
		OrderID:         "ORD-1",
		TenantID:        1,
		ExchangeTradeID: "trade-2",
		Quantity:        decimal.RequireFromString("0.6"),
		Price:           decimal.RequireFromString("102"),
		Fee:             decimal.RequireFromString("0.06"),
		FeeCurrency:     "USDT",
		FilledAt:        firstFillAt.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("RecordFill failed: %v", err)
	}
	if !strings.HasPrefix(fill.FillID, "FILL-") {
		t.Errorf("expected FILL- prefix, got %s", fill.FillID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordFillDuplicateReturnsExisting(t *testing.T) {
	svc, mock, db := newTestService(t)
	defer db.Close()

	existing := emptyFillRows().AddRow(
		"FILL-9", "trade-1", "ORD-1", int64(1), int64(2001),
		"BTCUSDT", repository.SideBuy, repository.TradeOpen, "0.4", "100", "0.04", "USDT",
		time.Now().UTC(), nil, time.Now().UTC(),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WithArgs("ORD-1", "trade-1", int64(1)).
		WillReturnRows(existing)

	fill, err := svc.RecordFill(context.Background(), FillInput{
		OrderID:         "ORD-1",
		TenantID:        1,
		ExchangeTradeID: "trade-1",
		Quantity:        decimal.RequireFromString("0.4"),
		Price:           decimal.RequireFromString("100"),
		FilledAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("RecordFill failed: %v", err)
	}
	if fill.FillID != "FILL-9" {
		t.Errorf("expected existing fill FILL-9, got %s", fill.FillID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("duplicate fill must not touch the ledger: %v", err)
	}
}

func TestRecordFillExceedsQuantity(t *testing.T) {
	svc, mock, db := newTestService(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WillReturnRows(emptyFillRows())
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(testOrderRow(repository.StatusPartial, "1", "0.4"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WillReturnRows(emptyFillRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(filled_at)")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(quantity), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "fee"}).AddRow("0.4", "0.04"))
	mock.ExpectRollback()

	_, err := svc.RecordFill(context.Background(), FillInput{
		OrderID:         "ORD-1",
		TenantID:        1,
		ExchangeTradeID: "trade-3",
		Quantity:        decimal.RequireFromString("0.7"),
		Price:           decimal.RequireFromString("100"),
		FilledAt:        time.Now().UTC(),
	})
	if apperrors.CodeOf(err) != apperrors.CodeFillQuantityExceeded {
		t.Fatalf("expected FILL_QUANTITY_EXCEEDED, got %v", err)
	}
}

func TestRecordFillRejectsBackdatedFill(t *testing.T) {
	svc, mock, db := newTestService(t)
	defer db.Close()

	lastFillAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WillReturnRows(emptyFillRows())
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(testOrderRow(repository.StatusPartial, "1", "0.4"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WillReturnRows(emptyFillRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(filled_at)")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(lastFillAt))
	mock.ExpectRollback()

	_, err := svc.RecordFill(context.Background(), FillInput{
		OrderID:         "ORD-1",
		TenantID:        1,
		ExchangeTradeID: "trade-4",
		Quantity:        decimal.RequireFromString("0.1"),
		Price:           decimal.RequireFromString("100"),
		FilledAt:        lastFillAt.Add(-time.Minute),
	})
	if apperrors.CodeOf(err) != apperrors.CodeFillTimeOrder {
		t.Fatalf("expected FILL_TIME_ORDER, got %v", err)
	}
}

func TestRecordFillTerminalOrder(t *testing.T) {
	svc, mock, db := newTestService(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WillReturnRows(emptyFillRows())
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(testOrderRow(repository.StatusCancelled, "1", "0"))
	mock.ExpectRollback()

	_, err := svc.RecordFill(context.Background(), FillInput{
		OrderID:         "ORD-1",
		TenantID:        1,
		ExchangeTradeID: "trade-5",
		Quantity:        decimal.RequireFromString("0.1"),
		Price:           decimal.RequireFromString("100"),
		FilledAt:        time.Now().UTC(),
	})
	if apperrors.CodeOf(err) != apperrors.CodeOrderInTerminalState {
		t.Fatalf("expected ORDER_IN_TERMINAL_STATE, got %v", err)
	}
}

func TestRecordFillLateFillOnFilledOrder(t *testing.T) {
	svc, mock, db := newTestService(t)
	defer db.Close()

	// FILLED 订单的迟到舍入回报走容差校验，不按终态拒绝
	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WithArgs("ORD-1", "trade-6", int64(1)).
		WillReturnRows(emptyFillRows())
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(testOrderRow(repository.StatusFilled, "1", "1"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WillReturnRows(emptyFillRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(filled_at)")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(quantity), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "fee"}).AddRow("1", "0.1"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ironbull.fills")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(quantity), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "fee"}).AddRow("1.00005", "0.1"))
	mock.ExpectQuery(regexp.QuoteMeta("SUM(quantity * price)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("100.005"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ironbull.orders")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := svc.RecordFill(context.Background(), FillInput{
		OrderID:         "ORD-1",
		TenantID:        1,
		ExchangeTradeID: "trade-6",
		Quantity:        decimal.RequireFromString("0.00005"),
		Price:           decimal.RequireFromString("100"),
		FilledAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("RecordFill failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordFillFilledOrderBeyondTolerance(t *testing.T) {
	svc, mock, db := newTestService(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WillReturnRows(emptyFillRows())
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(testOrderRow(repository.StatusFilled, "1", "1"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WillReturnRows(emptyFillRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(filled_at)")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(quantity), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "fee"}).AddRow("1", "0.1"))
	mock.ExpectRollback()

	_, err := svc.RecordFill(context.Background(), FillInput{
		OrderID:         "ORD-1",
		TenantID:        1,
		ExchangeTradeID: "trade-7",
		Quantity:        decimal.RequireFromString("0.1"),
		Price:           decimal.RequireFromString("100"),
		FilledAt:        time.Now().UTC(),
	})
	if apperrors.CodeOf(err) != apperrors.CodeFillQuantityExceeded {
		t.Fatalf("expected FILL_QUANTITY_EXCEEDED, got %v", err)
	}
}

func TestRecordFillWithoutTradeID(t *testing.T) {
	svc, mock, db := newTestService(t)
	defer db.Close()

	// 无交易所成交号的回报跳过判重，直接入账
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(testOrderRow(repository.StatusSubmitted, "1", "0"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(filled_at)")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(quantity), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "fee"}).AddRow("0", "0"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ironbull.fills")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(quantity), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "fee"}).AddRow("1", "0.1"))
	mock.ExpectQuery(regexp.QuoteMeta("SUM(quantity * price)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("100"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ironbull.orders")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	fill, err := svc.RecordFill(context.Background(), FillInput{
		OrderID:  "ORD-1",
		TenantID: 1,
		Quantity: decimal.RequireFromString("1"),
		Price:    decimal.RequireFromString("100"),
		FilledAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("RecordFill failed: %v", err)
	}
	if fill.ExchangeTradeID != "" {
		t.Errorf("expected empty trade id, got %s", fill.ExchangeTradeID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecordFillUniqueViolationReturnsExisting(t *testing.T) {
	svc, mock, db := newTestService(t)
	defer db.Close()

	existing := emptyFillRows().AddRow(
		"FILL-8", "trade-9", "ORD-1", int64(1), int64(2001),
		"BTCUSDT", repository.SideBuy, repository.TradeOpen, "0.4", "100", "0.04", "USDT",
		time.Now().UTC(), nil, time.Now().UTC(),
	)

	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WillReturnRows(emptyFillRows())
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WillReturnRows(testOrderRow(repository.StatusPartial, "1", "0"))
	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WillReturnRows(emptyFillRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(filled_at)")).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(quantity), 0)")).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "fee"}).AddRow("0", "0"))
	// 并发提交已抢先写入同一笔成交
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ironbull.fills")).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.fills")).
		WillReturnRows(existing)

	fill, err := svc.RecordFill(context.Background(), FillInput{
		OrderID:         "ORD-1",
		TenantID:        1,
		ExchangeTradeID: "trade-9",
		Quantity:        decimal.RequireFromString("0.4"),
		Price:           decimal.RequireFromString("100"),
		FilledAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("RecordFill failed: %v", err)
	}
	if fill.FillID != "FILL-8" {
		t.Errorf("expected existing fill FILL-8, got %s", fill.FillID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSubmitOrder(t *testing.T) {
	svc, mock, db := newTestService(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.orders")).
		WillReturnRows(testOrderRow(repository.StatusPending, "1", "0"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ironbull.orders")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := svc.SubmitOrder(context.Background(), "ORD-1", 1, "ex-100"); err != nil {
		t.Fatalf("SubmitOrder failed: %v", err)
	}
}
