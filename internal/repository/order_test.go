package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
)

func newTestOrder() *Order {
	now := time.Now().UTC()
	return &Order{
		OrderID:        "ORD-1001",
		TenantID:       1,
		AccountID:      2001,
		SignalID:       "sig-abc",
		Symbol:         "BTCUSDT",
		Exchange:       "binance",
		MarketType:     "future",
		Side:           SideBuy,
		OrderType:      TypeLimit,
		TradeType:      TradeOpen,
		Quantity:       decimal.RequireFromString("0.5"),
		Price:          decimal.NewNullDecimal(decimal.RequireFromString("42000")),
		PositionSide:   "LONG",
		Leverage:       5,
		Status:         StatusPending,
		FilledQuantity: decimal.Zero,
		TotalFee:       decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func orderRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"order_id", "exchange_order_id", "tenant_id", "account_id", "signal_id",
		"symbol", "exchange", "market_type", "side", "order_type", "trade_type", "close_reason",
		"quantity", "price", "stop_loss", "take_profit", "position_side", "leverage", "status",
		"filled_quantity", "avg_price", "total_fee", "fee_currency",
		"error_code", "error_message", "request_id", "created_at", "submitted_at", "updated_at",
	})
}

func addOrderRow(rows *sqlmock.Rows, o *Order) {
	rows.AddRow(
		o.OrderID, o.ExchangeOrderID, o.TenantID, o.AccountID, o.SignalID,
		o.Symbol, o.Exchange, o.MarketType, o.Side, o.OrderType, o.TradeType, nil,
		o.Quantity.String(), "42000", nil, nil, o.PositionSide, o.Leverage, o.Status,
		o.FilledQuantity.String(), nil, o.TotalFee.String(), nil,
		nil, nil, nil, o.CreatedAt, nil, o.UpdatedAt,
	)
}

func TestOrderRepositoryCreateOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewOrderRepository(db)
	order := newTestOrder()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ironbull.orders")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := repo.CreateOrder(context.Background(), order); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestOrderRepositoryGetOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewOrderRepository(db)
	want := newTestOrder()

	rows := orderRows()
	addOrderRow(rows, want)
	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.orders")).
		WithArgs("ORD-1001", int64(1)).
		WillReturnRows(rows)

	got, err := repo.GetOrder(context.Background(), "ORD-1001", 1)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if got.OrderID != want.OrderID {
		t.Errorf("expected order id %s, got %s", want.OrderID, got.OrderID)
	}
	if got.Symbol != "BTCUSDT" {
		t.Errorf("expected symbol BTCUSDT, got %s", got.Symbol)
	}
	if !got.Quantity.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("expected quantity 0.5, got %s", got.Quantity)
	}
	if !got.Price.Valid || !got.Price.Decimal.Equal(decimal.RequireFromString("42000")) {
		t.Errorf("expected price 42000, got %+v", got.Price)
	}
	if got.Leverage != 5 {
		t.Errorf("expected leverage 5, got %d", got.Leverage)
	}
}

func TestOrderRepositoryGetOrderNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewOrderRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.orders")).
		WithArgs("ORD-missing", int64(1)).
		WillReturnRows(orderRows())

	_, err = repo.GetOrder(context.Background(), "ORD-missing", 1)
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRepositoryUpdateStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewOrderRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ironbull.orders")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateStatus(context.Background(), "ORD-1001", 1, StatusOpen, "", ""); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
}

func TestOrderRepositoryUpdateStatusNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewOrderRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE ironbull.orders")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = repo.UpdateStatus(context.Background(), "ORD-missing", 1, StatusOpen, "", "")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRepositoryListOrders(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewOrderRepository(db)

	first := newTestOrder()
	second := newTestOrder()
	second.OrderID = "ORD-1002"
	rows := orderRows()
	addOrderRow(rows, first)
	addOrderRow(rows, second)

	mock.ExpectQuery(regexp.QuoteMeta("FROM ironbull.orders")).
		WillReturnRows(rows)

	orders, err := repo.ListOrders(context.Background(), OrderFilter{
		TenantID: 1,
		Statuses: []string{StatusPending, StatusOpen},
	})
	if err != nil {
		t.Fatalf("ListOrders failed: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[1].OrderID != "ORD-1002" {
		t.Errorf("expected ORD-1002, got %s", orders[1].OrderID)
	}
}
