package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lybfish/ironbull-sub001/internal/metrics"
	"github.com/lybfish/ironbull-sub001/internal/repository"
	"github.com/lybfish/ironbull-sub001/pkg/errors"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
	"github.com/lybfish/ironbull-sub001/pkg/snowflake"
)

// Service 订单结算服务，所有写路径都做状态机校验
type Service struct {
	db     *sql.DB
	orders *repository.OrderRepository
	fills  *repository.FillRepository
	idGen  *snowflake.Generator
	log    *logger.Logger
}

// NewService 创建结算服务
func NewService(db *sql.DB, idGen *snowflake.Generator, log *logger.Logger) *Service {
	return &Service{
		db:     db,
		orders: repository.NewOrderRepository(db),
		fills:  repository.NewFillRepository(db),
		idGen:  idGen,
		log:    log,
	}
}

// CreateOrderInput 创建订单入参
type CreateOrderInput struct {
	TenantID     int64
	AccountID    int64
	SignalID     string
	Symbol       string
	Exchange     string
	MarketType   string
	Side         string
	OrderType    string
	TradeType    string
	CloseReason  string
	Quantity     decimal.Decimal
	Price        decimal.NullDecimal
	StopLoss     decimal.NullDecimal
	TakeProfit   decimal.NullDecimal
	PositionSide string
	Leverage     int
	RequestID    string
}

// FillInput 成交回报入参
type FillInput struct {
	OrderID         string
	TenantID        int64
	ExchangeTradeID string
	Symbol          string
	Side            string
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Fee             decimal.Decimal
	FeeCurrency     string
	FilledAt        time.Time
	RequestID       string
}

// OrderWithFills 订单与其成交明细
type OrderWithFills struct {
	Order *repository.Order  `json:"order"`
	Fills []*repository.Fill `json:"fills"`
}

// OrderSummary 账户订单汇总
type OrderSummary struct {
	TotalOrders   int64            `json:"totalOrders"`
	ActiveOrders  int64            `json:"activeOrders"`
	FilledOrders  int64            `json:"filledOrders"`
	TotalFills    int64            `json:"totalFills"`
	TotalVolume   decimal.Decimal  `json:"totalVolume"`
	TotalFees     decimal.Decimal  `json:"totalFees"`
	CountByStatus map[string]int64 `json:"countByStatus"`
}

// CreateOrder 创建订单，初始状态 PENDING
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (*repository.Order, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	order := &repository.Order{
		OrderID:        s.idGen.NextString("ORD-"),
		TenantID:       input.TenantID,
		AccountID:      input.AccountID,
		SignalID:       input.SignalID,
		Symbol:         input.Symbol,
		Exchange:       input.Exchange,
		MarketType:     input.MarketType,
		Side:           input.Side,
		OrderType:      input.OrderType,
		TradeType:      input.TradeType,
		CloseReason:    input.CloseReason,
		Quantity:       input.Quantity,
		Price:          input.Price,
		StopLoss:       input.StopLoss,
		TakeProfit:     input.TakeProfit,
		PositionSide:   input.PositionSide,
		Leverage:       input.Leverage,
		Status:         repository.StatusPending,
		FilledQuantity: decimal.Zero,
		TotalFee:       decimal.Zero,
		RequestID:      input.RequestID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	s.log.WithContext(ctx).Infof("订单已创建", map[string]interface{}{
		"orderId": order.OrderID,
		"symbol":  order.Symbol,
		"side":    order.Side,
		"type":    order.OrderType,
	})
	return order, nil
}

// SubmitOrder 标记订单已提交到交易所
func (s *Service) SubmitOrder(ctx context.Context, orderID string, tenantID int64, exchangeOrderID string) error {
	order, err := s.orders.GetOrder(ctx, orderID, tenantID)
	if err != nil {
		return wrapRepoErr(err, orderID)
	}
	if err := checkTransition(order.Status, repository.StatusSubmitted); err != nil {
		return err
	}
	return s.orders.UpdateSubmitted(ctx, orderID, tenantID, exchangeOrderID, time.Now().UTC())
}

// ConfirmOrder 交易所已挂单，SUBMITTED -> OPEN
func (s *Service) ConfirmOrder(ctx context.Context, orderID string, tenantID int64) error {
	return s.transition(ctx, orderID, tenantID, repository.StatusOpen, "", "")
}

// CancelOrder 取消订单
func (s *Service) CancelOrder(ctx context.Context, orderID string, tenantID int64) error {
	order, err := s.orders.GetOrder(ctx, orderID, tenantID)
	if err != nil {
		return wrapRepoErr(err, orderID)
	}
	if !IsCancellable(order.Status) {
		return errors.Newf(errors.CodeOrderNotCancellable,
			"订单 %s 状态 %s 不可取消", orderID, order.Status)
	}
	return s.orders.UpdateStatus(ctx, orderID, tenantID, repository.StatusCancelled, "", "")
}

// RejectOrder 交易所拒单
func (s *Service) RejectOrder(ctx context.Context, orderID string, tenantID int64, code, message string) error {
	return s.transition(ctx, orderID, tenantID, repository.StatusRejected, code, message)
}

// FailOrder 执行失败
func (s *Service) FailOrder(ctx context.Context, orderID string, tenantID int64, code, message string) error {
	return s.transition(ctx, orderID, tenantID, repository.StatusFailed, code, message)
}

// ExpireOrder 挂单超时过期
func (s *Service) ExpireOrder(ctx context.Context, orderID string, tenantID int64) error {
	return s.transition(ctx, orderID, tenantID, repository.StatusExpired, "", "")
}

// RecordFill 记录成交回报并更新订单汇总，按 (orderID, exchangeTradeID) 幂等：
// 重复回报返回已存在的成交，不产生任何写入
func (s *Service) RecordFill(ctx context.Context, input FillInput) (*repository.Fill, error) {
	if input.Quantity.Sign() <= 0 {
		return nil, errors.New(errors.CodeValidation, "成交数量必须为正")
	}
	if input.Price.Sign() <= 0 {
		return nil, errors.New(errors.CodeValidation, "成交价格必须为正")
	}
	if input.ExchangeTradeID != "" {
		existing, err := s.fills.GetByExchangeTradeID(ctx, input.OrderID, input.ExchangeTradeID, input.TenantID)
		if err == nil {
			return existing, nil
		}
		if err != repository.ErrFillNotFound {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	order, err := s.orders.GetOrderForUpdateTx(ctx, tx, input.OrderID, input.TenantID)
	if err != nil {
		return nil, wrapRepoErr(err, input.OrderID)
	}
	// FILLED 订单放行到容差校验：迟到的重复/舍入回报由容差吸收
	if IsTerminal(order.Status) && order.Status != repository.StatusFilled {
		return nil, errors.Newf(errors.CodeOrderInTerminalState,
			"订单 %s 已处于终态 %s", order.OrderID, order.Status)
	}
	// 行锁内复查判重，拦截并发写入同一笔交易所成交
	if input.ExchangeTradeID != "" {
		existing, err := s.fills.GetByExchangeTradeIDTx(ctx, tx, input.OrderID, input.ExchangeTradeID, input.TenantID)
		if err == nil {
			return existing, nil
		}
		if err != repository.ErrFillNotFound {
			return nil, err
		}
	}
	if input.Symbol != "" && input.Symbol != order.Symbol {
		return nil, errors.Newf(errors.CodeFillOrderMismatch,
			"成交品种 %s 与订单品种 %s 不符", input.Symbol, order.Symbol)
	}
	if input.Side != "" && input.Side != order.Side {
		return nil, errors.Newf(errors.CodeFillOrderMismatch,
			"成交方向 %s 与订单方向 %s 不符", input.Side, order.Side)
	}

	maxTime, err := s.fills.MaxFillTimeTx(ctx, tx, order.OrderID, order.TenantID)
	if err != nil {
		return nil, err
	}
	// 同一时刻的成交允许，仅拒绝时间倒退
	if maxTime != nil && input.FilledAt.Before(*maxTime) {
		return nil, errors.Newf(errors.CodeFillTimeOrder,
			"成交时间 %s 早于已记录的最晚成交 %s", input.FilledAt.Format(time.RFC3339), maxTime.Format(time.RFC3339))
	}

	prevFilled, _, err := s.fills.SummaryTx(ctx, tx, order.OrderID, order.TenantID)
	if err != nil {
		return nil, err
	}
	newFilled := prevFilled.Add(input.Quantity)
	if !withinTolerance(order.Quantity, newFilled) {
		return nil, errors.Newf(errors.CodeFillQuantityExceeded,
			"累计成交 %s 超出订单数量 %s", newFilled, order.Quantity)
	}

	fill := &repository.Fill{
		FillID:          s.idGen.NextString("FILL-"),
		ExchangeTradeID: input.ExchangeTradeID,
		OrderID:         order.OrderID,
		TenantID:        order.TenantID,
		AccountID:       order.AccountID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		TradeType:       order.TradeType,
		Quantity:        input.Quantity,
		Price:           input.Price,
		Fee:             input.Fee,
		FeeCurrency:     input.FeeCurrency,
		FilledAt:        input.FilledAt.UTC(),
		RequestID:       input.RequestID,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.fills.InsertTx(ctx, tx, fill); err != nil {
		if err == repository.ErrFillDuplicate && input.ExchangeTradeID != "" {
			tx.Rollback()
			return s.fills.GetByExchangeTradeID(ctx, input.OrderID, input.ExchangeTradeID, input.TenantID)
		}
		return nil, err
	}

	totalFilled, totalFee, err := s.fills.SummaryTx(ctx, tx, order.OrderID, order.TenantID)
	if err != nil {
		return nil, err
	}
	notional, err := s.fills.WeightedNotionalTx(ctx, tx, order.OrderID, order.TenantID)
	if err != nil {
		return nil, err
	}
	avgPrice := decimal.Zero
	if totalFilled.IsPositive() {
		avgPrice = notional.Div(totalFilled)
	}

	newStatus := DetermineStatusAfterFill(order.Quantity, totalFilled, order.Status)
	if err := checkTransition(order.Status, newStatus); err != nil {
		return nil, err
	}

	err = s.orders.UpdateFillInfoTx(ctx, tx, order.OrderID, order.TenantID,
		totalFilled, avgPrice, totalFee, input.FeeCurrency, newStatus)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fill: %w", err)
	}

	metrics.IncFillsRecorded()
	s.log.WithContext(ctx).Infof("成交已入账", map[string]interface{}{
		"orderId": order.OrderID,
		"fillId":  fill.FillID,
		"qty":     input.Quantity.String(),
		"price":   input.Price.String(),
		"status":  newStatus,
	})
	return fill, nil
}

// GetOrder 查询订单
func (s *Service) GetOrder(ctx context.Context, orderID string, tenantID int64) (*repository.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID, tenantID)
	if err != nil {
		return nil, wrapRepoErr(err, orderID)
	}
	return order, nil
}

// ListOrders 查询订单列表
func (s *Service) ListOrders(ctx context.Context, filter repository.OrderFilter) ([]*repository.Order, error) {
	return s.orders.ListOrders(ctx, filter)
}

// GetActiveOrders 查询活跃订单
func (s *Service) GetActiveOrders(ctx context.Context, tenantID, accountID int64) ([]*repository.Order, error) {
	return s.orders.ListActiveOrders(ctx, tenantID, accountID)
}

// GetFillsByOrder 查询订单成交明细
func (s *Service) GetFillsByOrder(ctx context.Context, orderID string, tenantID int64) ([]*repository.Fill, error) {
	return s.fills.ListByOrder(ctx, orderID, tenantID)
}

// ListFills 查询成交列表
func (s *Service) ListFills(ctx context.Context, filter repository.FillFilter) ([]*repository.Fill, error) {
	return s.fills.ListFills(ctx, filter)
}

// GetOrderWithFills 订单带成交明细
func (s *Service) GetOrderWithFills(ctx context.Context, orderID string, tenantID int64) (*OrderWithFills, error) {
	order, err := s.GetOrder(ctx, orderID, tenantID)
	if err != nil {
		return nil, err
	}
	fills, err := s.fills.ListByOrder(ctx, orderID, tenantID)
	if err != nil {
		return nil, err
	}
	return &OrderWithFills{Order: order, Fills: fills}, nil
}

// GetOrderSummary 账户汇总统计
func (s *Service) GetOrderSummary(ctx context.Context, tenantID, accountID int64, start, end time.Time) (*OrderSummary, error) {
	summary := &OrderSummary{CountByStatus: make(map[string]int64)}

	total, err := s.orders.CountOrders(ctx, repository.OrderFilter{TenantID: tenantID, AccountID: accountID})
	if err != nil {
		return nil, err
	}
	summary.TotalOrders = total

	active, err := s.orders.CountOrders(ctx, repository.OrderFilter{
		TenantID: tenantID, AccountID: accountID,
		Statuses: []string{repository.StatusPending, repository.StatusSubmitted, repository.StatusOpen, repository.StatusPartial},
	})
	if err != nil {
		return nil, err
	}
	summary.ActiveOrders = active

	filled, err := s.orders.CountOrders(ctx, repository.OrderFilter{
		TenantID: tenantID, AccountID: accountID,
		Statuses: []string{repository.StatusFilled},
	})
	if err != nil {
		return nil, err
	}
	summary.FilledOrders = filled
	summary.CountByStatus[repository.StatusFilled] = filled

	count, volume, fees, err := s.fills.Totals(ctx, tenantID, accountID, start, end)
	if err != nil {
		return nil, err
	}
	summary.TotalFills = count
	summary.TotalVolume = volume
	summary.TotalFees = fees

	return summary, nil
}

// transition 读订单、校验状态机、落库
func (s *Service) transition(ctx context.Context, orderID string, tenantID int64, to, code, message string) error {
	order, err := s.orders.GetOrder(ctx, orderID, tenantID)
	if err != nil {
		return wrapRepoErr(err, orderID)
	}
	if err := checkTransition(order.Status, to); err != nil {
		metrics.IncSettlementFailures(string(errors.CodeOf(err)))
		return err
	}
	if order.Status == to {
		return nil
	}
	return s.orders.UpdateStatus(ctx, orderID, tenantID, to, code, message)
}

func checkTransition(from, to string) error {
	if CanTransition(from, to) {
		return nil
	}
	if IsTerminal(from) {
		return errors.Newf(errors.CodeOrderInTerminalState,
			"订单已处于终态 %s", from)
	}
	return errors.Newf(errors.CodeInvalidStateTransition,
		"状态 %s 不能迁移到 %s", from, to)
}

func validateCreateInput(input CreateOrderInput) error {
	if input.TenantID <= 0 || input.AccountID <= 0 {
		return errors.New(errors.CodeValidation, "缺少租户或账户")
	}
	if input.Symbol == "" {
		return errors.New(errors.CodeValidation, "缺少交易品种")
	}
	if input.Side != repository.SideBuy && input.Side != repository.SideSell {
		return errors.Newf(errors.CodeValidation, "非法方向 %s", input.Side)
	}
	if input.OrderType != repository.TypeMarket && input.OrderType != repository.TypeLimit {
		return errors.Newf(errors.CodeValidation, "非法订单类型 %s", input.OrderType)
	}
	if input.Quantity.Sign() <= 0 {
		return errors.New(errors.CodeValidation, "数量必须为正")
	}
	if input.OrderType == repository.TypeLimit && (!input.Price.Valid || input.Price.Decimal.Sign() <= 0) {
		return errors.New(errors.CodeValidation, "限价单必须指定价格")
	}
	return nil
}

func wrapRepoErr(err error, orderID string) error {
	if err == repository.ErrOrderNotFound {
		return errors.Newf(errors.CodeOrderNotFound, "订单 %s 不存在", orderID)
	}
	return err
}
