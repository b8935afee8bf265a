package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lybfish/ironbull-sub001/internal/queue"
	"github.com/lybfish/ironbull-sub001/internal/repository"
	"github.com/lybfish/ironbull-sub001/internal/risk"
	"github.com/lybfish/ironbull-sub001/internal/settlement"
	"github.com/lybfish/ironbull-sub001/internal/types"
	apperrors "github.com/lybfish/ironbull-sub001/pkg/errors"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
	"github.com/lybfish/ironbull-sub001/pkg/snowflake"
)

// TaskTypeExecuteSignal 执行信号的队列任务类型
const TaskTypeExecuteSignal = "execute_signal"

// 执行结果状态
const (
	ResultRejected = "REJECTED"
	ResultFilled   = "FILLED"
	ResultOpen     = "OPEN"
	ResultFailed   = "FAILED"
	ResultQueued   = "QUEUED"
)

// PendingRegistrar 限价挂单跟踪注册口
type PendingRegistrar interface {
	Register(ctx context.Context, sig *types.Signal, order *repository.Order) error
}

// StatsCollector 账户统计来源
type StatsCollector interface {
	Collect(ctx context.Context, tenantID, accountID int64, now time.Time) (*repository.AccountStats, error)
}

// ExecutionResult 一次信号执行的结果
type ExecutionResult struct {
	SignalID        string              `json:"signalId"`
	OrderID         string              `json:"orderId,omitempty"`
	TaskID          string              `json:"taskId,omitempty"`
	Status          string              `json:"status"`
	Accepted        bool                `json:"accepted"`
	Duplicate       bool                `json:"duplicate,omitempty"`
	Rejection       *risk.Violation     `json:"rejection,omitempty"`
	ExchangeOrderID string              `json:"exchangeOrderId,omitempty"`
	FilledQuantity  decimal.Decimal     `json:"filledQuantity"`
	AvgPrice        decimal.NullDecimal `json:"avgPrice,omitempty"`
	ErrorCode       string              `json:"errorCode,omitempty"`
	ErrorMessage    string              `json:"errorMessage,omitempty"`
}

// Dispatcher 信号调度器：风控、下单、结算、幂等
type Dispatcher struct {
	gate      *risk.Gate
	stats     StatsCollector
	settle    *settlement.Service
	positions *repository.PositionRepository
	registry  *Registry
	queue     *queue.Queue
	idem      *queue.IdempotencyStore
	pending   PendingRegistrar
	idGen     *snowflake.Generator
	log       *logger.Logger
}

// NewDispatcher 创建调度器，pending 可为 nil
func NewDispatcher(
	gate *risk.Gate,
	stats StatsCollector,
	settle *settlement.Service,
	positions *repository.PositionRepository,
	registry *Registry,
	q *queue.Queue,
	idem *queue.IdempotencyStore,
	pending PendingRegistrar,
	idGen *snowflake.Generator,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		gate:      gate,
		stats:     stats,
		settle:    settle,
		positions: positions,
		registry:  registry,
		queue:     q,
		idem:      idem,
		pending:   pending,
		idGen:     idGen,
		log:       log,
	}
}

// ExecKey 信号的幂等键
func ExecKey(signalID string) string {
	return "exec:" + signalID
}

// Execute 同步执行信号。重复信号不再执行，返回首次执行的结果
func (d *Dispatcher) Execute(ctx context.Context, sig *types.Signal) (*ExecutionResult, error) {
	if err := validateSignal(sig); err != nil {
		return nil, err
	}

	key := ExecKey(sig.SignalID)
	ok, record, err := d.idem.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return duplicateResult(sig.SignalID, record), nil
	}

	result, err := d.executeCore(ctx, sig)
	if err != nil {
		if failErr := d.idem.Fail(ctx, key, err.Error()); failErr != nil {
			d.log.WithError(failErr).Error("记录幂等失败状态失败")
		}
		return nil, err
	}
	if err := d.idem.Complete(ctx, key, result); err != nil {
		d.log.WithError(err).Error("记录幂等完成状态失败")
	}
	return result, nil
}

// EnqueueExecution 异步执行：占住幂等键后入队
func (d *Dispatcher) EnqueueExecution(ctx context.Context, sig *types.Signal) (*ExecutionResult, error) {
	if err := validateSignal(sig); err != nil {
		return nil, err
	}

	key := ExecKey(sig.SignalID)
	ok, record, err := d.idem.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return duplicateResult(sig.SignalID, record), nil
	}

	payload, err := json.Marshal(sig)
	if err != nil {
		return nil, err
	}
	msg := &queue.TaskMessage{
		TaskID:    d.idGen.NextString("TASK-"),
		TaskType:  TaskTypeExecuteSignal,
		SignalID:  sig.SignalID,
		TenantID:  sig.TenantID,
		AccountID: sig.AccountID,
		RequestID: sig.RequestID,
		Payload:   payload,
	}
	if err := d.queue.Push(ctx, msg); err != nil {
		if failErr := d.idem.Fail(ctx, key, err.Error()); failErr != nil {
			d.log.WithError(failErr).Error("记录幂等失败状态失败")
		}
		return nil, err
	}

	d.log.WithContext(ctx).Infof("信号已入队", map[string]interface{}{
		"signalId": sig.SignalID,
		"taskId":   msg.TaskID,
	})
	return &ExecutionResult{
		SignalID: sig.SignalID,
		TaskID:   msg.TaskID,
		Status:   ResultQueued,
		Accepted: true,
	}, nil
}

// Result 查询信号的执行记录
func (d *Dispatcher) Result(ctx context.Context, signalID string) (*queue.Record, error) {
	record, err := d.idem.Get(ctx, ExecKey(signalID))
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, apperrors.Newf(apperrors.CodeTaskNotFound, "信号 %s 无执行记录", signalID)
	}
	return record, nil
}

// executeCore 风控 -> 建单 -> 节点执行 -> 结算。
// 只在基础设施故障时返回 error，业务性失败都落进结果
func (d *Dispatcher) executeCore(ctx context.Context, sig *types.Signal) (*ExecutionResult, error) {
	// 队列重试时不能重复建单，同一信号已有订单则直接返回其现状
	if existing, err := d.existingResult(ctx, sig); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	stats, err := d.stats.Collect(ctx, sig.TenantID, sig.AccountID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if v := d.gate.Check(&risk.Context{Signal: sig, Stats: stats, Now: time.Now().UTC()}); v != nil {
		return &ExecutionResult{
			SignalID:  sig.SignalID,
			Status:    ResultRejected,
			Accepted:  false,
			Rejection: v,
		}, nil
	}

	quantity := sig.Quantity(sig.EntryPrice.Decimal)
	if quantity.Sign() <= 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "入场价与金额无法换算出数量")
	}

	var price decimal.NullDecimal
	if sig.OrderType == repository.TypeLimit {
		price = sig.EntryPrice
	}
	order, err := d.settle.CreateOrder(ctx, settlement.CreateOrderInput{
		TenantID:     sig.TenantID,
		AccountID:    sig.AccountID,
		SignalID:     sig.SignalID,
		Symbol:       sig.Symbol,
		Exchange:     sig.Platform,
		MarketType:   sig.MarketType,
		Side:         sig.Side,
		OrderType:    sig.OrderType,
		TradeType:    sig.TradeType,
		CloseReason:  sig.CloseReason,
		Quantity:     quantity,
		Price:        price,
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
		PositionSide: sig.PositionSide,
		Leverage:     sig.Leverage,
		RequestID:    sig.RequestID,
	})
	if err != nil {
		return nil, err
	}

	node, err := d.registry.Get(sig.Platform)
	if err != nil {
		failErr := d.settle.FailOrder(ctx, order.OrderID, order.TenantID,
			string(apperrors.CodeUnknownPlatform), err.Error())
		if failErr != nil {
			return nil, failErr
		}
		return &ExecutionResult{
			SignalID:     sig.SignalID,
			OrderID:      order.OrderID,
			Status:       ResultFailed,
			Accepted:     true,
			ErrorCode:    string(apperrors.CodeUnknownPlatform),
			ErrorMessage: err.Error(),
		}, nil
	}

	res := node.Execute(ctx, &ExecuteRequest{
		SignalID:     sig.SignalID,
		Symbol:       sig.Symbol,
		MarketType:   sig.MarketType,
		Side:         sig.Side,
		OrderType:    sig.OrderType,
		Quantity:     quantity,
		Price:        price,
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
		PositionSide: sig.PositionSide,
		Leverage:     sig.Leverage,
		ReduceOnly:   sig.TradeType == repository.TradeClose || sig.TradeType == repository.TradeReduce,
		RequestID:    sig.RequestID,
		Credentials:  sig.Credentials,
	})
	return d.settleNodeResult(ctx, sig, order, res)
}

// settleNodeResult 把节点回报落到账本
func (d *Dispatcher) settleNodeResult(ctx context.Context, sig *types.Signal, order *repository.Order, res *NodeResult) (*ExecutionResult, error) {
	result := &ExecutionResult{
		SignalID: sig.SignalID,
		OrderID:  order.OrderID,
		Accepted: true,
	}

	if !res.Success {
		code := res.ErrorCode
		if code == "" {
			code = string(apperrors.CodeNodeCallFailed)
		}
		if err := d.settle.FailOrder(ctx, order.OrderID, order.TenantID, code, res.ErrorMessage); err != nil {
			return nil, err
		}
		result.Status = ResultFailed
		result.ErrorCode = code
		result.ErrorMessage = res.ErrorMessage
		return result, nil
	}

	if err := d.settle.SubmitOrder(ctx, order.OrderID, order.TenantID, res.ExchangeOrderID); err != nil {
		return nil, err
	}
	result.ExchangeOrderID = res.ExchangeOrderID

	switch res.Status {
	case NodeStatusRejected:
		if err := d.settle.RejectOrder(ctx, order.OrderID, order.TenantID, res.ErrorCode, res.ErrorMessage); err != nil {
			return nil, err
		}
		result.Status = ResultRejected
		result.ErrorCode = res.ErrorCode
		result.ErrorMessage = res.ErrorMessage
		return result, nil

	case NodeStatusFilled:
		filledQty := res.FilledQuantity
		if filledQty.Sign() <= 0 {
			filledQty = order.Quantity
		}
		fillPrice := res.FilledPrice.Decimal
		if !res.FilledPrice.Valid && order.Price.Valid {
			fillPrice = order.Price.Decimal
		}
		filledAt := res.FilledAt
		if filledAt.IsZero() {
			filledAt = time.Now().UTC()
		}
		_, err := d.settle.RecordFill(ctx, settlement.FillInput{
			OrderID:         order.OrderID,
			TenantID:        order.TenantID,
			ExchangeTradeID: res.ExchangeTradeID,
			Quantity:        filledQty,
			Price:           fillPrice,
			Fee:             res.Fee,
			FeeCurrency:     res.FeeCurrency,
			FilledAt:        filledAt,
			RequestID:       sig.RequestID,
		})
		if err != nil {
			return nil, err
		}
		if err := d.applyPositionEffects(ctx, sig, order, filledQty, fillPrice); err != nil {
			d.log.WithContext(ctx).WithError(err).Error("更新持仓失败")
		}
		result.Status = ResultFilled
		result.FilledQuantity = filledQty
		result.AvgPrice = decimal.NewNullDecimal(fillPrice)
		return result, nil

	default:
		// OPEN / PARTIAL：挂单留在交易所
		if err := d.settle.ConfirmOrder(ctx, order.OrderID, order.TenantID); err != nil {
			return nil, err
		}
		if d.pending != nil && order.OrderType == repository.TypeLimit && sig.RetestBars > 0 {
			order.ExchangeOrderID = res.ExchangeOrderID
			if err := d.pending.Register(ctx, sig, order); err != nil {
				d.log.WithContext(ctx).WithError(err).Error("注册挂单跟踪失败")
			}
		}
		result.Status = ResultOpen
		return result, nil
	}
}

// applyPositionEffects 成交后的持仓簿记
func (d *Dispatcher) applyPositionEffects(ctx context.Context, sig *types.Signal, order *repository.Order, qty, price decimal.Decimal) error {
	if d.positions == nil {
		return nil
	}
	now := time.Now().UTC()

	switch order.TradeType {
	case repository.TradeOpen:
		positionSide := order.PositionSide
		if positionSide == "" {
			if order.Side == repository.SideSell {
				positionSide = "SHORT"
			} else {
				positionSide = "LONG"
			}
		}
		return d.positions.Open(ctx, &repository.Position{
			TenantID:     order.TenantID,
			AccountID:    order.AccountID,
			Symbol:       order.Symbol,
			PositionSide: positionSide,
			Quantity:     qty,
			EntryPrice:   price,
			StopLoss:     sig.StopLoss,
			TakeProfit:   sig.TakeProfit,
			StrategyCode: sig.StrategyCode,
			Leverage:     order.Leverage,
			OpenedAt:     now,
			UpdatedAt:    now,
		})

	case repository.TradeClose:
		pos, err := d.positions.GetOpen(ctx, order.TenantID, order.AccountID, order.Symbol, order.PositionSide)
		if err == repository.ErrPositionNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		pnl := price.Sub(pos.EntryPrice).Mul(qty)
		if pos.PositionSide == "SHORT" {
			pnl = pnl.Neg()
		}
		return d.positions.Close(ctx, pos.ID, pnl, now)
	}
	return nil
}

// existingResult 同一信号已有订单时直接汇报现状
func (d *Dispatcher) existingResult(ctx context.Context, sig *types.Signal) (*ExecutionResult, error) {
	orders, err := d.settle.ListOrders(ctx, repository.OrderFilter{
		TenantID: sig.TenantID,
		SignalID: sig.SignalID,
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}

	order := orders[0]
	result := &ExecutionResult{
		SignalID:        sig.SignalID,
		OrderID:         order.OrderID,
		Accepted:        true,
		Duplicate:       true,
		ExchangeOrderID: order.ExchangeOrderID,
		FilledQuantity:  order.FilledQuantity,
		AvgPrice:        order.AvgPrice,
		ErrorCode:       order.ErrorCode,
		ErrorMessage:    order.ErrorMessage,
	}
	switch order.Status {
	case repository.StatusFilled:
		result.Status = ResultFilled
	case repository.StatusRejected:
		result.Status = ResultRejected
		result.Accepted = false
	case repository.StatusFailed:
		result.Status = ResultFailed
	default:
		result.Status = ResultOpen
	}
	return result, nil
}

func duplicateResult(signalID string, record *queue.Record) *ExecutionResult {
	result := &ExecutionResult{
		SignalID:  signalID,
		Status:    ResultQueued,
		Duplicate: true,
	}
	if record != nil && len(record.Result) > 0 {
		var prev ExecutionResult
		if err := json.Unmarshal(record.Result, &prev); err == nil {
			prev.Duplicate = true
			return &prev
		}
	}
	return result
}

func validateSignal(sig *types.Signal) error {
	if sig.SignalID == "" {
		return apperrors.New(apperrors.CodeValidation, "缺少信号 ID")
	}
	if sig.TenantID <= 0 || sig.AccountID <= 0 {
		return apperrors.New(apperrors.CodeValidation, "缺少租户或账户")
	}
	if sig.Platform == "" {
		return apperrors.New(apperrors.CodeValidation, "缺少平台")
	}
	if sig.Symbol == "" {
		return apperrors.New(apperrors.CodeValidation, "缺少交易品种")
	}
	if sig.Side != repository.SideBuy && sig.Side != repository.SideSell {
		return apperrors.Newf(apperrors.CodeValidation, "非法方向 %s", sig.Side)
	}
	if sig.OrderType != repository.TypeMarket && sig.OrderType != repository.TypeLimit {
		return apperrors.Newf(apperrors.CodeValidation, "非法订单类型 %s", sig.OrderType)
	}
	if sig.AmountQuote.Sign() <= 0 {
		return apperrors.New(apperrors.CodeValidation, "下单金额必须为正")
	}
	if !sig.EntryPrice.Valid || sig.EntryPrice.Decimal.Sign() <= 0 {
		return apperrors.New(apperrors.CodeValidation, "缺少入场价")
	}
	return nil
}
