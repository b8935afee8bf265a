package pending

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lybfish/ironbull-sub001/internal/dispatch"
	"github.com/lybfish/ironbull-sub001/internal/repository"
	"github.com/lybfish/ironbull-sub001/internal/settlement"
	"github.com/lybfish/ironbull-sub001/pkg/health"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
)

// Node 对账需要的执行节点能力
type Node interface {
	GetOrderStatus(ctx context.Context, exchangeOrderID, symbol string) (*dispatch.OrderStatus, error)
	CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]dispatch.Candle, error)
	Execute(ctx context.Context, req *dispatch.ExecuteRequest) *dispatch.NodeResult
}

// NodeResolver 按平台取执行节点
type NodeResolver interface {
	Node(platform string) (Node, error)
}

// RegistryResolver 把节点注册表适配成 NodeResolver
type RegistryResolver struct {
	Registry *dispatch.Registry
}

// Node 按平台取节点客户端
func (r RegistryResolver) Node(platform string) (Node, error) {
	c, err := r.Registry.Get(platform)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Reconciler 周期对账循环。PENDING 记录查交易所订单状态，
// 成交则落账并进入确认或直接完结，超时撤单；CONFIRMING 记录
// 逐根收盘 K 线评估确认条件，确认失败或超窗则市价平掉。
// 所有状态变更先落库再动缓存，重启后从数据库恢复
type Reconciler struct {
	tracker   *Tracker
	repo      *repository.PendingRepository
	settle    *settlement.Service
	positions *repository.PositionRepository
	nodes     NodeResolver
	log       *logger.Logger
	monitor   *health.LoopMonitor
	interval  time.Duration
}

// NewReconciler 创建对账循环
func NewReconciler(
	tracker *Tracker,
	repo *repository.PendingRepository,
	settle *settlement.Service,
	positions *repository.PositionRepository,
	nodes NodeResolver,
	log *logger.Logger,
	monitor *health.LoopMonitor,
	interval time.Duration,
) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		tracker:   tracker,
		repo:      repo,
		settle:    settle,
		positions: positions,
		nodes:     nodes,
		log:       log,
		monitor:   monitor,
		interval:  interval,
	}
}

// Run 周期运行直到 ctx 取消
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("对账循环退出")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.monitor.SetError(err)
				r.log.WithError(err).Error("对账轮次失败")
				continue
			}
			r.monitor.Tick()
		}
	}
}

// RunOnce 跑一轮对账：先处理 PENDING，再处理 CONFIRMING
func (r *Reconciler) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()
	if err := r.reconcilePending(ctx, now); err != nil {
		return err
	}
	return r.reconcileConfirming(ctx, now)
}

func (r *Reconciler) reconcilePending(ctx context.Context, now time.Time) error {
	entries, err := r.repo.ListByStatus(ctx, repository.PendingStatusPending)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := r.checkPendingEntry(ctx, entry, now); err != nil {
			// 单条失败不阻塞整轮，下一轮重试
			r.log.WithError(err).Errorf("对账挂单失败", map[string]interface{}{
				"pendingId": entry.ID,
				"orderId":   entry.OrderID,
			})
		}
	}
	return nil
}

func (r *Reconciler) checkPendingEntry(ctx context.Context, entry *repository.PendingEntry, now time.Time) error {
	order, err := r.settle.GetOrder(ctx, entry.OrderID, entry.TenantID)
	if err != nil {
		return err
	}
	node, err := r.nodes.Node(order.Exchange)
	if err != nil {
		return err
	}

	exchangeOrderID := entry.ExchangeOrderID
	if exchangeOrderID == "" {
		exchangeOrderID = order.ExchangeOrderID
		if exchangeOrderID == "" {
			// 节点未回订单号，无从查询，等待下一轮
			return nil
		}
		if err := r.repo.UpdateExchangeOrderID(ctx, entry.ID, exchangeOrderID); err != nil {
			return err
		}
		entry.ExchangeOrderID = exchangeOrderID
	}

	status, err := node.GetOrderStatus(ctx, exchangeOrderID, entry.Symbol)
	if err != nil {
		return err
	}

	switch status.Status {
	case dispatch.NodeStatusFilled, dispatch.NodeStatusPartial:
		return r.handleEntryFill(ctx, entry, order, status, now)

	case dispatch.NodeStatusCanceled, dispatch.NodeStatusRejected, dispatch.NodeStatusExpired:
		// 交易所侧已终结，跟着收尾
		if err := r.settle.CancelOrder(ctx, order.OrderID, order.TenantID); err != nil {
			r.log.WithError(err).Warnf("撤销账本订单失败", map[string]interface{}{"orderId": order.OrderID})
		}
		if err := r.repo.UpdateStatus(ctx, entry.ID, repository.PendingStatusCancelled, &now); err != nil {
			return err
		}
		r.tracker.evict(entry.PendingKey)
		return nil

	default:
		return r.expireIfOverdue(ctx, entry, order, node, now)
	}
}

// handleEntryFill 成交检测：落账成交，开仓，按策略进入确认或直接完结
func (r *Reconciler) handleEntryFill(ctx context.Context, entry *repository.PendingEntry, order *repository.Order, status *dispatch.OrderStatus, now time.Time) error {
	qty := status.FilledQuantity
	if qty.Sign() <= 0 {
		qty = order.Quantity
	}
	price := entry.EntryPrice
	if status.AvgPrice.Valid {
		price = status.AvgPrice.Decimal
	}
	filledAt := status.UpdatedAt
	if filledAt.IsZero() {
		filledAt = now
	}

	_, err := r.settle.RecordFill(ctx, settlement.FillInput{
		OrderID:         order.OrderID,
		TenantID:        order.TenantID,
		ExchangeTradeID: status.ExchangeTradeID,
		Quantity:        qty,
		Price:           price,
		Fee:             status.Fee,
		FeeCurrency:     status.FeeCurrency,
		FilledAt:        filledAt,
	})
	if err != nil {
		return err
	}

	nextStatus := repository.PendingStatusFilled
	if entry.ConfirmAfterFill && entry.PostFillConfirmBars > 0 {
		nextStatus = repository.PendingStatusConfirming
	}
	if err := r.repo.MarkFilled(ctx, entry.ID, price, qty, filledAt, nextStatus); err != nil {
		return err
	}

	// 确认期间先裸仓，止损止盈等确认通过再挂
	withProtection := nextStatus == repository.PendingStatusFilled
	if err := r.openEntryPosition(ctx, entry, order, qty, price, now, withProtection); err != nil {
		r.log.WithError(err).Errorf("挂单成交开仓失败", map[string]interface{}{"orderId": order.OrderID})
	}

	if nextStatus == repository.PendingStatusFilled {
		r.tracker.evict(entry.PendingKey)
	}
	r.log.Infof("挂单成交", map[string]interface{}{
		"pendingId": entry.ID,
		"orderId":   order.OrderID,
		"status":    nextStatus,
		"qty":       qty.String(),
		"price":     price.String(),
	})
	return nil
}

// expireIfOverdue 超过 retest_bars 根 K 线仍未成交则撤单
func (r *Reconciler) expireIfOverdue(ctx context.Context, entry *repository.PendingEntry, order *repository.Order, node Node, now time.Time) error {
	if entry.RetestBars <= 0 {
		return nil
	}
	barDur, err := ParseTimeframe(entry.Timeframe)
	if err != nil {
		return err
	}
	deadline := entry.PlacedAt.Add(time.Duration(entry.RetestBars) * barDur)
	if now.Before(deadline) {
		return nil
	}

	if err := node.CancelOrder(ctx, entry.ExchangeOrderID, entry.Symbol); err != nil {
		return err
	}
	if err := r.settle.ExpireOrder(ctx, order.OrderID, order.TenantID); err != nil {
		return err
	}
	if err := r.repo.UpdateStatus(ctx, entry.ID, repository.PendingStatusExpired, &now); err != nil {
		return err
	}
	r.tracker.evict(entry.PendingKey)

	r.log.Infof("挂单超时撤销", map[string]interface{}{
		"pendingId": entry.ID,
		"orderId":   order.OrderID,
		"placedAt":  entry.PlacedAt,
		"bars":      entry.RetestBars,
	})
	return nil
}

func (r *Reconciler) reconcileConfirming(ctx context.Context, now time.Time) error {
	entries, err := r.repo.ListByStatus(ctx, repository.PendingStatusConfirming)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := r.checkConfirmingEntry(ctx, entry, now); err != nil {
			r.log.WithError(err).Errorf("确认挂单失败", map[string]interface{}{
				"pendingId": entry.ID,
				"orderId":   entry.OrderID,
			})
		}
	}
	return nil
}

func (r *Reconciler) checkConfirmingEntry(ctx context.Context, entry *repository.PendingEntry, now time.Time) error {
	order, err := r.settle.GetOrder(ctx, entry.OrderID, entry.TenantID)
	if err != nil {
		return err
	}
	node, err := r.nodes.Node(order.Exchange)
	if err != nil {
		return err
	}

	candle, ok, err := latestClosedCandle(ctx, node, entry.Symbol, entry.Timeframe)
	if err != nil {
		return err
	}
	if !ok {
		// 当前 K 线未收盘，等下一轮
		return nil
	}

	checked, err := r.repo.IncrementCandlesChecked(ctx, entry.ID)
	if err != nil {
		return err
	}

	if confirmed(entry, candle) {
		return r.finalizeEntry(ctx, entry, now)
	}
	if checked >= entry.PostFillConfirmBars {
		return r.abortEntry(ctx, entry, order, node, candle, now)
	}
	return nil
}

// confirmed 确认条件：收盘价沿持仓方向突破入场价
func confirmed(entry *repository.PendingEntry, candle *dispatch.Candle) bool {
	if entry.Side == repository.SideSell {
		return candle.Close.LessThan(entry.EntryPrice)
	}
	return candle.Close.GreaterThan(entry.EntryPrice)
}

// finalizeEntry 确认通过：给持仓挂上止损止盈并完结跟踪
func (r *Reconciler) finalizeEntry(ctx context.Context, entry *repository.PendingEntry, now time.Time) error {
	if err := r.positions.SetProtection(ctx, entry.TenantID, entry.AccountID, entry.Symbol, entry.StopLoss, entry.TakeProfit); err != nil {
		r.log.WithError(err).Warnf("写入止损止盈失败", map[string]interface{}{"pendingId": entry.ID})
	}
	if err := r.repo.UpdateStatus(ctx, entry.ID, repository.PendingStatusFilled, &now); err != nil {
		return err
	}
	r.tracker.evict(entry.PendingKey)

	r.log.Infof("挂单确认通过", map[string]interface{}{
		"pendingId": entry.ID,
		"orderId":   entry.OrderID,
		"checked":   entry.CandlesChecked + 1,
	})
	return nil
}

// abortEntry 确认失败或超窗：市价平掉裸仓并终结跟踪
func (r *Reconciler) abortEntry(ctx context.Context, entry *repository.PendingEntry, order *repository.Order, node Node, candle *dispatch.Candle, now time.Time) error {
	qty := order.FilledQuantity
	if entry.FilledQty.Valid && entry.FilledQty.Decimal.Sign() > 0 {
		qty = entry.FilledQty.Decimal
	}
	closeSide := repository.SideSell
	if entry.Side == repository.SideSell {
		closeSide = repository.SideBuy
	}

	res := node.Execute(ctx, &dispatch.ExecuteRequest{
		SignalID:   entry.OrderID + "-confirm-close",
		Symbol:     entry.Symbol,
		MarketType: order.MarketType,
		Side:       closeSide,
		OrderType:  repository.TypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
	})
	if !res.Success {
		r.log.Errorf("确认失败平仓未成", map[string]interface{}{
			"pendingId": entry.ID,
			"errorCode": res.ErrorCode,
			"error":     res.ErrorMessage,
		})
		// 平仓没发出去就保持 CONFIRMING，下一轮再试
		return nil
	}

	if err := r.closeEntryPosition(ctx, entry, res, candle, now); err != nil {
		r.log.WithError(err).Warnf("确认失败平仓簿记失败", map[string]interface{}{"pendingId": entry.ID})
	}
	if err := r.repo.UpdateStatus(ctx, entry.ID, repository.PendingStatusCancelled, &now); err != nil {
		return err
	}
	r.tracker.evict(entry.PendingKey)

	r.log.Infof("挂单确认失败，已市价平仓", map[string]interface{}{
		"pendingId": entry.ID,
		"orderId":   entry.OrderID,
	})
	return nil
}

func (r *Reconciler) openEntryPosition(ctx context.Context, entry *repository.PendingEntry, order *repository.Order, qty, price decimal.Decimal, now time.Time, withProtection bool) error {
	if r.positions == nil {
		return nil
	}
	positionSide := order.PositionSide
	if positionSide == "" {
		if entry.Side == repository.SideSell {
			positionSide = "SHORT"
		} else {
			positionSide = "LONG"
		}
	}
	p := &repository.Position{
		TenantID:     entry.TenantID,
		AccountID:    entry.AccountID,
		Symbol:       entry.Symbol,
		PositionSide: positionSide,
		Quantity:     qty,
		EntryPrice:   price,
		StrategyCode: entry.StrategyCode,
		Leverage:     entry.Leverage,
		OpenedAt:     now,
		UpdatedAt:    now,
	}
	if withProtection {
		p.StopLoss = entry.StopLoss
		p.TakeProfit = entry.TakeProfit
	}
	return r.positions.Open(ctx, p)
}

func (r *Reconciler) closeEntryPosition(ctx context.Context, entry *repository.PendingEntry, res *dispatch.NodeResult, candle *dispatch.Candle, now time.Time) error {
	if r.positions == nil {
		return nil
	}
	positionSide := "LONG"
	if entry.Side == repository.SideSell {
		positionSide = "SHORT"
	}
	pos, err := r.positions.GetOpen(ctx, entry.TenantID, entry.AccountID, entry.Symbol, positionSide)
	if err == repository.ErrPositionNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	closePrice := candle.Close
	if res.FilledPrice.Valid {
		closePrice = res.FilledPrice.Decimal
	}
	pnl := closePrice.Sub(pos.EntryPrice).Mul(pos.Quantity)
	if pos.PositionSide == "SHORT" {
		pnl = pnl.Neg()
	}
	return r.positions.Close(ctx, pos.ID, pnl, now)
}

// latestClosedCandle 取最近一根已收盘 K 线
func latestClosedCandle(ctx context.Context, node Node, symbol, timeframe string) (*dispatch.Candle, bool, error) {
	candles, err := node.GetCandles(ctx, symbol, timeframe, 2)
	if err != nil {
		return nil, false, err
	}
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].Closed {
			c := candles[i]
			return &c, true, nil
		}
	}
	return nil, false, nil
}
