// Package types 跨组件共享的领域类型
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Credentials 透传给执行节点的交易所 API 凭证
type Credentials struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
}

// Signal 策略产生的交易信号
type Signal struct {
	SignalID     string              `json:"signalId"`
	TenantID     int64               `json:"tenantId"`
	AccountID    int64               `json:"accountId"`
	StrategyCode string              `json:"strategyCode"`
	Platform     string              `json:"platform"`
	Symbol       string              `json:"symbol"`
	MarketType   string              `json:"marketType"` // spot / future
	Side         string              `json:"side"`       // BUY/SELL
	OrderType    string              `json:"orderType"`  // MARKET/LIMIT
	TradeType    string              `json:"tradeType"`  // OPEN/CLOSE/ADD/REDUCE
	CloseReason  string              `json:"closeReason,omitempty"`
	AmountQuote  decimal.Decimal     `json:"amountQuote"` // 计价币金额
	EntryPrice   decimal.NullDecimal `json:"entryPrice"`  // LIMIT 必填
	StopLoss     decimal.NullDecimal `json:"stopLoss"`
	TakeProfit   decimal.NullDecimal `json:"takeProfit"`
	PositionSide string              `json:"positionSide,omitempty"`
	Leverage     int                 `json:"leverage,omitempty"`

	// 限价挂单入场跟踪参数
	Timeframe           string `json:"timeframe,omitempty"`
	RetestBars          int    `json:"retestBars,omitempty"`
	ConfirmAfterFill    bool   `json:"confirmAfterFill,omitempty"`
	PostFillConfirmBars int    `json:"postFillConfirmBars,omitempty"`

	Credentials *Credentials `json:"credentials,omitempty"` // 不落库，仅透传节点

	Balance   decimal.Decimal `json:"balance,omitempty"` // 信号携带的账户可用余额
	RequestID string          `json:"requestId,omitempty"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
}

// Quantity 计算下单数量 = 计价金额 / 入场价
func (s *Signal) Quantity(price decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 {
		return decimal.Zero
	}
	return s.AmountQuote.Div(price)
}

// Notional 名义价值
func (s *Signal) Notional() decimal.Decimal {
	return s.AmountQuote
}
