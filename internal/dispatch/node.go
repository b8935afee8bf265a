// Package dispatch 信号执行调度
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lybfish/ironbull-sub001/internal/metrics"
	"github.com/lybfish/ironbull-sub001/internal/types"
	apperrors "github.com/lybfish/ironbull-sub001/pkg/errors"
	"github.com/lybfish/ironbull-sub001/pkg/tracing"
)

// 节点回报的订单状态
const (
	NodeStatusFilled   = "FILLED"
	NodeStatusOpen     = "OPEN"
	NodeStatusPartial  = "PARTIAL"
	NodeStatusRejected = "REJECTED"
	NodeStatusCanceled = "CANCELLED"
	NodeStatusExpired  = "EXPIRED"
)

// ExecuteRequest 下单请求
type ExecuteRequest struct {
	SignalID     string              `json:"signalId"`
	Symbol       string              `json:"symbol"`
	MarketType   string              `json:"marketType"`
	Side         string              `json:"side"`
	OrderType    string              `json:"orderType"`
	Quantity     decimal.Decimal     `json:"quantity"`
	Price        decimal.NullDecimal `json:"price,omitempty"`
	StopLoss     decimal.NullDecimal `json:"stopLoss,omitempty"`
	TakeProfit   decimal.NullDecimal `json:"takeProfit,omitempty"`
	PositionSide string              `json:"positionSide,omitempty"`
	Leverage     int                 `json:"leverage,omitempty"`
	ReduceOnly   bool                `json:"reduceOnly,omitempty"`
	RequestID    string              `json:"requestId,omitempty"`
	Credentials  *types.Credentials  `json:"credentials,omitempty"`
}

// NodeResult 节点执行结果
type NodeResult struct {
	Success         bool                `json:"success"`
	Status          string              `json:"status"`
	ExchangeOrderID string              `json:"exchangeOrderId,omitempty"`
	ExchangeTradeID string              `json:"exchangeTradeId,omitempty"`
	FilledQuantity  decimal.Decimal     `json:"filledQuantity"`
	FilledPrice     decimal.NullDecimal `json:"filledPrice,omitempty"`
	Fee             decimal.Decimal     `json:"fee"`
	FeeCurrency     string              `json:"feeCurrency,omitempty"`
	FilledAt        time.Time           `json:"filledAt,omitempty"`
	ErrorCode       string              `json:"errorCode,omitempty"`
	ErrorMessage    string              `json:"errorMessage,omitempty"`
}

// OrderStatus 节点查询到的交易所订单状态
type OrderStatus struct {
	ExchangeOrderID string              `json:"exchangeOrderId"`
	Status          string              `json:"status"`
	FilledQuantity  decimal.Decimal     `json:"filledQuantity"`
	AvgPrice        decimal.NullDecimal `json:"avgPrice,omitempty"`
	ExchangeTradeID string              `json:"exchangeTradeId,omitempty"`
	Fee             decimal.Decimal     `json:"fee"`
	FeeCurrency     string              `json:"feeCurrency,omitempty"`
	UpdatedAt       time.Time           `json:"updatedAt,omitempty"`
}

// Candle K 线
type Candle struct {
	OpenTime time.Time       `json:"openTime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
	Closed   bool            `json:"closed"`
}

// NodeClient 执行节点 HTTP 客户端。传输层故障不返回 error，
// 而是映射为失败的 NodeResult，由调度方落账
type NodeClient struct {
	platform string
	baseURL  string
	client   *http.Client
}

// NewNodeClient 创建节点客户端
func NewNodeClient(platform, baseURL string, timeout time.Duration) *NodeClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NodeClient{
		platform: platform,
		baseURL:  baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Platform 节点所属平台
func (c *NodeClient) Platform() string {
	return c.platform
}

// Execute 提交订单到节点
func (c *NodeClient) Execute(ctx context.Context, req *ExecuteRequest) *NodeResult {
	start := time.Now()
	defer func() {
		metrics.ObserveNodeLatency(c.platform, time.Since(start))
	}()

	var result NodeResult
	if err := c.post(ctx, "/api/orders", req, &result); err != nil {
		return failedResult(ctx, err)
	}
	return &result
}

// GetOrderStatus 查询交易所订单状态
func (c *NodeClient) GetOrderStatus(ctx context.Context, exchangeOrderID, symbol string) (*OrderStatus, error) {
	path := "/api/orders/status?orderId=" + url.QueryEscape(exchangeOrderID) +
		"&symbol=" + url.QueryEscape(symbol)
	var status OrderStatus
	if err := c.get(ctx, path, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CancelOrder 撤销交易所挂单
func (c *NodeClient) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	body := map[string]string{"orderId": exchangeOrderID, "symbol": symbol}
	return c.post(ctx, "/api/orders/cancel", body, nil)
}

// GetCandles 拉取 K 线，用于成交后确认
func (c *NodeClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	if limit <= 0 {
		limit = 10
	}
	path := fmt.Sprintf("/api/candles?symbol=%s&timeframe=%s&limit=%d",
		url.QueryEscape(symbol), url.QueryEscape(timeframe), limit)
	var candles []Candle
	if err := c.get(ctx, path, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

func (c *NodeClient) post(ctx context.Context, path string, body, out interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req)

	return c.do(req, out)
}

func (c *NodeClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	tracing.InjectHTTP(ctx, req)

	return c.do(req, out)
}

func (c *NodeClient) do(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status code %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func failedResult(ctx context.Context, err error) *NodeResult {
	code := apperrors.CodeNodeCallFailed
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		code = apperrors.CodeNodeTimeout
	} else if ctx.Err() == context.DeadlineExceeded {
		code = apperrors.CodeNodeTimeout
	}
	return &NodeResult{
		Success:      false,
		ErrorCode:    string(code),
		ErrorMessage: err.Error(),
	}
}
