package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lybfish/ironbull-sub001/internal/queue"
	"github.com/lybfish/ironbull-sub001/internal/repository"
	"github.com/lybfish/ironbull-sub001/internal/settlement"
	"github.com/lybfish/ironbull-sub001/internal/types"
	apperrors "github.com/lybfish/ironbull-sub001/pkg/errors"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
)

// Server 调度服务的 HTTP 接口
type Server struct {
	dispatcher *Dispatcher
	settle     *settlement.Service
	queue      *queue.Queue
	log        *logger.Logger
}

// NewServer 创建 HTTP 接口
func NewServer(d *Dispatcher, settle *settlement.Service, q *queue.Queue, log *logger.Logger) *Server {
	return &Server{dispatcher: d, settle: settle, queue: q, log: log}
}

// Router 注册路由
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/execution", s.handleExecution)
	mux.HandleFunc("/v1/execution/async", s.handleExecutionAsync)
	mux.HandleFunc("/v1/execution/result", s.handleExecutionResult)
	mux.HandleFunc("/v1/queue/stats", s.handleQueueStats)
	mux.HandleFunc("/v1/order", s.handleOrder)
	mux.HandleFunc("/v1/orders", s.handleOrders)
	mux.HandleFunc("/v1/orders/active", s.handleActiveOrders)
	mux.HandleFunc("/v1/orders/summary", s.handleOrderSummary)
	mux.HandleFunc("/v1/fills", s.handleFills)

	return mux
}

// handleExecution 同步执行信号
func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apperrors.New(apperrors.CodeValidation, "method not allowed"))
		return
	}
	sig, ok := s.decodeSignal(w, r)
	if !ok {
		return
	}
	result, err := s.dispatcher.Execute(r.Context(), sig)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleExecutionAsync 信号入队
func (s *Server) handleExecutionAsync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apperrors.New(apperrors.CodeValidation, "method not allowed"))
		return
	}
	sig, ok := s.decodeSignal(w, r)
	if !ok {
		return
	}
	result, err := s.dispatcher.EnqueueExecution(r.Context(), sig)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// handleExecutionResult 查询信号执行记录
func (s *Server) handleExecutionResult(w http.ResponseWriter, r *http.Request) {
	signalID := r.URL.Query().Get("signalId")
	if signalID == "" {
		writeError(w, apperrors.New(apperrors.CodeValidation, "缺少 signalId"))
		return
	}
	record, err := s.dispatcher.Result(r.Context(), signalID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// handleQueueStats 队列深度
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Depths(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleOrder 单个订单：GET 查详情，DELETE 取消
func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("orderId")
	tenantID, _ := strconv.ParseInt(r.URL.Query().Get("tenantId"), 10, 64)
	if orderID == "" || tenantID <= 0 {
		writeError(w, apperrors.New(apperrors.CodeValidation, "缺少 orderId 或 tenantId"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		detail, err := s.settle.GetOrderWithFills(r.Context(), orderID, tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodDelete:
		if err := s.settle.CancelOrder(r.Context(), orderID, tenantID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"orderId": orderID, "status": repository.StatusCancelled})
	default:
		writeError(w, apperrors.New(apperrors.CodeValidation, "method not allowed"))
	}
}

// handleOrders 订单列表
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	filter, err := orderFilterFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	orders, err := s.settle.ListOrders(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// handleActiveOrders 活跃订单
func (s *Server) handleActiveOrders(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := strconv.ParseInt(r.URL.Query().Get("tenantId"), 10, 64)
	accountID, _ := strconv.ParseInt(r.URL.Query().Get("accountId"), 10, 64)
	if tenantID <= 0 {
		writeError(w, apperrors.New(apperrors.CodeValidation, "缺少 tenantId"))
		return
	}
	orders, err := s.settle.GetActiveOrders(r.Context(), tenantID, accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// handleOrderSummary 账户汇总
func (s *Server) handleOrderSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := strconv.ParseInt(r.URL.Query().Get("tenantId"), 10, 64)
	accountID, _ := strconv.ParseInt(r.URL.Query().Get("accountId"), 10, 64)
	if tenantID <= 0 {
		writeError(w, apperrors.New(apperrors.CodeValidation, "缺少 tenantId"))
		return
	}
	start := parseTimeParam(r, "start")
	end := parseTimeParam(r, "end")
	summary, err := s.settle.GetOrderSummary(r.Context(), tenantID, accountID, start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleFills GET 查成交，POST 接收节点成交回报
func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tenantID, _ := strconv.ParseInt(r.URL.Query().Get("tenantId"), 10, 64)
		accountID, _ := strconv.ParseInt(r.URL.Query().Get("accountId"), 10, 64)
		if tenantID <= 0 {
			writeError(w, apperrors.New(apperrors.CodeValidation, "缺少 tenantId"))
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		fills, err := s.settle.ListFills(r.Context(), repository.FillFilter{
			TenantID:  tenantID,
			AccountID: accountID,
			OrderID:   r.URL.Query().Get("orderId"),
			Symbol:    r.URL.Query().Get("symbol"),
			StartTime: parseTimeParam(r, "start"),
			EndTime:   parseTimeParam(r, "end"),
			Limit:     limit,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fills)

	case http.MethodPost:
		var input fillCallback
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, apperrors.New(apperrors.CodeValidation, "请求体不是合法 JSON"))
			return
		}
		fill, err := s.settle.RecordFill(r.Context(), settlement.FillInput{
			OrderID:         input.OrderID,
			TenantID:        input.TenantID,
			ExchangeTradeID: input.ExchangeTradeID,
			Symbol:          input.Symbol,
			Side:            input.Side,
			Quantity:        input.Quantity,
			Price:           input.Price,
			Fee:             input.Fee,
			FeeCurrency:     input.FeeCurrency,
			FilledAt:        input.FilledAt,
			RequestID:       input.RequestID,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fill)

	default:
		writeError(w, apperrors.New(apperrors.CodeValidation, "method not allowed"))
	}
}

type fillCallback struct {
	OrderID         string          `json:"orderId"`
	TenantID        int64           `json:"tenantId"`
	ExchangeTradeID string          `json:"exchangeTradeId"`
	Symbol          string          `json:"symbol,omitempty"`
	Side            string          `json:"side,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Fee             decimal.Decimal `json:"fee"`
	FeeCurrency     string          `json:"feeCurrency,omitempty"`
	FilledAt        time.Time       `json:"filledAt"`
	RequestID       string          `json:"requestId,omitempty"`
}

func (s *Server) decodeSignal(w http.ResponseWriter, r *http.Request) (*types.Signal, bool) {
	var sig types.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, apperrors.New(apperrors.CodeValidation, "请求体不是合法 JSON"))
		return nil, false
	}
	if sig.RequestID == "" {
		sig.RequestID = r.Header.Get("X-Request-ID")
	}
	return &sig, true
}

func orderFilterFromQuery(r *http.Request) (repository.OrderFilter, error) {
	tenantID, _ := strconv.ParseInt(r.URL.Query().Get("tenantId"), 10, 64)
	if tenantID <= 0 {
		return repository.OrderFilter{}, apperrors.New(apperrors.CodeValidation, "缺少 tenantId")
	}
	accountID, _ := strconv.ParseInt(r.URL.Query().Get("accountId"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var statuses []string
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, strings.ToUpper(s))
			}
		}
	}
	return repository.OrderFilter{
		TenantID:  tenantID,
		AccountID: accountID,
		Symbol:    r.URL.Query().Get("symbol"),
		SignalID:  r.URL.Query().Get("signalId"),
		Statuses:  statuses,
		StartTime: parseTimeParam(r, "start"),
		EndTime:   parseTimeParam(r, "end"),
		Limit:     limit,
	}, nil
}

func parseTimeParam(r *http.Request, name string) time.Time {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var be *apperrors.Error
	if !errors.As(err, &be) {
		be = apperrors.New(apperrors.CodeInternal, err.Error())
	}
	writeJSON(w, be.HTTPStatus(), map[string]interface{}{"error": be})
}
