// Package errors 定义统一错误码
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 错误码
type Code string

// 错误码定义
const (
	// 通用错误
	CodeOK             Code = "OK"
	CodeUnknown        Code = "UNKNOWN"
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeNotFound       Code = "NOT_FOUND"
	CodeAlreadyExists  Code = "ALREADY_EXISTS"
	CodeInternal       Code = "INTERNAL"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeTimeout        Code = "TIMEOUT"
	CodeTenantMismatch Code = "TENANT_MISMATCH"

	// 订单结算
	CodeOrderNotFound          Code = "ORDER_NOT_FOUND"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeOrderInTerminalState   Code = "ORDER_IN_TERMINAL_STATE"
	CodeOrderNotCancellable    Code = "ORDER_NOT_CANCELLABLE"
	CodeFillQuantityExceeded   Code = "FILL_QUANTITY_EXCEEDED"
	CodeFillTimeOrder          Code = "FILL_TIME_ORDER"
	CodeFillOrderMismatch      Code = "FILL_ORDER_MISMATCH"

	// 调度执行
	CodeDuplicateSignal Code = "DUPLICATE_SIGNAL"
	CodeNodeCallFailed  Code = "NODE_CALL_FAILED"
	CodeNodeTimeout     Code = "NODE_TIMEOUT"
	CodeUnknownPlatform Code = "UNKNOWN_PLATFORM"
	CodeTaskNotFound    Code = "TASK_NOT_FOUND"

	// 风控
	CodeRiskRejected Code = "RISK_REJECTED"

	// 挂单跟踪
	CodePendingExists   Code = "PENDING_ENTRY_EXISTS"
	CodePendingNotFound Code = "PENDING_ENTRY_NOT_FOUND"
)

// Error 业务错误
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// New 创建错误
func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

// Newf 创建格式化错误
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithRequestID 添加请求 ID
func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// HTTPStatus 返回对应的 HTTP 状态码
func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// CodeOf 取出错误码，非业务错误返回 CodeUnknown
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeUnknown
}

// isRetryable 判断是否可重试
func isRetryable(code Code) bool {
	switch code {
	case CodeTimeout, CodeUnavailable, CodeNodeTimeout, CodeNodeCallFailed:
		return true
	default:
		return false
	}
}

// httpStatus 错误码对应的 HTTP 状态码
func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeValidation, CodeUnknownPlatform:
		return http.StatusBadRequest
	case CodeTenantMismatch, CodeRiskRejected:
		return http.StatusForbidden
	case CodeNotFound, CodeOrderNotFound, CodeTaskNotFound, CodePendingNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists, CodeDuplicateSignal, CodePendingExists,
		CodeInvalidStateTransition, CodeOrderInTerminalState, CodeOrderNotCancellable:
		return http.StatusConflict
	case CodeFillQuantityExceeded, CodeFillTimeOrder, CodeFillOrderMismatch:
		return http.StatusUnprocessableEntity
	case CodeUnavailable, CodeNodeCallFailed:
		return http.StatusServiceUnavailable
	case CodeTimeout, CodeNodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
