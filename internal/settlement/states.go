// Package settlement 订单成交的结算账本
package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/lybfish/ironbull-sub001/internal/repository"
)

// 超量成交容差，吸收交易所的舍入
var fillTolerance = decimal.RequireFromString("1.0001")

// transitions 订单状态机，同状态迁移总是合法
var transitions = map[string][]string{
	repository.StatusPending:   {repository.StatusSubmitted, repository.StatusRejected, repository.StatusFailed, repository.StatusCancelled},
	repository.StatusSubmitted: {repository.StatusOpen, repository.StatusPartial, repository.StatusFilled, repository.StatusRejected, repository.StatusFailed, repository.StatusCancelled},
	repository.StatusOpen:      {repository.StatusPartial, repository.StatusFilled, repository.StatusCancelled, repository.StatusExpired},
	repository.StatusPartial:   {repository.StatusPartial, repository.StatusFilled, repository.StatusCancelled},
	repository.StatusFilled:    {},
	repository.StatusCancelled: {},
	repository.StatusRejected:  {},
	repository.StatusExpired:   {},
	repository.StatusFailed:    {},
}

// IsTerminal 是否终态
func IsTerminal(status string) bool {
	switch status {
	case repository.StatusFilled, repository.StatusCancelled, repository.StatusRejected,
		repository.StatusExpired, repository.StatusFailed:
		return true
	}
	return false
}

// IsCancellable 可取消状态
func IsCancellable(status string) bool {
	switch status {
	case repository.StatusPending, repository.StatusSubmitted,
		repository.StatusOpen, repository.StatusPartial:
		return true
	}
	return false
}

// CanTransition 校验状态迁移是否合法
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// DetermineStatusAfterFill 按累计成交量决定订单状态，无成交时保持原状态
func DetermineStatusAfterFill(quantity, filled decimal.Decimal, current string) string {
	if filled.GreaterThanOrEqual(quantity) {
		return repository.StatusFilled
	}
	if filled.IsPositive() {
		return repository.StatusPartial
	}
	return current
}

// withinTolerance 累计成交量不超过 quantity * 1.0001
func withinTolerance(quantity, filled decimal.Decimal) bool {
	return filled.LessThanOrEqual(quantity.Mul(fillTolerance))
}
