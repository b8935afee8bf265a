package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// 风控拒绝码
const (
	CodeMinBalance        = "RISK_MIN_BALANCE"
	CodeSymbolNotAllowed  = "RISK_SYMBOL_NOT_ALLOWED"
	CodeMaxPositions      = "RISK_MAX_POSITIONS"
	CodeMaxNotional       = "RISK_MAX_NOTIONAL"
	CodeDailyTradeLimit   = "RISK_DAILY_TRADE_LIMIT"
	CodeWeeklyTradeLimit  = "RISK_WEEKLY_TRADE_LIMIT"
	CodeDailyLossLimit    = "RISK_DAILY_LOSS_LIMIT"
	CodeConsecutiveLosses = "RISK_CONSECUTIVE_LOSSES"
	CodeTradeCooldown     = "RISK_TRADE_COOLDOWN"
)

// SymbolListRule 白名单/黑名单
type SymbolListRule struct {
	Whitelist []string
	Blacklist []string
}

func (r *SymbolListRule) Name() string { return "symbol_list" }

func (r *SymbolListRule) Evaluate(rctx *Context) *Violation {
	symbol := strings.ToUpper(rctx.Signal.Symbol)
	for _, s := range r.Blacklist {
		if s == symbol {
			return &Violation{Code: CodeSymbolNotAllowed, Message: fmt.Sprintf("%s 在黑名单中", symbol)}
		}
	}
	if len(r.Whitelist) == 0 {
		return nil
	}
	for _, s := range r.Whitelist {
		if s == symbol {
			return nil
		}
	}
	return &Violation{Code: CodeSymbolNotAllowed, Message: fmt.Sprintf("%s 不在白名单中", symbol)}
}

// MinBalanceRule 账户余额下限
type MinBalanceRule struct {
	Min decimal.Decimal
}

func (r *MinBalanceRule) Name() string { return "min_balance" }

func (r *MinBalanceRule) Evaluate(rctx *Context) *Violation {
	if r.Min.Sign() <= 0 {
		return nil
	}
	if rctx.Signal.Balance.LessThan(r.Min) {
		return &Violation{Code: CodeMinBalance,
			Message: fmt.Sprintf("余额 %s 低于下限 %s", rctx.Signal.Balance, r.Min)}
	}
	return nil
}

// MaxPositionsRule 最大持仓数
type MaxPositionsRule struct {
	Max int
}

func (r *MaxPositionsRule) Name() string { return "max_positions" }

func (r *MaxPositionsRule) Evaluate(rctx *Context) *Violation {
	if r.Max <= 0 {
		return nil
	}
	if rctx.Stats.OpenPositions >= r.Max {
		return &Violation{Code: CodeMaxPositions,
			Message: fmt.Sprintf("当前持仓 %d 已达上限 %d", rctx.Stats.OpenPositions, r.Max)}
	}
	return nil
}

// MaxNotionalRule 单笔名义价值上限
type MaxNotionalRule struct {
	Max decimal.Decimal
}

func (r *MaxNotionalRule) Name() string { return "max_notional" }

func (r *MaxNotionalRule) Evaluate(rctx *Context) *Violation {
	if r.Max.Sign() <= 0 {
		return nil
	}
	if rctx.Signal.Notional().GreaterThan(r.Max) {
		return &Violation{Code: CodeMaxNotional,
			Message: fmt.Sprintf("名义价值 %s 超出上限 %s", rctx.Signal.Notional(), r.Max)}
	}
	return nil
}

// DailyTradeLimitRule 单日交易数上限
type DailyTradeLimitRule struct {
	Max int
}

func (r *DailyTradeLimitRule) Name() string { return "daily_trade_limit" }

func (r *DailyTradeLimitRule) Evaluate(rctx *Context) *Violation {
	if r.Max <= 0 {
		return nil
	}
	if rctx.Stats.DailyTradeCount >= r.Max {
		return &Violation{Code: CodeDailyTradeLimit,
			Message: fmt.Sprintf("今日交易 %d 笔已达上限 %d", rctx.Stats.DailyTradeCount, r.Max)}
	}
	return nil
}

// WeeklyTradeLimitRule 单周交易数上限
type WeeklyTradeLimitRule struct {
	Max int
}

func (r *WeeklyTradeLimitRule) Name() string { return "weekly_trade_limit" }

func (r *WeeklyTradeLimitRule) Evaluate(rctx *Context) *Violation {
	if r.Max <= 0 {
		return nil
	}
	if rctx.Stats.WeeklyTradeCount >= r.Max {
		return &Violation{Code: CodeWeeklyTradeLimit,
			Message: fmt.Sprintf("本周交易 %d 笔已达上限 %d", rctx.Stats.WeeklyTradeCount, r.Max)}
	}
	return nil
}

// DailyLossLimitRule 单日亏损上限，达到上限即拒绝
type DailyLossLimitRule struct {
	Max decimal.Decimal
}

func (r *DailyLossLimitRule) Name() string { return "daily_loss_limit" }

func (r *DailyLossLimitRule) Evaluate(rctx *Context) *Violation {
	if r.Max.Sign() <= 0 {
		return nil
	}
	if rctx.Stats.DailyRealizedLoss.GreaterThanOrEqual(r.Max) {
		return &Violation{Code: CodeDailyLossLimit,
			Message: fmt.Sprintf("今日亏损 %s 已达上限 %s", rctx.Stats.DailyRealizedLoss, r.Max)}
	}
	return nil
}

// ConsecutiveLossRule 连续亏损后冷却
type ConsecutiveLossRule struct {
	Max      int
	Cooldown time.Duration
}

func (r *ConsecutiveLossRule) Name() string { return "consecutive_losses" }

func (r *ConsecutiveLossRule) Evaluate(rctx *Context) *Violation {
	if r.Max <= 0 || rctx.Stats.ConsecutiveLosses < r.Max {
		return nil
	}
	if r.Cooldown <= 0 || rctx.Stats.LastTradeAt == nil {
		return &Violation{Code: CodeConsecutiveLosses,
			Message: fmt.Sprintf("连续亏损 %d 次已达上限 %d", rctx.Stats.ConsecutiveLosses, r.Max)}
	}
	elapsed := rctx.Now.Sub(*rctx.Stats.LastTradeAt)
	if elapsed < r.Cooldown {
		return &Violation{Code: CodeConsecutiveLosses,
			Message: fmt.Sprintf("连续亏损 %d 次，冷却剩余 %s", rctx.Stats.ConsecutiveLosses, (r.Cooldown - elapsed).Round(time.Second))}
	}
	return nil
}

// TradeCooldownRule 相邻交易的最小间隔
type TradeCooldownRule struct {
	Cooldown time.Duration
}

func (r *TradeCooldownRule) Name() string { return "trade_cooldown" }

func (r *TradeCooldownRule) Evaluate(rctx *Context) *Violation {
	if r.Cooldown <= 0 || rctx.Stats.LastTradeAt == nil {
		return nil
	}
	elapsed := rctx.Now.Sub(*rctx.Stats.LastTradeAt)
	if elapsed < r.Cooldown {
		return &Violation{Code: CodeTradeCooldown,
			Message: fmt.Sprintf("距上次交易 %s，最小间隔 %s", elapsed.Round(time.Second), r.Cooldown)}
	}
	return nil
}
