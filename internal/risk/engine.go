// Package risk 信号入场前的风控闸门
package risk

import (
	"time"

	"github.com/lybfish/ironbull-sub001/internal/config"
	"github.com/lybfish/ironbull-sub001/internal/metrics"
	"github.com/lybfish/ironbull-sub001/internal/repository"
	"github.com/lybfish/ironbull-sub001/internal/types"
	"github.com/lybfish/ironbull-sub001/pkg/logger"
)

// Context 一次风控评估的输入
type Context struct {
	Signal *types.Signal
	Stats  *repository.AccountStats
	Now    time.Time
}

// Violation 风控拒绝
type Violation struct {
	Rule    string `json:"rule"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Rule 单条风控规则，通过返回 nil
type Rule interface {
	Name() string
	Evaluate(rctx *Context) *Violation
}

// Gate 按固定顺序执行规则，第一条违规即终止
type Gate struct {
	rules []Rule
	log   *logger.Logger
}

// NewGate 按配置组装规则链
func NewGate(cfg config.RiskConfig, log *logger.Logger) *Gate {
	return &Gate{
		log: log,
		rules: []Rule{
			&SymbolListRule{Whitelist: cfg.SymbolWhitelist, Blacklist: cfg.SymbolBlacklist},
			&MinBalanceRule{Min: cfg.MinBalance},
			&MaxPositionsRule{Max: cfg.MaxOpenPositions},
			&MaxNotionalRule{Max: cfg.MaxNotional},
			&DailyTradeLimitRule{Max: cfg.MaxDailyTrades},
			&WeeklyTradeLimitRule{Max: cfg.MaxWeeklyTrades},
			&DailyLossLimitRule{Max: cfg.MaxDailyLoss},
			&ConsecutiveLossRule{Max: cfg.MaxConsecutiveLoss, Cooldown: cfg.CooldownAfterLoss},
			&TradeCooldownRule{Cooldown: cfg.TradeCooldown},
		},
	}
}

// NewGateWithRules 自定义规则链
func NewGateWithRules(log *logger.Logger, rules ...Rule) *Gate {
	return &Gate{log: log, rules: rules}
}

// Check 评估信号。平仓和减仓放行，不受入场规则约束
func (g *Gate) Check(rctx *Context) *Violation {
	if rctx.Now.IsZero() {
		rctx.Now = time.Now().UTC()
	}
	if rctx.Signal.TradeType == repository.TradeClose || rctx.Signal.TradeType == repository.TradeReduce {
		return nil
	}

	for _, rule := range g.rules {
		if v := rule.Evaluate(rctx); v != nil {
			v.Rule = rule.Name()
			metrics.IncRiskRejections(v.Code)
			if g.log != nil {
				g.log.Warnf("信号被风控拒绝", map[string]interface{}{
					"signalId": rctx.Signal.SignalID,
					"rule":     v.Rule,
					"code":     v.Code,
					"reason":   v.Message,
				})
			}
			return v
		}
	}
	return nil
}
