package strategy

import (
	"fmt"

	"updown/internal/consensus"
	"updown/internal/types"

	"github.com/markcheno/go-talib"
)

// RegisterBuiltins 注册内置策略种类。
func RegisterBuiltins(r *Registry) error {
	for _, d := range []Descriptor{
		momentumDescriptor(),
		meanRevertDescriptor(),
	} {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// momentum：共识价 ROC 超阈值时顺势进场，动量反转时离场。
func momentumDescriptor() Descriptor {
	return Descriptor{
		Name: "momentum",
		Schema: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"lookback":      map[string]any{"type": "integer", "minimum": 2, "maximum": 120},
				"threshold_pct": map[string]any{"type": "number", "exclusiveMinimum": 0},
			},
			"required": []any{"lookback", "threshold_pct"},
		},
		Build: func(params map[string]any) (EvalFunc, error) {
			lookbackF, _ := number(params["lookback"])
			threshold, _ := number(params["threshold_pct"])
			lookback := int(lookbackF)
			if lookback < 2 || threshold <= 0 {
				return nil, fmt.Errorf("momentum: invalid params lookback=%d threshold=%.4f", lookback, threshold)
			}
			return func(ctx Context) []types.Signal {
				roc, ok := consensusROC(ctx.History, lookback)
				if !ok {
					return nil
				}
				if ctx.Position == nil {
					side := types.Side(0)
					switch {
					case roc >= threshold:
						side = types.SideUp
					case roc <= -threshold:
						side = types.SideDown
					default:
						return nil
					}
					conf := confidenceFromROC(roc, threshold)
					return []types.Signal{{
						Action:     types.SignalBuy,
						Side:       side,
						Reason:     fmt.Sprintf("momentum roc=%.4f%%", roc),
						Confidence: conf,
					}}
				}
				// 动量反转：持仓方向与当前动量相反时离场。
				if (ctx.Position.Side == types.SideUp && roc <= -threshold) ||
					(ctx.Position.Side == types.SideDown && roc >= threshold) {
					return []types.Signal{{
						Action: types.SignalSell,
						Side:   ctx.Position.Side,
						Reason: fmt.Sprintf("momentum_reversal roc=%.4f%%", roc),
					}}
				}
				return nil
			}, nil
		},
	}
}

// meanrevert：共识价偏离 strike 超过阈值时押注回归。
func meanRevertDescriptor() Descriptor {
	return Descriptor{
		Name: "meanrevert",
		Schema: map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties": map[string]any{
				"revert_pct":     map[string]any{"type": "number", "exclusiveMinimum": 0},
				"max_spread_pct": map[string]any{"type": "number", "minimum": 0},
			},
			"required": []any{"revert_pct"},
		},
		Build: func(params map[string]any) (EvalFunc, error) {
			revertPct, _ := number(params["revert_pct"])
			maxSpread, _ := number(params["max_spread_pct"])
			if revertPct <= 0 {
				return nil, fmt.Errorf("meanrevert: revert_pct must be > 0")
			}
			return func(ctx Context) []types.Signal {
				if ctx.Position != nil {
					return nil
				}
				if ctx.Window.StrikePrice <= 0 {
					return nil
				}
				if maxSpread > 0 && ctx.Consensus.SpreadPct > maxSpread {
					// 源间分歧过大时不下注。
					return nil
				}
				dev := (ctx.Consensus.Price - ctx.Window.StrikePrice) / ctx.Window.StrikePrice * 100
				switch {
				case dev >= revertPct:
					return []types.Signal{{
						Action:     types.SignalBuy,
						Side:       types.SideDown,
						Reason:     fmt.Sprintf("meanrevert dev=%.4f%%", dev),
						Confidence: 1,
					}}
				case dev <= -revertPct:
					return []types.Signal{{
						Action:     types.SignalBuy,
						Side:       types.SideUp,
						Reason:     fmt.Sprintf("meanrevert dev=%.4f%%", dev),
						Confidence: 1,
					}}
				default:
					return nil
				}
			}, nil
		},
	}
}

// consensusROC 用 talib 计算共识价序列最新一点的 rate-of-change（百分比）。
// 历史不足 lookback+1 个点时返回 false，策略不出手。
func consensusROC(history []consensus.HistoryPoint, lookback int) (float64, bool) {
	if lookback < 1 || len(history) < lookback+1 {
		return 0, false
	}
	prices := make([]float64, len(history))
	for i, hp := range history {
		if hp.Price <= 0 {
			return 0, false
		}
		prices[i] = hp.Price
	}
	roc := talib.Roc(prices, lookback)
	if len(roc) == 0 {
		return 0, false
	}
	return roc[len(roc)-1], true
}

// confidenceFromROC 把动量强度折算为 [0.5, 1] 的置信度，
// 达到两倍阈值即视为满仓信心。
func confidenceFromROC(roc, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	mag := roc
	if mag < 0 {
		mag = -mag
	}
	conf := 0.5 + 0.25*(mag/threshold)
	if conf > 1 {
		conf = 1
	}
	return conf
}
