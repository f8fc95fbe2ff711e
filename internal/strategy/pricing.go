package strategy

import (
	"math"

	"updown/internal/types"

	"github.com/shopspring/decimal"
)

// markSlope 把共识价相对 strike 的偏离映射为二元合约隐含价的斜率。
const markSlope = 50.0

var decOne = decimal.NewFromInt(1)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalLTE(a, b float64) bool { return decimalCompare(a, b) <= 0 }
func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }

// ImpliedPrice 把当前共识价映射为持仓方向的 mark-to-market 合约价，
// 区间 [0.01, 0.99]。共识价恰好等于 strike 时为 0.5。
func ImpliedPrice(side types.Side, consensus, strike float64) float64 {
	if consensus <= 0 || strike <= 0 {
		return 0
	}
	dist := (consensus - strike) / strike
	up := 0.5 + markSlope*dist
	if side == types.SideDown {
		up = 1 - up
	}
	return clampPrice(up)
}

func clampPrice(p float64) float64 {
	if p < 0.01 {
		return 0.01
	}
	if p > 0.99 {
		return 0.99
	}
	return p
}

// stopLossTarget 返回触发止损的合约价下界：entry * (1 - pct)。
func stopLossTarget(entry, pct float64) float64 {
	if entry <= 0 || pct <= 0 {
		return 0
	}
	return decToFloat(decFromFloat(entry).Mul(decOne.Sub(decFromFloat(pct))))
}

// takeProfitTarget 返回触发止盈的合约价上界：entry * (1 + pct)。
func takeProfitTarget(entry, pct float64) float64 {
	if entry <= 0 || pct <= 0 {
		return 0
	}
	return decToFloat(decFromFloat(entry).Mul(decOne.Add(decFromFloat(pct))))
}

// hitStopLoss 隐含价跌破止损线即触发，decimal 比较避免浮点毛刺。
func hitStopLoss(mark, target float64) bool {
	if mark <= 0 || target <= 0 {
		return false
	}
	return decimalLTE(mark, target)
}

func hitTakeProfit(mark, target float64) bool {
	if mark <= 0 || target <= 0 {
		return false
	}
	return decimalGTE(mark, target)
}

// settlePnL 计算到期结算盈亏：赢单按 1.00 兑付，输单归零。
// size 美元在 entry 价位买入 size/entry 份合约。
func settlePnL(sizeDollars, entryPrice float64, won bool) float64 {
	if sizeDollars <= 0 || entryPrice <= 0 {
		return 0
	}
	if !won {
		return -sizeDollars
	}
	contracts := decFromFloat(sizeDollars).Div(decFromFloat(entryPrice))
	payout := contracts.Sub(decFromFloat(sizeDollars))
	return decToFloat(payout)
}

// exitPnL 计算提前离场盈亏：按 mark 价卖出全部合约。
func exitPnL(sizeDollars, entryPrice, exitPrice float64) float64 {
	if sizeDollars <= 0 || entryPrice <= 0 || exitPrice <= 0 {
		return 0
	}
	contracts := decFromFloat(sizeDollars).Div(decFromFloat(entryPrice))
	proceeds := contracts.Mul(decFromFloat(exitPrice))
	return decToFloat(proceeds.Sub(decFromFloat(sizeDollars)))
}
