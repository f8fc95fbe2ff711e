package types

import (
	"fmt"
	"time"
)

type WindowState int

const (
	WindowStateOpen WindowState = iota
	WindowStateLive
	WindowStateClosing
	WindowStateResolved
)

func (s WindowState) String() string {
	switch s {
	case WindowStateOpen:
		return "open"
	case WindowStateLive:
		return "live"
	case WindowStateClosing:
		return "closing"
	case WindowStateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

type Outcome int

const (
	OutcomeUnresolved Outcome = iota
	OutcomeUp
	OutcomeDown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUp:
		return "up"
	case OutcomeDown:
		return "down"
	default:
		return "unresolved"
	}
}

// Window 是一个 15 分钟二元市场实例。Resolved 之后为只读历史。
type Window struct {
	ID          string // symbol + epoch
	Symbol      string
	Epoch       int64 // openTime.Unix() / duration 秒数
	OpenTime    time.Time
	CloseTime   time.Time
	StrikePrice float64
	State       WindowState
	Outcome     Outcome
	// Provisional 表示 outcome 由共识价推断而来，等待权威结算确认。
	Provisional bool
	ResolvedAt  time.Time
}

// WindowID 规范化 (symbol, epoch) 键。
func WindowID(symbol string, epoch int64) string {
	return fmt.Sprintf("%s-%d", symbol, epoch)
}

// TimeRemaining 返回距离收盘的剩余时间，已收盘返回 0。
func (w *Window) TimeRemaining(now time.Time) time.Duration {
	if w == nil || !now.Before(w.CloseTime) {
		return 0
	}
	return w.CloseTime.Sub(now)
}
