package types

import "time"

type Side int

const (
	SideUp Side = iota + 1
	SideDown
)

func (s Side) String() string {
	switch s {
	case SideUp:
		return "up"
	case SideDown:
		return "down"
	default:
		return "unknown"
	}
}

type PositionState int

const (
	PositionStateNone PositionState = iota
	PositionStateEntryPending
	PositionStateOpen
	PositionStateExitPending
	PositionStateClosed
	PositionStateAbandoned
)

func (s PositionState) String() string {
	switch s {
	case PositionStateNone:
		return "none"
	case PositionStateEntryPending:
		return "entry_pending"
	case PositionStateOpen:
		return "open"
	case PositionStateExitPending:
		return "exit_pending"
	case PositionStateClosed:
		return "closed"
	case PositionStateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal 判定仓位是否已到终态。每个 (windowID, strategyID) 至多一个非终态仓位。
func (s PositionState) Terminal() bool {
	return s == PositionStateClosed || s == PositionStateAbandoned
}

// Position 记录一次二元市场持仓，价格区间 0~1。
type Position struct {
	ID          string
	WindowID    string
	StrategyID  string
	Side        Side
	SizeDollars float64
	EntryPrice  float64
	ExitPrice   float64
	State       PositionState
	RealizedPnL float64
	OpenedAt    time.Time
	ClosedAt    time.Time
	UpdatedAt   time.Time
}

// Exposure 返回仓位占用的敞口（非终态仓位计入全局限额）。
func (p *Position) Exposure() float64 {
	if p == nil || p.State.Terminal() {
		return 0
	}
	return p.SizeDollars
}
