package types

import "time"

type IntentType int

const (
	IntentEnter IntentType = iota + 1
	IntentExit
	IntentAbandon
)

func (t IntentType) String() string {
	switch t {
	case IntentEnter:
		return "enter"
	case IntentExit:
		return "exit"
	case IntentAbandon:
		return "abandon"
	default:
		return "unknown"
	}
}

type IntentStatus int

const (
	IntentStatusPending IntentStatus = iota
	IntentStatusExecuting
	IntentStatusConfirmed
	IntentStatusFailed
)

func (s IntentStatus) String() string {
	switch s {
	case IntentStatusPending:
		return "pending"
	case IntentStatusExecuting:
		return "executing"
	case IntentStatusConfirmed:
		return "confirmed"
	case IntentStatusFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal 判定 intent 是否到达终态，终态不可再变更。
func (s IntentStatus) Terminal() bool {
	return s == IntentStatusConfirmed || s == IntentStatusFailed
}

// IntentPayload 是执行所需的全部结构化参数。字段显式命名，
// 供对账与审计直接消费，不使用自由 JSON。
type IntentPayload struct {
	PositionID  string
	Side        Side
	SizeDollars float64
	LimitPrice  float64
	Reason      string
}

// Intent 是"已决定执行某个外部动作"的唯一事实来源，落库先于执行。
type Intent struct {
	ID          string
	Type        IntentType
	WindowID    string
	StrategyID  string
	Payload     IntentPayload
	Status      IntentStatus
	Attempts    int
	ExternalRef string
	FilledPrice float64
	FilledSize  float64
	Reason      string // 终态的人类可读原因
	CreatedAt   time.Time
	ResolvedAt  time.Time
}

// Fill 是执行成功后的成交回报，结构化保存。
type Fill struct {
	ExternalRef string
	FilledPrice float64
	FilledSize  float64
	FilledAt    time.Time
}

// Signal 是策略评估输出。
type Signal struct {
	Action     SignalAction
	Side       Side
	Size       float64 // 期望美元规模，0 表示由引擎按基础规模定
	Reason     string
	Confidence float64 // 0~1，缺省 1
}

type SignalAction int

const (
	SignalBuy SignalAction = iota + 1
	SignalSell
)

func (a SignalAction) String() string {
	switch a {
	case SignalBuy:
		return "buy"
	case SignalSell:
		return "sell"
	default:
		return "unknown"
	}
}
