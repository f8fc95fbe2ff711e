package model

import (
	"time"

	"gorm.io/datatypes"
)

// 持久化状态枚举与 types 包保持同值，转换在仓储层完成。

type WindowModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	WindowID      string  `gorm:"column:window_id;uniqueIndex"`
	Symbol        string  `gorm:"column:symbol;index"`
	Epoch         int64   `gorm:"column:epoch"`
	OpenUnix      int64   `gorm:"column:open_at"`
	CloseUnix     int64   `gorm:"column:close_at"`
	StrikePrice   float64 `gorm:"column:strike_price"`
	State         int     `gorm:"column:state"`
	Outcome       int     `gorm:"column:outcome"`
	Provisional   int     `gorm:"column:provisional"`
	ResolvedUnix  int64   `gorm:"column:resolved_at"`
	CreatedAtUnix int64   `gorm:"column:created_at"`
	UpdatedAtUnix int64   `gorm:"column:updated_at"`

	CreatedAt time.Time `gorm:"-"`
	UpdatedAt time.Time `gorm:"-"`
}

func (WindowModel) TableName() string { return "windows" }

type PositionModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	PositionID    string  `gorm:"column:position_id;uniqueIndex"`
	WindowID      string  `gorm:"column:window_id;index:idx_position_key,priority:1"`
	StrategyID    string  `gorm:"column:strategy_id;index:idx_position_key,priority:2"`
	Side          int     `gorm:"column:side"`
	SizeDollars   float64 `gorm:"column:size_dollars"`
	EntryPrice    float64 `gorm:"column:entry_price"`
	ExitPrice     float64 `gorm:"column:exit_price"`
	State         int     `gorm:"column:state"`
	RealizedPnL   float64 `gorm:"column:realized_pnl"`
	OpenedUnix    int64   `gorm:"column:opened_at"`
	ClosedUnix    int64   `gorm:"column:closed_at"`
	CreatedAtUnix int64   `gorm:"column:created_at"`
	UpdatedAtUnix int64   `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "positions" }

type IntentModel struct {
	ID            int64   `gorm:"column:id;primaryKey"`
	IntentID      string  `gorm:"column:intent_id;uniqueIndex"`
	Type          int     `gorm:"column:intent_type;index:idx_intent_key,priority:3"`
	WindowID      string  `gorm:"column:window_id;index:idx_intent_key,priority:1"`
	StrategyID    string  `gorm:"column:strategy_id;index:idx_intent_key,priority:2"`
	PositionID    string  `gorm:"column:position_id;index"`
	Side          int     `gorm:"column:side"`
	SizeDollars   float64 `gorm:"column:size_dollars"`
	LimitPrice    float64 `gorm:"column:limit_price"`
	PayloadReason string  `gorm:"column:payload_reason"`
	Status        int     `gorm:"column:status;index"`
	Attempts      int     `gorm:"column:attempts"`
	ExternalRef   string  `gorm:"column:external_ref"`
	FilledPrice   float64 `gorm:"column:filled_price"`
	FilledSize    float64 `gorm:"column:filled_size"`
	Reason        string  `gorm:"column:reason"`
	CreatedAtUnix int64   `gorm:"column:created_at"`
	ResolvedUnix  int64   `gorm:"column:resolved_at"`
	UpdatedAtUnix int64   `gorm:"column:updated_at"`
}

func (IntentModel) TableName() string { return "intents" }

// AuditModel 记录对账修正、结算分歧等需要留痕的事件。
// Detail 为诊断用自由结构；承载业务语义的字段一律用显式列。
type AuditModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Kind          string         `gorm:"column:kind;index"`
	WindowID      string         `gorm:"column:window_id;index"`
	StrategyID    string         `gorm:"column:strategy_id"`
	RefID         string         `gorm:"column:ref_id"`
	Reason        string         `gorm:"column:reason"`
	Detail        datatypes.JSON `gorm:"column:detail;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
}

func (AuditModel) TableName() string { return "audits" }

// SnapshotModel 是 kill switch 周期性写入的恢复快照（同时落文件）。
type SnapshotModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Phase         string         `gorm:"column:phase"`
	OpenPositions int            `gorm:"column:open_positions"`
	ExposureUSD   float64        `gorm:"column:exposure_usd"`
	Detail        datatypes.JSON `gorm:"column:detail;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
}

func (SnapshotModel) TableName() string { return "killswitch_snapshots" }
