package types

import "time"

// PriceSample 表示某个行情源上报的一条价格样本，入库后不可变。
type PriceSample struct {
	Source     string
	Symbol     string
	Price      float64
	Confidence float64 // 权重因子，源自上游的 confidence/volume，<=0 时按 1 处理
	ObservedAt time.Time
	ReceivedAt time.Time
}

// ConsensusReading 是多源加权后的共识价。Stale=true 时下游不得据此交易。
type ConsensusReading struct {
	Symbol       string
	Price        float64
	SampleCount  int
	SpreadPct    float64 // 源间最大两两偏差 / 共识价
	MaxStaleness time.Duration
	Stale        bool
	ComputedAt   time.Time
}

// SourceStats 暴露单个行情源的健康计数。
type SourceStats struct {
	Source        string
	Samples       int64
	Rejected      int64
	Outliers      int64
	LastSampleAt  time.Time
	LastRejectErr string
}
