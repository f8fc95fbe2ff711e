// Package consensus 将多路行情样本聚合为单一共识价，并跟踪
// 源间分歧与过期程度。计算纯内存进行，不做任何 I/O。
package consensus

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"updown/internal/component"
	"updown/internal/config"
	"updown/internal/errkind"
	"updown/internal/logger"
	"updown/internal/types"
)

const minOutlierHistory = 10

type Engine struct {
	cfg config.PriceConfig
	log *logger.Component

	mu       sync.RWMutex
	sources  map[string]map[string]*sourceBuffer // symbol -> source
	readings map[string]types.ConsensusReading
	history  map[string][]HistoryPoint
	stats    map[string]*types.SourceStats

	initialized bool
	lastRun     time.Time
	ingested    int64
	rejected    int64
	nowFn       func() time.Time
}

// HistoryPoint 是共识价滚动缓冲中的一格，供动量/背离策略消费。
type HistoryPoint struct {
	Price      float64
	ComputedAt time.Time
}

type sourceBuffer struct {
	latest types.PriceSample
	// trailing 仅保留最近 N 个价格，用于 K-sigma 离群判定。
	trailing []float64
}

func New(cfg config.PriceConfig) *Engine {
	return &Engine{
		cfg:      cfg,
		log:      logger.WithComponent("consensus"),
		sources:  make(map[string]map[string]*sourceBuffer),
		readings: make(map[string]types.ConsensusReading),
		history:  make(map[string][]HistoryPoint),
		stats:    make(map[string]*types.SourceStats),
		nowFn:    time.Now,
	}
}

func (e *Engine) Name() string { return "consensus" }

func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) Shutdown(ctx context.Context) error { return nil }

func (e *Engine) GetState() component.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return component.State{
		Name:        "consensus",
		Initialized: e.initialized,
		LastRunAt:   e.lastRun,
		Counters: map[string]int64{
			"ingested": e.ingested,
			"rejected": e.rejected,
		},
	}
}

// Ingest 接收一条样本并重算该 symbol 的共识价。
// 非法样本返回 errkind.ErrInvalidSample 且不影响已有共识。
func (e *Engine) Ingest(s types.PriceSample) error {
	if err := validateSample(s); err != nil {
		e.mu.Lock()
		e.rejected++
		st := e.sourceStats(s.Source)
		st.Rejected++
		st.LastRejectErr = err.Error()
		e.mu.Unlock()
		return err
	}
	symbol := strings.ToUpper(strings.TrimSpace(s.Symbol))
	source := strings.TrimSpace(s.Source)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.ingested++
	e.lastRun = e.nowFn()

	bySource, ok := e.sources[symbol]
	if !ok {
		bySource = make(map[string]*sourceBuffer)
		e.sources[symbol] = bySource
	}
	buf, ok := bySource[source]
	if !ok {
		buf = &sourceBuffer{}
		bySource[source] = buf
	}

	// 离群判定要在样本进入 trailing 之前完成：
	// 对比的是该源自身的历史，而不是其它源。
	outlier := e.isOutlier(buf, s.Price)
	buf.trailing = append(buf.trailing, s.Price)
	if max := e.historySize(); len(buf.trailing) > max {
		buf.trailing = buf.trailing[len(buf.trailing)-max:]
	}

	st := e.sourceStats(source)
	st.Samples++
	st.LastSampleAt = s.ReceivedAt
	if outlier {
		// 尖刺只跳过本次加权计算，不替换该源的 latest：上一条正常
		// 样本在新鲜期内继续参与共识，该源不会被长期踢出。
		st.Outliers++
		e.log.Warnf("离群样本已抑制 source=%s symbol=%s price=%.6f", source, symbol, s.Price)
	} else {
		buf.latest = s
	}

	e.recompute(symbol)
	return nil
}

// Consensus 返回当前共识价。第二个返回值为 false 表示该 symbol 从未有过读数。
func (e *Engine) Consensus(symbol string) (types.ConsensusReading, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.readings[strings.ToUpper(strings.TrimSpace(symbol))]
	return r, ok
}

// ActionableConsensus 与 Consensus 相同，但 Stale 读数返回 ErrStaleConsensus。
func (e *Engine) ActionableConsensus(symbol string) (types.ConsensusReading, error) {
	r, ok := e.Consensus(symbol)
	if !ok || r.Stale {
		return r, fmt.Errorf("%w: symbol=%s", errkind.ErrStaleConsensus, symbol)
	}
	return r, nil
}

// History 返回最近 n 个共识价（时间升序）。
func (e *Engine) History(symbol string, n int) []HistoryPoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	hist := e.history[strings.ToUpper(strings.TrimSpace(symbol))]
	if n <= 0 || n > len(hist) {
		n = len(hist)
	}
	out := make([]HistoryPoint, n)
	copy(out, hist[len(hist)-n:])
	return out
}

// SourceStats 返回各源健康计数（按源名排序）。
func (e *Engine) SourceStats() []types.SourceStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.stats))
	for name := range e.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]types.SourceStats, 0, len(names))
	for _, name := range names {
		out = append(out, *e.stats[name])
	}
	return out
}

// Refresh 在无新样本时重算过期标记，由 tick 循环周期调用。
func (e *Engine) Refresh() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for symbol := range e.sources {
		e.recompute(symbol)
	}
	e.lastRun = e.nowFn()
}

// recompute 持锁调用。
func (e *Engine) recompute(symbol string) {
	now := e.nowFn()
	staleness := e.cfg.Staleness()

	var (
		weightedSum float64
		weightTotal float64
		prices      []float64
		oldest      time.Time
	)
	for _, buf := range e.sources[symbol] {
		age := now.Sub(buf.latest.ReceivedAt)
		if age > staleness {
			continue // 过期源不参与本轮计算，仍计入分歧统计的历史
		}
		w := buf.latest.Confidence
		if w <= 0 {
			w = 1
		}
		weightedSum += buf.latest.Price * w
		weightTotal += w
		prices = append(prices, buf.latest.Price)
		if oldest.IsZero() || buf.latest.ObservedAt.Before(oldest) {
			oldest = buf.latest.ObservedAt
		}
	}

	prev, hadPrev := e.readings[symbol]
	if len(prices) < e.cfg.MinSources || weightTotal <= 0 {
		// 零新鲜源：保留旧值但标记 stale，下游不可据此交易。
		if hadPrev {
			prev.Stale = true
			prev.SampleCount = 0
			prev.ComputedAt = now
			e.readings[symbol] = prev
		}
		return
	}

	price := weightedSum / weightTotal
	reading := types.ConsensusReading{
		Symbol:       symbol,
		Price:        price,
		SampleCount:  len(prices),
		SpreadPct:    maxPairwiseSpreadPct(prices, price),
		MaxStaleness: now.Sub(oldest),
		Stale:        false,
		ComputedAt:   now,
	}
	e.readings[symbol] = reading

	hist := append(e.history[symbol], HistoryPoint{Price: price, ComputedAt: now})
	if max := e.historySize(); len(hist) > max {
		hist = hist[len(hist)-max:]
	}
	e.history[symbol] = hist
}

// isOutlier 持锁调用：偏离自身 trailing 均值超过 K 个标准差则抑制。
func (e *Engine) isOutlier(buf *sourceBuffer, price float64) bool {
	if len(buf.trailing) < minOutlierHistory {
		return false
	}
	mean, std := meanStd(buf.trailing)
	if std <= 0 {
		return false
	}
	return math.Abs(price-mean) > e.cfg.OutlierSigma*std
}

func (e *Engine) historySize() int {
	if e.cfg.HistorySize > 0 {
		return e.cfg.HistorySize
	}
	return 120
}

func (e *Engine) sourceStats(source string) *types.SourceStats {
	st, ok := e.stats[source]
	if !ok {
		st = &types.SourceStats{Source: source}
		e.stats[source] = st
	}
	return st
}

func validateSample(s types.PriceSample) error {
	if strings.TrimSpace(s.Source) == "" {
		return fmt.Errorf("%w: missing source", errkind.ErrInvalidSample)
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return fmt.Errorf("%w: missing symbol", errkind.ErrInvalidSample)
	}
	if s.Price <= 0 || math.IsNaN(s.Price) || math.IsInf(s.Price, 0) {
		return fmt.Errorf("%w: price=%v", errkind.ErrInvalidSample, s.Price)
	}
	if s.ObservedAt.IsZero() || s.ReceivedAt.IsZero() {
		return fmt.Errorf("%w: missing timestamp", errkind.ErrInvalidSample)
	}
	return nil
}

func maxPairwiseSpreadPct(prices []float64, consensus float64) float64 {
	if len(prices) < 2 || consensus <= 0 {
		return 0
	}
	lo, hi := prices[0], prices[0]
	for _, p := range prices[1:] {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	return (hi - lo) / consensus * 100
}

func meanStd(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var variance float64
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals))
	return mean, math.Sqrt(variance)
}
