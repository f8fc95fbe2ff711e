// Package oracle 轮询场外预言机：一路是独立的参考价（共识价的
// 第二数据源），一路是已收盘窗口的权威结算结果。
package oracle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"updown/internal/config"
	"updown/internal/logger"
	"updown/internal/types"

	"github.com/tidwall/gjson"
)

const SourceName = "oracle"

// settlementSeenTTL 是结算去重记录的保留期。窗口只有 15 分钟，
// 过期后同一窗口即便重新出现，跟踪器那边的结算也是幂等的。
const settlementSeenTTL = 4 * time.Hour

// SampleSink 接收参考价样本。
type SampleSink interface {
	Ingest(s types.PriceSample) error
}

// SettlementSink 接收权威结算（窗口跟踪器实现）。
type SettlementSink interface {
	OnSettlement(ctx context.Context, windowID string, outcome types.Outcome)
}

type Feed struct {
	cfg         config.OracleFeedConfig
	samples     SampleSink
	settlements SettlementSink
	http        *http.Client
	log         *logger.Component

	mu    sync.Mutex
	seen  map[string]time.Time // 已投递的结算及投递时间，防重复
	polls int64
	fails int64
	nowFn func() time.Time
}

func NewFeed(cfg config.OracleFeedConfig, samples SampleSink, settlements SettlementSink) *Feed {
	return &Feed{
		cfg:         cfg,
		samples:     samples,
		settlements: settlements,
		http:        &http.Client{Timeout: 10 * time.Second},
		log:         logger.WithComponent("oracle"),
		seen:        make(map[string]time.Time),
		nowFn:       time.Now,
	}
}

// Run 按配置间隔轮询直至 ctx 取消。
func (f *Feed) Run(ctx context.Context) error {
	interval := f.cfg.PollInterval()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.poll(ctx); err != nil {
				f.mu.Lock()
				f.fails++
				f.mu.Unlock()
				f.log.Warnf("预言机轮询失败 err=%v", err)
			}
		}
	}
}

func (f *Feed) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("oracle http %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.polls++
	f.mu.Unlock()

	f.ingestPrices(raw)
	f.deliverSettlements(ctx, raw)
	return nil
}

func (f *Feed) ingestPrices(raw []byte) {
	now := f.nowFn().UTC()
	gjson.GetBytes(raw, "prices").ForEach(func(_, item gjson.Result) bool {
		symbol := strings.ToUpper(item.Get("symbol").String())
		price := item.Get("price").Float()
		if symbol == "" || price <= 0 {
			return true
		}
		observed := now
		if ms := item.Get("ts").Int(); ms > 0 {
			observed = time.UnixMilli(ms).UTC()
		}
		confidence := item.Get("confidence").Float()
		if confidence <= 0 || confidence > 1 {
			confidence = 1
		}
		sample := types.PriceSample{
			Source:     SourceName,
			Symbol:     symbol,
			Price:      price,
			Confidence: confidence,
			ObservedAt: observed,
			ReceivedAt: now,
		}
		if err := f.samples.Ingest(sample); err != nil {
			f.log.Warnf("参考价被拒 symbol=%s err=%v", symbol, err)
		}
		return true
	})
}

func (f *Feed) deliverSettlements(ctx context.Context, raw []byte) {
	now := f.nowFn().UTC()
	f.pruneSeen(now)
	gjson.GetBytes(raw, "settlements").ForEach(func(_, item gjson.Result) bool {
		windowID := item.Get("window_id").String()
		if windowID == "" {
			return true
		}
		var outcome types.Outcome
		switch strings.ToLower(item.Get("outcome").String()) {
		case "up":
			outcome = types.OutcomeUp
		case "down":
			outcome = types.OutcomeDown
		default:
			f.log.Warnf("预言机结算结果无法识别 window=%s outcome=%q", windowID, item.Get("outcome").String())
			return true
		}

		f.mu.Lock()
		if _, done := f.seen[windowID]; done {
			f.mu.Unlock()
			return true
		}
		f.seen[windowID] = now
		f.mu.Unlock()
		f.log.Infof("✓ 收到权威结算 window=%s outcome=%s", windowID, outcome)
		f.settlements.OnSettlement(ctx, windowID, outcome)
		return true
	})
}

// pruneSeen 清掉超过保留期的去重记录，map 不随进程寿命无限膨胀。
func (f *Feed) pruneSeen(now time.Time) {
	f.mu.Lock()
	for id, at := range f.seen {
		if now.Sub(at) > settlementSeenTTL {
			delete(f.seen, id)
		}
	}
	f.mu.Unlock()
}
