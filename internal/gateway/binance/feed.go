// Package binance 把 binance 期货的 aggTrade 流转为共识引擎的价格样本。
// 连接断开后指数退避重连，样本通道满时丢弃而不是阻塞行情回调。
package binance

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"updown/internal/config"
	"updown/internal/logger"
	"updown/internal/types"

	"github.com/adshao/go-binance/v2/futures"
)

const SourceName = "binance"

// SampleSink 是行情源对共识引擎的最小依赖。
type SampleSink interface {
	Ingest(s types.PriceSample) error
}

type Feed struct {
	cfg  config.BinanceFeedConfig
	sink SampleSink
	log  *logger.Component

	mu        sync.Mutex
	ingested  int64
	dropped   int64
	connected bool
	lastRun   time.Time
	nowFn     func() time.Time
}

func NewFeed(cfg config.BinanceFeedConfig, sink SampleSink) *Feed {
	return &Feed{
		cfg:   cfg,
		sink:  sink,
		log:   logger.WithComponent("binance"),
		nowFn: time.Now,
	}
}

// Run 维持 aggTrade 订阅直至 ctx 取消。
func (f *Feed) Run(ctx context.Context) error {
	symbols := make([]string, 0, len(f.cfg.Symbols))
	for _, s := range f.cfg.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		f.log.Warnf("未配置 symbol，行情源空转")
		<-ctx.Done()
		return ctx.Err()
	}

	delay := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsAggTradeEvent) {
			f.onTrade(event)
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}
		doneC, stopC, err := futures.WsCombinedAggTradeServe(symbols, handler, errHandler)
		if err != nil {
			f.log.Errorf("aggTrade 订阅失败 err=%v，%s 后重连", err, delay)
			if !sleepWithContext(ctx, delay) {
				return ctx.Err()
			}
			delay = nextDelay(delay)
			continue
		}
		delay = time.Second
		f.setConnected(true)
		f.log.Infof("✓ aggTrade 流已连接 symbols=%v", symbols)

		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			f.setConnected(false)
			return ctx.Err()
		case <-doneC:
		}
		close(stopC)
		f.setConnected(false)
		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		f.log.Warnf("aggTrade 流断开 err=%v，%s 后重连", errCopy, delay)
		if !sleepWithContext(ctx, delay) {
			return ctx.Err()
		}
		delay = nextDelay(delay)
	}
}

func (f *Feed) onTrade(event *futures.WsAggTradeEvent) {
	if event == nil {
		return
	}
	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil || price <= 0 {
		return
	}
	now := f.nowFn().UTC()
	sample := types.PriceSample{
		Source:     SourceName,
		Symbol:     strings.ToUpper(event.Symbol),
		Price:      price,
		Confidence: 1,
		ObservedAt: time.UnixMilli(event.TradeTime).UTC(),
		ReceivedAt: now,
	}
	f.mu.Lock()
	f.lastRun = now
	f.mu.Unlock()
	if err := f.sink.Ingest(sample); err != nil {
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
		return
	}
	f.mu.Lock()
	f.ingested++
	f.mu.Unlock()
}

// Stats 返回行情源计数（监控端点用）。
func (f *Feed) Stats() (ingested, dropped int64, connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ingested, f.dropped, f.connected
}

func (f *Feed) setConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	f.mu.Unlock()
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextDelay(cur time.Duration) time.Duration {
	next := cur * 2
	if next > 30*time.Second {
		next = 30 * time.Second
	}
	return next
}
