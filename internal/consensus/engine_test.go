package consensus

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"updown/internal/config"
	"updown/internal/errkind"
	"updown/internal/types"

	"github.com/stretchr/testify/assert"
)

func testConfig() config.PriceConfig {
	return config.PriceConfig{
		StalenessMS:  3000,
		OutlierSigma: 4,
		HistorySize:  50,
		MinSources:   1,
	}
}

func sampleAt(source string, price float64, at time.Time) types.PriceSample {
	return types.PriceSample{
		Source:     source,
		Symbol:     "BTCUSDT",
		Price:      price,
		Confidence: 1,
		ObservedAt: at,
		ReceivedAt: at,
	}
}

func TestIngestRejectsInvalidSample(t *testing.T) {
	e := New(testConfig())
	now := time.Now().UTC()

	t.Run("missing source", func(t *testing.T) {
		err := e.Ingest(types.PriceSample{Symbol: "BTCUSDT", Price: 100, ObservedAt: now, ReceivedAt: now})
		assert.ErrorIs(t, err, errkind.ErrInvalidSample)
	})
	t.Run("non-positive price", func(t *testing.T) {
		err := e.Ingest(sampleAt("binance", 0, now))
		assert.ErrorIs(t, err, errkind.ErrInvalidSample)
	})
	t.Run("missing timestamp", func(t *testing.T) {
		err := e.Ingest(types.PriceSample{Source: "binance", Symbol: "BTCUSDT", Price: 100})
		assert.ErrorIs(t, err, errkind.ErrInvalidSample)
	})

	_, ok := e.Consensus("BTCUSDT")
	assert.False(t, ok, "rejected samples must not create a reading")
}

func TestConsensusStaysWithinSampleBounds(t *testing.T) {
	e := New(testConfig())
	now := time.Now().UTC()
	e.nowFn = func() time.Time { return now }

	assert.NoError(t, e.Ingest(sampleAt("binance", 100.0, now)))
	assert.NoError(t, e.Ingest(sampleAt("oracle", 102.0, now)))

	reading, ok := e.Consensus("BTCUSDT")
	assert.True(t, ok)
	assert.False(t, reading.Stale)
	assert.Equal(t, 2, reading.SampleCount)
	assert.GreaterOrEqual(t, reading.Price, 100.0)
	assert.LessOrEqual(t, reading.Price, 102.0)
	assert.InDelta(t, 101.0, reading.Price, 1e-9)
	assert.InDelta(t, 2.0/101.0*100, reading.SpreadPct, 1e-9)
}

func TestConfidenceWeighting(t *testing.T) {
	e := New(testConfig())
	now := time.Now().UTC()
	e.nowFn = func() time.Time { return now }

	high := sampleAt("binance", 100.0, now)
	high.Confidence = 0.9
	low := sampleAt("oracle", 110.0, now)
	low.Confidence = 0.1

	assert.NoError(t, e.Ingest(high))
	assert.NoError(t, e.Ingest(low))

	reading, ok := e.Consensus("BTCUSDT")
	assert.True(t, ok)
	assert.InDelta(t, 101.0, reading.Price, 1e-9)
}

func TestStaleConsensusRetainsValue(t *testing.T) {
	e := New(testConfig())
	now := time.Now().UTC()
	e.nowFn = func() time.Time { return now }

	assert.NoError(t, e.Ingest(sampleAt("binance", 100.0, now)))
	_, err := e.ActionableConsensus("BTCUSDT")
	assert.NoError(t, err)

	// 全部源过期后：旧值保留但标记 stale，禁止据此交易。
	now = now.Add(10 * time.Second)
	e.Refresh()

	reading, ok := e.Consensus("BTCUSDT")
	assert.True(t, ok)
	assert.True(t, reading.Stale)
	assert.InDelta(t, 100.0, reading.Price, 1e-9)

	_, err = e.ActionableConsensus("BTCUSDT")
	assert.ErrorIs(t, err, errkind.ErrStaleConsensus)
}

func TestOutlierSuppression(t *testing.T) {
	e := New(testConfig())
	now := time.Now().UTC()
	e.nowFn = func() time.Time { return now }

	// 建立足够的 trailing 历史（带轻微抖动，保证 std > 0）。
	for i := 0; i < 20; i++ {
		price := 100.0
		if i%2 == 0 {
			price = 100.2
		}
		assert.NoError(t, e.Ingest(sampleAt("binance", price, now)))
	}
	before, _ := e.Consensus("BTCUSDT")

	// 剧烈偏离自身历史的样本被抑制，不得拉动共识。
	assert.NoError(t, e.Ingest(sampleAt("binance", 200.0, now)))

	after, ok := e.Consensus("BTCUSDT")
	assert.True(t, ok)
	assert.InDelta(t, before.Price, after.Price, 1e-9)
	assert.False(t, after.Stale, "上一条正常样本仍在新鲜期，共识不因尖刺失效")

	stats := e.SourceStats()
	assert.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Outliers)

	t.Run("suppression scoped to that tick", func(t *testing.T) {
		// 尖刺之后的重算不把该源踢出：旧值继续参与。
		e.Refresh()
		r, ok := e.Consensus("BTCUSDT")
		assert.True(t, ok)
		assert.False(t, r.Stale)
		assert.InDelta(t, before.Price, r.Price, 1e-9)
	})

	t.Run("next normal sample restores the source", func(t *testing.T) {
		assert.NoError(t, e.Ingest(sampleAt("binance", 100.1, now)))
		r, ok := e.Consensus("BTCUSDT")
		assert.True(t, ok)
		assert.InDelta(t, 100.1, r.Price, 1e-9)
	})
}

// 共识价恒等于新鲜子集的加权均值：随机源数、价格、置信度与样本
// 年龄，逐轮与手算的期望对比。
func TestConsensusEqualsWeightedAverageOfFreshSubset(t *testing.T) {
	rng := rand.New(rand.NewSource(20260831))
	staleness := 3 * time.Second

	for round := 0; round < 200; round++ {
		e := New(testConfig())
		now := time.Now().UTC()
		e.nowFn = func() time.Time { return now }

		n := 1 + rng.Intn(6)
		var wantSum, wantWeight float64
		fresh := 0
		for i := 0; i < n; i++ {
			price := 50 + rng.Float64()*100
			conf := 0.1 + rng.Float64()*0.9
			age := time.Duration(rng.Intn(6000)) * time.Millisecond
			s := sampleAt(fmt.Sprintf("src-%d", i), price, now.Add(-age))
			s.Confidence = conf
			assert.NoError(t, e.Ingest(s))
			if age <= staleness {
				wantSum += price * conf
				wantWeight += conf
				fresh++
			}
		}

		reading, ok := e.Consensus("BTCUSDT")
		if fresh == 0 {
			if ok {
				assert.True(t, reading.Stale, "round %d: 无新鲜源必须标记 stale", round)
			}
			continue
		}
		assert.True(t, ok, "round %d", round)
		assert.False(t, reading.Stale, "round %d", round)
		assert.Equal(t, fresh, reading.SampleCount, "round %d", round)
		assert.InDelta(t, wantSum/wantWeight, reading.Price, 1e-9, "round %d", round)
	}
}

func TestHistoryAscendingAndBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 5
	e := New(cfg)
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		tick := now.Add(time.Duration(i) * time.Second)
		e.nowFn = func() time.Time { return tick }
		assert.NoError(t, e.Ingest(sampleAt("binance", 100.0+float64(i), tick)))
	}

	hist := e.History("BTCUSDT", 0)
	assert.Len(t, hist, 5)
	for i := 1; i < len(hist); i++ {
		assert.True(t, hist[i].ComputedAt.After(hist[i-1].ComputedAt))
		assert.Greater(t, hist[i].Price, hist[i-1].Price)
	}
}
