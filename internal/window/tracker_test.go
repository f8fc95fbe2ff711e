package window

import (
	"context"
	"testing"
	"time"

	"updown/internal/config"
	"updown/internal/store/storetest"
	"updown/internal/types"

	"github.com/stretchr/testify/assert"
)

type fakeConsensus struct {
	reading types.ConsensusReading
	ok      bool
}

func (f *fakeConsensus) Consensus(symbol string) (types.ConsensusReading, bool) {
	return f.reading, f.ok
}

func testWindowConfig() config.WindowConfig {
	return config.WindowConfig{
		DurationMin:      15,
		OpenGuardSec:     5,
		PreCloseGuardSec: 60,
		StrikeTimeoutSec: 30,
		SettleGraceSec:   90,
		ExpiryWarningSec: 45,
		RetentionCount:   8,
	}
}

func newTestTracker(fc *fakeConsensus) (*Tracker, *storetest.MemoryStore) {
	db := storetest.NewMemoryStore()
	tr := NewTracker(testWindowConfig(), []string{"BTCUSDT"}, fc, db)
	return tr, db
}

// boundary 返回一个整 15 分钟的时刻。
func boundary() time.Time {
	return time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
}

func TestWindowLifecycle(t *testing.T) {
	fc := &fakeConsensus{reading: types.ConsensusReading{Symbol: "BTCUSDT", Price: 100.00}, ok: true}
	tr, _ := newTestTracker(fc)
	ctx := context.Background()
	base := boundary()

	tr.Tick(ctx, base.Add(time.Second))
	w, ok := tr.Active("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, types.WindowStateOpen, w.State)
	assert.Equal(t, 100.00, w.StrikePrice)
	assert.Equal(t, base, w.OpenTime)
	assert.Equal(t, base.Add(15*time.Minute), w.CloseTime)

	// strike 在开窗后不可变，即使共识价变动。
	fc.reading.Price = 105.0
	tr.Tick(ctx, base.Add(6*time.Second))
	w, _ = tr.Active("BTCUSDT")
	assert.Equal(t, types.WindowStateLive, w.State)
	assert.Equal(t, 100.00, w.StrikePrice)

	tr.Tick(ctx, base.Add(14*time.Minute+30*time.Second))
	w, _ = tr.Active("BTCUSDT")
	assert.Equal(t, types.WindowStateClosing, w.State)
}

func TestInferredResolutionUpOnTie(t *testing.T) {
	fc := &fakeConsensus{reading: types.ConsensusReading{Symbol: "BTCUSDT", Price: 100.00}, ok: true}
	tr, _ := newTestTracker(fc)
	ctx := context.Background()
	base := boundary()

	var resolved []types.Window
	tr.OnResolved(func(w types.Window) { resolved = append(resolved, w) })

	tr.Tick(ctx, base.Add(time.Second))
	tr.Tick(ctx, base.Add(6*time.Second))
	tr.Tick(ctx, base.Add(14*time.Minute+30*time.Second))

	// 收盘瞬间共识价 100.06 >= strike 100.00 → Up。
	fc.reading.Price = 100.06
	tr.Tick(ctx, base.Add(15*time.Minute+time.Second))
	// 新窗口在边界同时开出，旧窗口仍在宽限期内等待。
	cur, ok := tr.Active("BTCUSDT")
	assert.True(t, ok)
	assert.NotEqual(t, base, cur.OpenTime)
	assert.Empty(t, resolved)

	tr.Tick(ctx, base.Add(15*time.Minute+91*time.Second))
	assert.Len(t, resolved, 1)
	assert.Equal(t, types.OutcomeUp, resolved[0].Outcome)
	assert.True(t, resolved[0].Provisional)
}

func TestInferredResolutionDown(t *testing.T) {
	fc := &fakeConsensus{reading: types.ConsensusReading{Symbol: "BTCUSDT", Price: 100.00}, ok: true}
	tr, _ := newTestTracker(fc)
	ctx := context.Background()
	base := boundary()

	var resolved []types.Window
	tr.OnResolved(func(w types.Window) { resolved = append(resolved, w) })

	tr.Tick(ctx, base.Add(time.Second))
	tr.Tick(ctx, base.Add(14*time.Minute+30*time.Second))
	fc.reading.Price = 99.94
	tr.Tick(ctx, base.Add(15*time.Minute+time.Second))
	tr.Tick(ctx, base.Add(15*time.Minute+91*time.Second))

	assert.Len(t, resolved, 1)
	assert.Equal(t, types.OutcomeDown, resolved[0].Outcome)
}

func TestStrikeTimeoutFailClosed(t *testing.T) {
	fc := &fakeConsensus{ok: false}
	tr, _ := newTestTracker(fc)
	ctx := context.Background()
	base := boundary()

	var resolved []types.Window
	tr.OnResolved(func(w types.Window) { resolved = append(resolved, w) })

	// 共识不可用：第一次 tick 只记录推迟，不开窗。
	tr.Tick(ctx, base.Add(time.Second))
	_, ok := tr.Active("BTCUSDT")
	assert.False(t, ok)
	assert.Empty(t, resolved)

	// 超过 strike_timeout 仍无共识 → 窗口记为 unresolved，本窗口禁止交易。
	tr.Tick(ctx, base.Add(31*time.Second))
	_, ok = tr.Active("BTCUSDT")
	assert.False(t, ok)
	assert.Len(t, resolved, 1)
	assert.Equal(t, types.OutcomeUnresolved, resolved[0].Outcome)
	assert.Equal(t, types.WindowStateResolved, resolved[0].State)
}

func TestAuthoritativeSettlementWins(t *testing.T) {
	fc := &fakeConsensus{reading: types.ConsensusReading{Symbol: "BTCUSDT", Price: 100.00}, ok: true}
	tr, db := newTestTracker(fc)
	ctx := context.Background()
	base := boundary()

	var resolved []types.Window
	tr.OnResolved(func(w types.Window) { resolved = append(resolved, w) })

	tr.Tick(ctx, base.Add(time.Second))
	tr.Tick(ctx, base.Add(14*time.Minute+30*time.Second))
	fc.reading.Price = 100.06
	tr.Tick(ctx, base.Add(15*time.Minute+time.Second))
	tr.Tick(ctx, base.Add(15*time.Minute+91*time.Second))
	assert.Len(t, resolved, 1)
	windowID := resolved[0].ID
	assert.Equal(t, types.OutcomeUp, resolved[0].Outcome)

	t.Run("divergent settlement corrects once and audits", func(t *testing.T) {
		tr.OnSettlement(ctx, windowID, types.OutcomeDown)
		recent := tr.Recent("BTCUSDT")
		var found *types.Window
		for i := range recent {
			if recent[i].ID == windowID {
				found = &recent[i]
			}
		}
		assert.NotNil(t, found)
		assert.Equal(t, types.OutcomeDown, found.Outcome)
		assert.False(t, found.Provisional)

		audits := db.Audits()
		assert.Len(t, audits, 1)
		assert.Equal(t, "settlement_divergence", audits[0].Kind)
		// 结算回调只在首次 Resolved 时触发，修正不重放。
		assert.Len(t, resolved, 1)
	})

	t.Run("duplicate settlement ignored", func(t *testing.T) {
		tr.OnSettlement(ctx, windowID, types.OutcomeUp)
		audits := db.Audits()
		assert.Len(t, audits, 1)
	})
}

func TestAuthoritativeSettlementBeforeGrace(t *testing.T) {
	fc := &fakeConsensus{reading: types.ConsensusReading{Symbol: "BTCUSDT", Price: 100.00}, ok: true}
	tr, _ := newTestTracker(fc)
	ctx := context.Background()
	base := boundary()

	var resolved []types.Window
	tr.OnResolved(func(w types.Window) { resolved = append(resolved, w) })

	tr.Tick(ctx, base.Add(time.Second))
	w, _ := tr.Active("BTCUSDT")

	// 权威结算先于推断到达：直接结算，非临时。
	tr.OnSettlement(ctx, w.ID, types.OutcomeDown)
	assert.Len(t, resolved, 1)
	assert.Equal(t, types.OutcomeDown, resolved[0].Outcome)
	assert.False(t, resolved[0].Provisional)

	_, ok := tr.Active("BTCUSDT")
	assert.False(t, ok)
}

func TestRestoreUnresolvedOnInit(t *testing.T) {
	fc := &fakeConsensus{reading: types.ConsensusReading{Symbol: "BTCUSDT", Price: 100.00}, ok: true}
	tr, db := newTestTracker(fc)
	ctx := context.Background()
	base := boundary()

	tr.Tick(ctx, base.Add(time.Second))
	w, _ := tr.Active("BTCUSDT")

	// 重启：新 tracker 从存储恢复未决窗口，strike 不丢。
	tr2 := NewTracker(testWindowConfig(), []string{"BTCUSDT"}, fc, db)
	assert.NoError(t, tr2.Init(ctx))
	restored, ok := tr2.Active("BTCUSDT")
	assert.True(t, ok)
	assert.Equal(t, w.ID, restored.ID)
	assert.Equal(t, w.StrikePrice, restored.StrikePrice)
}
