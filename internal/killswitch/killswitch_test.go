package killswitch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"updown/internal/component"
	"updown/internal/config"
	"updown/internal/store/storetest"
	"updown/internal/types"

	"github.com/stretchr/testify/assert"
)

type fakeHalter struct{ halted atomic.Bool }

func (f *fakeHalter) Halt() { f.halted.Store(true) }

type fakePositions struct {
	positions []types.Position
	exposure  float64
}

func (f *fakePositions) Positions() []types.Position { return f.positions }
func (f *fakePositions) TotalExposure() float64      { return f.exposure }

type fakeIntents struct {
	live   []types.Intent
	failed []string
}

func (f *fakeIntents) Unresolved(ctx context.Context, olderThan time.Time) ([]types.Intent, error) {
	return f.live, nil
}

func (f *fakeIntents) MarkFailed(ctx context.Context, intentID, reason string) error {
	f.failed = append(f.failed, intentID)
	return nil
}

func testKillConfig(dir string) config.KillSwitchConfig {
	return config.KillSwitchConfig{
		SnapshotIntervalSec:  30,
		SnapshotPath:         filepath.Join(dir, "snapshot.json"),
		TriggerPath:          filepath.Join(dir, "KILL"),
		LivenessStalenessSec: 30,
		GracefulTimeoutSec:   1,
	}
}

type killRig struct {
	sw       *Switch
	engine   *fakeHalter
	exec     *fakeHalter
	pos      *fakePositions
	intents  *fakeIntents
	db       *storetest.MemoryStore
	stops    atomic.Int32
	stopDone chan struct{}
}

func newKillRig(t *testing.T) *killRig {
	t.Helper()
	rig := &killRig{
		engine:   &fakeHalter{},
		exec:     &fakeHalter{},
		pos:      &fakePositions{exposure: 150},
		intents:  &fakeIntents{},
		db:       storetest.NewMemoryStore(),
		stopDone: make(chan struct{}),
	}
	rig.sw = New(testKillConfig(t.TempDir()), rig.pos, rig.intents, rig.db, func() {
		rig.stops.Add(1)
		close(rig.stopDone)
	})
	rig.sw.AddHalter(rig.engine)
	rig.sw.AddHalter(rig.exec)
	return rig
}

func (r *killRig) waitStopped(t *testing.T) {
	t.Helper()
	select {
	case <-r.stopDone:
	case <-time.After(5 * time.Second):
		t.Fatal("kill switch 未在限期内走到 Stopped")
	}
}

func TestTriggerHaltsAndStops(t *testing.T) {
	rig := newKillRig(t)
	assert.NoError(t, rig.sw.Init(context.Background()))
	assert.Equal(t, PhaseArmed, rig.sw.Phase())

	rig.sw.Trigger(context.Background(), "manual")
	assert.True(t, rig.engine.halted.Load())
	assert.True(t, rig.exec.halted.Load())

	rig.waitStopped(t)
	assert.Equal(t, PhaseStopped, rig.sw.Phase())
	assert.Equal(t, int32(1), rig.stops.Load())

	t.Run("retrigger is ignored", func(t *testing.T) {
		rig.sw.Trigger(context.Background(), "again")
		assert.Equal(t, PhaseStopped, rig.sw.Phase())
		assert.Equal(t, int32(1), rig.stops.Load())
	})
}

func TestDrainForceFailsUnresolved(t *testing.T) {
	rig := newKillRig(t)
	assert.NoError(t, rig.sw.Init(context.Background()))
	rig.intents.live = []types.Intent{
		{ID: "i1", Type: types.IntentEnter, Status: types.IntentStatusExecuting},
		{ID: "i2", Type: types.IntentExit, Status: types.IntentStatusPending},
	}

	rig.sw.Trigger(context.Background(), "manual")
	rig.waitStopped(t)

	assert.ElementsMatch(t, []string{"i1", "i2"}, rig.intents.failed)
}

func TestSnapshotWritesFileAndStore(t *testing.T) {
	rig := newKillRig(t)
	assert.NoError(t, rig.sw.Init(context.Background()))
	rig.pos.positions = []types.Position{{ID: "p1", WindowID: "w1", SizeDollars: 150, State: types.PositionStateOpen}}

	rig.sw.Snapshot(context.Background())

	raw, err := os.ReadFile(rig.sw.cfg.SnapshotPath)
	assert.NoError(t, err)
	var payload map[string]any
	assert.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "armed", payload["phase"])
	assert.InDelta(t, 150.0, payload["exposure_usd"], 1e-9)

	snaps := rig.db.Snapshots()
	assert.Len(t, snaps, 1)
	assert.Equal(t, "armed", snaps[0].Phase)
	assert.Equal(t, 1, snaps[0].OpenPositions)
	assert.InDelta(t, 150.0, snaps[0].ExposureUSD, 1e-9)
}

func TestTriggerFilePresentAtStartup(t *testing.T) {
	rig := newKillRig(t)
	assert.NoError(t, os.WriteFile(rig.sw.cfg.TriggerPath, []byte("halt"), 0o644))

	assert.NoError(t, rig.sw.Init(context.Background()))

	assert.True(t, rig.engine.halted.Load(), "启动时发现触发文件应立即触发")
	rig.waitStopped(t)
	assert.Equal(t, PhaseStopped, rig.sw.Phase())
}

func TestTriggerFileCreationDetected(t *testing.T) {
	rig := newKillRig(t)
	assert.NoError(t, rig.sw.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rig.sw.Run(ctx) }()

	time.Sleep(100 * time.Millisecond) // 等 watcher 就绪
	assert.NoError(t, os.WriteFile(rig.sw.cfg.TriggerPath, []byte("halt"), 0o644))

	rig.waitStopped(t)
	assert.True(t, rig.engine.halted.Load())
	assert.True(t, rig.exec.halted.Load())
}

func TestLivenessTriggersOnStaleSnapshot(t *testing.T) {
	rig := newKillRig(t)
	base := time.Now().UTC()
	rig.sw.nowFn = func() time.Time { return base }
	assert.NoError(t, rig.sw.Init(context.Background()))

	// 阈值 30s：启动后一直没有成功快照即触发。
	rig.sw.checkLiveness(context.Background(), base.Add(40*time.Second))

	assert.True(t, rig.engine.halted.Load())
	rig.waitStopped(t)
	assert.Equal(t, PhaseStopped, rig.sw.Phase())
}

func TestSnapshotSuccessRefreshesLiveness(t *testing.T) {
	rig := newKillRig(t)
	base := time.Now().UTC()
	now := base
	rig.sw.nowFn = func() time.Time { return now }
	assert.NoError(t, rig.sw.Init(context.Background()))

	now = base.Add(25 * time.Second)
	rig.sw.Snapshot(context.Background())

	// 启动基线已超 30s，但最近一次快照成功落库，不触发。
	rig.sw.checkLiveness(context.Background(), base.Add(40*time.Second))
	assert.False(t, rig.engine.halted.Load())
	assert.Equal(t, PhaseArmed, rig.sw.Phase())

	t.Run("stale again without further snapshots", func(t *testing.T) {
		rig.sw.checkLiveness(context.Background(), base.Add(60*time.Second))
		assert.True(t, rig.engine.halted.Load())
		rig.waitStopped(t)
	})
}

func TestIdleIntentFlowDoesNotTrip(t *testing.T) {
	// 账本/执行器这类事件驱动组件空闲时不更新 LastRunAt；只要
	// 快照按时成功，整条流水线闲着也不该被判死。
	rig := newKillRig(t)
	assert.NoError(t, rig.sw.Init(context.Background()))

	rig.sw.Snapshot(context.Background())
	rig.sw.checkLiveness(context.Background(), time.Now().UTC().Add(10*time.Second))

	assert.False(t, rig.engine.halted.Load())
	assert.False(t, rig.exec.halted.Load())
	assert.Equal(t, PhaseArmed, rig.sw.Phase())
}

type staleSource struct{ last time.Time }

func (s *staleSource) Name() string { return "stale-component" }

func (s *staleSource) GetState() component.State {
	return component.State{Name: "stale-component", Initialized: true, LastRunAt: s.last}
}

func TestLivenessTriggersOnStaleComponent(t *testing.T) {
	rig := newKillRig(t)
	assert.NoError(t, rig.sw.Init(context.Background()))
	rig.sw.Watch(&staleSource{last: time.Now().UTC().Add(-5 * time.Minute)})

	rig.sw.checkLiveness(context.Background(), time.Now().UTC())

	assert.True(t, rig.engine.halted.Load())
	rig.waitStopped(t)
}

func TestLivenessIgnoresNeverRunComponent(t *testing.T) {
	rig := newKillRig(t)
	assert.NoError(t, rig.sw.Init(context.Background()))
	rig.sw.Watch(&staleSource{}) // LastRunAt 零值：尚未开跑，不算失活

	rig.sw.checkLiveness(context.Background(), time.Now().UTC())

	assert.False(t, rig.engine.halted.Load())
	assert.Equal(t, PhaseArmed, rig.sw.Phase())
}
