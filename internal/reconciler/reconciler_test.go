package reconciler

import (
	"context"
	"testing"
	"time"

	"updown/internal/config"
	"updown/internal/ledger"
	"updown/internal/store/storetest"
	"updown/internal/types"

	"github.com/stretchr/testify/assert"
)

type fakeEngine struct {
	positions []types.Position
	executed  []types.Intent
	corrected []types.Position
	forgotten []string
}

func (f *fakeEngine) Positions() []types.Position { return f.positions }

func (f *fakeEngine) OnExecuted(ctx context.Context, it types.Intent) {
	f.executed = append(f.executed, it)
}

func (f *fakeEngine) Correct(stored types.Position) {
	f.corrected = append(f.corrected, stored)
	for i := range f.positions {
		if f.positions[i].ID == stored.ID {
			if stored.State.Terminal() {
				f.positions = append(f.positions[:i], f.positions[i+1:]...)
			} else {
				f.positions[i] = stored
			}
			return
		}
	}
	if !stored.State.Terminal() {
		f.positions = append(f.positions, stored)
	}
}

func (f *fakeEngine) Forget(windowID, strategyID string) {
	f.forgotten = append(f.forgotten, windowID+"/"+strategyID)
	for i := range f.positions {
		if f.positions[i].WindowID == windowID && f.positions[i].StrategyID == strategyID {
			f.positions = append(f.positions[:i], f.positions[i+1:]...)
			return
		}
	}
}

func testReconcilerConfig(policy string) config.ReconcilerConfig {
	return config.ReconcilerConfig{IntervalSec: 60, TimeBudgetSec: 20, OrphanPolicy: policy}
}

func newRecRig(policy string) (*Reconciler, *fakeEngine, *ledger.Ledger, *storetest.MemoryStore) {
	db := storetest.NewMemoryStore()
	led := ledger.New(config.LedgerConfig{}, db)
	engine := &fakeEngine{}
	rec := New(testReconcilerConfig(policy), 2*time.Minute, engine, led, db)
	return rec, engine, led, db
}

func livePosition(id, state string) types.Position {
	st := types.PositionStateOpen
	if state == "exit_pending" {
		st = types.PositionStateExitPending
	}
	return types.Position{
		ID: id, WindowID: "w1", StrategyID: "s-" + id,
		Side: types.SideUp, SizeDollars: 100, EntryPrice: 0.5, State: st,
	}
}

func TestReconcilePersistedOnlyAbandoned(t *testing.T) {
	rec, _, _, db := newRecRig(PolicyAbandon)
	db.SeedPosition(livePosition("p1", "open"))

	assert.NoError(t, rec.Reconcile(context.Background()))

	uow, _ := db.Begin(context.Background())
	defer uow.Rollback()
	stored, err := uow.Positions().FindByID(context.Background(), "p1")
	assert.NoError(t, err)
	assert.Equal(t, types.PositionStateAbandoned, stored.State)

	audits := db.Audits()
	assert.Len(t, audits, 1)
	assert.Equal(t, "position_persisted_only", audits[0].Kind)
}

func TestReconcilePersistedOnlyRehydratedUnderRedrive(t *testing.T) {
	rec, engine, led, db := newRecRig(PolicyRedrive)
	p := livePosition("p1", "open")
	db.SeedPosition(p)
	it := staleIntent("i1")
	it.StrategyID = p.StrategyID
	db.SeedIntent(it)

	assert.NoError(t, rec.Reconcile(context.Background()))

	// redrive 策略下崩溃残留的仓位先回灌内存，重驱确认后有仓位可挂。
	assert.Len(t, engine.positions, 1)
	assert.Equal(t, "p1", engine.positions[0].ID)
	assert.Equal(t, types.PositionStateOpen, engine.positions[0].State)

	uow, _ := db.Begin(context.Background())
	defer uow.Rollback()
	stored, _ := uow.Positions().FindByID(context.Background(), "p1")
	assert.Equal(t, types.PositionStateOpen, stored.State, "redrive 不得废弃仓位")

	select {
	case got := <-led.Queue():
		assert.Equal(t, "i1", got.ID)
	default:
		t.Fatal("滞留 intent 应重新入队")
	}

	kinds := make([]string, 0)
	for _, a := range db.Audits() {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, "position_persisted_only")

	t.Run("second pass adds nothing", func(t *testing.T) {
		before := len(db.Audits())
		assert.NoError(t, rec.Reconcile(context.Background()))
		assert.Len(t, db.Audits(), before)
	})
}

func TestReconcileStateMismatchStoreWins(t *testing.T) {
	rec, engine, _, db := newRecRig(PolicyAbandon)
	db.SeedPosition(livePosition("p1", "exit_pending"))
	engine.positions = []types.Position{livePosition("p1", "open")}

	assert.NoError(t, rec.Reconcile(context.Background()))

	// 库不被内存覆盖，内存被库纠正。
	uow, _ := db.Begin(context.Background())
	defer uow.Rollback()
	stored, _ := uow.Positions().FindByID(context.Background(), "p1")
	assert.Equal(t, types.PositionStateExitPending, stored.State)

	assert.Len(t, engine.corrected, 1)
	assert.Equal(t, types.PositionStateExitPending, engine.corrected[0].State)
	assert.Equal(t, types.PositionStateExitPending, engine.positions[0].State)

	audits := db.Audits()
	assert.Len(t, audits, 1)
	assert.Equal(t, "position_state_mismatch", audits[0].Kind)

	t.Run("second pass adds nothing", func(t *testing.T) {
		assert.NoError(t, rec.Reconcile(context.Background()))
		assert.Len(t, db.Audits(), 1)
	})
}

func TestReconcileMemoryOnlyDropped(t *testing.T) {
	rec, engine, _, db := newRecRig(PolicyAbandon)
	engine.positions = []types.Position{livePosition("p1", "open")}

	assert.NoError(t, rec.Reconcile(context.Background()))

	// 持久层没有记录：内存条目被移除，库里不会凭空多出一条。
	uow, _ := db.Begin(context.Background())
	defer uow.Rollback()
	stored, err := uow.Positions().FindByID(context.Background(), "p1")
	assert.NoError(t, err)
	assert.Nil(t, stored)

	assert.Equal(t, []string{"w1/s-p1"}, engine.forgotten)
	assert.Empty(t, engine.positions)

	audits := db.Audits()
	assert.Len(t, audits, 1)
	assert.Equal(t, "position_memory_only", audits[0].Kind)
}

func TestReconcileMemoryOnlyTerminalInStore(t *testing.T) {
	rec, engine, _, db := newRecRig(PolicyAbandon)
	closed := livePosition("p1", "open")
	closed.State = types.PositionStateClosed
	db.SeedPosition(closed)
	engine.positions = []types.Position{livePosition("p1", "open")}

	assert.NoError(t, rec.Reconcile(context.Background()))

	// 库里已终态：内存同步到终态（即移除），不回写库。
	assert.Len(t, engine.corrected, 1)
	assert.Equal(t, types.PositionStateClosed, engine.corrected[0].State)
	assert.Empty(t, engine.positions)

	audits := db.Audits()
	assert.Len(t, audits, 1)
	assert.Equal(t, "position_memory_only", audits[0].Kind)
}

func TestReconcileIdempotent(t *testing.T) {
	rec, engine, _, db := newRecRig(PolicyAbandon)
	db.SeedPosition(livePosition("p1", "open"))
	engine.positions = []types.Position{livePosition("p1", "open")}

	assert.NoError(t, rec.Reconcile(context.Background()))
	assert.Empty(t, db.Audits(), "一致状态不产生审计")

	t.Run("second pass adds nothing", func(t *testing.T) {
		assert.NoError(t, rec.Reconcile(context.Background()))
		assert.Empty(t, db.Audits())
	})
}

func staleIntent(id string) types.Intent {
	return types.Intent{
		ID: id, Type: types.IntentEnter, WindowID: "w1", StrategyID: "s1",
		Payload:   types.IntentPayload{PositionID: "p1", Side: types.SideUp, SizeDollars: 100},
		Status:    types.IntentStatusExecuting,
		Attempts:  2,
		CreatedAt: time.Now().UTC().Add(-10 * time.Minute),
	}
}

func TestOrphanAbandonPolicy(t *testing.T) {
	rec, engine, led, db := newRecRig(PolicyAbandon)
	db.SeedIntent(staleIntent("i1"))

	assert.NoError(t, rec.Reconcile(context.Background()))

	got, err := led.Get(context.Background(), "i1")
	assert.NoError(t, err)
	assert.Equal(t, types.IntentStatusFailed, got.Status)
	assert.Contains(t, got.Reason, "abandoned by reconciler")

	// 引擎收到终态通知，能推进仓位状态机。
	assert.Len(t, engine.executed, 1)
	assert.Equal(t, "i1", engine.executed[0].ID)
	assert.Equal(t, types.IntentStatusFailed, engine.executed[0].Status)

	audits := db.Audits()
	assert.Len(t, audits, 1)
	assert.Equal(t, "orphan_intent", audits[0].Kind)

	t.Run("second pass skips terminal intent", func(t *testing.T) {
		assert.NoError(t, rec.Reconcile(context.Background()))
		assert.Len(t, engine.executed, 1)
		assert.Len(t, db.Audits(), 1)
	})
}

func TestOrphanRedrivePolicy(t *testing.T) {
	rec, engine, led, db := newRecRig(PolicyRedrive)
	db.SeedIntent(staleIntent("i1"))

	assert.NoError(t, rec.Reconcile(context.Background()))

	select {
	case it := <-led.Queue():
		assert.Equal(t, "i1", it.ID)
	default:
		t.Fatal("redrive 应把滞留 intent 重新入队")
	}

	got, _ := led.Get(context.Background(), "i1")
	assert.Equal(t, types.IntentStatusExecuting, got.Status, "redrive 不改 intent 状态")
	assert.Empty(t, engine.executed)
}

func TestFreshIntentLeftAlone(t *testing.T) {
	rec, engine, led, db := newRecRig(PolicyAbandon)
	it := staleIntent("i1")
	it.CreatedAt = time.Now().UTC().Add(-10 * time.Second)
	db.SeedIntent(it)

	assert.NoError(t, rec.Reconcile(context.Background()))

	got, _ := led.Get(context.Background(), "i1")
	assert.Equal(t, types.IntentStatusExecuting, got.Status)
	assert.Empty(t, engine.executed)
	assert.Empty(t, db.Audits())
}
