// Package reconciler 周期性核对内存仓位与持久层。持久层是唯一可写的
// 事实源，内存只是缓存，分歧一律向库收敛；滞留 intent 按
// orphan_policy 处理。全部动作幂等，重复对账不产生新副作用。
package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"updown/internal/component"
	"updown/internal/config"
	"updown/internal/errkind"
	"updown/internal/logger"
	"updown/internal/store"
	"updown/internal/store/model"
	"updown/internal/types"

	"gorm.io/datatypes"
)

const (
	PolicyRedrive = "redrive"
	PolicyAbandon = "abandon"
)

// PositionView 是对账器对策略引擎的最小依赖。Correct/Forget 是
// 对账器的纠偏入口：内存仓位被持久层记录覆盖或移除。
type PositionView interface {
	Positions() []types.Position
	OnExecuted(ctx context.Context, it types.Intent)
	Correct(stored types.Position)
	Forget(windowID, strategyID string)
}

// IntentLog 是对账器对 intent 账本的最小依赖。
type IntentLog interface {
	Unresolved(ctx context.Context, olderThan time.Time) ([]types.Intent, error)
	MarkFailed(ctx context.Context, intentID, reason string) error
	Get(ctx context.Context, intentID string) (*types.Intent, error)
	Enqueue(it types.Intent) bool
}

type Reconciler struct {
	cfg       config.ReconcilerConfig
	staleness time.Duration
	engine    PositionView
	intents   IntentLog
	db        store.Store
	log       *logger.Component

	initialized bool
	lastRun     time.Time
	runs        int64
	mismatches  int64
	orphans     int64
	nowFn       func() time.Time
}

func New(cfg config.ReconcilerConfig, intentStaleness time.Duration,
	engine PositionView, intents IntentLog, db store.Store) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		staleness: intentStaleness,
		engine:    engine,
		intents:   intents,
		db:        db,
		log:       logger.WithComponent("reconciler"),
		nowFn:     time.Now,
	}
}

func (r *Reconciler) Name() string { return "reconciler" }

// Init 在启动时先跑一轮完整对账，崩溃残留在进程服务前清理干净。
func (r *Reconciler) Init(ctx context.Context) error {
	r.initialized = true
	return r.Reconcile(ctx)
}

func (r *Reconciler) Shutdown(ctx context.Context) error { return nil }

func (r *Reconciler) GetState() component.State {
	return component.State{
		Name:        "reconciler",
		Initialized: r.initialized,
		LastRunAt:   r.lastRun,
		Counters: map[string]int64{
			"runs":       r.runs,
			"mismatches": r.mismatches,
			"orphans":    r.orphans,
		},
	}
}

// Run 按固定间隔循环对账直至 ctx 取消。
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.log.Errorf("对账失败 err=%v", err)
			}
		}
	}
}

// Reconcile 执行一轮对账，受时间预算约束。
func (r *Reconciler) Reconcile(ctx context.Context) error {
	now := r.nowFn().UTC()
	r.lastRun = now
	r.runs++

	budget := r.cfg.TimeBudget()
	if budget <= 0 {
		budget = 30 * time.Second
	}
	ctx, cancel := context.WithTimeoutCause(ctx, budget, errkind.ErrReconciliationTimeout)
	defer cancel()

	if err := r.reconcilePositions(ctx, now); err != nil {
		return err
	}
	return r.reconcileIntents(ctx, now)
}

// reconcilePositions 核对内存仓位与持久层。持久层为准：状态不一致
// 时覆盖内存，库里没有的内存仓位被移除，库里有而内存没有的按
// orphan_policy 回灌或废弃。
func (r *Reconciler) reconcilePositions(ctx context.Context, now time.Time) error {
	uow, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	persisted, err := uow.Positions().ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	persistedByID := make(map[string]types.Position, len(persisted))
	for _, p := range persisted {
		persistedByID[p.ID] = p
	}

	memory := r.engine.Positions()
	memoryIDs := make(map[string]struct{}, len(memory))
	var dirty bool
	for _, m := range memory {
		memoryIDs[m.ID] = struct{}{}
		if stored, ok := persistedByID[m.ID]; ok {
			if stored.State == m.State {
				continue
			}
			// state-mismatch：库为准，内存被覆盖。
			r.mismatches++
			r.log.Warnf("仓位状态不一致 position=%s memory=%s store=%s，以库为准",
				m.ID, m.State, stored.State)
			r.engine.Correct(stored)
			r.audit(ctx, uow, "position_state_mismatch", m.WindowID, m.ID,
				"memory "+m.State.String()+" -> store "+stored.State.String())
			dirty = true
			continue
		}
		// memory-only：库的非终态集合里没有。可能库里已是终态，
		// 也可能压根没写进去过，两种都以库为准纠内存。
		r.mismatches++
		full, err := uow.Positions().FindByID(ctx, m.ID)
		if err != nil {
			return err
		}
		if full != nil {
			r.log.Warnf("仓位在库中已终态 position=%s memory=%s store=%s，内存同步",
				m.ID, m.State, full.State)
			r.engine.Correct(*full)
			r.audit(ctx, uow, "position_memory_only", m.WindowID, m.ID,
				"memory corrected to stored "+full.State.String())
		} else {
			r.log.Errorf("仓位仅存在于内存，持久层无记录，移除 position=%s window=%s", m.ID, m.WindowID)
			r.engine.Forget(m.WindowID, m.StrategyID)
			r.audit(ctx, uow, "position_memory_only", m.WindowID, m.ID,
				"no persisted record, dropped from memory")
		}
		dirty = true
	}

	// persisted-only：库里非终态但内存没有（崩溃残留）。redrive 策略
	// 回灌内存，滞留 intent 重驱确认后有仓位可挂；abandon 策略
	// fail-closed 置为 abandoned，留审计追查。
	for _, p := range persisted {
		if _, ok := memoryIDs[p.ID]; ok {
			continue
		}
		r.mismatches++
		if r.cfg.OrphanPolicy == PolicyRedrive {
			r.log.Warnf("仓位仅存在于持久层，回灌内存 position=%s window=%s state=%s", p.ID, p.WindowID, p.State)
			r.engine.Correct(p)
			r.audit(ctx, uow, "position_persisted_only", p.WindowID, p.ID, "rehydrated into memory")
			dirty = true
			continue
		}
		p := p
		p.State = types.PositionStateAbandoned
		p.UpdatedAt = now
		p.ClosedAt = now
		r.log.Errorf("仓位仅存在于持久层，置为 abandoned position=%s window=%s", p.ID, p.WindowID)
		if err := uow.Positions().Save(ctx, &p); err != nil {
			return err
		}
		r.audit(ctx, uow, "position_persisted_only", p.WindowID, p.ID, "abandoned by reconciler")
		dirty = true
	}

	if !dirty {
		return nil
	}
	return uow.Commit()
}

// reconcileIntents 处理超过新鲜期仍未终态的滞留 intent。
func (r *Reconciler) reconcileIntents(ctx context.Context, now time.Time) error {
	stale, err := r.intents.Unresolved(ctx, now.Add(-r.staleness))
	if err != nil {
		return err
	}
	for _, it := range stale {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		r.orphans++
		switch r.cfg.OrphanPolicy {
		case PolicyRedrive:
			r.log.Warnf("滞留 intent redrive id=%s type=%s attempts=%d", it.ID, it.Type, it.Attempts)
			r.intents.Enqueue(it)
		default:
			r.log.Warnf("滞留 intent 废弃 id=%s type=%s attempts=%d", it.ID, it.Type, it.Attempts)
			if err := r.intents.MarkFailed(ctx, it.ID, "abandoned by reconciler: stale beyond threshold"); err != nil {
				r.log.Errorf("废弃滞留 intent 失败 id=%s err=%v", it.ID, err)
				continue
			}
			// 通知引擎推进仓位状态机（入场失败/离场回退）。
			if fresh, err := r.intents.Get(ctx, it.ID); err == nil && fresh != nil {
				r.engine.OnExecuted(ctx, *fresh)
			}
			r.auditOrphan(ctx, it)
		}
	}
	return nil
}

func (r *Reconciler) audit(ctx context.Context, uow store.UnitOfWork, kind, windowID, positionID, reason string) {
	detail, _ := json.Marshal(map[string]any{"position_id": positionID})
	rec := &model.AuditModel{
		Kind:     kind,
		WindowID: windowID,
		Reason:   reason,
		Detail:   datatypes.JSON(detail),
	}
	if err := uow.Audits().Insert(ctx, rec); err != nil {
		r.log.Errorf("对账审计写入失败 kind=%s position=%s err=%v", kind, positionID, err)
	}
}

func (r *Reconciler) auditOrphan(ctx context.Context, it types.Intent) {
	uow, err := r.db.Begin(ctx)
	if err != nil {
		return
	}
	detail, _ := json.Marshal(map[string]any{
		"intent_id": it.ID,
		"type":      it.Type.String(),
		"attempts":  it.Attempts,
	})
	rec := &model.AuditModel{
		Kind:     "orphan_intent",
		WindowID: it.WindowID,
		Reason:   "stale intent " + r.cfg.OrphanPolicy,
		Detail:   datatypes.JSON(detail),
	}
	if err := uow.Audits().Insert(ctx, rec); err != nil {
		uow.Rollback()
		return
	}
	if err := uow.Commit(); err != nil {
		r.log.Errorf("滞留 intent 审计提交失败 id=%s err=%v", it.ID, err)
	}
}
