// Package storetest 提供纯内存的 Store 实现，供各组件测试使用。
// 写入立即生效，Commit/Rollback 为空操作。
package storetest

import (
	"context"
	"sync"
	"time"

	"updown/internal/store"
	"updown/internal/store/model"
	"updown/internal/types"
)

type MemoryStore struct {
	mu        sync.Mutex
	windows   map[string]types.Window
	positions map[string]types.Position
	intents   map[string]types.Intent
	audits    []model.AuditModel
	snapshots []model.SnapshotModel
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:   make(map[string]types.Window),
		positions: make(map[string]types.Position),
		intents:   make(map[string]types.Intent),
	}
}

func (m *MemoryStore) Begin(ctx context.Context) (store.UnitOfWork, error) {
	return &memoryUow{store: m}, nil
}

func (m *MemoryStore) Close() error { return nil }

// Audits 返回全部审计记录的拷贝（断言用）。
func (m *MemoryStore) Audits() []model.AuditModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditModel(nil), m.audits...)
}

// Snapshots 返回全部快照记录的拷贝（断言用）。
func (m *MemoryStore) Snapshots() []model.SnapshotModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SnapshotModel(nil), m.snapshots...)
}

// SeedPosition 直接写入一条仓位（构造测试前置状态）。
func (m *MemoryStore) SeedPosition(p types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[p.ID] = p
}

// SeedIntent 直接写入一条 intent。
func (m *MemoryStore) SeedIntent(it types.Intent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[it.ID] = it
}

type memoryUow struct {
	store *MemoryStore
}

func (u *memoryUow) Commit() error   { return nil }
func (u *memoryUow) Rollback() error { return nil }

func (u *memoryUow) Windows() store.WindowRepository     { return &windowRepo{u.store} }
func (u *memoryUow) Positions() store.PositionRepository { return &positionRepo{u.store} }
func (u *memoryUow) Intents() store.IntentRepository     { return &intentRepo{u.store} }
func (u *memoryUow) Audits() store.AuditRepository       { return &auditRepo{u.store} }
func (u *memoryUow) Snapshots() store.SnapshotRepository { return &snapshotRepo{u.store} }

type windowRepo struct{ s *MemoryStore }

func (r *windowRepo) Save(ctx context.Context, w *types.Window) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.windows[w.ID] = *w
	return nil
}

func (r *windowRepo) FindByID(ctx context.Context, windowID string) (*types.Window, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if w, ok := r.s.windows[windowID]; ok {
		cp := w
		return &cp, nil
	}
	return nil, nil
}

func (r *windowRepo) ListUnresolved(ctx context.Context) ([]types.Window, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []types.Window
	for _, w := range r.s.windows {
		if w.State != types.WindowStateResolved {
			out = append(out, w)
		}
	}
	return out, nil
}

func (r *windowRepo) ListRecent(ctx context.Context, symbol string, limit int) ([]types.Window, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []types.Window
	for _, w := range r.s.windows {
		if w.Symbol == symbol {
			out = append(out, w)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type positionRepo struct{ s *MemoryStore }

func (r *positionRepo) Save(ctx context.Context, p *types.Position) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.positions[p.ID] = *p
	return nil
}

func (r *positionRepo) FindByID(ctx context.Context, positionID string) (*types.Position, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if p, ok := r.s.positions[positionID]; ok {
		cp := p
		return &cp, nil
	}
	return nil, nil
}

func (r *positionRepo) FindLive(ctx context.Context, windowID, strategyID string) (*types.Position, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.positions {
		if p.WindowID == windowID && p.StrategyID == strategyID && !p.State.Terminal() {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *positionRepo) ListNonTerminal(ctx context.Context) ([]types.Position, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []types.Position
	for _, p := range r.s.positions {
		if !p.State.Terminal() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *positionRepo) ListByWindow(ctx context.Context, windowID string) ([]types.Position, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []types.Position
	for _, p := range r.s.positions {
		if p.WindowID == windowID {
			out = append(out, p)
		}
	}
	return out, nil
}

type intentRepo struct{ s *MemoryStore }

func (r *intentRepo) Insert(ctx context.Context, it *types.Intent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.intents[it.ID] = *it
	return nil
}

func (r *intentRepo) Update(ctx context.Context, it *types.Intent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.intents[it.ID] = *it
	return nil
}

func (r *intentRepo) FindByID(ctx context.Context, intentID string) (*types.Intent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if it, ok := r.s.intents[intentID]; ok {
		cp := it
		return &cp, nil
	}
	return nil, nil
}

func (r *intentRepo) FindLive(ctx context.Context, windowID, strategyID string, typ types.IntentType) (*types.Intent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, it := range r.s.intents {
		if it.WindowID == windowID && it.StrategyID == strategyID && it.Type == typ && !it.Status.Terminal() {
			cp := it
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *intentRepo) ListUnresolved(ctx context.Context, olderThan time.Time) ([]types.Intent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []types.Intent
	for _, it := range r.s.intents {
		if !it.Status.Terminal() && it.CreatedAt.Before(olderThan) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (r *intentRepo) ListByWindow(ctx context.Context, windowID string) ([]types.Intent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []types.Intent
	for _, it := range r.s.intents {
		if it.WindowID == windowID {
			out = append(out, it)
		}
	}
	return out, nil
}

type auditRepo struct{ s *MemoryStore }

func (r *auditRepo) Insert(ctx context.Context, rec *model.AuditModel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec.ID = int64(len(r.s.audits) + 1)
	r.s.audits = append(r.s.audits, *rec)
	return nil
}

func (r *auditRepo) ListRecent(ctx context.Context, limit int) ([]model.AuditModel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := append([]model.AuditModel(nil), r.s.audits...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type snapshotRepo struct{ s *MemoryStore }

func (r *snapshotRepo) Insert(ctx context.Context, rec *model.SnapshotModel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec.ID = int64(len(r.s.snapshots) + 1)
	r.s.snapshots = append(r.s.snapshots, *rec)
	return nil
}

func (r *snapshotRepo) Latest(ctx context.Context) (*model.SnapshotModel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if len(r.s.snapshots) == 0 {
		return nil, nil
	}
	cp := r.s.snapshots[len(r.s.snapshots)-1]
	return &cp, nil
}
