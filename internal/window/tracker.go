// Package window 维护每个 symbol 的 15 分钟窗口状态机：
// Open → Live → Closing → Resolved。strike 在开窗瞬间从共识价锁定，
// 之后不可变；状态只前进不回退。
package window

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"updown/internal/component"
	"updown/internal/config"
	"updown/internal/logger"
	"updown/internal/store"
	"updown/internal/store/model"
	"updown/internal/types"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ConsensusSource 是 tracker 对共识引擎的最小依赖。
type ConsensusSource interface {
	Consensus(symbol string) (types.ConsensusReading, bool)
}

// ResolvedFunc 在窗口到达 Resolved 时回调（持锁外调用）。
type ResolvedFunc func(w types.Window)

type Tracker struct {
	cfg       config.WindowConfig
	consensus ConsensusSource
	db        store.Store
	log       *logger.Component

	mu      sync.Mutex
	symbols []string
	current map[string]*types.Window
	// pending 保存已滚动到下一窗口但仍在结算宽限期内的旧窗口。
	pending map[string][]*types.Window
	// deferred 记录已越过边界但因共识不可用而推迟开窗的时刻。
	deferred map[string]time.Time
	// closeMark 记录 Closing 窗口在收盘瞬间捕获的共识价。
	closeMark map[string]float64
	recent    map[string][]types.Window
	onResolve []ResolvedFunc

	initialized bool
	lastRun     time.Time
	opened      int64
	resolved    int64
	divergences int64
	nowFn       func() time.Time
}

func NewTracker(cfg config.WindowConfig, symbols []string, cs ConsensusSource, db store.Store) *Tracker {
	up := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			up = append(up, s)
		}
	}
	return &Tracker{
		cfg:       cfg,
		consensus: cs,
		db:        db,
		log:       logger.WithComponent("window"),
		symbols:   up,
		current:   make(map[string]*types.Window),
		pending:   make(map[string][]*types.Window),
		deferred:  make(map[string]time.Time),
		closeMark: make(map[string]float64),
		recent:    make(map[string][]types.Window),
		nowFn:     time.Now,
	}
}

func (t *Tracker) Name() string { return "window" }

// Init 从存储恢复未决窗口，避免重启后丢失 strike。
func (t *Tracker) Init(ctx context.Context) error {
	uow, err := t.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()
	pending, err := uow.Windows().ListUnresolved(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	for i := range pending {
		w := pending[i]
		t.current[w.Symbol] = &w
		t.log.Infof("恢复未决窗口 %s state=%s strike=%.6f", w.ID, w.State, w.StrikePrice)
	}
	t.initialized = true
	t.mu.Unlock()
	return nil
}

func (t *Tracker) Shutdown(ctx context.Context) error { return nil }

func (t *Tracker) GetState() component.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return component.State{
		Name:        "window",
		Initialized: t.initialized,
		LastRunAt:   t.lastRun,
		Counters: map[string]int64{
			"opened":      t.opened,
			"resolved":    t.resolved,
			"divergences": t.divergences,
		},
	}
}

// OnResolved 注册窗口结算回调。
func (t *Tracker) OnResolved(fn ResolvedFunc) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.onResolve = append(t.onResolve, fn)
	t.mu.Unlock()
}

// Active 返回 symbol 当前可交易窗口（Live 或 Closing）。
func (t *Tracker) Active(symbol string) (types.Window, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.current[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok || w.State == types.WindowStateResolved {
		return types.Window{}, false
	}
	return *w, true
}

// Recent 返回 symbol 最近的窗口历史（含当前），时间升序。
func (t *Tracker) Recent(symbol string) []types.Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	out := append([]types.Window(nil), t.recent[symbol]...)
	if w, ok := t.current[symbol]; ok {
		out = append(out, *w)
	}
	return out
}

// Tick 由固定周期驱动器调用，推进所有 symbol 的窗口状态。
func (t *Tracker) Tick(ctx context.Context, now time.Time) {
	now = now.UTC()
	var fired []types.Window

	t.mu.Lock()
	t.lastRun = now
	for _, symbol := range t.symbols {
		fired = append(fired, t.tickSymbol(ctx, symbol, now)...)
	}
	callbacks := append([]ResolvedFunc(nil), t.onResolve...)
	t.mu.Unlock()

	for _, w := range fired {
		for _, fn := range callbacks {
			fn(w)
		}
	}
}

// tickSymbol 持锁调用，返回本轮到达 Resolved 的窗口。
func (t *Tracker) tickSymbol(ctx context.Context, symbol string, now time.Time) []types.Window {
	var fired []types.Window
	dur := t.cfg.Duration()
	boundary := now.Truncate(dur)
	epoch := boundary.Unix() / int64(dur.Seconds())

	// 先推进已滚动但未结算的旧窗口。
	for _, w := range append([]*types.Window(nil), t.pending[symbol]...) {
		if done := t.advance(ctx, w, now); done {
			fired = append(fired, *w)
			t.retire(symbol, *w)
		}
	}

	cur := t.current[symbol]
	if cur != nil && cur.State != types.WindowStateResolved {
		if done := t.advance(ctx, cur, now); done {
			fired = append(fired, *cur)
			t.retire(symbol, *cur)
		}
	}
	cur = t.current[symbol]

	if cur == nil || cur.Epoch < epoch {
		if cur != nil && cur.State != types.WindowStateResolved {
			// 旧窗口仍在结算宽限期内：移入 pending 继续推进，不能丢。
			t.pending[symbol] = append(t.pending[symbol], cur)
			delete(t.current, symbol)
		}
		if w := t.tryOpen(ctx, symbol, boundary, epoch, now); w != nil {
			t.current[symbol] = w
			if w.State == types.WindowStateResolved {
				fired = append(fired, *w)
				t.retire(symbol, *w)
			}
		}
	}
	return fired
}

// tryOpen 在新边界尝试开窗。没有新鲜共识时 fail-closed：推迟开窗，
// 超过 strike_timeout 则直接记为 Resolved/Unresolved，禁止交易。
func (t *Tracker) tryOpen(ctx context.Context, symbol string, boundary time.Time, epoch int64, now time.Time) *types.Window {
	reading, ok := t.consensus.Consensus(symbol)
	if !ok || reading.Stale {
		deferredAt, wasDeferred := t.deferred[symbol]
		if !wasDeferred {
			t.deferred[symbol] = now
			t.log.Warnf("共识价不可用，推迟开窗 symbol=%s epoch=%d", symbol, epoch)
			return nil
		}
		if now.Sub(deferredAt) < t.cfg.StrikeTimeout() {
			return nil
		}
		delete(t.deferred, symbol)
		w := &types.Window{
			ID:         types.WindowID(symbol, epoch),
			Symbol:     symbol,
			Epoch:      epoch,
			OpenTime:   boundary,
			CloseTime:  boundary.Add(t.cfg.Duration()),
			State:      types.WindowStateResolved,
			Outcome:    types.OutcomeUnresolved,
			ResolvedAt: now,
		}
		t.log.Errorf("strike 超时，窗口 %s 记为 unresolved，本窗口不交易", w.ID)
		t.persist(ctx, w)
		t.resolved++
		return w
	}

	delete(t.deferred, symbol)
	w := &types.Window{
		ID:          types.WindowID(symbol, epoch),
		Symbol:      symbol,
		Epoch:       epoch,
		OpenTime:    boundary,
		CloseTime:   boundary.Add(t.cfg.Duration()),
		StrikePrice: reading.Price,
		State:       types.WindowStateOpen,
	}
	t.opened++
	t.log.Infof("✓ 开窗 %s strike=%.6f close=%s", w.ID, w.StrikePrice, w.CloseTime.Format(time.RFC3339))
	t.persist(ctx, w)
	return w
}

// advance 推进单个窗口，返回是否在本轮到达 Resolved。
func (t *Tracker) advance(ctx context.Context, w *types.Window, now time.Time) bool {
	switch w.State {
	case types.WindowStateOpen:
		if now.Sub(w.OpenTime) >= t.cfg.OpenGuard() {
			w.State = types.WindowStateLive
			t.persist(ctx, w)
		}
	case types.WindowStateLive:
		if w.TimeRemaining(now) <= t.cfg.PreCloseGuard() {
			w.State = types.WindowStateClosing
			t.log.Infof("窗口 %s 进入 closing，停止新开仓", w.ID)
			t.persist(ctx, w)
		}
	case types.WindowStateClosing:
		if !now.Before(w.CloseTime) {
			// 捕获收盘瞬间的共识价，推断结算用。
			if _, ok := t.closeMark[w.ID]; !ok {
				if reading, exist := t.consensus.Consensus(w.Symbol); exist {
					t.closeMark[w.ID] = reading.Price
				}
			}
			if now.Sub(w.CloseTime) >= t.cfg.SettleGrace() {
				t.inferOutcome(ctx, w, now)
				return w.State == types.WindowStateResolved
			}
		}
	}
	return false
}

// inferOutcome 在权威结算缺席时按共识推断：close >= strike → Up。
func (t *Tracker) inferOutcome(ctx context.Context, w *types.Window, now time.Time) {
	mark, ok := t.closeMark[w.ID]
	delete(t.closeMark, w.ID)
	if !ok || w.StrikePrice <= 0 {
		w.State = types.WindowStateResolved
		w.Outcome = types.OutcomeUnresolved
		w.ResolvedAt = now
		t.resolved++
		t.log.Errorf("窗口 %s 无法推断结算（无收盘共识价），记为 unresolved", w.ID)
		t.persist(ctx, w)
		return
	}
	outcome := types.OutcomeDown
	if decimal.NewFromFloat(mark).Cmp(decimal.NewFromFloat(w.StrikePrice)) >= 0 {
		outcome = types.OutcomeUp
	}
	w.State = types.WindowStateResolved
	w.Outcome = outcome
	w.Provisional = true
	w.ResolvedAt = now
	t.resolved++
	t.log.Infof("窗口 %s 按共识推断结算 outcome=%s close=%.6f strike=%.6f（临时，待权威确认）",
		w.ID, outcome, mark, w.StrikePrice)
	t.persist(ctx, w)
}

// OnSettlement 接收权威结算。权威结果总是优先：
// 未决窗口直接结算；临时结果不一致时修正一次并记 Divergence，绝不静默。
func (t *Tracker) OnSettlement(ctx context.Context, windowID string, outcome types.Outcome) {
	var fired *types.Window

	t.mu.Lock()
	w := t.findWindow(windowID)
	switch {
	case w == nil:
		t.log.Warnf("收到未知窗口的结算 window=%s outcome=%s", windowID, outcome)
	case w.State != types.WindowStateResolved:
		w.State = types.WindowStateResolved
		w.Outcome = outcome
		w.Provisional = false
		w.ResolvedAt = t.nowFn().UTC()
		t.resolved++
		t.log.Infof("✓ 窗口 %s 权威结算 outcome=%s", windowID, outcome)
		t.persist(ctx, w)
		cp := *w
		fired = &cp
		t.retire(w.Symbol, *w)
	case w.Provisional && w.Outcome != outcome:
		prev := w.Outcome
		w.Outcome = outcome
		w.Provisional = false
		t.divergences++
		t.log.Errorf("结算分歧 window=%s 推断=%s 权威=%s，已按权威修正", windowID, prev, outcome)
		t.persist(ctx, w)
		t.auditDivergence(ctx, w, prev, outcome)
	case w.Provisional:
		w.Provisional = false
		t.persist(ctx, w)
	default:
		// 已按权威结算，重复消息忽略。
	}
	callbacks := append([]ResolvedFunc(nil), t.onResolve...)
	t.mu.Unlock()

	if fired != nil {
		for _, fn := range callbacks {
			fn(*fired)
		}
	}
}

// findWindow 持锁调用：在 current 与 recent 中定位窗口。
func (t *Tracker) findWindow(windowID string) *types.Window {
	for _, w := range t.current {
		if w.ID == windowID {
			return w
		}
	}
	for symbol := range t.pending {
		for _, w := range t.pending[symbol] {
			if w.ID == windowID {
				return w
			}
		}
	}
	for symbol := range t.recent {
		list := t.recent[symbol]
		for i := range list {
			if list[i].ID == windowID {
				return &list[i]
			}
		}
	}
	return nil
}

// retire 持锁调用：把已结算窗口移入历史并按保留数修剪。
func (t *Tracker) retire(symbol string, w types.Window) {
	if cur, ok := t.current[symbol]; ok && cur.ID == w.ID {
		delete(t.current, symbol)
	}
	if list := t.pending[symbol]; len(list) > 0 {
		keep := list[:0]
		for _, p := range list {
			if p.ID != w.ID {
				keep = append(keep, p)
			}
		}
		t.pending[symbol] = keep
	}
	hist := append(t.recent[symbol], w)
	if max := t.cfg.RetentionCount; max > 0 && len(hist) > max {
		hist = hist[len(hist)-max:]
	}
	t.recent[symbol] = hist
}

func (t *Tracker) persist(ctx context.Context, w *types.Window) {
	uow, err := t.db.Begin(ctx)
	if err != nil {
		t.log.Errorf("开启事务失败 window=%s err=%v", w.ID, err)
		return
	}
	if err := uow.Windows().Save(ctx, w); err != nil {
		t.log.Errorf("窗口落库失败 window=%s err=%v", w.ID, err)
		uow.Rollback()
		return
	}
	if err := uow.Commit(); err != nil {
		t.log.Errorf("窗口提交失败 window=%s err=%v", w.ID, err)
	}
}

func (t *Tracker) auditDivergence(ctx context.Context, w *types.Window, inferred, authoritative types.Outcome) {
	detail, _ := json.Marshal(map[string]any{
		"inferred":      inferred.String(),
		"authoritative": authoritative.String(),
		"strike":        w.StrikePrice,
	})
	uow, err := t.db.Begin(ctx)
	if err != nil {
		t.log.Errorf("分歧审计事务失败 window=%s err=%v", w.ID, err)
		return
	}
	rec := &model.AuditModel{
		Kind:     "settlement_divergence",
		WindowID: w.ID,
		Reason:   "inferred outcome corrected by authoritative settlement",
		Detail:   datatypes.JSON(detail),
	}
	if err := uow.Audits().Insert(ctx, rec); err != nil {
		t.log.Errorf("分歧审计写入失败 window=%s err=%v", w.ID, err)
		uow.Rollback()
		return
	}
	if err := uow.Commit(); err != nil {
		t.log.Errorf("分歧审计提交失败 window=%s err=%v", w.ID, err)
	}
}
