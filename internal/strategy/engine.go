package strategy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"updown/internal/component"
	"updown/internal/config"
	"updown/internal/consensus"
	"updown/internal/errkind"
	"updown/internal/logger"
	"updown/internal/store"
	"updown/internal/types"

	"github.com/google/uuid"
)

// historyDepth 是每次评估提供给策略的共识价历史长度。
const historyDepth = 120

// MarketView 是引擎对共识引擎的最小依赖。
type MarketView interface {
	ActionableConsensus(symbol string) (types.ConsensusReading, error)
	History(symbol string, n int) []consensus.HistoryPoint
}

// WindowSource 是引擎对窗口跟踪器的最小依赖。
type WindowSource interface {
	Active(symbol string) (types.Window, bool)
}

// IntentSink 接收引擎产出的 intent。实现方必须先落库再返回；
// 同 (window, strategy, type) 已有未决 intent 时返回 ErrDuplicateIntent。
type IntentSink interface {
	Record(ctx context.Context, it *types.Intent) error
}

// Engine 驱动策略评估并维护 (windowID, strategyID) 粒度的仓位。
// 引擎只产出 intent，绝不直接触达执行器；内存仓位是持久层的
// 运行期缓存，每次变更同步落库，分歧由对账器按库纠偏。
type Engine struct {
	cfg       config.StrategyConfig
	windowCfg config.WindowConfig
	symbols   []string
	registry  *Registry
	market    MarketView
	windows   WindowSource
	sink      IntentSink
	db        store.Store
	log       *logger.Component

	mu        sync.Mutex
	positions map[string]*types.Position // key = windowID + "/" + strategyID
	keyLocks  map[string]*sync.Mutex

	halted      atomic.Bool
	initialized bool
	lastRun     time.Time
	evaluated   int64
	emitted     int64
	suppressed  int64
	settled     int64
	nowFn       func() time.Time
}

func NewEngine(cfg config.StrategyConfig, windowCfg config.WindowConfig, symbols []string,
	reg *Registry, market MarketView, windows WindowSource, sink IntentSink, db store.Store) *Engine {
	up := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			up = append(up, s)
		}
	}
	return &Engine{
		cfg:       cfg,
		windowCfg: windowCfg,
		symbols:   up,
		registry:  reg,
		market:    market,
		windows:   windows,
		sink:      sink,
		db:        db,
		log:       logger.WithComponent("strategy"),
		positions: make(map[string]*types.Position),
		keyLocks:  make(map[string]*sync.Mutex),
		nowFn:     time.Now,
	}
}

func (e *Engine) Name() string { return "strategy" }

// Init 从存储恢复非终态仓位，重启后内存与持久层一致。
func (e *Engine) Init(ctx context.Context) error {
	uow, err := e.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()
	live, err := uow.Positions().ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for i := range live {
		p := live[i]
		e.positions[posKey(p.WindowID, p.StrategyID)] = &p
		e.log.Infof("恢复仓位 %s window=%s strategy=%s state=%s", p.ID, p.WindowID, p.StrategyID, p.State)
	}
	e.initialized = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) Shutdown(ctx context.Context) error { return nil }

func (e *Engine) GetState() component.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return component.State{
		Name:        "strategy",
		Initialized: e.initialized,
		LastRunAt:   e.lastRun,
		Counters: map[string]int64{
			"evaluated":  e.evaluated,
			"emitted":    e.emitted,
			"suppressed": e.suppressed,
			"settled":    e.settled,
		},
	}
}

// Halt 永久停止产出新 intent（kill switch 触发后调用）。
func (e *Engine) Halt() {
	if e.halted.CompareAndSwap(false, true) {
		e.log.Warnf("交易已停止，不再产出任何 intent")
	}
}

func (e *Engine) Halted() bool { return e.halted.Load() }

// Tick 由固定周期驱动器调用，对每个 symbol 的活跃窗口逐策略评估。
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	now = now.UTC()
	e.mu.Lock()
	e.lastRun = now
	e.mu.Unlock()
	if e.halted.Load() {
		return
	}

	for _, symbol := range e.symbols {
		w, ok := e.windows.Active(symbol)
		if !ok {
			continue
		}
		if w.State != types.WindowStateLive && w.State != types.WindowStateClosing {
			continue
		}
		reading, err := e.market.ActionableConsensus(symbol)
		if err != nil {
			// 共识不可用或过期：不评估，持仓原地等待恢复。
			continue
		}
		history := e.market.History(symbol, historyDepth)
		for _, inst := range e.registry.Instances() {
			e.evaluate(ctx, w, inst, reading, history, now)
		}
	}
}

// evaluate 处理单个 (window, strategy) 键，按键串行化。
func (e *Engine) evaluate(ctx context.Context, w types.Window, inst Instance,
	reading types.ConsensusReading, history []consensus.HistoryPoint, now time.Time) {
	key := posKey(w.ID, inst.ID)
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	e.evaluated++
	pos := e.positions[key]
	e.mu.Unlock()
	if pos != nil && pos.State.Terminal() {
		pos = nil
	}

	// 风险离场优先于策略信号：止损 → 止盈 → 到期。
	if pos != nil && pos.State == types.PositionStateOpen {
		if e.tryRiskExit(ctx, w, pos, reading, now) {
			return
		}
	}

	sctx := Context{Window: w, Consensus: reading, History: history, Now: now}
	if pos != nil {
		cp := *pos
		sctx.Position = &cp
	}
	for _, sig := range inst.Eval(sctx) {
		switch sig.Action {
		case types.SignalBuy:
			e.handleBuy(ctx, w, inst, pos, sig, reading, now)
		case types.SignalSell:
			e.handleSell(ctx, w, pos, sig, now)
		}
	}
}

// tryRiskExit 检查止损/止盈/到期三道风险线，命中即产出 exit intent。
func (e *Engine) tryRiskExit(ctx context.Context, w types.Window, pos *types.Position,
	reading types.ConsensusReading, now time.Time) bool {
	mark := ImpliedPrice(pos.Side, reading.Price, w.StrikePrice)
	if hitStopLoss(mark, stopLossTarget(pos.EntryPrice, e.cfg.StopLossPct)) {
		e.log.Warnf("止损触发 position=%s mark=%.4f entry=%.4f", pos.ID, mark, pos.EntryPrice)
		return e.emitExit(ctx, w, pos, mark, "stop_loss", now)
	}
	if hitTakeProfit(mark, takeProfitTarget(pos.EntryPrice, e.cfg.TakeProfitPct)) {
		e.log.Infof("止盈触发 position=%s mark=%.4f entry=%.4f", pos.ID, mark, pos.EntryPrice)
		return e.emitExit(ctx, w, pos, mark, "take_profit", now)
	}
	if warn := e.windowCfg.ExpiryWarning(); warn > 0 && w.TimeRemaining(now) <= warn {
		e.log.Infof("临近到期离场 position=%s remaining=%s", pos.ID, w.TimeRemaining(now))
		return e.emitExit(ctx, w, pos, mark, "expiry", now)
	}
	return false
}

// handleBuy 处理入场信号：状态闸门 → 时间闸门 → 规模与敞口裁剪。
func (e *Engine) handleBuy(ctx context.Context, w types.Window, inst Instance,
	pos *types.Position, sig types.Signal, reading types.ConsensusReading, now time.Time) {
	if pos != nil {
		// 同键已有非终态仓位，买入信号一律压制。
		e.countSuppressed()
		return
	}
	if w.State != types.WindowStateLive {
		e.countSuppressed()
		return
	}
	if w.TimeRemaining(now) < e.cfg.MinTimeRemaining() {
		e.countSuppressed()
		return
	}
	if sig.Side != types.SideUp && sig.Side != types.SideDown {
		e.log.Warnf("策略 %s 买入信号缺少方向，丢弃", inst.ID)
		return
	}

	size := e.sizeFor(sig)
	headroom := e.cfg.MaxExposureUSD - e.totalExposure()
	if size > headroom {
		size = headroom
	}
	if size < e.cfg.MinSizeUSD || size <= 0 {
		e.log.Warnf("敞口不足，拒绝入场 strategy=%s window=%s headroom=%.2f", inst.ID, w.ID, headroom)
		e.countSuppressed()
		return
	}

	limit := ImpliedPrice(sig.Side, reading.Price, w.StrikePrice)
	p := &types.Position{
		ID:          uuid.NewString(),
		WindowID:    w.ID,
		StrategyID:  inst.ID,
		Side:        sig.Side,
		SizeDollars: size,
		State:       types.PositionStateEntryPending,
		UpdatedAt:   now,
	}
	it := &types.Intent{
		ID:         uuid.NewString(),
		Type:       types.IntentEnter,
		WindowID:   w.ID,
		StrategyID: inst.ID,
		Payload: types.IntentPayload{
			PositionID:  p.ID,
			Side:        sig.Side,
			SizeDollars: size,
			LimitPrice:  limit,
			Reason:      sig.Reason,
		},
		Status:    types.IntentStatusPending,
		CreatedAt: now,
	}
	if err := e.sink.Record(ctx, it); err != nil {
		if errors.Is(err, errkind.ErrDuplicateIntent) {
			e.countSuppressed()
			return
		}
		e.log.Errorf("入场 intent 记录失败 strategy=%s window=%s err=%v", inst.ID, w.ID, err)
		return
	}
	e.mu.Lock()
	e.positions[posKey(w.ID, inst.ID)] = p
	e.emitted++
	e.mu.Unlock()
	e.persist(ctx, p)
	e.log.Infof("✓ 入场 intent %s window=%s strategy=%s side=%s size=%.2f limit=%.4f reason=%s",
		it.ID, w.ID, inst.ID, sig.Side, size, limit, sig.Reason)
}

// handleSell 处理策略主动离场信号。
func (e *Engine) handleSell(ctx context.Context, w types.Window, pos *types.Position, sig types.Signal, now time.Time) {
	if pos == nil || pos.State != types.PositionStateOpen {
		return
	}
	reading, err := e.market.ActionableConsensus(w.Symbol)
	if err != nil {
		return
	}
	mark := ImpliedPrice(pos.Side, reading.Price, w.StrikePrice)
	reason := sig.Reason
	if reason == "" {
		reason = "strategy_exit"
	}
	e.emitExit(ctx, w, pos, mark, reason, now)
}

// emitExit 产出 exit intent 并把仓位转入 ExitPending。
func (e *Engine) emitExit(ctx context.Context, w types.Window, pos *types.Position,
	mark float64, reason string, now time.Time) bool {
	it := &types.Intent{
		ID:         uuid.NewString(),
		Type:       types.IntentExit,
		WindowID:   w.ID,
		StrategyID: pos.StrategyID,
		Payload: types.IntentPayload{
			PositionID:  pos.ID,
			Side:        pos.Side,
			SizeDollars: pos.SizeDollars,
			LimitPrice:  mark,
			Reason:      reason,
		},
		Status:    types.IntentStatusPending,
		CreatedAt: now,
	}
	if err := e.sink.Record(ctx, it); err != nil {
		if errors.Is(err, errkind.ErrDuplicateIntent) {
			return true // 离场已在途
		}
		e.log.Errorf("离场 intent 记录失败 position=%s err=%v", pos.ID, err)
		return false
	}
	pos.State = types.PositionStateExitPending
	pos.UpdatedAt = now
	e.mu.Lock()
	e.emitted++
	e.mu.Unlock()
	e.persist(ctx, pos)
	return true
}

// OnExecuted 由执行器在 intent 到达终态后回调，推进仓位状态机。
func (e *Engine) OnExecuted(ctx context.Context, it types.Intent) {
	key := posKey(it.WindowID, it.StrategyID)
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	pos := e.positions[key]
	e.mu.Unlock()
	if pos == nil || pos.ID != it.Payload.PositionID {
		e.log.Warnf("执行回报找不到对应仓位 intent=%s position=%s", it.ID, it.Payload.PositionID)
		return
	}
	now := e.nowFn().UTC()

	switch {
	case it.Type == types.IntentEnter && it.Status == types.IntentStatusConfirmed:
		pos.State = types.PositionStateOpen
		pos.EntryPrice = it.FilledPrice
		if it.FilledSize > 0 {
			pos.SizeDollars = it.FilledSize
		}
		pos.OpenedAt = now
		e.log.Infof("✓ 仓位开立 %s entry=%.4f size=%.2f", pos.ID, pos.EntryPrice, pos.SizeDollars)
	case it.Type == types.IntentEnter && it.Status == types.IntentStatusFailed:
		pos.State = types.PositionStateAbandoned
		pos.ClosedAt = now
		e.log.Warnf("入场失败，仓位废弃 %s reason=%s", pos.ID, it.Reason)
	case it.Type == types.IntentExit && it.Status == types.IntentStatusConfirmed:
		pos.State = types.PositionStateClosed
		pos.ExitPrice = it.FilledPrice
		pos.RealizedPnL = exitPnL(pos.SizeDollars, pos.EntryPrice, it.FilledPrice)
		pos.ClosedAt = now
		e.log.Infof("✓ 仓位平仓 %s exit=%.4f pnl=%.2f", pos.ID, pos.ExitPrice, pos.RealizedPnL)
	case it.Type == types.IntentExit && it.Status == types.IntentStatusFailed:
		// 离场失败回退到 Open，下个 tick 风险线会再次触发。
		pos.State = types.PositionStateOpen
		e.log.Errorf("离场失败，仓位回退 open %s reason=%s", pos.ID, it.Reason)
	case it.Type == types.IntentAbandon:
		pos.State = types.PositionStateAbandoned
		pos.ClosedAt = now
	default:
		return
	}
	pos.UpdatedAt = now
	e.persist(ctx, pos)
	e.dropIfTerminal(key, pos)
}

// OnWindowResolved 在窗口结算后按结果清算该窗口全部仓位：
// 赢单按 1.00 兑付，输单归零，在途入场废弃。
func (e *Engine) OnWindowResolved(ctx context.Context, w types.Window) {
	e.mu.Lock()
	keys := make([]string, 0)
	for key, p := range e.positions {
		if p.WindowID == w.ID {
			keys = append(keys, key)
		}
	}
	e.mu.Unlock()

	for _, key := range keys {
		lock := e.lockFor(key)
		lock.Lock()
		e.mu.Lock()
		pos := e.positions[key]
		e.mu.Unlock()
		if pos == nil || pos.State.Terminal() {
			lock.Unlock()
			continue
		}
		e.settlePosition(ctx, w, key, pos)
		lock.Unlock()
	}
}

// settlePosition 持键锁调用。
func (e *Engine) settlePosition(ctx context.Context, w types.Window, key string, pos *types.Position) {
	now := e.nowFn().UTC()
	switch pos.State {
	case types.PositionStateEntryPending:
		e.abandonPending(ctx, w, pos, now)
	case types.PositionStateOpen, types.PositionStateExitPending:
		if w.Outcome == types.OutcomeUnresolved {
			pos.State = types.PositionStateAbandoned
			pos.ClosedAt = now
			e.log.Errorf("窗口 %s 无结算结果，仓位 %s 废弃", w.ID, pos.ID)
		} else {
			won := (pos.Side == types.SideUp && w.Outcome == types.OutcomeUp) ||
				(pos.Side == types.SideDown && w.Outcome == types.OutcomeDown)
			pos.State = types.PositionStateClosed
			if won {
				pos.ExitPrice = 1.0
			} else {
				pos.ExitPrice = 0.0
			}
			pos.RealizedPnL = settlePnL(pos.SizeDollars, pos.EntryPrice, won)
			pos.ClosedAt = now
			e.mu.Lock()
			e.settled++
			e.mu.Unlock()
			e.log.Infof("✓ 仓位结算 %s window=%s outcome=%s won=%v pnl=%.2f",
				pos.ID, w.ID, w.Outcome, won, pos.RealizedPnL)
		}
	default:
		return
	}
	pos.UpdatedAt = now
	e.persist(ctx, pos)
	e.dropIfTerminal(key, pos)
}

// abandonPending 废弃在途入场：记 abandon intent 供审计，仓位立即终态。
func (e *Engine) abandonPending(ctx context.Context, w types.Window, pos *types.Position, now time.Time) {
	it := &types.Intent{
		ID:         uuid.NewString(),
		Type:       types.IntentAbandon,
		WindowID:   w.ID,
		StrategyID: pos.StrategyID,
		Payload: types.IntentPayload{
			PositionID: pos.ID,
			Side:       pos.Side,
			Reason:     "window resolved before entry confirmed",
		},
		Status:    types.IntentStatusPending,
		CreatedAt: now,
	}
	if err := e.sink.Record(ctx, it); err != nil && !errors.Is(err, errkind.ErrDuplicateIntent) {
		e.log.Errorf("abandon intent 记录失败 position=%s err=%v", pos.ID, err)
	}
	pos.State = types.PositionStateAbandoned
	pos.ClosedAt = now
	e.log.Warnf("窗口 %s 已结算，在途入场废弃 position=%s", w.ID, pos.ID)
}

// Correct 由对账器调用：以持久层记录为准覆盖内存仓位。记录已是
// 终态时内存条目同步移除；内存里原本没有时直接回灌。
func (e *Engine) Correct(stored types.Position) {
	key := posKey(stored.WindowID, stored.StrategyID)
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if stored.State.Terminal() {
		delete(e.positions, key)
		return
	}
	cp := stored
	e.positions[key] = &cp
}

// Forget 由对账器调用：持久层没有记录的内存仓位直接移除。
func (e *Engine) Forget(windowID, strategyID string) {
	key := posKey(windowID, strategyID)
	lock := e.lockFor(key)
	lock.Lock()
	defer lock.Unlock()
	e.mu.Lock()
	delete(e.positions, key)
	e.mu.Unlock()
}

// Positions 返回当前内存中的非终态仓位快照。
func (e *Engine) Positions() []types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// TotalExposure 返回非终态仓位占用的总敞口（美元）。
func (e *Engine) TotalExposure() float64 { return e.totalExposure() }

func (e *Engine) totalExposure() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sum float64
	for _, p := range e.positions {
		sum += p.Exposure()
	}
	return sum
}

// sizeFor 由信号置信度在 [min, max] 内折算仓位规模。
func (e *Engine) sizeFor(sig types.Signal) float64 {
	size := sig.Size
	if size <= 0 {
		conf := sig.Confidence
		if conf <= 0 || conf > 1 {
			conf = 1
		}
		size = e.cfg.BaseSizeUSD * conf
	}
	if size < e.cfg.MinSizeUSD {
		size = e.cfg.MinSizeUSD
	}
	if e.cfg.MaxSizeUSD > 0 && size > e.cfg.MaxSizeUSD {
		size = e.cfg.MaxSizeUSD
	}
	return size
}

func (e *Engine) countSuppressed() {
	e.mu.Lock()
	e.suppressed++
	e.mu.Unlock()
}

func (e *Engine) dropIfTerminal(key string, pos *types.Position) {
	if !pos.State.Terminal() {
		return
	}
	e.mu.Lock()
	delete(e.positions, key)
	e.mu.Unlock()
}

func (e *Engine) lockFor(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.keyLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.keyLocks[key] = l
	return l
}

func (e *Engine) persist(ctx context.Context, p *types.Position) {
	uow, err := e.db.Begin(ctx)
	if err != nil {
		e.log.Errorf("开启事务失败 position=%s err=%v", p.ID, err)
		return
	}
	if err := uow.Positions().Save(ctx, p); err != nil {
		e.log.Errorf("仓位落库失败 position=%s err=%v", p.ID, err)
		uow.Rollback()
		return
	}
	if err := uow.Commit(); err != nil {
		e.log.Errorf("仓位提交失败 position=%s err=%v", p.ID, err)
	}
}

func posKey(windowID, strategyID string) string {
	return windowID + "/" + strategyID
}
