// Package ledger 是 intent 的唯一事实来源：任何外部动作先在这里
// 落库，返回之后才允许执行。状态只能单调前进
// Pending → Executing → Confirmed/Failed，终态不可再变。
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"updown/internal/component"
	"updown/internal/config"
	"updown/internal/errkind"
	"updown/internal/logger"
	"updown/internal/store"
	"updown/internal/types"
)

const queueSize = 256

type Ledger struct {
	cfg config.LedgerConfig
	db  store.Store
	log *logger.Component

	// keyMu 按 (windowID, strategyID) 串行化 Record，
	// 保证重复拦截的查-插之间没有窗口。
	mu    sync.Mutex
	keyMu map[string]*sync.Mutex
	queue chan types.Intent
	nowFn func() time.Time

	initialized bool
	lastRun     time.Time
	recorded    int64
	duplicates  int64
	confirmed   int64
	failed      int64
}

func New(cfg config.LedgerConfig, db store.Store) *Ledger {
	return &Ledger{
		cfg:   cfg,
		db:    db,
		log:   logger.WithComponent("ledger"),
		keyMu: make(map[string]*sync.Mutex),
		queue: make(chan types.Intent, queueSize),
		nowFn: time.Now,
	}
}

func (l *Ledger) Name() string { return "ledger" }

func (l *Ledger) Init(ctx context.Context) error {
	l.mu.Lock()
	l.initialized = true
	l.mu.Unlock()
	return nil
}

func (l *Ledger) Shutdown(ctx context.Context) error { return nil }

func (l *Ledger) GetState() component.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return component.State{
		Name:        "ledger",
		Initialized: l.initialized,
		LastRunAt:   l.lastRun,
		Counters: map[string]int64{
			"recorded":   l.recorded,
			"duplicates": l.duplicates,
			"confirmed":  l.confirmed,
			"failed":     l.failed,
		},
	}
}

// Queue 是执行器消费的待执行 intent 通道。
func (l *Ledger) Queue() <-chan types.Intent { return l.queue }

// Record 落库一条新 intent。同 (window, strategy, type) 已有未决
// intent 时拒绝并返回 ErrDuplicateIntent。提交成功后才入执行队列。
func (l *Ledger) Record(ctx context.Context, it *types.Intent) error {
	if it.ID == "" || it.WindowID == "" || it.StrategyID == "" {
		return fmt.Errorf("intent missing identity fields")
	}
	key := it.WindowID + "/" + it.StrategyID
	lock := l.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	uow, err := l.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	live, err := uow.Intents().FindLive(ctx, it.WindowID, it.StrategyID, it.Type)
	if err != nil {
		return err
	}
	if live != nil {
		l.count(&l.duplicates)
		return fmt.Errorf("%w: window=%s strategy=%s type=%s live=%s",
			errkind.ErrDuplicateIntent, it.WindowID, it.StrategyID, it.Type, live.ID)
	}

	it.Status = types.IntentStatusPending
	if it.CreatedAt.IsZero() {
		it.CreatedAt = l.nowFn().UTC()
	}
	if err := uow.Intents().Insert(ctx, it); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return err
	}
	l.count(&l.recorded)
	l.touch()

	// abandon 不需要外部执行，留给引擎本地收尾。
	if it.Type != types.IntentAbandon {
		l.Enqueue(*it)
	}
	return nil
}

// Enqueue 把 intent 推入执行队列（对账 redrive 也走这里）。
func (l *Ledger) Enqueue(it types.Intent) bool {
	select {
	case l.queue <- it:
		return true
	default:
		l.log.Errorf("执行队列已满，intent %s 等待下轮对账 redrive", it.ID)
		return false
	}
}

// MarkExecuting 在每次外部尝试前记录：attempts 递增，外部引用固定。
func (l *Ledger) MarkExecuting(ctx context.Context, intentID string, attempts int, externalRef string) error {
	return l.transition(ctx, intentID, func(it *types.Intent) error {
		if it.Status.Terminal() {
			return fmt.Errorf("intent %s already %s, cannot mark executing", intentID, it.Status)
		}
		it.Status = types.IntentStatusExecuting
		it.Attempts = attempts
		if externalRef != "" {
			it.ExternalRef = externalRef
		}
		return nil
	})
}

// MarkConfirmed 写入成交回报并把 intent 推进到终态。重复确认幂等。
func (l *Ledger) MarkConfirmed(ctx context.Context, intentID string, fill types.Fill) error {
	err := l.transition(ctx, intentID, func(it *types.Intent) error {
		if it.Status == types.IntentStatusConfirmed {
			return nil
		}
		if it.Status == types.IntentStatusFailed {
			return fmt.Errorf("intent %s already failed, refuse to confirm", intentID)
		}
		it.Status = types.IntentStatusConfirmed
		it.ExternalRef = fill.ExternalRef
		it.FilledPrice = fill.FilledPrice
		it.FilledSize = fill.FilledSize
		it.ResolvedAt = l.nowFn().UTC()
		return nil
	})
	if err == nil {
		l.count(&l.confirmed)
	}
	return err
}

// MarkFailed 把 intent 推进到失败终态并记录原因。
func (l *Ledger) MarkFailed(ctx context.Context, intentID, reason string) error {
	err := l.transition(ctx, intentID, func(it *types.Intent) error {
		if it.Status == types.IntentStatusFailed {
			return nil
		}
		if it.Status == types.IntentStatusConfirmed {
			return fmt.Errorf("intent %s already confirmed, refuse to fail", intentID)
		}
		it.Status = types.IntentStatusFailed
		it.Reason = reason
		it.ResolvedAt = l.nowFn().UTC()
		return nil
	})
	if err == nil {
		l.count(&l.failed)
	}
	return err
}

// Get 按 ID 取 intent。
func (l *Ledger) Get(ctx context.Context, intentID string) (*types.Intent, error) {
	uow, err := l.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()
	return uow.Intents().FindByID(ctx, intentID)
}

// Unresolved 返回创建时间早于 olderThan 且仍未终态的 intent，
// 供对账器识别滞留单。
func (l *Ledger) Unresolved(ctx context.Context, olderThan time.Time) ([]types.Intent, error) {
	uow, err := l.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()
	return uow.Intents().ListUnresolved(ctx, olderThan)
}

// transition 在单个事务内完成读-改-写，mutate 负责单调性检查。
func (l *Ledger) transition(ctx context.Context, intentID string, mutate func(*types.Intent) error) error {
	uow, err := l.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()
	it, err := uow.Intents().FindByID(ctx, intentID)
	if err != nil {
		return err
	}
	if it == nil {
		return fmt.Errorf("intent %s not found", intentID)
	}
	before := it.Status
	if err := mutate(it); err != nil {
		return err
	}
	if it.Status == before && before.Terminal() {
		return nil // 幂等重放，无需写库
	}
	if err := uow.Intents().Update(ctx, it); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return err
	}
	l.touch()
	return nil
}

func (l *Ledger) lockFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.keyMu[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.keyMu[key] = m
	return m
}

func (l *Ledger) count(c *int64) {
	l.mu.Lock()
	*c++
	l.mu.Unlock()
}

func (l *Ledger) touch() {
	l.mu.Lock()
	l.lastRun = l.nowFn().UTC()
	l.mu.Unlock()
}
