// Package executor 把 pending intent 翻译为外部订单。全部下单路径
// 共用同一套重试/退避策略；client-order-id 恒等于 intent ID，
// 重试与 redrive 依赖撮合所侧的幂等去重，绝不产生重复订单。
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"updown/internal/component"
	"updown/internal/config"
	"updown/internal/errkind"
	"updown/internal/gateway/clob"
	"updown/internal/logger"
	"updown/internal/pkg/circuit"
	"updown/internal/types"
)

// IntentLog 是执行器对 intent 账本的最小依赖。
type IntentLog interface {
	Queue() <-chan types.Intent
	Get(ctx context.Context, intentID string) (*types.Intent, error)
	MarkExecuting(ctx context.Context, intentID string, attempts int, externalRef string) error
	MarkConfirmed(ctx context.Context, intentID string, fill types.Fill) error
	MarkFailed(ctx context.Context, intentID, reason string) error
}

// ResultFunc 在 intent 到达终态后回调（携带最终状态与成交信息）。
type ResultFunc func(ctx context.Context, it types.Intent)

type Executor struct {
	cfg     config.ExecutorConfig
	log     *logger.Component
	intents IntentLog
	client  clob.OrderClient
	breaker *circuit.Breaker

	mu          sync.Mutex
	onResult    []ResultFunc
	initialized bool
	lastRun     time.Time
	confirmed   int64
	failed      int64
	retries     int64

	halted  bool
	sleepFn func(ctx context.Context, d time.Duration) error
}

func New(cfg config.ExecutorConfig, intents IntentLog, client clob.OrderClient) *Executor {
	return &Executor{
		cfg:     cfg,
		log:     logger.WithComponent("executor"),
		intents: intents,
		client:  client,
		breaker: circuit.NewBreaker("clob", cfg.BreakerThreshold, cfg.BreakerCooldownDur()),
		sleepFn: sleepCtx,
	}
}

func (e *Executor) Name() string { return "executor" }

func (e *Executor) Init(ctx context.Context) error {
	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()
	return nil
}

func (e *Executor) Shutdown(ctx context.Context) error { return nil }

func (e *Executor) GetState() component.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return component.State{
		Name:        "executor",
		Initialized: e.initialized,
		LastRunAt:   e.lastRun,
		Counters: map[string]int64{
			"confirmed": e.confirmed,
			"failed":    e.failed,
			"retries":   e.retries,
		},
	}
}

// OnResult 注册终态回调（策略引擎据此推进仓位状态机）。
func (e *Executor) OnResult(fn ResultFunc) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.onResult = append(e.onResult, fn)
	e.mu.Unlock()
}

// Halt 停止消费新 intent（kill switch 触发后调用），在途尝试照常收尾。
func (e *Executor) Halt() {
	e.mu.Lock()
	e.halted = true
	e.mu.Unlock()
}

// Run 串行消费执行队列直至 ctx 取消。串行化保证同一时刻至多一笔
// 在途外部请求，熔断与退避判定不被并发打乱。
func (e *Executor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-e.intents.Queue():
			e.mu.Lock()
			halted := e.halted
			e.lastRun = time.Now().UTC()
			e.mu.Unlock()
			if halted {
				e.failIntent(ctx, it.ID, "trading halted before execution")
				continue
			}
			e.Execute(ctx, it)
		}
	}
}

// Execute 驱动单个 intent 到终态。对账 redrive 直接调用这里。
func (e *Executor) Execute(ctx context.Context, it types.Intent) {
	fresh, err := e.intents.Get(ctx, it.ID)
	if err != nil {
		e.log.Errorf("读取 intent 失败 id=%s err=%v", it.ID, err)
		return
	}
	if fresh == nil || fresh.Status.Terminal() {
		return
	}
	it = *fresh

	// 之前尝试过的 intent 先查单：外部可能已经成交。
	if it.Attempts > 0 {
		if done := e.settleFromExchange(ctx, it); done {
			return
		}
	}

	for attempt := it.Attempts + 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if !e.breaker.Allow() {
			e.failIntent(ctx, it.ID, "circuit breaker open")
			return
		}
		if err := e.intents.MarkExecuting(ctx, it.ID, attempt, ""); err != nil {
			e.log.Errorf("标记 executing 失败 id=%s err=%v", it.ID, err)
			return
		}

		res, err := e.placeOnce(ctx, it)
		switch {
		case err == nil && res.Status == clob.OrderFilled:
			e.breaker.RecordSuccess()
			e.confirm(ctx, it.ID, types.Fill{
				ExternalRef: res.OrderID,
				FilledPrice: res.FilledPrice,
				FilledSize:  res.FilledSize,
				FilledAt:    res.FilledAt,
			})
			return
		case err == nil && res.Status == clob.OrderRejected:
			e.breaker.RecordSuccess()
			e.failIntent(ctx, it.ID, "order rejected by exchange")
			return
		case err == nil:
			// pending：等一个退避周期再查单。
			e.breaker.RecordSuccess()
			if e.waitAndQuery(ctx, it, attempt) {
				return
			}
		case errors.Is(err, errkind.ErrExecutionRejected):
			e.breaker.RecordSuccess()
			e.failIntent(ctx, it.ID, err.Error())
			return
		case errors.Is(err, context.DeadlineExceeded):
			// 超时歧义：订单可能已被接收，先查单再决定重试。
			e.breaker.RecordFailure()
			if done := e.settleFromExchange(ctx, it); done {
				return
			}
			e.backoff(ctx, attempt)
		default:
			e.breaker.RecordFailure()
			e.log.Warnf("下单失败（第 %d/%d 次） id=%s err=%v", attempt, e.cfg.MaxAttempts, it.ID, err)
			e.backoff(ctx, attempt)
		}
		if ctx.Err() != nil {
			return
		}
		e.mu.Lock()
		e.retries++
		e.mu.Unlock()
	}
	e.failIntent(ctx, it.ID, fmt.Sprintf("%v: %d attempts exhausted", errkind.ErrExecutionTimeout, e.cfg.MaxAttempts))
}

func (e *Executor) placeOnce(ctx context.Context, it types.Intent) (*clob.OrderResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout())
	defer cancel()
	return e.client.PlaceOrder(attemptCtx, clob.OrderRequest{
		ClientOrderID: it.ID,
		Market:        it.WindowID,
		Side:          it.Payload.Side,
		Sell:          it.Type == types.IntentExit,
		SizeDollars:   it.Payload.SizeDollars,
		LimitPrice:    it.Payload.LimitPrice,
	})
}

// settleFromExchange 查单并在已成交/已拒绝时落终态，返回是否已终结。
func (e *Executor) settleFromExchange(ctx context.Context, it types.Intent) bool {
	res, err := e.client.QueryOrder(ctx, it.ID)
	if err != nil {
		e.log.Warnf("查单失败 id=%s err=%v", it.ID, err)
		return false
	}
	switch res.Status {
	case clob.OrderFilled:
		e.log.Infof("查单发现已成交 id=%s order=%s", it.ID, res.OrderID)
		e.confirm(ctx, it.ID, types.Fill{
			ExternalRef: res.OrderID,
			FilledPrice: res.FilledPrice,
			FilledSize:  res.FilledSize,
			FilledAt:    res.FilledAt,
		})
		return true
	case clob.OrderRejected:
		e.failIntent(ctx, it.ID, "order rejected by exchange")
		return true
	default:
		return false
	}
}

// waitAndQuery 处理挂单中的订单：退避后查单，返回是否已终结。
func (e *Executor) waitAndQuery(ctx context.Context, it types.Intent, attempt int) bool {
	e.backoff(ctx, attempt)
	if ctx.Err() != nil {
		return true
	}
	return e.settleFromExchange(ctx, it)
}

func (e *Executor) confirm(ctx context.Context, intentID string, fill types.Fill) {
	if err := e.intents.MarkConfirmed(ctx, intentID, fill); err != nil {
		e.log.Errorf("标记 confirmed 失败 id=%s err=%v", intentID, err)
		return
	}
	e.mu.Lock()
	e.confirmed++
	e.mu.Unlock()
	e.notify(ctx, intentID)
}

func (e *Executor) failIntent(ctx context.Context, intentID, reason string) {
	if err := e.intents.MarkFailed(ctx, intentID, reason); err != nil {
		e.log.Errorf("标记 failed 失败 id=%s err=%v", intentID, err)
		return
	}
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
	e.log.Warnf("intent 终态失败 id=%s reason=%s", intentID, reason)
	e.notify(ctx, intentID)
}

func (e *Executor) notify(ctx context.Context, intentID string) {
	fresh, err := e.intents.Get(ctx, intentID)
	if err != nil || fresh == nil {
		return
	}
	e.mu.Lock()
	callbacks := append([]ResultFunc(nil), e.onResult...)
	e.mu.Unlock()
	for _, fn := range callbacks {
		fn(ctx, *fresh)
	}
}

// backoff 按尝试次数指数退避，基数翻倍。
func (e *Executor) backoff(ctx context.Context, attempt int) {
	d := e.cfg.BackoffBase()
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	_ = e.sleepFn(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
