// Package errkind 定义核心错误分类，调用方统一用 errors.Is 判别。
package errkind

import "errors"

var (
	// ErrInvalidSample 非法行情样本（非正价格、NaN、缺字段），入口丢弃。
	ErrInvalidSample = errors.New("invalid sample")
	// ErrStaleConsensus 共识价过期，不可作为交易依据。
	ErrStaleConsensus = errors.New("stale consensus")
	// ErrDuplicateIntent 同 (window, strategy, type) 已有在途 intent。
	ErrDuplicateIntent = errors.New("duplicate intent")
	// ErrExecutionTimeout 外部下单超时，可重试。
	ErrExecutionTimeout = errors.New("execution timeout")
	// ErrExecutionRejected 外部明确拒单（余额不足等），终态不重试。
	ErrExecutionRejected = errors.New("execution rejected")
	// ErrReconciliationTimeout 对账超出时间预算。
	ErrReconciliationTimeout = errors.New("reconciliation timeout")
	// ErrDivergence 内存态与持久态不一致，需按策略处理，不得静默。
	ErrDivergence = errors.New("state divergence")
	// ErrTradingHalted kill switch 已触发，拒绝新 intent。
	ErrTradingHalted = errors.New("trading halted")
)
