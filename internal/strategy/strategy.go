// Package strategy 实现策略注册表与评估引擎。
// 策略是注册函数表中的具名纯函数：evaluate(context) -> []Signal，
// 参数在注册时按 JSON Schema 校验，运行期不可变。
package strategy

import (
	"time"

	"updown/internal/consensus"
	"updown/internal/types"
)

// Context 是一次评估的全部输入，策略函数不得访问其它状态。
type Context struct {
	Window    types.Window
	Consensus types.ConsensusReading
	History   []consensus.HistoryPoint
	Position  *types.Position // nil 表示该 (window, strategy) 当前无持仓
	Now       time.Time
}

// EvalFunc 由 Descriptor.Build 根据校验后的参数闭包生成。
type EvalFunc func(ctx Context) []types.Signal

// Descriptor 描述一个可注册的策略种类。
type Descriptor struct {
	Name string
	// Schema 是参数的 JSON Schema（map 形式），注册实例时编译校验。
	Schema map[string]any
	Build  func(params map[string]any) (EvalFunc, error)
}

// Instance 是注册表加载出的一个可运行策略实例。
type Instance struct {
	ID       string
	Kind     string
	Eval     EvalFunc
	Disabled bool
}
