// Package component 定义核心组件统一的生命周期契约。
// 组件实例在启动时显式构造并注入编排器，不使用包级可变状态。
package component

import (
	"context"
	"time"
)

type Component interface {
	Name() string
	Init(ctx context.Context) error
	GetState() State
	Shutdown(ctx context.Context) error
}

// State 是 getState() 健康面，供 HTTP 监控端点直接序列化。
type State struct {
	Name        string           `json:"name"`
	Initialized bool             `json:"initialized"`
	LastRunAt   time.Time        `json:"last_run_at"`
	Counters    map[string]int64 `json:"counters,omitempty"`
}
