// Package app 负责应用级编排：装配依赖、初始化组件、用 errgroup
// 启动全部长驻循环，并在退出时按逆序优雅关停。
package app

import (
	"context"
	"fmt"

	"updown/internal/component"
	"updown/internal/config"
	"updown/internal/executor"
	"updown/internal/gateway/binance"
	"updown/internal/gateway/oracle"
	"updown/internal/killswitch"
	"updown/internal/logger"
	"updown/internal/reconciler"
	"updown/internal/scheduler"
	"updown/internal/store"
	transporthttp "updown/internal/transport/http"
)

type App struct {
	cfg *config.Config
	db  store.Store

	components  []component.Component
	driver      *scheduler.Driver
	aligned     *scheduler.Aligned
	alignedTick scheduler.TickFunc
	executor    *executor.Executor
	reconciler  *reconciler.Reconciler
	killswitch  *killswitch.Switch
	server      *transporthttp.Server
	binance     *binance.Feed
	oracle      *oracle.Feed

	cancel context.CancelFunc
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 初始化全部组件并启动长驻循环，阻塞直至 ctx 取消或组件出错。
func (a *App) Run(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	defer a.cancel()

	initCtx, cancel := context.WithTimeout(ctx, a.cfg.Engine.InitTimeout())
	defer cancel()
	for _, c := range a.components {
		if err := c.Init(initCtx); err != nil {
			return fmt.Errorf("init %s failed: %w", c.Name(), err)
		}
		logger.Infof("✓ 组件初始化完成 %s", c.Name())
	}

	group, gctx := newGroup(ctx)
	group.Go(func() error { return a.server.Start(gctx) })
	group.Go(func() error { return swallowCancel(a.driver.Run(gctx)) })
	group.Go(func() error { return swallowCancel(a.aligned.Run(gctx, a.alignedTick)) })
	group.Go(func() error { return swallowCancel(a.executor.Run(gctx)) })
	group.Go(func() error { return swallowCancel(a.reconciler.Run(gctx)) })
	group.Go(func() error { return swallowCancel(a.killswitch.Run(gctx)) })
	if a.binance != nil {
		group.Go(func() error { return swallowCancel(a.binance.Run(gctx)) })
	}
	if a.oracle != nil {
		group.Go(func() error { return swallowCancel(a.oracle.Run(gctx)) })
	}

	err := group.Wait()
	a.shutdown()
	return err
}

// States 聚合全部组件健康面（监控端点用）。
func (a *App) States() []component.State {
	out := make([]component.State, 0, len(a.components))
	for _, c := range a.components {
		out = append(out, c.GetState())
	}
	return out
}

// stop 由 kill switch 在 Stopped 后调用，取消根 ctx。
func (a *App) stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *App) shutdown() {
	shCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Engine.ShutdownTimeoutDur())
	defer cancel()
	// 逆序关停：后装配的先退。
	for i := len(a.components) - 1; i >= 0; i-- {
		c := a.components[i]
		if err := c.Shutdown(shCtx); err != nil {
			logger.Errorf("组件关停失败 %s err=%v", c.Name(), err)
		}
	}
	if err := a.db.Close(); err != nil {
		logger.Errorf("存储关闭失败 err=%v", err)
	}
	logger.Infof("应用已退出")
}
