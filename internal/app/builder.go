package app

import (
	"context"
	"fmt"
	"time"

	"updown/internal/component"
	"updown/internal/config"
	"updown/internal/consensus"
	"updown/internal/executor"
	"updown/internal/gateway/binance"
	"updown/internal/gateway/clob"
	"updown/internal/gateway/oracle"
	"updown/internal/killswitch"
	"updown/internal/ledger"
	"updown/internal/logger"
	"updown/internal/reconciler"
	"updown/internal/scheduler"
	"updown/internal/store/sqlite"
	"updown/internal/strategy"
	transporthttp "updown/internal/transport/http"
	"updown/internal/types"
	"updown/internal/window"
)

// AppBuilder 按依赖顺序装配全部组件：存储 → 共识 → 窗口 → 策略
// → 账本 → 执行 → 对账 → kill switch → 监控面。
type AppBuilder struct {
	cfg *config.Config
}

func NewAppBuilder(cfg *config.Config) *AppBuilder {
	return &AppBuilder{cfg: cfg}
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	cfg := b.cfg

	db, err := sqlite.NewSqliteStore(cfg.Ledger.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init store failed: %w", err)
	}

	cons := consensus.New(cfg.Price)
	tracker := window.NewTracker(cfg.Window, cfg.Engine.Symbols, cons, db)

	registry := strategy.NewRegistry()
	if err := strategy.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	if err := registry.Load(cfg.Strategy.RegistryPath); err != nil {
		return nil, fmt.Errorf("load strategies failed: %w", err)
	}

	led := ledger.New(cfg.Ledger, db)
	engine := strategy.NewEngine(cfg.Strategy, cfg.Window, cfg.Engine.Symbols,
		registry, cons, tracker, led, db)

	var orderClient clob.OrderClient
	if cfg.CLOB.BaseURL != "" {
		orderClient = clob.NewHTTPClient(cfg.CLOB)
	} else {
		logger.Warnf("未配置 clob.base_url，使用内存模拟撮合所")
		orderClient = clob.NewSimClient()
	}
	exec := executor.New(cfg.Executor, led, orderClient)
	exec.OnResult(engine.OnExecuted)

	recon := reconciler.New(cfg.Reconciler, cfg.Ledger.IntentStaleness(), engine, led, db)

	app := &App{cfg: cfg, db: db}
	ks := killswitch.New(cfg.KillSwitch, engine, led, db, app.stop)
	ks.AddHalter(engine)
	ks.AddHalter(exec)

	tracker.OnResolved(func(w types.Window) {
		engine.OnWindowResolved(context.Background(), w)
	})

	components := []component.Component{cons, tracker, engine, led, exec, recon, ks}
	// 活性检查只盯周期驱动的组件：共识/窗口/策略每 tick 必跑，
	// 对账器有固定间隔。账本和执行器是事件驱动的，只在有 intent
	// 流动时更新 LastRunAt，空闲不等于失活，不纳入监控。
	ks.Watch(cons)
	ks.Watch(tracker)
	ks.Watch(engine)
	ks.Watch(recon)

	driver := scheduler.NewDriver(cfg.Engine.TickInterval())
	driver.Add(func(ctx context.Context, now time.Time) { cons.Refresh() })
	driver.Add(tracker.Tick)
	driver.Add(engine.Tick)
	// 窗口边界对齐唤醒：开窗时刻不受 tick 相位影响。
	aligned := scheduler.NewAligned(cfg.Window.Duration(), 0)

	server, err := transporthttp.NewServer(transporthttp.Deps{
		Addr:      cfg.App.HTTPAddr,
		Symbols:   cfg.Engine.Symbols,
		States:    app,
		Market:    cons,
		Windows:   tracker,
		Positions: engine,
		DB:        db,
	})
	if err != nil {
		return nil, err
	}

	app.components = components
	app.driver = driver
	app.aligned = aligned
	app.alignedTick = tracker.Tick
	app.executor = exec
	app.reconciler = recon
	app.killswitch = ks
	app.server = server
	if cfg.Feeds.Binance.Enabled {
		app.binance = binance.NewFeed(cfg.Feeds.Binance, cons)
	}
	if cfg.Feeds.Oracle.Enabled {
		app.oracle = oracle.NewFeed(cfg.Feeds.Oracle, cons, tracker)
	}
	return app, nil
}
