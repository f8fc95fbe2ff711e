package config

import (
	"strings"
	"time"
)

// Config 是 updown 的主配置载体，进程启动时加载一次，之后不可变。
type Config struct {
	App        AppConfig        `toml:"app"`
	Engine     EngineConfig     `toml:"engine"`
	Price      PriceConfig      `toml:"price"`
	Window     WindowConfig     `toml:"window"`
	Strategy   StrategyConfig   `toml:"strategy"`
	Ledger     LedgerConfig     `toml:"ledger"`
	Executor   ExecutorConfig   `toml:"executor"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	KillSwitch KillSwitchConfig `toml:"killswitch"`
	Feeds      FeedsConfig      `toml:"feeds"`
	CLOB       CLOBConfig       `toml:"clob"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// EngineConfig 控制主 tick 循环与组件生命周期超时。
type EngineConfig struct {
	TickIntervalMS  int      `toml:"tick_interval_ms"`
	InitTimeoutSec  int      `toml:"init_timeout_seconds"`
	ShutdownTimeout int      `toml:"shutdown_timeout_seconds"`
	Symbols         []string `toml:"symbols"`
}

func (e EngineConfig) TickInterval() time.Duration {
	return time.Duration(e.TickIntervalMS) * time.Millisecond
}

func (e EngineConfig) InitTimeout() time.Duration {
	return time.Duration(e.InitTimeoutSec) * time.Second
}

func (e EngineConfig) ShutdownTimeoutDur() time.Duration {
	return time.Duration(e.ShutdownTimeout) * time.Second
}

// PriceConfig 控制共识价计算。
type PriceConfig struct {
	StalenessMS  int     `toml:"staleness_ms"`
	OutlierSigma float64 `toml:"outlier_sigma"`
	HistorySize  int     `toml:"history_size"`
	MinSources   int     `toml:"min_sources"`
}

func (p PriceConfig) Staleness() time.Duration {
	return time.Duration(p.StalenessMS) * time.Millisecond
}

// WindowConfig 控制 15 分钟窗口的生命周期阈值。
type WindowConfig struct {
	DurationMin      int `toml:"duration_minutes"`
	OpenGuardSec     int `toml:"open_guard_seconds"`
	PreCloseGuardSec int `toml:"pre_close_guard_seconds"`
	StrikeTimeoutSec int `toml:"strike_timeout_seconds"`
	SettleGraceSec   int `toml:"settle_grace_seconds"`
	ExpiryWarningSec int `toml:"expiry_warning_seconds"`
	RetentionCount   int `toml:"retention_count"`
}

func (w WindowConfig) Duration() time.Duration {
	return time.Duration(w.DurationMin) * time.Minute
}

func (w WindowConfig) OpenGuard() time.Duration {
	return time.Duration(w.OpenGuardSec) * time.Second
}

func (w WindowConfig) PreCloseGuard() time.Duration {
	return time.Duration(w.PreCloseGuardSec) * time.Second
}

func (w WindowConfig) StrikeTimeout() time.Duration {
	return time.Duration(w.StrikeTimeoutSec) * time.Second
}

func (w WindowConfig) SettleGrace() time.Duration {
	return time.Duration(w.SettleGraceSec) * time.Second
}

func (w WindowConfig) ExpiryWarning() time.Duration {
	return time.Duration(w.ExpiryWarningSec) * time.Second
}

// StrategyConfig 控制策略引擎的入场闸门与仓位边界。
type StrategyConfig struct {
	RegistryPath        string  `toml:"registry_path"`
	MinTimeRemainingSec int     `toml:"min_time_remaining_seconds"`
	BaseSizeUSD         float64 `toml:"base_size_usd"`
	MinSizeUSD          float64 `toml:"min_size_usd"`
	MaxSizeUSD          float64 `toml:"max_size_usd"`
	MaxExposureUSD      float64 `toml:"max_exposure_usd"`
	StopLossPct         float64 `toml:"stop_loss_pct"`
	TakeProfitPct       float64 `toml:"take_profit_pct"`
}

func (s StrategyConfig) MinTimeRemaining() time.Duration {
	return time.Duration(s.MinTimeRemainingSec) * time.Second
}

type LedgerConfig struct {
	DBPath             string `toml:"db_path"`
	IntentStalenessSec int    `toml:"intent_staleness_seconds"`
}

func (l LedgerConfig) IntentStaleness() time.Duration {
	return time.Duration(l.IntentStalenessSec) * time.Second
}

// ExecutorConfig 统一的重试/退避策略，全部下单路径共用。
type ExecutorConfig struct {
	MaxAttempts       int `toml:"max_attempts"`
	BackoffBaseMS     int `toml:"backoff_base_ms"`
	AttemptTimeoutSec int `toml:"attempt_timeout_seconds"`
	BreakerThreshold  int `toml:"breaker_threshold"`
	BreakerCooldown   int `toml:"breaker_cooldown_seconds"`
}

func (e ExecutorConfig) BackoffBase() time.Duration {
	return time.Duration(e.BackoffBaseMS) * time.Millisecond
}

func (e ExecutorConfig) AttemptTimeout() time.Duration {
	return time.Duration(e.AttemptTimeoutSec) * time.Second
}

func (e ExecutorConfig) BreakerCooldownDur() time.Duration {
	return time.Duration(e.BreakerCooldown) * time.Second
}

type ReconcilerConfig struct {
	IntervalSec   int    `toml:"interval_seconds"`
	TimeBudgetSec int    `toml:"time_budget_seconds"`
	OrphanPolicy  string `toml:"orphan_policy"` // "redrive" | "abandon"
}

func (r ReconcilerConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSec) * time.Second
}

func (r ReconcilerConfig) TimeBudget() time.Duration {
	return time.Duration(r.TimeBudgetSec) * time.Second
}

type KillSwitchConfig struct {
	SnapshotIntervalSec  int    `toml:"snapshot_interval_seconds"`
	SnapshotPath         string `toml:"snapshot_path"`
	TriggerPath          string `toml:"trigger_path"`
	LivenessStalenessSec int    `toml:"liveness_staleness_seconds"`
	GracefulTimeoutSec   int    `toml:"graceful_timeout_seconds"`
}

func (k KillSwitchConfig) SnapshotInterval() time.Duration {
	return time.Duration(k.SnapshotIntervalSec) * time.Second
}

func (k KillSwitchConfig) LivenessStaleness() time.Duration {
	return time.Duration(k.LivenessStalenessSec) * time.Second
}

func (k KillSwitchConfig) GracefulTimeout() time.Duration {
	return time.Duration(k.GracefulTimeoutSec) * time.Second
}

type FeedsConfig struct {
	Binance BinanceFeedConfig `toml:"binance"`
	Oracle  OracleFeedConfig  `toml:"oracle"`
}

type BinanceFeedConfig struct {
	Enabled bool     `toml:"enabled"`
	Symbols []string `toml:"symbols"`
}

type OracleFeedConfig struct {
	Enabled        bool   `toml:"enabled"`
	URL            string `toml:"url"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
}

func (o OracleFeedConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMS) * time.Millisecond
}

// CLOBConfig 描述外部撮合所（下单/查单）的访问方式。
type CLOBConfig struct {
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	TimeoutSec int    `toml:"timeout_seconds"`
}

func (c CLOBConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
