package config

import "strings"

// 默认值常量
const (
	defaultAppEnv       = "dev"
	defaultAppLogLevel  = "info"
	defaultAppHTTPAddr  = ":9991"
	defaultAppLogPath   = "/data/logs/updown-live.log"
	defaultTickMS       = 1000
	defaultInitTimeout  = 30
	defaultShutdown     = 30
	defaultStalenessMS  = 5000
	defaultOutlierSigma = 4.0
	defaultHistorySize  = 120
	defaultMinSources   = 1
	defaultWindowMin    = 15
	defaultOpenGuard    = 5
	defaultPreClose     = 60
	defaultStrikeWait   = 30
	defaultSettleGrace  = 90
	defaultExpiryWarn   = 45
	defaultRetention    = 96
	defaultRegistryPath = "configs/strategies.yaml"
	defaultMinRemaining = 120
	defaultBaseSize     = 100
	defaultMinSize      = 10
	defaultMaxSize      = 250
	defaultMaxExposure  = 500
	defaultStopLoss     = 0.05
	defaultTakeProfit   = 0.10
	defaultLedgerDB     = "/data/db/updown.db"
	defaultIntentStale  = 120
	defaultMaxAttempts  = 4
	defaultBackoffMS    = 500
	defaultAttemptSec   = 10
	defaultBreakerN     = 5
	defaultBreakerCool  = 60
	defaultReconcileSec = 60
	defaultReconBudget  = 10
	defaultOrphanPolicy = "abandon"
	defaultSnapshotSec  = 15
	defaultSnapshotPath = "/data/live/killswitch.json"
	defaultTriggerPath  = "/data/live/killswitch.trigger"
	defaultLivenessSec  = 150
	defaultGracefulSec  = 20
	defaultOraclePollMS = 1000
	defaultCLOBTimeout  = 10
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.Price.applyDefaults(keys)
	c.Window.applyDefaults(keys)
	c.Strategy.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	c.Executor.applyDefaults(keys)
	c.Reconciler.applyDefaults(keys)
	c.KillSwitch.applyDefaults(keys)
	c.Feeds.applyDefaults(keys)
	c.CLOB.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("engine.tick_interval_ms", &e.TickIntervalMS, defaultTickMS),
		intFieldDefault("engine.init_timeout_seconds", &e.InitTimeoutSec, defaultInitTimeout),
		intFieldDefault("engine.shutdown_timeout_seconds", &e.ShutdownTimeout, defaultShutdown),
	)
}

func (p *PriceConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("price.staleness_ms", &p.StalenessMS, defaultStalenessMS),
		floatFieldDefault("price.outlier_sigma", &p.OutlierSigma, defaultOutlierSigma),
		intFieldDefault("price.history_size", &p.HistorySize, defaultHistorySize),
		intFieldDefault("price.min_sources", &p.MinSources, defaultMinSources),
	)
}

func (w *WindowConfig) applyDefaults(keys keySet) {
	if w == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("window.duration_minutes", &w.DurationMin, defaultWindowMin),
		intFieldDefault("window.open_guard_seconds", &w.OpenGuardSec, defaultOpenGuard),
		intFieldDefault("window.pre_close_guard_seconds", &w.PreCloseGuardSec, defaultPreClose),
		intFieldDefault("window.strike_timeout_seconds", &w.StrikeTimeoutSec, defaultStrikeWait),
		intFieldDefault("window.settle_grace_seconds", &w.SettleGraceSec, defaultSettleGrace),
		intFieldDefault("window.expiry_warning_seconds", &w.ExpiryWarningSec, defaultExpiryWarn),
		intFieldDefault("window.retention_count", &w.RetentionCount, defaultRetention),
	)
}

func (s *StrategyConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("strategy.registry_path", &s.RegistryPath, defaultRegistryPath),
		intFieldDefault("strategy.min_time_remaining_seconds", &s.MinTimeRemainingSec, defaultMinRemaining),
		floatFieldDefault("strategy.base_size_usd", &s.BaseSizeUSD, defaultBaseSize),
		floatFieldDefault("strategy.min_size_usd", &s.MinSizeUSD, defaultMinSize),
		floatFieldDefault("strategy.max_size_usd", &s.MaxSizeUSD, defaultMaxSize),
		floatFieldDefault("strategy.max_exposure_usd", &s.MaxExposureUSD, defaultMaxExposure),
		floatFieldDefault("strategy.stop_loss_pct", &s.StopLossPct, defaultStopLoss),
		floatFieldDefault("strategy.take_profit_pct", &s.TakeProfitPct, defaultTakeProfit),
	)
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("ledger.db_path", &l.DBPath, defaultLedgerDB),
		intFieldDefault("ledger.intent_staleness_seconds", &l.IntentStalenessSec, defaultIntentStale),
	)
}

func (e *ExecutorConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("executor.max_attempts", &e.MaxAttempts, defaultMaxAttempts),
		intFieldDefault("executor.backoff_base_ms", &e.BackoffBaseMS, defaultBackoffMS),
		intFieldDefault("executor.attempt_timeout_seconds", &e.AttemptTimeoutSec, defaultAttemptSec),
		intFieldDefault("executor.breaker_threshold", &e.BreakerThreshold, defaultBreakerN),
		intFieldDefault("executor.breaker_cooldown_seconds", &e.BreakerCooldown, defaultBreakerCool),
	)
}

func (r *ReconcilerConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("reconciler.interval_seconds", &r.IntervalSec, defaultReconcileSec),
		intFieldDefault("reconciler.time_budget_seconds", &r.TimeBudgetSec, defaultReconBudget),
		stringFieldDefault("reconciler.orphan_policy", &r.OrphanPolicy, defaultOrphanPolicy),
	)
}

func (k *KillSwitchConfig) applyDefaults(keys keySet) {
	if k == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("killswitch.snapshot_interval_seconds", &k.SnapshotIntervalSec, defaultSnapshotSec),
		stringFieldDefault("killswitch.snapshot_path", &k.SnapshotPath, defaultSnapshotPath),
		stringFieldDefault("killswitch.trigger_path", &k.TriggerPath, defaultTriggerPath),
		intFieldDefault("killswitch.liveness_staleness_seconds", &k.LivenessStalenessSec, defaultLivenessSec),
		intFieldDefault("killswitch.graceful_timeout_seconds", &k.GracefulTimeoutSec, defaultGracefulSec),
	)
}

func (f *FeedsConfig) applyDefaults(keys keySet) {
	if f == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("feeds.oracle.poll_interval_ms", &f.Oracle.PollIntervalMS, defaultOraclePollMS),
	)
}

func (c *CLOBConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("clob.timeout_seconds", &c.TimeoutSec, defaultCLOBTimeout),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
