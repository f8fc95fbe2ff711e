package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Price.validate(); err != nil {
		return err
	}
	if err := c.Window.validate(); err != nil {
		return err
	}
	if err := c.Strategy.validate(); err != nil {
		return err
	}
	if err := c.Reconciler.validate(); err != nil {
		return err
	}
	if err := c.KillSwitch.validate(&c.Reconciler); err != nil {
		return err
	}
	return nil
}

func (e *EngineConfig) validate() error {
	if len(e.Symbols) == 0 {
		return fmt.Errorf("engine.symbols requires at least one symbol")
	}
	for _, s := range e.Symbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("engine.symbols contains empty entry")
		}
	}
	if e.TickIntervalMS <= 0 {
		return fmt.Errorf("engine.tick_interval_ms must be > 0")
	}
	return nil
}

func (p *PriceConfig) validate() error {
	if p.OutlierSigma < 1 {
		return fmt.Errorf("price.outlier_sigma must be >= 1 (got %.2f)", p.OutlierSigma)
	}
	if p.MinSources < 1 {
		return fmt.Errorf("price.min_sources must be >= 1")
	}
	return nil
}

func (w *WindowConfig) validate() error {
	if w.DurationMin <= 0 {
		return fmt.Errorf("window.duration_minutes must be > 0")
	}
	if w.PreCloseGuard() >= w.Duration() {
		return fmt.Errorf("window.pre_close_guard_seconds must be shorter than window duration")
	}
	if w.ExpiryWarning() >= w.Duration() {
		return fmt.Errorf("window.expiry_warning_seconds must be shorter than window duration")
	}
	return nil
}

func (s *StrategyConfig) validate() error {
	if s.MinSizeUSD > s.MaxSizeUSD {
		return fmt.Errorf("strategy.min_size_usd (%.2f) exceeds max_size_usd (%.2f)", s.MinSizeUSD, s.MaxSizeUSD)
	}
	if s.BaseSizeUSD > s.MaxSizeUSD {
		return fmt.Errorf("strategy.base_size_usd (%.2f) exceeds max_size_usd (%.2f)", s.BaseSizeUSD, s.MaxSizeUSD)
	}
	if s.StopLossPct <= 0 || s.StopLossPct >= 1 {
		return fmt.Errorf("strategy.stop_loss_pct must be in (0, 1)")
	}
	if s.TakeProfitPct <= 0 {
		return fmt.Errorf("strategy.take_profit_pct must be > 0")
	}
	return nil
}

func (r *ReconcilerConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(r.OrphanPolicy)) {
	case "redrive", "abandon":
		return nil
	default:
		return fmt.Errorf("reconciler.orphan_policy must be redrive or abandon (got %q)", r.OrphanPolicy)
	}
}

// 活性阈值必须给被监控的周期组件留出至少一个完整周期，
// 否则进程空转也会被自己的 kill switch 杀掉。
func (k *KillSwitchConfig) validate(r *ReconcilerConfig) error {
	if k.LivenessStaleness() <= r.Interval() {
		return fmt.Errorf("killswitch.liveness_staleness_seconds (%d) must exceed reconciler.interval_seconds (%d)",
			k.LivenessStalenessSec, r.IntervalSec)
	}
	if k.LivenessStaleness() <= k.SnapshotInterval() {
		return fmt.Errorf("killswitch.liveness_staleness_seconds (%d) must exceed killswitch.snapshot_interval_seconds (%d)",
			k.LivenessStalenessSec, k.SnapshotIntervalSec)
	}
	return nil
}
