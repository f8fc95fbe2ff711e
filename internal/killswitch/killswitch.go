// Package killswitch 提供最后一道闸门：Armed → Triggered →
// ShuttingDown → Stopped，状态只前进。触发后先停止产出与执行，
// 限时排空在途 intent，超时一律置为失败，随后终止进程。
package killswitch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"updown/internal/component"
	"updown/internal/config"
	"updown/internal/logger"
	"updown/internal/store"
	"updown/internal/store/model"
	"updown/internal/types"

	"github.com/fsnotify/fsnotify"
	"gorm.io/datatypes"
)

type Phase int

const (
	PhaseArmed Phase = iota
	PhaseTriggered
	PhaseShuttingDown
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseArmed:
		return "armed"
	case PhaseTriggered:
		return "triggered"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Halter 是触发后需要立即停止产出/执行的组件。
type Halter interface {
	Halt()
}

// PositionView 提供快照所需的仓位视图。
type PositionView interface {
	Positions() []types.Position
	TotalExposure() float64
}

// IntentLog 提供在途 intent 的查询与强制失败。
type IntentLog interface {
	Unresolved(ctx context.Context, olderThan time.Time) ([]types.Intent, error)
	MarkFailed(ctx context.Context, intentID, reason string) error
}

// LivenessSource 是被监控组件的健康面。
type LivenessSource interface {
	Name() string
	GetState() component.State
}

type Switch struct {
	cfg       config.KillSwitchConfig
	halters   []Halter
	positions PositionView
	intents   IntentLog
	watched   []LivenessSource
	db        store.Store
	log       *logger.Component
	// stopApp 在进入 Stopped 后调用，由编排器注入（取消根 ctx）。
	stopApp func()

	mu             sync.Mutex
	phase          Phase
	reason         string
	triggeredAt    time.Time
	snapshots      int64
	lastSnapshotOK time.Time
	initialized    bool
	lastRun        time.Time
	nowFn          func() time.Time
}

func New(cfg config.KillSwitchConfig, positions PositionView, intents IntentLog, db store.Store, stopApp func()) *Switch {
	return &Switch{
		cfg:       cfg,
		positions: positions,
		intents:   intents,
		db:        db,
		log:       logger.WithComponent("killswitch"),
		stopApp:   stopApp,
		nowFn:     time.Now,
	}
}

// AddHalter 注册触发后需要立即停止的组件（策略引擎、执行器）。
func (s *Switch) AddHalter(h Halter) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.halters = append(s.halters, h)
	s.mu.Unlock()
}

// Watch 注册参与活性监控的组件。只注册周期驱动的组件：事件驱动的
// 组件空闲期 LastRunAt 不更新，按新鲜度判定会误杀。
func (s *Switch) Watch(src LivenessSource) {
	if src == nil {
		return
	}
	s.mu.Lock()
	s.watched = append(s.watched, src)
	s.mu.Unlock()
}

func (s *Switch) Name() string { return "killswitch" }

func (s *Switch) Init(ctx context.Context) error {
	s.mu.Lock()
	s.initialized = true
	s.phase = PhaseArmed
	// 启动时刻作为快照新鲜度基线：快照一直写不成功也会触发。
	s.lastSnapshotOK = s.nowFn().UTC()
	s.mu.Unlock()
	// 启动时残留的触发文件视为有效触发：宁可不跑也不带病跑。
	if s.cfg.TriggerPath != "" {
		if _, err := os.Stat(s.cfg.TriggerPath); err == nil {
			s.Trigger(ctx, "trigger file present at startup")
		}
	}
	return nil
}

func (s *Switch) Shutdown(ctx context.Context) error { return nil }

func (s *Switch) GetState() component.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return component.State{
		Name:        "killswitch",
		Initialized: s.initialized,
		LastRunAt:   s.lastRun,
		Counters: map[string]int64{
			"phase":     int64(s.phase),
			"snapshots": s.snapshots,
		},
	}
}

func (s *Switch) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Run 驱动三件事：触发文件监听、组件活性检查、周期快照。
func (s *Switch) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if s.cfg.TriggerPath != "" {
		// 监听目录而非文件本身：文件通常在触发时才被创建。
		if err := watcher.Add(filepath.Dir(s.cfg.TriggerPath)); err != nil {
			s.log.Errorf("触发文件目录监听失败 path=%s err=%v", s.cfg.TriggerPath, err)
		}
	}

	snapTicker := time.NewTicker(s.cfg.SnapshotInterval())
	defer snapTicker.Stop()
	liveTicker := time.NewTicker(s.cfg.LivenessStaleness() / 2)
	defer liveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name == s.cfg.TriggerPath && ev.Op.Has(fsnotify.Create|fsnotify.Write) {
				s.Trigger(ctx, "trigger file created")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Errorf("fsnotify 错误 err=%v", err)
		case now := <-liveTicker.C:
			s.checkLiveness(ctx, now.UTC())
		case <-snapTicker.C:
			s.Snapshot(ctx)
		}
	}
}

// checkLiveness 两道检查：快照是否按时成功落库，以及被监控的周期
// 组件是否按时运行。事件驱动的组件（账本、执行器）空闲时 LastRunAt
// 不动，不在这里判死刑，只监控 tick/interval 驱动的组件。
func (s *Switch) checkLiveness(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.lastRun = now
	watched := append([]LivenessSource(nil), s.watched...)
	phase := s.phase
	lastOK := s.lastSnapshotOK
	s.mu.Unlock()
	if phase != PhaseArmed {
		return
	}
	if !lastOK.IsZero() {
		if age := now.Sub(lastOK); age > s.cfg.LivenessStaleness() {
			s.Trigger(ctx, "no successful snapshot for "+age.Round(time.Second).String())
			return
		}
	}
	for _, src := range watched {
		st := src.GetState()
		if !st.Initialized || st.LastRunAt.IsZero() {
			continue
		}
		if age := now.Sub(st.LastRunAt); age > s.cfg.LivenessStaleness() {
			s.Trigger(ctx, "component "+src.Name()+" stale for "+age.Round(time.Second).String())
			return
		}
	}
}

// Trigger 幂等：首次调用推进状态机并开始排空，后续调用只记日志。
func (s *Switch) Trigger(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.phase != PhaseArmed {
		s.mu.Unlock()
		s.log.Warnf("重复触发忽略 reason=%s", reason)
		return
	}
	s.phase = PhaseTriggered
	s.reason = reason
	s.triggeredAt = s.nowFn().UTC()
	halters := append([]Halter(nil), s.halters...)
	s.mu.Unlock()

	s.log.Errorf("⛔ kill switch 触发 reason=%s", reason)
	for _, h := range halters {
		h.Halt()
	}
	s.Snapshot(ctx)
	go s.drainAndStop(ctx)
}

// drainAndStop 限时等待在途 intent 终结，超时强制置为失败。
func (s *Switch) drainAndStop(ctx context.Context) {
	s.setPhase(PhaseShuttingDown)
	deadline := s.nowFn().Add(s.cfg.GracefulTimeout())

	for s.nowFn().Before(deadline) {
		live, err := s.intents.Unresolved(ctx, s.nowFn().UTC())
		if err == nil && len(live) == 0 {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	if live, err := s.intents.Unresolved(ctx, s.nowFn().UTC()); err == nil && len(live) > 0 {
		for _, it := range live {
			s.log.Errorf("排空超时，强制失败 intent=%s type=%s", it.ID, it.Type)
			if err := s.intents.MarkFailed(ctx, it.ID, "kill switch drain timeout"); err != nil {
				s.log.Errorf("强制失败写入失败 intent=%s err=%v", it.ID, err)
			}
		}
	}

	s.Snapshot(ctx)
	s.setPhase(PhaseStopped)
	s.log.Errorf("kill switch 完成，进程退出 reason=%s", s.reasonText())
	if s.stopApp != nil {
		s.stopApp()
	}
}

// Snapshot 把当前仓位与敞口写入文件和存储，供人工恢复取证。
func (s *Switch) Snapshot(ctx context.Context) {
	now := s.nowFn().UTC()
	positions := s.positions.Positions()
	exposure := s.positions.TotalExposure()

	s.mu.Lock()
	phase := s.phase
	s.snapshots++
	s.lastRun = now
	s.mu.Unlock()

	payload := map[string]any{
		"phase":        phase.String(),
		"taken_at":     now.Format(time.RFC3339),
		"exposure_usd": exposure,
		"positions":    positions,
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return
	}
	if s.cfg.SnapshotPath != "" {
		tmp := s.cfg.SnapshotPath + ".tmp"
		if err := os.WriteFile(tmp, raw, 0o644); err == nil {
			_ = os.Rename(tmp, s.cfg.SnapshotPath)
		} else {
			s.log.Errorf("快照文件写入失败 path=%s err=%v", s.cfg.SnapshotPath, err)
		}
	}

	uow, err := s.db.Begin(ctx)
	if err != nil {
		s.log.Errorf("快照事务失败 err=%v", err)
		return
	}
	rec := &model.SnapshotModel{
		Phase:         phase.String(),
		OpenPositions: len(positions),
		ExposureUSD:   exposure,
		Detail:        datatypes.JSON(raw),
	}
	if err := uow.Snapshots().Insert(ctx, rec); err != nil {
		s.log.Errorf("快照落库失败 err=%v", err)
		uow.Rollback()
		return
	}
	if err := uow.Commit(); err != nil {
		s.log.Errorf("快照提交失败 err=%v", err)
		return
	}
	// 只有落库成功才算一次成功快照，活性判定以此为准。
	s.mu.Lock()
	s.lastSnapshotOK = now
	s.mu.Unlock()
}

func (s *Switch) setPhase(p Phase) {
	s.mu.Lock()
	if p > s.phase {
		s.phase = p
	}
	s.mu.Unlock()
}

func (s *Switch) reasonText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
