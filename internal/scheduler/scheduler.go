// Package scheduler 提供两种驱动：固定周期的 Driver 驱动日常 tick，
// Aligned 在窗口边界（整 15 分钟）对齐唤醒，保证开窗不依赖 tick 相位。
package scheduler

import (
	"context"
	"time"

	"updown/internal/logger"
)

// TickFunc 是被驱动的周期任务。
type TickFunc func(ctx context.Context, now time.Time)

// Driver 按固定间隔依序调用注册的任务。
type Driver struct {
	interval time.Duration
	tasks    []TickFunc
	nowFn    func() time.Time
}

func NewDriver(interval time.Duration) *Driver {
	return &Driver{interval: interval, nowFn: time.Now}
}

func (d *Driver) Add(fn TickFunc) {
	if fn != nil {
		d.tasks = append(d.tasks, fn)
	}
}

// Run 阻塞驱动直至 ctx 取消。
func (d *Driver) Run(ctx context.Context) error {
	if d.interval <= 0 {
		d.interval = time.Second
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	logger.Infof("[scheduler] driver 启动 interval=%s tasks=%d", d.interval, len(d.tasks))
	for {
		select {
		case <-ctx.Done():
			logger.Infof("[scheduler] driver 退出")
			return ctx.Err()
		case now := <-ticker.C:
			for _, fn := range d.tasks {
				fn(ctx, now.UTC())
			}
		}
	}
}

// Aligned 在每个 interval 边界（可加 offset）唤醒一次。
type Aligned struct {
	Interval time.Duration
	Offset   time.Duration

	nowFn func() time.Time
}

func NewAligned(interval, offset time.Duration) *Aligned {
	if offset < 0 {
		offset = 0
	}
	return &Aligned{Interval: interval, Offset: offset, nowFn: time.Now}
}

// Run 阻塞驱动直至 ctx 取消，task 在每个边界被调用一次。
func (a *Aligned) Run(ctx context.Context, task TickFunc) error {
	if task == nil || a.Interval <= 0 {
		logger.Warnf("[scheduler] aligned 参数无效 interval=%s，退出", a.Interval)
		return nil
	}
	logger.Infof("[scheduler] aligned 启动 interval=%s offset=%s", a.Interval, a.Offset)
	for {
		now := a.nowFn().UTC()
		wakeAt := now.Truncate(a.Interval).Add(a.Interval).Add(a.Offset)
		wait := wakeAt.Sub(now)
		if wait <= 0 {
			task(ctx, now)
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("[scheduler] aligned 退出")
			return ctx.Err()
		case <-timer.C:
		}
		task(ctx, a.nowFn().UTC())
	}
}
