package mainthread

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// Run turns the calling goroutine into the pinned goroutine: it locks the OS
// thread, binds the executor, and ticks every interval (or sooner when work is
// submitted) with at most maxPerTick items per tick. It returns when ctx is
// done. Items still queued at that point are left untouched.
func (e *Executor) Run(ctx context.Context, interval time.Duration, maxPerTick int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	e.Bind()
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("main thread pump started", "interval", interval, "max_per_tick", maxPerTick)
	defer slog.Info("main thread pump stopped", "queued", e.Len())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wakeCh:
		}
		e.Tick(maxPerTick)
	}
}
