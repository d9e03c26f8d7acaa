package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically decays risk scores toward zero.
type Timer struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new decay timer.
func NewTimer(engine *Engine, logger *slog.Logger) *Timer {
	return &Timer{
		engine:   engine,
		interval: 15 * time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval overrides the decay interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the decay loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeDecay(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeDecay(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in risk decay timer", "panic", fmt.Sprint(r))
		}
	}()
	n, err := t.engine.DecayAll(ctx)
	if err != nil {
		t.logger.Warn("risk decay failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("risk decay complete", "decayed", n)
	}
}
