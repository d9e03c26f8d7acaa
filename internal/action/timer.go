package action

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically expires actions whose duration has run out.
type Timer struct {
	controller *Controller
	interval   time.Duration
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewTimer creates a new action timer.
func NewTimer(controller *Controller, logger *slog.Logger) *Timer {
	return &Timer{
		controller: controller,
		interval:   30 * time.Second,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// WithInterval overrides the expiry interval.
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

// Start begins the expiry loop. Call in a goroutine.
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
			t.safeExpire(ctx)
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

func (t *Timer) safeExpire(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in risk action timer", "panic", fmt.Sprint(r))
		}
	}()
	n, err := t.controller.ExpireDue(ctx)
	if err != nil {
		t.logger.Warn("action expiry failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("action expiry complete", "expired", n)
	}
}
