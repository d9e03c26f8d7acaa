package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/sendguard/internal/metrics"
)

// Source loads the latest policy document.
type Source interface {
	Load(ctx context.Context) (*Document, error)
}

// Provider serves the current Snapshot and refreshes it from a Source.
type Provider struct {
	source   Source
	current  atomic.Pointer[Snapshot]
	reloadMu sync.Mutex
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	now      func() time.Time
}

// NewProvider creates a provider serving initial until the first successful
// reload. A nil initial starts from an empty snapshot.
func NewProvider(source Source, initial *Document, logger *slog.Logger) (*Provider, error) {
	p := &Provider{
		source:   source,
		interval: 60 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
	snap := emptySnapshot()
	if initial != nil {
		s, err := NewSnapshot(initial, p.now())
		if err != nil {
			return nil, fmt.Errorf("initial policy: %w", err)
		}
		snap = s
	}
	p.install(snap)
	return p, nil
}

// WithInterval overrides the refresh interval.
func (p *Provider) WithInterval(d time.Duration) *Provider {
	if d > 0 {
		p.interval = d
	}
	return p
}

// Current returns the active snapshot. It is never nil.
func (p *Provider) Current() *Snapshot {
	return p.current.Load()
}

// Reload fetches the source document and swaps the snapshot if its version
// differs from the active one. It reports whether a swap happened.
// A failed load or an invalid document leaves the active snapshot in place.
func (p *Provider) Reload(ctx context.Context) (bool, error) {
	if p.source == nil {
		return false, ErrNoSource
	}
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	doc, err := p.source.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load policy: %w", err)
	}
	if doc.Version == p.Current().Version() {
		return false, nil
	}
	snap, err := NewSnapshot(doc, p.now())
	if err != nil {
		return false, err
	}

	prev := p.Current().Version()
	p.install(snap)
	p.logger.Info("policy snapshot swapped",
		"from_version", prev,
		"to_version", snap.Version(),
		"factors", len(doc.Factors),
		"rules", len(doc.Rules),
		"tiers", len(doc.Tiers),
	)
	return true, nil
}

func (p *Provider) install(s *Snapshot) {
	p.current.Store(s)
	metrics.PolicyVersion.Set(float64(s.Version()))
}

// Running reports whether the refresh loop is actively running.
func (p *Provider) Running() bool {
	return p.running.Load()
}

// Start begins the refresh loop. Call in a goroutine.
func (p *Provider) Start(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.safeReload(ctx)
		}
	}
}

// Stop signals the refresh loop to stop.
func (p *Provider) Stop() {
	select {
	case p.stop <- struct{}{}:
	default:
	}
}

func (p *Provider) safeReload(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in policy refresh", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := p.Reload(ctx); err != nil {
		p.logger.Warn("policy refresh failed, keeping current snapshot",
			"version", p.Current().Version(), "error", err)
	}
}
