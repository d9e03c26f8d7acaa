package signals

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/sendguard/internal/metrics"
	"github.com/mbd888/sendguard/internal/risk"
	"github.com/mbd888/sendguard/internal/traces"
)

const processTimeout = 10 * time.Second

// Pipeline processes signals on a fixed pool of workers. Failures inside
// scoring or rule evaluation are logged and never reach the submitter.
type Pipeline struct {
	risk    RiskRecorder
	rules   RuleEvaluator
	logger  *slog.Logger
	workers int

	queue   chan Signal
	mu      sync.RWMutex // guards closed against concurrent Submit
	closed  bool
	wg      sync.WaitGroup
	running atomic.Bool

	processed atomic.Int64
}

// NewPipeline creates a pipeline with the given worker count and queue capacity.
func NewPipeline(recorder RiskRecorder, rules RuleEvaluator, logger *slog.Logger, workers, queueSize int) *Pipeline {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pipeline{
		risk:    recorder,
		rules:   rules,
		logger:  logger,
		workers: workers,
		queue:   make(chan Signal, queueSize),
	}
}

// Start launches the workers. They exit once Stop has closed the queue and
// every queued signal is processed; cancelling ctx does not drop queued work.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(context.WithoutCancel(ctx))
	}
}

// Stop closes the queue and waits for workers to drain it.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.running.Store(false)
}

// Running reports whether workers are active.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Processed returns the number of signals handled by workers.
func (p *Pipeline) Processed() int64 {
	return p.processed.Load()
}

// Submit enqueues a signal without blocking. A full queue drops the signal
// and returns ErrQueueFull.
func (p *Pipeline) Submit(sig Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPipelineStopped
	}

	select {
	case p.queue <- sig:
		metrics.SignalQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		metrics.SignalsDroppedTotal.Inc()
		p.logger.Warn("signal queue full, dropping signal",
			"tenant", sig.TenantID, "signal", sig.SignalType, "entity", sig.EntityType+":"+sig.EntityID)
		return ErrQueueFull
	}
}

func (p *Pipeline) work(ctx context.Context) {
	defer p.wg.Done()
	for sig := range p.queue {
		metrics.SignalQueueDepth.Set(float64(len(p.queue)))
		p.safeProcess(ctx, sig)
	}
}

func (p *Pipeline) safeProcess(ctx context.Context, sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in signal worker", "panic", r, "signal", sig.SignalType)
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()
	if _, err := p.Process(pctx, sig); err != nil {
		p.logger.Warn("signal rejected", "error", err, "signal", sig.SignalType)
	}
	p.processed.Add(1)
}

// Process handles one signal synchronously: it updates the risk score and
// then evaluates abuse rules. Only an invalid signal returns an error.
func (p *Pipeline) Process(ctx context.Context, sig Signal) (*Outcome, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	ref, _ := sig.Ref()

	ctx, span := traces.StartSpan(ctx, "signals.Process",
		traces.Entity(ref), traces.TenantID(sig.TenantID), traces.SignalType(sig.SignalType))
	defer span.End()

	out := &Outcome{}

	ev, err := p.risk.RecordSignal(ctx, sig.riskSignal(ref))
	switch {
	case errors.Is(err, risk.ErrConfigurationGap):
		out.RiskGap = true
	case err != nil:
		out.RiskError = traces.Fail(span, err).Error()
		p.logger.Error("risk scoring failed", "error", err, "entity", ref.Key(), "signal", sig.SignalType)
	default:
		out.Event = ev
	}
	if score, err := p.risk.Get(ctx, ref); err == nil {
		out.Score = score
	}

	decision, err := p.rules.Evaluate(ctx, sig.abuseSignal(ref))
	if err != nil {
		out.RuleError = traces.Fail(span, err).Error()
		p.logger.Error("abuse evaluation failed", "error", err, "entity", ref.Key(), "signal", sig.SignalType)
	} else {
		out.Decision = decision
	}
	return out, nil
}
