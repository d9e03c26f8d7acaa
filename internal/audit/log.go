package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sendguard/internal/circuitbreaker"
	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/metrics"
	"github.com/mbd888/sendguard/internal/retry"
)

// Writer is what producing components depend on.
type Writer interface {
	Write(ctx context.Context, kind Kind, tenantID string, ref entity.Ref, action string, payload any) error
}

// Log appends records durably and fans them out to sinks.
//
// A failed write is retried; if it still fails the log counts it, raises an
// operational alert and returns ErrAuditUnavailable. Sinks are fed from a
// buffered outbox by a single dispatcher, so a slow sink never delays the
// append. A full outbox drops the record for sinks only.
type Log struct {
	store   Store
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker
	retries retry.Policy
	now     func() time.Time

	mu     sync.RWMutex // guards sinks and closed against the outbox send
	sinks  []Sink
	closed bool
	outbox chan Record
	start  sync.Once
	done   chan struct{}
}

const sinkTimeout = 5 * time.Second

// DefaultOutbox is the number of records buffered for sink delivery.
const DefaultOutbox = 1024

// NewLog creates an audit log over store.
func NewLog(store Store, logger *slog.Logger) *Log {
	return &Log{
		store:   store,
		logger:  logger,
		breaker: circuitbreaker.New(5, 30*time.Second),
		retries: retry.Policy{Op: "audit_append", Attempts: 4, Base: 25 * time.Millisecond},
		now:     time.Now,
		outbox:  make(chan Record, DefaultOutbox),
		done:    make(chan struct{}),
	}
}

// WithOutbox resizes the sink buffer. Call before AddSink.
func (l *Log) WithOutbox(size int) *Log {
	if size < 1 {
		size = 1
	}
	l.outbox = make(chan Record, size)
	return l
}

// WithRetry overrides the write retry policy.
func (l *Log) WithRetry(attempts int, baseDelay time.Duration) *Log {
	l.retries = l.retries.WithAttempts(attempts, baseDelay)
	return l
}

// WithClock overrides the time source used by Write.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// AddSink registers a downstream consumer. The first sink starts the
// dispatcher.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
	l.start.Do(func() { go l.dispatch() })
}

// Close stops accepting records for sinks and waits until everything
// already buffered has been delivered. Appends keep working after Close.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.outbox)
	l.mu.Unlock()

	// no sink was ever added, so nothing is running
	l.start.Do(func() { close(l.done) })
	<-l.done
}

// Write builds a record stamped with the current time and appends it.
func (l *Log) Write(ctx context.Context, kind Kind, tenantID string, ref entity.Ref, action string, payload any) error {
	rec, err := NewRecord(kind, tenantID, ref, action, payload, l.now())
	if err != nil {
		return err
	}
	return l.Append(ctx, rec)
}

// Append stores r and forwards it to every sink.
func (l *Log) Append(ctx context.Context, r Record) error {
	err := l.retries.Do(ctx, func() error {
		err := l.store.Append(ctx, r)
		if errors.Is(err, ErrDuplicateRecord) {
			// an earlier attempt committed before reporting failure
			return nil
		}
		return err
	})
	if err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		l.logger.Error("operational alert: audit write failed",
			"record_id", r.id,
			"kind", r.kind,
			"action", r.action,
			"entity", r.entity.Key(),
			"tenant_id", r.tenantID,
			"error", err,
		)
		return fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}

	l.enqueue(r)
	return nil
}

func (l *Log) enqueue(r Record) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed || len(l.sinks) == 0 {
		return
	}
	select {
	case l.outbox <- r:
	default:
		metrics.AuditSinkDroppedTotal.Inc()
		l.logger.Warn("audit outbox full, record not sent to sinks", "record_id", r.id, "kind", r.kind)
	}
}

func (l *Log) dispatch() {
	defer close(l.done)
	for r := range l.outbox {
		l.fanOut(r)
	}
}

func (l *Log) fanOut(r Record) {
	l.mu.RLock()
	sinks := make([]Sink, len(l.sinks))
	copy(sinks, l.sinks)
	l.mu.RUnlock()

	for _, s := range sinks {
		err := l.breaker.Do(s.Name(), func() error {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			defer cancel()
			return s.Publish(ctx, r)
		})
		if err != nil && !errors.Is(err, circuitbreaker.ErrOpen) {
			l.logger.Warn("audit sink publish failed", "sink", s.Name(), "record_id", r.id, "error", err)
		}
	}
}

// SinkStates reports the circuit state of every sink that has failed at
// least once.
func (l *Log) SinkStates() []circuitbreaker.KeyState {
	return l.breaker.Snapshot()
}

// ListByEntity returns the newest records for an entity.
func (l *Log) ListByEntity(ctx context.Context, ref entity.Ref, limit int) ([]Record, error) {
	return l.store.ListByEntity(ctx, ref, limit)
}

// ListByTenant returns the newest records for a tenant.
func (l *Log) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	return l.store.ListByTenant(ctx, tenantID, limit)
}
