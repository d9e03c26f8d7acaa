package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sendguard/internal/entity"
	"github.com/mbd888/sendguard/internal/metrics"
)

func counterValue(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.AuditWriteFailuresTotal.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewRecord(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	payload := map[string]any{"amount": 40}

	rec, err := NewRecord(KindReservation, "t1", entity.Tenant("t1"), "reserved", payload, at)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID())
	assert.Equal(t, KindReservation, rec.Kind())
	assert.Equal(t, "t1", rec.TenantID())
	assert.Equal(t, entity.Tenant("t1"), rec.Entity())
	assert.Equal(t, "reserved", rec.Action())
	assert.Equal(t, time.UTC, rec.OccurredAt().Location())

	payload["amount"] = 999
	assert.JSONEq(t, `{"amount":40}`, string(rec.Payload()), "payload snapshot at construction")

	p := rec.Payload()
	p[0] = 'X'
	assert.JSONEq(t, `{"amount":40}`, string(rec.Payload()), "accessor returns a copy")
}

func TestNewRecord_Invalid(t *testing.T) {
	_, err := NewRecord("bogus", "t1", entity.Tenant("t1"), "x", nil, time.Now())
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = NewRecord(KindRiskEvent, "t1", entity.Tenant("t1"), "", nil, time.Now())
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = NewRecord(KindRiskEvent, "t1", entity.Tenant("t1"), "x", func() {}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestRecord_MarshalJSON(t *testing.T) {
	rec, err := NewRecord(KindRuleViolation, "t1", entity.Connection("c1"), "fired", map[string]string{"rule": "retry_abuse"}, time.Now())
	require.NoError(t, err)

	b, err := json.Marshal(rec)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "rule_violation", out["kind"])
	assert.Equal(t, "fired", out["action"])
	assert.Equal(t, map[string]any{"kind": "connection", "id": "c1"}, out["entity"])
	assert.Equal(t, map[string]any{"rule": "retry_abuse"}, out["payload"])
}

func TestMemoryStore_NewestFirstAndDuplicates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref := entity.Tenant("t1")

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := NewRecord(KindRiskEvent, "t1", ref, "signal", map[string]int{"i": i}, time.Now())
		require.NoError(t, err)
		require.NoError(t, s.Append(ctx, rec))
		ids = append(ids, rec.ID())

		if i == 0 {
			assert.ErrorIs(t, s.Append(ctx, rec), ErrDuplicateRecord)
		}
	}
	other, _ := NewRecord(KindRiskEvent, "t2", entity.Tenant("t2"), "signal", nil, time.Now())
	require.NoError(t, s.Append(ctx, other))

	got, err := s.ListByEntity(ctx, ref, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ids[2], got[0].ID())
	assert.Equal(t, ids[0], got[2].ID())

	got, err = s.ListByTenant(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 4, s.Len())
}

type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) Append(ctx context.Context, r Record) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.MemoryStore.Append(ctx, r)
}

type recordingSink struct {
	name string
	mu   sync.Mutex
	recs []Record
	err  error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, r)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

func TestLog_RetriesTransientFailures(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	log := NewLog(store, slog.Default()).WithRetry(4, time.Millisecond)
	sink := &recordingSink{name: "test"}
	log.AddSink(sink)

	err := log.Write(context.Background(), KindReservation, "t1", entity.Tenant("t1"), "reserved", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 3, store.calls)
	log.Close()
	assert.Equal(t, 1, sink.count())
}

func TestLog_FinalFailureRaisesAlert(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 100}
	log := NewLog(store, slog.Default()).WithRetry(3, time.Millisecond)
	sink := &recordingSink{name: "test"}
	log.AddSink(sink)

	before := counterValue(t)
	err := log.Write(context.Background(), KindRiskAction, "t1", entity.Tenant("t1"), "applied", nil)
	assert.ErrorIs(t, err, ErrAuditUnavailable)
	assert.Equal(t, before+1, counterValue(t))
	assert.Equal(t, 3, store.calls)
	log.Close()
	assert.Equal(t, 0, sink.count(), "nothing fans out when the durable write failed")
}

func TestLog_SinkFailureDoesNotFailAppend(t *testing.T) {
	log := NewLog(NewMemoryStore(), slog.Default())
	bad := &recordingSink{name: "bad", err: errors.New("broker down")}
	good := &recordingSink{name: "good"}
	log.AddSink(bad)
	log.AddSink(good)

	for i := 0; i < 10; i++ {
		require.NoError(t, log.Write(context.Background(), KindRiskEvent, "t1", entity.Tenant("t1"), "signal", nil))
	}
	log.Close()
	assert.Equal(t, 10, good.count())
	assert.Equal(t, 5, bad.count(), "breaker opens after threshold failures")

	recs, err := log.ListByTenant(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Len(t, recs, 10)
}

type slowSink struct {
	recordingSink
	delay time.Duration
}

func (s *slowSink) Publish(ctx context.Context, r Record) error {
	time.Sleep(s.delay)
	return s.recordingSink.Publish(ctx, r)
}

func TestLog_SlowSinkDoesNotDelayAppend(t *testing.T) {
	log := NewLog(NewMemoryStore(), slog.Default())
	sink := &slowSink{recordingSink: recordingSink{name: "slow"}, delay: 20 * time.Millisecond}
	log.AddSink(sink)

	start := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, log.Write(context.Background(), KindRiskEvent, "t1", entity.Tenant("t1"), "signal", nil))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	log.Close()
	assert.Equal(t, 10, sink.count(), "Close delivers what was buffered")

	// durable appends continue after sinks are closed
	require.NoError(t, log.Write(context.Background(), KindRiskEvent, "t1", entity.Tenant("t1"), "signal", nil))
	assert.Equal(t, 10, sink.count())
	log.Close()
}

func TestLog_FullOutboxDropsForSinksOnly(t *testing.T) {
	store := NewMemoryStore()
	log := NewLog(store, slog.Default()).WithOutbox(1)
	block := make(chan struct{})
	sink := &blockingSink{name: "stuck", block: block}
	log.AddSink(sink)

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Write(context.Background(), KindRiskEvent, "t1", entity.Tenant("t1"), "signal", nil))
	}
	assert.Equal(t, 5, store.Len())

	close(block)
	log.Close()
	assert.Less(t, sink.count(), 5)
	assert.GreaterOrEqual(t, sink.count(), 1)
}

type blockingSink struct {
	name  string
	block chan struct{}
	n     atomic.Int32
}

func (s *blockingSink) Name() string { return s.name }

func (s *blockingSink) Publish(context.Context, Record) error {
	<-s.block
	s.n.Add(1)
	return nil
}

func (s *blockingSink) count() int { return int(s.n.Load()) }

func TestLog_CloseWithoutSinks(t *testing.T) {
	log := NewLog(NewMemoryStore(), slog.Default())
	require.NoError(t, log.Write(context.Background(), KindReservation, "t1", entity.Tenant("t1"), "reserved", nil))
	log.Close()
	log.Close()
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink_Publish(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := newKafkaSinkWithWriter(w, "sendguard-audit")
	assert.Equal(t, "kafka:sendguard-audit", sink.Name())

	rec, err := NewRecord(KindRiskAction, "t1", entity.Campaign("cmp1"), "applied", map[string]string{"type": "throttle"}, time.Now())
	require.NoError(t, err)
	require.NoError(t, sink.Publish(context.Background(), rec))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "campaign:cmp1", string(w.msgs[0].Key))
	assert.Equal(t, "kind", w.msgs[0].Headers[0].Key)
	assert.Equal(t, "risk_action", string(w.msgs[0].Headers[0].Value))
	assert.Contains(t, string(w.msgs[0].Value), `"action":"applied"`)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestHandler_ListByEntity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := NewLog(NewMemoryStore(), slog.Default())
	require.NoError(t, log.Write(context.Background(), KindReservation, "t1", entity.Tenant("t1"), "reserved", nil))
	require.NoError(t, log.Write(context.Background(), KindReservation, "t1", entity.Tenant("t1"), "confirmed", nil))

	r := gin.New()
	NewHandler(log).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/audit/tenant/t1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Records []map[string]any `json:"records"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "confirmed", body.Records[0]["action"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/audit/mailbox/x", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tenants/t1/audit?limit=1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}
