package signals

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeReader replays messages, then blocks until ctx is cancelled.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	errs      int
	committed []int64
	closed    bool
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if f.errs > 0 {
		f.errs--
		f.mu.Unlock()
		return kafka.Message{}, errors.New("broker unavailable")
	}
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type collectSink struct {
	mu   sync.Mutex
	sigs []Signal
}

func (c *collectSink) Submit(sig Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sigs = append(c.sigs, sig)
	c.mu.Unlock()
	return nil
}

func (c *collectSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sigs)
}

func TestConsumer_DecodesAndSubmits(t *testing.T) {
	reader := &fakeReader{
		errs: 1,
		msgs: []kafka.Message{
			{Offset: 1, Key: []byte("evt-1"), Value: []byte(`{"entityType":"tenant","entityId":"t1","tenantId":"t1","signalType":"spam_reports","value":2}`)},
			{Offset: 2, Value: []byte(`not json`)},
			{Offset: 3, Value: []byte(`{"entityType":"tenant","entityId":"t1","tenantId":"t1"}`)},
			{Offset: 4, Value: []byte(`{"entityType":"connection","entityId":"c1","tenantId":"t1","signalType":"failure_ratio","value":0.2,"sourceId":"wh-9"}`)},
		},
	}
	sink := &collectSink{}
	c := NewConsumer(reader, sink, slog.Default())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	require.Eventually(t, func() bool { return len(reader.commits()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, sink.len())
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.commits(), "undecodable and invalid messages are skipped, not retried")

	cancel()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}

	assert.True(t, reader.closed)
	assert.Equal(t, "evt-1", sink.sigs[0].SourceID)
	assert.Equal(t, "wh-9", sink.sigs[1].SourceID)
}

// fullSink reports a full queue until room is opened.
type fullSink struct {
	collectSink
	mu   sync.Mutex
	full bool
	hits int
}

func (f *fullSink) Submit(sig Signal) error {
	f.mu.Lock()
	full := f.full
	if full {
		f.hits++
	}
	f.mu.Unlock()
	if full {
		return ErrQueueFull
	}
	return f.collectSink.Submit(sig)
}

func (f *fullSink) open() {
	f.mu.Lock()
	f.full = false
	f.mu.Unlock()
}

func (f *fullSink) rejected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits
}

func TestConsumer_WaitsForRoomInsteadOfDropping(t *testing.T) {
	msg := `{"entityType":"tenant","entityId":"t1","tenantId":"t1","signalType":"spam_reports","value":2}`
	reader := &fakeReader{msgs: []kafka.Message{{Offset: 7, Value: []byte(msg)}, {Offset: 8, Value: []byte(msg)}}}
	sink := &fullSink{full: true}
	c := NewConsumer(reader, sink, slog.Default())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.Eventually(t, func() bool { return sink.rejected() >= 3 }, time.Second, time.Millisecond)
	assert.Empty(t, reader.commits(), "nothing is committed while the queue is full")

	sink.open()
	require.Eventually(t, func() bool { return len(reader.commits()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, sink.len())
}

func TestConsumer_StopWhileFullLeavesOffsetUncommitted(t *testing.T) {
	msg := `{"entityType":"tenant","entityId":"t1","tenantId":"t1","signalType":"spam_reports","value":2}`
	reader := &fakeReader{msgs: []kafka.Message{{Offset: 11, Value: []byte(msg)}}}
	sink := &fullSink{full: true}
	c := NewConsumer(reader, sink, slog.Default())
	c.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	require.Eventually(t, func() bool { return sink.rejected() >= 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Empty(t, reader.commits())
	assert.Zero(t, sink.len())
}
