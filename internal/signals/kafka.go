package signals

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader creates a consumer-group reader for the signal topic.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
}

// Submitter accepts decoded signals.
type Submitter interface {
	Submit(sig Signal) error
}

// Consumer reads JSON-encoded signals from Kafka into a pipeline. An offset
// is committed once its signal is queued or found undecodable; a full queue
// holds the partition until there is room, so nothing is dropped.
type Consumer struct {
	reader  MessageReader
	sink    Submitter
	logger  *slog.Logger
	backoff time.Duration
	done    chan struct{}
}

// NewConsumer creates a consumer reading from reader into sink.
func NewConsumer(reader MessageReader, sink Submitter, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:  reader,
		sink:    sink,
		logger:  logger,
		backoff: 200 * time.Millisecond,
		done:    make(chan struct{}),
	}
}

// Start consumes until ctx is cancelled, then closes the reader.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("kafka signal consumer started")
	go func() {
		defer close(c.done)
		defer func() { _ = c.reader.Close() }()
		for {
			m, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("kafka read error", "error", err)
				if !sleepCtx(ctx, c.backoff) {
					return
				}
				continue
			}
			if !c.handle(ctx, m) {
				// left uncommitted for redelivery
				return
			}
			if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				c.logger.Warn("kafka commit failed", "error", err, "offset", m.Offset, "partition", m.Partition)
			}
		}
	}()
}

// Done is closed once the consume loop has exited.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// handle decodes and submits m, waiting while the queue is full. It reports
// false when the message was not settled because the consumer is stopping.
func (c *Consumer) handle(ctx context.Context, m kafka.Message) bool {
	var sig Signal
	if err := json.Unmarshal(m.Value, &sig); err != nil {
		c.logger.Warn("kafka signal decode error", "error", err, "offset", m.Offset, "partition", m.Partition)
		return true
	}
	if sig.SourceID == "" && len(m.Key) > 0 {
		sig.SourceID = string(m.Key)
	}
	for {
		err := c.sink.Submit(sig)
		switch {
		case err == nil:
			return true
		case errors.Is(err, ErrQueueFull):
			if !sleepCtx(ctx, c.backoff) {
				return false
			}
		case errors.Is(err, ErrPipelineStopped):
			return false
		default:
			c.logger.Warn("kafka signal rejected", "error", err, "offset", m.Offset)
			return true
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
