package events

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/portcullis/gateway/internal/config"
	"github.com/portcullis/gateway/internal/logging"
)

// Consumer reads the three configuration streams and applies events through
// the dispatcher. One reader per topic; Kafka's partition assignment keys all
// events of a collection to one partition, so per-collection ordering holds.
type Consumer struct {
	readers    []*kafka.Reader
	dispatcher *Dispatcher

	applied atomic.Int64
	skipped atomic.Int64
	lastErr atomic.Value
}

// NewConsumer creates readers for every configured topic.
func NewConsumer(cfg config.BusConfig, dispatcher *Dispatcher) *Consumer {
	c := &Consumer{dispatcher: dispatcher}
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = "gateway-config"
	}
	for _, topic := range []string{
		cfg.Topics.CollectionChanged,
		cfg.Topics.AuthzChanged,
		cfg.Topics.ServiceChanged,
	} {
		if topic == "" {
			continue
		}
		c.readers = append(c.readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.BootstrapServers,
			GroupID:        groupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			CommitInterval: 0, // synchronous commits, after apply
			MaxWait:        500 * time.Millisecond,
		}))
	}
	return c
}

// Run consumes until ctx is cancelled, then drains in-flight messages and
// closes the readers. Bus unavailability is retried inside the reader; the
// gateway keeps serving with last-known configuration meanwhile.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range c.readers {
		wg.Add(1)
		go func(r *kafka.Reader) {
			defer wg.Done()
			c.consume(ctx, r)
		}(r)
	}
	wg.Wait()
}

func (c *Consumer) consume(ctx context.Context, r *kafka.Reader) {
	defer func() {
		if err := r.Close(); err != nil {
			logging.Warn("closing bus reader", zap.String("topic", r.Config().Topic), zap.Error(err))
		}
	}()

	topic := r.Config().Topic
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			c.lastErr.Store(err.Error())
			logging.Warn("bus fetch failed, continuing with last-known config",
				zap.String("topic", topic), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		c.apply(topic, msg.Value)

		// Commit with a fresh context so a shutdown mid-apply still records
		// the message as processed.
		commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.CommitMessages(commitCtx, msg); err != nil {
			logging.Warn("bus commit failed", zap.String("topic", topic), zap.Error(err))
		}
		cancel()
	}
}

// apply decodes and dispatches one message. Malformed events and handler
// failures are logged and skipped; the consumer never stops for one bad event.
func (c *Consumer) apply(topic string, value []byte) {
	env, err := Decode(value)
	if err != nil {
		c.skipped.Add(1)
		logging.Error("skipping malformed event", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := c.dispatcher.Dispatch(env); err != nil {
		c.skipped.Add(1)
		logging.Error("skipping unappliable event",
			zap.String("topic", topic), zap.String("eventId", env.EventID),
			zap.String("eventType", env.EventType), zap.Error(err))
		return
	}
	c.applied.Add(1)
}

// Applied returns the number of successfully applied events.
func (c *Consumer) Applied() int64 { return c.applied.Load() }

// Skipped returns the number of malformed or unappliable events.
func (c *Consumer) Skipped() int64 { return c.skipped.Load() }

// LastError returns the most recent bus transport error, if any.
func (c *Consumer) LastError() string {
	if v := c.lastErr.Load(); v != nil {
		return v.(string)
	}
	return ""
}
