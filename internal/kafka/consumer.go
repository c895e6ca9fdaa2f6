package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/metrics"
)

type Consumer struct {
	readers  []*kafka.Reader
	handlers map[string]EventHandler
	metrics  *metrics.Metrics
	backoff  func() retry.Backoff
	logger   zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

type EventHandler func(ctx context.Context, message kafka.Message) error

// ErrMalformedEvent marks an event that cannot be decoded. Such events are
// committed without retrying.
var ErrMalformedEvent = errors.New("malformed event")

func NewConsumer(brokers []string, groupID string, topics []string, m *metrics.Metrics, logger zerolog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())

	readers := make([]*kafka.Reader, 0, len(topics))
	for _, topic := range topics {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			GroupID:        groupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        1 * time.Second,
			CommitInterval: 1 * time.Second,
			StartOffset:    kafka.FirstOffset,
		}))
	}

	return &Consumer{
		readers:  readers,
		handlers: make(map[string]EventHandler),
		metrics:  m,
		backoff:  defaultBackoff,
		logger:   logger.With().Str("component", "kafka").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.WithCappedDuration(5*time.Second, retry.NewExponential(200*time.Millisecond)))
}

func (c *Consumer) RegisterHandler(topic string, handler EventHandler) {
	c.handlers[topic] = handler
}

func (c *Consumer) Start() {
	for _, reader := range c.readers {
		go c.consumeFromReader(reader)
	}
	c.logger.Info().Int("topics", len(c.readers)).Msg("Kafka consumer started")
}

func (c *Consumer) consumeFromReader(reader *kafka.Reader) {
	topic := reader.Config().Topic
	c.logger.Info().Str("topic", topic).Msg("Starting consumer for topic")

	for {
		msg, err := reader.FetchMessage(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Str("topic", topic).Msg("Failed to fetch message")
			time.Sleep(1 * time.Second)
			continue
		}

		c.logger.Debug().
			Str("topic", topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Received message")

		c.dispatch(c.ctx, msg)

		if err := reader.CommitMessages(c.ctx, msg); err != nil && c.ctx.Err() == nil {
			c.logger.Error().Err(err).Str("topic", topic).Msg("Failed to commit message")
		}
	}
}

// dispatch runs the topic handler, retrying transient failures. The message
// is committed afterwards whatever the outcome; a dropped event is logged and
// counted, and the scheduler's restart reconcile covers missed marathons.
func (c *Consumer) dispatch(ctx context.Context, msg kafka.Message) {
	handler, ok := c.handlers[msg.Topic]
	if !ok {
		c.logger.Warn().Str("topic", msg.Topic).Msg("No handler registered for topic")
		c.metrics.IncKafkaMessage(msg.Topic, "unhandled")
		return
	}

	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		err := handler(ctx, msg)
		if err == nil || errors.Is(err, ErrMalformedEvent) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		c.metrics.IncKafkaMessage(msg.Topic, "failed")
		c.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Handler failed")
		return
	}
	c.metrics.IncKafkaMessage(msg.Topic, "processed")
}

func (c *Consumer) Stop() error {
	c.cancel()

	var lastErr error
	for _, reader := range c.readers {
		if err := reader.Close(); err != nil {
			lastErr = err
			c.logger.Error().Err(err).Msg("Failed to close reader")
		}
	}

	c.logger.Info().Msg("Kafka consumer stopped")
	return lastErr
}
