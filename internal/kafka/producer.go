package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/metrics"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/pkg/events"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes the service's outbound events.
type Producer struct {
	writer  messageWriter
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewProducer(brokers []string, m *metrics.Metrics, logger zerolog.Logger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}, m, logger)
}

func newProducer(w messageWriter, m *metrics.Metrics, logger zerolog.Logger) *Producer {
	return &Producer{
		writer:  w,
		metrics: m,
		logger:  logger.With().Str("component", "kafka-producer").Logger(),
	}
}

func (p *Producer) publish(ctx context.Context, topic, key string, event interface{}) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		p.metrics.IncKafkaMessage(topic, "publish_failed")
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.metrics.IncKafkaMessage(topic, "published")
	return nil
}

// LeaderboardGenerated publishes leaderboard.generated keyed by marathon id so
// all events for one marathon land on one partition.
func (p *Producer) LeaderboardGenerated(ctx context.Context, marathonID string, entries []model.LeaderboardEntry) error {
	event := events.LeaderboardGeneratedEvent{
		MarathonID: marathonID,
		Entries:    make([]events.LeaderboardEntry, 0, len(entries)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for _, e := range entries {
		event.Entries = append(event.Entries, events.LeaderboardEntry{
			UserID:   e.UserID,
			Score:    e.Score,
			Position: e.Position,
		})
	}

	if err := p.publish(ctx, events.TopicLeaderboardGenerated, marathonID, event); err != nil {
		return err
	}
	p.logger.Info().Str("marathonId", marathonID).Int("entries", len(entries)).Msg("Published leaderboard.generated")
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
