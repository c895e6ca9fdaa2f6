package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/pkg/events"
)

type LeaderboardScheduler interface {
	ScheduleLeaderboardGeneration(ctx context.Context, marathonID string, endDate time.Time) error
	DeleteScheduledLeaderboardGeneration(ctx context.Context, marathonID string) error
}

type GradingQueue interface {
	Enqueue(ctx context.Context, sub *model.Submission) error
}

type Handlers struct {
	leaderboard LeaderboardScheduler
	grading     GradingQueue
	logger      zerolog.Logger
}

func NewHandlers(leaderboard LeaderboardScheduler, grading GradingQueue, logger zerolog.Logger) *Handlers {
	return &Handlers{
		leaderboard: leaderboard,
		grading:     grading,
		logger:      logger.With().Str("component", "kafka-handlers").Logger(),
	}
}

func decode(msg kafka.Message, v interface{}) error {
	if err := json.Unmarshal(msg.Value, v); err != nil {
		return fmt.Errorf("%s: %w: %v", msg.Topic, ErrMalformedEvent, err)
	}
	return nil
}

// HandleMarathonUpserted (re)schedules leaderboard generation at the
// marathon's end date. Serves both marathon.created and marathon.updated.
func (h *Handlers) HandleMarathonUpserted(ctx context.Context, msg kafka.Message) error {
	var event events.MarathonEvent
	if err := decode(msg, &event); err != nil {
		return err
	}
	if event.MarathonID == "" || event.EndDate.IsZero() {
		return fmt.Errorf("%s: %w: marathonId and endDate are required", msg.Topic, ErrMalformedEvent)
	}

	h.logger.Info().
		Str("topic", msg.Topic).
		Str("marathonId", event.MarathonID).
		Time("endDate", event.EndDate).
		Msg("Scheduling leaderboard generation")

	return h.leaderboard.ScheduleLeaderboardGeneration(ctx, event.MarathonID, event.EndDate)
}

func (h *Handlers) HandleMarathonDeleted(ctx context.Context, msg kafka.Message) error {
	var event events.MarathonDeletedEvent
	if err := decode(msg, &event); err != nil {
		return err
	}
	if event.MarathonID == "" {
		return fmt.Errorf("%s: %w: marathonId is required", msg.Topic, ErrMalformedEvent)
	}

	h.logger.Info().Str("marathonId", event.MarathonID).Msg("Cancelling leaderboard generation")
	return h.leaderboard.DeleteScheduledLeaderboardGeneration(ctx, event.MarathonID)
}

func (h *Handlers) HandleSubmissionCreated(ctx context.Context, msg kafka.Message) error {
	var event events.SubmissionCreatedEvent
	if err := decode(msg, &event); err != nil {
		return err
	}
	if event.SubmissionID == "" || event.QuestionID == "" {
		return fmt.Errorf("%s: %w: submissionId and questionId are required", msg.Topic, ErrMalformedEvent)
	}

	h.logger.Info().
		Str("submissionId", event.SubmissionID).
		Str("userId", event.UserID).
		Msg("Processing submission.created")

	return h.grading.Enqueue(ctx, &model.Submission{
		Base:       model.Base{ID: event.SubmissionID},
		QuestionID: event.QuestionID,
		UserID:     event.UserID,
		Answer:     event.Answer,
	})
}

func (h *Handlers) RegisterAll(consumer *Consumer) {
	consumer.RegisterHandler(events.TopicMarathonCreated, h.HandleMarathonUpserted)
	consumer.RegisterHandler(events.TopicMarathonUpdated, h.HandleMarathonUpserted)
	consumer.RegisterHandler(events.TopicMarathonDeleted, h.HandleMarathonDeleted)
	consumer.RegisterHandler(events.TopicSubmissionCreated, h.HandleSubmissionCreated)
}
