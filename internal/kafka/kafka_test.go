package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/metrics"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/pkg/events"
)

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) ScheduleLeaderboardGeneration(ctx context.Context, marathonID string, endDate time.Time) error {
	return m.Called(ctx, marathonID, endDate).Error(0)
}

func (m *mockScheduler) DeleteScheduledLeaderboardGeneration(ctx context.Context, marathonID string) error {
	return m.Called(ctx, marathonID).Error(0)
}

type mockGrading struct {
	mock.Mock
}

func (m *mockGrading) Enqueue(ctx context.Context, sub *model.Submission) error {
	return m.Called(ctx, sub).Error(0)
}

func message(t *testing.T, topic string, event interface{}) kafka.Message {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Topic: topic, Value: value}
}

func TestMarathonEventsDriveScheduling(t *testing.T) {
	sched := &mockScheduler{}
	h := NewHandlers(sched, &mockGrading{}, zerolog.Nop())
	ctx := context.Background()
	end := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sched.On("ScheduleLeaderboardGeneration", ctx, "m1", mock.MatchedBy(end.Equal)).Return(nil).Twice()
	sched.On("DeleteScheduledLeaderboardGeneration", ctx, "m1").Return(nil).Once()

	event := events.MarathonEvent{MarathonID: "m1", EndDate: end}
	require.NoError(t, h.HandleMarathonUpserted(ctx, message(t, events.TopicMarathonCreated, event)))
	require.NoError(t, h.HandleMarathonUpserted(ctx, message(t, events.TopicMarathonUpdated, event)))
	require.NoError(t, h.HandleMarathonDeleted(ctx, message(t, events.TopicMarathonDeleted, events.MarathonDeletedEvent{MarathonID: "m1"})))

	err := h.HandleMarathonUpserted(ctx, message(t, events.TopicMarathonCreated, events.MarathonEvent{MarathonID: "m2"}))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	sched.AssertExpectations(t)
}

func TestSubmissionCreatedEnqueuesGrading(t *testing.T) {
	grading := &mockGrading{}
	h := NewHandlers(&mockScheduler{}, grading, zerolog.Nop())
	ctx := context.Background()

	grading.On("Enqueue", ctx, mock.MatchedBy(func(sub *model.Submission) bool {
		return sub.ID == "s1" && sub.QuestionID == "q1" && sub.Answer == "nous avons"
	})).Return(nil).Once()

	require.NoError(t, h.HandleSubmissionCreated(ctx, message(t, events.TopicSubmissionCreated, events.SubmissionCreatedEvent{
		SubmissionID: "s1", UserID: "alice", QuestionID: "q1", Answer: "nous avons",
	})))

	err := h.HandleSubmissionCreated(ctx, kafka.Message{Topic: events.TopicSubmissionCreated, Value: []byte("{")})
	assert.ErrorIs(t, err, ErrMalformedEvent)

	grading.AssertExpectations(t)
}

func newTestConsumer(m *metrics.Metrics) *Consumer {
	return &Consumer{
		handlers: make(map[string]EventHandler),
		metrics:  m,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
		},
		logger: zerolog.Nop(),
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	c := newTestConsumer(m)

	calls := 0
	c.RegisterHandler("flaky", func(ctx context.Context, msg kafka.Message) error {
		calls++
		if calls < 3 {
			return errors.New("redis timeout")
		}
		return nil
	})
	c.dispatch(context.Background(), kafka.Message{Topic: "flaky"})
	assert.Equal(t, 3, calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.KafkaMessages.WithLabelValues("flaky", "processed")))

	malformed := 0
	c.RegisterHandler("bad", func(ctx context.Context, msg kafka.Message) error {
		malformed++
		return ErrMalformedEvent
	})
	c.dispatch(context.Background(), kafka.Message{Topic: "bad"})
	assert.Equal(t, 1, malformed)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.KafkaMessages.WithLabelValues("bad", "failed")))

	c.dispatch(context.Background(), kafka.Message{Topic: "nobody"})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.KafkaMessages.WithLabelValues("nobody", "unhandled")))
}

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestProducerPublishesLeaderboard(t *testing.T) {
	w := &recordingWriter{}
	p := newProducer(w, nil, zerolog.Nop())

	err := p.LeaderboardGenerated(context.Background(), "m1", []model.LeaderboardEntry{
		{UserID: "alice", Score: 9.5, Position: 1},
		{UserID: "bob", Score: 0, Position: 2},
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, events.TopicLeaderboardGenerated, w.msgs[0].Topic)
	assert.Equal(t, "m1", string(w.msgs[0].Key))

	var event events.LeaderboardGeneratedEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &event))
	assert.Equal(t, []events.LeaderboardEntry{
		{UserID: "alice", Score: 9.5, Position: 1},
		{UserID: "bob", Score: 0, Position: 2},
	}, event.Entries)

	w.err = errors.New("broker down")
	assert.Error(t, p.LeaderboardGenerated(context.Background(), "m1", nil))
}
