package progress_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/apperr"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/progress"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/store"
)

func TestCalculateTimeRemaining(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	end := started.Add(time.Hour)

	tests := []struct {
		name      string
		now       time.Time
		remaining int64
		elapsed   int64
		expired   bool
	}{
		{"at start", started, 3600, 0, false},
		{"one second left", end.Add(-time.Second), 1, 3599, false},
		{"fraction floors", end.Add(-1500 * time.Millisecond), 1, 3598, false},
		{"sub-second left", end.Add(-999 * time.Millisecond), 0, 3599, true},
		{"at end", end, 0, 3600, true},
		{"after end", end.Add(10 * time.Second), 0, 3610, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := progress.CalculateTimeRemaining(started, end, tt.now)
			assert.Equal(t, tt.remaining, got.TimeRemaining)
			assert.Equal(t, tt.elapsed, got.TimeElapsed)
			assert.Equal(t, tt.expired, got.IsExpired)
		})
	}
}

// lateRepository misses the first lookup, as when another start creates and
// completes the row between the lookup and the insert.
type lateRepository struct {
	*store.Store
	missed bool
}

func (r *lateRepository) FindProgress(ctx context.Context, userID, marathonID string) (*model.MarathonProgress, error) {
	if !r.missed {
		r.missed = true
		return nil, apperr.ErrNotFound
	}
	return r.Store.FindProgress(ctx, userID, marathonID)
}

type EngineTestSuite struct {
	suite.Suite
	ctx      context.Context
	clock    *clock.Mock
	store    *store.Store
	engine   *progress.Engine
	marathon *model.Marathon
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewMock()
	s.clock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	st, err := store.New(store.WithClock(s.clock))
	s.Require().NoError(err)
	s.store = st

	now := s.clock.Now()
	s.marathon = &model.Marathon{Title: "subjonctif", StartDate: now, EndDate: now.Add(10 * time.Minute)}
	s.Require().NoError(st.CreateMarathon(s.ctx, s.marathon))
	s.Require().NoError(st.Enroll(s.ctx, s.marathon.ID, "alice"))

	s.engine = progress.NewEngine(st, st, s.clock, zerolog.Nop())
}

func (s *EngineTestSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *EngineTestSuite) TestStartOrResumeReturnsSameRow() {
	first, err := s.engine.StartOrResume(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)
	s.Equal(int64(600), first.TimeRemaining)

	s.clock.Add(30 * time.Second)
	second, err := s.engine.StartOrResume(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)

	s.Equal(first.ID, second.ID)
	s.True(first.StartedAt.Equal(second.StartedAt))
	s.Equal(int64(30), second.TimeElapsed)
	s.Equal(int64(570), second.TimeRemaining)
}

func (s *EngineTestSuite) TestStartOrResumeErrors() {
	_, err := s.engine.StartOrResume(s.ctx, "alice", "missing")
	s.ErrorIs(err, apperr.ErrNotFound)

	_, err = s.engine.StartOrResume(s.ctx, "bob", s.marathon.ID)
	s.ErrorIs(err, apperr.ErrNotEnrolled)

	_, err = s.engine.StartOrResume(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)
	_, err = s.engine.CompleteMarathon(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)
	_, err = s.engine.StartOrResume(s.ctx, "alice", s.marathon.ID)
	s.ErrorIs(err, apperr.ErrAlreadyCompleted)

	s.clock.Add(11 * time.Minute)
	_, err = s.engine.StartOrResume(s.ctx, "alice", s.marathon.ID)
	s.ErrorIs(err, apperr.ErrMarathonEnded)
}

func (s *EngineTestSuite) TestStartOrResumeAtDeadlineAutoCompletes() {
	_, err := s.engine.StartOrResume(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)

	s.clock.Set(s.marathon.EndDate)
	_, err = s.engine.StartOrResume(s.ctx, "alice", s.marathon.ID)
	s.ErrorIs(err, apperr.ErrTimeExceeded)

	stored, err := s.store.FindProgress(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)
	s.True(stored.Completed)
}

func (s *EngineTestSuite) TestCompleteMarathonIsIdempotent() {
	_, err := s.engine.StartOrResume(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)

	first, err := s.engine.CompleteMarathon(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)
	s.Require().NotNil(first.CompletedAt)

	s.clock.Add(time.Minute)
	second, err := s.engine.CompleteMarathon(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)
	s.True(first.CompletedAt.Equal(*second.CompletedAt))

	_, err = s.engine.CompleteMarathon(s.ctx, "bob", s.marathon.ID)
	s.ErrorIs(err, apperr.ErrNotFound)
}

func (s *EngineTestSuite) TestSaveProgressAppliesPartialUpdate() {
	_, err := s.engine.StartOrResume(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)

	q := "q1"
	draft := "que je sois"
	s.clock.Add(5 * time.Second)
	saved, err := s.engine.SaveProgress(s.ctx, "alice", s.marathon.ID, progress.Update{CurrentQuestionID: &q})
	s.Require().NoError(err)
	s.Equal("q1", *saved.CurrentQuestionID)
	s.Empty(saved.DraftAnswer)

	saved, err = s.engine.SaveProgress(s.ctx, "alice", s.marathon.ID, progress.Update{DraftAnswer: &draft})
	s.Require().NoError(err)
	s.Equal("q1", *saved.CurrentQuestionID)
	s.Equal(draft, saved.DraftAnswer)
	s.True(saved.LastUpdatedAt.Equal(s.clock.Now()))
	s.False(saved.StartedAt.After(saved.LastUpdatedAt))
}

func (s *EngineTestSuite) TestSaveProgressAfterExpiryCompletes() {
	_, err := s.engine.StartOrResume(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)

	s.clock.Set(s.marathon.EndDate)
	draft := "trop tard"
	_, err = s.engine.SaveProgress(s.ctx, "alice", s.marathon.ID, progress.Update{DraftAnswer: &draft})
	s.ErrorIs(err, apperr.ErrTimeExceeded)

	stored, err := s.store.FindProgress(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)
	s.True(stored.Completed)
	s.Empty(stored.DraftAnswer)

	_, err = s.engine.SaveProgress(s.ctx, "alice", s.marathon.ID, progress.Update{DraftAnswer: &draft})
	s.ErrorIs(err, apperr.ErrAlreadyCompleted)
}

func (s *EngineTestSuite) TestSaveProgressErrors() {
	draft := "x"
	_, err := s.engine.SaveProgress(s.ctx, "bob", s.marathon.ID, progress.Update{DraftAnswer: &draft})
	s.ErrorIs(err, apperr.ErrNotEnrolled)

	_, err = s.engine.SaveProgress(s.ctx, "alice", s.marathon.ID, progress.Update{DraftAnswer: &draft})
	s.ErrorIs(err, apperr.ErrNotFound)

	now := s.clock.Now()
	future := &model.Marathon{Title: "later", StartDate: now.Add(time.Hour), EndDate: now.Add(2 * time.Hour)}
	s.Require().NoError(s.store.CreateMarathon(s.ctx, future))
	s.Require().NoError(s.store.Enroll(s.ctx, future.ID, "alice"))
	_, err = s.engine.StartOrResume(s.ctx, "alice", future.ID)
	s.Require().NoError(err)

	_, err = s.engine.SaveProgress(s.ctx, "alice", future.ID, progress.Update{DraftAnswer: &draft})
	s.ErrorIs(err, apperr.ErrNotStarted)
}

func (s *EngineTestSuite) TestStartOrResumeLosingCreateRaceToCompletedRow() {
	_, err := s.engine.StartOrResume(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)
	_, err = s.engine.CompleteMarathon(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)

	late := progress.NewEngine(&lateRepository{Store: s.store}, s.store, s.clock, zerolog.Nop())
	_, err = late.StartOrResume(s.ctx, "alice", s.marathon.ID)
	s.ErrorIs(err, apperr.ErrAlreadyCompleted)
}
