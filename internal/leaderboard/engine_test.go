package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/apperr"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/leaderboard"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/scheduler"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/store"
)

type tuple struct {
	MarathonID string
	UserID     string
	Score      float64
	Position   int
}

func tuples(entries []model.LeaderboardEntry) []tuple {
	out := make([]tuple, len(entries))
	for i, e := range entries {
		out[i] = tuple{e.MarathonID, e.UserID, e.Score, e.Position}
	}
	return out
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string]int
}

func (n *recordingNotifier) LeaderboardGenerated(_ context.Context, marathonID string, _ []model.LeaderboardEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[marathonID]++
	return nil
}

func TestRankTieBreak(t *testing.T) {
	enrollments := []model.Enrollment{{UserID: "zoe"}, {UserID: "bob"}, {UserID: "amy"}, {UserID: "bob"}}
	totals := map[string]float64{"zoe": 7, "bob": 7, "amy": 9}

	got := tuples(leaderboard.Rank("m1", enrollments, totals))
	assert.Equal(t, []tuple{
		{"m1", "amy", 9, 1},
		{"m1", "bob", 7, 2},
		{"m1", "zoe", 7, 3},
	}, got)
}

type EngineTestSuite struct {
	suite.Suite
	ctx      context.Context
	clock    *clock.Mock
	store    *store.Store
	sched    *scheduler.Scheduler
	notifier *recordingNotifier
	engine   *leaderboard.Engine
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

	s.sched = scheduler.New(scheduler.Params{
		Backend: scheduler.NewMemoryBackend(),
		Clock:   s.clock,
		Logger:  zerolog.Nop(),
	})
	s.notifier = &recordingNotifier{calls: make(map[string]int)}
	s.engine = leaderboard.New(leaderboard.Params{
		Repo:            st,
		Scheduler:       s.sched,
		Notifiers:       []leaderboard.Notifier{s.notifier},
		Clock:           s.clock,
		Logger:          zerolog.Nop(),
		GradingGrace:    2 * time.Minute,
		RecheckInterval: 30 * time.Second,
	})
}

func (s *EngineTestSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *EngineTestSuite) seed(end time.Time, users ...string) (*model.Marathon, *model.Question) {
	m := &model.Marathon{Title: "imparfait", StartDate: s.clock.Now().Add(-time.Hour), EndDate: end}
	s.Require().NoError(s.store.CreateMarathon(s.ctx, m))
	for _, u := range users {
		s.Require().NoError(s.store.Enroll(s.ctx, m.ID, u))
	}
	q := &model.Question{MarathonID: m.ID, Prompt: "Conjuguez 'être'", MaxScore: 10}
	s.Require().NoError(s.store.CreateQuestion(s.ctx, q))
	return m, q
}

func (s *EngineTestSuite) submit(q *model.Question, user string, score *float64) *model.Submission {
	sub := &model.Submission{QuestionID: q.ID, UserID: user, Answer: "j'étais"}
	if score != nil {
		sub.Score = score
		sub.GradingStatus = model.GradingGraded
	}
	s.Require().NoError(s.store.CreateSubmission(s.ctx, sub))
	return sub
}

func scoreOf(v float64) *float64 { return &v }

func (s *EngineTestSuite) pendingJobs() []scheduler.Job {
	jobs, err := s.sched.Pending(s.ctx, leaderboard.Queue)
	s.Require().NoError(err)
	return jobs
}

func (s *EngineTestSuite) TestUnsubmittedUserRanksWithZero() {
	m, q := s.seed(s.clock.Now(), "alice", "bob")
	s.submit(q, "alice", scoreOf(9.5))

	entries, err := s.engine.GenerateLeaderboardForMarathon(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Equal([]tuple{{m.ID, "alice", 9.5, 1}, {m.ID, "bob", 0, 2}}, tuples(entries))

	stored, err := s.engine.GetLeaderboardForMarathon(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Equal(tuples(entries), tuples(stored))

	marathon, err := s.store.FindMarathon(s.ctx, m.ID)
	s.Require().NoError(err)
	s.True(marathon.LeaderboardGenerated)
	s.Equal(1, s.notifier.calls[m.ID])
}

func (s *EngineTestSuite) TestGenerationIsIdempotent() {
	m, q := s.seed(s.clock.Now(), "alice", "bob", "carol")
	s.submit(q, "alice", scoreOf(4))
	s.submit(q, "carol", scoreOf(4))
	s.submit(q, "bob", scoreOf(6))

	_, err := s.engine.GenerateLeaderboardForMarathon(s.ctx, m.ID)
	s.Require().NoError(err)
	first, err := s.engine.GetLeaderboardForMarathon(s.ctx, m.ID)
	s.Require().NoError(err)

	_, err = s.engine.GenerateLeaderboardForMarathon(s.ctx, m.ID)
	s.Require().NoError(err)
	second, err := s.engine.GetLeaderboardForMarathon(s.ctx, m.ID)
	s.Require().NoError(err)

	s.Len(second, 3)
	s.Equal(tuples(first), tuples(second))
}

func (s *EngineTestSuite) TestGetBeforeGeneration() {
	m, _ := s.seed(s.clock.Now().Add(time.Hour), "alice")
	_, err := s.engine.GetLeaderboardForMarathon(s.ctx, m.ID)
	s.ErrorIs(err, apperr.ErrNotFound)

	_, err = s.engine.GetLeaderboardForMarathon(s.ctx, "missing")
	s.ErrorIs(err, apperr.ErrNotFound)

	empty, _ := s.seed(s.clock.Now())
	_, err = s.engine.GenerateLeaderboardForMarathon(s.ctx, empty.ID)
	s.Require().NoError(err)
	entries, err := s.engine.GetLeaderboardForMarathon(s.ctx, empty.ID)
	s.Require().NoError(err)
	s.Empty(entries)
}

func (s *EngineTestSuite) TestRescheduleKeepsOnePendingJob() {
	m, q := s.seed(s.clock.Now().Add(time.Hour), "alice")
	s.submit(q, "alice", scoreOf(3))

	s.Require().NoError(s.engine.ScheduleLeaderboardGeneration(s.ctx, m.ID, s.clock.Now().Add(time.Hour)))
	s.Require().NoError(s.engine.ScheduleLeaderboardGeneration(s.ctx, m.ID, s.clock.Now().Add(3*time.Hour)))

	jobs := s.pendingJobs()
	s.Require().Len(jobs, 1)
	s.Equal("marathon-"+m.ID, jobs[0].Key)

	s.clock.Add(time.Hour)
	_, err := s.sched.RunDue(s.ctx)
	s.Require().NoError(err)
	_, err = s.engine.GetLeaderboardForMarathon(s.ctx, m.ID)
	s.ErrorIs(err, apperr.ErrNotFound)

	s.clock.Add(2 * time.Hour)
	_, err = s.sched.RunDue(s.ctx)
	s.Require().NoError(err)
	entries, err := s.engine.GetLeaderboardForMarathon(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Equal([]tuple{{m.ID, "alice", 3, 1}}, tuples(entries))
	s.Empty(s.pendingJobs())
}

func (s *EngineTestSuite) TestPastEndDateGeneratesInline() {
	m, _ := s.seed(s.clock.Now().Add(-time.Hour), "alice")

	s.Require().NoError(s.engine.ScheduleLeaderboardGeneration(s.ctx, m.ID, m.EndDate))

	entries, err := s.engine.GetLeaderboardForMarathon(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Len(entries, 1)
	s.Empty(s.pendingJobs())
}

func (s *EngineTestSuite) TestDeleteScheduledGeneration() {
	m, _ := s.seed(s.clock.Now().Add(time.Hour), "alice")
	s.Require().NoError(s.engine.ScheduleLeaderboardGeneration(s.ctx, m.ID, m.EndDate))
	s.Require().Len(s.pendingJobs(), 1)

	s.Require().NoError(s.engine.DeleteScheduledLeaderboardGeneration(s.ctx, m.ID))
	s.Empty(s.pendingJobs())
	s.Require().NoError(s.engine.DeleteScheduledLeaderboardGeneration(s.ctx, m.ID))
}

func (s *EngineTestSuite) TestGenerationWaitsForPendingGrading() {
	end := s.clock.Now().Add(time.Minute)
	m, q := s.seed(end, "alice", "bob")
	s.submit(q, "alice", scoreOf(5))
	late := s.submit(q, "bob", nil)
	s.Require().NoError(s.engine.ScheduleLeaderboardGeneration(s.ctx, m.ID, end))

	s.clock.Set(end)
	_, err := s.sched.RunDue(s.ctx)
	s.Require().NoError(err)

	jobs := s.pendingJobs()
	s.Require().Len(jobs, 1)
	s.True(end.Add(30 * time.Second).Equal(jobs[0].RunAt))
	_, err = s.engine.GetLeaderboardForMarathon(s.ctx, m.ID)
	s.ErrorIs(err, apperr.ErrNotFound)

	s.Require().NoError(s.store.UpdateSubmissionGrade(s.ctx, late.ID, 8, "j'étais"))
	s.clock.Add(30 * time.Second)
	_, err = s.sched.RunDue(s.ctx)
	s.Require().NoError(err)

	entries, err := s.engine.GetLeaderboardForMarathon(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Equal([]tuple{{m.ID, "bob", 8, 1}, {m.ID, "alice", 5, 2}}, tuples(entries))
}

func (s *EngineTestSuite) TestGraceExpiryScoresUngradedAsZero() {
	end := s.clock.Now().Add(time.Minute)
	m, q := s.seed(end, "alice", "bob")
	s.submit(q, "alice", scoreOf(5))
	s.submit(q, "bob", nil)
	s.Require().NoError(s.engine.ScheduleLeaderboardGeneration(s.ctx, m.ID, end))

	for i := 0; i < 5; i++ {
		s.clock.Set(end.Add(time.Duration(i) * 30 * time.Second))
		_, err := s.sched.RunDue(s.ctx)
		s.Require().NoError(err)
	}

	entries, err := s.engine.GetLeaderboardForMarathon(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Equal([]tuple{{m.ID, "alice", 5, 1}, {m.ID, "bob", 0, 2}}, tuples(entries))
	s.Empty(s.pendingJobs())
}

func (s *EngineTestSuite) TestReconcileGeneratesPastDue() {
	pastDue, q := s.seed(s.clock.Now().Add(-time.Hour), "alice")
	s.submit(q, "alice", scoreOf(2))
	done, _ := s.seed(s.clock.Now().Add(-time.Hour), "bob")
	_, err := s.engine.GenerateLeaderboardForMarathon(s.ctx, done.ID)
	s.Require().NoError(err)
	future, _ := s.seed(s.clock.Now().Add(time.Hour), "carol")

	handled, err := s.engine.Reconcile(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, handled)

	entries, err := s.engine.GetLeaderboardForMarathon(s.ctx, pastDue.ID)
	s.Require().NoError(err)
	s.Equal([]tuple{{pastDue.ID, "alice", 2, 1}}, tuples(entries))

	_, err = s.engine.GetLeaderboardForMarathon(s.ctx, future.ID)
	s.ErrorIs(err, apperr.ErrNotFound)
	s.Equal(1, s.notifier.calls[done.ID])

	handled, err = s.engine.Reconcile(s.ctx)
	s.Require().NoError(err)
	s.Zero(handled)
}

func (s *EngineTestSuite) TestReconcileDefersWhileGrading() {
	m, q := s.seed(s.clock.Now().Add(-time.Minute), "alice")
	s.submit(q, "alice", nil)

	handled, err := s.engine.Reconcile(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, handled)

	jobs := s.pendingJobs()
	s.Require().Len(jobs, 1)
	s.Equal("marathon-"+m.ID, jobs[0].Key)
}
