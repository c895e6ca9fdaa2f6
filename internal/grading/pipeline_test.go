package grading_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/apperr"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/grading"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/llm"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/scheduler"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/store"
)

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) Grade(ctx context.Context, question model.Question, answer string) (*llm.Result, error) {
	args := m.Called(ctx, question, answer)
	res, _ := args.Get(0).(*llm.Result)
	return res, args.Error(1)
}

type PipelineTestSuite struct {
	suite.Suite
	ctx      context.Context
	clock    *clock.Mock
	store    *store.Store
	sched    *scheduler.Scheduler
	oracle   *mockOracle
	pipeline *grading.Pipeline

	marathon *model.Marathon
	question *model.Question
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func (s *PipelineTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewMock()
	s.clock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	st, err := store.New(store.WithClock(s.clock))
	s.Require().NoError(err)
	s.store = st

	s.sched = scheduler.New(scheduler.Params{
		Backend:     scheduler.NewMemoryBackend(),
		Clock:       s.clock,
		Logger:      zerolog.Nop(),
		MaxAttempts: 2,
		Backoff:     func() retry.Backoff { return retry.NewConstant(time.Second) },
	})
	s.oracle = new(mockOracle)
	s.pipeline = grading.New(st, s.oracle, s.sched, nil, zerolog.Nop())

	s.marathon = &model.Marathon{Title: "passé composé", StartDate: s.clock.Now(), EndDate: s.clock.Now().Add(time.Hour)}
	s.Require().NoError(st.CreateMarathon(s.ctx, s.marathon))
	s.question = &model.Question{MarathonID: s.marathon.ID, Prompt: "Conjuguez 'aller'", MaxScore: 10}
	s.Require().NoError(st.CreateQuestion(s.ctx, s.question))
}

func (s *PipelineTestSuite) TearDownTest() {
	s.oracle.AssertExpectations(s.T())
	s.Require().NoError(s.store.Close())
}

func (s *PipelineTestSuite) submit(answer string) *model.Submission {
	sub := &model.Submission{QuestionID: s.question.ID, UserID: "alice", Answer: answer}
	s.Require().NoError(s.store.CreateSubmission(s.ctx, sub))
	s.Require().NoError(s.pipeline.Enqueue(s.ctx, sub))
	return sub
}

func (s *PipelineTestSuite) runDue() {
	_, err := s.sched.RunDue(s.ctx)
	s.Require().NoError(err)
}

func (s *PipelineTestSuite) TestGradesSubmission() {
	sub := s.submit("je suis allé")
	s.oracle.On("Grade", mock.Anything, mock.MatchedBy(func(q model.Question) bool {
		return q.ID == s.question.ID
	}), "je suis allé").Return(&llm.Result{
		CorrectedAnswer: "je suis allé(e)",
		Errors: []llm.Mistake{
			{Explanation: "agreement", PointsDeducted: 0.5, Category: "grammar"},
		},
		FinalScore: 9.5,
	}, nil).Once()

	s.runDue()

	graded, err := s.store.FindSubmission(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(model.GradingGraded, graded.GradingStatus)
	s.Require().NotNil(graded.Score)
	s.Equal(9.5, *graded.Score)
	s.Equal("je suis allé(e)", graded.CorrectedAnswer)

	report, err := s.pipeline.Report(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)
	s.Require().Len(report.Submissions, 1)
	s.Equal(sub.ID, report.Submissions[0].SubmissionID)
	s.Equal([]grading.FeedbackItem{{Explanation: "agreement", PointsDeducted: 0.5, Category: "grammar"}},
		report.Submissions[0].Feedback)
}

func (s *PipelineTestSuite) TestOracleFailureRetriesThenSucceeds() {
	sub := s.submit("j'ai allé")
	s.oracle.On("Grade", mock.Anything, mock.Anything, "j'ai allé").
		Return(nil, apperr.ErrOracleFailure).Once()
	s.oracle.On("Grade", mock.Anything, mock.Anything, "j'ai allé").
		Return(&llm.Result{CorrectedAnswer: "je suis allé", FinalScore: 6}, nil).Once()

	s.runDue()
	pending, err := s.store.FindSubmission(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(model.GradingPending, pending.GradingStatus)

	s.clock.Add(time.Second)
	s.runDue()

	graded, err := s.store.FindSubmission(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(model.GradingGraded, graded.GradingStatus)
	s.Equal(6.0, *graded.Score)
}

func (s *PipelineTestSuite) TestFinalFailureMarksSubmissionFailed() {
	sub := s.submit("???")
	s.oracle.On("Grade", mock.Anything, mock.Anything, "???").
		Return(nil, errors.New("connection reset")).Twice()

	s.runDue()
	s.clock.Add(time.Second)
	s.runDue()

	failed, err := s.store.FindSubmission(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(model.GradingFailed, failed.GradingStatus)
	s.Nil(failed.Score)

	jobs, err := s.sched.Failed(s.ctx, grading.Queue)
	s.Require().NoError(err)
	s.Require().Len(jobs, 1)
	s.Contains(jobs[0].LastError, apperr.ErrOracleFailure.Error())

	totals, err := s.store.ScoreTotals(s.ctx, s.marathon.ID)
	s.Require().NoError(err)
	s.Zero(totals["alice"])
}

func (s *PipelineTestSuite) TestMissingQuestionFailsWithoutRetry() {
	sub := &model.Submission{QuestionID: "gone", UserID: "alice", Answer: "x"}
	s.Require().NoError(s.store.CreateSubmission(s.ctx, sub))
	s.Require().NoError(s.pipeline.Enqueue(s.ctx, sub))

	s.runDue()

	failed, err := s.store.FindSubmission(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(model.GradingFailed, failed.GradingStatus)
	pending, err := s.sched.Pending(s.ctx, grading.Queue)
	s.Require().NoError(err)
	s.Empty(pending)
}

func (s *PipelineTestSuite) TestRegradeReplacesFeedback() {
	sub := s.submit("tu es allé")
	result := &llm.Result{
		CorrectedAnswer: "tu es allé",
		Errors:          []llm.Mistake{{Explanation: "accent", PointsDeducted: 1, Category: "spelling"}},
		FinalScore:      9,
	}
	s.oracle.On("Grade", mock.Anything, mock.Anything, "tu es allé").Return(result, nil).Twice()

	s.runDue()
	s.Require().NoError(s.pipeline.Enqueue(s.ctx, sub))
	s.runDue()

	report, err := s.pipeline.Report(s.ctx, "alice", s.marathon.ID)
	s.Require().NoError(err)
	s.Require().Len(report.Submissions, 1)
	s.Len(report.Submissions[0].Feedback, 1)
}

func (s *PipelineTestSuite) TestReportWithoutFeedback() {
	_, err := s.pipeline.Report(s.ctx, "alice", s.marathon.ID)
	s.ErrorIs(err, apperr.ErrNoFeedbackAvailable)
}
