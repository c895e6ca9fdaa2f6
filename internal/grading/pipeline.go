package grading

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/apperr"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/llm"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/metrics"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/scheduler"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/store"
)

const (
	Queue               = "feedback"
	JobGenerateFeedback = "generate-feedback"
)

type Oracle interface {
	Grade(ctx context.Context, question model.Question, answer string) (*llm.Result, error)
}

type Repository interface {
	FindQuestion(ctx context.Context, id string) (*model.Question, error)
	ReplaceFeedback(ctx context.Context, submissionID string, items []model.Feedback) error
	UpdateSubmissionGrade(ctx context.Context, id string, score float64, corrected string) error
	MarkSubmissionFailed(ctx context.Context, id string) error
	ListFeedback(ctx context.Context, userID, marathonID string) ([]store.FeedbackRow, error)
}

type Queuer interface {
	Register(queue, name string, h scheduler.Handler)
	Enqueue(ctx context.Context, queue, name string, payload any, opts scheduler.Options) error
}

type Payload struct {
	SubmissionID  string `json:"submissionId"`
	QuestionID    string `json:"questionId"`
	StudentAnswer string `json:"studentAnswer"`
}

type Pipeline struct {
	repo    Repository
	oracle  Oracle
	queue   Queuer
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(repo Repository, oracle Oracle, queue Queuer, m *metrics.Metrics, logger zerolog.Logger) *Pipeline {
	p := &Pipeline{
		repo:    repo,
		oracle:  oracle,
		queue:   queue,
		logger:  logger.With().Str("component", "grading").Logger(),
		metrics: m,
	}
	queue.Register(Queue, JobGenerateFeedback, p.HandleGenerateFeedback)
	return p
}

func jobKey(submissionID string) string {
	return "submission-" + submissionID
}

// Enqueue queues sub for asynchronous grading. Enqueuing the same submission
// twice before it runs keeps a single job.
func (p *Pipeline) Enqueue(ctx context.Context, sub *model.Submission) error {
	err := p.queue.Enqueue(ctx, Queue, JobGenerateFeedback, Payload{
		SubmissionID:  sub.ID,
		QuestionID:    sub.QuestionID,
		StudentAnswer: sub.Answer,
	}, scheduler.Options{
		Key:              jobKey(sub.ID),
		RemoveOnComplete: true,
	})
	if err != nil {
		return fmt.Errorf("enqueue grading for submission %s: %w", sub.ID, err)
	}
	p.logger.Debug().Str("submissionId", sub.ID).Msg("Grading job enqueued")
	return nil
}

// HandleGenerateFeedback grades one submission. Feedback rows and the score
// are written concurrently and the job succeeds only if both writes do. When
// the last attempt fails the submission is marked failed and scores 0.
func (p *Pipeline) HandleGenerateFeedback(ctx context.Context, job *scheduler.Job) error {
	var payload Payload
	if err := job.Decode(&payload); err != nil {
		return err
	}
	logger := p.logger.With().Str("submissionId", payload.SubmissionID).Logger()

	err := p.grade(ctx, payload)
	if err == nil {
		p.metrics.IncGradingResult("graded")
		logger.Info().Msg("Submission graded")
		return nil
	}

	if errors.Is(err, apperr.ErrNotFound) {
		err = scheduler.Permanent(err)
	}
	var permanent *scheduler.PermanentError
	if job.FinalAttempt() || errors.As(err, &permanent) {
		if merr := p.repo.MarkSubmissionFailed(ctx, payload.SubmissionID); merr != nil {
			logger.Error().Err(merr).Msg("Failed to mark submission as failed")
		}
		p.metrics.IncGradingResult("failed")
		logger.Error().Err(err).Msg("Grading gave up")
		return err
	}

	p.metrics.IncGradingResult("retry")
	logger.Warn().Err(err).Int("attempt", job.Attempts+1).Msg("Grading attempt failed")
	return err
}

func (p *Pipeline) grade(ctx context.Context, payload Payload) error {
	question, err := p.repo.FindQuestion(ctx, payload.QuestionID)
	if err != nil {
		return err
	}

	result, err := p.oracle.Grade(ctx, *question, payload.StudentAnswer)
	if err != nil {
		if !errors.Is(err, apperr.ErrOracleFailure) {
			err = fmt.Errorf("%v: %w", err, apperr.ErrOracleFailure)
		}
		return err
	}

	items := make([]model.Feedback, 0, len(result.Errors))
	for _, m := range result.Errors {
		items = append(items, model.Feedback{
			Explanation:    m.Explanation,
			PointsDeducted: m.PointsDeducted,
			Category:       m.Category,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.repo.ReplaceFeedback(gctx, payload.SubmissionID, items)
	})
	g.Go(func() error {
		return p.repo.UpdateSubmissionGrade(gctx, payload.SubmissionID, result.FinalScore, result.CorrectedAnswer)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("persist grading: %w", err)
	}
	return nil
}
