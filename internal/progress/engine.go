package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/apperr"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
)

type Repository interface {
	FindProgress(ctx context.Context, userID, marathonID string) (*model.MarathonProgress, error)
	CreateProgress(ctx context.Context, p *model.MarathonProgress) (*model.MarathonProgress, error)
	UpdateProgress(ctx context.Context, p *model.MarathonProgress) error
	CompleteProgress(ctx context.Context, userID, marathonID string, at time.Time) (*model.MarathonProgress, error)
}

type MarathonDirectory interface {
	FindMarathon(ctx context.Context, id string) (*model.Marathon, error)
	IsEnrolled(ctx context.Context, marathonID, userID string) (bool, error)
}

// TimeInfo is measured in whole seconds.
type TimeInfo struct {
	TimeRemaining int64 `json:"timeRemaining"`
	TimeElapsed   int64 `json:"timeElapsed"`
	IsExpired     bool  `json:"isExpired"`
}

type ProgressWithTime struct {
	model.MarathonProgress
	TimeInfo
	EndDate time.Time `json:"endDate"`
}

// Update carries the fields a save may change. Nil fields are left alone.
type Update struct {
	CurrentQuestionID *string
	DraftAnswer       *string
}

type Engine struct {
	progress  Repository
	marathons MarathonDirectory
	clock     clock.Clock
	logger    zerolog.Logger
}

func NewEngine(progress Repository, marathons MarathonDirectory, clk clock.Clock, logger zerolog.Logger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		progress:  progress,
		marathons: marathons,
		clock:     clk,
		logger:    logger.With().Str("component", "progress").Logger(),
	}
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// CalculateTimeRemaining is pure: the result depends only on its arguments.
func CalculateTimeRemaining(startedAt, endDate, now time.Time) TimeInfo {
	remaining := floorSeconds(endDate.Sub(now))
	if remaining < 0 {
		remaining = 0
	}
	elapsed := floorSeconds(now.Sub(startedAt))
	return TimeInfo{
		TimeRemaining: remaining,
		TimeElapsed:   elapsed,
		IsExpired:     remaining <= 0,
	}
}

func floorSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if d < 0 && d%time.Second != 0 {
		s--
	}
	return s
}

func (e *Engine) CalculateTimeRemaining(p *model.MarathonProgress, endDate time.Time) TimeInfo {
	return CalculateTimeRemaining(p.StartedAt, endDate, e.now())
}

func (e *Engine) StartOrResume(ctx context.Context, userID, marathonID string) (*ProgressWithTime, error) {
	m, err := e.marathons.FindMarathon(ctx, marathonID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if now.After(m.EndDate) {
		return nil, fmt.Errorf("marathon %s: %w", marathonID, apperr.ErrMarathonEnded)
	}
	if err := e.requireEnrollment(ctx, marathonID, userID); err != nil {
		return nil, err
	}

	p, err := e.progress.FindProgress(ctx, userID, marathonID)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrNotFound):
		p, err = e.progress.CreateProgress(ctx, &model.MarathonProgress{
			UserID:        userID,
			MarathonID:    marathonID,
			StartedAt:     now,
			LastUpdatedAt: now,
		})
		if err != nil {
			return nil, err
		}
		e.logger.Info().
			Str("userId", userID).
			Str("marathonId", marathonID).
			Msg("Marathon progress created")
	default:
		return nil, err
	}
	// CreateProgress hands back the winner's row when two starts race.
	if p.Completed {
		return nil, fmt.Errorf("marathon %s: %w", marathonID, apperr.ErrAlreadyCompleted)
	}

	info, err := e.checkExpiry(ctx, p, m.EndDate)
	if err != nil {
		return nil, err
	}
	return &ProgressWithTime{MarathonProgress: *p, TimeInfo: info, EndDate: m.EndDate}, nil
}

func (e *Engine) SaveProgress(ctx context.Context, userID, marathonID string, u Update) (*ProgressWithTime, error) {
	if err := e.requireEnrollment(ctx, marathonID, userID); err != nil {
		return nil, err
	}

	p, err := e.progress.FindProgress(ctx, userID, marathonID)
	if err != nil {
		return nil, err
	}
	if p.Completed {
		return nil, fmt.Errorf("marathon %s: %w", marathonID, apperr.ErrAlreadyCompleted)
	}

	m, err := e.marathons.FindMarathon(ctx, marathonID)
	if err != nil {
		return nil, err
	}
	if e.now().Before(m.StartDate) {
		return nil, fmt.Errorf("marathon %s: %w", marathonID, apperr.ErrNotStarted)
	}

	if _, err := e.checkExpiry(ctx, p, m.EndDate); err != nil {
		return nil, err
	}

	if u.CurrentQuestionID != nil {
		p.CurrentQuestionID = u.CurrentQuestionID
	}
	if u.DraftAnswer != nil {
		p.DraftAnswer = *u.DraftAnswer
	}
	p.LastUpdatedAt = e.now()
	if err := e.progress.UpdateProgress(ctx, p); err != nil {
		return nil, err
	}

	return &ProgressWithTime{
		MarathonProgress: *p,
		TimeInfo:         e.CalculateTimeRemaining(p, m.EndDate),
		EndDate:          m.EndDate,
	}, nil
}

// CompleteMarathon marks the pair completed. Completing an already completed
// row returns it unchanged.
func (e *Engine) CompleteMarathon(ctx context.Context, userID, marathonID string) (*model.MarathonProgress, error) {
	p, err := e.progress.FindProgress(ctx, userID, marathonID)
	if err != nil {
		return nil, err
	}
	if p.Completed {
		return p, nil
	}

	p, err = e.progress.CompleteProgress(ctx, userID, marathonID, e.now())
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("userId", userID).
		Str("marathonId", marathonID).
		Msg("Marathon completed")
	return p, nil
}

// checkExpiry completes p as a side effect when its time is up.
func (e *Engine) checkExpiry(ctx context.Context, p *model.MarathonProgress, endDate time.Time) (TimeInfo, error) {
	info := e.CalculateTimeRemaining(p, endDate)
	if !info.IsExpired {
		return info, nil
	}

	if _, err := e.CompleteMarathon(ctx, p.UserID, p.MarathonID); err != nil {
		return info, fmt.Errorf("auto-complete expired progress: %w", err)
	}
	e.logger.Info().
		Str("userId", p.UserID).
		Str("marathonId", p.MarathonID).
		Msg("Expired progress auto-completed")
	return info, fmt.Errorf("marathon %s: %w", p.MarathonID, apperr.ErrTimeExceeded)
}

func (e *Engine) requireEnrollment(ctx context.Context, marathonID, userID string) error {
	ok, err := e.marathons.IsEnrolled(ctx, marathonID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %s in marathon %s: %w", userID, marathonID, apperr.ErrNotEnrolled)
	}
	return nil
}
