package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/apperr"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/metrics"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/scheduler"
)

const (
	Queue       = "leaderboard"
	JobGenerate = "generate"

	DefaultRecheckInterval = 30 * time.Second
)

type Repository interface {
	FindMarathon(ctx context.Context, id string) (*model.Marathon, error)
	ListEnrollments(ctx context.Context, marathonID string) ([]model.Enrollment, error)
	ScoreTotals(ctx context.Context, marathonID string) (map[string]float64, error)
	CountPendingSubmissions(ctx context.Context, marathonID string) (int64, error)
	ReplaceLeaderboard(ctx context.Context, marathonID string, entries []model.LeaderboardEntry) error
	FindLeaderboard(ctx context.Context, marathonID string) ([]model.LeaderboardEntry, error)
	ListUngeneratedEndedBefore(ctx context.Context, now time.Time) ([]model.Marathon, error)
}

type Scheduler interface {
	Register(queue, name string, h scheduler.Handler)
	Schedule(ctx context.Context, queue, name string, payload any, opts scheduler.Options) error
	Remove(ctx context.Context, queue, key string) (bool, error)
}

// Notifier is told about every freshly persisted ranking. Failures are logged
// and never undo the generation.
type Notifier interface {
	LeaderboardGenerated(ctx context.Context, marathonID string, entries []model.LeaderboardEntry) error
}

// Service is the full leaderboard contract, scheduling included.
type Service interface {
	GenerateLeaderboardForMarathon(ctx context.Context, marathonID string) ([]model.LeaderboardEntry, error)
	GetLeaderboardForMarathon(ctx context.Context, marathonID string) ([]model.LeaderboardEntry, error)
	ScheduleLeaderboardGeneration(ctx context.Context, marathonID string, endDate time.Time) error
	DeleteScheduledLeaderboardGeneration(ctx context.Context, marathonID string) error
	Reconcile(ctx context.Context) (int, error)
}

type Params struct {
	Repo      Repository
	Scheduler Scheduler
	Notifiers []Notifier
	Clock     clock.Clock
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	// GradingGrace is how long past the end date generation waits for pending
	// grading jobs. Zero disables the wait.
	GradingGrace    time.Duration
	RecheckInterval time.Duration
}

type Engine struct {
	repo      Repository
	scheduler Scheduler
	notifiers []Notifier
	clock     clock.Clock
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	grace     time.Duration
	recheck   time.Duration
}

var _ Service = (*Engine)(nil)

type generatePayload struct {
	MarathonID string `json:"marathonId"`
}

// New builds the engine and registers its generate handler on the scheduler.
func New(p Params) *Engine {
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	if p.RecheckInterval <= 0 {
		p.RecheckInterval = DefaultRecheckInterval
	}
	e := &Engine{
		repo:      p.Repo,
		scheduler: p.Scheduler,
		notifiers: p.Notifiers,
		clock:     p.Clock,
		logger:    p.Logger.With().Str("component", "leaderboard").Logger(),
		metrics:   p.Metrics,
		grace:     p.GradingGrace,
		recheck:   p.RecheckInterval,
	}
	p.Scheduler.Register(Queue, JobGenerate, e.handleGenerate)
	return e
}

// AddNotifier is used by components built after the engine, like the hub.
func (e *Engine) AddNotifier(n Notifier) {
	e.notifiers = append(e.notifiers, n)
}

func jobKey(marathonID string) string {
	return "marathon-" + marathonID
}

// Rank orders totals for the enrolled users. Users without a total score 0.
// Equal scores are ordered by user id so positions are deterministic.
func Rank(marathonID string, enrollments []model.Enrollment, totals map[string]float64) []model.LeaderboardEntry {
	entries := make([]model.LeaderboardEntry, 0, len(enrollments))
	seen := make(map[string]struct{}, len(enrollments))
	for _, en := range enrollments {
		if _, dup := seen[en.UserID]; dup {
			continue
		}
		seen[en.UserID] = struct{}{}
		entries = append(entries, model.LeaderboardEntry{
			MarathonID: marathonID,
			UserID:     en.UserID,
			Score:      totals[en.UserID],
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID < entries[j].UserID
	})
	for i := range entries {
		entries[i].Position = i + 1
	}
	return entries
}

func (e *Engine) GenerateLeaderboardForMarathon(ctx context.Context, marathonID string) ([]model.LeaderboardEntry, error) {
	totals, err := e.repo.ScoreTotals(ctx, marathonID)
	if err != nil {
		return nil, err
	}
	enrollments, err := e.repo.ListEnrollments(ctx, marathonID)
	if err != nil {
		return nil, err
	}

	entries := Rank(marathonID, enrollments, totals)
	if err := e.repo.ReplaceLeaderboard(ctx, marathonID, entries); err != nil {
		e.metrics.IncLeaderboardRun("error")
		return nil, fmt.Errorf("persist leaderboard for %s: %w", marathonID, err)
	}
	e.metrics.IncLeaderboardRun("generated")

	e.logger.Info().
		Str("marathonId", marathonID).
		Int("entries", len(entries)).
		Msg("Leaderboard generated")

	for _, n := range e.notifiers {
		if err := n.LeaderboardGenerated(ctx, marathonID, entries); err != nil {
			e.logger.Warn().Err(err).Str("marathonId", marathonID).Msg("Failed to notify leaderboard generation")
		}
	}
	return entries, nil
}

// GetLeaderboardForMarathon returns the persisted ranking by position. A
// marathon whose leaderboard was never generated yields ErrNotFound; one
// generated with no enrollments yields an empty ranking.
func (e *Engine) GetLeaderboardForMarathon(ctx context.Context, marathonID string) ([]model.LeaderboardEntry, error) {
	entries, err := e.repo.FindLeaderboard(ctx, marathonID)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		return entries, nil
	}

	m, err := e.repo.FindMarathon(ctx, marathonID)
	if err != nil {
		return nil, err
	}
	if !m.LeaderboardGenerated {
		return nil, fmt.Errorf("leaderboard for marathon %s: %w", marathonID, apperr.ErrNotFound)
	}
	return entries, nil
}

// ScheduleLeaderboardGeneration arms generation at endDate. A past endDate
// generates inline. Calling it again for the same marathon replaces the
// pending job.
func (e *Engine) ScheduleLeaderboardGeneration(ctx context.Context, marathonID string, endDate time.Time) error {
	err := e.scheduler.Schedule(ctx, Queue, JobGenerate, generatePayload{MarathonID: marathonID}, scheduler.Options{
		Key:              jobKey(marathonID),
		RunAt:            endDate.UTC(),
		Immediate:        !endDate.After(e.clock.Now()),
		RemoveOnComplete: true,
	})
	if err != nil {
		return fmt.Errorf("schedule leaderboard for %s: %w", marathonID, err)
	}
	return nil
}

func (e *Engine) DeleteScheduledLeaderboardGeneration(ctx context.Context, marathonID string) error {
	removed, err := e.scheduler.Remove(ctx, Queue, jobKey(marathonID))
	if err != nil {
		return fmt.Errorf("remove scheduled leaderboard for %s: %w", marathonID, err)
	}
	e.logger.Info().
		Str("marathonId", marathonID).
		Bool("removed", removed).
		Msg("Scheduled leaderboard generation deleted")
	return nil
}

// Reconcile generates every past-due leaderboard that was never produced,
// covering jobs lost while the process was down. A failing marathon is logged
// and skipped. It returns how many marathons were handled.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	marathons, err := e.repo.ListUngeneratedEndedBefore(ctx, e.clock.Now().UTC())
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, m := range marathons {
		if err := ctx.Err(); err != nil {
			return handled, err
		}
		if err := e.generateWhenGraded(ctx, &m); err != nil {
			e.logger.Error().Err(err).Str("marathonId", m.ID).Msg("Failed to reconcile leaderboard")
			continue
		}
		handled++
	}

	e.logger.Info().
		Int("pastDue", len(marathons)).
		Int("handled", handled).
		Msg("Leaderboard reconciliation finished")
	return handled, nil
}

func (e *Engine) handleGenerate(ctx context.Context, job *scheduler.Job) error {
	var p generatePayload
	if err := job.Decode(&p); err != nil {
		return err
	}

	m, err := e.repo.FindMarathon(ctx, p.MarathonID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return scheduler.Permanent(err)
		}
		return err
	}
	return e.generateWhenGraded(ctx, m)
}

// generateWhenGraded holds generation back while submissions still await
// grading, until the grace window after the end date closes. Submissions
// still ungraded after that count as 0.
func (e *Engine) generateWhenGraded(ctx context.Context, m *model.Marathon) error {
	now := e.clock.Now().UTC()
	deadline := m.EndDate.Add(e.grace)

	if e.grace > 0 && now.Before(deadline) {
		pending, err := e.repo.CountPendingSubmissions(ctx, m.ID)
		if err != nil {
			return err
		}
		if pending > 0 {
			next := now.Add(e.recheck)
			if next.After(deadline) {
				next = deadline
			}
			e.metrics.IncLeaderboardRun("deferred")
			e.logger.Info().
				Str("marathonId", m.ID).
				Int64("pending", pending).
				Time("recheckAt", next).
				Msg("Leaderboard deferred until grading settles")
			return e.scheduler.Schedule(ctx, Queue, JobGenerate, generatePayload{MarathonID: m.ID}, scheduler.Options{
				Key:              jobKey(m.ID),
				RunAt:            next,
				RemoveOnComplete: true,
			})
		}
	}

	_, err := e.GenerateLeaderboardForMarathon(ctx, m.ID)
	return err
}
