package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/apperr"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
)

func (s *Store) FindProgress(ctx context.Context, userID, marathonID string) (*model.MarathonProgress, error) {
	var p model.MarathonProgress
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND marathon_id = ?", userID, marathonID).
		Take(&p).Error
	if err != nil {
		return nil, notFound(err, "progress for user %s in marathon %s", userID, marathonID)
	}
	return &p, nil
}

// CreateProgress inserts p unless a row for the same (user, marathon) already
// exists, and returns whichever row is stored. A lost create race therefore
// resumes the existing row instead of failing.
func (s *Store) CreateProgress(ctx context.Context, p *model.MarathonProgress) (*model.MarathonProgress, error) {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(p).Error
	if err != nil {
		return nil, fmt.Errorf("create progress: %w", err)
	}
	return s.FindProgress(ctx, p.UserID, p.MarathonID)
}

// UpdateProgress writes the mutable fields of p if the stored version still
// matches p.Version and the row is not completed. On success p.Version is
// advanced.
func (s *Store) UpdateProgress(ctx context.Context, p *model.MarathonProgress) error {
	res := s.db.WithContext(ctx).
		Model(&model.MarathonProgress{}).
		Where("id = ? AND version = ? AND completed = ?", p.ID, p.Version, false).
		Updates(map[string]any{
			"current_question_id": p.CurrentQuestionID,
			"draft_answer":        p.DraftAnswer,
			"last_updated_at":     p.LastUpdatedAt,
			"version":             p.Version + 1,
		})
	if res.Error != nil {
		return fmt.Errorf("update progress %s: %w", p.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update progress %s: %w", p.ID, apperr.ErrStaleProgress)
	}
	p.Version++
	return nil
}

// CompleteProgress flips completed for the pair if it has not been flipped yet
// and returns the stored row. Repeated calls leave completed_at untouched.
func (s *Store) CompleteProgress(ctx context.Context, userID, marathonID string, at time.Time) (*model.MarathonProgress, error) {
	err := s.db.WithContext(ctx).
		Model(&model.MarathonProgress{}).
		Where("user_id = ? AND marathon_id = ? AND completed = ?", userID, marathonID, false).
		Updates(map[string]any{
			"completed":       true,
			"completed_at":    at,
			"last_updated_at": at,
			"version":         gorm.Expr("version + 1"),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("complete progress: %w", err)
	}
	return s.FindProgress(ctx, userID, marathonID)
}
