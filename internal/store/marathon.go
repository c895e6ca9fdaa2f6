package store

import (
	"context"
	"fmt"
	"time"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
)

func (s *Store) CreateMarathon(ctx context.Context, m *model.Marathon) error {
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Store) Enroll(ctx context.Context, marathonID, userID string) error {
	return s.db.WithContext(ctx).Create(&model.Enrollment{MarathonID: marathonID, UserID: userID}).Error
}

func (s *Store) CreateQuestion(ctx context.Context, q *model.Question) error {
	return s.db.WithContext(ctx).Create(q).Error
}

func (s *Store) FindMarathon(ctx context.Context, id string) (*model.Marathon, error) {
	var m model.Marathon
	if err := s.db.WithContext(ctx).Take(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "marathon %s", id)
	}
	return &m, nil
}

func (s *Store) IsEnrolled(ctx context.Context, marathonID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.Enrollment{}).
		Where("marathon_id = ? AND user_id = ?", marathonID, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check enrollment: %w", err)
	}
	return count > 0, nil
}

// ListEnrollments returns the marathon's enrollments in creation order.
func (s *Store) ListEnrollments(ctx context.Context, marathonID string) ([]model.Enrollment, error) {
	var enrollments []model.Enrollment
	err := s.db.WithContext(ctx).
		Where("marathon_id = ?", marathonID).
		Order("created_at, id").
		Find(&enrollments).Error
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	return enrollments, nil
}

// ListUngeneratedEndedBefore returns marathons whose end date has passed but
// whose leaderboard was never generated.
func (s *Store) ListUngeneratedEndedBefore(ctx context.Context, now time.Time) ([]model.Marathon, error) {
	var marathons []model.Marathon
	err := s.db.WithContext(ctx).
		Where("end_date <= ? AND leaderboard_generated = ?", now, false).
		Order("end_date").
		Find(&marathons).Error
	if err != nil {
		return nil, fmt.Errorf("list past-due marathons: %w", err)
	}
	return marathons, nil
}
