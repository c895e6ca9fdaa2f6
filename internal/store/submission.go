package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
)

func (s *Store) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	return s.db.WithContext(ctx).Create(sub).Error
}

func (s *Store) FindSubmission(ctx context.Context, id string) (*model.Submission, error) {
	var sub model.Submission
	if err := s.db.WithContext(ctx).Take(&sub, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "submission %s", id)
	}
	return &sub, nil
}

func (s *Store) FindQuestion(ctx context.Context, id string) (*model.Question, error) {
	var q model.Question
	if err := s.db.WithContext(ctx).Take(&q, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "question %s", id)
	}
	return &q, nil
}

// ScoreTotals sums the scored submissions of every user for the marathon's
// questions. Unscored submissions are ignored.
func (s *Store) ScoreTotals(ctx context.Context, marathonID string) (map[string]float64, error) {
	var rows []struct {
		UserID string
		Total  float64
	}
	err := s.db.WithContext(ctx).
		Table("submissions").
		Select("submissions.user_id AS user_id, SUM(submissions.score) AS total").
		Joins("JOIN questions ON questions.id = submissions.question_id").
		Where("questions.marathon_id = ? AND submissions.score IS NOT NULL", marathonID).
		Group("submissions.user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sum scores: %w", err)
	}

	totals := make(map[string]float64, len(rows))
	for _, r := range rows {
		totals[r.UserID] = r.Total
	}
	return totals, nil
}

func (s *Store) CountPendingSubmissions(ctx context.Context, marathonID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&model.Submission{}).
		Joins("JOIN questions ON questions.id = submissions.question_id").
		Where("questions.marathon_id = ? AND submissions.grading_status = ?", marathonID, model.GradingPending).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count pending submissions: %w", err)
	}
	return count, nil
}

func (s *Store) UpdateSubmissionGrade(ctx context.Context, id string, score float64, corrected string) error {
	res := s.db.WithContext(ctx).
		Model(&model.Submission{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"score":            score,
			"corrected_answer": corrected,
			"grading_status":   model.GradingGraded,
		})
	if res.Error != nil {
		return fmt.Errorf("update submission %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "submission %s", id)
	}
	return nil
}

func (s *Store) MarkSubmissionFailed(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&model.Submission{}).
		Where("id = ? AND grading_status = ?", id, model.GradingPending).
		Update("grading_status", model.GradingFailed).Error
}

// ReplaceFeedback swaps the feedback rows of a submission so a retried grading
// job never duplicates them.
func (s *Store) ReplaceFeedback(ctx context.Context, submissionID string, items []model.Feedback) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("submission_id = ?", submissionID).Delete(&model.Feedback{}).Error; err != nil {
			return fmt.Errorf("delete feedback: %w", err)
		}
		if len(items) == 0 {
			return nil
		}
		for i := range items {
			items[i].SubmissionID = submissionID
		}
		if err := tx.Create(&items).Error; err != nil {
			return fmt.Errorf("insert feedback: %w", err)
		}
		return nil
	})
}

// FeedbackRow is one feedback item joined with its submission and question.
type FeedbackRow struct {
	SubmissionID    string
	QuestionID      string
	Prompt          string
	Answer          string
	CorrectedAnswer string
	Score           *float64
	Explanation     string
	PointsDeducted  float64
	Category        string
}

func (s *Store) ListFeedback(ctx context.Context, userID, marathonID string) ([]FeedbackRow, error) {
	var rows []FeedbackRow
	err := s.db.WithContext(ctx).
		Table("feedbacks").
		Select(`submissions.id AS submission_id, questions.id AS question_id, questions.prompt AS prompt,
			submissions.answer AS answer, submissions.corrected_answer AS corrected_answer, submissions.score AS score,
			feedbacks.explanation AS explanation, feedbacks.points_deducted AS points_deducted, feedbacks.category AS category`).
		Joins("JOIN submissions ON submissions.id = feedbacks.submission_id").
		Joins("JOIN questions ON questions.id = submissions.question_id").
		Where("submissions.user_id = ? AND questions.marathon_id = ?", userID, marathonID).
		Order("submissions.created_at, feedbacks.created_at, feedbacks.id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	return rows, nil
}
