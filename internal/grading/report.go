package grading

import (
	"context"
	"fmt"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/apperr"
)

type FeedbackItem struct {
	Explanation    string  `json:"explanation"`
	PointsDeducted float64 `json:"pointsDeducted"`
	Category       string  `json:"category"`
}

type SubmissionReport struct {
	SubmissionID    string         `json:"submissionId"`
	QuestionID      string         `json:"questionId"`
	Prompt          string         `json:"prompt"`
	Answer          string         `json:"answer"`
	CorrectedAnswer string         `json:"correctedAnswer"`
	Score           *float64       `json:"score"`
	Feedback        []FeedbackItem `json:"feedback"`
}

type Report struct {
	UserID      string             `json:"userId"`
	MarathonID  string             `json:"marathonId"`
	Submissions []SubmissionReport `json:"submissions"`
}

// Report gathers a user's feedback for a marathon, grouped by submission in
// submission order.
func (p *Pipeline) Report(ctx context.Context, userID, marathonID string) (*Report, error) {
	rows, err := p.repo.ListFeedback(ctx, userID, marathonID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("user %s in marathon %s: %w", userID, marathonID, apperr.ErrNoFeedbackAvailable)
	}

	report := &Report{UserID: userID, MarathonID: marathonID}
	index := make(map[string]int)
	for _, r := range rows {
		i, ok := index[r.SubmissionID]
		if !ok {
			i = len(report.Submissions)
			index[r.SubmissionID] = i
			report.Submissions = append(report.Submissions, SubmissionReport{
				SubmissionID:    r.SubmissionID,
				QuestionID:      r.QuestionID,
				Prompt:          r.Prompt,
				Answer:          r.Answer,
				CorrectedAnswer: r.CorrectedAnswer,
				Score:           r.Score,
			})
		}
		report.Submissions[i].Feedback = append(report.Submissions[i].Feedback, FeedbackItem{
			Explanation:    r.Explanation,
			PointsDeducted: r.PointsDeducted,
			Category:       r.Category,
		})
	}
	return report, nil
}
