package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type GradingStatus string

const (
	GradingPending GradingStatus = "pending"
	GradingGraded  GradingStatus = "graded"
	GradingFailed  GradingStatus = "failed"
)

// Base carries the string primary key shared by every table.
type Base struct {
	ID string `gorm:"primaryKey;size:36" json:"id"`
}

func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	return nil
}

type Marathon struct {
	Base
	ClassroomID          string    `gorm:"size:36;index" json:"classroomId"`
	Title                string    `json:"title"`
	StartDate            time.Time `gorm:"not null" json:"startDate"`
	EndDate              time.Time `gorm:"not null;index" json:"endDate"`
	LeaderboardGenerated bool      `gorm:"not null;default:false;index" json:"leaderboardGenerated"`
	CreatedAt            time.Time `json:"createdAt"`
}

type Enrollment struct {
	Base
	MarathonID string    `gorm:"size:36;not null;uniqueIndex:idx_enrollment_marathon_user" json:"marathonId"`
	UserID     string    `gorm:"size:36;not null;uniqueIndex:idx_enrollment_marathon_user" json:"userId"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Question struct {
	Base
	MarathonID string  `gorm:"size:36;not null;index" json:"marathonId"`
	Prompt     string  `gorm:"not null" json:"prompt"`
	MaxScore   float64 `gorm:"not null;default:10" json:"maxScore"`
}

// MarathonProgress is one user's position and state within one marathon.
// StartedAt never changes after creation; Completed only moves false to true.
type MarathonProgress struct {
	Base
	UserID            string     `gorm:"size:36;not null;uniqueIndex:idx_progress_user_marathon" json:"userId"`
	MarathonID        string     `gorm:"size:36;not null;uniqueIndex:idx_progress_user_marathon" json:"marathonId"`
	CurrentQuestionID *string    `gorm:"size:36" json:"currentQuestionId"`
	DraftAnswer       string     `json:"draftAnswer"`
	StartedAt         time.Time  `gorm:"not null" json:"startedAt"`
	LastUpdatedAt     time.Time  `gorm:"not null" json:"lastUpdatedAt"`
	Completed         bool       `gorm:"not null;default:false" json:"completed"`
	CompletedAt       *time.Time `json:"completedAt"`
	Version           int64      `gorm:"not null;default:0" json:"version"`
}

func (MarathonProgress) TableName() string {
	return "marathon_progress"
}

type Submission struct {
	Base
	QuestionID      string        `gorm:"size:36;not null;index" json:"questionId"`
	UserID          string        `gorm:"size:36;not null;index" json:"userId"`
	Answer          string        `json:"answer"`
	Score           *float64      `json:"score"`
	CorrectedAnswer string        `json:"correctedAnswer"`
	GradingStatus   GradingStatus `gorm:"size:16;not null;default:pending" json:"gradingStatus"`
	CreatedAt       time.Time     `json:"createdAt"`
}

type Feedback struct {
	Base
	SubmissionID   string    `gorm:"size:36;not null;index" json:"submissionId"`
	Explanation    string    `json:"explanation"`
	PointsDeducted float64   `json:"pointsDeducted"`
	Category       string    `gorm:"size:64" json:"category"`
	CreatedAt      time.Time `json:"createdAt"`
}

type LeaderboardEntry struct {
	Base
	MarathonID string    `gorm:"size:36;not null;index" json:"marathonId"`
	UserID     string    `gorm:"size:36;not null" json:"userId"`
	Score      float64   `gorm:"not null" json:"score"`
	Position   int       `gorm:"not null" json:"position"`
	CreatedAt  time.Time `json:"createdAt"`
}

// All lists every model for migrations.
func All() []any {
	return []any{
		&Marathon{},
		&Enrollment{},
		&Question{},
		&MarathonProgress{},
		&Submission{},
		&Feedback{},
		&LeaderboardEntry{},
	}
}
