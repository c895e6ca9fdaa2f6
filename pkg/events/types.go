package events

import "time"

const (
	TopicMarathonCreated      = "marathon.created"
	TopicMarathonUpdated      = "marathon.updated"
	TopicMarathonDeleted      = "marathon.deleted"
	TopicSubmissionCreated    = "submission.created"
	TopicLeaderboardGenerated = "leaderboard.generated"
)

// ConsumedTopics lists the topics the service reads.
var ConsumedTopics = []string{
	TopicMarathonCreated,
	TopicMarathonUpdated,
	TopicMarathonDeleted,
	TopicSubmissionCreated,
}

// MarathonEvent is published on marathon.created and marathon.updated.
type MarathonEvent struct {
	MarathonID  string    `json:"marathonId"`
	ClassroomID string    `json:"classroomId"`
	Title       string    `json:"title"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
	Timestamp   string    `json:"timestamp"`
}

type MarathonDeletedEvent struct {
	MarathonID string `json:"marathonId"`
	Timestamp  string `json:"timestamp"`
}

type SubmissionCreatedEvent struct {
	SubmissionID string `json:"submissionId"`
	UserID       string `json:"userId"`
	MarathonID   string `json:"marathonId"`
	QuestionID   string `json:"questionId"`
	Answer       string `json:"answer"`
	Timestamp    string `json:"timestamp"`
}

type LeaderboardEntry struct {
	UserID   string  `json:"userId"`
	Score    float64 `json:"score"`
	Position int     `json:"position"`
}

type LeaderboardGeneratedEvent struct {
	MarathonID string             `json:"marathonId"`
	Entries    []LeaderboardEntry `json:"entries"`
	Timestamp  string             `json:"timestamp"`
}
