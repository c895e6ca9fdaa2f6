package protocol

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type AckPayload struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

type ConnectedPayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
	InstanceID   string `json:"instanceId,omitempty"`
}

type StartMarathonPayload struct {
	MarathonID string `json:"marathonId"`
}

type SaveAnswerPayload struct {
	MarathonID  string `json:"marathonId"`
	QuestionID  string `json:"questionId"`
	DraftAnswer string `json:"draftAnswer"`
}

type ChangeQuestionPayload struct {
	MarathonID string `json:"marathonId"`
	QuestionID string `json:"questionId"`
}

type CompleteMarathonPayload struct {
	MarathonID string `json:"marathonId"`
}

type TimeUpdatePayload struct {
	MarathonID    string `json:"marathonId"`
	TimeRemaining int64  `json:"time_remaining"`
	TimeElapsed   int64  `json:"time_elapsed"`
}

type TimeUpPayload struct {
	MarathonID string `json:"marathonId"`
	Message    string `json:"message"`
}

type AnswerSavedPayload struct {
	QuestionID string      `json:"questionId"`
	Saved      bool        `json:"saved"`
	Attempts   int         `json:"attempts"`
	Progress   interface{} `json:"progress,omitempty"`
}

type MarathonCompletedPayload struct {
	MarathonID string      `json:"marathonId"`
	Progress   interface{} `json:"progress"`
}

type LeaderboardEntry struct {
	UserID   string  `json:"userId"`
	Score    float64 `json:"score"`
	Position int     `json:"position"`
}

type LeaderboardGeneratedPayload struct {
	MarathonID string             `json:"marathonId"`
	Entries    []LeaderboardEntry `json:"entries"`
}
