package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 3
)

type Job struct {
	ID               string          `json:"id"`
	Queue            string          `json:"queue"`
	Name             string          `json:"name"`
	Key              string          `json:"key"`
	Payload          json.RawMessage `json:"payload"`
	RunAt            time.Time       `json:"runAt"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"maxAttempts"`
	RemoveOnComplete bool            `json:"removeOnComplete"`
	LastError        string          `json:"lastError,omitempty"`
}

func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s/%s payload: %w", j.Queue, j.Name, err))
	}
	return nil
}

// FinalAttempt reports whether a failure of the running attempt exhausts the
// job's retries.
func (j *Job) FinalAttempt() bool {
	return j.Attempts+1 >= j.MaxAttempts
}

type Handler func(ctx context.Context, job *Job) error

// Options controls how a job is stored. Key defaults to a random id, which
// disables replacement.
type Options struct {
	Key              string
	RunAt            time.Time
	Delay            time.Duration
	Immediate        bool
	RemoveOnComplete bool
	MaxAttempts      int
}

// PermanentError marks a job as unprocessable. It is not retried.
type PermanentError struct {
	Err error
}

func (p *PermanentError) Error() string {
	return fmt.Sprintf("permanent job failure: %v", p.Err)
}

func (p *PermanentError) Unwrap() error {
	return p.Err
}

func Permanent(err error) error {
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
