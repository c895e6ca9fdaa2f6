package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrNotEnrolled         = errors.New("user is not enrolled in this marathon")
	ErrMarathonEnded       = errors.New("marathon has ended")
	ErrNotStarted          = errors.New("marathon has not started yet")
	ErrAlreadyCompleted    = errors.New("marathon already completed")
	ErrTimeExceeded        = errors.New("time limit exceeded")
	ErrStaleProgress       = errors.New("progress was modified concurrently")
	ErrOracleFailure       = errors.New("grading oracle failure")
	ErrNoFeedbackAvailable = errors.New("no feedback available")
)

var codes = []struct {
	err    error
	code   string
	status int
}{
	{ErrNotFound, "NOT_FOUND", http.StatusNotFound},
	{ErrNotEnrolled, "NOT_ENROLLED", http.StatusForbidden},
	{ErrMarathonEnded, "MARATHON_ENDED", http.StatusBadRequest},
	{ErrNotStarted, "NOT_STARTED", http.StatusBadRequest},
	{ErrAlreadyCompleted, "ALREADY_COMPLETED", http.StatusBadRequest},
	{ErrTimeExceeded, "TIME_EXCEEDED", http.StatusBadRequest},
	{ErrStaleProgress, "STALE_PROGRESS", http.StatusConflict},
	{ErrOracleFailure, "ORACLE_FAILURE", http.StatusBadGateway},
	{ErrNoFeedbackAvailable, "NO_FEEDBACK_AVAILABLE", http.StatusNotFound},
}

// Code returns the wire error code for err, or INTERNAL_ERROR when err is not
// part of the taxonomy.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL_ERROR"
}

func HTTPStatus(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}
