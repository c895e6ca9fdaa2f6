package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/apperr"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/auth"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/grading"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/presence"
)

type LeaderboardReader interface {
	GetLeaderboardForMarathon(ctx context.Context, marathonID string) ([]model.LeaderboardEntry, error)
}

type FeedbackReporter interface {
	Report(ctx context.Context, userID, marathonID string) (*grading.Report, error)
}

type SessionLookup interface {
	Holder(ctx context.Context, userID, marathonID string) (*presence.Holder, error)
}

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), errorBody{Error: err.Error(), Code: apperr.Code(err)})
}

type API struct {
	leaderboard LeaderboardReader
	feedback    FeedbackReporter
	sessions    SessionLookup
	logger      zerolog.Logger
}

func NewAPI(leaderboard LeaderboardReader, feedback FeedbackReporter, sessions SessionLookup, logger zerolog.Logger) *API {
	return &API{
		leaderboard: leaderboard,
		feedback:    feedback,
		sessions:    sessions,
		logger:      logger.With().Str("component", "api").Logger(),
	}
}

func (a *API) Routes(r chi.Router) {
	r.Get("/marathons/{marathonID}/leaderboard", a.getLeaderboard)
	r.Get("/marathons/{marathonID}/feedback", a.getFeedback)
	if a.sessions != nil {
		r.Get("/marathons/{marathonID}/session", a.getSession)
	}
}

type leaderboardResponse struct {
	MarathonID string                   `json:"marathonId"`
	Entries    []model.LeaderboardEntry `json:"entries"`
}

func (a *API) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	marathonID := chi.URLParam(r, "marathonID")
	entries, err := a.leaderboard.GetLeaderboardForMarathon(r.Context(), marathonID)
	if err != nil {
		a.logger.Debug().Err(err).Str("marathonId", marathonID).Msg("Leaderboard lookup failed")
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, leaderboardResponse{MarathonID: marathonID, Entries: entries})
}

// getFeedback returns the caller's report. Staff may read another user's
// report with ?userId=.
func (a *API) getFeedback(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r.Context())
	userID := claims.GetUserID()
	if other := r.URL.Query().Get("userId"); other != "" && other != userID {
		if !claims.IsStaff() {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Code: "FORBIDDEN"})
			return
		}
		userID = other
	}

	report, err := a.feedback.Report(r.Context(), userID, chi.URLParam(r, "marathonID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type sessionResponse struct {
	Active       bool   `json:"active"`
	InstanceID   string `json:"instanceId,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// getSession tells the caller whether one of their connections is already
// driving the marathon, so a second tab can warn before starting.
func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserFromContext(r.Context())
	holder, err := a.sessions.Holder(r.Context(), claims.GetUserID(), chi.URLParam(r, "marathonID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if holder == nil {
		writeJSON(w, http.StatusOK, sessionResponse{})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Active:       true,
		InstanceID:   holder.InstanceID,
		ConnectionID: holder.ConnectionID,
	})
}

func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyHandler runs every checker and reports 503 if any fails.
func ReadyHandler(stats func() map[string]interface{}, checks map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ready", http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status, code = "unavailable", http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}

		body := map[string]interface{}{"status": status, "checks": results}
		if stats != nil {
			body["stats"] = stats()
		}
		writeJSON(w, code, body)
	}
}
