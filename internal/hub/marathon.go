package hub

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/apperr"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/progress"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/pkg/protocol"
)

// leaseSlack keeps a session lease alive a little past the marathon end.
const leaseSlack = time.Minute

// SaveResult is the outcome of a bounded save. Err is nil when the save
// landed; Attempts counts calls made, including the successful one.
type SaveResult struct {
	Progress *progress.ProgressWithTime
	Attempts int
	Err      error
}

func (r SaveResult) Saved() bool {
	return r.Err == nil
}

// final reports whether retrying err cannot change the outcome.
func final(err error) bool {
	for _, target := range []error{
		apperr.ErrNotFound,
		apperr.ErrNotEnrolled,
		apperr.ErrNotStarted,
		apperr.ErrMarathonEnded,
		apperr.ErrAlreadyCompleted,
		apperr.ErrTimeExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// saveWithRetry calls SaveProgress until it succeeds, fails with a final
// error, or the backoff runs out.
func (h *Hub) saveWithRetry(userID, marathonID string, u progress.Update) SaveResult {
	var res SaveResult
	err := retry.Do(context.Background(), h.saveBackoff(), func(_ context.Context) error {
		res.Attempts++
		if res.Attempts > 1 {
			h.metrics.IncSaveRetry()
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout)
		defer cancel()

		p, err := h.progress.SaveProgress(ctx, userID, marathonID, u)
		if err != nil {
			if final(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		res.Progress = p
		return nil
	})
	res.Err = err
	return res
}

func (h *Hub) call() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.callTimeout)
}

func (h *Hub) fail(client *Client, err error, requestID string) {
	client.logger.Warn().Err(err).Str("requestId", requestID).Msg("Marathon request failed")
	h.sendError(client, apperr.Code(err), err.Error(), requestID)
}

func (h *Hub) ack(client *Client, data interface{}, requestID string) {
	msg, err := protocol.NewAck(data, requestID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to build ack")
		return
	}
	h.SendToClient(client, msg)
}

func (h *Hub) handleStartMarathon(client *Client, msg *protocol.Message) {
	var payload protocol.StartMarathonPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.MarathonID == "" {
		h.sendError(client, "INVALID_PAYLOAD", "marathonId is required", msg.RequestID)
		return
	}

	ctx, cancel := h.call()
	defer cancel()
	p, err := h.progress.StartOrResume(ctx, client.UserID, payload.MarathonID)
	if err != nil {
		h.fail(client, err, msg.RequestID)
		return
	}

	h.acquireLease(ctx, client, p)
	h.joinRoom(client, MarathonRoom(payload.MarathonID))
	h.startSession(client, p)
	h.ack(client, p, msg.RequestID)
}

func (h *Hub) handleSaveAnswer(client *Client, msg *protocol.Message) {
	var payload protocol.SaveAnswerPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.MarathonID == "" {
		h.sendError(client, "INVALID_PAYLOAD", "marathonId is required", msg.RequestID)
		return
	}

	draft := payload.DraftAnswer
	res := h.saveWithRetry(client.UserID, payload.MarathonID, progress.Update{DraftAnswer: &draft})
	if !res.Saved() {
		h.metrics.IncSaveFailure()
		client.logger.Error().
			Err(res.Err).
			Int("attempts", res.Attempts).
			Str("marathonId", payload.MarathonID).
			Msg("Failed to save answer")
		h.sendError(client, apperr.Code(res.Err), res.Err.Error(), msg.RequestID)
		return
	}

	h.ack(client, nil, msg.RequestID)
	saved, err := protocol.NewMessage(protocol.MsgAnswerSaved, protocol.AnswerSavedPayload{
		QuestionID: payload.QuestionID,
		Saved:      true,
		Attempts:   res.Attempts,
		Progress:   res.Progress,
	})
	if err == nil {
		h.SendToClient(client, saved)
	}
}

func (h *Hub) handleChangeQuestion(client *Client, msg *protocol.Message) {
	var payload protocol.ChangeQuestionPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.MarathonID == "" || payload.QuestionID == "" {
		h.sendError(client, "INVALID_PAYLOAD", "marathonId and questionId are required", msg.RequestID)
		return
	}

	ctx, cancel := h.call()
	defer cancel()
	questionID := payload.QuestionID
	p, err := h.progress.SaveProgress(ctx, client.UserID, payload.MarathonID, progress.Update{CurrentQuestionID: &questionID})
	if err != nil {
		h.fail(client, err, msg.RequestID)
		return
	}
	h.ack(client, p, msg.RequestID)
}

func (h *Hub) handleCompleteMarathon(client *Client, msg *protocol.Message) {
	var payload protocol.CompleteMarathonPayload
	if err := msg.DecodePayload(&payload); err != nil || payload.MarathonID == "" {
		h.sendError(client, "INVALID_PAYLOAD", "marathonId is required", msg.RequestID)
		return
	}

	h.haltMarathon(client.UserID, payload.MarathonID)

	ctx, cancel := h.call()
	defer cancel()
	p, err := h.progress.CompleteMarathon(ctx, client.UserID, payload.MarathonID)
	if err != nil {
		h.fail(client, err, msg.RequestID)
		return
	}
	h.releaseLease(client, payload.MarathonID)

	h.ack(client, p, msg.RequestID)
	completed, err := protocol.NewMessage(protocol.MsgMarathonCompleted, protocol.MarathonCompletedPayload{
		MarathonID: payload.MarathonID,
		Progress:   p,
	})
	if err == nil {
		h.SendToUser(client.UserID, completed)
	}
}

// acquireLease records client as the driver of the pair. A pair already driven
// by another connection is allowed but logged and counted.
func (h *Hub) acquireLease(ctx context.Context, client *Client, p *progress.ProgressWithTime) {
	if h.lease == nil {
		return
	}
	ttl := time.Duration(p.TimeRemaining)*time.Second + leaseSlack
	acquired, err := h.lease.Acquire(ctx, client.UserID, p.MarathonID, client.ID, ttl)
	if err != nil {
		client.logger.Warn().Err(err).Str("marathonId", p.MarathonID).Msg("Failed to acquire session lease")
		return
	}
	if !acquired {
		h.metrics.IncDuplicateSession()
		client.logger.Warn().Str("marathonId", p.MarathonID).Msg("Marathon already driven by another connection")
	}
}

func (h *Hub) releaseLease(client *Client, marathonID string) {
	if h.lease == nil {
		return
	}
	ctx, cancel := h.call()
	defer cancel()
	if err := h.lease.Release(ctx, client.UserID, marathonID, client.ID); err != nil {
		client.logger.Warn().Err(err).Str("marathonId", marathonID).Msg("Failed to release session lease")
	}
}

// LeaderboardGenerated announces a fresh ranking to the marathon room on this
// instance and, through the relay, on every other instance.
func (h *Hub) LeaderboardGenerated(ctx context.Context, marathonID string, entries []model.LeaderboardEntry) error {
	payload := protocol.LeaderboardGeneratedPayload{
		MarathonID: marathonID,
		Entries:    make([]protocol.LeaderboardEntry, 0, len(entries)),
	}
	for _, e := range entries {
		payload.Entries = append(payload.Entries, protocol.LeaderboardEntry{
			UserID:   e.UserID,
			Score:    e.Score,
			Position: e.Position,
		})
	}
	msg, err := protocol.NewMessage(protocol.MsgLeaderboardGenerated, payload)
	if err != nil {
		return err
	}

	roomID := MarathonRoom(marathonID)
	h.SendToRoom(roomID, msg)
	if h.relay != nil {
		return h.relay.PublishToRoom(ctx, roomID, msg)
	}
	return nil
}
