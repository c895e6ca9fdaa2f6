package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/progress"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/pkg/protocol"
)

const timeUpMessage = "Time is up! Your marathon has been completed."

// session is the live timer of one connection for one marathon.
type session struct {
	client     *Client
	marathonID string
	startedAt  time.Time
	endDate    time.Time

	ticker   *clock.Ticker
	stop     chan struct{}
	stopOnce sync.Once
	expired  atomic.Bool
}

func (s *session) halt() {
	s.stopOnce.Do(func() {
		s.ticker.Stop()
		close(s.stop)
	})
}

// SessionRegistry maps connection ids to their running session. Each
// connection owns at most one session.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*session)}
}

// put installs s and returns the session it replaced, if any.
func (r *SessionRegistry) put(connID string, s *session) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[connID]
	r.sessions[connID] = s
	return prev
}

func (r *SessionRegistry) get(connID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[connID]
}

// take removes the connection's session. A non-nil want only matches that
// exact session, so a stale timer cannot evict its replacement.
func (r *SessionRegistry) take(connID string, want *session) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connID]
	if !ok || (want != nil && s != want) {
		return nil
	}
	delete(r.sessions, connID)
	return s
}

func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// startSession arms the tick timer for client. The ticker is created before
// this returns so the first tick is relative to the start call.
func (h *Hub) startSession(client *Client, p *progress.ProgressWithTime) {
	s := &session{
		client:     client,
		marathonID: p.MarathonID,
		startedAt:  p.StartedAt,
		endDate:    p.EndDate,
		ticker:     h.clock.Ticker(h.tickInterval),
		stop:       make(chan struct{}),
	}
	if prev := h.sessions.put(client.ID, s); prev != nil {
		prev.halt()
		h.metrics.DecSessions()
	}
	h.metrics.IncSessions()

	go h.runSession(s)

	client.logger.Info().
		Str("marathonId", s.marathonID).
		Time("endDate", s.endDate).
		Msg("Session timer started")
}

// stopSession halts the connection's timer. It reports whether one was running.
func (h *Hub) stopSession(connID string) bool {
	s := h.sessions.take(connID, nil)
	if s == nil {
		return false
	}
	s.halt()
	h.metrics.DecSessions()
	return true
}

func (h *Hub) runSession(s *session) {
	for {
		select {
		case <-s.stop:
			return
		case <-s.ticker.C:
			select {
			case <-s.stop:
				return
			default:
			}
			info := progress.CalculateTimeRemaining(s.startedAt, s.endDate, h.clock.Now())
			if info.IsExpired {
				h.expireSession(s)
				return
			}
			msg, err := protocol.NewMessage(protocol.MsgTimeUpdate, protocol.TimeUpdatePayload{
				MarathonID:    s.marathonID,
				TimeRemaining: info.TimeRemaining,
				TimeElapsed:   info.TimeElapsed,
			})
			if err != nil {
				continue
			}
			h.SendToClient(s.client, msg)
		}
	}
}

// haltMarathon stops every timer the user runs for marathonID on this
// instance. A halted session is marked expired so it never emits time-up.
func (h *Hub) haltMarathon(userID, marathonID string) {
	for _, c := range h.userConnections(userID) {
		s := h.sessions.get(c.ID)
		if s == nil || s.marathonID != marathonID {
			continue
		}
		if !s.expired.CompareAndSwap(false, true) {
			continue
		}
		if h.sessions.take(c.ID, s) != nil {
			h.metrics.DecSessions()
		}
		s.halt()
	}
}

// expireSession runs at most once per session. It completes the progress row
// and emits the terminal time-up event.
func (h *Hub) expireSession(s *session) {
	if !s.expired.CompareAndSwap(false, true) {
		return
	}
	if h.sessions.take(s.client.ID, s) != nil {
		h.metrics.DecSessions()
	}
	s.halt()

	ctx, cancel := context.WithTimeout(context.Background(), h.callTimeout)
	defer cancel()
	if _, err := h.progress.CompleteMarathon(ctx, s.client.UserID, s.marathonID); err != nil {
		s.client.logger.Error().Err(err).Str("marathonId", s.marathonID).Msg("Failed to complete expired marathon")
	}
	h.releaseLease(s.client, s.marathonID)

	msg, err := protocol.NewMessage(protocol.MsgTimeUp, protocol.TimeUpPayload{
		MarathonID: s.marathonID,
		Message:    timeUpMessage,
	})
	if err == nil {
		h.SendToClient(s.client, msg)
	}
	h.metrics.IncTimeUp()

	s.client.logger.Info().Str("marathonId", s.marathonID).Msg("Session time is up")
}
