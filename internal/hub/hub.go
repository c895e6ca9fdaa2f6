package hub

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/metrics"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/model"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/internal/progress"
	"github.com/CDeX-Labs/CDeX-Marathon-Service/pkg/protocol"
)

const (
	DefaultTickInterval = time.Second
	DefaultSaveAttempts = 5
	DefaultSaveDelay    = time.Second
	DefaultCallTimeout  = 10 * time.Second
)

type ProgressService interface {
	StartOrResume(ctx context.Context, userID, marathonID string) (*progress.ProgressWithTime, error)
	SaveProgress(ctx context.Context, userID, marathonID string, u progress.Update) (*progress.ProgressWithTime, error)
	CompleteMarathon(ctx context.Context, userID, marathonID string) (*model.MarathonProgress, error)
}

// SessionLease tracks which connection drives a (user, marathon) pair across
// instances.
type SessionLease interface {
	Acquire(ctx context.Context, userID, marathonID, connID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, userID, marathonID, connID string) error
}

// RoomRelay forwards room messages to other instances.
type RoomRelay interface {
	PublishToRoom(ctx context.Context, roomID string, msg *protocol.Message) error
	SubscribeToRoom(roomID string) error
	UnsubscribeFromRoom(roomID string) error
}

type Options struct {
	Progress ProgressService
	Lease    SessionLease
	Relay    RoomRelay
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger

	TickInterval time.Duration
	SaveAttempts int
	SaveDelay    time.Duration
	// SaveBackoff overrides the backoff built from SaveAttempts and SaveDelay.
	SaveBackoff func() retry.Backoff
	CallTimeout time.Duration
}

type Hub struct {
	clients     map[*Client]bool
	userClients map[string]map[*Client]bool
	Register    chan *Client
	Unregister  chan *Client
	mu          sync.RWMutex
	logger      zerolog.Logger
	rooms       *RoomManager
	sessions    *SessionRegistry

	progress     ProgressService
	lease        SessionLease
	relay        RoomRelay
	clock        clock.Clock
	metrics      *metrics.Metrics
	tickInterval time.Duration
	saveBackoff  func() retry.Backoff
	callTimeout  time.Duration
}

func NewHub(opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.SaveAttempts <= 0 {
		opts.SaveAttempts = DefaultSaveAttempts
	}
	if opts.SaveDelay <= 0 {
		opts.SaveDelay = DefaultSaveDelay
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.SaveBackoff == nil {
		attempts, delay := opts.SaveAttempts, opts.SaveDelay
		opts.SaveBackoff = func() retry.Backoff {
			return retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(delay))
		}
	}

	return &Hub{
		clients:      make(map[*Client]bool),
		userClients:  make(map[string]map[*Client]bool),
		Register:     make(chan *Client),
		Unregister:   make(chan *Client),
		rooms:        NewRoomManager(),
		sessions:     NewSessionRegistry(),
		logger:       opts.Logger.With().Str("component", "hub").Logger(),
		progress:     opts.Progress,
		lease:        opts.Lease,
		relay:        opts.Relay,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		tickInterval: opts.TickInterval,
		saveBackoff:  opts.SaveBackoff,
		callTimeout:  opts.CallTimeout,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true

	if h.userClients[client.UserID] == nil {
		h.userClients[client.UserID] = make(map[*Client]bool)
	}
	h.userClients[client.UserID][client] = true
	h.metrics.IncConnections()

	h.logger.Info().
		Str("clientId", client.ID).
		Str("userId", client.UserID).
		Int("totalClients", len(h.clients)).
		Msg("Client registered")
}

// unregisterClient stops the connection's timer and leaves its rooms. The
// progress row is left untouched so the user can resume.
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		if userClients, found := h.userClients[client.UserID]; found {
			delete(userClients, client)
			if len(userClients) == 0 {
				delete(h.userClients, client.UserID)
			}
		}
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}

	if s := h.sessions.get(client.ID); s != nil {
		h.stopSession(client.ID)
		h.releaseLease(client, s.marathonID)
	}
	for _, roomID := range h.rooms.LeaveAllRooms(client) {
		h.unsubscribeRoom(roomID)
	}
	client.close()
	h.metrics.DecConnections()

	h.logger.Info().
		Str("clientId", client.ID).
		Str("userId", client.UserID).
		Int("totalClients", total).
		Msg("Client unregistered")
}

func (h *Hub) shutdown() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregisterClient(c)
	}
	h.logger.Info().Int("clients", len(clients)).Msg("Hub stopped")
}

func (h *Hub) ProcessMessage(client *Client, data []byte) {
	start := h.clock.Now()
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to parse message")
		h.sendError(client, "PARSE_ERROR", "Invalid message format", "")
		return
	}
	h.metrics.IncMessagesReceived(string(msg.Type))

	h.logger.Debug().
		Str("clientId", client.ID).
		Str("type", string(msg.Type)).
		Msg("Processing message")

	switch msg.Type {
	case protocol.MsgStartMarathon:
		h.handleStartMarathon(client, msg)
	case protocol.MsgSaveAnswer:
		h.handleSaveAnswer(client, msg)
	case protocol.MsgChangeQuestion:
		h.handleChangeQuestion(client, msg)
	case protocol.MsgCompleteMarathon:
		h.handleCompleteMarathon(client, msg)
	case protocol.MsgPing:
		h.handlePing(client, msg)
	default:
		h.sendError(client, "UNKNOWN_TYPE", "Unknown message type", msg.RequestID)
	}

	h.metrics.ObserveLatency(h.clock.Since(start).Seconds())
}

func (h *Hub) handlePing(client *Client, msg *protocol.Message) {
	response, _ := protocol.NewMessageWithRequestID(protocol.MsgPong, nil, msg.RequestID)
	h.SendToClient(client, response)
}

// SendToClient queues msg for client. A client whose buffer is full is
// disconnected.
func (h *Hub) SendToClient(client *Client, msg *protocol.Message) {
	if msg == nil {
		return
	}
	data, err := msg.ToBytes()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to serialize message")
		return
	}

	if !client.enqueue(data) {
		h.mu.RLock()
		_, registered := h.clients[client]
		h.mu.RUnlock()
		if registered {
			h.logger.Warn().Str("clientId", client.ID).Msg("Client send buffer full, disconnecting")
			go func() { h.Unregister <- client }()
		}
	}
}

func (h *Hub) userConnections(userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.userClients[userID]))
	for c := range h.userClients[userID] {
		clients = append(clients, c)
	}
	return clients
}

// SendToUser delivers msg to every local connection of the user.
func (h *Hub) SendToUser(userID string, msg *protocol.Message) {
	for _, client := range h.userConnections(userID) {
		h.SendToClient(client, msg)
	}
}

// SendToRoom delivers msg to the room's local members only.
func (h *Hub) SendToRoom(roomID string, msg *protocol.Message) {
	room := h.rooms.GetRoom(roomID)
	if room == nil {
		return
	}

	data, err := msg.ToBytes()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to serialize message")
		return
	}

	for _, client := range room.GetClients() {
		client.enqueue(data)
	}
}

func (h *Hub) sendError(client *Client, code, message, requestID string) {
	errMsg, _ := protocol.NewErrorMessage(code, message, requestID)
	h.SendToClient(client, errMsg)
}

func (h *Hub) joinRoom(client *Client, roomID string) {
	room, created := h.rooms.JoinRoom(roomID, client)
	if created && h.relay != nil {
		if err := h.relay.SubscribeToRoom(roomID); err != nil {
			h.logger.Warn().Err(err).Str("roomId", roomID).Msg("Failed to subscribe to room channel")
		}
	}
	h.logger.Debug().
		Str("clientId", client.ID).
		Str("roomId", roomID).
		Int("memberCount", room.ClientCount()).
		Msg("Client joined room")
}

func (h *Hub) unsubscribeRoom(roomID string) {
	if h.relay == nil {
		return
	}
	if err := h.relay.UnsubscribeFromRoom(roomID); err != nil {
		h.logger.Warn().Err(err).Str("roomId", roomID).Msg("Failed to unsubscribe from room channel")
	}
}

func (h *Hub) GetStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"totalClients":   len(h.clients),
		"totalUsers":     len(h.userClients),
		"activeSessions": h.sessions.Len(),
		"rooms":          h.rooms.GetStats(),
	}
}
