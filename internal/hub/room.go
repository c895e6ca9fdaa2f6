package hub

import (
	"strings"
	"sync"
)

type RoomType string

const (
	RoomTypeGlobal   RoomType = "global"
	RoomTypeMarathon RoomType = "marathon"
	RoomTypeUser     RoomType = "user"
)

type Room struct {
	ID   string
	Type RoomType

	clients map[*Client]bool
	mu      sync.RWMutex
}

func NewRoom(id string) *Room {
	return &Room{
		ID:      id,
		Type:    ParseRoomType(id),
		clients: make(map[*Client]bool),
	}
}

func ParseRoomType(roomID string) RoomType {
	prefix, _, found := strings.Cut(roomID, ":")
	if !found {
		return RoomTypeGlobal
	}
	switch RoomType(prefix) {
	case RoomTypeMarathon:
		return RoomTypeMarathon
	case RoomTypeUser:
		return RoomTypeUser
	default:
		return RoomTypeGlobal
	}
}

func BuildRoomID(roomType RoomType, entityID string) string {
	if roomType == RoomTypeGlobal {
		return string(RoomTypeGlobal)
	}
	return string(roomType) + ":" + entityID
}

func MarathonRoom(marathonID string) string {
	return BuildRoomID(RoomTypeMarathon, marathonID)
}

func (r *Room) AddClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client] = true
}

func (r *Room) RemoveClient(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, client)
}

func (r *Room) GetClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Room) IsEmpty() bool {
	return r.ClientCount() == 0
}

type RoomManager struct {
	rooms map[string]*Room
	mu    sync.RWMutex
}

func NewRoomManager() *RoomManager {
	return &RoomManager{
		rooms: make(map[string]*Room),
	}
}

func (rm *RoomManager) GetRoom(roomID string) *Room {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.rooms[roomID]
}

// JoinRoom adds client to the room, creating the room on first join. It
// reports whether the room was created.
func (rm *RoomManager) JoinRoom(roomID string, client *Client) (*Room, bool) {
	rm.mu.Lock()
	room, exists := rm.rooms[roomID]
	if !exists {
		room = NewRoom(roomID)
		rm.rooms[roomID] = room
	}
	room.AddClient(client)
	rm.mu.Unlock()

	client.JoinRoom(roomID)
	return room, !exists
}

// LeaveRoom removes client and drops the room once it is empty. It reports
// whether the room was removed.
func (rm *RoomManager) LeaveRoom(roomID string, client *Client) bool {
	client.LeaveRoom(roomID)

	rm.mu.Lock()
	defer rm.mu.Unlock()
	room := rm.rooms[roomID]
	if room == nil {
		return false
	}
	room.RemoveClient(client)
	if room.IsEmpty() && room.Type != RoomTypeGlobal {
		delete(rm.rooms, roomID)
		return true
	}
	return false
}

// LeaveAllRooms returns the rooms that became empty.
func (rm *RoomManager) LeaveAllRooms(client *Client) []string {
	var emptied []string
	for _, roomID := range client.GetRooms() {
		if rm.LeaveRoom(roomID, client) {
			emptied = append(emptied, roomID)
		}
	}
	return emptied
}

func (rm *RoomManager) GetStats() map[string]interface{} {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	typeCount := make(map[RoomType]int)
	totalClients := 0
	for _, room := range rm.rooms {
		typeCount[room.Type]++
		totalClients += room.ClientCount()
	}

	return map[string]interface{}{
		"totalRooms":   len(rm.rooms),
		"totalClients": totalClients,
		"byType":       typeCount,
	}
}
