package rooms

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"marketchat/internal/domain/chat"
)

// Event is what the router hands to a connection.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Conn is a live subscriber. Deliver must not block; it returns false when the event was dropped.
type Conn interface {
	ID() string
	Deliver(ev Event) bool
}

// Router keeps ephemeral room membership and fans events out to connected sockets.
type Router struct {
	logger *slog.Logger

	mu      sync.RWMutex
	rooms   map[string]map[string]Conn
	members map[string]map[string]struct{}

	dropped atomic.Int64
}

// NewRouter builds an empty router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger:  logger,
		rooms:   make(map[string]map[string]Conn),
		members: make(map[string]map[string]struct{}),
	}
}

// RoomKey is symmetric: RoomKey(a, b) == RoomKey(b, a).
func RoomKey(userA, userB string) string {
	ids := []string{strings.TrimSpace(userA), strings.TrimSpace(userB)}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// ConversationRoom is the room scoped to a single conversation.
func ConversationRoom(conversationID string) string {
	return "conversation:" + strings.TrimSpace(conversationID)
}

// Join adds conn to the pair room of userID and counterpartID.
func (r *Router) Join(conn Conn, userID, counterpartID string) (string, error) {
	userID = strings.TrimSpace(userID)
	counterpartID = strings.TrimSpace(counterpartID)
	if userID == "" || counterpartID == "" {
		return "", chat.Invalid("userId and counterpartId are required")
	}
	key := RoomKey(userID, counterpartID)
	r.JoinRoom(conn, key)
	return key, nil
}

// JoinRoom adds conn to an explicit room. Joining twice is a no-op.
func (r *Router) JoinRoom(conn Conn, key string) {
	if conn == nil || key == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[key]
	if !ok {
		room = make(map[string]Conn)
		r.rooms[key] = room
	}
	room[conn.ID()] = conn
	joined, ok := r.members[conn.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.members[conn.ID()] = joined
	}
	joined[key] = struct{}{}
}

// Leave removes conn from every room and returns the rooms it was in.
func (r *Router) Leave(conn Conn) []string {
	if conn == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	joined := r.members[conn.ID()]
	delete(r.members, conn.ID())
	left := make([]string, 0, len(joined))
	for key := range joined {
		left = append(left, key)
		room := r.rooms[key]
		delete(room, conn.ID())
		if len(room) == 0 {
			delete(r.rooms, key)
		}
	}
	sort.Strings(left)
	return left
}

// Broadcast delivers to every member of one room and returns how many accepted the event.
func (r *Router) Broadcast(key, event string, payload any) int {
	return r.BroadcastRooms([]string{key}, event, payload)
}

// BroadcastRooms delivers to the union of the given rooms; a connection in several of them
// receives the event once. Empty rooms are a no-op.
func (r *Router) BroadcastRooms(keys []string, event string, payload any) int {
	targets := r.collect(keys)
	if len(targets) == 0 {
		return 0
	}
	ev := Event{Name: event, Data: payload}
	delivered := 0
	for _, conn := range targets {
		if conn.Deliver(ev) {
			delivered++
			continue
		}
		r.dropped.Add(1)
		if r.logger != nil {
			r.logger.Debug("room event dropped", "conn_id", conn.ID(), "event", event)
		}
	}
	return delivered
}

func (r *Router) collect(keys []string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []Conn
	for _, key := range keys {
		for id, conn := range r.rooms[key] {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, conn)
		}
	}
	return out
}

// Members lists connection ids currently in a room.
func (r *Router) Members(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[key]))
	for id := range r.rooms[key] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Rooms lists the rooms a connection has joined.
func (r *Router) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members[connID]))
	for key := range r.members[connID] {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Dropped counts events discarded because a subscriber buffer was full.
func (r *Router) Dropped() int64 {
	return r.dropped.Load()
}
