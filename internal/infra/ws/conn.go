package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketchat/internal/app/rooms"
)

type state int

const (
	stateConnected state = iota
	stateJoined
	stateDisconnected
)

func (s state) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateJoined:
		return "joined"
	default:
		return "disconnected"
	}
}

const writeWait = 10 * time.Second

// connection is one websocket peer. Outbound events go through a bounded buffer so
// a slow reader never blocks a broadcast.
type connection struct {
	id       string
	identity string
	ws       *websocket.Conn
	send     chan rooms.Event
	done     chan struct{}
	once     sync.Once

	mu    sync.Mutex
	state state
}

func newConnection(id, identity string, ws *websocket.Conn, buffer int) *connection {
	if buffer <= 0 {
		buffer = 64
	}
	return &connection{
		id:       id,
		identity: identity,
		ws:       ws,
		send:     make(chan rooms.Event, buffer),
		done:     make(chan struct{}),
		state:    stateConnected,
	}
}

func (c *connection) ID() string { return c.id }

func (c *connection) Deliver(ev rooms.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *connection) setState(s state) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateDisconnected {
		c.state = s
	}
}

func (c *connection) State() state {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connection) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = stateDisconnected
		c.mu.Unlock()
		close(c.done)
	})
}

// writer owns all writes to the socket, including keepalive pings.
func (c *connection) writer(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev := <-c.send:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
