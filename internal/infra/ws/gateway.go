package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketchat/internal/app/dto"
	"marketchat/internal/app/messaging"
	"marketchat/internal/app/rooms"
	"marketchat/internal/domain/chat"
)

// HeaderUserID carries the identity asserted by the upstream auth proxy.
const HeaderUserID = "X-User-ID"

// Gateway upgrades HTTP requests and runs the per-connection event loop.
type Gateway struct {
	Service      *messaging.Service
	Router       *rooms.Router
	Logger       *slog.Logger
	PingInterval time.Duration
	PongWait     time.Duration
	SendBuffer   int
	OpTimeout    time.Duration
	CheckOrigin  func(r *http.Request) bool
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.CheckOrigin,
	}
	if upgrader.CheckOrigin == nil {
		upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger().Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newConnection(uuid.NewString(), strings.TrimSpace(r.Header.Get(HeaderUserID)), socket, g.SendBuffer)
	g.logger().Debug("websocket connected", "conn_id", c.id, "user_id", c.identity)

	go c.writer(g.pingInterval())
	g.reader(r.Context(), c)
}

// reader processes inbound events one at a time until the peer goes away.
func (g *Gateway) reader(ctx context.Context, c *connection) {
	defer func() {
		left := g.Router.Leave(c)
		c.close()
		g.logger().Debug("websocket disconnected", "conn_id", c.id, "rooms", left)
	}()

	pongWait := g.pongWait()
	c.ws.SetReadLimit(64 << 10)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger().Debug("websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			g.reply(c, messaging.EventError, dto.Error{Code: messaging.CodeValidation, Message: "malformed envelope"})
			continue
		}
		g.dispatch(ctx, c, env)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *connection, env Envelope) {
	// accepted work finishes even if the socket drops mid-operation
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opTimeout())
	defer cancel()

	switch env.Event {
	case messaging.EventJoin:
		g.handleJoin(c, env.Data)
	case messaging.EventSend:
		g.handleSend(opCtx, c, env.Data)
	case messaging.EventRead:
		g.handleRead(opCtx, c, env.Data)
	default:
		g.reply(c, messaging.EventError, dto.Error{Code: messaging.CodeValidation, Message: "unknown event " + env.Event})
	}
}

func (g *Gateway) handleJoin(c *connection, raw json.RawMessage) {
	req, err := DecodeJoin(raw)
	if err != nil {
		g.fail(c, "", chat.Invalid("malformed join"))
		return
	}
	if err := messaging.CheckActor(c.identity, req.UserID); err != nil {
		g.fail(c, "", err)
		return
	}
	room, err := g.Router.Join(c, req.UserID, req.CounterpartID)
	if err != nil {
		g.fail(c, "", err)
		return
	}
	if req.ConversationID != "" {
		g.Router.JoinRoom(c, rooms.ConversationRoom(req.ConversationID))
	}
	c.setState(stateJoined)
	g.reply(c, messaging.EventJoined, dto.Joined{Room: room, ConversationID: req.ConversationID})
}

func (g *Gateway) handleSend(ctx context.Context, c *connection, raw json.RawMessage) {
	req, err := DecodeSend(raw)
	if err != nil {
		g.fail(c, "", chat.Invalid("malformed message:send"))
		return
	}
	if err := messaging.CheckActor(c.identity, req.SenderID); err != nil {
		g.fail(c, req.ClientID, err)
		return
	}
	_, err = g.Service.Send(ctx, messaging.SendInput{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		CounterpartID:  req.CounterpartID,
		ListingID:      req.ListingID,
		BuyerID:        req.BuyerID,
		SellerID:       req.SellerID,
		Content:        req.Content,
		ClientID:       req.ClientID,
	})
	if err != nil {
		g.fail(c, req.ClientID, err)
	}
}

func (g *Gateway) handleRead(ctx context.Context, c *connection, raw json.RawMessage) {
	req, err := DecodeRead(raw)
	if err != nil {
		g.fail(c, "", chat.Invalid("malformed message:read"))
		return
	}
	if err := messaging.CheckActor(c.identity, req.UserID); err != nil {
		g.fail(c, "", err)
		return
	}
	if _, err := g.Service.MarkRead(ctx, req.ConversationID, req.UserID); err != nil {
		g.fail(c, "", err)
	}
}

// fail reports err to the originating socket only.
func (g *Gateway) fail(c *connection, clientID string, err error) {
	code := messaging.ErrorCode(err)
	if code == messaging.CodePersistence {
		g.logger().Error("websocket operation failed", "conn_id", c.id, "client_id", clientID, "error", err)
	}
	g.reply(c, messaging.EventError, dto.Error{Code: code, Message: chat.Reason(err), ClientID: clientID})
}

func (g *Gateway) reply(c *connection, event string, payload any) {
	if !c.Deliver(rooms.Event{Name: event, Data: payload}) {
		g.logger().Debug("websocket reply dropped", "conn_id", c.id, "event", event)
	}
}

func (g *Gateway) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g *Gateway) pingInterval() time.Duration {
	if g.PingInterval > 0 {
		return g.PingInterval
	}
	return (g.pongWait() * 9) / 10
}

func (g *Gateway) pongWait() time.Duration {
	if g.PongWait > 0 {
		return g.PongWait
	}
	return 60 * time.Second
}

func (g *Gateway) opTimeout() time.Duration {
	if g.OpTimeout > 0 {
		return g.OpTimeout
	}
	return 10 * time.Second
}
