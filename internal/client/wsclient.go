package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketchat/internal/app/dto"
	"marketchat/internal/infra/ws"
)

const writeWait = 10 * time.Second

// WSTransport talks to the messaging gateway over a websocket.
type WSTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
}

// Dial connects to the gateway. userID, when set, is sent as the identity header.
func Dial(ctx context.Context, url, userID string, logger *slog.Logger) (*WSTransport, error) {
	header := http.Header{}
	if userID != "" {
		header.Set(ws.HeaderUserID, userID)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{conn: conn, logger: logger}, nil
}

// Join subscribes to the pair room and, when conversationID is set, its conversation room.
func (t *WSTransport) Join(userID, counterpartID, conversationID string) error {
	return t.write("join", map[string]string{
		"userId":         userID,
		"counterpartId":  counterpartID,
		"conversationId": conversationID,
	})
}

// Submit sends message:send; confirmation arrives as message:received.
func (t *WSTransport) Submit(_ context.Context, out Outgoing) (*dto.Message, error) {
	return nil, t.write("message:send", map[string]string{
		"conversationId": out.ConversationID,
		"senderId":       out.SenderID,
		"counterpartId":  out.CounterpartID,
		"listingId":      out.ListingID,
		"content":        out.Content,
		"clientId":       out.TempID,
	})
}

// MarkRead sends message:read for userID.
func (t *WSTransport) MarkRead(conversationID, userID string) error {
	return t.write("message:read", map[string]string{"conversationId": conversationID, "userId": userID})
}

func (t *WSTransport) write(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(ws.Envelope{Event: event, Data: data})
}

// Listen feeds server events into session until the socket closes or ctx ends.
// onEvent, when set, is called after each event is applied.
func (t *WSTransport) Listen(ctx context.Context, session *Session, onEvent func(ws.Envelope)) error {
	stop := context.AfterFunc(ctx, func() { _ = t.conn.Close() })
	defer stop()
	for {
		var env ws.Envelope
		if err := t.conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := session.HandleEvent(env.Event, env.Data); err != nil {
			t.logger.Warn("drop malformed event", "event", env.Event, "error", err)
			continue
		}
		if onEvent != nil {
			onEvent(env)
		}
	}
}

// Close sends a close frame and releases the socket.
func (t *WSTransport) Close() error {
	t.writeMu.Lock()
	err := t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	t.writeMu.Unlock()
	if cerr := t.conn.Close(); cerr != nil && !errors.Is(cerr, websocket.ErrCloseSent) && err == nil {
		err = cerr
	}
	return err
}
