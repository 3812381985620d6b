package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	appoutbox "marketchat/internal/app/outbox"
	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/broker/kafka"
	"marketchat/internal/infra/outbox"
)

var (
	typeMessageSent = chat.EventMessageSent + ".v1"
	typeMessageRead = chat.EventConversationRead + ".v1"
)

type Inbox interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

// Deliverer pushes relayed events into local rooms.
type Deliverer interface {
	DeliverMessage(msg chat.Message, clientID string) int
	DeliverRead(conversationID, readerID, counterpartID string) int
}

// Handler rebroadcasts chat events published by other instances.
type Handler struct {
	Origin  string
	Inbox   Inbox
	Deliver Deliverer
	Logger  *slog.Logger
}

func (h Handler) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if h.Origin != "" && kafka.Header(msg, appoutbox.HeaderOrigin) == h.Origin {
		return nil
	}
	var ce outbox.CloudEvent
	if err := json.Unmarshal(msg.Value, &ce); err != nil {
		h.logger().Warn("relay: skip malformed event", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return nil
	}
	if ce.Type != typeMessageSent && ce.Type != typeMessageRead {
		return nil
	}
	if h.Inbox != nil {
		seen, err := h.Inbox.Seen(ctx, ce.ID)
		if err != nil {
			return fmt.Errorf("relay: inbox: %w", err)
		}
		if seen {
			return nil
		}
	}
	return h.apply(ce)
}

func (h Handler) apply(ce outbox.CloudEvent) error {
	switch ce.Type {
	case typeMessageSent:
		var ev chat.MessageSentEvent
		if err := json.Unmarshal(ce.Data, &ev); err != nil {
			h.logger().Warn("relay: bad message.sent payload", "event_id", ce.ID, "error", err)
			return nil
		}
		n := h.Deliver.DeliverMessage(ev.Message(), "")
		h.logger().Debug("relay: message delivered", "event_id", ce.ID, "conversation_id", ev.ConversationID, "receivers", n)
	case typeMessageRead:
		var ev chat.ConversationReadEvent
		if err := json.Unmarshal(ce.Data, &ev); err != nil {
			h.logger().Warn("relay: bad message.read payload", "event_id", ce.ID, "error", err)
			return nil
		}
		h.Deliver.DeliverRead(ev.ConversationID, ev.ReaderID, ev.CounterpartID)
	}
	return nil
}

func (h Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

var _ kafka.MessageHandler = Handler{}
