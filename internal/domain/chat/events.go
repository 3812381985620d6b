package chat

import "time"

// Event is a domain fact recorded to the outbox.
type Event interface {
	EventName() string
	AggregateID() string
	OccurredAt() time.Time
}

const (
	EventMessageSent      = "message.sent"
	EventConversationRead = "message.read"
)

// MessageSentEvent is emitted after a message is persisted and the conversation updated.
type MessageSentEvent struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	ListingID      string    `json:"listingId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

func NewMessageSentEvent(conv Conversation, msg Message) MessageSentEvent {
	return MessageSentEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		ListingID:      conv.ListingID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
}

func (e MessageSentEvent) EventName() string     { return EventMessageSent }
func (e MessageSentEvent) AggregateID() string   { return e.ConversationID }
func (e MessageSentEvent) OccurredAt() time.Time { return e.CreatedAt }

// Message rebuilds the persisted message carried by the event.
func (e MessageSentEvent) Message() Message {
	return Message{
		ID:             e.MessageID,
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		ReceiverID:     e.ReceiverID,
		Content:        e.Content,
		CreatedAt:      e.CreatedAt,
	}
}

// ConversationReadEvent is emitted when MarkRead flipped at least one message.
type ConversationReadEvent struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	CounterpartID  string    `json:"counterpartId"`
	Count          int64     `json:"count"`
	At             time.Time `json:"at"`
}

func (e ConversationReadEvent) EventName() string     { return EventConversationRead }
func (e ConversationReadEvent) AggregateID() string   { return e.ConversationID }
func (e ConversationReadEvent) OccurredAt() time.Time { return e.At }
