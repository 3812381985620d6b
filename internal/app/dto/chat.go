package dto

import (
	"time"

	"marketchat/internal/domain/chat"
)

// Message is the canonical wire shape of a chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}

// LastMessage previews the newest message of a conversation.
type LastMessage struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation describes chat metadata.
type Conversation struct {
	ID          string       `json:"id"`
	BuyerID     string       `json:"buyerId"`
	SellerID    string       `json:"sellerId"`
	ListingID   string       `json:"listingId"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount *int64       `json:"unreadCount,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// ConversationList is returned by the listing endpoint.
type ConversationList struct {
	Conversations []Conversation `json:"conversations"`
}

// MessagePage is one page of history, oldest first.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	Total    int64     `json:"total"`
}

// MessageReceived is broadcast after a message is persisted.
type MessageReceived struct {
	Message        Message `json:"message"`
	ConversationID string  `json:"conversationId"`
	ClientID       string  `json:"clientId,omitempty"`
}

// MessageRead is the read receipt broadcast to a conversation.
type MessageRead struct {
	ConversationID string `json:"conversationId"`
	By             string `json:"by"`
}

// Joined acknowledges a join request.
type Joined struct {
	Room           string `json:"room"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Error is sent only to the socket whose request failed.
type Error struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

func FromMessage(m chat.Message) Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Read:           m.Read,
		CreatedAt:      m.CreatedAt,
	}
}

func FromMessages(msgs []chat.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FromMessage(m))
	}
	return out
}

// ToMessage converts back to the domain type.
func (m Message) ToMessage() chat.Message {
	return chat.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Read:           m.Read,
		CreatedAt:      m.CreatedAt,
	}
}

func FromConversation(c chat.Conversation) Conversation {
	out := Conversation{
		ID:        c.ID,
		BuyerID:   c.BuyerID,
		SellerID:  c.SellerID,
		ListingID: c.ListingID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if c.LastMessage != nil {
		out.LastMessage = &LastMessage{
			ID:        c.LastMessage.ID,
			SenderID:  c.LastMessage.SenderID,
			Snippet:   c.LastMessage.Snippet,
			CreatedAt: c.LastMessage.At,
		}
	}
	return out
}

// WithUnread attaches the unread counter for the viewing user.
func (c Conversation) WithUnread(n int64) Conversation {
	c.UnreadCount = &n
	return c
}

// ToConversation converts back to the domain type.
func (c Conversation) ToConversation() chat.Conversation {
	out := chat.Conversation{
		ID:        c.ID,
		BuyerID:   c.BuyerID,
		SellerID:  c.SellerID,
		ListingID: c.ListingID,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if c.LastMessage != nil {
		out.LastMessage = &chat.LastMessage{
			ID:       c.LastMessage.ID,
			SenderID: c.LastMessage.SenderID,
			Snippet:  c.LastMessage.Snippet,
			At:       c.LastMessage.CreatedAt,
		}
	}
	return out
}

func FromPage(p chat.Page) MessagePage {
	return MessagePage{
		Messages: FromMessages(p.Messages),
		Page:     p.Page,
		Limit:    p.Limit,
		Total:    p.Total,
	}
}
