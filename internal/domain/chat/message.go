package chat

import (
	"strings"
	"time"
)

const (
	DefaultPageSize = 30
	MaxPageSize     = 200
)

// Message is a single text message. Read only ever moves from false to true.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	Read           bool
	CreatedAt      time.Time
}

// Draft is a validated, not yet persisted message.
type Draft struct {
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
}

// NewDraft trims every field and rejects empty content or missing participants.
func NewDraft(conversationID, senderID, receiverID, content string) (Draft, error) {
	d := Draft{
		ConversationID: strings.TrimSpace(conversationID),
		SenderID:       strings.TrimSpace(senderID),
		ReceiverID:     strings.TrimSpace(receiverID),
		Content:        strings.TrimSpace(content),
	}
	switch {
	case d.ConversationID == "":
		return Draft{}, Invalid("conversationId is required")
	case d.SenderID == "" || d.ReceiverID == "":
		return Draft{}, Invalid("senderId and receiverId are required")
	case d.Content == "":
		return Draft{}, Invalid("content must not be empty")
	}
	return d, nil
}

// Page is one slice of history in chronological (oldest-first) order.
type Page struct {
	Messages []Message
	Page     int
	Limit    int
	Total    int64
}

// NormalizePage applies defaults: page 1, DefaultPageSize, capped at MaxPageSize.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	return page, limit
}

// Skip is the number of newest messages preceding the requested page.
func Skip(page, limit int) int {
	return (page - 1) * limit
}

// Reverse flips a newest-first slice in place and returns it.
func Reverse(msgs []Message) []Message {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}

// NextTimestamp returns now, bumped past prev so timestamps stay strictly increasing.
func NextTimestamp(prev, now time.Time, step time.Duration) time.Time {
	if !prev.IsZero() && !now.After(prev) {
		return prev.Add(step)
	}
	return now
}
