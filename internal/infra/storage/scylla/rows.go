package scylla

import (
	"time"

	"github.com/gocql/gocql"

	"marketchat/internal/domain/chat"
)

const messageColumns = `conversation_id, created_at, message_id, sender_id, receiver_id, content, read`

type conversationRow struct {
	ID                  gocql.UUID
	BuyerID             string
	SellerID            string
	ListingID           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastMessageID       string
	LastMessageSenderID string
	LastMessageText     string
	LastMessageAt       time.Time
}

func (r *conversationRow) dest() []any {
	return []any{&r.ID, &r.BuyerID, &r.SellerID, &r.ListingID, &r.CreatedAt, &r.UpdatedAt,
		&r.LastMessageID, &r.LastMessageSenderID, &r.LastMessageText, &r.LastMessageAt}
}

func (r conversationRow) toDomain() chat.Conversation {
	conv := chat.Conversation{
		ID:        r.ID.String(),
		BuyerID:   r.BuyerID,
		SellerID:  r.SellerID,
		ListingID: r.ListingID,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	// last_message_at is seeded with created_at; only a message id makes it real
	if r.LastMessageID != "" {
		conv.LastMessage = &chat.LastMessage{
			ID:       r.LastMessageID,
			SenderID: r.LastMessageSenderID,
			Snippet:  r.LastMessageText,
			At:       r.LastMessageAt.UTC(),
		}
	}
	return conv
}

type messageRow struct {
	ConversationID gocql.UUID
	CreatedAt      time.Time
	MessageID      gocql.UUID
	SenderID       string
	ReceiverID     string
	Content        string
	Read           bool
}

func (r *messageRow) dest() []any {
	return []any{&r.ConversationID, &r.CreatedAt, &r.MessageID, &r.SenderID, &r.ReceiverID, &r.Content, &r.Read}
}

func (r messageRow) unreadFor(excludingSenderID string) bool {
	return !r.Read && r.SenderID != excludingSenderID
}

func (r messageRow) toDomain() chat.Message {
	return chat.Message{
		ID:             r.MessageID.String(),
		ConversationID: r.ConversationID.String(),
		SenderID:       r.SenderID,
		ReceiverID:     r.ReceiverID,
		Content:        r.Content,
		Read:           r.Read,
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

// window drops the first skip rows of a newest-first slice and keeps at most limit.
func window(rows []chat.Message, skip, limit int) []chat.Message {
	if skip >= len(rows) {
		return []chat.Message{}
	}
	rows = rows[skip:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]chat.Message, len(rows))
	copy(out, rows)
	return out
}

func conversationIDFromCAS(existing map[string]any) (gocql.UUID, bool) {
	switch v := existing["conversation_id"].(type) {
	case gocql.UUID:
		return v, true
	case string:
		id, err := gocql.ParseUUID(v)
		return id, err == nil
	default:
		return gocql.UUID{}, false
	}
}
