package ws

import (
	"encoding/json"
	"strings"
	"time"

	"marketchat/internal/app/dto"
)

// Envelope frames every websocket message as {"event": name, "data": payload}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest asks to enter the pair room and, optionally, the conversation room.
type JoinRequest struct {
	UserID         string
	CounterpartID  string
	ConversationID string
}

// SendRequest carries a new message. ConversationID may be empty for a first message.
type SendRequest struct {
	ConversationID string
	SenderID       string
	CounterpartID  string
	ListingID      string
	BuyerID        string
	SellerID       string
	Content        string
	ClientID       string
}

// ReadRequest marks a conversation read for UserID.
type ReadRequest struct {
	ConversationID string
	UserID         string
}

// Older clients use userId/targetUserId/newMessage/bookId; both spellings are accepted here
// and nowhere else.
type joinWire struct {
	UserID         string `json:"userId"`
	SenderID       string `json:"senderId"`
	CounterpartID  string `json:"counterpartId"`
	TargetUserID   string `json:"targetUserId"`
	ConversationID string `json:"conversationId"`
}

type sendWire struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	UserID         string `json:"userId"`
	CounterpartID  string `json:"counterpartId"`
	TargetUserID   string `json:"targetUserId"`
	ReceiverID     string `json:"receiverId"`
	ListingID      string `json:"listingId"`
	BookID         string `json:"bookId"`
	BuyerID        string `json:"buyerId"`
	SellerID       string `json:"sellerId"`
	Content        string `json:"content"`
	NewMessage     string `json:"newMessage"`
	ClientID       string `json:"clientId"`
}

type readWire struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	ReaderID       string `json:"readerId"`
}

type messageWire struct {
	ID             string    `json:"id"`
	LegacyID       string    `json:"_id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	UserID         string    `json:"userId"`
	ReceiverID     string    `json:"receiverId"`
	Content        string    `json:"content"`
	NewMessage     string    `json:"newMessage"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
	Timestamp      time.Time `json:"timestamp"`
}

func first(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func DecodeJoin(raw json.RawMessage) (JoinRequest, error) {
	var w joinWire
	if err := decode(raw, &w); err != nil {
		return JoinRequest{}, err
	}
	return JoinRequest{
		UserID:         first(w.UserID, w.SenderID),
		CounterpartID:  first(w.CounterpartID, w.TargetUserID),
		ConversationID: first(w.ConversationID),
	}, nil
}

func DecodeSend(raw json.RawMessage) (SendRequest, error) {
	var w sendWire
	if err := decode(raw, &w); err != nil {
		return SendRequest{}, err
	}
	return SendRequest{
		ConversationID: first(w.ConversationID),
		SenderID:       first(w.SenderID, w.UserID),
		CounterpartID:  first(w.CounterpartID, w.TargetUserID, w.ReceiverID),
		ListingID:      first(w.ListingID, w.BookID),
		BuyerID:        first(w.BuyerID),
		SellerID:       first(w.SellerID),
		Content:        first(w.Content, w.NewMessage),
		ClientID:       first(w.ClientID),
	}, nil
}

func DecodeRead(raw json.RawMessage) (ReadRequest, error) {
	var w readWire
	if err := decode(raw, &w); err != nil {
		return ReadRequest{}, err
	}
	return ReadRequest{
		ConversationID: first(w.ConversationID),
		UserID:         first(w.UserID, w.ReaderID),
	}, nil
}

// DecodeMessage reads a message in canonical or legacy spelling.
func DecodeMessage(raw json.RawMessage) (dto.Message, error) {
	var w messageWire
	if err := decode(raw, &w); err != nil {
		return dto.Message{}, err
	}
	created := w.CreatedAt
	if created.IsZero() {
		created = w.Timestamp
	}
	return dto.Message{
		ID:             first(w.ID, w.LegacyID),
		ConversationID: first(w.ConversationID),
		SenderID:       first(w.SenderID, w.UserID),
		ReceiverID:     first(w.ReceiverID),
		Content:        first(w.Content, w.NewMessage),
		Read:           w.Read,
		CreatedAt:      created,
	}, nil
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
