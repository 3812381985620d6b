package chat

import (
	"sort"
	"strings"
	"time"
)

// SnippetLimit bounds the last-message preview kept on a conversation.
const SnippetLimit = 500

// Key is the natural identity of a conversation.
type Key struct {
	BuyerID   string
	SellerID  string
	ListingID string
}

// NewKey trims and validates the buyer/seller/listing triple.
func NewKey(buyerID, sellerID, listingID string) (Key, error) {
	key := Key{
		BuyerID:   strings.TrimSpace(buyerID),
		SellerID:  strings.TrimSpace(sellerID),
		ListingID: strings.TrimSpace(listingID),
	}
	if key.BuyerID == "" || key.SellerID == "" || key.ListingID == "" {
		return Key{}, Invalid("buyerId, sellerId and listingId are required")
	}
	if key.BuyerID == key.SellerID {
		return Key{}, Invalid("buyer and seller must differ")
	}
	return key, nil
}

// LastMessage is the denormalized pointer to the newest message of a conversation.
type LastMessage struct {
	ID       string
	SenderID string
	Snippet  string
	At       time.Time
}

// Conversation is a thread between one buyer and one seller about one listing.
type Conversation struct {
	ID          string
	BuyerID     string
	SellerID    string
	ListingID   string
	LastMessage *LastMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (c Conversation) Key() Key {
	return Key{BuyerID: c.BuyerID, SellerID: c.SellerID, ListingID: c.ListingID}
}

// HasParticipant reports whether userID is the buyer or the seller.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.BuyerID == userID || c.SellerID == userID)
}

// Counterpart returns the other participant.
func (c Conversation) Counterpart(userID string) (string, bool) {
	switch userID {
	case c.BuyerID:
		return c.SellerID, true
	case c.SellerID:
		return c.BuyerID, true
	default:
		return "", false
	}
}

// LastActivity is the ordering key for conversation lists.
func (c Conversation) LastActivity() time.Time {
	if c.LastMessage != nil && c.LastMessage.At.After(c.UpdatedAt) {
		return c.LastMessage.At
	}
	if !c.UpdatedAt.IsZero() {
		return c.UpdatedAt
	}
	return c.CreatedAt
}

// AcceptsLastMessage reports whether msg is not older than the current pointer.
func (c Conversation) AcceptsLastMessage(msg Message) bool {
	if c.LastMessage == nil {
		return true
	}
	if msg.ID == c.LastMessage.ID {
		return false
	}
	return !msg.CreatedAt.Before(c.LastMessage.At)
}

// WithLastMessage returns a copy pointing at msg.
func (c Conversation) WithLastMessage(msg Message) Conversation {
	c.LastMessage = &LastMessage{
		ID:       msg.ID,
		SenderID: msg.SenderID,
		Snippet:  TrimSnippet(msg.Content, SnippetLimit),
		At:       msg.CreatedAt,
	}
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	return c
}

// SortByActivity orders conversations newest activity first; ties break on id descending.
func SortByActivity(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		ai, aj := convs[i].LastActivity(), convs[j].LastActivity()
		if ai.Equal(aj) {
			return convs[i].ID > convs[j].ID
		}
		return ai.After(aj)
	})
}

func TrimSnippet(text string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max])
}
