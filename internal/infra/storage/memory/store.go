package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/domain/chat"
)

// Store is an in-memory chat backend used for local runs and tests.
type Store struct {
	now func() time.Time

	mu            sync.RWMutex
	conversations map[string]*chat.Conversation
	byKey         map[chat.Key]string
	messages      map[string][]chat.Message
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		now:           time.Now,
		conversations: make(map[string]*chat.Conversation),
		byKey:         make(map[chat.Key]string),
		messages:      make(map[string][]chat.Message),
	}
}

// WithClock replaces the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) Ping(context.Context) error { return nil }

// GetOrCreate returns the conversation for key, inserting it under the write lock if absent.
func (s *Store) GetOrCreate(ctx context.Context, key chat.Key) (chat.Conversation, bool, error) {
	key, err := chat.NewKey(key.BuyerID, key.SellerID, key.ListingID)
	if err != nil {
		return chat.Conversation{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[key]; ok {
		return copyConversation(s.conversations[id]), false, nil
	}
	now := s.now().UTC()
	conv := &chat.Conversation{
		ID:        uuid.NewString(),
		BuyerID:   key.BuyerID,
		SellerID:  key.SellerID,
		ListingID: key.ListingID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv
	s.byKey[key] = conv.ID
	return *conv, true, nil
}

// Get returns a conversation by id.
func (s *Store) Get(ctx context.Context, conversationID string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[strings.TrimSpace(conversationID)]
	if !ok {
		return chat.Conversation{}, chat.NotFound("conversation", conversationID)
	}
	return copyConversation(conv), nil
}

// ListForUser returns the user's conversations, newest activity first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, chat.Invalid("userId is required")
	}
	s.mu.RLock()
	out := make([]chat.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.HasParticipant(userID) {
			out = append(out, copyConversation(conv))
		}
	}
	s.mu.RUnlock()
	chat.SortByActivity(out)
	return out, nil
}

// UpdateLastMessage moves the pointer forward; an older message is ignored.
func (s *Store) UpdateLastMessage(ctx context.Context, conversationID string, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return chat.NotFound("conversation", conversationID)
	}
	if !conv.AcceptsLastMessage(msg) {
		return nil
	}
	updated := conv.WithLastMessage(msg)
	*conv = updated
	return nil
}

// Append stores a message with a createdAt strictly after the previous one.
func (s *Store) Append(ctx context.Context, conversationID, senderID, receiverID, content string) (chat.Message, error) {
	draft, err := chat.NewDraft(conversationID, senderID, receiverID, content)
	if err != nil {
		return chat.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[draft.ConversationID]; !ok {
		return chat.Message{}, chat.NotFound("conversation", draft.ConversationID)
	}
	log := s.messages[draft.ConversationID]
	var prev time.Time
	if len(log) > 0 {
		prev = log[len(log)-1].CreatedAt
	}
	msg := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		ReceiverID:     draft.ReceiverID,
		Content:        draft.Content,
		CreatedAt:      chat.NextTimestamp(prev, s.now().UTC(), time.Nanosecond),
	}
	s.messages[draft.ConversationID] = append(log, msg)
	return msg, nil
}

// Page returns one page counted from the newest message, in oldest-first order.
func (s *Store) Page(ctx context.Context, conversationID string, page, limit int) (chat.Page, error) {
	page, limit = chat.NormalizePage(page, limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return chat.Page{}, chat.NotFound("conversation", conversationID)
	}
	log := s.messages[conversationID]
	total := len(log)
	result := chat.Page{Page: page, Limit: limit, Total: int64(total), Messages: []chat.Message{}}

	// log is oldest-first; walk it from the tail to emulate newest-first skip/limit
	end := total - chat.Skip(page, limit)
	if end <= 0 {
		return result, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	result.Messages = append(result.Messages, log[start:end]...)
	return result, nil
}

// CountUnread counts unread messages not sent by excludingSenderID.
func (s *Store) CountUnread(ctx context.Context, conversationID, excludingSenderID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return 0, chat.NotFound("conversation", conversationID)
	}
	var n int64
	for _, msg := range s.messages[conversationID] {
		if !msg.Read && msg.SenderID != excludingSenderID {
			n++
		}
	}
	return n, nil
}

// MarkRead flips every unread message not sent by readerID.
func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	readerID = strings.TrimSpace(readerID)
	if conversationID == "" || readerID == "" {
		return 0, chat.Invalid("conversationId and userId are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return 0, chat.NotFound("conversation", conversationID)
	}
	log := s.messages[conversationID]
	var n int64
	for i := range log {
		if log[i].Read || log[i].SenderID == readerID {
			continue
		}
		log[i].Read = true
		n++
	}
	return n, nil
}

func copyConversation(conv *chat.Conversation) chat.Conversation {
	out := *conv
	if conv.LastMessage != nil {
		last := *conv.LastMessage
		out.LastMessage = &last
	}
	return out
}

var _ chat.Store = (*Store)(nil)
