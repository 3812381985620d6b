package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/app/dto"
	"marketchat/internal/infra/ws"
)

// Status tracks an optimistic message through confirmation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Item is one entry of a local conversation timeline.
type Item struct {
	dto.Message
	TempID string
	Status Status
}

// Outgoing is a message handed to a Transport.
type Outgoing struct {
	TempID         string
	ConversationID string
	SenderID       string
	CounterpartID  string
	ListingID      string
	Content        string
}

// Transport submits messages. A transport that learns the durable message
// synchronously returns it; push transports return nil and confirm via HandleEvent.
type Transport interface {
	Submit(ctx context.Context, out Outgoing) (*dto.Message, error)
}

// API is the request/response surface a session loads state from.
type API interface {
	GetOrCreateConversation(ctx context.Context, buyerID, sellerID, listingID string) (dto.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]dto.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) (dto.MessagePage, error)
	MarkRead(ctx context.Context, conversationID, userID string) (int64, error)
}

var (
	ErrEmptyMessage  = errors.New("client: content is required")
	ErrUnknownTempID = errors.New("client: unknown temp id")
)

// Session is the client-side view of a user's conversations.
type Session struct {
	transport Transport
	now       func() time.Time

	mu            sync.Mutex
	conversations map[string]dto.Conversation
	messages      map[string][]Item
	outgoing      map[string]Outgoing
}

func NewSession(transport Transport) *Session {
	return &Session{
		transport:     transport,
		now:           time.Now,
		conversations: make(map[string]dto.Conversation),
		messages:      make(map[string][]Item),
		outgoing:      make(map[string]Outgoing),
	}
}

// OptimisticSend appends a pending placeholder and submits it. A submit
// failure leaves the placeholder visible as failed.
func (s *Session) OptimisticSend(ctx context.Context, conversationID, senderID, content string) (string, error) {
	return s.Send(ctx, Outgoing{ConversationID: conversationID, SenderID: senderID, Content: content})
}

// Send is OptimisticSend with routing details for a first message.
func (s *Session) Send(ctx context.Context, out Outgoing) (string, error) {
	out.Content = strings.TrimSpace(out.Content)
	if out.Content == "" {
		return "", ErrEmptyMessage
	}
	// temp ids are echoed to every participant, so they must not collide across clients
	out.TempID = "tmp-" + uuid.NewString()
	s.mu.Lock()
	s.outgoing[out.TempID] = out
	s.messages[out.ConversationID] = append(s.messages[out.ConversationID], Item{
		Message: dto.Message{
			ID:             out.TempID,
			ConversationID: out.ConversationID,
			SenderID:       out.SenderID,
			ReceiverID:     out.CounterpartID,
			Content:        out.Content,
			CreatedAt:      s.now().UTC(),
		},
		TempID: out.TempID,
		Status: StatusPending,
	})
	s.mu.Unlock()

	return out.TempID, s.submit(ctx, out)
}

// Retry resubmits a failed placeholder. The server treats it as a new message.
func (s *Session) Retry(ctx context.Context, tempID string) error {
	s.mu.Lock()
	out, ok := s.outgoing[tempID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTempID
	}
	s.setStatus(tempID, StatusPending)
	s.mu.Unlock()
	return s.submit(ctx, out)
}

func (s *Session) submit(ctx context.Context, out Outgoing) error {
	if s.transport == nil {
		s.MarkFailed(out.TempID)
		return errors.New("client: no transport")
	}
	msg, err := s.transport.Submit(ctx, out)
	if err != nil {
		s.MarkFailed(out.TempID)
		return err
	}
	if msg != nil {
		s.ReconcileClient(msg.ConversationID, *msg, out.TempID)
	}
	return nil
}

// Reconcile merges a confirmed message into the timeline.
func (s *Session) Reconcile(conversationID string, confirmed dto.Message) {
	s.ReconcileClient(conversationID, confirmed, "")
}

// ReconcileClient is Reconcile with the echoed client id, which pins the
// placeholder to replace when the sender sent identical text twice.
func (s *Session) ReconcileClient(conversationID string, confirmed dto.Message, clientID string) {
	if conversationID == "" {
		conversationID = confirmed.ConversationID
	}
	confirmed.ConversationID = conversationID
	item := Item{Message: confirmed, Status: StatusConfirmed}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bumpLastMessage(conversationID, confirmed)

	list := s.messages[conversationID]
	for _, it := range list {
		if it.Status == StatusConfirmed && it.ID == confirmed.ID {
			return
		}
	}
	idx := -1
	if clientID != "" {
		idx = s.placeholderByTempID(conversationID, clientID, confirmed.SenderID)
		list = s.messages[conversationID]
	}
	if idx < 0 {
		idx = indexPending(list, confirmed)
	}
	// placeholders sent before the conversation existed live under ""
	if idx < 0 && conversationID != "" {
		if orphan := indexPending(s.messages[""], confirmed); orphan >= 0 {
			s.adopt(orphan, conversationID)
			list = s.messages[conversationID]
			idx = len(list) - 1
		}
	}
	if idx >= 0 {
		item.TempID = list[idx].TempID
		delete(s.outgoing, item.TempID)
		list[idx] = item
		return
	}
	s.messages[conversationID] = append(list, item)
}

// placeholderByTempID finds senderID's placeholder in conversationID, adopting
// it from the unassigned timeline when needed.
func (s *Session) placeholderByTempID(conversationID, tempID, senderID string) int {
	for i, it := range s.messages[conversationID] {
		if it.TempID == tempID && it.SenderID == senderID && it.Status != StatusConfirmed {
			return i
		}
	}
	if conversationID == "" {
		return -1
	}
	for i, it := range s.messages[""] {
		if it.TempID == tempID && it.SenderID == senderID && it.Status != StatusConfirmed {
			s.adopt(i, conversationID)
			return len(s.messages[conversationID]) - 1
		}
	}
	return -1
}

func (s *Session) adopt(i int, conversationID string) {
	orphans := s.messages[""]
	it := orphans[i]
	it.ConversationID = conversationID
	s.messages[""] = append(orphans[:i:i], orphans[i+1:]...)
	if len(s.messages[""]) == 0 {
		delete(s.messages, "")
	}
	s.messages[conversationID] = append(s.messages[conversationID], it)
}

func indexPending(list []Item, confirmed dto.Message) int {
	for i, it := range list {
		if it.Status == StatusPending && it.SenderID == confirmed.SenderID && it.Content == confirmed.Content {
			return i
		}
	}
	return -1
}

func (s *Session) bumpLastMessage(conversationID string, msg dto.Message) {
	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = dto.Conversation{ID: conversationID, CreatedAt: msg.CreatedAt}
	}
	if conv.LastMessage != nil && conv.LastMessage.CreatedAt.After(msg.CreatedAt) {
		return
	}
	conv.LastMessage = &dto.LastMessage{ID: msg.ID, SenderID: msg.SenderID, Snippet: msg.Content, CreatedAt: msg.CreatedAt}
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	s.conversations[conversationID] = conv
}

// ApplyRead marks confirmed messages not sent by reader as read and returns
// how many changed.
func (s *Session) ApplyRead(conversationID, by string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	list := s.messages[conversationID]
	for i := range list {
		if list[i].Status == StatusConfirmed && list[i].SenderID != by && !list[i].Read {
			list[i].Read = true
			n++
		}
	}
	return n
}

// MarkFailed flags the placeholder sent with clientID. It reports whether one was found.
func (s *Session) MarkFailed(clientID string) bool {
	if clientID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatus(clientID, StatusFailed)
}

func (s *Session) setStatus(tempID string, st Status) bool {
	for conv, list := range s.messages {
		for i := range list {
			if list[i].TempID == tempID && list[i].Status != StatusConfirmed {
				s.messages[conv][i].Status = st
				return true
			}
		}
	}
	return false
}

// LoadPage installs a history page. Page 1 replaces confirmed messages;
// later pages prepend older ones. Unconfirmed placeholders are kept.
func (s *Session) LoadPage(conversationID string, msgs []dto.Message, page int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.messages[conversationID]

	if page <= 1 {
		next := make([]Item, 0, len(msgs)+len(current))
		seen := make(map[string]struct{}, len(msgs))
		for _, m := range msgs {
			seen[m.ID] = struct{}{}
			next = append(next, Item{Message: m, Status: StatusConfirmed})
		}
		for _, it := range current {
			if it.Status == StatusConfirmed {
				// keep live messages newer than the loaded page
				if _, dup := seen[it.ID]; dup || !newerThanAll(it, msgs) {
					continue
				}
			}
			next = append(next, it)
		}
		s.messages[conversationID] = next
		return
	}

	seen := make(map[string]struct{}, len(current))
	for _, it := range current {
		seen[it.ID] = struct{}{}
	}
	older := make([]Item, 0, len(msgs)+len(current))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		older = append(older, Item{Message: m, Status: StatusConfirmed})
	}
	s.messages[conversationID] = append(older, current...)
}

func newerThanAll(it Item, msgs []dto.Message) bool {
	for _, m := range msgs {
		if !it.CreatedAt.After(m.CreatedAt) {
			return false
		}
	}
	return true
}

// Messages returns a snapshot of the conversation timeline.
func (s *Session) Messages(conversationID string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item(nil), s.messages[conversationID]...)
}

// UpsertConversation records conversation metadata, keeping a newer local lastMessage.
func (s *Session) UpsertConversation(conv dto.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.conversations[conv.ID]; ok && cur.LastMessage != nil {
		if conv.LastMessage == nil || cur.LastMessage.CreatedAt.After(conv.LastMessage.CreatedAt) {
			conv.LastMessage = cur.LastMessage
		}
	}
	s.conversations[conv.ID] = conv
}

// Conversations returns known conversations, newest activity first.
func (s *Session) Conversations() []dto.Conversation {
	s.mu.Lock()
	out := make([]dto.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := activity(out[i]), activity(out[j])
		if ai.Equal(aj) {
			return out[i].ID < out[j].ID
		}
		return ai.After(aj)
	})
	return out
}

func activity(c dto.Conversation) time.Time {
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

// Conversation returns one known conversation.
func (s *Session) Conversation(id string) (dto.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	return c, ok
}

// Refresh loads the user's conversation list.
func (s *Session) Refresh(ctx context.Context, api API, userID string) error {
	convs, err := api.ListConversations(ctx, userID)
	if err != nil {
		return err
	}
	for _, c := range convs {
		s.UpsertConversation(c)
	}
	return nil
}

// Open loads one page of history for a conversation.
func (s *Session) Open(ctx context.Context, api API, conversationID string, page, limit int) (dto.MessagePage, error) {
	p, err := api.ListMessages(ctx, conversationID, page, limit)
	if err != nil {
		return dto.MessagePage{}, err
	}
	s.LoadPage(conversationID, p.Messages, p.Page)
	return p, nil
}

type receivedWire struct {
	Message        json.RawMessage `json:"message"`
	ConversationID string          `json:"conversationId"`
	ClientID       string          `json:"clientId"`
}

// HandleEvent applies a server push to the session.
func (s *Session) HandleEvent(event string, data json.RawMessage) error {
	switch event {
	case "message:received":
		var w receivedWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decode message:received: %w", err)
		}
		msg, err := ws.DecodeMessage(w.Message)
		if err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		s.ReconcileClient(w.ConversationID, msg, w.ClientID)
	case "message:read":
		var r dto.MessageRead
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("decode message:read: %w", err)
		}
		s.ApplyRead(r.ConversationID, r.By)
	case "error":
		var e dto.Error
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode error event: %w", err)
		}
		s.MarkFailed(e.ClientID)
	}
	return nil
}
