package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"marketchat/internal/app/dto"
	appoutbox "marketchat/internal/app/outbox"
	"marketchat/internal/app/rooms"
	"marketchat/internal/domain/chat"
)

// Real-time event names.
const (
	EventJoin     = "join"
	EventJoined   = "joined"
	EventSend     = "message:send"
	EventReceived = "message:received"
	EventRead     = "message:read"
	EventError    = "error"
)

// Broadcaster fans events out to local rooms.
type Broadcaster interface {
	BroadcastRooms(keys []string, event string, payload any) int
}

// Service is the write path shared by the websocket gateway, HTTP and gRPC.
// Mutations of one conversation are serialized together with their broadcast.
type Service struct {
	Store   chat.Store
	Rooms   Broadcaster
	Outbox  appoutbox.Outbox
	Encoder appoutbox.EventEncoder
	Logger  *slog.Logger

	seq Sequencer
}

// SendInput identifies the conversation either by id or by the listing triple.
type SendInput struct {
	ConversationID string
	SenderID       string
	CounterpartID  string
	ListingID      string
	BuyerID        string
	SellerID       string
	Content        string
	ClientID       string
}

type SendResult struct {
	Conversation chat.Conversation
	Message      chat.Message
	Created      bool
}

// Summary is a conversation as seen by one participant.
type Summary struct {
	Conversation chat.Conversation
	Unread       int64
}

func (s *Service) GetOrCreateConversation(ctx context.Context, buyerID, sellerID, listingID string) (chat.Conversation, bool, error) {
	key, err := chat.NewKey(buyerID, sellerID, listingID)
	if err != nil {
		return chat.Conversation{}, false, err
	}
	conv, created, err := s.Store.GetOrCreate(ctx, key)
	if err != nil {
		return chat.Conversation{}, false, chat.Persistence("get or create conversation", err)
	}
	if created {
		s.logger().Info("conversation created", "conversation_id", conv.ID, "listing_id", conv.ListingID)
	}
	return conv, created, nil
}

func (s *Service) Conversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return chat.Conversation{}, chat.Invalid("conversationId is required")
	}
	conv, err := s.Store.Get(ctx, conversationID)
	if err != nil {
		return chat.Conversation{}, chat.Persistence("get conversation", err)
	}
	return conv, nil
}

// ListConversations returns the user's conversations, newest activity first, with unread counts.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]Summary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, chat.Invalid("userId is required")
	}
	convs, err := s.Store.ListForUser(ctx, userID)
	if err != nil {
		return nil, chat.Persistence("list conversations", err)
	}
	out := make([]Summary, 0, len(convs))
	for _, conv := range convs {
		unread, err := s.Store.CountUnread(ctx, conv.ID, userID)
		if err != nil {
			return nil, chat.Persistence("count unread", err)
		}
		out = append(out, Summary{Conversation: conv, Unread: unread})
	}
	return out, nil
}

func (s *Service) History(ctx context.Context, conversationID string, page, limit int) (chat.Page, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return chat.Page{}, chat.Invalid("conversationId is required")
	}
	p, err := s.Store.Page(ctx, conversationID, page, limit)
	if err != nil {
		return chat.Page{}, chat.Persistence("page messages", err)
	}
	return p, nil
}

// Send persists a message, moves the conversation's last message and broadcasts it.
// Nothing is broadcast unless both writes succeeded.
func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	conv, created, err := s.resolve(ctx, in)
	if err != nil {
		return SendResult{}, err
	}
	sender := strings.TrimSpace(in.SenderID)
	receiver, ok := conv.Counterpart(sender)
	if !ok {
		return SendResult{}, chat.Invalid("sender %q is not a participant", sender)
	}

	unlock := s.seq.Lock(conv.ID)
	defer unlock()

	msg, err := s.Store.Append(ctx, conv.ID, sender, receiver, in.Content)
	if err != nil {
		return SendResult{}, chat.Persistence("append message", err)
	}
	if err := s.Store.UpdateLastMessage(ctx, conv.ID, msg); err != nil {
		s.logger().Error("update last message failed", "conversation_id", conv.ID, "message_id", msg.ID, "error", err)
		return SendResult{}, chat.Persistence("update last message", err)
	}
	conv = conv.WithLastMessage(msg)
	s.record(ctx, chat.NewMessageSentEvent(conv, msg))
	s.DeliverMessage(msg, in.ClientID)

	s.logger().Debug("message sent", "conversation_id", conv.ID, "message_id", msg.ID, "sender_id", sender)
	return SendResult{Conversation: conv, Message: msg, Created: created}, nil
}

// MarkRead flips the counterpart's unread messages and broadcasts a receipt when any changed.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	conversationID = strings.TrimSpace(conversationID)
	readerID = strings.TrimSpace(readerID)
	if conversationID == "" || readerID == "" {
		return 0, chat.Invalid("conversationId and userId are required")
	}
	conv, err := s.Conversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	counterpart, ok := conv.Counterpart(readerID)
	if !ok {
		return 0, chat.Invalid("user %q is not a participant", readerID)
	}

	unlock := s.seq.Lock(conv.ID)
	defer unlock()

	n, err := s.Store.MarkRead(ctx, conv.ID, readerID)
	if err != nil {
		return 0, chat.Persistence("mark read", err)
	}
	if n == 0 {
		return 0, nil
	}
	ev := chat.ConversationReadEvent{
		ConversationID: conv.ID,
		ReaderID:       readerID,
		CounterpartID:  counterpart,
		Count:          n,
		At:             nowUTC(),
	}
	s.record(ctx, ev)
	s.DeliverRead(conv.ID, readerID, counterpart)
	return n, nil
}

// DeliverMessage broadcasts message:received to the pair room and the conversation room.
func (s *Service) DeliverMessage(msg chat.Message, clientID string) int {
	if s.Rooms == nil {
		return 0
	}
	payload := dto.MessageReceived{
		Message:        dto.FromMessage(msg),
		ConversationID: msg.ConversationID,
		ClientID:       clientID,
	}
	keys := []string{rooms.RoomKey(msg.SenderID, msg.ReceiverID), rooms.ConversationRoom(msg.ConversationID)}
	return s.Rooms.BroadcastRooms(keys, EventReceived, payload)
}

// DeliverRead broadcasts message:read to the rooms of the conversation.
func (s *Service) DeliverRead(conversationID, readerID, counterpartID string) int {
	if s.Rooms == nil {
		return 0
	}
	payload := dto.MessageRead{ConversationID: conversationID, By: readerID}
	keys := []string{rooms.RoomKey(readerID, counterpartID), rooms.ConversationRoom(conversationID)}
	return s.Rooms.BroadcastRooms(keys, EventRead, payload)
}

func (s *Service) resolve(ctx context.Context, in SendInput) (chat.Conversation, bool, error) {
	if strings.TrimSpace(in.SenderID) == "" {
		return chat.Conversation{}, false, chat.Invalid("senderId is required")
	}
	if strings.TrimSpace(in.Content) == "" {
		return chat.Conversation{}, false, chat.Invalid("content must not be empty")
	}
	if id := strings.TrimSpace(in.ConversationID); id != "" {
		conv, err := s.Conversation(ctx, id)
		return conv, false, err
	}
	buyer, seller := strings.TrimSpace(in.BuyerID), strings.TrimSpace(in.SellerID)
	if buyer == "" && seller == "" {
		// the sender opened the thread from the listing page
		buyer, seller = in.SenderID, in.CounterpartID
	}
	return s.GetOrCreateConversation(ctx, buyer, seller, in.ListingID)
}

// record writes events to the outbox. Failures are logged; the message is already durable.
func (s *Service) record(ctx context.Context, ev chat.Event) {
	if s.Outbox == nil {
		return
	}
	if err := appoutbox.RecordEvents(ctx, s.Outbox, s.Encoder, ev); err != nil {
		s.logger().Warn("outbox record failed", "event", ev.EventName(), "aggregate_id", ev.AggregateID(), "error", err)
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func nowUTC() time.Time { return time.Now().UTC() }
