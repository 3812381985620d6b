package chat

import "context"

// ConversationRegistry owns conversation identity and the last-message pointer.
type ConversationRegistry interface {
	// GetOrCreate returns the conversation for the triple, creating it when absent.
	// created is true only for the call that inserted it.
	GetOrCreate(ctx context.Context, key Key) (conv Conversation, created bool, err error)
	Get(ctx context.Context, conversationID string) (Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]Conversation, error)
	UpdateLastMessage(ctx context.Context, conversationID string, msg Message) error
}

// MessageStore is the append-only message log.
type MessageStore interface {
	// Append validates with NewDraft and fails with ErrNotFound for an unknown conversation.
	Append(ctx context.Context, conversationID, senderID, receiverID, content string) (Message, error)
	Page(ctx context.Context, conversationID string, page, limit int) (Page, error)
	CountUnread(ctx context.Context, conversationID, excludingSenderID string) (int64, error)
}

// ReadTracker flips unread messages not sent by the reader.
type ReadTracker interface {
	MarkRead(ctx context.Context, conversationID, readerID string) (int64, error)
}

// Store bundles every persistence concern a backend provides.
type Store interface {
	ConversationRegistry
	MessageStore
	ReadTracker
	Ping(ctx context.Context) error
}
