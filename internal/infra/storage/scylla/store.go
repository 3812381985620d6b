package scylla

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"marketchat/internal/domain/chat"
)

const (
	conversationColumns = `id, buyer_id, seller_id, listing_id, created_at, updated_at, last_message_id, last_message_sender_id, last_message_text, last_message_at`
	lookupAttempts      = 5
)

// Store implements the chat store on Scylla. Timestamps have millisecond precision,
// so message times are bumped in whole milliseconds.
type Store struct {
	session *gocql.Session
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore builds a Store.
func NewStore(session *gocql.Session, logger *slog.Logger) *Store {
	return &Store{session: session, logger: logger, now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error {
	var version string
	return s.session.Query(`SELECT release_version FROM system.local`).WithContext(ctx).Scan(&version)
}

// GetOrCreate claims the triple with INSERT IF NOT EXISTS; losers read the winner's id.
func (s *Store) GetOrCreate(ctx context.Context, key chat.Key) (chat.Conversation, bool, error) {
	key, err := chat.NewKey(key.BuyerID, key.SellerID, key.ListingID)
	if err != nil {
		return chat.Conversation{}, false, err
	}
	return getOrCreate(ctx, s, key, s.now().UTC().Truncate(time.Millisecond), s.log())
}

func (s *Store) claimKey(ctx context.Context, key chat.Key, id gocql.UUID) (gocql.UUID, bool, error) {
	existing := map[string]any{}
	applied, err := s.session.
		Query(`INSERT INTO conversations_by_key (buyer_id, seller_id, listing_id, conversation_id) VALUES (?, ?, ?, ?) IF NOT EXISTS`,
			key.BuyerID, key.SellerID, key.ListingID, id).
		WithContext(ctx).
		MapScanCAS(existing)
	if err != nil {
		return gocql.UUID{}, false, err
	}
	if applied {
		return id, true, nil
	}
	winner, ok := conversationIDFromCAS(existing)
	if !ok {
		return gocql.UUID{}, false, errors.New("lwt result without conversation_id")
	}
	return winner, false, nil
}

// insertConversation writes the conversation row and both per-user index rows.
// last_message_at starts at created_at so the conditional update always has a value to compare.
func (s *Store) insertConversation(ctx context.Context, id gocql.UUID, conv chat.Conversation) error {
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO conversations (id, buyer_id, seller_id, listing_id, created_at, updated_at, last_message_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, conv.BuyerID, conv.SellerID, conv.ListingID, conv.CreatedAt, conv.UpdatedAt, conv.CreatedAt)
	batch.Query(`INSERT INTO conversations_by_user (user_id, conversation_id) VALUES (?, ?)`, conv.BuyerID, id)
	batch.Query(`INSERT INTO conversations_by_user (user_id, conversation_id) VALUES (?, ?)`, conv.SellerID, id)
	return s.session.ExecuteBatch(batch)
}

// repairConversation recreates the row for a claimed key without clobbering a row
// that appeared in the meantime.
func (s *Store) repairConversation(ctx context.Context, id gocql.UUID, conv chat.Conversation) error {
	existing := map[string]any{}
	if _, err := s.session.
		Query(`INSERT INTO conversations (id, buyer_id, seller_id, listing_id, created_at, updated_at, last_message_at) VALUES (?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`,
			id, conv.BuyerID, conv.SellerID, conv.ListingID, conv.CreatedAt, conv.UpdatedAt, conv.CreatedAt).
		WithContext(ctx).
		MapScanCAS(existing); err != nil {
		return err
	}
	for _, user := range []string{conv.BuyerID, conv.SellerID} {
		if err := s.session.
			Query(`INSERT INTO conversations_by_user (user_id, conversation_id) VALUES (?, ?)`, user, id).
			WithContext(ctx).
			Exec(); err != nil {
			return err
		}
	}
	return nil
}

// releaseKey drops a claim only while it still points at id.
func (s *Store) releaseKey(ctx context.Context, key chat.Key, id gocql.UUID) error {
	existing := map[string]any{}
	_, err := s.session.
		Query(`DELETE FROM conversations_by_key WHERE buyer_id = ? AND seller_id = ? AND listing_id = ? IF conversation_id = ?`,
			key.BuyerID, key.SellerID, key.ListingID, id).
		WithContext(ctx).
		MapScanCAS(existing)
	return err
}

func (s *Store) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Store) Get(ctx context.Context, conversationID string) (chat.Conversation, error) {
	id, err := gocql.ParseUUID(strings.TrimSpace(conversationID))
	if err != nil {
		return chat.Conversation{}, chat.NotFound("conversation", conversationID)
	}
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id gocql.UUID) (chat.Conversation, error) {
	var row conversationRow
	err := s.session.
		Query(`SELECT `+conversationColumns+` FROM conversations WHERE id = ? LIMIT 1`, id).
		WithContext(ctx).
		Scan(row.dest()...)
	if errors.Is(err, gocql.ErrNotFound) {
		return chat.Conversation{}, chat.NotFound("conversation", id.String())
	}
	if err != nil {
		return chat.Conversation{}, chat.Persistence("get conversation", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, chat.Invalid("userId is required")
	}
	iter := s.session.
		Query(`SELECT conversation_id FROM conversations_by_user WHERE user_id = ?`, userID).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	var (
		id  gocql.UUID
		ids []gocql.UUID
	)
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, chat.Persistence("list conversations", err)
	}
	out := make([]chat.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.get(ctx, id)
		if errors.Is(err, chat.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	chat.SortByActivity(out)
	return out, nil
}

// UpdateLastMessage is a conditional update, so a stale message never overwrites a newer one
// even across instances.
func (s *Store) UpdateLastMessage(ctx context.Context, conversationID string, msg chat.Message) error {
	id, err := gocql.ParseUUID(strings.TrimSpace(conversationID))
	if err != nil {
		return chat.NotFound("conversation", conversationID)
	}
	at := msg.CreatedAt.UTC()
	current := map[string]any{}
	applied, err := s.session.
		Query(`UPDATE conversations SET last_message_id = ?, last_message_sender_id = ?, last_message_text = ?, last_message_at = ?, updated_at = ? WHERE id = ? IF last_message_at <= ?`,
			msg.ID, msg.SenderID, chat.TrimSnippet(msg.Content, chat.SnippetLimit), at, at, id, at).
		WithContext(ctx).
		MapScanCAS(current)
	if err != nil {
		return chat.Persistence("update last message", err)
	}
	if applied {
		return nil
	}
	if _, ok := current["last_message_at"]; !ok {
		return chat.NotFound("conversation", conversationID)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, conversationID, senderID, receiverID, content string) (chat.Message, error) {
	draft, err := chat.NewDraft(conversationID, senderID, receiverID, content)
	if err != nil {
		return chat.Message{}, err
	}
	conv, err := s.Get(ctx, draft.ConversationID)
	if err != nil {
		return chat.Message{}, err
	}
	convID, _ := gocql.ParseUUID(conv.ID)

	var prev time.Time
	err = s.session.
		Query(`SELECT created_at FROM messages WHERE conversation_id = ? LIMIT 1`, convID).
		WithContext(ctx).
		Scan(&prev)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return chat.Message{}, chat.Persistence("latest message", err)
	}
	created := chat.NextTimestamp(prev, s.now().UTC().Truncate(time.Millisecond), time.Millisecond)
	messageID := gocql.UUIDFromTime(created)
	if err := s.session.
		Query(`INSERT INTO messages (conversation_id, created_at, message_id, sender_id, receiver_id, content, read) VALUES (?, ?, ?, ?, ?, ?, false)`,
			convID, created, messageID, draft.SenderID, draft.ReceiverID, draft.Content).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Exec(); err != nil {
		return chat.Message{}, chat.Persistence("insert message", err)
	}
	return chat.Message{
		ID:             messageID.String(),
		ConversationID: conv.ID,
		SenderID:       draft.SenderID,
		ReceiverID:     draft.ReceiverID,
		Content:        draft.Content,
		CreatedAt:      created,
	}, nil
}

// Page reads skip+limit rows newest first and drops the skipped prefix; CQL has no OFFSET.
func (s *Store) Page(ctx context.Context, conversationID string, page, limit int) (chat.Page, error) {
	page, limit = chat.NormalizePage(page, limit)
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return chat.Page{}, err
	}
	convID, _ := gocql.ParseUUID(conv.ID)

	var total int64
	if err := s.session.
		Query(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, convID).
		WithContext(ctx).
		Scan(&total); err != nil {
		return chat.Page{}, chat.Persistence("count messages", err)
	}
	skip := chat.Skip(page, limit)
	iter := s.session.
		Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? LIMIT ?`, convID, skip+limit).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()
	var rows []chat.Message
	var row messageRow
	for iter.Scan(row.dest()...) {
		rows = append(rows, row.toDomain())
	}
	if err := iter.Close(); err != nil {
		return chat.Page{}, chat.Persistence("page messages", err)
	}
	msgs := window(rows, skip, limit)
	return chat.Page{Messages: chat.Reverse(msgs), Page: page, Limit: limit, Total: total}, nil
}

func (s *Store) CountUnread(ctx context.Context, conversationID, excludingSenderID string) (int64, error) {
	rows, err := s.unread(ctx, conversationID, excludingSenderID)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// MarkRead flips each unread row with IF read = false so concurrent readers count each row once.
func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	readerID = strings.TrimSpace(readerID)
	if conversationID == "" || readerID == "" {
		return 0, chat.Invalid("conversationId and userId are required")
	}
	rows, err := s.unread(ctx, conversationID, readerID)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, row := range rows {
		applied, err := s.session.
			Query(`UPDATE messages SET read = true WHERE conversation_id = ? AND created_at = ? AND message_id = ? IF read = false`,
				row.ConversationID, row.CreatedAt, row.MessageID).
			WithContext(ctx).
			MapScanCAS(map[string]any{})
		if err != nil {
			return n, chat.Persistence("mark read", err)
		}
		if applied {
			n++
		}
	}
	return n, nil
}

func (s *Store) unread(ctx context.Context, conversationID, excludingSenderID string) ([]messageRow, error) {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	convID, _ := gocql.ParseUUID(conv.ID)
	iter := s.session.
		Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ?`, convID).
		WithContext(ctx).
		Iter()
	var out []messageRow
	var row messageRow
	for iter.Scan(row.dest()...) {
		if row.unreadFor(excludingSenderID) {
			out = append(out, row)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, chat.Persistence("scan unread", err)
	}
	return out, nil
}

var _ chat.Store = (*Store)(nil)
