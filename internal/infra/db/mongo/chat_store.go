package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"marketchat/internal/domain/chat"
)

const getOrCreateAttempts = 3

// ChatStore keeps conversations and messages in two collections. Times are stored as
// unix microseconds so the per-conversation ordering survives the round trip.
type ChatStore struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	now           func() time.Time
}

func NewChatStore(ctx context.Context, db *mongo.Database) (*ChatStore, error) {
	s := &ChatStore{
		conversations: db.Collection("chat_conversations"),
		messages:      db.Collection("chat_messages"),
		now:           time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChatStore) ensureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "buyer_id", Value: 1}, {Key: "seller_id", Value: 1}, {Key: "listing_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("conversation_triple"),
		},
		{Keys: bson.D{{Key: "buyer_id", Value: 1}, {Key: "last_activity", Value: -1}}},
		{Keys: bson.D{{Key: "seller_id", Value: 1}, {Key: "last_activity", Value: -1}}},
	})
	if err != nil {
		return chat.Persistence("ensure conversation indexes", err)
	}
	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "read", Value: 1}, {Key: "sender_id", Value: 1}}},
	})
	if err != nil {
		return chat.Persistence("ensure message indexes", err)
	}
	return nil
}

func (s *ChatStore) Ping(ctx context.Context) error {
	return s.conversations.Database().Client().Ping(ctx, nil)
}

// GetOrCreate upserts on the unique triple. Two racing upserts can both miss and one then
// fails with a duplicate key; the retry finds the winner.
func (s *ChatStore) GetOrCreate(ctx context.Context, key chat.Key) (chat.Conversation, bool, error) {
	key, err := chat.NewKey(key.BuyerID, key.SellerID, key.ListingID)
	if err != nil {
		return chat.Conversation{}, false, err
	}
	filter := bson.M{"buyer_id": key.BuyerID, "seller_id": key.SellerID, "listing_id": key.ListingID}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	for attempt := 1; ; attempt++ {
		id := primitive.NewObjectID()
		now := toMicros(s.now())
		update := bson.M{"$setOnInsert": bson.M{
			"_id":           id,
			"created_at":    now,
			"updated_at":    now,
			"last_activity": now,
		}}
		var doc conversationDocument
		err := s.conversations.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == nil {
			return doc.toDomain(), doc.ID == id, nil
		}
		if !mongo.IsDuplicateKeyError(err) || attempt >= getOrCreateAttempts {
			return chat.Conversation{}, false, chat.Persistence("get or create conversation", err)
		}
	}
}

func (s *ChatStore) Get(ctx context.Context, conversationID string) (chat.Conversation, error) {
	id, err := primitive.ObjectIDFromHex(strings.TrimSpace(conversationID))
	if err != nil {
		return chat.Conversation{}, chat.NotFound("conversation", conversationID)
	}
	var doc conversationDocument
	if err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return chat.Conversation{}, chat.NotFound("conversation", conversationID)
		}
		return chat.Conversation{}, chat.Persistence("get conversation", err)
	}
	return doc.toDomain(), nil
}

func (s *ChatStore) ListForUser(ctx context.Context, userID string) ([]chat.Conversation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, chat.Invalid("userId is required")
	}
	filter := bson.M{"$or": bson.A{bson.M{"buyer_id": userID}, bson.M{"seller_id": userID}}}
	opts := options.Find().SetSort(bson.D{{Key: "last_activity", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, chat.Persistence("list conversations", err)
	}
	var docs []conversationDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, chat.Persistence("decode conversations", err)
	}
	out := make([]chat.Conversation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toDomain())
	}
	chat.SortByActivity(out)
	return out, nil
}

// UpdateLastMessage only matches when the stored pointer is older than msg.
func (s *ChatStore) UpdateLastMessage(ctx context.Context, conversationID string, msg chat.Message) error {
	id, err := primitive.ObjectIDFromHex(strings.TrimSpace(conversationID))
	if err != nil {
		return chat.NotFound("conversation", conversationID)
	}
	at := toMicros(msg.CreatedAt)
	update := bson.M{"$set": bson.M{
		"last_message":  newLastMessageDocument(msg),
		"last_activity": at,
		"updated_at":    at,
	}}
	res, err := s.conversations.UpdateOne(ctx, lastMessageGuard(id, at), update)
	if err != nil {
		return chat.Persistence("update last message", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.conversations.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return chat.Persistence("update last message", err)
	}
	if n == 0 {
		return chat.NotFound("conversation", conversationID)
	}
	return nil
}

func (s *ChatStore) Append(ctx context.Context, conversationID, senderID, receiverID, content string) (chat.Message, error) {
	draft, err := chat.NewDraft(conversationID, senderID, receiverID, content)
	if err != nil {
		return chat.Message{}, err
	}
	if err := s.ensureConversation(ctx, draft.ConversationID); err != nil {
		return chat.Message{}, err
	}
	prev, err := s.latestMessageAt(ctx, draft.ConversationID)
	if err != nil {
		return chat.Message{}, err
	}
	created := chat.NextTimestamp(prev, s.now().UTC().Truncate(time.Microsecond), time.Microsecond)
	doc := messageDocument{
		ID:             primitive.NewObjectID(),
		ConversationID: draft.ConversationID,
		SenderID:       draft.SenderID,
		ReceiverID:     draft.ReceiverID,
		Content:        draft.Content,
		CreatedAt:      toMicros(created),
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return chat.Message{}, chat.Persistence("insert message", err)
	}
	return doc.toDomain(), nil
}

func (s *ChatStore) Page(ctx context.Context, conversationID string, page, limit int) (chat.Page, error) {
	page, limit = chat.NormalizePage(page, limit)
	if err := s.ensureConversation(ctx, conversationID); err != nil {
		return chat.Page{}, err
	}
	filter := bson.M{"conversation_id": conversationID}
	total, err := s.messages.CountDocuments(ctx, filter)
	if err != nil {
		return chat.Page{}, chat.Persistence("count messages", err)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(chat.Skip(page, limit))).
		SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return chat.Page{}, chat.Persistence("page messages", err)
	}
	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return chat.Page{}, chat.Persistence("decode messages", err)
	}
	msgs := make([]chat.Message, 0, len(docs))
	for _, doc := range docs {
		msgs = append(msgs, doc.toDomain())
	}
	return chat.Page{Messages: chat.Reverse(msgs), Page: page, Limit: limit, Total: total}, nil
}

func (s *ChatStore) CountUnread(ctx context.Context, conversationID, excludingSenderID string) (int64, error) {
	if err := s.ensureConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	n, err := s.messages.CountDocuments(ctx, unreadFilter(conversationID, excludingSenderID))
	if err != nil {
		return 0, chat.Persistence("count unread", err)
	}
	return n, nil
}

func (s *ChatStore) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	readerID = strings.TrimSpace(readerID)
	if conversationID == "" || readerID == "" {
		return 0, chat.Invalid("conversationId and userId are required")
	}
	if err := s.ensureConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	res, err := s.messages.UpdateMany(ctx, unreadFilter(conversationID, readerID), bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return 0, chat.Persistence("mark read", err)
	}
	return res.ModifiedCount, nil
}

func (s *ChatStore) ensureConversation(ctx context.Context, conversationID string) error {
	_, err := s.Get(ctx, conversationID)
	return err
}

func (s *ChatStore) latestMessageAt(ctx context.Context, conversationID string) (time.Time, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetProjection(bson.M{"created_at": 1})
	var doc messageDocument
	err := s.messages.FindOne(ctx, bson.M{"conversation_id": conversationID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, chat.Persistence("latest message", err)
	}
	return fromMicros(doc.CreatedAt), nil
}

func unreadFilter(conversationID, excludingSenderID string) bson.M {
	return bson.M{
		"conversation_id": conversationID,
		"read":            false,
		"sender_id":       bson.M{"$ne": excludingSenderID},
	}
}

func lastMessageGuard(id primitive.ObjectID, at int64) bson.M {
	return bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"last_message": bson.M{"$exists": false}},
			bson.M{"last_message": nil},
			bson.M{"last_message.at": bson.M{"$lt": at}},
		},
	}
}

type conversationDocument struct {
	ID           primitive.ObjectID   `bson:"_id"`
	BuyerID      string               `bson:"buyer_id"`
	SellerID     string               `bson:"seller_id"`
	ListingID    string               `bson:"listing_id"`
	LastMessage  *lastMessageDocument `bson:"last_message,omitempty"`
	LastActivity int64                `bson:"last_activity"`
	CreatedAt    int64                `bson:"created_at"`
	UpdatedAt    int64                `bson:"updated_at"`
}

type lastMessageDocument struct {
	ID       string `bson:"id"`
	SenderID string `bson:"sender_id"`
	Snippet  string `bson:"snippet"`
	At       int64  `bson:"at"`
}

func newLastMessageDocument(msg chat.Message) lastMessageDocument {
	return lastMessageDocument{
		ID:       msg.ID,
		SenderID: msg.SenderID,
		Snippet:  chat.TrimSnippet(msg.Content, chat.SnippetLimit),
		At:       toMicros(msg.CreatedAt),
	}
}

func (d conversationDocument) toDomain() chat.Conversation {
	conv := chat.Conversation{
		ID:        d.ID.Hex(),
		BuyerID:   d.BuyerID,
		SellerID:  d.SellerID,
		ListingID: d.ListingID,
		CreatedAt: fromMicros(d.CreatedAt),
		UpdatedAt: fromMicros(d.UpdatedAt),
	}
	if d.LastMessage != nil {
		conv.LastMessage = &chat.LastMessage{
			ID:       d.LastMessage.ID,
			SenderID: d.LastMessage.SenderID,
			Snippet:  d.LastMessage.Snippet,
			At:       fromMicros(d.LastMessage.At),
		}
	}
	return conv
}

type messageDocument struct {
	ID             primitive.ObjectID `bson:"_id"`
	ConversationID string             `bson:"conversation_id"`
	SenderID       string             `bson:"sender_id"`
	ReceiverID     string             `bson:"receiver_id"`
	Content        string             `bson:"content"`
	Read           bool               `bson:"read"`
	CreatedAt      int64              `bson:"created_at"`
}

func (d messageDocument) toDomain() chat.Message {
	return chat.Message{
		ID:             d.ID.Hex(),
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		ReceiverID:     d.ReceiverID,
		Content:        d.Content,
		Read:           d.Read,
		CreatedAt:      fromMicros(d.CreatedAt),
	}
}

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

var _ chat.Store = (*ChatStore)(nil)
