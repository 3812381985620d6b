package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"marketchat/internal/domain/chat"
)

func TestMicrosRoundTrip(t *testing.T) {
	at := time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC)
	assert.True(t, at.Equal(fromMicros(toMicros(at))))
	assert.True(t, fromMicros(0).IsZero())
}

func TestConversationDocumentBSON(t *testing.T) {
	id := primitive.NewObjectID()
	at := time.Date(2024, 1, 1, 0, 0, 0, 1000, time.UTC)
	doc := conversationDocument{
		ID:        id,
		BuyerID:   "B1",
		SellerID:  "S1",
		ListingID: "L1",
		LastMessage: &lastMessageDocument{
			ID: "m1", SenderID: "S1", Snippet: "hello", At: toMicros(at),
		},
		CreatedAt: toMicros(at),
		UpdatedAt: toMicros(at),
	}
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	var back conversationDocument
	require.NoError(t, bson.Unmarshal(raw, &back))

	conv := back.toDomain()
	assert.Equal(t, id.Hex(), conv.ID)
	assert.Equal(t, chat.Key{BuyerID: "B1", SellerID: "S1", ListingID: "L1"}, conv.Key())
	require.NotNil(t, conv.LastMessage)
	assert.True(t, at.Equal(conv.LastMessage.At))
}

func TestConversationWithoutLastMessageOmitsField(t *testing.T) {
	raw, err := bson.Marshal(conversationDocument{ID: primitive.NewObjectID(), BuyerID: "B1"})
	require.NoError(t, err)
	_, lookupErr := bson.Raw(raw).LookupErr("last_message")
	assert.Error(t, lookupErr)
}

func TestNewLastMessageDocumentTrimsSnippet(t *testing.T) {
	long := make([]rune, chat.SnippetLimit+20)
	for i := range long {
		long[i] = 'я'
	}
	doc := newLastMessageDocument(chat.Message{ID: "m1", SenderID: "B1", Content: string(long)})
	assert.Len(t, []rune(doc.Snippet), chat.SnippetLimit)
}

func TestUnreadFilterExcludesSender(t *testing.T) {
	f := unreadFilter("c1", "B1")
	assert.Equal(t, "c1", f["conversation_id"])
	assert.Equal(t, false, f["read"])
	assert.Equal(t, bson.M{"$ne": "B1"}, f["sender_id"])
}

func TestLastMessageGuardRejectsOlder(t *testing.T) {
	id := primitive.NewObjectID()
	g := lastMessageGuard(id, 42)
	assert.Equal(t, id, g["_id"])
	clauses, ok := g["$or"].(bson.A)
	require.True(t, ok)
	assert.Contains(t, clauses, bson.M{"last_message.at": bson.M{"$lt": int64(42)}})
}

func mockChatStore(mt *mtest.T) *ChatStore {
	return &ChatStore{
		conversations: mt.DB.Collection("chat_conversations"),
		messages:      mt.DB.Collection("chat_messages"),
		now:           time.Now,
	}
}

func TestCountUnreadRequiresConversation(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("malformed id", func(mt *mtest.T) {
		_, err := mockChatStore(mt).CountUnread(ctx, "nope", "B1")
		assert.ErrorIs(mt, err, chat.ErrNotFound)
	})

	mt.Run("unknown id", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.chat_conversations", mtest.FirstBatch))
		n, err := mockChatStore(mt).CountUnread(ctx, primitive.NewObjectID().Hex(), "B1")
		assert.ErrorIs(mt, err, chat.ErrNotFound)
		assert.Zero(mt, n)
	})

	mt.Run("known id", func(mt *mtest.T) {
		id := primitive.NewObjectID()
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "test.chat_conversations", mtest.FirstBatch, bson.D{
				{Key: "_id", Value: id},
				{Key: "buyer_id", Value: "B1"},
				{Key: "seller_id", Value: "S1"},
				{Key: "listing_id", Value: "L1"},
			}),
			mtest.CreateCursorResponse(0, "test.chat_messages", mtest.FirstBatch, bson.D{
				{Key: "n", Value: int32(3)},
			}),
		)
		n, err := mockChatStore(mt).CountUnread(ctx, id.Hex(), "B1")
		require.NoError(mt, err)
		assert.Equal(mt, int64(3), n)
	})
}
