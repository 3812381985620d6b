package scylla

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/domain/chat"
)

func TestSchemaCoversTables(t *testing.T) {
	stmts := schema("chat_ks")
	var tables []string
	for _, stmt := range stmts {
		tables = append(tables, stmt.table)
		assert.Contains(t, stmt.cql, "chat_ks."+stmt.table+" (")
	}
	assert.Equal(t, []string{"conversations", "conversations_by_key", "conversations_by_user", "messages"}, tables)
	assert.True(t, strings.Contains(stmts[3].cql, "CLUSTERING ORDER BY (created_at DESC, message_id DESC)"))
}

func TestKeyspacePattern(t *testing.T) {
	assert.True(t, keyspacePattern.MatchString("marketchat_1"))
	assert.False(t, keyspacePattern.MatchString("market-chat"))
	assert.False(t, keyspacePattern.MatchString("x; DROP"))
}

func TestWindow(t *testing.T) {
	var rows []chat.Message
	for i := 6; i >= 0; i-- {
		rows = append(rows, chat.Message{ID: fmt.Sprintf("m%d", i)})
	}
	ids := func(msgs []chat.Message) []string {
		out := []string{}
		for _, m := range msgs {
			out = append(out, m.ID)
		}
		return out
	}
	assert.Equal(t, []string{"m6", "m5", "m4"}, ids(window(rows, 0, 3)))
	assert.Equal(t, []string{"m3", "m2", "m1"}, ids(window(rows, 3, 3)))
	assert.Equal(t, []string{"m0"}, ids(window(rows, 6, 3)))
	assert.Empty(t, window(rows, 9, 3))
}

func TestConversationIDFromCAS(t *testing.T) {
	id := gocql.TimeUUID()
	got, ok := conversationIDFromCAS(map[string]any{"conversation_id": id})
	require.True(t, ok)
	assert.Equal(t, id, got)

	got, ok = conversationIDFromCAS(map[string]any{"conversation_id": id.String()})
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = conversationIDFromCAS(map[string]any{})
	assert.False(t, ok)
}

func TestConversationRowSeededLastMessageIsHidden(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	row := conversationRow{ID: gocql.TimeUUID(), BuyerID: "B1", SellerID: "S1", ListingID: "L1", CreatedAt: now, UpdatedAt: now, LastMessageAt: now}
	assert.Nil(t, row.toDomain().LastMessage)

	row.LastMessageID = "m1"
	row.LastMessageText = "hello"
	conv := row.toDomain()
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "hello", conv.LastMessage.Snippet)
}

func TestMessageRowUnreadFor(t *testing.T) {
	row := messageRow{SenderID: "S1"}
	assert.True(t, row.unreadFor("B1"))
	assert.False(t, row.unreadFor("S1"))
	row.Read = true
	assert.False(t, row.unreadFor("B1"))
}
