package client

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/app/dto"
)

type fakeTransport struct {
	sent []Outgoing
	err  error
	ack  func(Outgoing) *dto.Message
}

func (f *fakeTransport) Submit(_ context.Context, out Outgoing) (*dto.Message, error) {
	f.sent = append(f.sent, out)
	if f.err != nil {
		return nil, f.err
	}
	if f.ack != nil {
		return f.ack(out), nil
	}
	return nil, nil
}

func durable(id, conv, sender, content string, at time.Time) dto.Message {
	return dto.Message{ID: id, ConversationID: conv, SenderID: sender, Content: content, CreatedAt: at}
}

func TestOptimisticSendThenReconcile(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr)

	tempID, err := s.OptimisticSend(context.Background(), "c1", "B1", "hello")
	require.NoError(t, err)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, tempID, tr.sent[0].TempID)

	items := s.Messages("c1")
	require.Len(t, items, 1)
	assert.Equal(t, StatusPending, items[0].Status)

	s.Reconcile("c1", durable("m1", "c1", "B1", "hello", time.Now()))
	items = s.Messages("c1")
	require.Len(t, items, 1)
	assert.Equal(t, "m1", items[0].ID)
	assert.Equal(t, StatusConfirmed, items[0].Status)
	assert.Equal(t, tempID, items[0].TempID)

	conv, ok := s.Conversation("c1")
	require.True(t, ok)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "m1", conv.LastMessage.ID)
}

func TestReconcileIsIdempotentAndAppendsForeignMessages(t *testing.T) {
	s := NewSession(&fakeTransport{})
	now := time.Now()

	s.Reconcile("c1", durable("m1", "c1", "S1", "hi", now))
	s.Reconcile("c1", durable("m1", "c1", "S1", "hi", now))
	s.Reconcile("c1", durable("m2", "c1", "S1", "there", now.Add(time.Second)))

	items := s.Messages("c1")
	require.Len(t, items, 2)
	assert.Equal(t, "m1", items[0].ID)
	assert.Equal(t, "m2", items[1].ID)
}

func TestReconcileReplacesOldestMatchingPlaceholder(t *testing.T) {
	s := NewSession(&fakeTransport{})
	ctx := context.Background()
	first, _ := s.OptimisticSend(ctx, "c1", "B1", "ok")
	second, _ := s.OptimisticSend(ctx, "c1", "B1", "ok")

	s.Reconcile("c1", durable("m1", "c1", "B1", "ok", time.Now()))

	items := s.Messages("c1")
	require.Len(t, items, 2)
	assert.Equal(t, first, items[0].TempID)
	assert.Equal(t, StatusConfirmed, items[0].Status)
	assert.Equal(t, second, items[1].TempID)
	assert.Equal(t, StatusPending, items[1].Status)
}

func TestReconcileByClientIDAdoptsUnassignedPlaceholder(t *testing.T) {
	s := NewSession(&fakeTransport{})
	tempID, err := s.Send(context.Background(), Outgoing{SenderID: "B1", CounterpartID: "S1", ListingID: "L1", Content: "first"})
	require.NoError(t, err)
	require.Len(t, s.Messages(""), 1)

	s.ReconcileClient("c9", durable("m1", "c9", "B1", "first", time.Now()), tempID)

	assert.Empty(t, s.Messages(""))
	items := s.Messages("c9")
	require.Len(t, items, 1)
	assert.Equal(t, "m1", items[0].ID)
	assert.Equal(t, "c9", items[0].ConversationID)
}

func TestSubmitFailureKeepsPlaceholderAndRetryResubmits(t *testing.T) {
	tr := &fakeTransport{err: errors.New("offline")}
	s := NewSession(tr)
	ctx := context.Background()

	tempID, err := s.OptimisticSend(ctx, "c1", "B1", "hello")
	require.Error(t, err)
	items := s.Messages("c1")
	require.Len(t, items, 1)
	assert.Equal(t, StatusFailed, items[0].Status)

	tr.err = nil
	tr.ack = func(out Outgoing) *dto.Message {
		m := durable("m1", out.ConversationID, out.SenderID, out.Content, time.Now())
		return &m
	}
	require.NoError(t, s.Retry(ctx, tempID))
	require.Len(t, tr.sent, 2)
	assert.Equal(t, tempID, tr.sent[1].TempID)

	items = s.Messages("c1")
	require.Len(t, items, 1)
	assert.Equal(t, StatusConfirmed, items[0].Status)
	assert.Equal(t, "m1", items[0].ID)

	assert.ErrorIs(t, s.Retry(ctx, tempID), ErrUnknownTempID)
}

func TestSendRejectsBlankContent(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr)
	_, err := s.OptimisticSend(context.Background(), "c1", "B1", "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, tr.sent)
	assert.Empty(t, s.Messages("c1"))
}

func TestApplyReadMarksCounterpartMessages(t *testing.T) {
	s := NewSession(&fakeTransport{})
	now := time.Now()
	s.Reconcile("c1", durable("m1", "c1", "S1", "a", now))
	s.Reconcile("c1", durable("m2", "c1", "B1", "b", now.Add(time.Second)))

	assert.Equal(t, 1, s.ApplyRead("c1", "B1"))
	assert.Equal(t, 0, s.ApplyRead("c1", "B1"))

	items := s.Messages("c1")
	assert.True(t, items[0].Read)
	assert.False(t, items[1].Read)
}

func TestApplyReadSkipsUnconfirmedPlaceholders(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr)
	ctx := context.Background()
	s.Reconcile("c1", durable("m1", "c1", "B1", "from buyer", time.Now()))
	pending, _ := s.OptimisticSend(ctx, "c1", "S1", "still typing")
	tr.err = errors.New("offline")
	failed, _ := s.OptimisticSend(ctx, "c1", "S1", "lost")

	assert.Equal(t, 1, s.ApplyRead("c1", "B1"))

	for _, it := range s.Messages("c1") {
		switch it.TempID {
		case pending, failed:
			assert.False(t, it.Read, it.TempID)
		default:
			assert.True(t, it.Read)
		}
	}
}

func TestTempIDsAreUniqueAcrossSessions(t *testing.T) {
	a := NewSession(&fakeTransport{})
	b := NewSession(&fakeTransport{})
	ctx := context.Background()
	first, _ := a.OptimisticSend(ctx, "c1", "B1", "x")
	second, _ := b.OptimisticSend(ctx, "c1", "S1", "x")
	third, _ := a.OptimisticSend(ctx, "c1", "B1", "x")

	assert.NotEqual(t, first, second)
	assert.NotEqual(t, first, third)
	assert.True(t, strings.HasPrefix(first, "tmp-"))
}

func TestForeignMessageWithCollidingClientIDKeepsLocalPlaceholder(t *testing.T) {
	tr := &fakeTransport{}
	s := NewSession(tr)
	ctx := context.Background()
	tempID, err := s.OptimisticSend(ctx, "c1", "B1", "my own unsent text")
	require.NoError(t, err)

	received, _ := json.Marshal(map[string]any{
		"conversationId": "c1",
		"clientId":       tempID,
		"message":        map[string]any{"_id": "m1", "senderId": "S1", "newMessage": "hello from seller", "timestamp": time.Now()},
	})
	require.NoError(t, s.HandleEvent("message:received", received))

	items := s.Messages("c1")
	require.Len(t, items, 2)
	assert.Equal(t, tempID, items[0].TempID)
	assert.Equal(t, "B1", items[0].SenderID)
	assert.Equal(t, "my own unsent text", items[0].Content)
	assert.Equal(t, StatusPending, items[0].Status)
	assert.Equal(t, "m1", items[1].ID)
	assert.Equal(t, StatusConfirmed, items[1].Status)

	require.NoError(t, s.Retry(ctx, tempID))
	assert.Len(t, tr.sent, 2)
}

func TestLoadPageReplacesThenPrependsOlder(t *testing.T) {
	s := NewSession(&fakeTransport{})
	base := time.Now()
	pending, _ := s.OptimisticSend(context.Background(), "c1", "B1", "draft")

	s.LoadPage("c1", []dto.Message{
		durable("m3", "c1", "S1", "3", base.Add(3*time.Second)),
		durable("m4", "c1", "S1", "4", base.Add(4*time.Second)),
	}, 1)
	s.LoadPage("c1", []dto.Message{
		durable("m1", "c1", "S1", "1", base.Add(time.Second)),
		durable("m2", "c1", "S1", "2", base.Add(2*time.Second)),
		durable("m3", "c1", "S1", "3", base.Add(3*time.Second)),
	}, 2)

	items := s.Messages("c1")
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{"m1", "m2", "m3", "m4", pending}, ids)
}

func TestHandleEvent(t *testing.T) {
	s := NewSession(&fakeTransport{})
	tempID, _ := s.OptimisticSend(context.Background(), "c1", "B1", "hello")

	received, _ := json.Marshal(map[string]any{
		"conversationId": "c1",
		"clientId":       tempID,
		"message":        map[string]any{"_id": "m1", "senderId": "B1", "newMessage": "hello", "timestamp": time.Now()},
	})
	require.NoError(t, s.HandleEvent("message:received", received))
	items := s.Messages("c1")
	require.Len(t, items, 1)
	assert.Equal(t, "m1", items[0].ID)
	assert.Equal(t, StatusConfirmed, items[0].Status)

	failing, _ := s.OptimisticSend(context.Background(), "c1", "B1", "again")
	errEvent, _ := json.Marshal(dto.Error{Code: "persistence", Message: "down", ClientID: failing})
	require.NoError(t, s.HandleEvent("error", errEvent))
	assert.Equal(t, StatusFailed, s.Messages("c1")[1].Status)

	read, _ := json.Marshal(dto.MessageRead{ConversationID: "c1", By: "S1"})
	require.NoError(t, s.HandleEvent("message:read", read))
	assert.True(t, s.Messages("c1")[0].Read)

	assert.Error(t, s.HandleEvent("message:read", json.RawMessage(`{`)))
	assert.NoError(t, s.HandleEvent("joined", json.RawMessage(`{"room":"B1_S1"}`)))
}

func TestConversationsOrderedByActivity(t *testing.T) {
	s := NewSession(&fakeTransport{})
	base := time.Now()
	s.UpsertConversation(dto.Conversation{ID: "old", UpdatedAt: base})
	s.UpsertConversation(dto.Conversation{ID: "new", UpdatedAt: base.Add(time.Minute)})
	s.Reconcile("old", durable("m1", "old", "S1", "ping", base.Add(time.Hour)))

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "old", convs[0].ID)

	// a stale listing must not roll back the local lastMessage
	s.UpsertConversation(dto.Conversation{ID: "old", UpdatedAt: base})
	conv, _ := s.Conversation("old")
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "m1", conv.LastMessage.ID)
}
