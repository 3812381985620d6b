package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appoutbox "marketchat/internal/app/outbox"
	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/outbox"
	"marketchat/internal/infra/storage/memory"
)

type deliveries struct {
	messages []chat.Message
	reads    []string
}

func (d *deliveries) DeliverMessage(msg chat.Message, _ string) int {
	d.messages = append(d.messages, msg)
	return 1
}

func (d *deliveries) DeliverRead(conversationID, readerID, _ string) int {
	d.reads = append(d.reads, conversationID+":"+readerID)
	return 1
}

func envelope(t *testing.T, id string, ev chat.Event, origin string) *sarama.ConsumerMessage {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	value, err := json.Marshal(outbox.CloudEvent{
		SpecVersion: "1.0",
		ID:          id,
		Type:        ev.EventName() + ".v1",
		Source:      "app://marketchat",
		Time:        ev.OccurredAt(),
		Data:        data,
	})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{
		Topic:   "message.events.v1",
		Value:   value,
		Headers: []*sarama.RecordHeader{{Key: []byte(appoutbox.HeaderOrigin), Value: []byte(origin)}},
	}
}

func TestHandleRebroadcastsForeignEventsOnce(t *testing.T) {
	d := &deliveries{}
	h := Handler{Origin: "node-a", Inbox: memory.NewInbox(), Deliver: d}
	sent := chat.MessageSentEvent{
		MessageID:      "m1",
		ConversationID: "c1",
		SenderID:       "B1",
		ReceiverID:     "S1",
		Content:        "hello",
		CreatedAt:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	msg := envelope(t, "e1", sent, "node-b")

	require.NoError(t, h.Handle(context.Background(), msg))
	require.NoError(t, h.Handle(context.Background(), msg))

	require.Len(t, d.messages, 1)
	assert.Equal(t, "m1", d.messages[0].ID)
	assert.Equal(t, "S1", d.messages[0].ReceiverID)
	assert.Equal(t, "hello", d.messages[0].Content)
}

func TestHandleSkipsOwnOrigin(t *testing.T) {
	d := &deliveries{}
	h := Handler{Origin: "node-a", Inbox: memory.NewInbox(), Deliver: d}
	read := chat.ConversationReadEvent{ConversationID: "c1", ReaderID: "S1", CounterpartID: "B1", Count: 2, At: time.Now().UTC()}

	require.NoError(t, h.Handle(context.Background(), envelope(t, "e1", read, "node-a")))
	assert.Empty(t, d.reads)

	require.NoError(t, h.Handle(context.Background(), envelope(t, "e2", read, "node-b")))
	assert.Equal(t, []string{"c1:S1"}, d.reads)
}

func TestHandleIgnoresGarbage(t *testing.T) {
	d := &deliveries{}
	h := Handler{Deliver: d}
	assert.NoError(t, h.Handle(context.Background(), &sarama.ConsumerMessage{Value: []byte("not json")}))
	assert.NoError(t, h.Handle(context.Background(), &sarama.ConsumerMessage{Value: []byte(`{"id":"x","type":"listing.created.v1"}`)}))
	assert.Empty(t, d.messages)
}
