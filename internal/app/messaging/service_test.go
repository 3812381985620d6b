package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/app/dto"
	appoutbox "marketchat/internal/app/outbox"
	"marketchat/internal/app/rooms"
	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/storage/memory"
)

type recordingConn struct {
	id string
	mu sync.Mutex
	ev []rooms.Event
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Deliver(ev rooms.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ev = append(c.ev, ev)
	return true
}

func (c *recordingConn) events(name string) []rooms.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []rooms.Event
	for _, ev := range c.ev {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type failingLastMessage struct {
	*memory.Store
}

func (f failingLastMessage) UpdateLastMessage(context.Context, string, chat.Message) error {
	return errors.New("write concern timeout")
}

type recordingOutbox struct {
	mu      sync.Mutex
	records []appoutbox.EventRecord
}

func (o *recordingOutbox) Add(_ context.Context, rec appoutbox.EventRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, rec)
	return nil
}

func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func newService(store chat.Store) (*Service, *rooms.Router) {
	router := rooms.NewRouter(nil)
	return &Service{Store: store, Rooms: router}, router
}

func TestBuyerSellerListingScenario(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(memory.NewStore())

	c1, created, err := svc.GetOrCreateConversation(ctx, "B1", "S1", "L1")
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := svc.GetOrCreateConversation(ctx, "B1", "S1", "L1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c1.ID, again.ID)

	res, err := svc.Send(ctx, SendInput{ConversationID: c1.ID, SenderID: "S1", Content: "Is it still available?"})
	require.NoError(t, err)
	assert.Equal(t, "B1", res.Message.ReceiverID)

	page, err := svc.History(ctx, c1.ID, 1, 30)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, res.Message.ID, page.Messages[0].ID)

	n, err := svc.MarkRead(ctx, c1.ID, "B1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = svc.MarkRead(ctx, c1.ID, "B1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestSendBroadcastsOnceToJoinedSockets(t *testing.T) {
	ctx := context.Background()
	svc, router := newService(memory.NewStore())
	a, b, outsider := &recordingConn{id: "a"}, &recordingConn{id: "b"}, &recordingConn{id: "c"}
	_, err := router.Join(a, "U1", "U2")
	require.NoError(t, err)
	_, err = router.Join(b, "U2", "U1")
	require.NoError(t, err)

	res, err := svc.Send(ctx, SendInput{SenderID: "U1", CounterpartID: "U2", ListingID: "L1", Content: "hello", ClientID: "tmp-1"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, "U1", res.Conversation.BuyerID)
	assert.Equal(t, "U2", res.Conversation.SellerID)

	// b also sits in the conversation room now; it must still get one copy
	router.JoinRoom(b, rooms.ConversationRoom(res.Conversation.ID))
	_, err = svc.Send(ctx, SendInput{ConversationID: res.Conversation.ID, SenderID: "U2", Content: "hi back"})
	require.NoError(t, err)

	for _, conn := range []*recordingConn{a, b} {
		got := conn.events(EventReceived)
		require.Len(t, got, 2, conn.id)
		first := got[0].Data.(dto.MessageReceived)
		assert.Equal(t, "hello", first.Message.Content)
		assert.Equal(t, "tmp-1", first.ClientID)
		assert.Equal(t, res.Conversation.ID, first.ConversationID)
	}
	assert.Empty(t, outsider.ev)
}

func TestSendUpdatesLastMessageAndListOrder(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(memory.NewStore().WithClock(tickingClock()))
	older, _, err := svc.GetOrCreateConversation(ctx, "B1", "S1", "L1")
	require.NoError(t, err)
	newer, _, err := svc.GetOrCreateConversation(ctx, "B1", "S2", "L2")
	require.NoError(t, err)

	_, err = svc.Send(ctx, SendInput{ConversationID: newer.ID, SenderID: "S2", Content: "first"})
	require.NoError(t, err)
	res, err := svc.Send(ctx, SendInput{ConversationID: older.ID, SenderID: "S1", Content: "latest"})
	require.NoError(t, err)

	list, err := svc.ListConversations(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, older.ID, list[0].Conversation.ID)
	require.NotNil(t, list[0].Conversation.LastMessage)
	assert.Equal(t, res.Message.ID, list[0].Conversation.LastMessage.ID)
	assert.Equal(t, "latest", list[0].Conversation.LastMessage.Snippet)
	assert.EqualValues(t, 1, list[0].Unread)
	assert.EqualValues(t, 1, list[1].Unread)

	sellerView, err := svc.ListConversations(ctx, "S1")
	require.NoError(t, err)
	require.Len(t, sellerView, 1)
	assert.EqualValues(t, 0, sellerView[0].Unread)
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(memory.NewStore())
	conv, _, err := svc.GetOrCreateConversation(ctx, "B1", "S1", "L1")
	require.NoError(t, err)

	cases := []struct {
		name string
		in   SendInput
		want error
	}{
		{"empty content", SendInput{ConversationID: conv.ID, SenderID: "B1", Content: "   "}, chat.ErrValidation},
		{"missing sender", SendInput{ConversationID: conv.ID, Content: "hi"}, chat.ErrValidation},
		{"outsider", SendInput{ConversationID: conv.ID, SenderID: "X", Content: "hi"}, chat.ErrValidation},
		{"unknown conversation", SendInput{ConversationID: "nope", SenderID: "B1", Content: "hi"}, chat.ErrNotFound},
		{"missing listing", SendInput{SenderID: "B1", CounterpartID: "S1", Content: "hi"}, chat.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Send(ctx, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSendDoesNotBroadcastWhenLastMessageFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc, router := newService(failingLastMessage{Store: store})
	conn := &recordingConn{id: "a"}
	_, err := router.Join(conn, "B1", "S1")
	require.NoError(t, err)
	conv, _, err := svc.GetOrCreateConversation(ctx, "B1", "S1", "L1")
	require.NoError(t, err)

	_, err = svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: "B1", Content: "hi"})
	require.ErrorIs(t, err, chat.ErrPersistence)
	assert.Equal(t, CodePersistence, ErrorCode(err))
	assert.Empty(t, conn.ev)
}

func TestMarkReadBroadcastsOnlyWhenChanged(t *testing.T) {
	ctx := context.Background()
	svc, router := newService(memory.NewStore())
	box := &recordingOutbox{}
	svc.Outbox = box
	conn := &recordingConn{id: "a"}
	_, err := router.Join(conn, "S1", "B1")
	require.NoError(t, err)

	res, err := svc.Send(ctx, SendInput{SenderID: "B1", CounterpartID: "S1", ListingID: "L1", Content: "offer"})
	require.NoError(t, err)

	n, err := svc.MarkRead(ctx, res.Conversation.ID, "B1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n, "own messages stay unread")

	n, err = svc.MarkRead(ctx, res.Conversation.ID, "S1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	reads := conn.events(EventRead)
	require.Len(t, reads, 1)
	assert.Equal(t, dto.MessageRead{ConversationID: res.Conversation.ID, By: "S1"}, reads[0].Data)

	require.Len(t, box.records, 2)
	assert.Equal(t, chat.EventMessageSent, box.records[0].Name)
	assert.Equal(t, chat.EventConversationRead, box.records[1].Name)

	_, err = svc.MarkRead(ctx, res.Conversation.ID, "X")
	assert.ErrorIs(t, err, chat.ErrValidation)
}

func TestConcurrentSendsKeepNewestLastMessage(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(memory.NewStore())
	conv, _, err := svc.GetOrCreateConversation(ctx, "B1", "S1", "L1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := "B1"
			if i%2 == 0 {
				sender = "S1"
			}
			_, err := svc.Send(ctx, SendInput{ConversationID: conv.ID, SenderID: sender, Content: fmt.Sprintf("m%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	page, err := svc.History(ctx, conv.ID, 1, 200)
	require.NoError(t, err)
	require.Len(t, page.Messages, 50)
	newest := page.Messages[len(page.Messages)-1]

	got, err := svc.Conversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, newest.ID, got.LastMessage.ID)
	assert.Zero(t, svc.seq.Len())
}

func TestSequencerSerializesPerKey(t *testing.T) {
	var seq Sequencer
	var mu sync.Mutex
	active, maxActive := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := seq.Lock("c1")
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
	assert.Zero(t, seq.Len())

	unlockA := seq.Lock("a")
	unlockB := seq.Lock("b")
	assert.Equal(t, 2, seq.Len())
	unlockA()
	unlockB()
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, CodeValidation, ErrorCode(chat.Invalid("x")))
	assert.Equal(t, CodeNotFound, ErrorCode(chat.NotFound("conversation", "c")))
	assert.Equal(t, CodePersistence, ErrorCode(errors.New("boom")))
}

func TestCheckActor(t *testing.T) {
	assert.NoError(t, CheckActor("", "U1"))
	assert.NoError(t, CheckActor("U1", "U1"))
	err := CheckActor("U1", "U2")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, CodeForbidden, ErrorCode(err))
}
