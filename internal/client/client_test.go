package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/app/messaging"
	"marketchat/internal/app/rooms"
	ginserver "marketchat/internal/infra/http/gin"
	"marketchat/internal/infra/obs"
	"marketchat/internal/infra/storage/memory"
	"marketchat/internal/infra/ws"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	router := rooms.NewRouter(nil)
	svc := &messaging.Service{Store: memory.NewStore(), Rooms: router}
	gw := &ws.Gateway{Service: svc, Router: router, PongWait: 5 * time.Second, OpTimeout: 2 * time.Second}
	engine := ginserver.NewRouter("test", obs.Middleware{}, obs.HealthHandlers{}, ginserver.Handlers{
		Chat:      ginserver.ChatHandler{Service: svc},
		WebSocket: gw,
	})
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond)
}

func TestSessionsOverWebsocket(t *testing.T) {
	srv := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := NewAPIClient(srv.URL+"/api", "")
	conv, err := api.GetOrCreateConversation(ctx, "B1", "S1", "L1")
	require.NoError(t, err)

	buyerWS, err := Dial(ctx, wsURL(srv), "B1", nil)
	require.NoError(t, err)
	defer buyerWS.Close()
	sellerWS, err := Dial(ctx, wsURL(srv), "S1", nil)
	require.NoError(t, err)
	defer sellerWS.Close()

	buyer := NewSession(buyerWS)
	seller := NewSession(sellerWS)
	joined := make(chan string, 2)
	onJoin := func(env ws.Envelope) {
		if env.Event == "joined" {
			joined <- env.Event
		}
	}
	go func() { _ = buyerWS.Listen(ctx, buyer, onJoin) }()
	go func() { _ = sellerWS.Listen(ctx, seller, onJoin) }()

	require.NoError(t, buyerWS.Join("B1", "S1", conv.ID))
	require.NoError(t, sellerWS.Join("S1", "B1", conv.ID))
	for i := 0; i < 2; i++ {
		select {
		case <-joined:
		case <-time.After(2 * time.Second):
			t.Fatal("join not acknowledged")
		}
	}

	tempID, err := buyer.OptimisticSend(ctx, conv.ID, "B1", "Is it still available?")
	require.NoError(t, err)

	eventually(t, func() bool {
		items := buyer.Messages(conv.ID)
		return len(items) == 1 && items[0].Status == StatusConfirmed
	})
	eventually(t, func() bool { return len(seller.Messages(conv.ID)) == 1 })
	assert.Equal(t, tempID, buyer.Messages(conv.ID)[0].TempID)
	assert.Equal(t, buyer.Messages(conv.ID)[0].ID, seller.Messages(conv.ID)[0].ID)

	require.NoError(t, sellerWS.MarkRead(conv.ID, "S1"))
	eventually(t, func() bool { return buyer.Messages(conv.ID)[0].Read })
}

func TestAPIClientRoundTrip(t *testing.T) {
	srv := newServer(t)
	ctx := context.Background()
	api := NewAPIClient(srv.URL, "B1")

	conv, err := api.GetOrCreateConversation(ctx, "B1", "S1", "L1")
	require.NoError(t, err)

	s := NewSession(api)
	_, err = s.OptimisticSend(ctx, conv.ID, "B1", "hello")
	require.NoError(t, err)
	items := s.Messages(conv.ID)
	require.Len(t, items, 1)
	assert.Equal(t, StatusConfirmed, items[0].Status)

	require.NoError(t, s.Refresh(ctx, NewAPIClient(srv.URL, "S1"), "S1"))
	convs := s.Conversations()
	require.Len(t, convs, 1)
	require.NotNil(t, convs[0].UnreadCount)
	assert.EqualValues(t, 1, *convs[0].UnreadCount)

	page, err := s.Open(ctx, api, conv.ID, 1, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)

	n, err := NewAPIClient(srv.URL, "S1").MarkRead(ctx, conv.ID, "S1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// identity header must match the acting user
	_, err = api.MarkRead(ctx, conv.ID, "S1")
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 403, httpErr.Status)
}
