package ginserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/app/dto"
	"marketchat/internal/app/messaging"
	"marketchat/internal/app/rooms"
	"marketchat/internal/infra/obs"
	"marketchat/internal/infra/storage/memory"
)

type apiFixture struct {
	engine  *gin.Engine
	service *messaging.Service
}

func newFixture(t *testing.T) apiFixture {
	t.Helper()
	svc := &messaging.Service{Store: memory.NewStore(), Rooms: rooms.NewRouter(nil)}
	engine := NewRouter("test", obs.Middleware{}, obs.HealthHandlers{}, Handlers{Chat: ChatHandler{Service: svc}})
	return apiFixture{engine: engine, service: svc}
}

func (f apiFixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

type conversationResponse struct {
	Conversation dto.Conversation `json:"conversation"`
}

func TestCreateConversationStatusCodes(t *testing.T) {
	f := newFixture(t)
	body := map[string]string{"buyerId": "B1", "sellerId": "S1", "listingId": "L1"}

	w := f.do(t, http.MethodPost, "/conversations", body)
	require.Equal(t, http.StatusCreated, w.Code)
	first := decode[conversationResponse](t, w)

	w = f.do(t, http.MethodPost, "/api/conversations", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, first.Conversation.ID, decode[conversationResponse](t, w).Conversation.ID)

	w = f.do(t, http.MethodPost, "/conversations", map[string]string{"buyerId": "B1", "sellerId": "S1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/conversations", body, HeaderUserID, "X9")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSendListAndReadFlow(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/messages", map[string]string{
		"senderId": "S1", "counterpartId": "B1", "listingId": "L1", "sellerId": "S1", "buyerId": "B1", "content": "Is it still available?",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sent := decode[struct {
		Message        dto.Message `json:"message"`
		ConversationID string      `json:"conversationId"`
	}](t, w)
	assert.Equal(t, "B1", sent.Message.ReceiverID)

	w = f.do(t, http.MethodGet, "/conversations?userId=B1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[dto.ConversationList](t, w)
	require.Len(t, list.Conversations, 1)
	require.NotNil(t, list.Conversations[0].UnreadCount)
	assert.EqualValues(t, 1, *list.Conversations[0].UnreadCount)
	assert.Equal(t, "B1", list.Conversations[0].BuyerID)

	w = f.do(t, http.MethodGet, "/messages/"+sent.ConversationID+"?page=1&limit=30", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[dto.MessagePage](t, w)
	require.Len(t, page.Messages, 1)
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, 30, page.Limit)

	readBody := map[string]string{"conversationId": sent.ConversationID, "userId": "B1"}
	w = f.do(t, http.MethodPatch, "/messages/mark-read", readBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"modifiedCount":1}`, w.Body.String())

	w = f.do(t, http.MethodPatch, "/api/messages/mark-read", readBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"modifiedCount":0}`, w.Body.String())
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/conversations", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/messages/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/messages", map[string]string{"senderId": "B1", "counterpartId": "S1", "listingId": "L1", "content": " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "content must not be empty")

	w = f.do(t, http.MethodPatch, "/messages/mark-read", map[string]string{"conversationId": "c", "userId": "B1"}, HeaderUserID, "S1")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodGet, "/conversations?userId=B1", nil, HeaderUserID, "S1")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestMessagesRequireParticipantWhenIdentified(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/messages", map[string]string{"senderId": "B1", "counterpartId": "S1", "listingId": "L1", "content": "hi"})
	require.Equal(t, http.StatusCreated, w.Code)
	convID := decode[struct {
		ConversationID string `json:"conversationId"`
	}](t, w).ConversationID

	w = f.do(t, http.MethodGet, "/messages/"+convID, nil, HeaderUserID, "intruder")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(t, http.MethodGet, "/messages/"+convID, nil, HeaderUserID, "S1")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthRoutes(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "ok"))
}
