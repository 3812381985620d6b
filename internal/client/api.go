package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketchat/internal/app/dto"
	"marketchat/internal/infra/ws"
)

// APIClient calls the HTTP surface. It doubles as a Transport through POST /messages.
type APIClient struct {
	BaseURL string
	UserID  string
	HTTP    *http.Client
}

func NewAPIClient(baseURL, userID string) *APIClient {
	return &APIClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		UserID:  userID,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

func (c *APIClient) GetOrCreateConversation(ctx context.Context, buyerID, sellerID, listingID string) (dto.Conversation, error) {
	var resp struct {
		Conversation dto.Conversation `json:"conversation"`
	}
	body := map[string]string{"buyerId": buyerID, "sellerId": sellerID, "listingId": listingID}
	err := c.do(ctx, http.MethodPost, "/conversations", body, &resp)
	return resp.Conversation, err
}

func (c *APIClient) ListConversations(ctx context.Context, userID string) ([]dto.Conversation, error) {
	var resp dto.ConversationList
	if err := c.do(ctx, http.MethodGet, "/conversations?userId="+url.QueryEscape(userID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (c *APIClient) ListMessages(ctx context.Context, conversationID string, page, limit int) (dto.MessagePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var resp dto.MessagePage
	err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(conversationID)+"?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *APIClient) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	var resp struct {
		ModifiedCount int64 `json:"modifiedCount"`
	}
	body := map[string]string{"conversationId": conversationID, "userId": userID}
	err := c.do(ctx, http.MethodPatch, "/messages/mark-read", body, &resp)
	return resp.ModifiedCount, err
}

// Submit posts the message and returns the persisted copy.
func (c *APIClient) Submit(ctx context.Context, out Outgoing) (*dto.Message, error) {
	var resp struct {
		Message        dto.Message `json:"message"`
		ConversationID string      `json:"conversationId"`
	}
	body := map[string]string{
		"conversationId": out.ConversationID,
		"senderId":       out.SenderID,
		"counterpartId":  out.CounterpartID,
		"listingId":      out.ListingID,
		"content":        out.Content,
	}
	if err := c.do(ctx, http.MethodPost, "/messages", body, &resp); err != nil {
		return nil, err
	}
	if resp.Message.ConversationID == "" {
		resp.Message.ConversationID = resp.ConversationID
	}
	return &resp.Message, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserID != "" {
		req.Header.Set(ws.HeaderUserID, c.UserID)
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &HTTPError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var (
	_ API       = (*APIClient)(nil)
	_ Transport = (*APIClient)(nil)
	_ Transport = (*WSTransport)(nil)
)
