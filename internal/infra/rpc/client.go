package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"marketchat/internal/app/dto"
)

// Config defines gRPC client settings.
type Config struct {
	Addr        string
	CallTimeout time.Duration
}

// Client wraps the MessagingService API.
type Client struct {
	conn        *grpc.ClientConn
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewClient creates a lazily connecting client. Extra options are appended to the defaults.
func NewClient(cfg Config, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("rpc: address required")
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(cfg.Addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("messaging grpc client ready", "addr", cfg.Addr)
	}
	return &Client{conn: conn, callTimeout: callTimeout, logger: logger}, nil
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) GetOrCreateConversation(ctx context.Context, buyerID, sellerID, listingID string) (dto.Conversation, error) {
	var resp ConversationResponse
	err := c.invoke(ctx, "GetOrCreateConversation", &GetOrCreateConversationRequest{BuyerID: buyerID, SellerID: sellerID, ListingID: listingID}, &resp)
	return resp.Conversation, err
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (dto.Conversation, error) {
	var resp ConversationResponse
	err := c.invoke(ctx, "GetConversation", &GetConversationRequest{ConversationID: conversationID}, &resp)
	return resp.Conversation, err
}

func (c *Client) ListConversations(ctx context.Context, userID string) ([]dto.Conversation, error) {
	var resp ListConversationsResponse
	if err := c.invoke(ctx, "ListConversations", &ListConversationsRequest{UserID: userID}, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (dto.Message, error) {
	var resp SendMessageResponse
	err := c.invoke(ctx, "SendMessage", &req, &resp)
	return resp.Message, err
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) (dto.MessagePage, error) {
	var resp dto.MessagePage
	err := c.invoke(ctx, "ListMessages", &ListMessagesRequest{ConversationID: conversationID, Page: page, Limit: limit}, &resp)
	return resp, err
}

func (c *Client) MarkRead(ctx context.Context, conversationID, userID string) (int64, error) {
	var resp MarkReadResponse
	err := c.invoke(ctx, "MarkRead", &MarkReadRequest{ConversationID: conversationID, UserID: userID}, &resp)
	return resp.ModifiedCount, err
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	return c.conn.Invoke(callCtx, "/"+ServiceName+"/"+method, req, resp)
}
