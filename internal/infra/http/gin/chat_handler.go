package ginserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gin "github.com/gin-gonic/gin"

	"marketchat/internal/app/dto"
	"marketchat/internal/app/messaging"
	"marketchat/internal/domain/chat"
)

// ChatHandler exposes the messaging service over REST.
type ChatHandler struct {
	Service *messaging.Service
	Logger  *slog.Logger
}

type createConversationRequest struct {
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`
	ListingID string `json:"listingId"`
}

// CreateConversation returns 201 for a new conversation and 200 for an existing one.
func (h ChatHandler) CreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.actAsParticipant(c, req.BuyerID, req.SellerID); err != nil {
		h.respondError(c, err, "create conversation")
		return
	}
	conv, created, err := h.Service.GetOrCreateConversation(c.Request.Context(), req.BuyerID, req.SellerID, req.ListingID)
	if err != nil {
		h.respondError(c, err, "create conversation", "listing_id", req.ListingID)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, gin.H{"conversation": dto.FromConversation(conv)})
}

// ListConversations returns the user's conversations with unread counts.
func (h ChatHandler) ListConversations(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("userId"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	if err := actAs(c, userID); err != nil {
		h.respondError(c, err, "list conversations")
		return
	}
	summaries, err := h.Service.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err, "list conversations", "user_id", userID)
		return
	}
	out := dto.ConversationList{Conversations: make([]dto.Conversation, 0, len(summaries))}
	for _, s := range summaries {
		out.Conversations = append(out.Conversations, dto.FromConversation(s.Conversation).WithUnread(s.Unread))
	}
	c.JSON(http.StatusOK, out)
}

// ListMessages returns one page of history, oldest first.
func (h ChatHandler) ListMessages(c *gin.Context) {
	conversationID := strings.TrimSpace(c.Param("conversationId"))
	page := parseIntQuery(c.Query("page"), 1)
	limit := parseIntQuery(c.Query("limit"), chat.DefaultPageSize)

	if identity := c.GetString(identityKey); identity != "" {
		conv, err := h.Service.Conversation(c.Request.Context(), conversationID)
		if err != nil {
			h.respondError(c, err, "list messages", "conversation_id", conversationID)
			return
		}
		if !conv.HasParticipant(identity) {
			h.respondError(c, messaging.ErrForbidden, "list messages", "conversation_id", conversationID)
			return
		}
	}
	p, err := h.Service.History(c.Request.Context(), conversationID, page, limit)
	if err != nil {
		h.respondError(c, err, "list messages", "conversation_id", conversationID)
		return
	}
	c.JSON(http.StatusOK, dto.FromPage(p))
}

type markReadRequest struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// MarkRead flips the counterpart's messages to read; a receipt is broadcast when any changed.
func (h ChatHandler) MarkRead(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := actAs(c, req.UserID); err != nil {
		h.respondError(c, err, "mark read")
		return
	}
	n, err := h.Service.MarkRead(c.Request.Context(), req.ConversationID, req.UserID)
	if err != nil {
		h.respondError(c, err, "mark read", "conversation_id", req.ConversationID, "user_id", req.UserID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "modifiedCount": n})
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	CounterpartID  string `json:"counterpartId"`
	ListingID      string `json:"listingId"`
	BuyerID        string `json:"buyerId"`
	SellerID       string `json:"sellerId"`
	Content        string `json:"content"`
	ClientID       string `json:"clientId"`
}

// SendMessage is the HTTP fallback for message:send. It broadcasts like the websocket path.
func (h ChatHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := actAs(c, req.SenderID); err != nil {
		h.respondError(c, err, "send message")
		return
	}
	res, err := h.Service.Send(c.Request.Context(), messaging.SendInput{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		CounterpartID:  req.CounterpartID,
		ListingID:      req.ListingID,
		BuyerID:        req.BuyerID,
		SellerID:       req.SellerID,
		Content:        req.Content,
		ClientID:       req.ClientID,
	})
	if err != nil {
		h.respondError(c, err, "send message", "conversation_id", req.ConversationID, "sender_id", req.SenderID)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message":        dto.FromMessage(res.Message),
		"conversationId": res.Conversation.ID,
	})
}

func (h ChatHandler) actAsParticipant(c *gin.Context, buyerID, sellerID string) error {
	identity := c.GetString(identityKey)
	if identity == "" {
		return nil
	}
	if identity != strings.TrimSpace(buyerID) && identity != strings.TrimSpace(sellerID) {
		return messaging.ErrForbidden
	}
	return nil
}

func (h ChatHandler) respondError(c *gin.Context, err error, action string, attrs ...any) {
	switch {
	case errors.Is(err, messaging.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, chat.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": chat.Reason(err)})
	case errors.Is(err, chat.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": chat.Reason(err)})
	default:
		if h.Logger != nil {
			h.Logger.Error("chat request failed", append([]any{"action", action, "error", err}, attrs...)...)
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "messaging unavailable"})
	}
}

func parseIntQuery(raw string, def int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return value
}

var _ ChatHTTP = ChatHandler{}
