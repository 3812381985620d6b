package rpc

import "marketchat/internal/app/dto"

type GetOrCreateConversationRequest struct {
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`
	ListingID string `json:"listingId"`
}

type GetConversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type ConversationResponse struct {
	Conversation dto.Conversation `json:"conversation"`
	Created      bool             `json:"created,omitempty"`
}

type ListConversationsRequest struct {
	UserID string `json:"userId"`
}

type ListConversationsResponse struct {
	Conversations []dto.Conversation `json:"conversations"`
}

type SendMessageRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	SenderID       string `json:"senderId"`
	CounterpartID  string `json:"counterpartId,omitempty"`
	ListingID      string `json:"listingId,omitempty"`
	BuyerID        string `json:"buyerId,omitempty"`
	SellerID       string `json:"sellerId,omitempty"`
	Content        string `json:"content"`
	ClientID       string `json:"clientId,omitempty"`
}

type SendMessageResponse struct {
	Message        dto.Message `json:"message"`
	ConversationID string      `json:"conversationId"`
}

type ListMessagesRequest struct {
	ConversationID string `json:"conversationId"`
	Page           int    `json:"page"`
	Limit          int    `json:"limit"`
}

type MarkReadRequest struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type MarkReadResponse struct {
	ModifiedCount int64 `json:"modifiedCount"`
}
