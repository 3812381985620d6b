package scylla

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gocql/gocql"

	"marketchat/internal/domain/chat"
)

// conversationClaims is the storage surface get-or-create coordinates over.
type conversationClaims interface {
	claimKey(ctx context.Context, key chat.Key, id gocql.UUID) (winner gocql.UUID, applied bool, err error)
	insertConversation(ctx context.Context, id gocql.UUID, conv chat.Conversation) error
	repairConversation(ctx context.Context, id gocql.UUID, conv chat.Conversation) error
	releaseKey(ctx context.Context, key chat.Key, id gocql.UUID) error
	get(ctx context.Context, id gocql.UUID) (chat.Conversation, error)
}

// getOrCreate keeps a claimed key and its conversation row together. A winner whose
// row insert fails gives the key back; a loser that finds a claim with no row
// recreates the row, since the key carries every field it needs.
func getOrCreate(ctx context.Context, c conversationClaims, key chat.Key, now time.Time, logger *slog.Logger) (chat.Conversation, bool, error) {
	id, applied, err := c.claimKey(ctx, key, gocql.TimeUUID())
	if err != nil {
		return chat.Conversation{}, false, chat.Persistence("claim conversation key", err)
	}
	conv := chat.Conversation{
		ID:        id.String(),
		BuyerID:   key.BuyerID,
		SellerID:  key.SellerID,
		ListingID: key.ListingID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if applied {
		if err := c.insertConversation(ctx, id, conv); err != nil {
			if rerr := c.releaseKey(context.WithoutCancel(ctx), key, id); rerr != nil {
				logger.Warn("release conversation key failed", "conversation_id", id.String(), "error", rerr)
			}
			return chat.Conversation{}, false, chat.Persistence("insert conversation", err)
		}
		return conv, true, nil
	}

	existing, err := awaitConversation(ctx, c.get, id)
	if !errors.Is(err, chat.ErrNotFound) {
		return existing, false, err
	}
	logger.Warn("conversation key claimed without row, repairing", "conversation_id", id.String(),
		"buyer_id", key.BuyerID, "seller_id", key.SellerID, "listing_id", key.ListingID)
	if err := c.repairConversation(ctx, id, conv); err != nil {
		return chat.Conversation{}, false, chat.Persistence("repair conversation", err)
	}
	existing, err = c.get(ctx, id)
	return existing, false, err
}

// awaitConversation covers the window between a winner's key claim and its row insert.
func awaitConversation(ctx context.Context, get func(context.Context, gocql.UUID) (chat.Conversation, error), id gocql.UUID) (chat.Conversation, error) {
	delay := 10 * time.Millisecond
	for attempt := 1; ; attempt++ {
		conv, err := get(ctx, id)
		if err == nil || !errors.Is(err, chat.ErrNotFound) || attempt >= lookupAttempts {
			return conv, err
		}
		select {
		case <-ctx.Done():
			return chat.Conversation{}, chat.Persistence("await conversation", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}
