package relay

import (
	"context"

	"chatrelay/internal/models"
	"chatrelay/internal/protocol"
)

// Gateway is the persistence contract the relay depends on. The store is
// authoritative for identities, memberships and message ids.
type Gateway interface {
	VerifyIdentity(ctx context.Context, id protocol.Identity) (bool, error)
	MembershipsOf(ctx context.Context, id protocol.Identity) ([]uint, error)
	IsMember(ctx context.Context, id protocol.Identity, conversationID uint) (bool, error)
	AppendMessage(ctx context.Context, conversationID uint, sender protocol.Identity, content string) (models.Message, error)
	HistorySince(ctx context.Context, conversationID, sinceID uint, limit int) ([]models.Message, error)
}

// NewMessageFrom converts a stored message into its wire form.
func NewMessageFrom(m models.Message) protocol.NewMessage {
	return protocol.NewMessage{
		ConversationID: m.ConversationID,
		ID:             m.ID,
		Sender:         protocol.Identity{Role: protocol.Role(m.SenderRole), ID: m.SenderID},
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}
