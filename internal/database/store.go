package database

import (
	"context"
	"time"

	"tradechat/internal/models"

	"github.com/google/uuid"
)

// Store is the persistence contract behind the conversation registry and message log.
// PostgresDB, MongoDB and MemoryDB implement it; they also implement the marketplace
// lookups in the directory package.
type Store interface {
	// Connection
	Close(ctx context.Context) error

	// Conversation methods
	InsertConversation(ctx context.Context, conv *models.Conversation) error // DUPLICATE on (job_id, tradesperson_id)
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	GetConversationByPair(ctx context.Context, jobID, tradespersonID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, partyID string, role models.Role) ([]*models.Conversation, error)

	// Message methods
	GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, afterSeq int64, limit int) ([]*models.Message, error)
	CountMessages(ctx context.Context, conversationID uuid.UUID) (int64, error)
	AdvanceMessageStatus(ctx context.Context, messageID uuid.UUID, to models.MessageStatus) (bool, error)
	// AdvanceMessageStatuses is the batch form of AdvanceMessageStatus. It returns the IDs
	// that changed; unknown IDs and no-op transitions are skipped.
	AdvanceMessageStatuses(ctx context.Context, messageIDs []uuid.UUID, to models.MessageStatus) ([]uuid.UUID, error)

	// ConversationIDs lists every conversation, for maintenance sweeps.
	ConversationIDs(ctx context.Context) ([]uuid.UUID, error)

	// InTx runs fn in a single transaction. Nothing fn wrote is visible to other callers
	// unless fn returns nil and the context is still live at commit.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of writes that must land together with a message append or read mark.
// Implementations must not be used after InTx returns.
type Tx interface {
	// LockConversation reads the conversation and serializes further Tx work on it.
	LockConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	ReserveMessageSeq(ctx context.Context, conversationID uuid.UUID) (int64, error)
	InsertMessage(ctx context.Context, msg *models.Message) error
	SetLastMessage(ctx context.Context, conversationID uuid.UUID, preview string, at time.Time) error

	IncrementUnread(ctx context.Context, conversationID uuid.UUID, role models.Role) error
	ResetUnread(ctx context.Context, conversationID uuid.UUID, role models.Role) error
	SetUnread(ctx context.Context, conversationID uuid.UUID, role models.Role, count int) error

	// MarkMessagesRead moves every message authored by authorRole that is not yet read to read.
	MarkMessagesRead(ctx context.Context, conversationID uuid.UUID, authorRole models.Role, at time.Time) (int64, error)
	// CountUnread counts messages authored by authorRole that are not read.
	CountUnread(ctx context.Context, conversationID uuid.UUID, authorRole models.Role) (int, error)
}

// advanceableFrom lists the statuses that may move forward to to.
func advanceableFrom(to models.MessageStatus) []models.MessageStatus {
	var from []models.MessageStatus
	for _, s := range []models.MessageStatus{models.StatusSent, models.StatusDelivered} {
		if s.CanAdvanceTo(to) {
			from = append(from, s)
		}
	}
	return from
}

func unreadColumn(role models.Role) string {
	if role == models.RoleHomeowner {
		return "unread_count_homeowner"
	}
	return "unread_count_tradesperson"
}
