package chat

import (
	"context"

	"tradechat/internal/database"
	"tradechat/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// UnreadTracker maintains the per-party unread counters. Increment and Reset only run
// inside a caller's transaction so counters always match message state.
type UnreadTracker struct {
	store  database.Store
	logger zerolog.Logger
}

func NewUnreadTracker(store database.Store, logger zerolog.Logger) *UnreadTracker {
	return &UnreadTracker{
		store:  store,
		logger: logger.With().Str("component", "unread_tracker").Logger(),
	}
}

func (u *UnreadTracker) Increment(ctx context.Context, tx database.Tx, conversationID uuid.UUID, recipient models.Role) error {
	return tx.IncrementUnread(ctx, conversationID, recipient)
}

func (u *UnreadTracker) Reset(ctx context.Context, tx database.Tx, conversationID uuid.UUID, reader models.Role) error {
	return tx.ResetUnread(ctx, conversationID, reader)
}

// Reconcile recomputes both counters from message state and reports whether either
// had drifted.
func (u *UnreadTracker) Reconcile(ctx context.Context, conversationID uuid.UUID) (drifted bool, err error) {
	err = u.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		drifted = false
		conv, err := tx.LockConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		for _, role := range []models.Role{models.RoleHomeowner, models.RoleTradesperson} {
			actual, err := tx.CountUnread(ctx, conversationID, role.Other())
			if err != nil {
				return err
			}
			if stored := conv.UnreadFor(role); stored != actual {
				drifted = true
				u.logger.Warn().
					Str("conversation_id", conversationID.String()).
					Str("role", string(role)).
					Int("stored", stored).
					Int("actual", actual).
					Msg("unread counter drift repaired")
				if err := tx.SetUnread(ctx, conversationID, role, actual); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return drifted, err
}
