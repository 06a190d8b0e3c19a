// Package chat implements job conversations: the registry that keeps one conversation
// per (job, tradesperson) pair, the message log, unread counters and the service façade
// that gates every operation on access.
package chat

import (
	"context"
	"time"

	"tradechat/internal/database"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NewConversation carries the denormalized fields stored on creation.
type NewConversation struct {
	JobID            string
	JobTitle         string
	HomeownerID      string
	HomeownerName    string
	TradespersonID   string
	TradespersonName string
}

// Registry owns conversation identity. Uniqueness of (job, tradesperson) is enforced by
// the store; the registry resolves a lost creation race into a lookup.
type Registry struct {
	store   database.Store
	metrics *utils.MetricsCollector
	logger  zerolog.Logger
}

func NewRegistry(store database.Store, metrics *utils.MetricsCollector, logger zerolog.Logger) *Registry {
	return &Registry{
		store:   store,
		metrics: metrics,
		logger:  logger.With().Str("component", "conversation_registry").Logger(),
	}
}

// Lookup returns the conversation for a pair, or CONVERSATION_NOT_FOUND.
func (r *Registry) Lookup(ctx context.Context, jobID, tradespersonID string) (*models.Conversation, error) {
	return r.store.GetConversationByPair(ctx, jobID, tradespersonID)
}

// GetOrCreate returns the conversation for the pair, creating it if needed. existed is
// false only for the call whose insert won.
func (r *Registry) GetOrCreate(ctx context.Context, in NewConversation) (conv *models.Conversation, existed bool, err error) {
	conv, err = r.store.GetConversationByPair(ctx, in.JobID, in.TradespersonID)
	if err == nil {
		return conv, true, nil
	}
	if !utils.IsNotFound(err) {
		return nil, false, err
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	conv = &models.Conversation{
		ID:               uuid.New(),
		JobID:            in.JobID,
		JobTitle:         in.JobTitle,
		HomeownerID:      in.HomeownerID,
		HomeownerName:    in.HomeownerName,
		TradespersonID:   in.TradespersonID,
		TradespersonName: in.TradespersonName,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = r.store.InsertConversation(ctx, conv)
	switch {
	case err == nil:
		r.metrics.IncrementConversations()
		r.logger.Info().
			Str("conversation_id", conv.ID.String()).
			Str("job_id", in.JobID).
			Str("tradesperson_id", in.TradespersonID).
			Msg("conversation created")
		return conv, false, nil
	case utils.IsErrorCode(err, utils.ErrDuplicate):
		// Another request created it first
		r.metrics.IncrementRegistryRaces()
		r.logger.Debug().Str("job_id", in.JobID).Str("tradesperson_id", in.TradespersonID).Msg("lost conversation create race")
		conv, err = r.store.GetConversationByPair(ctx, in.JobID, in.TradespersonID)
		if err != nil {
			return nil, false, err
		}
		return conv, true, nil
	default:
		return nil, false, err
	}
}

// IDs lists every conversation.
func (r *Registry) IDs(ctx context.Context) ([]uuid.UUID, error) {
	return r.store.ConversationIDs(ctx)
}

// List returns a party's conversations as seen from role, most recent activity first.
func (r *Registry) List(ctx context.Context, partyID string, role models.Role) ([]models.ConversationSummary, error) {
	conversations, err := r.store.ListConversations(ctx, partyID, role)
	if err != nil {
		return nil, err
	}
	summaries := make([]models.ConversationSummary, 0, len(conversations))
	for _, conv := range conversations {
		summaries = append(summaries, conv.Summary(role))
	}
	return summaries, nil
}

func (r *Registry) GetByID(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	return r.store.GetConversation(ctx, id)
}
