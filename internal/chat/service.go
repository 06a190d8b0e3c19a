package chat

import (
	"context"

	"tradechat/internal/access"
	"tradechat/internal/directory"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Notifier receives conversation events after they are committed. Implementations must
// not block; delivery is best effort.
type Notifier interface {
	MessageCreated(conv *models.Conversation, msg *models.Message)
	MessageDelivered(conv *models.Conversation, msg *models.Message)
	MessagesRead(conv *models.Conversation, reader models.Role, count int64)
}

type noopNotifier struct{}

func (noopNotifier) MessageCreated(*models.Conversation, *models.Message)   {}
func (noopNotifier) MessageDelivered(*models.Conversation, *models.Message) {}
func (noopNotifier) MessagesRead(*models.Conversation, models.Role, int64)  {}

// OpenResult is returned by OpenOrCreate.
type OpenResult struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Existed        bool      `json:"existed"`
}

// SendInput is the client supplied part of a message.
type SendInput struct {
	MessageType   models.MessageType `json:"message_type"`
	Content       string             `json:"content"`
	AttachmentURL *string            `json:"attachment_url,omitempty"`
}

// MessagePage is one page of a conversation for the requesting party.
type MessagePage struct {
	Messages   []*models.Message `json:"messages"`
	Total      int64             `json:"total"`
	HasMore    bool              `json:"has_more"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

// Service is the entry point for every conversation operation. Access is checked
// against current interest state on every call, including reads of an existing
// conversation.
type Service struct {
	gate     *access.Gate
	registry *Registry
	log      *MessageLog
	unread   *UnreadTracker
	dirs     directory.Directories
	notifier Notifier
	metrics  *utils.MetricsCollector
	logger   zerolog.Logger
}

func NewService(
	gate *access.Gate,
	registry *Registry,
	log *MessageLog,
	unread *UnreadTracker,
	dirs directory.Directories,
	metrics *utils.MetricsCollector,
	logger zerolog.Logger,
) *Service {
	return &Service{
		gate:     gate,
		registry: registry,
		log:      log,
		unread:   unread,
		dirs:     dirs,
		notifier: noopNotifier{},
		metrics:  metrics,
		logger:   logger.With().Str("component", "conversation_service").Logger(),
	}
}

// SetNotifier installs the receiver of committed events. A nil notifier disables events.
func (s *Service) SetNotifier(n Notifier) {
	if n == nil {
		n = noopNotifier{}
	}
	s.notifier = n
}

// retryRead runs an idempotent read and repeats it once after a transient store failure.
func retryRead[T any](s *Service, operation string, read func() (T, error)) (T, error) {
	result, err := read()
	if err != nil && utils.IsTransient(err) {
		s.metrics.IncrementRetries(operation)
		s.logger.Warn().Err(err).Str("operation", operation).Msg("retrying read after transient failure")
		result, err = read()
	}
	return result, err
}

func (s *Service) authorize(ctx context.Context, actor models.Actor, jobID, tradespersonID string) error {
	decision, err := s.gate.Authorize(ctx, actor, jobID, tradespersonID)
	if err != nil {
		return err
	}
	return decision.Err()
}

// OpenOrCreate returns the conversation for a job and tradesperson, creating it when the
// lead has been paid for.
func (s *Service) OpenOrCreate(ctx context.Context, actor models.Actor, jobID, tradespersonID string) (*OpenResult, error) {
	if jobID == "" {
		return nil, utils.NewValidationError("job id is required")
	}
	if tradespersonID == "" {
		if actor.Role != models.RoleTradesperson {
			return nil, utils.NewValidationError("tradesperson_id is required")
		}
		tradespersonID = actor.ID
	}

	if err := s.authorize(ctx, actor, jobID, tradespersonID); err != nil {
		return nil, err
	}

	existing, err := retryRead(s, "lookup_conversation", func() (*models.Conversation, error) {
		return s.registry.Lookup(ctx, jobID, tradespersonID)
	})
	if err == nil {
		return &OpenResult{ConversationID: existing.ID, Existed: true}, nil
	}
	if !utils.IsNotFound(err) {
		return nil, err
	}

	// Creation is only legal for a paid lead, whoever asks
	if actor.Role == models.RoleHomeowner {
		decision, err := s.gate.RequirePaid(ctx, jobID, tradespersonID)
		if err != nil {
			return nil, err
		}
		if err := decision.Err(); err != nil {
			return nil, err
		}
	}

	in, err := s.describe(ctx, jobID, tradespersonID)
	if err != nil {
		return nil, err
	}
	conv, existed, err := s.registry.GetOrCreate(ctx, in)
	if err != nil {
		return nil, err
	}
	return &OpenResult{ConversationID: conv.ID, Existed: existed}, nil
}

// describe gathers the names stored on a new conversation.
func (s *Service) describe(ctx context.Context, jobID, tradespersonID string) (NewConversation, error) {
	title, err := s.dirs.GetJobTitle(ctx, jobID)
	if err != nil {
		return NewConversation{}, err
	}
	homeownerID, err := s.dirs.GetHomeownerOf(ctx, jobID)
	if err != nil {
		return NewConversation{}, err
	}
	homeownerName, err := s.dirs.GetDisplayName(ctx, homeownerID)
	if err != nil && !utils.IsNotFound(err) {
		return NewConversation{}, err
	}
	tradespersonName, err := s.dirs.GetDisplayName(ctx, tradespersonID)
	if err != nil {
		return NewConversation{}, err
	}
	return NewConversation{
		JobID:            jobID,
		JobTitle:         title,
		HomeownerID:      homeownerID,
		HomeownerName:    homeownerName,
		TradespersonID:   tradespersonID,
		TradespersonName: tradespersonName,
	}, nil
}

// open loads a conversation and checks that actor is a participant with current access.
func (s *Service) open(ctx context.Context, actor models.Actor, conversationID uuid.UUID) (*models.Conversation, error) {
	conv, err := retryRead(s, "get_conversation", func() (*models.Conversation, error) {
		return s.registry.GetByID(ctx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	if role, ok := conv.RoleOf(actor.ID); !ok || role != actor.Role {
		return nil, utils.NewForbiddenError("you are not a participant in this conversation")
	}
	if err := s.authorize(ctx, actor, conv.JobID, conv.TradespersonID); err != nil {
		return nil, err
	}
	return conv, nil
}

// Send appends a message from actor. It is never retried here; a failed send may be
// retried by the caller.
func (s *Service) Send(ctx context.Context, actor models.Actor, conversationID uuid.UUID, in SendInput) (*models.Message, error) {
	conv, err := s.open(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}

	msg, err := s.log.Append(ctx, AppendInput{
		ConversationID: conv.ID,
		SenderID:       actor.ID,
		SenderName:     conv.PartyName(actor.Role),
		SenderType:     actor.Role,
		MessageType:    in.MessageType,
		Content:        in.Content,
		AttachmentURL:  in.AttachmentURL,
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementMessages(string(msg.SenderType), string(msg.MessageType))
	s.notifier.MessageCreated(conv, msg)
	return msg, nil
}

// FetchMessages returns a page of the conversation. Messages from the other party that
// were still sent are marked delivered on the way out.
func (s *Service) FetchMessages(ctx context.Context, actor models.Actor, conversationID uuid.UUID, cursor string, limit int) (*MessagePage, error) {
	conv, err := s.open(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}

	page, err := retryRead(s, "list_messages", func() (*Page, error) {
		return s.log.List(ctx, conv.ID, cursor, limit)
	})
	if err != nil {
		return nil, err
	}
	total, err := retryRead(s, "count_messages", func() (int64, error) {
		return s.log.Count(ctx, conv.ID)
	})
	if err != nil {
		return nil, err
	}

	s.markPageDelivered(ctx, conv, actor.Role, page.Messages)

	return &MessagePage{
		Messages:   page.Messages,
		Total:      total,
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	}, nil
}

// markPageDelivered marks the other party's sent messages in one batch. A failure only
// leaves them sent; the page is still returned.
func (s *Service) markPageDelivered(ctx context.Context, conv *models.Conversation, reader models.Role, messages []*models.Message) {
	pending := make(map[uuid.UUID]*models.Message)
	ids := make([]uuid.UUID, 0, len(messages))
	for _, msg := range messages {
		if msg.SenderType == reader || msg.Status != models.StatusSent {
			continue
		}
		pending[msg.ID] = msg
		ids = append(ids, msg.ID)
	}
	if len(ids) == 0 {
		return
	}

	changed, err := s.log.MarkDeliveredMany(ctx, ids)
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conv.ID.String()).Int("messages", len(ids)).Msg("failed to mark messages delivered")
		return
	}
	for _, id := range changed {
		msg := pending[id]
		if msg == nil {
			continue
		}
		msg.Status = models.StatusDelivered
		s.notifier.MessageDelivered(conv, msg)
	}
}

// ListMyConversations lists every conversation actor takes part in. It applies no
// payment gate.
func (s *Service) ListMyConversations(ctx context.Context, actor models.Actor) ([]models.ConversationSummary, error) {
	if !actor.Role.Valid() {
		return nil, utils.NewForbiddenError("unknown role")
	}
	return retryRead(s, "list_conversations", func() ([]models.ConversationSummary, error) {
		return s.registry.List(ctx, actor.ID, actor.Role)
	})
}

// MarkRead marks everything the other party sent as read and clears actor's counter.
func (s *Service) MarkRead(ctx context.Context, actor models.Actor, conversationID uuid.UUID) (int64, error) {
	conv, err := s.open(ctx, actor, conversationID)
	if err != nil {
		return 0, err
	}
	marked, err := s.log.MarkRead(ctx, conv.ID, actor.ID)
	if err != nil {
		return 0, err
	}
	if marked > 0 {
		s.notifier.MessagesRead(conv, actor.Role, marked)
	}
	return marked, nil
}

// MarkDelivered acknowledges receipt of one message from the other party.
func (s *Service) MarkDelivered(ctx context.Context, actor models.Actor, conversationID, messageID uuid.UUID) (bool, error) {
	conv, err := s.open(ctx, actor, conversationID)
	if err != nil {
		return false, err
	}
	msg, err := retryRead(s, "get_message", func() (*models.Message, error) {
		return s.log.Get(ctx, messageID)
	})
	if err != nil {
		return false, err
	}
	if msg.ConversationID != conv.ID {
		return false, utils.NewAppError(utils.ErrMessageNotFound, "message not found: "+messageID.String(), nil)
	}
	if msg.SenderType == actor.Role {
		return false, utils.NewForbiddenError("you cannot acknowledge your own message")
	}

	changed, err := s.log.MarkDelivered(ctx, msg.ID)
	if err != nil {
		return false, err
	}
	if changed {
		msg.Status = models.StatusDelivered
		s.notifier.MessageDelivered(conv, msg)
	}
	return changed, nil
}

// Reconcile repairs a conversation's unread counters from message state.
func (s *Service) Reconcile(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	return s.unread.Reconcile(ctx, conversationID)
}

// ReconcileReport summarizes a sweep over every conversation.
type ReconcileReport struct {
	Checked  int         `json:"checked"`
	Repaired []uuid.UUID `json:"repaired"`
}

// ReconcileAll runs Reconcile on every conversation. It stops at the first error and
// returns what it covered so far.
func (s *Service) ReconcileAll(ctx context.Context) (*ReconcileReport, error) {
	ids, err := s.registry.IDs(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{Repaired: []uuid.UUID{}}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		drifted, err := s.unread.Reconcile(ctx, id)
		if err != nil {
			return report, err
		}
		report.Checked++
		if drifted {
			report.Repaired = append(report.Repaired, id)
		}
	}
	s.logger.Info().Int("checked", report.Checked).Int("repaired", len(report.Repaired)).Msg("unread counters reconciled")
	return report, nil
}
