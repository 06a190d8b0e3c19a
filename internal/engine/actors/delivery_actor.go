package actors

import (
	stdctx "context"
	"encoding/json"
	"time"

	"tradechat/internal/access"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types pushed to connected parties.
const (
	EventMessageCreated   = "message.created"
	EventMessageDelivered = "message.delivered"
	EventMessagesRead     = "messages.read"
)

// Pusher sends a payload to every live connection of a user and reports how many took it.
type Pusher interface {
	SendDirectMessage(userID string, payload []byte) int
}

// DeliveryRecorder records that a message reached its recipient.
type DeliveryRecorder interface {
	MarkDelivered(ctx stdctx.Context, messageID uuid.UUID) (bool, error)
}

// RecipientAuthorizer re-checks a recipient's access before message content is pushed.
type RecipientAuthorizer interface {
	Authorize(ctx stdctx.Context, actor models.Actor, jobID, tradespersonID string) (access.Decision, error)
}

// Message types for DeliveryActor
type (
	MessageCreatedMsg struct {
		Conversation *models.Conversation
		Message      *models.Message
	}

	MessageDeliveredMsg struct {
		Conversation *models.Conversation
		Message      *models.Message
	}

	MessagesReadMsg struct {
		Conversation *models.Conversation
		Reader       models.Role
		Count        int64
	}

	GetDeliveryStatsMsg struct{}
)

// Event is the JSON frame written to websocket clients.
type Event struct {
	Type           string          `json:"type"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	JobID          string          `json:"job_id"`
	Message        *models.Message `json:"message,omitempty"`
	Reader         models.Role     `json:"reader,omitempty"`
	Count          int64           `json:"count,omitempty"`
}

// DeliveryStats counts what the actor has pushed since it started.
type DeliveryStats struct {
	Pushed          int64 `json:"pushed"`
	Offline         int64 `json:"offline"`
	MarkedDelivered int64 `json:"marked_delivered"`
	Withheld        int64 `json:"withheld"`
}

// DeliveryActor fans committed conversation events out to connected parties. When a new
// message reaches at least one of the recipient's connections it is marked delivered and
// the sender receives a receipt. A recipient who no longer passes the access gate gets
// nothing and the message stays sent.
type DeliveryActor struct {
	pusher     Pusher
	recorder   DeliveryRecorder
	authorizer RecipientAuthorizer
	metrics    *utils.MetricsCollector
	logger     zerolog.Logger
	stats      DeliveryStats
}

func NewDeliveryActor(pusher Pusher, recorder DeliveryRecorder, authorizer RecipientAuthorizer, metrics *utils.MetricsCollector, logger zerolog.Logger) actor.Actor {
	return &DeliveryActor{
		pusher:     pusher,
		recorder:   recorder,
		authorizer: authorizer,
		metrics:    metrics,
		logger:   logger.With().Str("component", "delivery_actor").Logger(),
	}
}

func (a *DeliveryActor) Receive(context actor.Context) {
	switch msg := context.Message().(type) {
	case *MessageCreatedMsg:
		a.handleMessageCreated(msg)
	case *MessageDeliveredMsg:
		a.push(EventMessageDelivered, msg.Conversation.PartyID(msg.Message.SenderType), Event{
			Type:           EventMessageDelivered,
			ConversationID: msg.Conversation.ID,
			JobID:          msg.Conversation.JobID,
			Message:        msg.Message,
		})
	case *MessagesReadMsg:
		a.push(EventMessagesRead, msg.Conversation.PartyID(msg.Reader.Other()), Event{
			Type:           EventMessagesRead,
			ConversationID: msg.Conversation.ID,
			JobID:          msg.Conversation.JobID,
			Reader:         msg.Reader,
			Count:          msg.Count,
		})
	case *GetDeliveryStatsMsg:
		stats := a.stats
		context.Respond(&stats)
	}
}

func (a *DeliveryActor) handleMessageCreated(msg *MessageCreatedMsg) {
	conv, message := msg.Conversation, msg.Message
	role := message.SenderType.Other()
	recipient := conv.PartyID(role)

	ctx, cancel := stdctx.WithTimeout(stdctx.Background(), 5*time.Second)
	defer cancel()

	if !a.recipientAllowed(ctx, models.Actor{ID: recipient, Role: role}, conv, message) {
		a.stats.Withheld++
		a.metrics.IncrementWithheld(EventMessageCreated)
		return
	}

	pushed := a.push(EventMessageCreated, recipient, Event{
		Type:           EventMessageCreated,
		ConversationID: conv.ID,
		JobID:          conv.JobID,
		Message:        message,
	})
	if !pushed || a.recorder == nil {
		return
	}

	changed, err := a.recorder.MarkDelivered(ctx, message.ID)
	if err != nil {
		a.logger.Warn().Err(err).Str("message_id", message.ID.String()).Msg("failed to mark pushed message delivered")
		return
	}
	if !changed {
		return
	}
	a.stats.MarkedDelivered++

	receipt := *message
	receipt.Status = models.StatusDelivered
	a.push(EventMessageDelivered, conv.PartyID(message.SenderType), Event{
		Type:           EventMessageDelivered,
		ConversationID: conv.ID,
		JobID:          conv.JobID,
		Message:        &receipt,
	})
}

// recipientAllowed reports whether the recipient still passes the access gate. A check
// that cannot be made counts as a denial.
func (a *DeliveryActor) recipientAllowed(ctx stdctx.Context, recipient models.Actor, conv *models.Conversation, message *models.Message) bool {
	decision, err := a.authorizer.Authorize(ctx, recipient, conv.JobID, conv.TradespersonID)
	if err != nil {
		a.logger.Warn().Err(err).
			Str("message_id", message.ID.String()).
			Str("user_id", recipient.ID).
			Msg("could not re-check recipient access, withholding push")
		return false
	}
	if !decision.Allowed {
		a.logger.Info().
			Str("message_id", message.ID.String()).
			Str("user_id", recipient.ID).
			Str("reason", decision.Reason).
			Msg("recipient lost access, withholding push")
		return false
	}
	return true
}

func (a *DeliveryActor) push(kind, userID string, event Event) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		a.logger.Error().Err(err).Str("type", kind).Msg("failed to encode event")
		return false
	}

	delivered := a.pusher.SendDirectMessage(userID, payload) > 0
	if delivered {
		a.stats.Pushed++
	} else {
		a.stats.Offline++
	}
	a.metrics.IncrementDeliveries(kind, delivered)
	a.logger.Debug().Str("type", kind).Str("user_id", userID).Bool("delivered", delivered).Msg("event pushed")
	return delivered
}
