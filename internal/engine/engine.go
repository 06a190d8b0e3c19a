// Package engine runs the actors that deliver conversation events outside the request path.
package engine

import (
	"time"

	"tradechat/internal/engine/actors"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/rs/zerolog"
)

// Engine owns the delivery actor and implements the conversation service's notifier.
// Events are sent fire-and-forget so a slow connection never delays a request.
type Engine struct {
	system      *actor.ActorSystem
	deliveryPID *actor.PID
	logger      zerolog.Logger
}

// NewEngine spawns the delivery actor. The authorizer is consulted for every new message
// before its content is pushed to the recipient.
func NewEngine(system *actor.ActorSystem, pusher actors.Pusher, recorder actors.DeliveryRecorder, authorizer actors.RecipientAuthorizer, metrics *utils.MetricsCollector, logger zerolog.Logger) *Engine {
	props := actor.PropsFromProducer(func() actor.Actor {
		return actors.NewDeliveryActor(pusher, recorder, authorizer, metrics, logger)
	})
	return &Engine{
		system:      system,
		deliveryPID: system.Root.Spawn(props),
		logger:      logger,
	}
}

func (e *Engine) MessageCreated(conv *models.Conversation, msg *models.Message) {
	e.system.Root.Send(e.deliveryPID, &actors.MessageCreatedMsg{Conversation: conv, Message: msg})
}

func (e *Engine) MessageDelivered(conv *models.Conversation, msg *models.Message) {
	e.system.Root.Send(e.deliveryPID, &actors.MessageDeliveredMsg{Conversation: conv, Message: msg})
}

func (e *Engine) MessagesRead(conv *models.Conversation, reader models.Role, count int64) {
	e.system.Root.Send(e.deliveryPID, &actors.MessagesReadMsg{Conversation: conv, Reader: reader, Count: count})
}

// Stats asks the delivery actor for its counters. Events sent before the call are
// processed first.
func (e *Engine) Stats(timeout time.Duration) (*actors.DeliveryStats, error) {
	future := e.system.Root.RequestFuture(e.deliveryPID, &actors.GetDeliveryStatsMsg{}, timeout)
	result, err := future.Result()
	if err != nil {
		return nil, utils.NewAppError(utils.ErrActorTimeout, "delivery actor did not respond", err)
	}
	stats, ok := result.(*actors.DeliveryStats)
	if !ok {
		return nil, utils.NewAppError(utils.ErrActorTimeout, "unexpected delivery actor response", nil)
	}
	return stats, nil
}

// Stop drains the delivery actor's mailbox and stops it.
func (e *Engine) Stop() {
	if err := e.system.Root.PoisonFuture(e.deliveryPID).Wait(); err != nil {
		e.logger.Warn().Err(err).Msg("delivery actor did not stop cleanly")
	}
}
