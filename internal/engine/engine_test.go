package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"tradechat/internal/access"
	"tradechat/internal/engine/actors"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePusher struct {
	mu     sync.Mutex
	online map[string]bool
	pushed map[string][]actors.Event
}

func (p *fakePusher) SendDirectMessage(userID string, payload []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online[userID] {
		return 0
	}
	var event actors.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return 0
	}
	p.pushed[userID] = append(p.pushed[userID], event)
	return 1
}

func (p *fakePusher) events(userID string) []actors.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]actors.Event(nil), p.pushed[userID]...)
}

type fakeRecorder struct {
	mu        sync.Mutex
	delivered map[uuid.UUID]bool
}

func (r *fakeRecorder) MarkDelivered(ctx context.Context, messageID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.delivered[messageID] {
		return false, nil
	}
	r.delivered[messageID] = true
	return true, nil
}

// fakeAuthorizer denies the listed users and fails checks for the ones in broken.
type fakeAuthorizer struct {
	mu     sync.Mutex
	denied map[string]bool
	broken map[string]bool
}

func (a *fakeAuthorizer) Authorize(ctx context.Context, actor models.Actor, jobID, tradespersonID string) (access.Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.broken[actor.ID] {
		return access.Decision{}, errors.New("directory unavailable")
	}
	if a.denied[actor.ID] {
		return access.Decision{Reason: access.ReasonNotPaid, Detail: "interest status is \"cancelled\""}, nil
	}
	return access.Decision{Allowed: true}, nil
}

func newTestEngine(online ...string) (*Engine, *fakePusher, *fakeRecorder, *fakeAuthorizer) {
	pusher := &fakePusher{online: map[string]bool{}, pushed: map[string][]actors.Event{}}
	for _, id := range online {
		pusher.online[id] = true
	}
	recorder := &fakeRecorder{delivered: map[uuid.UUID]bool{}}
	authorizer := &fakeAuthorizer{denied: map[string]bool{}, broken: map[string]bool{}}
	e := NewEngine(actor.NewActorSystem(), pusher, recorder, authorizer, utils.NewMetricsCollector(), zerolog.Nop())
	return e, pusher, recorder, authorizer
}

func testConversation() *models.Conversation {
	return &models.Conversation{
		ID:             uuid.New(),
		JobID:          "job-1",
		HomeownerID:    "home-1",
		TradespersonID: "trade-1",
	}
}

func TestMessageToOnlineRecipientIsMarkedDelivered(t *testing.T) {
	e, pusher, recorder, _ := newTestEngine("home-1", "trade-1")
	defer e.Stop()

	conv := testConversation()
	msg := &models.Message{ID: uuid.New(), ConversationID: conv.ID, SenderType: models.RoleHomeowner, Status: models.StatusSent}
	e.MessageCreated(conv, msg)

	stats, err := e.Stats(time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.MarkedDelivered)
	assert.True(t, recorder.delivered[msg.ID])

	toTrade := pusher.events("trade-1")
	require.Len(t, toTrade, 1)
	assert.Equal(t, actors.EventMessageCreated, toTrade[0].Type)
	assert.Equal(t, msg.ID, toTrade[0].Message.ID)

	// The sender gets a receipt
	toHome := pusher.events("home-1")
	require.Len(t, toHome, 1)
	assert.Equal(t, actors.EventMessageDelivered, toHome[0].Type)
	assert.Equal(t, models.StatusDelivered, toHome[0].Message.Status)
}

func TestMessageToOfflineRecipientStaysSent(t *testing.T) {
	e, pusher, recorder, _ := newTestEngine("home-1")
	defer e.Stop()

	conv := testConversation()
	msg := &models.Message{ID: uuid.New(), ConversationID: conv.ID, SenderType: models.RoleHomeowner, Status: models.StatusSent}
	e.MessageCreated(conv, msg)

	stats, err := e.Stats(time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Offline)
	assert.Equal(t, int64(0), stats.MarkedDelivered)
	assert.False(t, recorder.delivered[msg.ID])
	assert.Empty(t, pusher.events("home-1"))
}

func TestReadReceiptGoesToOtherParty(t *testing.T) {
	e, pusher, _, _ := newTestEngine("home-1", "trade-1")
	defer e.Stop()

	conv := testConversation()
	e.MessagesRead(conv, models.RoleTradesperson, 3)

	_, err := e.Stats(time.Second)
	require.NoError(t, err)

	toHome := pusher.events("home-1")
	require.Len(t, toHome, 1)
	assert.Equal(t, actors.EventMessagesRead, toHome[0].Type)
	assert.Equal(t, models.RoleTradesperson, toHome[0].Reader)
	assert.Equal(t, int64(3), toHome[0].Count)
	assert.Empty(t, pusher.events("trade-1"))
}

func TestMessageWithheldFromRevokedRecipient(t *testing.T) {
	tests := []struct {
		name  string
		setup func(a *fakeAuthorizer)
	}{
		{"access revoked", func(a *fakeAuthorizer) { a.denied["trade-1"] = true }},
		{"check failed", func(a *fakeAuthorizer) { a.broken["trade-1"] = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, pusher, recorder, authorizer := newTestEngine("home-1", "trade-1")
			defer e.Stop()
			tt.setup(authorizer)

			conv := testConversation()
			msg := &models.Message{ID: uuid.New(), ConversationID: conv.ID, SenderType: models.RoleHomeowner, Content: "secret address 12 Elm St", Status: models.StatusSent}
			e.MessageCreated(conv, msg)

			stats, err := e.Stats(time.Second)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Withheld)
			assert.Zero(t, stats.Pushed)
			assert.Zero(t, stats.MarkedDelivered)
			assert.False(t, recorder.delivered[msg.ID])
			assert.Empty(t, pusher.events("trade-1"))
			assert.Empty(t, pusher.events("home-1"), "no receipt for a withheld message")
		})
	}
}
