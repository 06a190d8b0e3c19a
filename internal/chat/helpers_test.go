package chat

import (
	"context"
	"sync/atomic"
	"testing"

	"tradechat/internal/access"
	"tradechat/internal/database"
	"tradechat/internal/directory"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	homeowner    = models.Actor{ID: "home-1", Role: models.RoleHomeowner}
	tradesperson = models.Actor{ID: "trade-1", Role: models.RoleTradesperson}
	unpaidTrade  = models.Actor{ID: "trade-2", Role: models.RoleTradesperson}
)

// flakyStore injects failures into a MemoryDB.
type flakyStore struct {
	*database.MemoryDB

	failGets      int32 // GetConversation calls that fail with a transient error
	staleLookups  int32 // GetConversationByPair calls that report not found
	failIncrement atomic.Bool

	singleAdvances atomic.Int32 // AdvanceMessageStatus calls
	batchAdvances  atomic.Int32 // AdvanceMessageStatuses calls
}

func (f *flakyStore) AdvanceMessageStatus(ctx context.Context, messageID uuid.UUID, to models.MessageStatus) (bool, error) {
	f.singleAdvances.Add(1)
	return f.MemoryDB.AdvanceMessageStatus(ctx, messageID, to)
}

func (f *flakyStore) AdvanceMessageStatuses(ctx context.Context, messageIDs []uuid.UUID, to models.MessageStatus) ([]uuid.UUID, error) {
	f.batchAdvances.Add(1)
	return f.MemoryDB.AdvanceMessageStatuses(ctx, messageIDs, to)
}

func (f *flakyStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	if atomic.AddInt32(&f.failGets, -1) >= 0 {
		return nil, utils.NewAppError(utils.ErrDatabase, "connection reset", nil)
	}
	return f.MemoryDB.GetConversation(ctx, id)
}

func (f *flakyStore) GetConversationByPair(ctx context.Context, jobID, tradespersonID string) (*models.Conversation, error) {
	if atomic.AddInt32(&f.staleLookups, -1) >= 0 {
		return nil, utils.NewAppError(utils.ErrConversationNotFound, "no conversation for job and tradesperson", nil)
	}
	return f.MemoryDB.GetConversationByPair(ctx, jobID, tradespersonID)
}

func (f *flakyStore) InTx(ctx context.Context, fn func(ctx context.Context, tx database.Tx) error) error {
	return f.MemoryDB.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		if f.failIncrement.Load() {
			tx = failingIncrementTx{tx}
		}
		return fn(ctx, tx)
	})
}

type failingIncrementTx struct {
	database.Tx
}

func (failingIncrementTx) IncrementUnread(ctx context.Context, conversationID uuid.UUID, role models.Role) error {
	return utils.NewAppError(utils.ErrDatabase, "unread counter update failed", nil)
}

type fixture struct {
	db       *database.MemoryDB
	store    *flakyStore
	registry *Registry
	log      *MessageLog
	unread   *UnreadTracker
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := database.NewMemoryDB()

	require.NoError(t, db.SeedUser(ctx, directory.User{ID: "home-1", Name: "Hannah", Role: models.RoleHomeowner}))
	require.NoError(t, db.SeedUser(ctx, directory.User{ID: "trade-1", Name: "Tom", Role: models.RoleTradesperson}))
	require.NoError(t, db.SeedUser(ctx, directory.User{ID: "trade-2", Name: "Tess", Role: models.RoleTradesperson}))
	require.NoError(t, db.SeedJob(ctx, directory.Job{ID: "job-1", Title: "Fix roof", HomeownerID: "home-1"}))
	require.NoError(t, db.SeedInterest(ctx, models.InterestRecord{JobID: "job-1", TradespersonID: "trade-1", Status: models.InterestPaidAccess}))
	require.NoError(t, db.SeedInterest(ctx, models.InterestRecord{JobID: "job-1", TradespersonID: "trade-2", Status: models.InterestPending}))

	store := &flakyStore{MemoryDB: db}
	metrics := utils.NewMetricsCollector()
	logger := zerolog.Nop()

	unread := NewUnreadTracker(store, logger)
	registry := NewRegistry(store, metrics, logger)
	log := NewMessageLog(store, unread, logger)
	gate := access.NewGate(db, metrics, logger)

	return &fixture{
		db:       db,
		store:    store,
		registry: registry,
		log:      log,
		unread:   unread,
		svc:      NewService(gate, registry, log, unread, db, metrics, logger),
	}
}

// openPaid opens the conversation between home-1 and trade-1.
func (f *fixture) openPaid(t *testing.T) uuid.UUID {
	t.Helper()
	res, err := f.svc.OpenOrCreate(context.Background(), tradesperson, "job-1", "trade-1")
	require.NoError(t, err)
	return res.ConversationID
}

func text(content string) SendInput {
	return SendInput{MessageType: models.MessageText, Content: content}
}

// unreadMatchesMessages asserts that each counter equals the number of unread messages
// authored by the other party.
func (f *fixture) unreadMatchesMessages(t *testing.T, conversationID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	conv, err := f.db.GetConversation(ctx, conversationID)
	require.NoError(t, err)
	msgs, err := f.db.ListMessages(ctx, conversationID, 0, 10000)
	require.NoError(t, err)

	counts := map[models.Role]int{}
	for _, m := range msgs {
		if m.Status != models.StatusRead {
			counts[m.SenderType.Other()]++
		}
	}
	require.Equal(t, counts[models.RoleHomeowner], conv.UnreadCountHomeowner, "homeowner unread")
	require.Equal(t, counts[models.RoleTradesperson], conv.UnreadCountTradesperson, "tradesperson unread")
}
