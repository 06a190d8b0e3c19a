package chat

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"tradechat/internal/database"
	"tradechat/internal/directory"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu        sync.Mutex
	created   []*models.Message
	delivered []*models.Message
	reads     []int64
}

func (r *recordingNotifier) MessageCreated(conv *models.Conversation, msg *models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, msg)
}

func (r *recordingNotifier) MessageDelivered(conv *models.Conversation, msg *models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, msg)
}

func (r *recordingNotifier) MessagesRead(conv *models.Conversation, reader models.Role, count int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads = append(r.reads, count)
}

func TestOpenOrCreatePendingInterestIsNotPaid(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.OpenOrCreate(context.Background(), unpaidTrade, "job-1", "trade-2")
	require.Error(t, err)

	appErr, ok := utils.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, utils.ErrNotPaid, appErr.Code)
	assert.Equal(t, utils.NotPaidMessage, appErr.Message)
	assert.Equal(t, 403, utils.AppErrorToHTTPStatus(appErr.Code))
}

func TestOpenOrCreatePaidIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.OpenOrCreate(ctx, tradesperson, "job-1", "trade-1")
	require.NoError(t, err)
	assert.False(t, first.Existed)

	second, err := f.svc.OpenOrCreate(ctx, tradesperson, "job-1", "")
	require.NoError(t, err)
	assert.True(t, second.Existed)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	// The homeowner reaches the same conversation
	third, err := f.svc.OpenOrCreate(ctx, homeowner, "job-1", "trade-1")
	require.NoError(t, err)
	assert.True(t, third.Existed)
	assert.Equal(t, first.ConversationID, third.ConversationID)
}

func TestHomeownerCannotCreateForUnpaidLead(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.OpenOrCreate(context.Background(), homeowner, "job-1", "trade-2")
	assert.True(t, utils.IsErrorCode(err, utils.ErrNotPaid))

	_, err = f.db.GetConversationByPair(context.Background(), "job-1", "trade-2")
	assert.True(t, utils.IsNotFound(err))
}

func TestOpenOrCreateUnknownJob(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.OpenOrCreate(context.Background(), tradesperson, "job-missing", "trade-1")
	assert.True(t, utils.IsErrorCode(err, utils.ErrJobNotFound))
}

func TestHelloMarksUnreadThenRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)

	msg, err := f.svc.Send(ctx, homeowner, convID, text("Hello"))
	require.NoError(t, err)
	assert.Equal(t, "Hannah", msg.SenderName)

	conversations, err := f.svc.ListMyConversations(ctx, tradesperson)
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	assert.Equal(t, 1, conversations[0].UnreadCount)
	assert.Equal(t, "Hannah", conversations[0].OtherPartyName)

	marked, err := f.svc.MarkRead(ctx, tradesperson, convID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	conversations, err = f.svc.ListMyConversations(ctx, tradesperson)
	require.NoError(t, err)
	assert.Equal(t, 0, conversations[0].UnreadCount)

	stored, err := f.log.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, stored.Status)
}

func TestConcurrentSendsFromBothParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)

	var wg sync.WaitGroup
	var homeMsg, tradeMsg *models.Message
	var homeErr, tradeErr error
	wg.Add(2)
	go func() { defer wg.Done(); homeMsg, homeErr = f.svc.Send(ctx, homeowner, convID, text("When can you start?")) }()
	go func() { defer wg.Done(); tradeMsg, tradeErr = f.svc.Send(ctx, tradesperson, convID, text("I can start Monday")) }()
	wg.Wait()
	require.NoError(t, homeErr)
	require.NoError(t, tradeErr)
	assert.NotEqual(t, homeMsg.Seq, tradeMsg.Seq)

	page, err := f.svc.FetchMessages(ctx, homeowner, convID, "", 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, int64(2), page.Total)
	assert.False(t, page.HasMore)
	assert.Less(t, page.Messages[0].Seq, page.Messages[1].Seq)
	assert.True(t, page.Messages[0].CreatedAt.Before(page.Messages[1].CreatedAt))

	f.unreadMatchesMessages(t, convID)
}

func TestFetchMarksOtherPartyMessagesDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)
	notifier := &recordingNotifier{}
	f.svc.SetNotifier(notifier)

	fromHome, err := f.svc.Send(ctx, homeowner, convID, text("Hello"))
	require.NoError(t, err)
	fromTrade, err := f.svc.Send(ctx, tradesperson, convID, text("Hi there"))
	require.NoError(t, err)
	assert.Len(t, notifier.created, 2)

	page, err := f.svc.FetchMessages(ctx, tradesperson, convID, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, models.StatusDelivered, page.Messages[0].Status)
	assert.Equal(t, models.StatusSent, page.Messages[1].Status, "own messages are untouched")

	stored, err := f.log.Get(ctx, fromHome.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, stored.Status)
	stored, err = f.log.Get(ctx, fromTrade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, stored.Status)
	assert.Len(t, notifier.delivered, 1)
}

func TestFetchMarksPageDeliveredInOneBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)
	notifier := &recordingNotifier{}
	f.svc.SetNotifier(notifier)

	for i := 0; i < 30; i++ {
		_, err := f.svc.Send(ctx, homeowner, convID, text(fmt.Sprintf("update %d", i)))
		require.NoError(t, err)
	}
	_, err := f.svc.Send(ctx, tradesperson, convID, text("got them"))
	require.NoError(t, err)

	page, err := f.svc.FetchMessages(ctx, tradesperson, convID, "", 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 31)

	assert.Equal(t, int32(1), f.store.batchAdvances.Load())
	assert.Zero(t, f.store.singleAdvances.Load())
	assert.Len(t, notifier.delivered, 30)
	for _, msg := range page.Messages[:30] {
		assert.Equal(t, models.StatusDelivered, msg.Status)
	}

	// Nothing left to mark on the next fetch
	_, err = f.svc.FetchMessages(ctx, tradesperson, convID, "", 50)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.store.batchAdvances.Load())
	assert.Len(t, notifier.delivered, 30)
}

func TestMarkDeliveredChecksOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)

	msg, err := f.svc.Send(ctx, homeowner, convID, text("Hello"))
	require.NoError(t, err)

	_, err = f.svc.MarkDelivered(ctx, homeowner, convID, msg.ID)
	assert.True(t, utils.IsErrorCode(err, utils.ErrForbidden))

	changed, err := f.svc.MarkDelivered(ctx, tradesperson, convID, msg.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = f.svc.MarkDelivered(ctx, tradesperson, convID, uuid.New())
	assert.True(t, utils.IsErrorCode(err, utils.ErrMessageNotFound))
}

func TestRevokedAccessBlocksSendButNotListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)

	require.NoError(t, f.db.SeedInterest(ctx, models.InterestRecord{
		JobID: "job-1", TradespersonID: "trade-1", Status: models.InterestCancelled,
	}))

	_, err := f.svc.Send(ctx, tradesperson, convID, text("still there?"))
	assert.True(t, utils.IsErrorCode(err, utils.ErrNotPaid))
	_, err = f.svc.FetchMessages(ctx, tradesperson, convID, "", 0)
	assert.True(t, utils.IsErrorCode(err, utils.ErrNotPaid))

	conversations, err := f.svc.ListMyConversations(ctx, tradesperson)
	require.NoError(t, err)
	assert.Len(t, conversations, 1)
}

func TestNonParticipantIsForbidden(t *testing.T) {
	f := newFixture(t)
	convID := f.openPaid(t)

	_, err := f.svc.Send(context.Background(), unpaidTrade, convID, text("hello?"))
	assert.True(t, utils.IsErrorCode(err, utils.ErrForbidden))

	_, err = f.svc.FetchMessages(context.Background(), tradesperson, uuid.New(), "", 0)
	assert.True(t, utils.IsErrorCode(err, utils.ErrConversationNotFound))
}

func TestTransientReadIsRetriedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)

	f.store.failGets = 1
	_, err := f.svc.FetchMessages(ctx, homeowner, convID, "", 0)
	require.NoError(t, err)

	f.store.failGets = 2
	_, err = f.svc.FetchMessages(ctx, homeowner, convID, "", 0)
	assert.True(t, utils.IsTransient(err))
}

func TestSendIsNotRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)

	f.store.failIncrement.Store(true)
	_, err := f.svc.Send(ctx, homeowner, convID, text("Hello"))
	assert.True(t, utils.IsTransient(err))

	count, err := f.log.Count(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestUnreadCountersTrackMessageState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)
	rng := rand.New(rand.NewSource(7))
	parties := []models.Actor{homeowner, tradesperson}

	for i := 0; i < 200; i++ {
		actor := parties[rng.Intn(2)]
		switch rng.Intn(4) {
		case 0:
			_, err := f.svc.MarkRead(ctx, actor, convID)
			require.NoError(t, err)
		case 1:
			_, err := f.svc.FetchMessages(ctx, actor, convID, "", 20)
			require.NoError(t, err)
		default:
			_, err := f.svc.Send(ctx, actor, convID, text("ping"))
			require.NoError(t, err)
		}
		f.unreadMatchesMessages(t, convID)
	}

	drifted, err := f.svc.Reconcile(ctx, convID)
	require.NoError(t, err)
	assert.False(t, drifted)
}

func TestReconcileRepairsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)

	_, err := f.svc.Send(ctx, homeowner, convID, text("Hello"))
	require.NoError(t, err)

	// Corrupt the counter behind the tracker's back
	require.NoError(t, f.db.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		return tx.SetUnread(ctx, convID, models.RoleTradesperson, 9)
	}))

	drifted, err := f.svc.Reconcile(ctx, convID)
	require.NoError(t, err)
	assert.True(t, drifted)
	f.unreadMatchesMessages(t, convID)
}

func TestReconcileAllRepairsOnlyDriftedConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.SeedUser(ctx, directory.User{ID: "trade-3", Name: "Theo", Role: models.RoleTradesperson}))
	require.NoError(t, f.db.SeedInterest(ctx, models.InterestRecord{JobID: "job-1", TradespersonID: "trade-3", Status: models.InterestPaidAccess}))

	first := f.openPaid(t)
	res, err := f.svc.OpenOrCreate(ctx, models.Actor{ID: "trade-3", Role: models.RoleTradesperson}, "job-1", "trade-3")
	require.NoError(t, err)
	second := res.ConversationID

	_, err = f.svc.Send(ctx, homeowner, first, text("Hello"))
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, homeowner, second, text("Hello"))
	require.NoError(t, err)

	require.NoError(t, f.db.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		return tx.SetUnread(ctx, second, models.RoleHomeowner, 4)
	}))

	report, err := f.svc.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, []uuid.UUID{second}, report.Repaired)
	f.unreadMatchesMessages(t, first)
	f.unreadMatchesMessages(t, second)

	report, err = f.svc.ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Repaired)
}
