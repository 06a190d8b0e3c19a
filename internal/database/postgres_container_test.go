//go:build container

package database_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradechat/internal/access"
	"tradechat/internal/chat"
	"tradechat/internal/database"
	"tradechat/internal/directory"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *database.PostgresDB {
	t.Helper()
	ctx := context.Background()

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "tradechat",
				"POSTGRES_PASSWORD": "tradechat",
				"POSTGRES_DB":       "tradechat",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgresql://tradechat:tradechat@%s:%s/tradechat?sslmode=disable", host, port.Port())
	db, err := database.NewPostgresDB(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(context.Background()) })

	require.NoError(t, db.InitializeTables(ctx))

	require.NoError(t, db.SeedUser(ctx, directory.User{ID: "home-1", Name: "Hannah", Role: models.RoleHomeowner}))
	require.NoError(t, db.SeedUser(ctx, directory.User{ID: "trade-1", Name: "Tom", Role: models.RoleTradesperson}))
	require.NoError(t, db.SeedJob(ctx, directory.Job{ID: "job-1", Title: "Fix roof", HomeownerID: "home-1"}))
	require.NoError(t, db.SeedInterest(ctx, models.InterestRecord{JobID: "job-1", TradespersonID: "trade-1", Status: models.InterestPaidAccess}))
	return db
}

func newService(db *database.PostgresDB) *chat.Service {
	logger := zerolog.Nop()
	metrics := utils.NewMetricsCollector()
	unread := chat.NewUnreadTracker(db, logger)
	return chat.NewService(
		access.NewGate(db, metrics, logger),
		chat.NewRegistry(db, metrics, logger),
		chat.NewMessageLog(db, unread, logger),
		unread,
		db,
		metrics,
		logger,
	)
}

func TestPostgresDuplicatePairIsRejected(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	conv := &models.Conversation{ID: uuid.New(), JobID: "job-1", HomeownerID: "home-1", TradespersonID: "trade-1", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.InsertConversation(ctx, conv))

	dup := *conv
	dup.ID = uuid.New()
	err := db.InsertConversation(ctx, &dup)
	assert.True(t, utils.IsErrorCode(err, utils.ErrDuplicate), "got %v", err)
}

func TestPostgresConcurrentOpenCreatesOneConversation(t *testing.T) {
	db := setupPostgres(t)
	service := newService(db)
	actor := models.Actor{ID: "trade-1", Role: models.RoleTradesperson}

	const callers = 16
	results := make([]*chat.OpenResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := service.OpenOrCreate(context.Background(), actor, "job-1", "")
			if assert.NoError(t, err) {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, results[0].ConversationID, res.ConversationID)
		if !res.Existed {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestPostgresSendAndReadKeepCountersConsistent(t *testing.T) {
	db := setupPostgres(t)
	service := newService(db)
	ctx := context.Background()
	home := models.Actor{ID: "home-1", Role: models.RoleHomeowner}
	trade := models.Actor{ID: "trade-1", Role: models.RoleTradesperson}

	opened, err := service.OpenOrCreate(ctx, trade, "job-1", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := service.Send(ctx, home, opened.ConversationID, chat.SendInput{MessageType: models.MessageText, Content: fmt.Sprintf("home %d", i)})
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := service.Send(ctx, trade, opened.ConversationID, chat.SendInput{MessageType: models.MessageText, Content: fmt.Sprintf("trade %d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	conv, err := db.GetConversation(ctx, opened.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 10, conv.UnreadCountHomeowner)
	assert.Equal(t, 10, conv.UnreadCountTradesperson)
	assert.Equal(t, int64(20), conv.MessageSeq)

	marked, err := service.MarkRead(ctx, trade, opened.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), marked)

	drifted, err := service.Reconcile(ctx, opened.ConversationID)
	require.NoError(t, err)
	assert.False(t, drifted)
}

func TestPostgresFailedTransactionWritesNothing(t *testing.T) {
	db := setupPostgres(t)
	service := newService(db)
	ctx := context.Background()

	opened, err := service.OpenOrCreate(ctx, models.Actor{ID: "trade-1", Role: models.RoleTradesperson}, "job-1", "")
	require.NoError(t, err)

	err = db.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		if _, err := tx.LockConversation(ctx, opened.ConversationID); err != nil {
			return err
		}
		if err := tx.IncrementUnread(ctx, opened.ConversationID, models.RoleHomeowner); err != nil {
			return err
		}
		return fmt.Errorf("boom")
	})
	require.Error(t, err)

	conv, err := db.GetConversation(ctx, opened.ConversationID)
	require.NoError(t, err)
	assert.Zero(t, conv.UnreadCountHomeowner)
}

func TestPostgresAdvanceMessageStatusIsMonotonic(t *testing.T) {
	db := setupPostgres(t)
	service := newService(db)
	ctx := context.Background()
	trade := models.Actor{ID: "trade-1", Role: models.RoleTradesperson}

	opened, err := service.OpenOrCreate(ctx, trade, "job-1", "")
	require.NoError(t, err)
	msg, err := service.Send(ctx, trade, opened.ConversationID, chat.SendInput{MessageType: models.MessageText, Content: "Quote attached"})
	require.NoError(t, err)

	changed, err := db.AdvanceMessageStatus(ctx, msg.ID, models.StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = db.AdvanceMessageStatus(ctx, msg.ID, models.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := db.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, got.Status)
}

func TestPostgresAdvanceMessageStatusesSkipsSettledMessages(t *testing.T) {
	db := setupPostgres(t)
	service := newService(db)
	ctx := context.Background()
	trade := models.Actor{ID: "trade-1", Role: models.RoleTradesperson}

	opened, err := service.OpenOrCreate(ctx, trade, "job-1", "")
	require.NoError(t, err)
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		msg, err := service.Send(ctx, trade, opened.ConversationID, chat.SendInput{MessageType: models.MessageText, Content: fmt.Sprintf("quote %d", i)})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	_, err = db.AdvanceMessageStatus(ctx, ids[2], models.StatusRead)
	require.NoError(t, err)

	changed, err := db.AdvanceMessageStatuses(ctx, append(ids, uuid.New()), models.StatusDelivered)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids[:2], changed)

	changed, err = db.AdvanceMessageStatuses(ctx, ids, models.StatusDelivered)
	require.NoError(t, err)
	assert.Empty(t, changed)

	convIDs, err := db.ConversationIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{opened.ConversationID}, convIDs)
}
