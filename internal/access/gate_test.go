package access

import (
	"context"
	"testing"

	"tradechat/internal/database"
	"tradechat/internal/directory"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) (*Gate, *database.MemoryDB) {
	t.Helper()
	ctx := context.Background()
	db := database.NewMemoryDB()

	require.NoError(t, db.SeedUser(ctx, directory.User{ID: "home-1", Name: "Hannah", Role: models.RoleHomeowner}))
	require.NoError(t, db.SeedUser(ctx, directory.User{ID: "trade-1", Name: "Tom", Role: models.RoleTradesperson}))
	require.NoError(t, db.SeedUser(ctx, directory.User{ID: "trade-2", Name: "Tess", Role: models.RoleTradesperson}))
	require.NoError(t, db.SeedJob(ctx, directory.Job{ID: "job-1", Title: "Fix roof", HomeownerID: "home-1"}))

	return NewGate(db, utils.NewMetricsCollector(), zerolog.Nop()), db
}

func TestAuthorizeExactPaidAccessMatch(t *testing.T) {
	tests := []struct {
		name    string
		status  string
		allowed bool
	}{
		{"exact", "paid_access", true},
		{"leading space", " paid_access", false},
		{"trailing space", "paid_access ", false},
		{"mixed case", "Paid_Access", false},
		{"upper case", "PAID_ACCESS", false},
		{"pending", "pending", false},
		{"contact shared", "contact_shared", false},
		{"cancelled", "cancelled", false},
		{"empty", "", false},
	}

	tradesperson := models.Actor{ID: "trade-1", Role: models.RoleTradesperson}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, db := newTestGate(t)
			require.NoError(t, db.SeedInterest(context.Background(), models.InterestRecord{
				JobID: "job-1", TradespersonID: "trade-1", Status: models.InterestStatus(tt.status),
			}))

			decision, err := gate.Authorize(context.Background(), tradesperson, "job-1", "trade-1")
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed)
			if !tt.allowed {
				assert.Equal(t, ReasonNotPaid, decision.Reason)
				assert.True(t, utils.IsErrorCode(decision.Err(), utils.ErrNotPaid))
			}
		})
	}
}

func TestAuthorizeMissingInterest(t *testing.T) {
	gate, _ := newTestGate(t)

	decision, err := gate.Authorize(context.Background(),
		models.Actor{ID: "trade-1", Role: models.RoleTradesperson}, "job-1", "trade-1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonNotPaid, decision.Reason)

	appErr, ok := utils.AsAppError(decision.Err())
	require.True(t, ok)
	assert.Equal(t, utils.NotPaidMessage, appErr.Message)
	assert.Equal(t, 403, utils.AppErrorToHTTPStatus(appErr.Code))
}

func TestAuthorizeMalformedStatus(t *testing.T) {
	gate, db := newTestGate(t)
	require.NoError(t, db.SeedInterest(context.Background(), models.InterestRecord{
		JobID: "job-1", TradespersonID: "trade-1", Status: models.InterestPaidAccess, Malformed: true,
	}))

	decision, err := gate.Authorize(context.Background(),
		models.Actor{ID: "trade-1", Role: models.RoleTradesperson}, "job-1", "trade-1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonNotPaid, decision.Reason)
}

func TestAuthorizeParticipants(t *testing.T) {
	gate, db := newTestGate(t)
	ctx := context.Background()
	require.NoError(t, db.SeedInterest(ctx, models.InterestRecord{
		JobID: "job-1", TradespersonID: "trade-1", Status: models.InterestPaidAccess,
	}))

	// Homeowner of the job is allowed without a payment check of their own
	decision, err := gate.Authorize(ctx, models.Actor{ID: "home-1", Role: models.RoleHomeowner}, "job-1", "trade-1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	// A different homeowner is not a participant
	decision, err = gate.Authorize(ctx, models.Actor{ID: "home-2", Role: models.RoleHomeowner}, "job-1", "trade-1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonNotParticipant, decision.Reason)
	assert.True(t, utils.IsErrorCode(decision.Err(), utils.ErrForbidden))

	// A tradesperson cannot act on someone else's conversation
	decision, err = gate.Authorize(ctx, models.Actor{ID: "trade-2", Role: models.RoleTradesperson}, "job-1", "trade-1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonNotParticipant, decision.Reason)
}

func TestAuthorizeUnknownJobAndIdentity(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := context.Background()
	homeowner := models.Actor{ID: "home-1", Role: models.RoleHomeowner}

	decision, err := gate.Authorize(ctx, homeowner, "job-missing", "trade-1")
	require.NoError(t, err)
	assert.Equal(t, ReasonJobNotFound, decision.Reason)
	assert.Equal(t, 404, utils.AppErrorToHTTPStatus(utils.ErrJobNotFound))
	assert.True(t, utils.IsErrorCode(decision.Err(), utils.ErrJobNotFound))

	decision, err = gate.Authorize(ctx, homeowner, "job-1", "trade-missing")
	require.NoError(t, err)
	assert.Equal(t, ReasonIdentityNotFound, decision.Reason)
	assert.True(t, utils.IsErrorCode(decision.Err(), utils.ErrForbidden))
}

func TestRequirePaidReadsCurrentStatus(t *testing.T) {
	gate, db := newTestGate(t)
	ctx := context.Background()

	require.NoError(t, db.SeedInterest(ctx, models.InterestRecord{
		JobID: "job-1", TradespersonID: "trade-1", Status: models.InterestPending,
	}))
	decision, err := gate.RequirePaid(ctx, "job-1", "trade-1")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	// Decisions are not cached: paying flips the next check
	require.NoError(t, db.SeedInterest(ctx, models.InterestRecord{
		JobID: "job-1", TradespersonID: "trade-1", Status: models.InterestPaidAccess,
	}))
	decision, err = gate.RequirePaid(ctx, "job-1", "trade-1")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.NoError(t, decision.Err())
}
