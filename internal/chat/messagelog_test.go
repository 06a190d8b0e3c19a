package chat

import (
	"context"
	"strings"
	"sync"
	"testing"

	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestAppendInputValidation(t *testing.T) {
	tests := []struct {
		name  string
		input AppendInput
		valid bool
	}{
		{"text", AppendInput{MessageType: models.MessageText, Content: "hi"}, true},
		{"blank text", AppendInput{MessageType: models.MessageText, Content: "   "}, false},
		{"unknown type", AppendInput{MessageType: "video", Content: "hi"}, false},
		{"too long", AppendInput{MessageType: models.MessageText, Content: strings.Repeat("a", MaxContentLength+1)}, false},
		{"at limit", AppendInput{MessageType: models.MessageText, Content: strings.Repeat("é", MaxContentLength)}, true},
		{"image without url", AppendInput{MessageType: models.MessageImage}, false},
		{"image with url", AppendInput{MessageType: models.MessageImage, AttachmentURL: strPtr("https://cdn.example.com/a.png")}, true},
		{"file with relative url", AppendInput{MessageType: models.MessageFile, AttachmentURL: strPtr("/uploads/a.pdf")}, false},
		{"file with ftp url", AppendInput{MessageType: models.MessageFile, AttachmentURL: strPtr("ftp://example.com/a.pdf")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.input
			in.SenderType = models.RoleHomeowner
			err := in.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput), "got %v", err)
			}
		})
	}
}

func TestAppendUpdatesConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)

	first, err := f.log.Append(ctx, AppendInput{
		ConversationID: convID, SenderID: "home-1", SenderName: "Hannah",
		SenderType: models.RoleHomeowner, MessageType: models.MessageText, Content: "Hello",
	})
	require.NoError(t, err)
	second, err := f.log.Append(ctx, AppendInput{
		ConversationID: convID, SenderID: "home-1", SenderName: "Hannah",
		SenderType: models.RoleHomeowner, MessageType: models.MessageImage,
		AttachmentURL: strPtr("https://cdn.example.com/roof.jpg"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSent, first.Status)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.True(t, second.CreatedAt.After(first.CreatedAt))

	conv, err := f.db.GetConversation(ctx, convID)
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "[image]", *conv.LastMessage)
	assert.True(t, conv.LastMessageAt.Equal(second.CreatedAt))
	assert.Equal(t, 2, conv.UnreadCountTradesperson)
	assert.Equal(t, 0, conv.UnreadCountHomeowner)
}

func TestAppendRejectsNonParticipant(t *testing.T) {
	f := newFixture(t)
	convID := f.openPaid(t)

	_, err := f.log.Append(context.Background(), AppendInput{
		ConversationID: convID, SenderID: "trade-2", SenderType: models.RoleTradesperson,
		MessageType: models.MessageText, Content: "let me in",
	})
	assert.True(t, utils.IsErrorCode(err, utils.ErrForbidden))
}

func TestAppendRollsBackOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)

	f.store.failIncrement.Store(true)
	_, err := f.log.Append(ctx, AppendInput{
		ConversationID: convID, SenderID: "home-1", SenderType: models.RoleHomeowner,
		MessageType: models.MessageText, Content: "Hello",
	})
	require.Error(t, err)

	count, err := f.log.Count(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	conv, err := f.db.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Nil(t, conv.LastMessage)
	assert.Nil(t, conv.LastMessageAt)
	assert.Equal(t, int64(0), conv.MessageSeq)
	assert.Equal(t, 0, conv.UnreadCountTradesperson)

	// The next append reuses the sequence number the failed one gave back
	f.store.failIncrement.Store(false)
	msg, err := f.log.Append(ctx, AppendInput{
		ConversationID: convID, SenderID: "home-1", SenderType: models.RoleHomeowner,
		MessageType: models.MessageText, Content: "Hello again",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.Seq)
}

func TestAppendCancelledContextWritesNothing(t *testing.T) {
	f := newFixture(t)
	convID := f.openPaid(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.log.Append(ctx, AppendInput{
		ConversationID: convID, SenderID: "home-1", SenderType: models.RoleHomeowner,
		MessageType: models.MessageText, Content: "Hello",
	})
	require.Error(t, err)

	count, err := f.log.Count(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestStatusTransitionsOnlyMoveForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)

	msg, err := f.log.Append(ctx, AppendInput{
		ConversationID: convID, SenderID: "trade-1", SenderType: models.RoleTradesperson,
		MessageType: models.MessageText, Content: "Quote attached",
	})
	require.NoError(t, err)

	changed, err := f.log.MarkDelivered(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.log.MarkDelivered(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, changed, "delivered twice is a no-op")

	marked, err := f.log.MarkRead(ctx, convID, "home-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	changed, err = f.log.MarkDelivered(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, changed, "read never goes back to delivered")

	stored, err := f.log.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, stored.Status)
}

func TestListPagesWithoutDuplicatesUnderConcurrentAppends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)

	appendN := func(sender models.Actor, n int) {
		for i := 0; i < n; i++ {
			_, err := f.log.Append(ctx, AppendInput{
				ConversationID: convID, SenderID: sender.ID, SenderType: sender.Role,
				MessageType: models.MessageText, Content: "msg",
			})
			assert.NoError(t, err)
		}
	}
	appendN(homeowner, 25)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); appendN(homeowner, 40) }()
	go func() { defer wg.Done(); appendN(tradesperson, 40) }()

	var seen []int64
	cursor := ""
	for {
		page, err := f.log.List(ctx, convID, cursor, 7)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(page.Messages), 7)
		for _, m := range page.Messages {
			seen = append(seen, m.Seq)
		}
		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}
	wg.Wait()

	// Drain whatever was appended after the last page
	for {
		page, err := f.log.List(ctx, convID, cursor, MaxPageSize)
		require.NoError(t, err)
		for _, m := range page.Messages {
			seen = append(seen, m.Seq)
		}
		cursor = page.NextCursor
		if !page.HasMore {
			break
		}
	}

	require.Len(t, seen, 105)
	for i, seq := range seen {
		assert.Equal(t, int64(i+1), seq, "no duplicates or gaps")
	}
}

func TestListClampsPageSize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)

	for i := 0; i < MaxPageSize+5; i++ {
		_, err := f.log.Append(ctx, AppendInput{
			ConversationID: convID, SenderID: "home-1", SenderType: models.RoleHomeowner,
			MessageType: models.MessageText, Content: "msg",
		})
		require.NoError(t, err)
	}

	page, err := f.log.List(ctx, convID, "", 0)
	require.NoError(t, err)
	assert.Len(t, page.Messages, DefaultPageSize)
	assert.True(t, page.HasMore)

	page, err = f.log.List(ctx, convID, "", 1000)
	require.NoError(t, err)
	assert.Len(t, page.Messages, MaxPageSize)
	assert.True(t, page.HasMore)

	_, err = f.log.List(ctx, convID, "not-a-cursor", 10)
	assert.True(t, utils.IsErrorCode(err, utils.ErrInvalidInput))
}

func TestCursorRoundTrip(t *testing.T) {
	seq, err := DecodeCursor(EncodeCursor(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)

	seq, err = DecodeCursor("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)
}

func TestMarkDeliveredManySkipsSettledAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	convID := f.openPaid(t)

	var ids []uuid.UUID
	for _, content := range []string{"one", "two", "three"} {
		msg, err := f.log.Append(ctx, AppendInput{
			ConversationID: convID, SenderID: "home-1", SenderType: models.RoleHomeowner,
			MessageType: models.MessageText, Content: content,
		})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}
	_, err := f.log.MarkDelivered(ctx, ids[0])
	require.NoError(t, err)

	changed, err := f.log.MarkDeliveredMany(ctx, append(ids, uuid.New()))
	require.NoError(t, err)
	assert.Equal(t, ids[1:], changed)

	changed, err = f.log.MarkDeliveredMany(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, changed)
}
