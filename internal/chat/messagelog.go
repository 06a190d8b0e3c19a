package chat

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"tradechat/internal/database"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultPageSize  = 50
	MaxPageSize      = 100
	MaxContentLength = 5000
)

// AppendInput is a message to be added to a conversation's log.
type AppendInput struct {
	ConversationID uuid.UUID
	SenderID       string
	SenderName     string
	SenderType     models.Role
	MessageType    models.MessageType
	Content        string
	AttachmentURL  *string
}

// Page is one slice of a conversation's log, oldest message first.
type Page struct {
	Messages   []*models.Message
	HasMore    bool
	NextCursor string
}

// MessageLog appends and pages through messages. Every append lands together with the
// conversation's last message and the recipient's unread counter, or not at all.
type MessageLog struct {
	store  database.Store
	unread *UnreadTracker
	logger zerolog.Logger
}

func NewMessageLog(store database.Store, unread *UnreadTracker, logger zerolog.Logger) *MessageLog {
	return &MessageLog{
		store:  store,
		unread: unread,
		logger: logger.With().Str("component", "message_log").Logger(),
	}
}

// Validate checks message fields before anything is written.
func (in *AppendInput) Validate() error {
	if !in.SenderType.Valid() {
		return utils.NewValidationError(fmt.Sprintf("unsupported sender type %q", in.SenderType))
	}
	if !in.MessageType.Valid() {
		return utils.NewValidationError(fmt.Sprintf("unsupported message type %q", in.MessageType))
	}
	if utf8.RuneCountInString(in.Content) > MaxContentLength {
		return utils.NewValidationError(fmt.Sprintf("content exceeds %d characters", MaxContentLength))
	}

	if in.AttachmentURL != nil {
		if strings.TrimSpace(*in.AttachmentURL) == "" {
			in.AttachmentURL = nil
		} else if !validAttachmentURL(*in.AttachmentURL) {
			return utils.NewValidationError("attachment_url must be an absolute http or https URL")
		}
	}

	switch in.MessageType {
	case models.MessageText:
		if strings.TrimSpace(in.Content) == "" {
			return utils.NewValidationError("content must not be empty")
		}
	case models.MessageImage, models.MessageFile:
		if in.AttachmentURL == nil {
			return utils.NewValidationError(fmt.Sprintf("%s messages require attachment_url", in.MessageType))
		}
	}
	return nil
}

func validAttachmentURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Append stores a new message with status sent. Its created_at is strictly after the
// conversation's previous message so timestamps agree with seq order.
func (l *MessageLog) Append(ctx context.Context, in AppendInput) (*models.Message, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	var msg *models.Message
	err := l.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		conv, err := tx.LockConversation(ctx, in.ConversationID)
		if err != nil {
			return err
		}
		if conv.PartyID(in.SenderType) != in.SenderID {
			return utils.NewForbiddenError("sender is not a participant in this conversation")
		}

		seq, err := tx.ReserveMessageSeq(ctx, conv.ID)
		if err != nil {
			return err
		}

		now := time.Now().UTC().Truncate(time.Microsecond)
		if conv.LastMessageAt != nil && !now.After(*conv.LastMessageAt) {
			now = conv.LastMessageAt.Add(time.Microsecond)
		}

		msg = &models.Message{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			Seq:            seq,
			SenderID:       in.SenderID,
			SenderName:     in.SenderName,
			SenderType:     in.SenderType,
			MessageType:    in.MessageType,
			Content:        in.Content,
			AttachmentURL:  in.AttachmentURL,
			Status:         models.StatusSent,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return err
		}
		if err := tx.SetLastMessage(ctx, conv.ID, msg.Preview(), now); err != nil {
			return err
		}
		return l.unread.Increment(ctx, tx, conv.ID, in.SenderType.Other())
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("conversation_id", msg.ConversationID.String()).
		Str("message_id", msg.ID.String()).
		Int64("seq", msg.Seq).
		Msg("message appended")
	return msg, nil
}

// List returns the page of messages after cursor. pageSize is clamped to MaxPageSize
// and defaults to DefaultPageSize.
func (l *MessageLog) List(ctx context.Context, conversationID uuid.UUID, cursor string, pageSize int) (*Page, error) {
	afterSeq, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	// One extra row tells us whether another page exists
	messages, err := l.store.ListMessages(ctx, conversationID, afterSeq, pageSize+1)
	if err != nil {
		return nil, err
	}

	page := &Page{Messages: messages}
	if len(messages) > pageSize {
		page.Messages = messages[:pageSize]
		page.HasMore = true
	}
	if n := len(page.Messages); n > 0 {
		page.NextCursor = EncodeCursor(page.Messages[n-1].Seq)
	} else {
		page.NextCursor = cursor
	}
	return page, nil
}

func (l *MessageLog) Count(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	return l.store.CountMessages(ctx, conversationID)
}

func (l *MessageLog) Get(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	return l.store.GetMessage(ctx, messageID)
}

// MarkDelivered moves a sent message to delivered. Any other starting status is a no-op.
func (l *MessageLog) MarkDelivered(ctx context.Context, messageID uuid.UUID) (bool, error) {
	return l.store.AdvanceMessageStatus(ctx, messageID, models.StatusDelivered)
}

// MarkDeliveredMany moves every listed sent message to delivered and returns the IDs
// that changed.
func (l *MessageLog) MarkDeliveredMany(ctx context.Context, messageIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	return l.store.AdvanceMessageStatuses(ctx, messageIDs, models.StatusDelivered)
}

// MarkRead marks every message the other party sent as read and zeroes the reader's
// counter in one transaction. It returns how many messages changed.
func (l *MessageLog) MarkRead(ctx context.Context, conversationID uuid.UUID, readerID string) (int64, error) {
	var marked int64
	err := l.store.InTx(ctx, func(ctx context.Context, tx database.Tx) error {
		conv, err := tx.LockConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		reader, ok := conv.RoleOf(readerID)
		if !ok {
			return utils.NewForbiddenError("reader is not a participant in this conversation")
		}

		now := time.Now().UTC().Truncate(time.Microsecond)
		marked, err = tx.MarkMessagesRead(ctx, conversationID, reader.Other(), now)
		if err != nil {
			return err
		}
		return l.unread.Reset(ctx, tx, conversationID, reader)
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}
