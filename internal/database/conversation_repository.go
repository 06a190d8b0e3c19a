package database

import (
	"context"
	"errors"
	"time"

	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ConversationDocument represents the MongoDB document structure for conversations
type ConversationDocument struct {
	ID                      string     `bson:"_id"`
	JobID                   string     `bson:"jobId"`
	JobTitle                string     `bson:"jobTitle"`
	HomeownerID             string     `bson:"homeownerId"`
	HomeownerName           string     `bson:"homeownerName"`
	TradespersonID          string     `bson:"tradespersonId"`
	TradespersonName        string     `bson:"tradespersonName"`
	LastMessage             *string    `bson:"lastMessage"`
	LastMessageAt           *time.Time `bson:"lastMessageAt"`
	UnreadCountHomeowner    int        `bson:"unreadCountHomeowner"`
	UnreadCountTradesperson int        `bson:"unreadCountTradesperson"`
	MessageSeq              int64      `bson:"messageSeq"`
	LockVersion             int64      `bson:"lockVersion"`
	ActivityAt              time.Time  `bson:"activityAt"`
	CreatedAt               time.Time  `bson:"createdAt"`
	UpdatedAt               time.Time  `bson:"updatedAt"`
}

// MessageDocument represents the MongoDB document structure for messages
type MessageDocument struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversationId"`
	Seq            int64     `bson:"seq"`
	SenderID       string    `bson:"senderId"`
	SenderName     string    `bson:"senderName"`
	SenderType     string    `bson:"senderType"`
	MessageType    string    `bson:"messageType"`
	Content        string    `bson:"content"`
	AttachmentURL  *string   `bson:"attachmentUrl,omitempty"`
	Status         string    `bson:"status"`
	CreatedAt      time.Time `bson:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt"`
}

func conversationToDocument(conv *models.Conversation) ConversationDocument {
	return ConversationDocument{
		ID:                      conv.ID.String(),
		JobID:                   conv.JobID,
		JobTitle:                conv.JobTitle,
		HomeownerID:             conv.HomeownerID,
		HomeownerName:           conv.HomeownerName,
		TradespersonID:          conv.TradespersonID,
		TradespersonName:        conv.TradespersonName,
		LastMessage:             conv.LastMessage,
		LastMessageAt:           conv.LastMessageAt,
		UnreadCountHomeowner:    conv.UnreadCountHomeowner,
		UnreadCountTradesperson: conv.UnreadCountTradesperson,
		MessageSeq:              conv.MessageSeq,
		ActivityAt:              conv.ActivityAt(),
		CreatedAt:               conv.CreatedAt,
		UpdatedAt:               conv.UpdatedAt,
	}
}

func documentToConversation(doc *ConversationDocument) *models.Conversation {
	id, _ := uuid.Parse(doc.ID)
	return &models.Conversation{
		ID:                      id,
		JobID:                   doc.JobID,
		JobTitle:                doc.JobTitle,
		HomeownerID:             doc.HomeownerID,
		HomeownerName:           doc.HomeownerName,
		TradespersonID:          doc.TradespersonID,
		TradespersonName:        doc.TradespersonName,
		LastMessage:             doc.LastMessage,
		LastMessageAt:           doc.LastMessageAt,
		UnreadCountHomeowner:    doc.UnreadCountHomeowner,
		UnreadCountTradesperson: doc.UnreadCountTradesperson,
		MessageSeq:              doc.MessageSeq,
		CreatedAt:               doc.CreatedAt,
		UpdatedAt:               doc.UpdatedAt,
	}
}

func messageToDocument(msg *models.Message) MessageDocument {
	return MessageDocument{
		ID:             msg.ID.String(),
		ConversationID: msg.ConversationID.String(),
		Seq:            msg.Seq,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		SenderType:     string(msg.SenderType),
		MessageType:    string(msg.MessageType),
		Content:        msg.Content,
		AttachmentURL:  msg.AttachmentURL,
		Status:         string(msg.Status),
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
}

func documentToMessage(doc *MessageDocument) *models.Message {
	id, _ := uuid.Parse(doc.ID)
	convID, _ := uuid.Parse(doc.ConversationID)
	return &models.Message{
		ID:             id,
		ConversationID: convID,
		Seq:            doc.Seq,
		SenderID:       doc.SenderID,
		SenderName:     doc.SenderName,
		SenderType:     models.Role(doc.SenderType),
		MessageType:    models.MessageType(doc.MessageType),
		Content:        doc.Content,
		AttachmentURL:  doc.AttachmentURL,
		Status:         models.MessageStatus(doc.Status),
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}

// InsertConversation saves a new conversation; the unique index on
// (jobId, tradespersonId) reports a lost creation race as ErrDuplicate.
func (m *MongoDB) InsertConversation(ctx context.Context, conv *models.Conversation) error {
	doc := conversationToDocument(conv)
	if _, err := m.Conversations.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return utils.NewAppError(utils.ErrDuplicate, "conversation already exists", err)
		}
		return utils.NewAppError(utils.ErrDatabase, "failed to save conversation", err)
	}
	return nil
}

func (m *MongoDB) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	return m.findConversation(ctx, bson.M{"_id": id.String()}, utils.NewConversationNotFoundError(id.String()))
}

func (m *MongoDB) GetConversationByPair(ctx context.Context, jobID, tradespersonID string) (*models.Conversation, error) {
	return m.findConversation(ctx,
		bson.M{"jobId": jobID, "tradespersonId": tradespersonID},
		utils.NewAppError(utils.ErrConversationNotFound, "no conversation for job and tradesperson", nil))
}

func (m *MongoDB) findConversation(ctx context.Context, filter bson.M, notFound error) (*models.Conversation, error) {
	var doc ConversationDocument
	if err := m.Conversations.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFound
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to get conversation", err)
	}
	return documentToConversation(&doc), nil
}

// ListConversations returns a party's conversations, most recently active first.
func (m *MongoDB) ListConversations(ctx context.Context, partyID string, role models.Role) ([]*models.Conversation, error) {
	field := "tradespersonId"
	if role == models.RoleHomeowner {
		field = "homeownerId"
	}
	opts := options.Find().SetSort(bson.D{{Key: "activityAt", Value: -1}, {Key: "_id", Value: 1}})

	cursor, err := m.Conversations.Find(ctx, bson.M{field: partyID}, opts)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to list conversations", err)
	}
	defer cursor.Close(ctx)

	conversations := []*models.Conversation{}
	for cursor.Next(ctx) {
		var doc ConversationDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, utils.NewAppError(utils.ErrDatabase, "failed to decode conversation", err)
		}
		conversations = append(conversations, documentToConversation(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to iterate conversations", err)
	}
	return conversations, nil
}

func (m *MongoDB) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	var doc MessageDocument
	if err := m.Messages.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, utils.NewAppError(utils.ErrMessageNotFound, "message not found: "+id.String(), err)
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to get message", err)
	}
	return documentToMessage(&doc), nil
}

// ListMessages returns up to limit messages with seq greater than afterSeq, oldest first.
func (m *MongoDB) ListMessages(ctx context.Context, conversationID uuid.UUID, afterSeq int64, limit int) ([]*models.Message, error) {
	filter := bson.M{"conversationId": conversationID.String(), "seq": bson.M{"$gt": afterSeq}}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(int64(limit))

	cursor, err := m.Messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to list messages", err)
	}
	defer cursor.Close(ctx)

	messages := []*models.Message{}
	for cursor.Next(ctx) {
		var doc MessageDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, utils.NewAppError(utils.ErrDatabase, "failed to decode message", err)
		}
		messages = append(messages, documentToMessage(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to iterate messages", err)
	}
	return messages, nil
}

func (m *MongoDB) CountMessages(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	count, err := m.Messages.CountDocuments(ctx, bson.M{"conversationId": conversationID.String()})
	if err != nil {
		return 0, utils.NewAppError(utils.ErrDatabase, "failed to count messages", err)
	}
	return count, nil
}

// AdvanceMessageStatus moves a message forward; backward or repeated transitions report false.
func (m *MongoDB) AdvanceMessageStatus(ctx context.Context, messageID uuid.UUID, to models.MessageStatus) (bool, error) {
	from := statusStrings(advanceableFrom(to))
	if len(from) == 0 {
		return false, nil
	}

	filter := bson.M{"_id": messageID.String(), "status": bson.M{"$in": from}}
	update := bson.M{"$set": bson.M{"status": string(to), "updatedAt": time.Now().UTC()}}
	result, err := m.Messages.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, utils.NewAppError(utils.ErrDatabase, "failed to update message status", err)
	}
	if result.ModifiedCount > 0 {
		return true, nil
	}
	if _, err := m.GetMessage(ctx, messageID); err != nil {
		return false, err
	}
	return false, nil
}

// AdvanceMessageStatuses finds the messages that can move and updates them in one
// transaction, so the returned IDs are exactly the ones this call changed.
func (m *MongoDB) AdvanceMessageStatuses(ctx context.Context, messageIDs []uuid.UUID, to models.MessageStatus) ([]uuid.UUID, error) {
	from := statusStrings(advanceableFrom(to))
	if len(messageIDs) == 0 || len(from) == 0 {
		return nil, nil
	}
	ids := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = id.String()
	}

	session, err := m.Client.StartSession()
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to start session", err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		filter := bson.M{"_id": bson.M{"$in": ids}, "status": bson.M{"$in": from}}
		cursor, err := m.Messages.Find(sc, filter, options.Find().SetProjection(bson.M{"_id": 1}))
		if err != nil {
			return nil, err
		}
		var docs []struct {
			ID string `bson:"_id"`
		}
		if err := cursor.All(sc, &docs); err != nil {
			return nil, err
		}
		if len(docs) == 0 {
			return []uuid.UUID{}, nil
		}

		matched := make([]string, len(docs))
		changed := make([]uuid.UUID, 0, len(docs))
		for i, doc := range docs {
			matched[i] = doc.ID
			id, err := uuid.Parse(doc.ID)
			if err != nil {
				return nil, err
			}
			changed = append(changed, id)
		}
		update := bson.M{"$set": bson.M{"status": string(to), "updatedAt": time.Now().UTC()}}
		if _, err := m.Messages.UpdateMany(sc, bson.M{"_id": bson.M{"$in": matched}}, update); err != nil {
			return nil, err
		}
		return changed, nil
	})
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to update message statuses", err)
	}
	return result.([]uuid.UUID), nil
}

// ConversationIDs lists every conversation ID.
func (m *MongoDB) ConversationIDs(ctx context.Context) ([]uuid.UUID, error) {
	cursor, err := m.Conversations.Find(ctx, bson.M{}, options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to list conversation ids", err)
	}
	defer cursor.Close(ctx)

	ids := []uuid.UUID{}
	for cursor.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, utils.NewAppError(utils.ErrDatabase, "failed to decode conversation id", err)
		}
		id, err := uuid.Parse(doc.ID)
		if err != nil {
			return nil, utils.NewAppError(utils.ErrDatabase, "malformed conversation id "+doc.ID, err)
		}
		ids = append(ids, id)
	}
	if err := cursor.Err(); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to iterate conversation ids", err)
	}
	return ids, nil
}

func statusStrings(statuses []models.MessageStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// mongoTx issues its operations on the session context handed to it by InTx.
type mongoTx struct {
	db *MongoDB
}

// LockConversation bumps lockVersion so a concurrent transaction touching the same
// conversation hits a write conflict and is retried by the driver.
func (t *mongoTx) LockConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	var doc ConversationDocument
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := t.db.Conversations.FindOneAndUpdate(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$inc": bson.M{"lockVersion": 1}},
		opts,
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, utils.NewConversationNotFoundError(id.String())
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to lock conversation", err)
	}
	return documentToConversation(&doc), nil
}

func (t *mongoTx) ReserveMessageSeq(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var doc ConversationDocument
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := t.db.Conversations.FindOneAndUpdate(ctx,
		bson.M{"_id": conversationID.String()},
		bson.M{"$inc": bson.M{"messageSeq": 1}},
		opts,
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, utils.NewConversationNotFoundError(conversationID.String())
		}
		return 0, utils.NewAppError(utils.ErrDatabase, "failed to reserve message sequence", err)
	}
	return doc.MessageSeq, nil
}

func (t *mongoTx) InsertMessage(ctx context.Context, msg *models.Message) error {
	if _, err := t.db.Messages.InsertOne(ctx, messageToDocument(msg)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return utils.NewAppError(utils.ErrDuplicate, "message already exists", err)
		}
		return utils.NewAppError(utils.ErrDatabase, "failed to save message", err)
	}
	return nil
}

func (t *mongoTx) SetLastMessage(ctx context.Context, conversationID uuid.UUID, preview string, at time.Time) error {
	update := bson.M{"$set": bson.M{
		"lastMessage":   preview,
		"lastMessageAt": at,
		"activityAt":    at,
		"updatedAt":     at,
	}}
	return t.updateConversation(ctx, conversationID, update, "failed to update last message")
}

func (t *mongoTx) IncrementUnread(ctx context.Context, conversationID uuid.UUID, role models.Role) error {
	update := bson.M{"$inc": bson.M{unreadField(role): 1}}
	return t.updateConversation(ctx, conversationID, update, "failed to increment unread counter")
}

func (t *mongoTx) ResetUnread(ctx context.Context, conversationID uuid.UUID, role models.Role) error {
	return t.SetUnread(ctx, conversationID, role, 0)
}

func (t *mongoTx) SetUnread(ctx context.Context, conversationID uuid.UUID, role models.Role, count int) error {
	update := bson.M{"$set": bson.M{unreadField(role): count}}
	return t.updateConversation(ctx, conversationID, update, "failed to set unread counter")
}

func (t *mongoTx) MarkMessagesRead(ctx context.Context, conversationID uuid.UUID, authorRole models.Role, at time.Time) (int64, error) {
	filter := bson.M{
		"conversationId": conversationID.String(),
		"senderType":     string(authorRole),
		"status":         bson.M{"$ne": string(models.StatusRead)},
	}
	update := bson.M{"$set": bson.M{"status": string(models.StatusRead), "updatedAt": at}}
	result, err := t.db.Messages.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrDatabase, "failed to mark messages read", err)
	}
	return result.ModifiedCount, nil
}

func (t *mongoTx) CountUnread(ctx context.Context, conversationID uuid.UUID, authorRole models.Role) (int, error) {
	count, err := t.db.Messages.CountDocuments(ctx, bson.M{
		"conversationId": conversationID.String(),
		"senderType":     string(authorRole),
		"status":         bson.M{"$ne": string(models.StatusRead)},
	})
	if err != nil {
		return 0, utils.NewAppError(utils.ErrDatabase, "failed to count unread messages", err)
	}
	return int(count), nil
}

func (t *mongoTx) updateConversation(ctx context.Context, conversationID uuid.UUID, update bson.M, failure string) error {
	result, err := t.db.Conversations.UpdateOne(ctx, bson.M{"_id": conversationID.String()}, update)
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, failure, err)
	}
	if result.MatchedCount == 0 {
		return utils.NewConversationNotFoundError(conversationID.String())
	}
	return nil
}

func unreadField(role models.Role) string {
	if role == models.RoleHomeowner {
		return "unreadCountHomeowner"
	}
	return "unreadCountTradesperson"
}
