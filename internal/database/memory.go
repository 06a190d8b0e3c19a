package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradechat/internal/directory"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/google/uuid"
)

type pairKey struct {
	jobID          string
	tradespersonID string
}

// MemoryDB is an in-process Store used for development and tests. A transaction holds
// the write lock for its whole duration and undoes its writes on failure.
type MemoryDB struct {
	mu sync.RWMutex

	conversations map[uuid.UUID]*models.Conversation
	pairs         map[pairKey]uuid.UUID
	messages      map[uuid.UUID]*models.Message
	byConv        map[uuid.UUID][]*models.Message // ordered by Seq

	users     map[string]directory.User
	jobs      map[string]directory.Job
	interests map[pairKey]models.InterestRecord
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		conversations: make(map[uuid.UUID]*models.Conversation),
		pairs:         make(map[pairKey]uuid.UUID),
		messages:      make(map[uuid.UUID]*models.Message),
		byConv:        make(map[uuid.UUID][]*models.Message),
		users:         make(map[string]directory.User),
		jobs:          make(map[string]directory.Job),
		interests:     make(map[pairKey]models.InterestRecord),
	}
}

func (m *MemoryDB) Close(ctx context.Context) error {
	return nil
}

// --- Conversation Methods ---

func (m *MemoryDB) InsertConversation(ctx context.Context, conv *models.Conversation) error {
	if err := ctx.Err(); err != nil {
		return utils.NewAppError(utils.ErrDatabase, "insert conversation cancelled", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{conv.JobID, conv.TradespersonID}
	if _, exists := m.pairs[key]; exists {
		return utils.NewAppError(utils.ErrDuplicate, "conversation already exists for job and tradesperson", nil)
	}
	stored := *conv
	m.conversations[conv.ID] = &stored
	m.pairs[key] = conv.ID
	return nil
}

func (m *MemoryDB) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, utils.NewConversationNotFoundError(id.String())
	}
	return copyConversation(conv), nil
}

func (m *MemoryDB) GetConversationByPair(ctx context.Context, jobID, tradespersonID string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.pairs[pairKey{jobID, tradespersonID}]
	if !ok {
		return nil, utils.NewAppError(utils.ErrConversationNotFound, "no conversation for job and tradesperson", nil)
	}
	return copyConversation(m.conversations[id]), nil
}

func (m *MemoryDB) ListConversations(ctx context.Context, partyID string, role models.Role) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*models.Conversation, 0)
	for _, conv := range m.conversations {
		if conv.PartyID(role) == partyID {
			result = append(result, copyConversation(conv))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		ai, aj := result[i].ActivityAt(), result[j].ActivityAt()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return result[i].ID.String() < result[j].ID.String()
	})
	return result, nil
}

// --- Message Methods ---

func (m *MemoryDB) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, utils.NewAppError(utils.ErrMessageNotFound, "message not found: "+id.String(), nil)
	}
	return copyMessage(msg), nil
}

func (m *MemoryDB) ListMessages(ctx context.Context, conversationID uuid.UUID, afterSeq int64, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.byConv[conversationID]
	start := sort.Search(len(log), func(i int) bool { return log[i].Seq > afterSeq })

	result := make([]*models.Message, 0, limit)
	for i := start; i < len(log) && len(result) < limit; i++ {
		result = append(result, copyMessage(log[i]))
	}
	return result, nil
}

func (m *MemoryDB) CountMessages(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.byConv[conversationID])), nil
}

func (m *MemoryDB) AdvanceMessageStatus(ctx context.Context, messageID uuid.UUID, to models.MessageStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return false, utils.NewAppError(utils.ErrMessageNotFound, "message not found: "+messageID.String(), nil)
	}
	if !msg.Status.CanAdvanceTo(to) {
		return false, nil
	}
	msg.Status = to
	msg.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryDB) AdvanceMessageStatuses(ctx context.Context, messageIDs []uuid.UUID, to models.MessageStatus) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	changed := []uuid.UUID{}
	for _, id := range messageIDs {
		msg, ok := m.messages[id]
		if !ok || !msg.Status.CanAdvanceTo(to) {
			continue
		}
		msg.Status = to
		msg.UpdatedAt = now
		changed = append(changed, id)
	}
	return changed, nil
}

func (m *MemoryDB) ConversationIDs(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	convs := make([]*models.Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		convs = append(convs, conv)
	}
	sort.Slice(convs, func(i, j int) bool {
		if !convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].CreatedAt.Before(convs[j].CreatedAt)
		}
		return convs[i].ID.String() < convs[j].ID.String()
	})

	ids := make([]uuid.UUID, len(convs))
	for i, conv := range convs {
		ids[i] = conv.ID
	}
	return ids, nil
}

func (m *MemoryDB) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{db: m}
	err := fn(ctx, tx)
	if err == nil && ctx.Err() != nil {
		err = utils.NewAppError(utils.ErrDatabase, "transaction cancelled before commit", ctx.Err())
	}
	if err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// --- Marketplace lookups ---

func (m *MemoryDB) GetInterest(ctx context.Context, jobID, tradespersonID string) (*models.InterestRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.interests[pairKey{jobID, tradespersonID}]
	if !ok {
		return nil, utils.NewAppError(utils.ErrNotFound, "interest not found", nil)
	}
	return &rec, nil
}

func (m *MemoryDB) GetJobTitle(ctx context.Context, jobID string) (string, error) {
	job, err := m.job(jobID)
	if err != nil {
		return "", err
	}
	return job.Title, nil
}

func (m *MemoryDB) GetHomeownerOf(ctx context.Context, jobID string) (string, error) {
	job, err := m.job(jobID)
	if err != nil {
		return "", err
	}
	return job.HomeownerID, nil
}

func (m *MemoryDB) job(jobID string) (directory.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return directory.Job{}, utils.NewAppError(utils.ErrJobNotFound, "job not found: "+jobID, nil)
	}
	return job, nil
}

func (m *MemoryDB) GetDisplayName(ctx context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[userID]
	if !ok {
		return "", utils.NewAppError(utils.ErrNotFound, "user not found: "+userID, nil)
	}
	return user.Name, nil
}

func (m *MemoryDB) SeedUser(ctx context.Context, user directory.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *MemoryDB) SeedJob(ctx context.Context, job directory.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryDB) SeedInterest(ctx context.Context, interest models.InterestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interests[pairKey{interest.JobID, interest.TradespersonID}] = interest
	return nil
}

// memTx mutates MemoryDB directly while the caller holds m.mu and records how to undo it.
type memTx struct {
	db   *MemoryDB
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) conversation(id uuid.UUID) (*models.Conversation, error) {
	conv, ok := t.db.conversations[id]
	if !ok {
		return nil, utils.NewConversationNotFoundError(id.String())
	}
	return conv, nil
}

// mutateConversation snapshots the conversation before applying change.
func (t *memTx) mutateConversation(id uuid.UUID, change func(c *models.Conversation)) error {
	conv, err := t.conversation(id)
	if err != nil {
		return err
	}
	before := *conv
	t.undo = append(t.undo, func() { *conv = before })
	change(conv)
	return nil
}

func (t *memTx) LockConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	conv, err := t.conversation(id)
	if err != nil {
		return nil, err
	}
	return copyConversation(conv), nil
}

func (t *memTx) ReserveMessageSeq(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var seq int64
	err := t.mutateConversation(conversationID, func(c *models.Conversation) {
		c.MessageSeq++
		seq = c.MessageSeq
	})
	return seq, err
}

func (t *memTx) InsertMessage(ctx context.Context, msg *models.Message) error {
	if _, exists := t.db.messages[msg.ID]; exists {
		return utils.NewAppError(utils.ErrDuplicate, "message already exists", nil)
	}
	log := t.db.byConv[msg.ConversationID]
	if n := len(log); n > 0 && log[n-1].Seq >= msg.Seq {
		return utils.NewAppError(utils.ErrDatabase, fmt.Sprintf("message seq %d out of order", msg.Seq), nil)
	}

	stored := copyMessage(msg)
	t.db.messages[msg.ID] = stored
	t.db.byConv[msg.ConversationID] = append(log, stored)
	t.undo = append(t.undo, func() {
		delete(t.db.messages, msg.ID)
		t.db.byConv[msg.ConversationID] = log
	})
	return nil
}

func (t *memTx) SetLastMessage(ctx context.Context, conversationID uuid.UUID, preview string, at time.Time) error {
	return t.mutateConversation(conversationID, func(c *models.Conversation) {
		c.LastMessage = &preview
		c.LastMessageAt = &at
		c.UpdatedAt = at
	})
}

func (t *memTx) IncrementUnread(ctx context.Context, conversationID uuid.UUID, role models.Role) error {
	return t.mutateConversation(conversationID, func(c *models.Conversation) {
		if role == models.RoleHomeowner {
			c.UnreadCountHomeowner++
		} else {
			c.UnreadCountTradesperson++
		}
	})
}

func (t *memTx) ResetUnread(ctx context.Context, conversationID uuid.UUID, role models.Role) error {
	return t.SetUnread(ctx, conversationID, role, 0)
}

func (t *memTx) SetUnread(ctx context.Context, conversationID uuid.UUID, role models.Role, count int) error {
	return t.mutateConversation(conversationID, func(c *models.Conversation) {
		if role == models.RoleHomeowner {
			c.UnreadCountHomeowner = count
		} else {
			c.UnreadCountTradesperson = count
		}
	})
}

func (t *memTx) MarkMessagesRead(ctx context.Context, conversationID uuid.UUID, authorRole models.Role, at time.Time) (int64, error) {
	var changed int64
	for _, msg := range t.db.byConv[conversationID] {
		msg := msg
		if msg.SenderType != authorRole || msg.Status == models.StatusRead {
			continue
		}
		before := *msg
		t.undo = append(t.undo, func() { *msg = before })
		msg.Status = models.StatusRead
		msg.UpdatedAt = at
		changed++
	}
	return changed, nil
}

func (t *memTx) CountUnread(ctx context.Context, conversationID uuid.UUID, authorRole models.Role) (int, error) {
	count := 0
	for _, msg := range t.db.byConv[conversationID] {
		if msg.SenderType == authorRole && msg.Status != models.StatusRead {
			count++
		}
	}
	return count, nil
}

func copyConversation(c *models.Conversation) *models.Conversation {
	out := *c
	if c.LastMessage != nil {
		s := *c.LastMessage
		out.LastMessage = &s
	}
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		out.LastMessageAt = &at
	}
	return &out
}

func copyMessage(m *models.Message) *models.Message {
	out := *m
	if m.AttachmentURL != nil {
		s := *m.AttachmentURL
		out.AttachmentURL = &s
	}
	return &out
}
