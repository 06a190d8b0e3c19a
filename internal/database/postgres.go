// internal/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tradechat/internal/directory"
	"tradechat/internal/models"
	"tradechat/internal/utils"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresDB represents a PostgreSQL database connection
type PostgresDB struct {
	DB     *sqlx.DB
	logger zerolog.Logger
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(connectionString string, logger zerolog.Logger) (*PostgresDB, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Ping the database to verify connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info().Msg("connected to PostgreSQL")

	return &PostgresDB{
		DB:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (p *PostgresDB) Close(ctx context.Context) error {
	p.logger.Info().Msg("closing PostgreSQL connection")
	return p.DB.Close()
}

// InitializeTables creates all necessary tables if they don't exist. The users, jobs and
// interests tables belong to the wider marketplace; they are created here so a fresh
// database can be seeded for development.
func (p *PostgresDB) InitializeTables(ctx context.Context) error {
	statements := []struct {
		name string
		sql  string
	}{
		{"users", `
			CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				role VARCHAR(20) NOT NULL
			)`},
		{"jobs", `
			CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				title TEXT NOT NULL,
				homeowner_id TEXT NOT NULL
			)`},
		{"interests", `
			CREATE TABLE IF NOT EXISTS interests (
				job_id TEXT NOT NULL,
				tradesperson_id TEXT NOT NULL,
				status TEXT,
				PRIMARY KEY (job_id, tradesperson_id)
			)`},
		{"conversations", `
			CREATE TABLE IF NOT EXISTS conversations (
				id UUID PRIMARY KEY,
				job_id TEXT NOT NULL,
				job_title TEXT NOT NULL DEFAULT '',
				homeowner_id TEXT NOT NULL,
				homeowner_name TEXT NOT NULL DEFAULT '',
				tradesperson_id TEXT NOT NULL,
				tradesperson_name TEXT NOT NULL DEFAULT '',
				last_message TEXT,
				last_message_at TIMESTAMP WITH TIME ZONE,
				unread_count_homeowner INTEGER NOT NULL DEFAULT 0 CHECK (unread_count_homeowner >= 0),
				unread_count_tradesperson INTEGER NOT NULL DEFAULT 0 CHECK (unread_count_tradesperson >= 0),
				message_seq BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				CONSTRAINT conversations_job_tradesperson_key UNIQUE (job_id, tradesperson_id)
			)`},
		{"conversations homeowner index", `
			CREATE INDEX IF NOT EXISTS conversations_homeowner_idx
				ON conversations (homeowner_id, (COALESCE(last_message_at, created_at)) DESC)`},
		{"conversations tradesperson index", `
			CREATE INDEX IF NOT EXISTS conversations_tradesperson_idx
				ON conversations (tradesperson_id, (COALESCE(last_message_at, created_at)) DESC)`},
		{"messages", `
			CREATE TABLE IF NOT EXISTS messages (
				id UUID PRIMARY KEY,
				conversation_id UUID NOT NULL REFERENCES conversations(id),
				seq BIGINT NOT NULL,
				sender_id TEXT NOT NULL,
				sender_name TEXT NOT NULL DEFAULT '',
				sender_type VARCHAR(20) NOT NULL,
				message_type VARCHAR(10) NOT NULL,
				content TEXT NOT NULL,
				attachment_url TEXT,
				status VARCHAR(10) NOT NULL DEFAULT 'sent',
				created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
				UNIQUE (conversation_id, seq)
			)`},
		{"messages unread index", `
			CREATE INDEX IF NOT EXISTS messages_unread_idx
				ON messages (conversation_id, sender_type) WHERE status <> 'read'`},
	}

	for _, stmt := range statements {
		if _, err := p.DB.ExecContext(ctx, stmt.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}
	return nil
}

const conversationColumns = `id, job_id, job_title, homeowner_id, homeowner_name, tradesperson_id, tradesperson_name,
	last_message, last_message_at, unread_count_homeowner, unread_count_tradesperson, message_seq, created_at, updated_at`

const messageColumns = `id, conversation_id, seq, sender_id, sender_name, sender_type, message_type, content,
	attachment_url, status, created_at, updated_at`

// --- Conversation Methods ---

// InsertConversation inserts a conversation; the unique constraint on
// (job_id, tradesperson_id) turns a lost creation race into ErrDuplicate.
func (p *PostgresDB) InsertConversation(ctx context.Context, conv *models.Conversation) error {
	query := `
		INSERT INTO conversations (id, job_id, job_title, homeowner_id, homeowner_name, tradesperson_id,
			tradesperson_name, unread_count_homeowner, unread_count_tradesperson, message_seq, created_at, updated_at)
		VALUES (:id, :job_id, :job_title, :homeowner_id, :homeowner_name, :tradesperson_id,
			:tradesperson_name, 0, 0, 0, :created_at, :updated_at)
	`
	_, err := p.DB.NamedExecContext(ctx, query, conv)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return utils.NewAppError(utils.ErrDuplicate, fmt.Sprintf("conversation already exists: %v", pqErr.Constraint), err)
		}
		return utils.NewAppError(utils.ErrDatabase, "failed to insert conversation", err)
	}
	return nil
}

// GetConversation fetches a conversation by its ID.
func (p *PostgresDB) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1`
	var conv models.Conversation
	if err := p.DB.GetContext(ctx, &conv, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewConversationNotFoundError(id.String())
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query conversation", err)
	}
	return &conv, nil
}

// GetConversationByPair fetches the conversation for a job and tradesperson.
func (p *PostgresDB) GetConversationByPair(ctx context.Context, jobID, tradespersonID string) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE job_id = $1 AND tradesperson_id = $2`
	var conv models.Conversation
	if err := p.DB.GetContext(ctx, &conv, query, jobID, tradespersonID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewAppError(utils.ErrConversationNotFound, "no conversation for job and tradesperson", err)
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query conversation by job", err)
	}
	return &conv, nil
}

// ListConversations returns a party's conversations, most recently active first.
func (p *PostgresDB) ListConversations(ctx context.Context, partyID string, role models.Role) ([]*models.Conversation, error) {
	column := "tradesperson_id"
	if role == models.RoleHomeowner {
		column = "homeowner_id"
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE ` + column + ` = $1
		ORDER BY COALESCE(last_message_at, created_at) DESC, id ASC`

	conversations := []*models.Conversation{}
	if err := p.DB.SelectContext(ctx, &conversations, query, partyID); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to list conversations", err)
	}
	return conversations, nil
}

// ConversationIDs lists every conversation ID in creation order.
func (p *PostgresDB) ConversationIDs(ctx context.Context) ([]uuid.UUID, error) {
	ids := []uuid.UUID{}
	if err := p.DB.SelectContext(ctx, &ids, `SELECT id FROM conversations ORDER BY created_at, id`); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to list conversation ids", err)
	}
	return ids, nil
}

// --- Message Methods ---

// GetMessage fetches a single message.
func (p *PostgresDB) GetMessage(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	var msg models.Message
	if err := p.DB.GetContext(ctx, &msg, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewAppError(utils.ErrMessageNotFound, "message not found: "+id.String(), err)
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query message", err)
	}
	return &msg, nil
}

// ListMessages returns up to limit messages with seq greater than afterSeq, oldest first.
func (p *PostgresDB) ListMessages(ctx context.Context, conversationID uuid.UUID, afterSeq int64, limit int) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`
	messages := []*models.Message{}
	if err := p.DB.SelectContext(ctx, &messages, query, conversationID, afterSeq, limit); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to list messages", err)
	}
	return messages, nil
}

// CountMessages counts the messages in a conversation.
func (p *PostgresDB) CountMessages(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var count int64
	if err := p.DB.GetContext(ctx, &count, `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID); err != nil {
		return 0, utils.NewAppError(utils.ErrDatabase, "failed to count messages", err)
	}
	return count, nil
}

// AdvanceMessageStatus moves a message forward to the given status. Backward or
// repeated transitions match no row and report false.
func (p *PostgresDB) AdvanceMessageStatus(ctx context.Context, messageID uuid.UUID, to models.MessageStatus) (bool, error) {
	from := advanceableFrom(to)
	if len(from) == 0 {
		return false, nil
	}

	query, args, err := sqlx.In(`UPDATE messages SET status = ?, updated_at = NOW() WHERE id = ? AND status IN (?)`, to, messageID, from)
	if err != nil {
		return false, utils.NewAppError(utils.ErrDatabase, "failed to build status update", err)
	}
	result, err := p.DB.ExecContext(ctx, p.DB.Rebind(query), args...)
	if err != nil {
		return false, utils.NewAppError(utils.ErrDatabase, "failed to update message status", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return true, nil
	}

	// Distinguish a missing message from a no-op transition
	if _, err := p.GetMessage(ctx, messageID); err != nil {
		return false, err
	}
	return false, nil
}

// AdvanceMessageStatuses moves a batch of messages forward in one statement.
func (p *PostgresDB) AdvanceMessageStatuses(ctx context.Context, messageIDs []uuid.UUID, to models.MessageStatus) ([]uuid.UUID, error) {
	from := advanceableFrom(to)
	if len(messageIDs) == 0 || len(from) == 0 {
		return nil, nil
	}
	ids := make([]string, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = id.String()
	}
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}

	query := `UPDATE messages SET status = $1, updated_at = NOW()
		WHERE id = ANY($2::uuid[]) AND status = ANY($3)
		RETURNING id`
	changed := []uuid.UUID{}
	if err := p.DB.SelectContext(ctx, &changed, query, to, pq.Array(ids), pq.Array(statuses)); err != nil {
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to update message statuses", err)
	}
	return changed, nil
}

// InTx runs fn inside a database transaction. The deferred rollback is a no-op once
// the transaction has been committed; a cancelled context aborts it.
func (p *PostgresDB) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1 FOR UPDATE`
	var conv models.Conversation
	if err := t.tx.GetContext(ctx, &conv, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewConversationNotFoundError(id.String())
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to lock conversation", err)
	}
	return &conv, nil
}

func (t *pgTx) ReserveMessageSeq(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var seq int64
	query := `UPDATE conversations SET message_seq = message_seq + 1 WHERE id = $1 RETURNING message_seq`
	if err := t.tx.GetContext(ctx, &seq, query, conversationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, utils.NewConversationNotFoundError(conversationID.String())
		}
		return 0, utils.NewAppError(utils.ErrDatabase, "failed to reserve message sequence", err)
	}
	return seq, nil
}

func (t *pgTx) InsertMessage(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, seq, sender_id, sender_name, sender_type, message_type,
			content, attachment_url, status, created_at, updated_at)
		VALUES (:id, :conversation_id, :seq, :sender_id, :sender_name, :sender_type, :message_type,
			:content, :attachment_url, :status, :created_at, :updated_at)
	`
	if _, err := t.tx.NamedExecContext(ctx, query, msg); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return utils.NewAppError(utils.ErrDuplicate, "message already exists", err)
		}
		return utils.NewAppError(utils.ErrDatabase, "failed to insert message", err)
	}
	return nil
}

func (t *pgTx) SetLastMessage(ctx context.Context, conversationID uuid.UUID, preview string, at time.Time) error {
	query := `UPDATE conversations SET last_message = $1, last_message_at = $2, updated_at = $2 WHERE id = $3`
	return t.execOne(ctx, "failed to update last message", query, preview, at, conversationID)
}

func (t *pgTx) IncrementUnread(ctx context.Context, conversationID uuid.UUID, role models.Role) error {
	column := unreadColumn(role)
	query := `UPDATE conversations SET ` + column + ` = ` + column + ` + 1 WHERE id = $1`
	return t.execOne(ctx, "failed to increment unread counter", query, conversationID)
}

func (t *pgTx) ResetUnread(ctx context.Context, conversationID uuid.UUID, role models.Role) error {
	return t.SetUnread(ctx, conversationID, role, 0)
}

func (t *pgTx) SetUnread(ctx context.Context, conversationID uuid.UUID, role models.Role, count int) error {
	query := `UPDATE conversations SET ` + unreadColumn(role) + ` = $1 WHERE id = $2`
	return t.execOne(ctx, "failed to set unread counter", query, count, conversationID)
}

func (t *pgTx) MarkMessagesRead(ctx context.Context, conversationID uuid.UUID, authorRole models.Role, at time.Time) (int64, error) {
	query := `UPDATE messages SET status = $1, updated_at = $2
		WHERE conversation_id = $3 AND sender_type = $4 AND status <> $1`
	result, err := t.tx.ExecContext(ctx, query, models.StatusRead, at, conversationID, authorRole)
	if err != nil {
		return 0, utils.NewAppError(utils.ErrDatabase, "failed to mark messages read", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return rowsAffected, nil
}

func (t *pgTx) CountUnread(ctx context.Context, conversationID uuid.UUID, authorRole models.Role) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM messages WHERE conversation_id = $1 AND sender_type = $2 AND status <> $3`
	if err := t.tx.GetContext(ctx, &count, query, conversationID, authorRole, models.StatusRead); err != nil {
		return 0, utils.NewAppError(utils.ErrDatabase, "failed to count unread messages", err)
	}
	return count, nil
}

func (t *pgTx) execOne(ctx context.Context, failure string, query string, args ...interface{}) error {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, failure, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to get rows affected after update", err)
	}
	if rowsAffected == 0 {
		return utils.NewAppError(utils.ErrConversationNotFound, failure+": conversation not found", nil)
	}
	return nil
}

// --- Marketplace lookups ---

// GetInterest reads the interest row as stored. A NULL status is reported as malformed.
func (p *PostgresDB) GetInterest(ctx context.Context, jobID, tradespersonID string) (*models.InterestRecord, error) {
	var row struct {
		JobID          string         `db:"job_id"`
		TradespersonID string         `db:"tradesperson_id"`
		Status         sql.NullString `db:"status"`
	}
	query := `SELECT job_id, tradesperson_id, status FROM interests WHERE job_id = $1 AND tradesperson_id = $2`
	if err := p.DB.GetContext(ctx, &row, query, jobID, tradespersonID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewAppError(utils.ErrNotFound, "interest not found", err)
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query interest", err)
	}
	return &models.InterestRecord{
		JobID:          row.JobID,
		TradespersonID: row.TradespersonID,
		Status:         models.InterestStatus(row.Status.String),
		Malformed:      !row.Status.Valid,
	}, nil
}

func (p *PostgresDB) GetJobTitle(ctx context.Context, jobID string) (string, error) {
	job, err := p.getJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Title, nil
}

func (p *PostgresDB) GetHomeownerOf(ctx context.Context, jobID string) (string, error) {
	job, err := p.getJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.HomeownerID, nil
}

func (p *PostgresDB) getJob(ctx context.Context, jobID string) (*directory.Job, error) {
	var job directory.Job
	if err := p.DB.GetContext(ctx, &job, `SELECT id, title, homeowner_id FROM jobs WHERE id = $1`, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, utils.NewAppError(utils.ErrJobNotFound, "job not found: "+jobID, err)
		}
		return nil, utils.NewAppError(utils.ErrDatabase, "failed to query job", err)
	}
	return &job, nil
}

func (p *PostgresDB) GetDisplayName(ctx context.Context, userID string) (string, error) {
	var name string
	if err := p.DB.GetContext(ctx, &name, `SELECT name FROM users WHERE id = $1`, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", utils.NewAppError(utils.ErrNotFound, "user not found: "+userID, err)
		}
		return "", utils.NewAppError(utils.ErrDatabase, "failed to query user", err)
	}
	return name, nil
}

func (p *PostgresDB) SeedUser(ctx context.Context, user directory.User) error {
	query := `INSERT INTO users (id, name, role) VALUES (:id, :name, :role)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role`
	if _, err := p.DB.NamedExecContext(ctx, query, user); err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to seed user", err)
	}
	return nil
}

func (p *PostgresDB) SeedJob(ctx context.Context, job directory.Job) error {
	query := `INSERT INTO jobs (id, title, homeowner_id) VALUES (:id, :title, :homeowner_id)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, homeowner_id = EXCLUDED.homeowner_id`
	if _, err := p.DB.NamedExecContext(ctx, query, job); err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to seed job", err)
	}
	return nil
}

func (p *PostgresDB) SeedInterest(ctx context.Context, interest models.InterestRecord) error {
	query := `INSERT INTO interests (job_id, tradesperson_id, status) VALUES ($1, $2, $3)
		ON CONFLICT (job_id, tradesperson_id) DO UPDATE SET status = EXCLUDED.status`
	var status interface{} = string(interest.Status)
	if interest.Malformed {
		status = nil
	}
	if _, err := p.DB.ExecContext(ctx, query, interest.JobID, interest.TradespersonID, status); err != nil {
		return utils.NewAppError(utils.ErrDatabase, "failed to seed interest", err)
	}
	return nil
}
