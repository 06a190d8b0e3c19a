package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is the single messaging channel for a (job, tradesperson) pair.
type Conversation struct {
	ID                      uuid.UUID  `json:"id" db:"id"`
	JobID                   string     `json:"job_id" db:"job_id"`
	JobTitle                string     `json:"job_title" db:"job_title"`
	HomeownerID             string     `json:"homeowner_id" db:"homeowner_id"`
	HomeownerName           string     `json:"homeowner_name" db:"homeowner_name"`
	TradespersonID          string     `json:"tradesperson_id" db:"tradesperson_id"`
	TradespersonName        string     `json:"tradesperson_name" db:"tradesperson_name"`
	LastMessage             *string    `json:"last_message" db:"last_message"`
	LastMessageAt           *time.Time `json:"last_message_at" db:"last_message_at"`
	UnreadCountHomeowner    int        `json:"unread_count_homeowner" db:"unread_count_homeowner"`
	UnreadCountTradesperson int        `json:"unread_count_tradesperson" db:"unread_count_tradesperson"`
	MessageSeq              int64      `json:"-" db:"message_seq"`
	CreatedAt               time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at" db:"updated_at"`
}

// RoleOf returns the role userID plays in the conversation, if any.
func (c *Conversation) RoleOf(userID string) (Role, bool) {
	switch userID {
	case c.HomeownerID:
		return RoleHomeowner, true
	case c.TradespersonID:
		return RoleTradesperson, true
	}
	return "", false
}

// PartyID returns the user id on the given side of the conversation.
func (c *Conversation) PartyID(role Role) string {
	if role == RoleHomeowner {
		return c.HomeownerID
	}
	return c.TradespersonID
}

// PartyName returns the display name on the given side of the conversation.
func (c *Conversation) PartyName(role Role) string {
	if role == RoleHomeowner {
		return c.HomeownerName
	}
	return c.TradespersonName
}

// UnreadFor returns the unread counter belonging to role.
func (c *Conversation) UnreadFor(role Role) int {
	if role == RoleHomeowner {
		return c.UnreadCountHomeowner
	}
	return c.UnreadCountTradesperson
}

// ActivityAt is the sort key used when listing conversations.
func (c *Conversation) ActivityAt() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// Summary renders the conversation from the point of view of role.
func (c *Conversation) Summary(role Role) ConversationSummary {
	other := role.Other()
	return ConversationSummary{
		ID:             c.ID,
		JobID:          c.JobID,
		JobTitle:       c.JobTitle,
		OtherPartyID:   c.PartyID(other),
		OtherPartyName: c.PartyName(other),
		OtherPartyType: other,
		LastMessage:    c.LastMessage,
		LastMessageAt:  c.LastMessageAt,
		UnreadCount:    c.UnreadFor(role),
		CreatedAt:      c.CreatedAt,
	}
}

type ConversationSummary struct {
	ID             uuid.UUID  `json:"id"`
	JobID          string     `json:"job_id"`
	JobTitle       string     `json:"job_title"`
	OtherPartyID   string     `json:"other_party_id"`
	OtherPartyName string     `json:"other_party_name"`
	OtherPartyType Role       `json:"other_party_type"`
	LastMessage    *string    `json:"last_message"`
	LastMessageAt  *time.Time `json:"last_message_at"`
	UnreadCount    int        `json:"unread_count"`
	CreatedAt      time.Time  `json:"created_at"`
}
