// Package models contains domain models for ecoroute.
package models

import "time"

// Role identifies the author of a stored message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultChatTitle is the title of a chat that has not seen a prompt yet.
const DefaultChatTitle = "New chat"

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ChatRecord is a conversation and its running carbon totals.
type ChatRecord struct {
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	ID          string    `db:"id" json:"id"`
	Title       string    `db:"title" json:"title"`
	Model       string    `db:"model" json:"model"`
	Region      string    `db:"region" json:"region"`
	CarbonSaved float64   `db:"carbon_saved" json:"carbon_saved"`
	PromptCount int       `db:"prompt_count" json:"prompt_count"`
}

// StoredMessage is one entry of a chat's append-only message log.
// Created once and never modified.
type StoredMessage struct {
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	ID        string     `db:"id" json:"id"`
	ChatID    string     `db:"chat_id" json:"chat_id"`
	Role      Role       `db:"role" json:"role"`
	Content   string     `db:"content" json:"content"`
	Carbon    CarbonMeta `db:"carbon" json:"carbon"`
}

// ChatUpdate is a partial update of a ChatRecord. Nil fields are left alone.
type ChatUpdate struct {
	Title       *string
	Model       *string
	Region      *string
	CarbonSaved *float64
	PromptCount *int
}

// Apply copies the set fields of u onto chat.
func (u ChatUpdate) Apply(chat *ChatRecord) {
	if u.Title != nil {
		chat.Title = *u.Title
	}
	if u.Model != nil {
		chat.Model = *u.Model
	}
	if u.Region != nil {
		chat.Region = *u.Region
	}
	if u.CarbonSaved != nil {
		chat.CarbonSaved = *u.CarbonSaved
	}
	if u.PromptCount != nil {
		chat.PromptCount = *u.PromptCount
	}
}
