package gorm

import (
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/ecoroute/pkg/models"
)

// GORM Models

// Chat is a conversation row.
type Chat struct {
	ID             string  `gorm:"primaryKey;size:64"`
	Title          string  `gorm:"type:text;not null"`
	Model          string  `gorm:"type:text"`
	Region         string  `gorm:"type:text"`
	CarbonSaved    float64 `gorm:"not null;default:0"`
	PromptCount    int     `gorm:"not null;default:0"`
	CreatedAt      string  `gorm:"not null"`
	CreatedAtEpoch int64   `gorm:"index:idx_chats_created,sort:desc;not null"`
}

func (Chat) TableName() string { return "chats" }

// BeforeCreate hook to ensure timestamps are set.
func (c *Chat) BeforeCreate(tx *gorm.DB) error {
	if c.CreatedAtEpoch == 0 {
		c.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if c.CreatedAt == "" {
		c.CreatedAt = time.UnixMilli(c.CreatedAtEpoch).UTC().Format(time.RFC3339)
	}
	return nil
}

// Message is one row of a chat's append-only log. Seq preserves insertion
// order; MessageID is the public id.
type Message struct {
	Seq            int64             `gorm:"primaryKey;autoIncrement"`
	MessageID      string            `gorm:"uniqueIndex;size:64;not null"`
	ChatID         string            `gorm:"index:idx_messages_chat;size:64;not null"`
	Role           models.Role       `gorm:"type:text;check:role IN ('user', 'assistant');not null"`
	Content        string            `gorm:"type:text;not null"`
	Carbon         models.CarbonMeta `gorm:"embedded;embeddedPrefix:carbon_"`
	CreatedAt      string            `gorm:"not null"`
	CreatedAtEpoch int64             `gorm:"not null"`
}

func (Message) TableName() string { return "messages" }

func chatFromRecord(r *models.ChatRecord) *Chat {
	return &Chat{
		ID:             r.ID,
		Title:          r.Title,
		Model:          r.Model,
		Region:         r.Region,
		CarbonSaved:    r.CarbonSaved,
		PromptCount:    r.PromptCount,
		CreatedAt:      r.CreatedAt.UTC().Format(time.RFC3339),
		CreatedAtEpoch: r.CreatedAt.UnixMilli(),
	}
}

func (c *Chat) toRecord() models.ChatRecord {
	return models.ChatRecord{
		ID:          c.ID,
		Title:       c.Title,
		Model:       c.Model,
		Region:      c.Region,
		CarbonSaved: c.CarbonSaved,
		PromptCount: c.PromptCount,
		CreatedAt:   time.UnixMilli(c.CreatedAtEpoch),
	}
}

func messageFromModel(m *models.StoredMessage) *Message {
	return &Message{
		MessageID:      m.ID,
		ChatID:         m.ChatID,
		Role:           m.Role,
		Content:        m.Content,
		Carbon:         m.Carbon,
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339),
		CreatedAtEpoch: m.CreatedAt.UnixMilli(),
	}
}

func (m *Message) toModel() models.StoredMessage {
	return models.StoredMessage{
		ID:        m.MessageID,
		ChatID:    m.ChatID,
		Role:      m.Role,
		Content:   m.Content,
		Carbon:    m.Carbon,
		CreatedAt: time.UnixMilli(m.CreatedAtEpoch),
	}
}
