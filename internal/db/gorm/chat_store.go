package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/thebtf/ecoroute/internal/db"
	"github.com/thebtf/ecoroute/pkg/models"
)

// ChatStore provides chat and message operations using GORM.
type ChatStore struct {
	store *Store
	conn  *gorm.DB
}

var _ db.Store = (*ChatStore)(nil)

// NewChatStore creates a chat store on top of an open Store.
func NewChatStore(store *Store) *ChatStore {
	return &ChatStore{store: store, conn: store.DB}
}

// Close closes the underlying connection.
func (s *ChatStore) Close() error {
	return s.store.Close()
}

// CreateChat inserts chat, filling in ID and CreatedAt when empty.
func (s *ChatStore) CreateChat(ctx context.Context, chat *models.ChatRecord) error {
	if chat == nil {
		return fmt.Errorf("create chat: nil record")
	}
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	if err := s.conn.WithContext(ctx).Create(chatFromRecord(chat)).Error; err != nil {
		return fmt.Errorf("create chat %s: %w", chat.ID, err)
	}
	return nil
}

// GetChat retrieves a chat by id.
func (s *ChatStore) GetChat(ctx context.Context, id string) (*models.ChatRecord, error) {
	row, err := s.getChat(s.conn.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	record := row.toRecord()
	return &record, nil
}

func (s *ChatStore) getChat(tx *gorm.DB, id string) (*Chat, error) {
	var row Chat
	err := tx.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, db.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", id, err)
	}
	return &row, nil
}

// GetAllChats returns every chat, newest first.
func (s *ChatStore) GetAllChats(ctx context.Context) ([]models.ChatRecord, error) {
	var rows []Chat
	err := s.conn.WithContext(ctx).
		Order("created_at_epoch DESC").
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	records := make([]models.ChatRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}

// UpdateChat applies the set fields of update and returns the new record.
func (s *ChatStore) UpdateChat(ctx context.Context, id string, update models.ChatUpdate) (*models.ChatRecord, error) {
	var out models.ChatRecord
	err := s.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.getChat(tx, id); err != nil {
			return err
		}

		fields := updateFields(update)
		if len(fields) > 0 {
			if err := tx.Model(&Chat{}).Where("id = ?", id).Updates(fields).Error; err != nil {
				return fmt.Errorf("update chat %s: %w", id, err)
			}
		}

		row, err := s.getChat(tx, id)
		if err != nil {
			return err
		}
		out = row.toRecord()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func updateFields(u models.ChatUpdate) map[string]interface{} {
	fields := map[string]interface{}{}
	if u.Title != nil {
		fields["title"] = *u.Title
	}
	if u.Model != nil {
		fields["model"] = *u.Model
	}
	if u.Region != nil {
		fields["region"] = *u.Region
	}
	if u.CarbonSaved != nil {
		fields["carbon_saved"] = *u.CarbonSaved
	}
	if u.PromptCount != nil {
		fields["prompt_count"] = *u.PromptCount
	}
	return fields
}

// DeleteChat removes a chat and its messages.
func (s *ChatStore) DeleteChat(ctx context.Context, id string) error {
	return s.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", id).Delete(&Message{}).Error; err != nil {
			return fmt.Errorf("delete messages of %s: %w", id, err)
		}
		res := tx.Where("id = ?", id).Delete(&Chat{})
		if res.Error != nil {
			return fmt.Errorf("delete chat %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return db.ErrChatNotFound
		}
		return nil
	})
}

// AddMessage appends msg to its chat's log.
func (s *ChatStore) AddMessage(ctx context.Context, msg *models.StoredMessage) error {
	if msg == nil {
		return fmt.Errorf("add message: nil message")
	}
	if !msg.Role.IsValid() {
		return fmt.Errorf("add message: invalid role %q", msg.Role)
	}
	if err := s.ensureChat(ctx, msg.ChatID); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := s.conn.WithContext(ctx).Create(messageFromModel(msg)).Error; err != nil {
		return fmt.Errorf("add message to %s: %w", msg.ChatID, err)
	}
	return nil
}

// GetMessages returns the messages of a chat in insertion order.
func (s *ChatStore) GetMessages(ctx context.Context, chatID string) ([]models.StoredMessage, error) {
	if err := s.ensureChat(ctx, chatID); err != nil {
		return nil, err
	}

	var rows []Message
	err := s.conn.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get messages of %s: %w", chatID, err)
	}

	msgs := make([]models.StoredMessage, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, rows[i].toModel())
	}
	return msgs, nil
}

func (s *ChatStore) ensureChat(ctx context.Context, id string) error {
	var count int64
	err := s.conn.WithContext(ctx).
		Model(&Chat{}).
		Where("id = ?", id).
		Count(&count).Error
	if err != nil {
		return fmt.Errorf("check chat %s: %w", id, err)
	}
	if count == 0 {
		return db.ErrChatNotFound
	}
	return nil
}
