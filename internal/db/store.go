// Package db defines the chat persistence contract shared by the GORM and
// in-memory stores.
package db

import (
	"context"
	"errors"

	"github.com/thebtf/ecoroute/pkg/models"
)

// ErrChatNotFound is returned when a chat id does not exist.
var ErrChatNotFound = errors.New("chat not found")

// Store persists chats and their append-only message logs.
//
// Implementations fill in missing ids and timestamps on create. Messages of
// a chat are returned in insertion order; chats are returned newest first.
type Store interface {
	CreateChat(ctx context.Context, chat *models.ChatRecord) error
	GetChat(ctx context.Context, id string) (*models.ChatRecord, error)
	GetAllChats(ctx context.Context) ([]models.ChatRecord, error)
	UpdateChat(ctx context.Context, id string, update models.ChatUpdate) (*models.ChatRecord, error)
	DeleteChat(ctx context.Context, id string) error

	AddMessage(ctx context.Context, msg *models.StoredMessage) error
	GetMessages(ctx context.Context, chatID string) ([]models.StoredMessage, error)

	Close() error
}
