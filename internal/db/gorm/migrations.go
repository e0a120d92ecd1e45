package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: chats
		{
			ID: "001_chats",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Chat{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("chats")
			},
		},

		// Migration 002: messages with flattened carbon columns
		{
			ID: "002_messages",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Message{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("messages")
			},
		},

		// Migration 003: ordered message reads per chat
		{
			ID: "003_messages_chat_seq",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec("CREATE INDEX IF NOT EXISTS idx_messages_chat_seq ON messages (chat_id, seq)").Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("DROP INDEX IF EXISTS idx_messages_chat_seq").Error
			},
		},
	})

	return m.Migrate()
}
