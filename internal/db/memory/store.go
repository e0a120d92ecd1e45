// Package memory is an in-process implementation of db.Store. It mirrors the
// ordering semantics of the GORM store and is used by tests and by the
// worker when no database is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thebtf/ecoroute/internal/db"
	"github.com/thebtf/ecoroute/pkg/models"
)

type chatEntry struct {
	record   models.ChatRecord
	seq      uint64
	messages []models.StoredMessage
}

// Store keeps chats and messages in maps guarded by one mutex.
type Store struct {
	mu    sync.Mutex
	chats map[string]*chatEntry
	seq   uint64
	now   func() time.Time
}

var _ db.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		chats: map[string]*chatEntry{},
		now:   time.Now,
	}
}

// SetClock replaces time.Now for created_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateChat(_ context.Context, chat *models.ChatRecord) error {
	if chat == nil {
		return fmt.Errorf("create chat: nil record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	if _, exists := s.chats[chat.ID]; exists {
		return fmt.Errorf("create chat %s: already exists", chat.ID)
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = s.now()
	}
	s.seq++
	s.chats[chat.ID] = &chatEntry{record: *chat, seq: s.seq}
	return nil
}

func (s *Store) GetChat(_ context.Context, id string) (*models.ChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.chats[id]
	if !ok {
		return nil, db.ErrChatNotFound
	}
	record := entry.record
	return &record, nil
}

func (s *Store) GetAllChats(_ context.Context) ([]models.ChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*chatEntry, 0, len(s.chats))
	for _, entry := range s.chats {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].record.CreatedAt, entries[j].record.CreatedAt
		if a.Equal(b) {
			return entries[i].seq > entries[j].seq
		}
		return a.After(b)
	})

	records := make([]models.ChatRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, entry.record)
	}
	return records, nil
}

func (s *Store) UpdateChat(_ context.Context, id string, update models.ChatUpdate) (*models.ChatRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.chats[id]
	if !ok {
		return nil, db.ErrChatNotFound
	}
	update.Apply(&entry.record)
	record := entry.record
	return &record, nil
}

func (s *Store) DeleteChat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[id]; !ok {
		return db.ErrChatNotFound
	}
	delete(s.chats, id)
	return nil
}

func (s *Store) AddMessage(_ context.Context, msg *models.StoredMessage) error {
	if msg == nil {
		return fmt.Errorf("add message: nil message")
	}
	if !msg.Role.IsValid() {
		return fmt.Errorf("add message: invalid role %q", msg.Role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.chats[msg.ChatID]
	if !ok {
		return db.ErrChatNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	entry.messages = append(entry.messages, *msg)
	return nil
}

func (s *Store) GetMessages(_ context.Context, chatID string) ([]models.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.chats[chatID]
	if !ok {
		return nil, db.ErrChatNotFound
	}
	out := make([]models.StoredMessage, len(entry.messages))
	copy(out, entry.messages)
	return out, nil
}
