// Package dbtest holds the conformance suite every db.Store implementation
// runs in its own tests.
package dbtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/thebtf/ecoroute/internal/db"
	"github.com/thebtf/ecoroute/pkg/models"
)

// StoreSuite exercises a db.Store. NewStore must return an empty store.
type StoreSuite struct {
	suite.Suite
	NewStore func(t *testing.T) db.Store

	store db.Store
	ctx   context.Context
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.NewStore(s.T())
}

func (s *StoreSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *StoreSuite) createChat(title string, createdAt time.Time) *models.ChatRecord {
	chat := &models.ChatRecord{Title: title, CreatedAt: createdAt}
	s.Require().NoError(s.store.CreateChat(s.ctx, chat))
	return chat
}

func sampleCarbon() models.CarbonMeta {
	return models.CarbonMeta{
		Model:            "eco-medium",
		Region:           "europe-north1",
		CostG:            0.123,
		BaselineG:        0.5,
		SavedG:           0.377,
		CFEPercent:       97,
		CompressionRatio: 0.75,
		LatencyMs:        420,
		TokensIn:         40,
		TokensOut:        60,
		CacheHitTokens:   40,
		OriginalTokens:   40,
		CompressedTokens: 30,
		Cached:           true,
		Compressed:       true,
	}
}

func (s *StoreSuite) TestCreateChat_FillsIDAndCreatedAt() {
	chat := &models.ChatRecord{Title: "first"}
	s.Require().NoError(s.store.CreateChat(s.ctx, chat))

	s.NotEmpty(chat.ID)
	s.False(chat.CreatedAt.IsZero())

	got, err := s.store.GetChat(s.ctx, chat.ID)
	s.Require().NoError(err)
	s.Equal(chat.ID, got.ID)
	s.Equal("first", got.Title)
	s.Equal(0, got.PromptCount)
	s.Zero(got.CarbonSaved)
	s.WithinDuration(chat.CreatedAt, got.CreatedAt, time.Millisecond)
}

func (s *StoreSuite) TestCreateChat_KeepsGivenID() {
	chat := &models.ChatRecord{ID: "chat-fixed", Title: "fixed"}
	s.Require().NoError(s.store.CreateChat(s.ctx, chat))
	s.Equal("chat-fixed", chat.ID)

	s.Error(s.store.CreateChat(s.ctx, &models.ChatRecord{ID: "chat-fixed"}))
}

func (s *StoreSuite) TestGetChat_NotFound() {
	_, err := s.store.GetChat(s.ctx, "missing")
	s.ErrorIs(err, db.ErrChatNotFound)
}

// Ids are matched exactly; a padded id is a different chat.
func (s *StoreSuite) TestGetChat_ExactID() {
	chat := s.createChat("exact", time.Now())
	_, err := s.store.GetChat(s.ctx, " "+chat.ID+" ")
	s.ErrorIs(err, db.ErrChatNotFound)
}

func (s *StoreSuite) TestGetAllChats_NewestFirst() {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	older := s.createChat("older", base)
	newer := s.createChat("newer", base.Add(time.Minute))
	middle := s.createChat("middle", base.Add(30*time.Second))

	chats, err := s.store.GetAllChats(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(chats, 3)
	s.Equal([]string{newer.ID, middle.ID, older.ID}, []string{chats[0].ID, chats[1].ID, chats[2].ID})
}

func (s *StoreSuite) TestGetAllChats_Empty() {
	chats, err := s.store.GetAllChats(s.ctx)
	s.Require().NoError(err)
	s.Empty(chats)
}

func (s *StoreSuite) TestUpdateChat_Partial() {
	chat := s.createChat("New chat", time.Time{})

	title := "Renamed"
	saved := 0.75
	count := 3
	updated, err := s.store.UpdateChat(s.ctx, chat.ID, models.ChatUpdate{
		Title:       &title,
		CarbonSaved: &saved,
		PromptCount: &count,
	})
	s.Require().NoError(err)
	s.Equal("Renamed", updated.Title)
	s.Equal(0.75, updated.CarbonSaved)
	s.Equal(3, updated.PromptCount)
	s.Empty(updated.Model)

	model := "eco-large"
	region := "us-west1"
	updated, err = s.store.UpdateChat(s.ctx, chat.ID, models.ChatUpdate{Model: &model, Region: &region})
	s.Require().NoError(err)
	s.Equal("Renamed", updated.Title)
	s.Equal(0.75, updated.CarbonSaved)
	s.Equal("eco-large", updated.Model)
	s.Equal("us-west1", updated.Region)

	got, err := s.store.GetChat(s.ctx, chat.ID)
	s.Require().NoError(err)
	s.Equal(*updated, *got)
}

func (s *StoreSuite) TestUpdateChat_NotFound() {
	title := "x"
	_, err := s.store.UpdateChat(s.ctx, "missing", models.ChatUpdate{Title: &title})
	s.ErrorIs(err, db.ErrChatNotFound)
}

func (s *StoreSuite) TestMessages_InsertionOrderAndCarbon() {
	chat := s.createChat("t", time.Time{})
	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	user := &models.StoredMessage{ChatID: chat.ID, Role: models.RoleUser, Content: "hello", CreatedAt: at, Carbon: models.ZeroCarbon()}
	assistant := &models.StoredMessage{ChatID: chat.ID, Role: models.RoleAssistant, Content: "hi there", CreatedAt: at, Carbon: sampleCarbon()}
	s.Require().NoError(s.store.AddMessage(s.ctx, user))
	s.Require().NoError(s.store.AddMessage(s.ctx, assistant))
	s.NotEmpty(user.ID)
	s.NotEqual(user.ID, assistant.ID)

	msgs, err := s.store.GetMessages(s.ctx, chat.ID)
	s.Require().NoError(err)
	s.Require().Len(msgs, 2)
	s.Equal(models.RoleUser, msgs[0].Role)
	s.Equal("hello", msgs[0].Content)
	s.Equal(models.ZeroCarbon(), msgs[0].Carbon)
	s.Equal(models.RoleAssistant, msgs[1].Role)
	s.Equal(sampleCarbon(), msgs[1].Carbon)
	s.Equal(chat.ID, msgs[1].ChatID)
	s.WithinDuration(at, msgs[1].CreatedAt, time.Millisecond)
}

func (s *StoreSuite) TestMessages_EmptyChat() {
	chat := s.createChat("t", time.Time{})
	msgs, err := s.store.GetMessages(s.ctx, chat.ID)
	s.Require().NoError(err)
	s.Empty(msgs)
}

func (s *StoreSuite) TestAddMessage_Rejects() {
	err := s.store.AddMessage(s.ctx, &models.StoredMessage{ChatID: "missing", Role: models.RoleUser})
	s.ErrorIs(err, db.ErrChatNotFound)

	chat := s.createChat("t", time.Time{})
	err = s.store.AddMessage(s.ctx, &models.StoredMessage{ChatID: chat.ID, Role: "system"})
	s.Error(err)
}

func (s *StoreSuite) TestGetMessages_NotFound() {
	_, err := s.store.GetMessages(s.ctx, "missing")
	s.ErrorIs(err, db.ErrChatNotFound)
}

func (s *StoreSuite) TestDeleteChat() {
	chat := s.createChat("doomed", time.Time{})
	other := s.createChat("kept", time.Time{})
	s.Require().NoError(s.store.AddMessage(s.ctx, &models.StoredMessage{ChatID: chat.ID, Role: models.RoleUser, Content: "x"}))
	s.Require().NoError(s.store.AddMessage(s.ctx, &models.StoredMessage{ChatID: other.ID, Role: models.RoleUser, Content: "y"}))

	s.Require().NoError(s.store.DeleteChat(s.ctx, chat.ID))

	_, err := s.store.GetChat(s.ctx, chat.ID)
	s.ErrorIs(err, db.ErrChatNotFound)
	_, err = s.store.GetMessages(s.ctx, chat.ID)
	s.ErrorIs(err, db.ErrChatNotFound)
	s.ErrorIs(s.store.DeleteChat(s.ctx, chat.ID), db.ErrChatNotFound)

	msgs, err := s.store.GetMessages(s.ctx, other.ID)
	s.Require().NoError(err)
	s.Len(msgs, 1)
}

func (s *StoreSuite) TestAddMessage_Concurrent() {
	chat := s.createChat("busy", time.Time{})

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.store.AddMessage(s.ctx, &models.StoredMessage{
				ChatID:  chat.ID,
				Role:    models.RoleUser,
				Content: fmt.Sprintf("message %d", i),
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}

	msgs, err := s.store.GetMessages(s.ctx, chat.ID)
	s.Require().NoError(err)
	s.Len(msgs, writers)
}
