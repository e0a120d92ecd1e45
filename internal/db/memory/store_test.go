package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/thebtf/ecoroute/internal/db"
	"github.com/thebtf/ecoroute/internal/db/dbtest"
	"github.com/thebtf/ecoroute/pkg/models"
)

func TestStore(t *testing.T) {
	suite.Run(t, &dbtest.StoreSuite{
		NewStore: func(*testing.T) db.Store { return NewStore() },
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	chat := &models.ChatRecord{Title: "orig"}
	require.NoError(t, s.CreateChat(ctx, chat))

	got, err := s.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	got.Title = "mutated"

	again, err := s.GetChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "orig", again.Title)
}

func TestStore_Clock(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	s := NewStore()
	s.SetClock(func() time.Time { return fixed })

	chat := &models.ChatRecord{}
	require.NoError(t, s.CreateChat(ctx, chat))
	assert.Equal(t, fixed, chat.CreatedAt)

	msg := &models.StoredMessage{ChatID: chat.ID, Role: models.RoleAssistant}
	require.NoError(t, s.AddMessage(ctx, msg))
	assert.Equal(t, fixed, msg.CreatedAt)
}
