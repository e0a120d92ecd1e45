package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/ecoroute/pkg/models"
)

func TestGetWorkerPort(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	// Default port
	t.Setenv("ECOROUTE_WORKER_PORT", "")
	assert.Equal(t, DefaultWorkerPort, GetWorkerPort())

	t.Setenv("ECOROUTE_WORKER_PORT", "12345")
	assert.Equal(t, 12345, GetWorkerPort())

	// Invalid value falls back
	t.Setenv("ECOROUTE_WORKER_PORT", "invalid")
	assert.Equal(t, DefaultWorkerPort, GetWorkerPort())
}

func TestLocalURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:37877", LocalURL(37877))
}

func TestIsRunning(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready", "version": "1.2.3", "db": "sqlite"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	ctx := context.Background()
	c := New(server.URL, time.Second)
	assert.True(t, c.IsRunning(ctx))

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, h.Ready())
	assert.Equal(t, "sqlite", h.DB)

	assert.False(t, New("http://127.0.0.1:1", 100*time.Millisecond).IsRunning(ctx))
}

func TestHealth_Degraded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": "db locked"})
	}))
	defer server.Close()

	_, err := New(server.URL, time.Second).Health(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.Equal(t, "worker returned 503: db locked", se.Error())
}

func TestUnreachableWorker(t *testing.T) {
	_, err := New("http://127.0.0.1:1", 100*time.Millisecond).Stats(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotRunning))
}

func TestVersion(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		expected string
	}{
		{
			name: "returns version from server",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/api/version" {
					_ = json.NewEncoder(w).Encode(map[string]string{"version": "1.2.3"})
				}
			},
			expected: "1.2.3",
		},
		{
			name: "returns empty on 404",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			expected: "",
		},
		{
			name: "returns empty on invalid JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			assert.Equal(t, tt.expected, New(server.URL, time.Second).Version(context.Background()))
		})
	}
}

func TestStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stats", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"account": {
				"raw": {"carbon_saved": 0.4, "prompt_count": 1, "chat_count": 1, "avg_reduction_pct": 80},
				"display": {"carbon_saved": 2.8, "prompt_count": 13, "chat_count": 1, "avg_reduction_pct": 80},
				"floor_applied": true
			},
			"worker": {"version": "dev", "active_sessions": 2, "processing": true, "prompts_submitted": 5}
		}`))
	}))
	defer server.Close()

	stats, err := New(server.URL, time.Second).Stats(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2.8, stats.Account.Display.CarbonSaved, 1e-9)
	assert.Equal(t, 13, stats.Account.Display.PromptCount)
	assert.True(t, stats.Account.FloorApplied)
	assert.Equal(t, 2, stats.Worker.ActiveSessions)
	assert.True(t, stats.Worker.Processing)
	assert.Equal(t, int64(5), stats.Worker.PromptsSubmitted)
}

func TestChatRoundTrip(t *testing.T) {
	var submitted map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chats", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.ChatRecord{ID: "c1", Title: "New chat"})
	})
	mux.HandleFunc("/api/chats/c1/prompts", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"started":true}`))
	})
	mux.HandleFunc("/api/chats/c2/prompts", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "session already active"})
	})
	mux.HandleFunc("/api/chats/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]models.StoredMessage{
			{ID: "m1", ChatID: "c1", Role: models.RoleUser, Content: "hi"},
			{ID: "m2", ChatID: "c1", Role: models.RoleAssistant, Content: "hello"},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	c := New(server.URL+"/", time.Second)

	chat, err := c.CreateChat(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "c1", chat.ID)

	require.NoError(t, c.SubmitPrompt(ctx, "c1", "hi", "req-1"))
	assert.Equal(t, map[string]string{"prompt": "hi", "request_id": "req-1"}, submitted)

	err = c.SubmitPrompt(ctx, "c2", "hi", "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)
	assert.Equal(t, "session already active", se.Message)

	msgs, err := c.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
}
