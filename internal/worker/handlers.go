package worker

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/ecoroute/internal/db"
	"github.com/thebtf/ecoroute/internal/worker/session"
	"github.com/thebtf/ecoroute/pkg/models"
)

const (
	// DefaultChatListLimit caps GET /api/chats without a limit parameter.
	DefaultChatListLimit = 100

	maxBodyBytes = 1 << 20
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes an optional JSON body into dst. An empty body is not
// an error.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// parseLimit reads the "limit" query parameter. Anything but a positive
// integer selects defaultLimit.
func parseLimit(r *http.Request, defaultLimit int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultLimit
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	code := http.StatusOK
	if !s.ready.Load() {
		status = "starting"
	}
	resp := map[string]interface{}{
		"status":  status,
		"version": s.version,
	}
	if s.gormStore != nil {
		resp["db"] = s.gormStore.Driver()
		if err := s.gormStore.Ping(); err != nil {
			resp["status"] = "degraded"
			resp["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	} else {
		resp["db"] = "memory"
	}
	writeJSON(w, code, resp)
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeError(w, http.StatusServiceUnavailable, "starting")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

type createChatRequest struct {
	Title  string `json:"title"`
	Model  string `json:"model"`
	Region string `json:"region"`
}

func (s *Service) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	chat := &models.ChatRecord{
		Title:  strings.TrimSpace(req.Title),
		Model:  req.Model,
		Region: req.Region,
	}
	if chat.Title == "" {
		chat.Title = models.DefaultChatTitle
	}
	if err := s.store.CreateChat(r.Context(), chat); err != nil {
		log.Error().Err(err).Msg("Failed to create chat")
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Service) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.GetAllChats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list chats")
		writeError(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if limit := parseLimit(r, DefaultChatListLimit); len(chats) > limit {
		chats = chats[:limit]
	}
	if chats == nil {
		chats = []models.ChatRecord{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// storeError maps store errors onto HTTP responses.
func storeError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, db.ErrChatNotFound) {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	log.Error().Err(err).Str("op", op).Msg("Store operation failed")
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}

func (s *Service) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.store.GetChat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err, "get chat")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Service) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.sessionManager.Forget(id)
	if err := s.store.DeleteChat(r.Context(), id); err != nil {
		storeError(w, err, "delete chat")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.GetMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err, "get messages")
		return
	}
	if msgs == nil {
		msgs = []models.StoredMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type submitPromptRequest struct {
	Prompt    string `json:"prompt"`
	RequestID string `json:"request_id"`
}

type submitPromptResponse struct {
	Session *session.ActiveSession `json:"session"`
	State   session.State          `json:"state"`
	Started bool                   `json:"started"`
}

func (s *Service) handleSubmitPrompt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req submitPromptRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, err := s.store.GetChat(r.Context(), id); err != nil {
		storeError(w, err, "get chat")
		return
	}

	sess, started, err := s.sessionManager.SubmitOnce(r.Context(), id, req.RequestID, req.Prompt)
	switch {
	case errors.Is(err, session.ErrEmptyPrompt):
		s.stats.PromptsRejected.Add(1)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, session.ErrSessionActive):
		s.stats.PromptsRejected.Add(1)
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, session.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("chatId", id).Msg("Failed to submit prompt")
		writeError(w, http.StatusInternalServerError, "failed to submit prompt")
		return
	}

	writeJSON(w, http.StatusAccepted, submitPromptResponse{
		Session: sess,
		State:   s.sessionManager.State(id),
		Started: started,
	})
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionManager.Snapshot(chi.URLParam(r, "id")))
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled := s.sessionManager.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cancelled": cancelled,
		"state":     s.sessionManager.State(id),
	})
}

// transitionError maps phase machine errors onto HTTP responses.
func transitionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sessionManager.Reset(id); err != nil {
		transitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionManager.State(id))
}

type breakdownRequest struct {
	Show bool `json:"show"`
}

func (s *Service) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req breakdownRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var err error
	if req.Show {
		err = s.sessionManager.ShowBreakdown(id)
	} else {
		err = s.sessionManager.HideBreakdown(id)
	}
	if err != nil {
		transitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionManager.State(id))
}

func (s *Service) handleChatStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.aggregator.AggregateChat(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, err, "aggregate chat")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type statsResponse struct {
	Account models.AggregateStats `json:"account"`
	Worker  WorkerStats           `json:"worker"`
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	account, err := s.aggregator.AggregateAccount(r.Context())
	if err != nil {
		storeError(w, err, "aggregate account")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Account: account,
		Worker:  s.GetWorkerStats(),
	})
}
