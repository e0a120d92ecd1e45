// Package session runs prompt sessions: the phase machine, the backend call,
// the streamed answer and the final persistence of each turn.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/ecoroute/internal/carbon"
	"github.com/thebtf/ecoroute/internal/db"
	"github.com/thebtf/ecoroute/internal/gateway"
	"github.com/thebtf/ecoroute/internal/privacy"
	"github.com/thebtf/ecoroute/internal/stream"
	"github.com/thebtf/ecoroute/pkg/models"
)

var (
	// ErrEmptyPrompt is returned for prompts that are blank after cleaning.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrSessionActive is returned when the chat is optimizing or streaming.
	// The running session keeps its status; the rejection is reported through
	// the error message alone, so Status keeps answering running until that
	// session ends.
	ErrSessionActive = errors.New("a session is already active for this chat")
	// ErrShuttingDown is returned after Shutdown.
	ErrShuttingDown = errors.New("session manager is shutting down")
)

// Resolver produces the answer for a prompt. It never fails.
type Resolver interface {
	Resolve(ctx context.Context, prompt, contextID string) gateway.Result
}

// Status is the outcome of the latest submission for a chat.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Config controls session pacing.
type Config struct {
	// Dwells are the cosmetic pauses of cache_check, compressing, routing
	// and map, in that order.
	Dwells         [4]time.Duration
	Delays         stream.Delays
	TitleMaxRunes  int
	PersistTimeout time.Duration
	// Jitter replaces the stream jitter source when set.
	Jitter func() float64
}

// DefaultConfig returns the demo pacing.
func DefaultConfig() Config {
	return Config{
		Dwells: [4]time.Duration{
			600 * time.Millisecond,
			500 * time.Millisecond,
			500 * time.Millisecond,
			800 * time.Millisecond,
		},
		Delays:         stream.DefaultDelays(),
		TitleMaxRunes:  50,
		PersistTimeout: 10 * time.Second,
	}
}

// ActiveSession is one in-flight prompt.
type ActiveSession struct {
	StartTime time.Time `json:"start_time"`
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	RequestID string    `json:"request_id,omitempty"`
	// Prompt is the stored copy: private spans marked, secrets masked.
	Prompt     string         `json:"prompt"`
	Redacted   privacy.Report `json:"redacted"`
	Generation uint64         `json:"generation"`

	// remotePrompt is what the resolver sees.
	remotePrompt string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Manager.mu
	finishing bool
}

// Done is closed when the session goroutine has exited.
func (s *ActiveSession) Done() <-chan struct{} {
	return s.done
}

// UpdateType names a broadcast update.
type UpdateType string

const (
	UpdatePhase     UpdateType = "phase"
	UpdatePartial   UpdateType = "partial"
	UpdateComplete  UpdateType = "complete"
	UpdateCancelled UpdateType = "cancelled"
)

// Update is published on every state change of a chat.
type Update struct {
	Carbon    *models.CarbonMeta `json:"carbon,omitempty"`
	Type      UpdateType         `json:"type"`
	ChatID    string             `json:"chat_id"`
	SessionID string             `json:"session_id,omitempty"`
	State     State              `json:"state"`
	Deferred  bool               `json:"deferred,omitempty"`
}

// Snapshot is a point-in-time view of one chat's session state.
type Snapshot struct {
	Result     *gateway.Result `json:"result,omitempty"`
	ChatID     string          `json:"chat_id"`
	SessionID  string          `json:"session_id,omitempty"`
	Status     Status          `json:"status"`
	Error      string          `json:"error,omitempty"`
	State      State           `json:"state"`
	Generation uint64          `json:"generation"`
}

type chatState struct {
	active        *ActiveSession
	lastSession   *ActiveSession
	lastResult    *gateway.Result
	lastRequestID string
	status        Status
	errMsg        string
	state         State
	generation    uint64

	// publish is held from a state change until its update is broadcast.
	publish sync.Mutex
}

// Manager owns the session state of every chat.
type Manager struct {
	store    db.Store
	resolver Resolver
	cfg      Config
	now      func() time.Time
	metrics  *instruments

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	chats      map[string]*chatState
	closed     bool
	onCreated  func(*ActiveSession)
	onFinished func(*ActiveSession, gateway.Result)
	broadcast  func(Update)
}

// NewManager creates a session manager.
func NewManager(store db.Store, resolver Resolver, cfg Config) *Manager {
	if cfg.TitleMaxRunes <= 0 {
		cfg.TitleMaxRunes = DefaultConfig().TitleMaxRunes
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultConfig().PersistTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		now:      time.Now,
		metrics:  newInstruments(),
		ctx:      ctx,
		cancel:   cancel,
		chats:    make(map[string]*chatState),
	}
}

// SetOnSessionCreated sets the callback fired after a session starts. fn must
// not call back into the Manager for the same chat.
func (m *Manager) SetOnSessionCreated(fn func(*ActiveSession)) {
	m.mu.Lock()
	m.onCreated = fn
	m.mu.Unlock()
}

// SetOnSessionFinished sets the callback fired after a session is persisted.
func (m *Manager) SetOnSessionFinished(fn func(*ActiveSession, gateway.Result)) {
	m.mu.Lock()
	m.onFinished = fn
	m.mu.Unlock()
}

// SetBroadcaster sets the sink for state updates. fn must not block.
func (m *Manager) SetBroadcaster(fn func(Update)) {
	m.mu.Lock()
	m.broadcast = fn
	m.mu.Unlock()
}

// lockPublish takes the publish lock of chatID and returns its release. While
// it is held, changes to the chat reach the broadcaster in the order they were
// made. It is taken before m.mu, never while holding it.
func (m *Manager) lockPublish(chatID string) func() {
	m.mu.Lock()
	mu := &m.chat(chatID).publish
	m.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// chat returns the state for chatID, creating it. Caller holds m.mu.
func (m *Manager) chat(chatID string) *chatState {
	cs, ok := m.chats[chatID]
	if !ok {
		cs = &chatState{state: IdleState(), status: StatusIdle}
		m.chats[chatID] = cs
	}
	return cs
}

// Submit starts a session for prompt in chatID.
func (m *Manager) Submit(ctx context.Context, chatID, prompt string) (*ActiveSession, error) {
	s, _, err := m.start(ctx, chatID, "", prompt)
	return s, err
}

// SubmitOnce is Submit keyed by requestID: repeating a request id returns
// the session it already started. The bool reports whether a new session
// was started.
func (m *Manager) SubmitOnce(ctx context.Context, chatID, requestID, prompt string) (*ActiveSession, bool, error) {
	return m.start(ctx, chatID, requestID, prompt)
}

func (m *Manager) start(ctx context.Context, chatID, requestID, prompt string) (*ActiveSession, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	redaction := privacy.Redact(prompt)

	unlock := m.lockPublish(chatID)
	defer unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, ErrShuttingDown
	}
	cs := m.chat(chatID)

	if requestID != "" && requestID == cs.lastRequestID && cs.lastSession != nil {
		s := cs.lastSession
		m.mu.Unlock()
		log.Debug().Str("chatId", chatID).Str("requestId", requestID).Msg("Duplicate submission, reusing session")
		return s, false, nil
	}

	if cs.state.IsActive() {
		cs.errMsg = ErrSessionActive.Error()
		m.mu.Unlock()
		m.metrics.recordRejected(ErrSessionActive)
		return nil, false, ErrSessionActive
	}
	if redaction.Empty() {
		cs.status = StatusError
		cs.errMsg = ErrEmptyPrompt.Error()
		m.mu.Unlock()
		m.metrics.recordRejected(ErrEmptyPrompt)
		return nil, false, ErrEmptyPrompt
	}

	state := cs.state
	if state.Phase == PhaseComplete {
		state, _ = Reduce(state, Event{Type: EventReset})
	}
	next, err := Reduce(state, Event{Type: EventStartOptimizing})
	if err != nil {
		m.mu.Unlock()
		return nil, false, err
	}

	cs.generation++
	sessCtx, cancel := context.WithCancel(m.ctx)
	s := &ActiveSession{
		ID:           uuid.New().String(),
		ChatID:       chatID,
		RequestID:    requestID,
		Prompt:       redaction.Stored,
		Redacted:     redaction.Report,
		remotePrompt: redaction.Remote,
		Generation:   cs.generation,
		StartTime:    m.now(),
		ctx:          sessCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	cs.state = next
	cs.active = s
	cs.lastSession = s
	cs.lastRequestID = requestID
	cs.lastResult = nil
	cs.status = StatusRunning
	cs.errMsg = ""

	results := make(chan gateway.Result, 1)
	m.wg.Add(2)
	go m.resolve(s, results)
	go m.run(s, results)

	onCreated := m.onCreated
	broadcast := m.broadcast
	m.mu.Unlock()

	log.Info().
		Str("chatId", chatID).
		Str("sessionId", s.ID).
		Uint64("generation", s.Generation).
		Int("promptLen", len(redaction.Remote)).
		Int("privateSpans", redaction.Report.PrivateSpans).
		Int("maskedSecrets", redaction.Report.MaskedSecrets).
		Msg("Session started")

	if broadcast != nil {
		broadcast(Update{Type: UpdatePhase, ChatID: chatID, SessionID: s.ID, State: next})
	}
	if onCreated != nil {
		onCreated(s)
	}
	return s, true, nil
}

// resolve runs the backend call alongside the cosmetic steps.
func (m *Manager) resolve(s *ActiveSession, results chan<- gateway.Result) {
	defer m.wg.Done()
	results <- m.resolver.Resolve(s.ctx, s.remotePrompt, s.ChatID)
}

func (m *Manager) run(s *ActiveSession, results <-chan gateway.Result) {
	defer m.wg.Done()
	defer close(s.done)

	for i, d := range m.cfg.Dwells {
		if !sleep(s.ctx, d) {
			return
		}
		if !m.apply(s, Event{Type: EventNextStep}) {
			log.Debug().Str("sessionId", s.ID).Int("step", i).Msg("Session superseded during optimizing")
			return
		}
	}

	var res gateway.Result
	select {
	case res = <-results:
	case <-s.ctx.Done():
		return
	}

	if !m.apply(s, Event{Type: EventStartStreaming, BackendReady: true}) {
		return
	}

	if res.Deferred {
		if !m.apply(s, Event{Type: EventStreamChar, Partial: res.ResponseText}) {
			return
		}
		m.finish(s, res)
		return
	}

	var opts []stream.Option
	if m.cfg.Jitter != nil {
		opts = append(opts, stream.WithJitterSource(m.cfg.Jitter))
	}
	emitter := stream.NewEmitter(m.cfg.Delays, opts...)
	run, err := emitter.Start(s.ctx, res.ResponseText, func(partial string) {
		m.apply(s, Event{Type: EventStreamChar, Partial: partial})
	}, nil)
	if err != nil {
		log.Error().Err(err).Str("sessionId", s.ID).Msg("Failed to start stream")
		return
	}
	run.Wait()
	if !run.Completed() {
		return
	}
	m.finish(s, res)
}

// current reports whether s is still the live session of cs. Caller holds m.mu.
func current(cs *chatState, s *ActiveSession) bool {
	return cs != nil && cs.active == s && cs.generation == s.Generation
}

// apply reduces ev on behalf of s. It returns false when s is stale or the
// transition is rejected.
func (m *Manager) apply(s *ActiveSession, ev Event) bool {
	unlock := m.lockPublish(s.ChatID)
	defer unlock()

	m.mu.Lock()
	cs := m.chats[s.ChatID]
	if !current(cs, s) {
		m.mu.Unlock()
		return false
	}
	next, err := Reduce(cs.state, ev)
	if err != nil {
		m.mu.Unlock()
		log.Warn().Err(err).Str("sessionId", s.ID).Msg("Rejected session event")
		return false
	}
	cs.state = next
	broadcast := m.broadcast
	m.mu.Unlock()

	if broadcast != nil {
		typ := UpdatePhase
		if ev.Type == EventStreamChar {
			typ = UpdatePartial
		}
		broadcast(Update{Type: typ, ChatID: s.ChatID, SessionID: s.ID, State: next})
	}
	return true
}

// finish persists the turn once and moves the chat to complete.
func (m *Manager) finish(s *ActiveSession, res gateway.Result) {
	m.mu.Lock()
	cs := m.chats[s.ChatID]
	if !current(cs, s) {
		m.mu.Unlock()
		return
	}
	s.finishing = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	persistErr := m.persist(ctx, s, res)
	cancel()

	unlock := m.lockPublish(s.ChatID)
	m.mu.Lock()
	if next, err := Reduce(cs.state, Event{Type: EventFinish}); err == nil {
		cs.state = next
	}
	cs.active = nil
	result := res
	cs.lastResult = &result
	if persistErr != nil {
		cs.status = StatusError
		cs.errMsg = persistErr.Error()
	} else {
		cs.status = StatusComplete
		cs.errMsg = ""
	}
	state := cs.state
	broadcast := m.broadcast
	onFinished := m.onFinished
	m.mu.Unlock()

	s.cancel()

	outcome := "complete"
	if persistErr != nil {
		outcome = "error"
		log.Error().Err(persistErr).Str("chatId", s.ChatID).Str("sessionId", s.ID).Msg("Failed to persist session")
	} else {
		log.Info().
			Str("chatId", s.ChatID).
			Str("sessionId", s.ID).
			Str("source", string(res.Source)).
			Float64("savedG", res.Carbon.SavedG).
			Dur("elapsed", m.now().Sub(s.StartTime)).
			Msg("Session complete")
	}
	m.metrics.recordOutcome(outcome, m.now().Sub(s.StartTime))

	if broadcast != nil {
		meta := res.Carbon
		broadcast(Update{
			Type:      UpdateComplete,
			ChatID:    s.ChatID,
			SessionID: s.ID,
			State:     state,
			Carbon:    &meta,
			Deferred:  res.Deferred,
		})
	}
	unlock()

	if onFinished != nil && persistErr == nil {
		onFinished(s, res)
	}
}

func (m *Manager) persist(ctx context.Context, s *ActiveSession, res gateway.Result) error {
	chat, err := m.store.GetChat(ctx, s.ChatID)
	if errors.Is(err, db.ErrChatNotFound) {
		chat = &models.ChatRecord{ID: s.ChatID, Title: models.DefaultChatTitle}
		if err = m.store.CreateChat(ctx, chat); err != nil {
			return fmt.Errorf("create chat: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("get chat: %w", err)
	}

	user := &models.StoredMessage{
		ChatID:    s.ChatID,
		Role:      models.RoleUser,
		Content:   s.Prompt,
		Carbon:    models.ZeroCarbon(),
		CreatedAt: s.StartTime,
	}
	if err := m.store.AddMessage(ctx, user); err != nil {
		return fmt.Errorf("add user message: %w", err)
	}

	meta := res.Carbon
	if res.Deferred {
		meta = models.ZeroCarbon()
	}
	assistant := &models.StoredMessage{
		ChatID:    s.ChatID,
		Role:      models.RoleAssistant,
		Content:   res.ResponseText,
		Carbon:    meta,
		CreatedAt: m.now(),
	}
	if err := m.store.AddMessage(ctx, assistant); err != nil {
		return fmt.Errorf("add assistant message: %w", err)
	}

	count := chat.PromptCount + 1
	saved := carbon.RoundMass(chat.CarbonSaved + meta.SavedG)
	update := models.ChatUpdate{PromptCount: &count, CarbonSaved: &saved}
	if chat.Title == "" || chat.Title == models.DefaultChatTitle {
		title := Title(s.remotePrompt, m.cfg.TitleMaxRunes)
		update.Title = &title
	}
	if meta.Model != "" {
		update.Model = &meta.Model
	}
	if meta.Region != "" {
		update.Region = &meta.Region
	}
	if _, err := m.store.UpdateChat(ctx, s.ChatID, update); err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	return nil
}

// Cancel abandons the active session of chatID. Nothing is persisted and the
// chat returns to idle. It returns false if there was nothing to cancel or
// the session is already being persisted.
func (m *Manager) Cancel(chatID string) bool {
	m.mu.Lock()
	_, known := m.chats[chatID]
	m.mu.Unlock()
	if !known {
		return false
	}

	unlock := m.lockPublish(chatID)
	defer unlock()

	m.mu.Lock()
	cs, ok := m.chats[chatID]
	if !ok || cs.active == nil || cs.active.finishing {
		m.mu.Unlock()
		return false
	}
	s := cs.active
	cs.generation++
	cs.active = nil
	cs.state = IdleState()
	cs.status = StatusCancelled
	cs.errMsg = ""
	broadcast := m.broadcast
	m.mu.Unlock()

	// The session goroutine may be waiting in apply; it will see the new
	// generation and stop.
	s.cancel()
	m.metrics.recordOutcome("cancelled", m.now().Sub(s.StartTime))

	log.Info().Str("chatId", chatID).Str("sessionId", s.ID).Msg("Session cancelled")
	if broadcast != nil {
		broadcast(Update{Type: UpdateCancelled, ChatID: chatID, SessionID: s.ID, State: IdleState()})
	}
	return true
}

// Reset returns a complete chat to idle.
func (m *Manager) Reset(chatID string) error {
	return m.dispatch(chatID, Event{Type: EventReset})
}

// ShowBreakdown reveals the carbon breakdown of a complete chat.
func (m *Manager) ShowBreakdown(chatID string) error {
	return m.dispatch(chatID, Event{Type: EventShowBreakdown})
}

// HideBreakdown hides the carbon breakdown of a complete chat.
func (m *Manager) HideBreakdown(chatID string) error {
	return m.dispatch(chatID, Event{Type: EventHideBreakdown})
}

func (m *Manager) dispatch(chatID string, ev Event) error {
	unlock := m.lockPublish(chatID)
	defer unlock()

	m.mu.Lock()
	cs := m.chat(chatID)
	next, err := Reduce(cs.state, ev)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	cs.state = next
	if ev.Type == EventReset {
		cs.status = StatusIdle
		cs.errMsg = ""
	}
	broadcast := m.broadcast
	m.mu.Unlock()

	if broadcast != nil {
		broadcast(Update{Type: UpdatePhase, ChatID: chatID, State: next})
	}
	return nil
}

// State returns the phase state of chatID.
func (m *Manager) State(chatID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.chats[chatID]; ok {
		return cs.state
	}
	return IdleState()
}

// Status returns the submission status of chatID and the last error message.
func (m *Manager) Status(chatID string) (Status, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.chats[chatID]; ok {
		return cs.status, cs.errMsg
	}
	return StatusIdle, ""
}

// Snapshot returns the full session view of chatID.
func (m *Manager) Snapshot(chatID string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{ChatID: chatID, Status: StatusIdle, State: IdleState()}
	cs, ok := m.chats[chatID]
	if !ok {
		return snap
	}
	snap.State = cs.state
	snap.Status = cs.status
	snap.Error = cs.errMsg
	snap.Generation = cs.generation
	if cs.active != nil {
		snap.SessionID = cs.active.ID
	} else if cs.lastSession != nil && cs.status == StatusComplete {
		snap.SessionID = cs.lastSession.ID
	}
	if cs.lastResult != nil {
		res := *cs.lastResult
		snap.Result = &res
	}
	return snap
}

// Forget drops all session state for chatID, cancelling any active session.
func (m *Manager) Forget(chatID string) {
	m.Cancel(chatID)
	m.mu.Lock()
	if cs, ok := m.chats[chatID]; ok && cs.active == nil {
		delete(m.chats, chatID)
	}
	m.mu.Unlock()
}

// GetActiveSessionCount returns the number of chats with a session in flight.
func (m *Manager) GetActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, cs := range m.chats {
		if cs.active != nil {
			n++
		}
	}
	return n
}

// IsAnySessionProcessing reports whether any chat is optimizing or streaming.
func (m *Manager) IsAnySessionProcessing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cs := range m.chats {
		if cs.state.IsActive() {
			return true
		}
	}
	return false
}

// Shutdown cancels every session that is not being persisted and waits for
// all session goroutines to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var ids []string
	for id, cs := range m.chats {
		if cs.active != nil && !cs.active.finishing {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}

// Title derives a chat title from the first prompt: its first line, cut to
// maxRunes with an ellipsis.
func Title(prompt string, maxRunes int) string {
	line := strings.TrimSpace(prompt)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	line = strings.Join(strings.Fields(line), " ")
	if line == "" {
		return models.DefaultChatTitle
	}
	if maxRunes <= 0 || utf8.RuneCountInString(line) <= maxRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxRunes])) + "..."
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
