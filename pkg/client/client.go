// Package client provides a small HTTP client for a running ecoroute worker.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/ecoroute/internal/config"
	"github.com/thebtf/ecoroute/pkg/models"
)

// DefaultWorkerPort is the port used when neither the environment nor the
// settings file name one.
const DefaultWorkerPort = config.DefaultWorkerPort

// DefaultTimeout bounds a single request.
const DefaultTimeout = 2 * time.Second

// ErrNotRunning is returned when the worker cannot be reached.
var ErrNotRunning = errors.New("worker not running")

// StatusError is a non-2xx response from the worker.
type StatusError struct {
	Message string
	Code    int
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("worker returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("worker returned %d", e.Code)
}

// Health is the body of GET /api/health.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	DB      string `json:"db"`
	Error   string `json:"error,omitempty"`
}

// Ready reports whether the worker finished starting.
func (h Health) Ready() bool { return h.Status == "ready" }

// WorkerStats mirrors the worker section of GET /api/stats.
type WorkerStats struct {
	Version          string  `json:"version"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	ActiveSessions   int     `json:"active_sessions"`
	ConnectedClients int     `json:"connected_clients"`
	PromptsSubmitted int64   `json:"prompts_submitted"`
	PromptsRejected  int64   `json:"prompts_rejected"`
	SessionsFinished int64   `json:"sessions_finished"`
	FallbackAnswers  int64   `json:"fallback_answers"`
	DeferredAnswers  int64   `json:"deferred_answers"`
	Processing       bool    `json:"processing"`
}

// Stats is the body of GET /api/stats.
type Stats struct {
	Account models.AggregateStats `json:"account"`
	Worker  WorkerStats           `json:"worker"`
}

// Client talks to one worker.
type Client struct {
	http    *http.Client
	baseURL string
}

// New returns a client for baseURL, such as "http://127.0.0.1:37877".
// A non-positive timeout selects DefaultTimeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Local returns a client for the worker on this machine.
func Local(timeout time.Duration) *Client {
	return New(LocalURL(GetWorkerPort()), timeout)
}

// LocalURL returns the loopback base URL for port.
func LocalURL(port int) string {
	return "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

// GetWorkerPort returns the worker port from ECOROUTE_WORKER_PORT, falling
// back to the settings file and then DefaultWorkerPort.
func GetWorkerPort() int {
	return config.GetWorkerPort()
}

// BaseURL returns the worker base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// GetJSON fetches path and decodes the JSON body into dst.
func (c *Client) GetJSON(ctx context.Context, path string, dst interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, dst)
}

// PostJSON sends body as JSON to path and decodes the response into dst.
// dst may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, body, dst interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, dst)
}

func (c *Client) do(ctx context.Context, method, path string, body, dst interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}

	if dst == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Health fetches GET /api/health. A degraded worker answers 503 with a
// body; that body is returned along with the status error.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.GetJSON(ctx, "/api/health", &h)
	return h, err
}

// IsRunning reports whether the worker answers its health check.
func (c *Client) IsRunning(ctx context.Context) bool {
	_, err := c.Health(ctx)
	return err == nil
}

// Version returns the worker version, or "" when it cannot be determined.
func (c *Client) Version(ctx context.Context) string {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.GetJSON(ctx, "/api/version", &v); err != nil {
		return ""
	}
	return v.Version
}

// Stats fetches the account and worker statistics.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := c.GetJSON(ctx, "/api/stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateChat creates a chat with title, or the default title when empty.
func (c *Client) CreateChat(ctx context.Context, title string) (*models.ChatRecord, error) {
	var chat models.ChatRecord
	if err := c.PostJSON(ctx, "/api/chats", map[string]string{"title": title}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// SubmitPrompt submits prompt to chatID. requestID may be empty.
func (c *Client) SubmitPrompt(ctx context.Context, chatID, prompt, requestID string) error {
	body := map[string]string{"prompt": prompt, "request_id": requestID}
	return c.PostJSON(ctx, "/api/chats/"+chatID+"/prompts", body, nil)
}

// Messages returns the stored messages of chatID.
func (c *Client) Messages(ctx context.Context, chatID string) ([]models.StoredMessage, error) {
	var msgs []models.StoredMessage
	if err := c.GetJSON(ctx, "/api/chats/"+chatID+"/messages", &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
