// Package gateway resolves a prompt into a response and its carbon record,
// calling the remote orchestration service when it is reachable and
// synthesizing an equivalent answer locally when it is not.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/ecoroute/internal/carbon"
)

const (
	// MaxResponseSize caps remote response bodies.
	MaxResponseSize = 1 << 20

	orchestratePath = "/orchestrate"
	receiptsPath    = "/receipts/"
)

var (
	// ErrRemoteNotConfigured means no remote base URL was set.
	ErrRemoteNotConfigured = errors.New("remote orchestrator not configured")

	// ErrRateLimited means the local remote-call budget is exhausted.
	ErrRateLimited = errors.New("remote call budget exhausted")
)

// RemoteError is a non-2xx response from the remote service.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote orchestrator error (HTTP %d): %s", e.Status, e.Message)
}

// OrchestrateRequest is the body of the orchestration call.
type OrchestrateRequest struct {
	Deadline  *time.Time `json:"deadline,omitempty"`
	Prompt    string     `json:"prompt"`
	UserID    string     `json:"user_id"`
	ProjectID string     `json:"project_id"`
}

// EcoStats is the optional carbon summary in an orchestration response.
type EcoStats struct {
	BaselineCO2   *float64 `json:"baseline_co2,omitempty"`
	ActualCO2     *float64 `json:"actual_co2,omitempty"`
	CO2SavedGrams *float64 `json:"co2_saved_grams,omitempty"`
	WasCached     *bool    `json:"was_cached,omitempty"`
	TokensSaved   *int     `json:"tokens_saved,omitempty"`
	Model         string   `json:"model,omitempty"`
}

// OrchestrateResponse is either a deferral or a completed response.
type OrchestrateResponse struct {
	EcoStats  *EcoStats `json:"eco_stats,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Response  string    `json:"response,omitempty"`
	ReceiptID string    `json:"receipt_id,omitempty"`
	Deferred  bool      `json:"deferred"`
}

// Receipt is the enrichment record for a completed response.
type Receipt struct {
	BaselineCO2Est *float64 `json:"baseline_co2_est,omitempty"`
	ActualCO2      *float64 `json:"actual_co2,omitempty"`
	NetSavings     *float64 `json:"net_savings,omitempty"`
	WasCached      *bool    `json:"was_cached,omitempty"`
	ModelUsed      string   `json:"model_used,omitempty"`
	ServerLocation string   `json:"server_location,omitempty"`
}

// Remote is the remote orchestration service.
type Remote interface {
	Orchestrate(ctx context.Context, req OrchestrateRequest) (*OrchestrateResponse, error)
	Receipt(ctx context.Context, receiptID string) (*Receipt, error)
}

// RawFields maps the eco stats onto mapper input. tokensIn is the size of
// the prompt the remote received; tokens_saved is what compression removed
// before that, so the original prompt was tokensIn + tokens_saved.
func (s *EcoStats) RawFields(tokensIn int) carbon.RawFields {
	raw := carbon.RawFields{TokensIn: carbon.Int(tokensIn)}
	if s == nil {
		return raw
	}
	raw.BaselineG = s.BaselineCO2
	raw.CostG = s.ActualCO2
	raw.SavedG = s.CO2SavedGrams
	raw.Cached = s.WasCached
	raw.Model = s.Model
	if s.TokensSaved != nil && *s.TokensSaved > 0 {
		raw.Compressed = carbon.Bool(true)
		raw.OriginalTokens = carbon.Int(tokensIn + *s.TokensSaved)
		raw.CompressedTokens = carbon.Int(tokensIn)
	}
	return raw
}

// RawFields maps the receipt onto mapper input.
func (r *Receipt) RawFields() carbon.RawFields {
	if r == nil {
		return carbon.RawFields{}
	}
	return carbon.RawFields{
		BaselineG: r.BaselineCO2Est,
		CostG:     r.ActualCO2,
		SavedG:    r.NetSavings,
		Cached:    r.WasCached,
		Model:     r.ModelUsed,
		Region:    r.ServerLocation,
	}
}

// HTTPRemote talks to the orchestration service over HTTP+JSON.
type HTTPRemote struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPRemote creates a client for baseURL. An empty baseURL yields a
// client whose calls fail with ErrRemoteNotConfigured.
func NewHTTPRemote(baseURL string, timeout time.Duration) *HTTPRemote {
	return &HTTPRemote{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// IsConfigured reports whether a base URL is set.
func (c *HTTPRemote) IsConfigured() bool {
	return c.baseURL != ""
}

// Orchestrate submits a prompt for routing.
func (c *HTTPRemote) Orchestrate(ctx context.Context, req OrchestrateRequest) (*OrchestrateResponse, error) {
	if !c.IsConfigured() {
		return nil, ErrRemoteNotConfigured
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+orchestratePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp OrchestrateResponse
	if err := c.do(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Receipt fetches the enrichment record for receiptID.
func (c *HTTPRemote) Receipt(ctx context.Context, receiptID string) (*Receipt, error) {
	if !c.IsConfigured() {
		return nil, ErrRemoteNotConfigured
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+receiptsPath+url.PathEscape(receiptID), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var receipt Receipt
	if err := c.do(httpReq, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *HTTPRemote) do(req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RemoteError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
