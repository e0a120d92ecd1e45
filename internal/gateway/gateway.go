package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/thebtf/ecoroute/internal/carbon"
	"github.com/thebtf/ecoroute/internal/privacy"
	"github.com/thebtf/ecoroute/pkg/models"
)

// DeferredPlaceholder is shown instead of an answer when the remote queued
// the request for a cleaner time window.
const DeferredPlaceholder = "Your request has been scheduled for a cleaner energy window. " +
	"The answer will be generated when the grid's carbon intensity drops, and you'll find it here once it is ready."

const (
	// DefaultTimeout bounds the primary remote call. A timeout folds into
	// the fallback path.
	DefaultTimeout = 20 * time.Second

	// DefaultReceiptTimeout bounds the best-effort receipt fetch.
	DefaultReceiptTimeout = 3 * time.Second
)

// Source says where a Result came from.
type Source string

const (
	SourceRemote   Source = "remote"
	SourceDeferred Source = "deferred"
	SourceFallback Source = "fallback"
)

// Result is the outcome of Resolve. It is always usable.
type Result struct {
	ResponseText string            `json:"response_text"`
	TaskID       string            `json:"task_id,omitempty"`
	FallbackRule string            `json:"fallback_rule,omitempty"`
	Source       Source            `json:"source"`
	Carbon       models.CarbonMeta `json:"carbon"`
	Deferred     bool              `json:"deferred"`
}

// Config holds gateway settings.
type Config struct {
	UserID         string
	ProjectID      string
	Timeout        time.Duration // primary call; 0 means DefaultTimeout
	ReceiptTimeout time.Duration // 0 means DefaultReceiptTimeout
	// DeferWindow, when positive, is sent as the deadline by which the
	// remote must have answered a deferred request.
	DeferWindow time.Duration
	// RateLimit caps remote calls per second; 0 disables the limit.
	RateLimit float64
	RateBurst int
}

// Gateway resolves prompts. Safe for concurrent use.
type Gateway struct {
	remote   Remote
	fallback *FallbackTable
	provider MetricsProvider
	tokens   TokenCounter
	limiter  *rate.Limiter
	cfg      Config
	now      func() time.Time
	group    singleflight.Group
	metrics  *instruments
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithFallbackTable replaces the embedded fallback table.
func WithFallbackTable(t *FallbackTable) Option {
	return func(g *Gateway) { g.fallback = t }
}

// WithMetricsProvider replaces the random metrics provider.
func WithMetricsProvider(p MetricsProvider) Option {
	return func(g *Gateway) { g.provider = p }
}

// WithTokenCounter replaces the token counter.
func WithTokenCounter(c TokenCounter) Option {
	return func(g *Gateway) { g.tokens = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a gateway. remote may be nil, in which case every prompt is
// answered locally.
func New(remote Remote, cfg Config, opts ...Option) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	g := &Gateway{
		remote: remote,
		cfg:    cfg,
		now:    time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.fallback == nil {
		g.fallback = DefaultFallbackTable()
	}
	if g.tokens == nil {
		g.tokens = NewTokenCounter()
	}
	if g.provider == nil {
		g.provider = NewRandomProvider(DefaultSimulationBounds(), g.tokens, nil)
	}
	g.metrics = newInstruments()
	return g
}

// Resolve returns the answer and carbon record for prompt. It never fails:
// remote errors, timeouts and rate limiting all yield a synthesized result.
// Concurrent calls for the same contextID and prompt share one remote call.
//
// The shared call is detached from the caller that started it and bounded
// only by the gateway timeouts, so a cancelled caller never downgrades the
// callers that joined it. A caller whose ctx ends first gets a local answer.
func (g *Gateway) Resolve(ctx context.Context, prompt, contextID string) Result {
	key := contextID + "\x00" + prompt
	detached := context.WithoutCancel(ctx)
	ch := g.group.DoChan(key, func() (interface{}, error) {
		return g.resolve(detached, prompt), nil
	})

	select {
	case r := <-ch:
		res := r.Val.(Result)
		if r.Shared {
			log.Debug().Str("contextId", contextID).Msg("Joined in-flight resolve")
		}
		g.metrics.recordResolve(ctx, res)
		return res
	case <-ctx.Done():
		return g.synthesize(privacy.Clean(prompt), ctx.Err())
	}
}

func (g *Gateway) resolve(ctx context.Context, prompt string) Result {
	start := g.now()
	clean := privacy.Clean(prompt)

	if g.remote == nil {
		return g.synthesize(clean, ErrRemoteNotConfigured)
	}
	if g.limiter != nil && !g.limiter.Allow() {
		return g.synthesize(clean, ErrRateLimited)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	req := OrchestrateRequest{
		Prompt:    clean,
		UserID:    g.cfg.UserID,
		ProjectID: g.cfg.ProjectID,
	}
	if g.cfg.DeferWindow > 0 {
		deadline := start.Add(g.cfg.DeferWindow).UTC()
		req.Deadline = &deadline
	}

	resp, err := g.remote.Orchestrate(callCtx, req)
	if err != nil {
		return g.synthesize(clean, err)
	}

	if resp.Deferred {
		meta := models.ZeroCarbon()
		meta.LatencyMs = g.now().Sub(start).Milliseconds()
		log.Info().Str("taskId", resp.TaskID).Msg("Request deferred to a cleaner window")
		return Result{
			ResponseText: DeferredPlaceholder,
			TaskID:       resp.TaskID,
			Source:       SourceDeferred,
			Carbon:       meta,
			Deferred:     true,
		}
	}

	if resp.Response == "" {
		return g.synthesize(clean, errors.New("remote returned an empty response"))
	}

	raw := resp.EcoStats.RawFields(g.tokens.Count(clean))
	if resp.ReceiptID != "" {
		raw = g.enrich(ctx, resp.ReceiptID).Merge(raw)
	}
	if raw.TokensOut == nil {
		raw.TokensOut = carbon.Int(g.tokens.Count(resp.Response))
	}
	raw.LatencyMs = carbon.Int64(g.now().Sub(start).Milliseconds())

	return Result{
		ResponseText: resp.Response,
		Source:       SourceRemote,
		Carbon:       carbon.Normalize(raw),
	}
}

// enrich fetches the receipt. Failures are ignored.
func (g *Gateway) enrich(ctx context.Context, receiptID string) carbon.RawFields {
	rctx, cancel := context.WithTimeout(ctx, g.cfg.ReceiptTimeout)
	defer cancel()

	receipt, err := g.remote.Receipt(rctx, receiptID)
	if err != nil {
		log.Debug().Err(err).Str("receiptId", receiptID).Msg("Receipt enrichment failed, continuing without it")
		return carbon.RawFields{}
	}
	return receipt.RawFields()
}

// synthesize builds a local answer for prompt.
func (g *Gateway) synthesize(prompt string, cause error) Result {
	rule := g.fallback.Match(prompt)
	raw := g.provider.Simulate(prompt, rule.Response)

	ev := log.Warn()
	if errors.Is(cause, ErrRemoteNotConfigured) || errors.Is(cause, context.Canceled) {
		ev = log.Debug()
	}
	ev.Err(cause).Str("rule", rule.Name).Msg("Remote unavailable, answering locally")

	return Result{
		ResponseText: rule.Response,
		FallbackRule: rule.Name,
		Source:       SourceFallback,
		Carbon:       carbon.Normalize(raw),
	}
}
