package gateway

import (
	"math/rand/v2"
	"sync"

	"github.com/thebtf/ecoroute/internal/carbon"
)

// MetricsProvider synthesizes carbon metrics for a locally generated
// response. Implementations used in tests return fixed values.
type MetricsProvider interface {
	Simulate(prompt, response string) carbon.RawFields
}

// SimulationBounds are the ranges RandomProvider draws from.
type SimulationBounds struct {
	Models         []string
	Regions        []string
	BaselineMinG   float64
	BaselineMaxG   float64
	CostShareMin   float64 // cost as a fraction of baseline
	CostShareMax   float64
	LatencyMinMs   int64
	LatencyMaxMs   int64
	CacheHitChance float64
	// CompressAbove enables prompt compression for prompts longer than
	// this many tokens.
	CompressAbove       int
	CompressionRatioMin float64
	CompressionRatioMax float64
}

// DefaultSimulationBounds returns plausible ranges for the demo.
func DefaultSimulationBounds() SimulationBounds {
	regions := make([]string, 0, len(carbon.Regions))
	for _, r := range carbon.Regions {
		regions = append(regions, r.ID)
	}
	return SimulationBounds{
		Models:              []string{"eco-small", "eco-medium", "eco-large"},
		Regions:             regions,
		BaselineMinG:        0.3,
		BaselineMaxG:        0.9,
		CostShareMin:        0.15,
		CostShareMax:        0.55,
		LatencyMinMs:        180,
		LatencyMaxMs:        950,
		CacheHitChance:      0.3,
		CompressAbove:       20,
		CompressionRatioMin: 0.6,
		CompressionRatioMax: 0.9,
	}
}

// RandomProvider draws metrics uniformly from SimulationBounds.
type RandomProvider struct {
	tokens TokenCounter
	bounds SimulationBounds

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomProvider creates a provider. A nil rng uses a randomly seeded
// generator.
func NewRandomProvider(bounds SimulationBounds, tokens TokenCounter, rng *rand.Rand) *RandomProvider {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if tokens == nil {
		tokens = WordCounter{}
	}
	return &RandomProvider{
		tokens: tokens,
		bounds: bounds,
		rng:    rng,
	}
}

// Simulate implements MetricsProvider.
func (p *RandomProvider) Simulate(prompt, response string) carbon.RawFields {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.bounds
	baseline := p.between(b.BaselineMinG, b.BaselineMaxG)
	cost := baseline * p.between(b.CostShareMin, b.CostShareMax)
	latency := b.LatencyMinMs
	if b.LatencyMaxMs > b.LatencyMinMs {
		latency += p.rng.Int64N(b.LatencyMaxMs - b.LatencyMinMs + 1)
	}

	tokensIn := p.tokens.Count(prompt)
	tokensOut := p.tokens.Count(response)
	cached := p.rng.Float64() < b.CacheHitChance

	raw := carbon.RawFields{
		BaselineG: carbon.Float64(baseline),
		CostG:     carbon.Float64(cost),
		LatencyMs: carbon.Int64(latency),
		TokensIn:  carbon.Int(tokensIn),
		TokensOut: carbon.Int(tokensOut),
		Cached:    carbon.Bool(cached),
		Model:     p.pick(b.Models, carbon.DefaultModel),
		Region:    p.pick(b.Regions, carbon.DefaultRegion),
	}
	// CFE comes from the region table so region and percentage agree.
	raw.CFEPercent = carbon.Float64(carbon.CFEForRegion(raw.Region))

	if b.CompressAbove > 0 && tokensIn > b.CompressAbove {
		ratio := p.between(b.CompressionRatioMin, b.CompressionRatioMax)
		compressed := int(float64(tokensIn) * ratio)
		if compressed < 1 {
			compressed = 1
		}
		raw.Compressed = carbon.Bool(true)
		raw.OriginalTokens = carbon.Int(tokensIn)
		raw.CompressedTokens = carbon.Int(compressed)
	} else {
		raw.Compressed = carbon.Bool(false)
	}
	return raw
}

func (p *RandomProvider) between(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + p.rng.Float64()*(hi-lo)
}

func (p *RandomProvider) pick(values []string, def string) string {
	if len(values) == 0 {
		return def
	}
	return values[p.rng.IntN(len(values))]
}

// StaticProvider returns the same fields for every response. Token counts
// are filled from the counter when not set.
type StaticProvider struct {
	Fields carbon.RawFields
	Tokens TokenCounter
}

// Simulate implements MetricsProvider.
func (p StaticProvider) Simulate(prompt, response string) carbon.RawFields {
	raw := p.Fields
	counter := p.Tokens
	if counter == nil {
		counter = WordCounter{}
	}
	if raw.TokensIn == nil {
		raw.TokensIn = carbon.Int(counter.Count(prompt))
	}
	if raw.TokensOut == nil {
		raw.TokensOut = carbon.Int(counter.Count(response))
	}
	return raw
}
