package carbon

import (
	"math"

	"github.com/thebtf/ecoroute/pkg/models"
)

const (
	// DefaultBaselineG is used when no baseline is reported.
	DefaultBaselineG = 0.5
	// DefaultCostG is used when no actual emission is reported.
	DefaultCostG = 0.1
	// DefaultModel and DefaultRegion fill missing identifiers.
	DefaultModel  = "eco-small"
	DefaultRegion = "europe-north1"

	massPrecision  = 1000
	ratioPrecision = 10000
)

// RawFields is whichever subset of metrics a source reported.
// Nil pointers mean "not reported".
type RawFields struct {
	CostG            *float64
	BaselineG        *float64
	SavedG           *float64
	CFEPercent       *float64
	LatencyMs        *int64
	TokensIn         *int
	TokensOut        *int
	CacheHitTokens   *int
	OriginalTokens   *int
	CompressedTokens *int
	Cached           *bool
	Compressed       *bool
	Model            string
	Region           string
}

// Merge returns r with every field that is unset in r taken from other.
func (r RawFields) Merge(other RawFields) RawFields {
	out := r
	if out.CostG == nil {
		out.CostG = other.CostG
	}
	if out.BaselineG == nil {
		out.BaselineG = other.BaselineG
	}
	if out.SavedG == nil {
		out.SavedG = other.SavedG
	}
	if out.CFEPercent == nil {
		out.CFEPercent = other.CFEPercent
	}
	if out.LatencyMs == nil {
		out.LatencyMs = other.LatencyMs
	}
	if out.TokensIn == nil {
		out.TokensIn = other.TokensIn
	}
	if out.TokensOut == nil {
		out.TokensOut = other.TokensOut
	}
	if out.CacheHitTokens == nil {
		out.CacheHitTokens = other.CacheHitTokens
	}
	if out.OriginalTokens == nil {
		out.OriginalTokens = other.OriginalTokens
	}
	if out.CompressedTokens == nil {
		out.CompressedTokens = other.CompressedTokens
	}
	if out.Cached == nil {
		out.Cached = other.Cached
	}
	if out.Compressed == nil {
		out.Compressed = other.Compressed
	}
	if out.Model == "" {
		out.Model = other.Model
	}
	if out.Region == "" {
		out.Region = other.Region
	}
	return out
}

// Normalize fills every CarbonMeta field from raw, applying defaults and
// derivations so the record is always fully populated.
//
// When a baseline is known, saved is always baseline - cost; a reported
// saved value is only used to recover a missing baseline.
func Normalize(raw RawFields) models.CarbonMeta {
	meta := models.CarbonMeta{
		Model:  raw.Model,
		Region: raw.Region,
	}
	if meta.Model == "" {
		meta.Model = DefaultModel
	}
	if meta.Region == "" {
		meta.Region = DefaultRegion
	}

	cost := DefaultCostG
	if raw.CostG != nil {
		cost = nonNegative(*raw.CostG)
	}
	var baseline float64
	switch {
	case raw.BaselineG != nil:
		baseline = nonNegative(*raw.BaselineG)
	case raw.SavedG != nil:
		baseline = cost + *raw.SavedG
	default:
		baseline = DefaultBaselineG
	}
	meta.CostG = RoundMass(cost)
	meta.BaselineG = RoundMass(baseline)
	if meta.BaselineG > 0 || raw.SavedG == nil {
		meta.SavedG = RoundMass(meta.BaselineG - meta.CostG)
	} else {
		meta.SavedG = RoundMass(*raw.SavedG)
	}

	if raw.CFEPercent != nil {
		meta.CFEPercent = clamp(*raw.CFEPercent, 0, 100)
	} else {
		meta.CFEPercent = CFEForRegion(meta.Region)
	}

	meta.TokensIn = intOr(raw.TokensIn, 0)
	meta.TokensOut = intOr(raw.TokensOut, 0)
	if raw.LatencyMs != nil && *raw.LatencyMs > 0 {
		meta.LatencyMs = *raw.LatencyMs
	}

	if raw.Cached != nil {
		meta.Cached = *raw.Cached
	}
	switch {
	case raw.CacheHitTokens != nil:
		meta.CacheHitTokens = *raw.CacheHitTokens
	case meta.Cached:
		meta.CacheHitTokens = meta.TokensIn
	}
	meta.CacheHitTokens = int(clamp(float64(meta.CacheHitTokens), 0, float64(meta.TotalTokens())))

	if raw.Compressed != nil {
		meta.Compressed = *raw.Compressed
	}
	meta.OriginalTokens = intOr(raw.OriginalTokens, meta.TokensIn)
	if meta.Compressed {
		meta.CompressedTokens = intOr(raw.CompressedTokens, meta.OriginalTokens)
		meta.CompressionRatio = CompressionRatio(meta.OriginalTokens, meta.CompressedTokens)
	} else {
		meta.CompressedTokens = meta.OriginalTokens
		meta.CompressionRatio = 1
	}

	return meta
}

// CompressionRatio returns compressed/original in (0,1], or 1 when the
// ratio is undefined.
func CompressionRatio(original, compressed int) float64 {
	if original <= 0 || compressed <= 0 {
		return 1
	}
	ratio := float64(compressed) / float64(original)
	if ratio > 1 {
		return 1
	}
	return math.Round(ratio*ratioPrecision) / ratioPrecision
}

// RoundMass rounds grams to 3 decimal places.
func RoundMass(g float64) float64 {
	if math.IsNaN(g) || math.IsInf(g, 0) {
		return 0
	}
	return math.Round(g*massPrecision) / massPrecision
}

func intOr(p *int, def int) int {
	if p == nil || *p < 0 {
		return def
	}
	return *p
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
