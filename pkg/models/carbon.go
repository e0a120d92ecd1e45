// Package models contains domain models for ecoroute.
package models

// CarbonMeta is the canonical record of one response's simulated
// sustainability metrics. Mass fields are grams of CO2.
type CarbonMeta struct {
	Model            string  `db:"model" json:"model"`
	Region           string  `db:"region" json:"region"`
	CostG            float64 `db:"cost_g" json:"cost_g"`
	BaselineG        float64 `db:"baseline_g" json:"baseline_g"`
	SavedG           float64 `db:"saved_g" json:"saved_g"`
	CFEPercent       float64 `db:"cfe_percent" json:"cfe_percent"`
	CompressionRatio float64 `db:"compression_ratio" json:"compression_ratio"`
	LatencyMs        int64   `db:"latency_ms" json:"latency_ms"`
	TokensIn         int     `db:"tokens_in" json:"tokens_in"`
	TokensOut        int     `db:"tokens_out" json:"tokens_out"`
	CacheHitTokens   int     `db:"cache_hit_tokens" json:"cache_hit_tokens"`
	OriginalTokens   int     `db:"original_tokens" json:"original_tokens"`
	CompressedTokens int     `db:"compressed_tokens" json:"compressed_tokens"`
	Cached           bool    `db:"cached" json:"cached"`
	Compressed       bool    `db:"compressed" json:"compressed"`
}

// ZeroCarbon returns the record attached to user messages and deferred
// responses: no mass, no tokens, ratio 1.
func ZeroCarbon() CarbonMeta {
	return CarbonMeta{CompressionRatio: 1}
}

// TotalTokens returns tokens_in + tokens_out.
func (c CarbonMeta) TotalTokens() int {
	return c.TokensIn + c.TokensOut
}

// IsZero reports whether the record carries no mass at all.
func (c CarbonMeta) IsZero() bool {
	return c.CostG == 0 && c.BaselineG == 0 && c.SavedG == 0
}
