// Package models contains domain models for ecoroute.
package models

// TokenTotals sums token counts across responses.
type TokenTotals struct {
	In       int `json:"in"`
	Out      int `json:"out"`
	CacheHit int `json:"cache_hit"`
	Total    int `json:"total"`
}

// ChatStats is the rollup of all assistant responses in one chat.
type ChatStats struct {
	ChatID              string      `json:"chat_id"`
	TokenTotals         TokenTotals `json:"token_totals"`
	TotalCost           float64     `json:"total_cost"`
	TotalBaseline       float64     `json:"total_baseline"`
	TotalSaved          float64     `json:"total_saved"`
	ReductionPct        float64     `json:"reduction_pct"`
	CacheHitRate        float64     `json:"cache_hit_rate"`
	AvgCompressionRatio float64     `json:"avg_compression_ratio"`
	AvgLatencyMs        float64     `json:"avg_latency_ms"`
	Responses           int         `json:"responses"`
}

// AccountTotals holds account-wide sums.
type AccountTotals struct {
	CarbonSaved     float64 `json:"carbon_saved"`
	AvgReductionPct float64 `json:"avg_reduction_pct"`
	PromptCount     int     `json:"prompt_count"`
	ChatCount       int     `json:"chat_count"`
}

// AggregateStats is the account rollup. Raw is computed from stored data;
// Display is Raw with the presentation floor applied.
type AggregateStats struct {
	Raw          AccountTotals `json:"raw"`
	Display      AccountTotals `json:"display"`
	FloorApplied bool          `json:"floor_applied"`
}
