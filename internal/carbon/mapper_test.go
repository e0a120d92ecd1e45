package carbon

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_Defaults(t *testing.T) {
	meta := Normalize(RawFields{})

	assert.Equal(t, DefaultBaselineG, meta.BaselineG)
	assert.Equal(t, DefaultCostG, meta.CostG)
	assert.InDelta(t, 0.4, meta.SavedG, 1e-9)
	assert.Equal(t, DefaultModel, meta.Model)
	assert.Equal(t, DefaultRegion, meta.Region)
	assert.Equal(t, CFEForRegion(DefaultRegion), meta.CFEPercent)
	assert.False(t, meta.Compressed)
	assert.Equal(t, 1.0, meta.CompressionRatio)
}

func TestNormalize_TableDriven(t *testing.T) {
	tests := []struct {
		name  string
		raw   RawFields
		check func(t *testing.T, raw RawFields)
	}{
		{
			name: "saved derived from baseline and cost",
			raw:  RawFields{BaselineG: Float64(0.812), CostG: Float64(0.2)},
			check: func(t *testing.T, raw RawFields) {
				meta := Normalize(raw)
				assert.InDelta(t, 0.612, meta.SavedG, 1e-9)
			},
		},
		{
			name: "reported saved ignored when baseline known",
			raw:  RawFields{BaselineG: Float64(1), CostG: Float64(0.25), SavedG: Float64(9)},
			check: func(t *testing.T, raw RawFields) {
				meta := Normalize(raw)
				assert.InDelta(t, 0.75, meta.SavedG, 1e-9)
			},
		},
		{
			name: "baseline recovered from saved",
			raw:  RawFields{CostG: Float64(0.1), SavedG: Float64(0.3)},
			check: func(t *testing.T, raw RawFields) {
				meta := Normalize(raw)
				assert.InDelta(t, 0.4, meta.BaselineG, 1e-9)
				assert.InDelta(t, 0.3, meta.SavedG, 1e-9)
			},
		},
		{
			name: "mass fields rounded to three decimals",
			raw:  RawFields{BaselineG: Float64(0.123456), CostG: Float64(0.0411119)},
			check: func(t *testing.T, raw RawFields) {
				meta := Normalize(raw)
				assert.Equal(t, 0.123, meta.BaselineG)
				assert.Equal(t, 0.041, meta.CostG)
				assert.Equal(t, 0.082, meta.SavedG)
			},
		},
		{
			name: "cache hit tokens default to tokens in",
			raw:  RawFields{Cached: Bool(true), TokensIn: Int(12), TokensOut: Int(40)},
			check: func(t *testing.T, raw RawFields) {
				meta := Normalize(raw)
				assert.True(t, meta.Cached)
				assert.Equal(t, 12, meta.CacheHitTokens)
			},
		},
		{
			name: "cache hit tokens clamped to total",
			raw:  RawFields{CacheHitTokens: Int(500), TokensIn: Int(3), TokensOut: Int(4)},
			check: func(t *testing.T, raw RawFields) {
				meta := Normalize(raw)
				assert.Equal(t, 7, meta.CacheHitTokens)
			},
		},
		{
			name: "compression ratio",
			raw:  RawFields{Compressed: Bool(true), OriginalTokens: Int(200), CompressedTokens: Int(150)},
			check: func(t *testing.T, raw RawFields) {
				meta := Normalize(raw)
				assert.Equal(t, 0.75, meta.CompressionRatio)
			},
		},
		{
			name: "compression with zero original tokens",
			raw:  RawFields{Compressed: Bool(true), OriginalTokens: Int(0), CompressedTokens: Int(10)},
			check: func(t *testing.T, raw RawFields) {
				meta := Normalize(raw)
				assert.Equal(t, 1.0, meta.CompressionRatio)
			},
		},
		{
			name: "uncompressed keeps token counts equal",
			raw:  RawFields{Compressed: Bool(false), OriginalTokens: Int(90), CompressedTokens: Int(30)},
			check: func(t *testing.T, raw RawFields) {
				meta := Normalize(raw)
				assert.Equal(t, 1.0, meta.CompressionRatio)
				assert.Equal(t, meta.OriginalTokens, meta.CompressedTokens)
			},
		},
		{
			name: "cfe clamped",
			raw:  RawFields{CFEPercent: Float64(140)},
			check: func(t *testing.T, raw RawFields) {
				assert.Equal(t, 100.0, Normalize(raw).CFEPercent)
			},
		},
		{
			name: "negative and NaN inputs",
			raw:  RawFields{CostG: Float64(-3), BaselineG: Float64(math.NaN())},
			check: func(t *testing.T, raw RawFields) {
				meta := Normalize(raw)
				assert.Equal(t, 0.0, meta.CostG)
				assert.Equal(t, 0.0, meta.BaselineG)
				assert.Equal(t, 0.0, meta.SavedG)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, tt.raw)
		})
	}
}

func TestNormalize_SavedInvariant(t *testing.T) {
	for _, baseline := range []float64{0.01, 0.3333, 0.5, 0.87654, 2.5} {
		for _, cost := range []float64{0, 0.0049, 0.1, 0.29999, 3} {
			meta := Normalize(RawFields{BaselineG: Float64(baseline), CostG: Float64(cost)})
			if meta.BaselineG > 0 {
				assert.InDelta(t, meta.BaselineG-meta.CostG, meta.SavedG, 0.01)
			}
		}
	}
}

func TestMerge(t *testing.T) {
	primary := RawFields{CostG: Float64(0.2), Model: "primary"}
	secondary := RawFields{CostG: Float64(0.9), BaselineG: Float64(1), Model: "secondary", Region: "us-west1"}

	merged := primary.Merge(secondary)

	assert.Equal(t, 0.2, *merged.CostG)
	assert.Equal(t, 1.0, *merged.BaselineG)
	assert.Equal(t, "primary", merged.Model)
	assert.Equal(t, "us-west1", merged.Region)
}

func TestCFEForRegion(t *testing.T) {
	assert.Equal(t, 97.0, CFEForRegion("europe-north1"))
	assert.Equal(t, 97.0, CFEForRegion(" Europe-North1 "))
	assert.Equal(t, DefaultCFEPercent, CFEForRegion("mars-1"))
	assert.True(t, KnownRegion("us-west1"))
	assert.False(t, KnownRegion("mars-1"))
}
