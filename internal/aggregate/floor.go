package aggregate

import (
	"github.com/thebtf/ecoroute/internal/carbon"
	"github.com/thebtf/ecoroute/pkg/models"
)

// FloorPolicy is the presentation adjustment applied to account totals so a
// new account does not show all zeros. It never affects Raw values.
type FloorPolicy struct {
	SavedOffsetG      float64 `json:"saved_offset_g"`
	PromptOffset      int     `json:"prompt_offset"`
	ReductionFloorPct float64 `json:"reduction_floor_pct"`
}

// DefaultFloorPolicy returns the offsets used when none are configured.
func DefaultFloorPolicy() FloorPolicy {
	return FloorPolicy{
		SavedOffsetG:      2.4,
		PromptOffset:      12,
		ReductionFloorPct: 42,
	}
}

// NoFloor disables the adjustment.
func NoFloor() FloorPolicy {
	return FloorPolicy{}
}

// IsZero reports whether the policy changes nothing.
func (p FloorPolicy) IsZero() bool {
	return p.SavedOffsetG == 0 && p.PromptOffset == 0 && p.ReductionFloorPct == 0
}

// Apply returns the display totals for raw and whether anything changed.
// Offsets are added to the sums; the reduction floor is a lower bound.
func (p FloorPolicy) Apply(raw models.AccountTotals) (models.AccountTotals, bool) {
	display := raw
	applied := false

	if p.SavedOffsetG > 0 {
		display.CarbonSaved = carbon.RoundMass(raw.CarbonSaved + p.SavedOffsetG)
		applied = true
	}
	if p.PromptOffset > 0 {
		display.PromptCount = raw.PromptCount + p.PromptOffset
		applied = true
	}
	if floor := clampPct(p.ReductionFloorPct); floor > display.AvgReductionPct {
		display.AvgReductionPct = floor
		applied = true
	}
	return display, applied
}

func clampPct(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
