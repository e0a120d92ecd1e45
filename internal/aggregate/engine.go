// Package aggregate rolls stored carbon records up into chat and account
// statistics. Results are recomputed on every call; nothing is cached.
package aggregate

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/ecoroute/internal/carbon"
	"github.com/thebtf/ecoroute/internal/db"
	"github.com/thebtf/ecoroute/pkg/models"
)

// Engine computes statistics from a store.
type Engine struct {
	store  db.Store
	policy FloorPolicy
}

// NewEngine creates an engine reading from store.
func NewEngine(store db.Store, policy FloorPolicy) *Engine {
	return &Engine{store: store, policy: policy}
}

// Policy returns the floor policy in use.
func (e *Engine) Policy() FloorPolicy {
	return e.policy
}

// AggregateChat sums the carbon records of the assistant messages in a chat.
func (e *Engine) AggregateChat(ctx context.Context, chatID string) (models.ChatStats, error) {
	msgs, err := e.store.GetMessages(ctx, chatID)
	if err != nil {
		return models.ChatStats{}, fmt.Errorf("aggregate chat %s: %w", chatID, err)
	}
	stats := Summarize(msgs)
	stats.ChatID = chatID
	return stats, nil
}

// Summarize computes chat statistics from messages. Only assistant
// messages are counted.
func Summarize(msgs []models.StoredMessage) models.ChatStats {
	var (
		stats        models.ChatStats
		ratioSum     float64
		latencySum   int64
		latencyCount int
	)
	for i := range msgs {
		if msgs[i].Role != models.RoleAssistant {
			continue
		}
		c := msgs[i].Carbon
		stats.Responses++
		stats.TotalCost += c.CostG
		stats.TotalBaseline += c.BaselineG
		stats.TotalSaved += c.SavedG
		stats.TokenTotals.In += c.TokensIn
		stats.TokenTotals.Out += c.TokensOut
		stats.TokenTotals.CacheHit += c.CacheHitTokens

		ratio := c.CompressionRatio
		if ratio <= 0 || ratio > 1 {
			ratio = 1
		}
		ratioSum += ratio

		if c.LatencyMs > 0 {
			latencySum += c.LatencyMs
			latencyCount++
		}
	}
	stats.TokenTotals.Total = stats.TokenTotals.In + stats.TokenTotals.Out

	stats.TotalCost = carbon.RoundMass(stats.TotalCost)
	stats.TotalBaseline = carbon.RoundMass(stats.TotalBaseline)
	stats.TotalSaved = carbon.RoundMass(stats.TotalSaved)

	stats.ReductionPct = reductionPct(stats.TotalSaved, stats.TotalBaseline)
	stats.CacheHitRate = safeRatio(float64(stats.TokenTotals.CacheHit), float64(stats.TokenTotals.Total))

	stats.AvgCompressionRatio = 1
	if stats.Responses > 0 {
		stats.AvgCompressionRatio = round(ratioSum/float64(stats.Responses), 4)
	}
	if latencyCount > 0 {
		stats.AvgLatencyMs = round(float64(latencySum)/float64(latencyCount), 1)
	}
	return stats
}

// AggregateAccount sums all chats. Raw holds the computed totals; Display
// is Raw with the floor policy applied.
func (e *Engine) AggregateAccount(ctx context.Context) (models.AggregateStats, error) {
	chats, err := e.store.GetAllChats(ctx)
	if err != nil {
		return models.AggregateStats{}, fmt.Errorf("aggregate account: %w", err)
	}

	var (
		raw          models.AccountTotals
		reductionSum float64
		withBaseline int
	)
	raw.ChatCount = len(chats)
	for i := range chats {
		raw.CarbonSaved += chats[i].CarbonSaved
		raw.PromptCount += chats[i].PromptCount

		stats, err := e.AggregateChat(ctx, chats[i].ID)
		if err != nil {
			// A chat deleted between the list and this read is skipped.
			log.Debug().Err(err).Str("chatId", chats[i].ID).Msg("Skipping chat in account rollup")
			continue
		}
		if stats.TotalBaseline > 0 {
			reductionSum += stats.ReductionPct
			withBaseline++
		}
	}
	raw.CarbonSaved = carbon.RoundMass(raw.CarbonSaved)
	if withBaseline > 0 {
		raw.AvgReductionPct = round(reductionSum/float64(withBaseline), 2)
	}

	display, applied := e.policy.Apply(raw)
	return models.AggregateStats{
		Raw:          raw,
		Display:      display,
		FloorApplied: applied,
	}, nil
}

// reductionPct is saved/baseline as a percentage clamped to [0, 100], or 0
// when there is no baseline.
func reductionPct(saved, baseline float64) float64 {
	if baseline <= 0 {
		return 0
	}
	pct := saved / baseline * 100
	if math.IsNaN(pct) || pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return round(pct, 2)
}

func safeRatio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return round(num/den, 4)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
