// Package main provides the ecoroute statusline.
// It prints a one-line carbon summary from the local worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/thebtf/ecoroute/pkg/client"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

const (
	envColors = "ECOROUTE_STATUSLINE_COLORS"
	envFormat = "ECOROUTE_STATUSLINE_FORMAT"
)

// The statusline runs on every prompt redraw, so it must be fast.
const fetchTimeout = 150 * time.Millisecond

// workerState is what the statusline could learn about the worker.
type workerState int

const (
	stateOffline workerState = iota
	stateStarting
	stateReady
)

func main() {
	format := flag.String("format", "", "Output format: default, compact or minimal")
	flag.Parse()

	if *format == "" {
		*format = os.Getenv(envFormat)
	}

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	stats, state := fetchStats(ctx, client.Local(fetchTimeout))
	fmt.Println(formatStatusLine(stats, state, *format, useColors()))
}

// fetchStats classifies the worker by its /api/stats answer. The endpoint
// answers 503 until the worker is ready.
func fetchStats(ctx context.Context, c *client.Client) (*client.Stats, workerState) {
	stats, err := c.Stats(ctx)
	if err == nil {
		return stats, stateReady
	}
	var se *client.StatusError
	if errors.As(err, &se) && se.Code == http.StatusServiceUnavailable {
		return nil, stateStarting
	}
	return nil, stateOffline
}

// useColors is on unless TERM is dumb or NO_COLOR is set;
// ECOROUTE_STATUSLINE_COLORS=true|false overrides both.
func useColors() bool {
	enabled := os.Getenv("NO_COLOR") == "" && os.Getenv("TERM") != "dumb"
	switch os.Getenv(envColors) {
	case "false":
		enabled = false
	case "true":
		enabled = true
	}
	return enabled
}

func formatStatusLine(stats *client.Stats, state workerState, format string, colors bool) string {
	switch {
	case state == stateStarting:
		return formatStarting(colors)
	case state == stateOffline || stats == nil:
		return formatOffline(colors)
	}

	switch format {
	case "compact":
		return formatCompact(stats, colors)
	case "minimal":
		return formatMinimal(stats, colors)
	default:
		return formatDefault(stats, colors)
	}
}

func paint(s, color string, colors bool) string {
	if !colors {
		return s
	}
	return color + s + colorReset
}

// formatGrams renders a CO2e mass in g, or kg from 1000 g up.
func formatGrams(g float64) string {
	if g >= 1000 {
		return fmt.Sprintf("%.2fkg", g/1000)
	}
	return fmt.Sprintf("%.1fg", g)
}

func busy(stats *client.Stats) bool {
	return stats.Worker.Processing || stats.Worker.ActiveSessions > 0
}

// formatDefault: [ecoroute] ● saved:2.8g | prompts:13 | reduction:42% | streaming...
func formatDefault(stats *client.Stats, colors bool) string {
	d := stats.Account.Display
	parts := []string{
		"saved:" + paint(formatGrams(d.CarbonSaved), colorGreen, colors),
		fmt.Sprintf("prompts:%d", d.PromptCount),
	}
	if d.AvgReductionPct > 0 {
		parts = append(parts, fmt.Sprintf("reduction:%.0f%%", d.AvgReductionPct))
	}
	if d.ChatCount > 1 {
		parts = append(parts, fmt.Sprintf("chats:%d", d.ChatCount))
	}
	if busy(stats) {
		parts = append(parts, paint("streaming...", colorYellow, colors))
	}

	return paint("[ecoroute]", colorCyan, colors) + " " +
		paint("●", colorGreen, colors) + " " +
		strings.Join(parts, " | ")
}

// formatCompact: [eco] ● 2.8g/13/42%
func formatCompact(stats *client.Stats, colors bool) string {
	d := stats.Account.Display
	result := fmt.Sprintf("%s %s %s/%d/%.0f%%",
		paint("[eco]", colorCyan, colors),
		paint("●", colorGreen, colors),
		formatGrams(d.CarbonSaved),
		d.PromptCount,
		d.AvgReductionPct,
	)
	if busy(stats) {
		result += " " + paint("⚙", colorYellow, colors)
	}
	return result
}

// formatMinimal: ● 2.8g
func formatMinimal(stats *client.Stats, colors bool) string {
	return paint("●", colorGreen, colors) + " " + formatGrams(stats.Account.Display.CarbonSaved)
}

func formatOffline(colors bool) string {
	return paint("[ecoroute]", colorCyan, colors) + " " + paint("○", colorGray, colors)
}

func formatStarting(colors bool) string {
	return paint("[ecoroute]", colorCyan, colors) + " " + paint("◐", colorYellow, colors) + " starting"
}
