package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		remote string
		stored string
		report Report
	}{
		{
			name:   "plain prompt",
			input:  "  how green is my region?  ",
			remote: "how green is my region?",
			stored: "how green is my region?",
		},
		{
			name:   "private span",
			input:  "deploy <private>token=abc</private> to prod",
			remote: "deploy  to prod",
			stored: "deploy [private] to prod",
			report: Report{PrivateSpans: 1},
		},
		{
			name:   "multiline span",
			input:  "<private>line one\nline two</private>summarize this",
			remote: "summarize this",
			stored: "[private]summarize this",
			report: Report{PrivateSpans: 1},
		},
		{
			name:   "two spans",
			input:  "a <private>x</private> b <private>y</private> c",
			remote: "a  b  c",
			stored: "a [private] b [private] c",
			report: Report{PrivateSpans: 2},
		},
		{
			name:   "credential assignment",
			input:  "call it with api_key=abc123 please",
			remote: "call it with api_key=[redacted] please",
			stored: "call it with api_key=[redacted] please",
			report: Report{MaskedSecrets: 1},
		},
		{
			name:   "colon separator keeps key",
			input:  "Password: hunter2",
			remote: "Password: [redacted]",
			stored: "Password: [redacted]",
			report: Report{MaskedSecrets: 1},
		},
		{
			name:   "bare provider key",
			input:  "why does sk-abcdefghijklmnop1234 fail",
			remote: "why does [redacted] fail",
			stored: "why does [redacted] fail",
			report: Report{MaskedSecrets: 1},
		},
		{
			name:   "lookalike words untouched",
			input:  "tokens and the secretary",
			remote: "tokens and the secretary",
			stored: "tokens and the secretary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Redact(tt.input)
			assert.Equal(t, tt.remote, r.Remote)
			assert.Equal(t, tt.stored, r.Stored)
			assert.Equal(t, tt.report, r.Report)
			assert.Equal(t, tt.report.PrivateSpans+tt.report.MaskedSecrets > 0, r.Report.Any())
			assert.Equal(t, tt.remote, Clean(tt.input))
		})
	}
}

func TestRedact_EntirelyPrivate(t *testing.T) {
	r := Redact("  <private>only secrets here</private>\n")
	assert.True(t, r.Empty())
	assert.Equal(t, PrivateMarker, r.Stored)
	assert.Equal(t, 1, r.Report.PrivateSpans)

	assert.True(t, Redact("   ").Empty())
}

func TestRedact_Idempotent(t *testing.T) {
	first := Redact("token=abc <private>x</private> sk-abcdefghijklmnop1234")
	second := Redact(first.Remote)

	assert.Equal(t, first.Remote, second.Remote)
	assert.Equal(t, Report{}, second.Report)
}
