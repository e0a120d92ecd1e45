// Package privacy redacts prompts before they leave the machine or reach
// chat history.
//
// Users mark spans with <private>...</private>. The remote copy drops those
// spans; the stored copy keeps a marker so the history shows that something
// was withheld. Credential assignments such as "api_key=..." are masked in
// both copies.
package privacy

import (
	"regexp"
	"strings"
)

// PrivateMarker replaces a private span in the stored copy.
const PrivateMarker = "[private]"

// SecretMask replaces a credential value.
const SecretMask = "[redacted]"

var (
	privateSpanRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

	// Key and separator are kept; the value runs to the next whitespace.
	credentialRegex = regexp.MustCompile(
		`(?i)\b((?:api[_-]?key|access[_-]?token|auth[_-]?token|token|secret|password|passwd)\s*[:=]\s*)([^\s\[]\S*)`)

	// Bare provider keys, e.g. "sk-..." without an assignment.
	bareKeyRegex = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}`)
)

// Report counts what a redaction removed.
type Report struct {
	PrivateSpans  int `json:"private_spans"`
	MaskedSecrets int `json:"masked_secrets"`
}

// Any reports whether anything was removed.
func (r Report) Any() bool {
	return r.PrivateSpans > 0 || r.MaskedSecrets > 0
}

// Redaction is a prompt split into its outgoing and stored copies.
type Redaction struct {
	Remote string
	Stored string
	Report Report
}

// Empty reports whether nothing remains to send.
func (r Redaction) Empty() bool {
	return r.Remote == ""
}

// Redact produces both copies of prompt. Both are trimmed. Redact is
// idempotent on its Remote output.
func Redact(prompt string) Redaction {
	var rep Report

	rep.PrivateSpans = len(privateSpanRegex.FindAllStringIndex(prompt, -1))
	remote := privateSpanRegex.ReplaceAllString(prompt, "")
	stored := privateSpanRegex.ReplaceAllString(prompt, PrivateMarker)

	remote, rep.MaskedSecrets = maskSecrets(remote)
	stored, _ = maskSecrets(stored)

	return Redaction{
		Remote: strings.TrimSpace(remote),
		Stored: strings.TrimSpace(stored),
		Report: rep,
	}
}

// Clean returns the copy of prompt that may be sent to the remote.
func Clean(prompt string) string {
	return Redact(prompt).Remote
}

func maskSecrets(text string) (string, int) {
	n := 0
	text = credentialRegex.ReplaceAllStringFunc(text, func(m string) string {
		n++
		sub := credentialRegex.FindStringSubmatch(m)
		return sub[1] + SecretMask
	})
	text = bareKeyRegex.ReplaceAllStringFunc(text, func(string) string {
		n++
		return SecretMask
	})
	return text, n
}
