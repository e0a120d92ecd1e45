package gateway

import (
	_ "embed"
	"fmt"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed fallback.yaml
var defaultFallbackYAML []byte

// FallbackRule maps prompt keywords to a canned answer.
type FallbackRule struct {
	Name     string   `yaml:"name"`
	Response string   `yaml:"response"`
	Keywords []string `yaml:"keywords"`
	// MaxWords limits the rule to prompts of at most this many words.
	// Zero means no limit.
	MaxWords int `yaml:"max_words"`
}

// FallbackTable is an ordered list of rules plus a default answer.
type FallbackTable struct {
	Default FallbackRule   `yaml:"default"`
	Rules   []FallbackRule `yaml:"rules"`
}

// ParseFallbackTable parses a YAML fallback table.
func ParseFallbackTable(data []byte) (*FallbackTable, error) {
	var table FallbackTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse fallback table: %w", err)
	}
	if strings.TrimSpace(table.Default.Response) == "" {
		return nil, fmt.Errorf("parse fallback table: default response is empty")
	}
	table.Default.Response = strings.TrimSpace(table.Default.Response)
	for i := range table.Rules {
		table.Rules[i].Response = strings.TrimSpace(table.Rules[i].Response)
		for j, kw := range table.Rules[i].Keywords {
			table.Rules[i].Keywords[j] = strings.ToLower(strings.TrimSpace(kw))
		}
	}
	return &table, nil
}

// DefaultFallbackTable returns the embedded table.
func DefaultFallbackTable() *FallbackTable {
	table, err := ParseFallbackTable(defaultFallbackYAML)
	if err != nil {
		panic(err)
	}
	return table
}

// Match returns the first rule whose keywords appear in prompt, or the
// default rule.
func (t *FallbackTable) Match(prompt string) FallbackRule {
	words := splitWords(prompt)
	phrase := " " + strings.Join(words, " ") + " "

	for _, rule := range t.Rules {
		if rule.MaxWords > 0 && len(words) > rule.MaxWords {
			continue
		}
		for _, kw := range rule.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(phrase, " "+kw+" ") {
				return rule
			}
		}
	}
	return t.Default
}

// splitWords lowercases s and splits it on anything that is not a letter
// or digit.
func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
