package quota

import (
	_ "embed"
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed signals.yaml
var signalsYAML []byte

type signalLists struct {
	SiteTags              []string `yaml:"site_tags"`
	FreshnessTokens       []string `yaml:"freshness_tokens"`
	ExecutiveKeywords     []string `yaml:"executive_keywords"`
	MajorEmployers        []string `yaml:"major_employers"`
	HighDemandOccupations []string `yaml:"high_demand_occupations"`
}

// HighValueMatcher decides whether a query justifies spending scarce
// metered budget. A query is high-value when it matches at least one
// signal: a site tag for a major board, a freshness token, an
// executive-level keyword, a known major employer, or a high-demand
// occupation.
type HighValueMatcher struct {
	signals []string
}

// NewHighValueMatcher loads the embedded signal lists.
func NewHighValueMatcher() *HighValueMatcher {
	var lists signalLists
	if err := yaml.Unmarshal(signalsYAML, &lists); err != nil {
		// The embedded file is part of the build; a parse failure is a
		// programming error, not a runtime condition.
		slog.Error("embedded signal lists unparsable", slog.Any("error", err))
	}
	m := &HighValueMatcher{}
	for _, group := range [][]string{
		lists.SiteTags, lists.FreshnessTokens, lists.ExecutiveKeywords,
		lists.MajorEmployers, lists.HighDemandOccupations,
	} {
		for _, s := range group {
			m.signals = append(m.signals, strings.ToLower(s))
		}
	}
	return m
}

// IsHighValue reports whether the query matches any signal.
func (m *HighValueMatcher) IsHighValue(query string) bool {
	q := strings.ToLower(query)
	for _, s := range m.signals {
		if strings.Contains(q, s) {
			return true
		}
	}
	return false
}
