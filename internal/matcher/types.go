// Package matcher implements the duplicate-report ranking pipeline:
// query feature extraction, cheap candidate shortlisting, the
// multi-factor relevance scorer with human-readable explanations, and
// the orchestrator that owns the swappable corpus index.
package matcher

// Report is an incoming bug report to find duplicates for. All fields
// are optional; a report with no usable text yields an empty match
// list.
type Report struct {
	URL                    string   `json:"url,omitempty"`
	IssueCode              string   `json:"issueCode,omitempty"`
	Title                  string   `json:"title,omitempty"`
	ReportedOn             string   `json:"reportedOn,omitempty"`
	Severity               string   `json:"severity,omitempty"`
	ReproductionSteps      []string `json:"reproductionSteps,omitempty"`
	WhatHappened           string   `json:"whatHappened,omitempty"`
	WhatShouldHaveHappened string   `json:"whatShouldHaveHappened,omitempty"`
	Workaround             string   `json:"workaround,omitempty"`
}

// HasText reports whether the report carries any free text worth
// matching on.
func (r *Report) HasText() bool {
	if r.Title != "" || r.WhatHappened != "" || r.WhatShouldHaveHappened != "" || r.Workaround != "" {
		return true
	}
	for _, s := range r.ReproductionSteps {
		if s != "" {
			return true
		}
	}
	return false
}

// TermContribution is one term's contribution to a candidate's score.
type TermContribution struct {
	Term  string  `json:"term"`
	Field string  `json:"field"`
	Delta float64 `json:"delta"`
}

// PhraseContribution is one shared phrase's contribution.
type PhraseContribution struct {
	Phrase string  `json:"phrase"`
	Delta  float64 `json:"delta"`
}

// Explanation is the optional per-candidate score breakdown: the
// top-weight term and phrase contributions plus the adjustment notes
// in the exact order they were applied.
type Explanation struct {
	TopTerms   []TermContribution   `json:"topTerms"`
	TopPhrases []PhraseContribution `json:"topPhrases"`
	Notes      []string             `json:"notes"`
}

// Match is one ranked result entry.
type Match struct {
	Score     float64      `json:"score"`
	IssueCode string       `json:"issueCode"`
	Summary   string       `json:"summary"`
	Status    string       `json:"status"`
	Updated   string       `json:"updated"`
	Tags      []string     `json:"tags"`
	URL       string       `json:"issueCouncilUrl"`
	IsMain    bool         `json:"isMain"`
	DevStatus *string      `json:"devStatus"`
	Why       *Explanation `json:"why,omitempty"`

	// Filled in by the external reranker when it accepts the pool.
	LLMScore *float64 `json:"llmScore,omitempty"`
	LLMWhy   string   `json:"llmWhy,omitempty"`
}
