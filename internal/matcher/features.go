package matcher

import (
	"strings"

	"bugmirror/internal/corpus"
	"bugmirror/internal/text"
	"bugmirror/pkg/config"
)

// Per-field query weights. The title is the strongest signal of what a
// report is about; the narrative fields contribute progressively less.
const (
	weightTitle      = 3.0
	weightHappened   = 1.6
	weightShould     = 1.2
	weightWorkaround = 1.1
	weightRepro      = 1.3
)

// Features is the per-request view of one incoming report: the
// weighted query terms plus the entity subsets detected against the
// index vocabularies. Features are built fresh per request and never
// shared.
type Features struct {
	Terms   map[string]struct{}
	Weights map[string]float64
	Phrases map[string]struct{}

	Ships     map[string]struct{}
	Locations map[string]struct{}
	Labels    map[string]struct{}
	Scenario  map[string]struct{}
}

// ExtractFeatures tokenises the report's five text fields, accumulates
// per-term weights (capped at cfg.WeightCap), and intersects the term
// set against the index vocabularies and the scenario-signal list.
// Pure function of its inputs.
func ExtractFeatures(report *Report, ix *corpus.Index, cfg config.ScoringConfig) *Features {
	feats := &Features{
		Terms:     make(map[string]struct{}),
		Weights:   make(map[string]float64),
		Phrases:   make(map[string]struct{}),
		Ships:     make(map[string]struct{}),
		Locations: make(map[string]struct{}),
		Labels:    make(map[string]struct{}),
		Scenario:  make(map[string]struct{}),
	}

	var allTokens []string
	add := func(s string, w float64) {
		toks := text.Tokenize(s)
		allTokens = append(allTokens, toks...)
		for _, tok := range toks {
			acc := feats.Weights[tok] + w
			if acc > cfg.WeightCap {
				acc = cfg.WeightCap
			}
			feats.Weights[tok] = acc
		}
	}

	add(report.Title, weightTitle)
	add(report.WhatHappened, weightHappened)
	add(report.WhatShouldHaveHappened, weightShould)
	add(report.Workaround, weightWorkaround)
	if len(report.ReproductionSteps) > 0 {
		add(strings.Join(report.ReproductionSteps, "\n"), weightRepro)
	}

	for _, tok := range allTokens {
		feats.Terms[tok] = struct{}{}
	}
	if cfg.UsePhrases {
		for _, p := range text.Phrases(allTokens) {
			feats.Phrases[p] = struct{}{}
		}
	}

	for t := range feats.Terms {
		if _, ok := ix.ShipVocab[t]; ok {
			feats.Ships[t] = struct{}{}
		}
		if _, ok := ix.LocationVocab[t]; ok {
			feats.Locations[t] = struct{}{}
		}
		if _, ok := ix.LabelVocab[t]; ok && !text.IsGeneric(t) {
			feats.Labels[t] = struct{}{}
		}
		if text.IsScenarioSignal(t) {
			feats.Scenario[t] = struct{}{}
		}
	}
	return feats
}
