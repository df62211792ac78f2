package matcher

import (
	"sort"

	"bugmirror/internal/corpus"
	"bugmirror/internal/text"
	"bugmirror/pkg/config"
)

// genericDamping discounts cheap-score contributions of generic terms.
const genericDamping = 0.35

// scenario hit bonus: each scenario-signal overlap adds 15%, capped at
// +60%.
const (
	scenarioHitStep = 0.15
	scenarioHitMax  = 0.60
)

type shortlistEntry struct {
	doc   *corpus.Document
	score float64
}

// Shortlist narrows the corpus to a bounded, cheaply-scored candidate
// list for full scoring. When the query names ships, candidates are
// first restricted to documents sharing one; the restriction is
// advisory and falls back to the full corpus rather than returning
// nothing. Ordering here only decides what gets fully scored, not the
// final rank.
func Shortlist(ix *corpus.Index, feats *Features, cfg config.Config) []*corpus.Document {
	candidates := ix.Docs
	if len(feats.Ships) > 0 {
		filtered := make([]*corpus.Document, 0, len(candidates))
		for _, doc := range candidates {
			if intersects(feats.Ships, doc.Ships) {
				filtered = append(filtered, doc)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	scored := make([]shortlistEntry, 0, len(candidates))
	for _, doc := range candidates {
		sc, overlap := cheapScore(ix, feats, doc, cfg.Scoring)
		if overlap && sc > 0 {
			scored = append(scored, shortlistEntry{doc: doc, score: sc})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].doc.IssueCode < scored[j].doc.IssueCode
	})
	if limit := cfg.Match.CandidateLimit; limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}

	out := make([]*corpus.Document, len(scored))
	for i, e := range scored {
		out[i] = e.doc
	}
	return out
}

// cheapScore sums capped idf-weighted contributions of query terms
// found in the document's summary or tags, boosted when scenario
// signals overlap. The second return value reports whether any term
// overlapped at all.
func cheapScore(ix *corpus.Index, feats *Features, doc *corpus.Document, cfg config.ScoringConfig) (float64, bool) {
	var sc float64
	scenarioHits := 0
	overlap := false
	for term := range feats.Terms {
		_, inSummary := doc.SummaryTerms[term]
		_, inTags := doc.TagTerms[term]
		if !inSummary && !inTags {
			continue
		}
		overlap = true

		w := feats.Weights[term]
		if w == 0 {
			w = 1.0
		}
		mult := 1.0
		if text.IsGeneric(term) {
			mult = genericDamping
		}
		delta := ix.IDF(term) * 2.0 * w * mult
		if delta > cfg.PerTermCap {
			delta = cfg.PerTermCap
		}
		sc += delta

		if _, ok := feats.Scenario[term]; ok {
			scenarioHits++
		}
	}
	if scenarioHits > 0 {
		bonus := scenarioHitStep * float64(scenarioHits)
		if bonus > scenarioHitMax {
			bonus = scenarioHitMax
		}
		sc *= 1.0 + bonus
	}
	return sc, overlap
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
