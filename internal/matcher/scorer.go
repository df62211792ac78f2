package matcher

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"bugmirror/internal/corpus"
	"bugmirror/internal/text"
	"bugmirror/pkg/config"
)

// Document fields a query term can match, in the order they are
// considered.
const (
	fieldSummary = "summary"
	fieldTags    = "tags"
	fieldRaw     = "raw"
)

// selfMatchMult suppresses a report matching its own mirror entry.
const selfMatchMult = 0.2

// Explanation caps, matching what the response can usefully carry.
const (
	maxExplainTerms   = 12
	maxExplainPhrases = 10
	maxExplainNotes   = 18
)

// lengthNorm damps long documents' tendency to accumulate raw term
// overlap: 1/(1 + 0.06*ln(1 + distinct terms)).
func lengthNorm(docTermCount int) float64 {
	return 1.0 / (1.0 + 0.06*math.Log(1.0+float64(docTermCount)))
}

// Score computes the full relevance score of one shortlisted candidate
// against the query features. Pure and deterministic; later steps
// multiply the running total, so the application order is fixed. When
// explain is true the returned Explanation lists the top term/phrase
// contributions and every adjustment note in application order.
func Score(ix *corpus.Index, feats *Features, viewingIssueCode string, doc *corpus.Document, cfg config.ScoringConfig, explain bool) (float64, *Explanation) {
	var (
		score       float64
		termContrib []TermContribution
		phraseList  []PhraseContribution
		notes       []string
	)

	// Step 1: per-term base contribution. A term appearing in several
	// fields scores only its best field, plus a small multifield bonus.
	type best struct {
		delta  float64
		field  string
		fields int
	}
	perTerm := make(map[string]*best)
	consider := func(term, field string, mult float64) {
		w := feats.Weights[term]
		if w == 0 {
			w = 1.0
		}
		delta := ix.IDF(term) * mult * w
		if delta > cfg.PerTermCap {
			delta = cfg.PerTermCap
		}
		b, ok := perTerm[term]
		if !ok {
			perTerm[term] = &best{delta: delta, field: field, fields: 1}
			return
		}
		if delta > b.delta {
			b.delta = delta
			b.field = field
		}
		b.fields++
	}
	for term := range feats.Terms {
		if _, ok := doc.SummaryTerms[term]; ok {
			consider(term, fieldSummary, cfg.SummaryMult)
		}
		if _, ok := doc.TagTerms[term]; ok {
			consider(term, fieldTags, cfg.TagsMult)
		}
		if _, ok := doc.RawTerms[term]; ok {
			consider(term, fieldRaw, cfg.RawMult)
		}
	}
	for term, b := range perTerm {
		score += b.delta
		if explain {
			termContrib = append(termContrib, TermContribution{Term: term, Field: b.field, Delta: b.delta})
		}
		if b.fields > 1 {
			factor := cfg.MultifieldBonusPerExtra * float64(b.fields-1)
			if factor > cfg.MultifieldBonusCap {
				factor = cfg.MultifieldBonusCap
			}
			bonus := b.delta * factor
			score += bonus
			if explain {
				termContrib = append(termContrib, TermContribution{Term: term, Field: "multifield_bonus", Delta: bonus})
			}
		}
	}

	// Step 2: shared adjacent-term phrases, capped.
	if cfg.UsePhrases && len(feats.Phrases) > 0 && len(doc.PhraseSet) > 0 {
		var shared []string
		for p := range feats.Phrases {
			if _, ok := doc.PhraseSet[p]; ok {
				shared = append(shared, p)
			}
		}
		sort.Strings(shared)
		if len(shared) > cfg.PhraseMaxMatches {
			shared = shared[:cfg.PhraseMaxMatches]
		}
		for _, p := range shared {
			delta := ix.PhraseIDF(p) * cfg.PhraseBoost
			score += delta
			if explain {
				phraseList = append(phraseList, PhraseContribution{Phrase: p, Delta: delta})
			}
		}
	}

	// Step 3: ship entities. A shared ship is a strong boost; a query
	// that names ships the candidate lacks gets damped instead.
	if len(feats.Ships) > 0 {
		shared := sortedIntersection(feats.Ships, doc.Ships)
		if len(shared) > 0 {
			score += cfg.ShipMatchBoost
			notes = append(notes, fmt.Sprintf("+%g ship_match(%s)", cfg.ShipMatchBoost, joinFirst(shared, 2)))
		} else {
			score *= cfg.ShipMissMult
			notes = append(notes, fmt.Sprintf("*%g ship_miss", cfg.ShipMissMult))
		}
	}

	// Step 4: shared location labels boost; absence is not penalised.
	if len(feats.Locations) > 0 && len(doc.Locations) > 0 {
		shared := sortedIntersection(feats.Locations, doc.Locations)
		if len(shared) > 0 {
			score += cfg.LocationMatchBoost
			notes = append(notes, fmt.Sprintf("+%g location_match(%s)", cfg.LocationMatchBoost, joinFirst(shared, 2)))
		}
	}

	// Step 5: shared non-generic free-form labels.
	if len(feats.Labels) > 0 && len(doc.Labels) > 0 {
		shared := sortedIntersection(feats.Labels, doc.Labels)
		nonGeneric := shared[:0]
		for _, l := range shared {
			if !text.IsGeneric(l) {
				nonGeneric = append(nonGeneric, l)
			}
		}
		if n := len(nonGeneric); n > 0 {
			if n > 3 {
				n = 3
			}
			bump := cfg.LabelMatchBoost * float64(n)
			score += bump
			notes = append(notes, fmt.Sprintf("+%g label_match(%s)", bump, joinFirst(nonGeneric, 3)))
		}
	}

	// Step 6: a query with scenario signals that the candidate's text
	// never mentions is probably a different mechanic.
	if len(feats.Scenario) > 0 {
		hit := false
		for s := range feats.Scenario {
			if doc.HasTerm(s) {
				hit = true
				break
			}
		}
		if !hit {
			score *= cfg.ScenarioMissMult
			notes = append(notes, fmt.Sprintf("*%g missed_scenario", cfg.ScenarioMissMult))
		}
	}

	// Step 7: overlap consisting solely of generic terms is weak
	// evidence.
	if cfg.GenericOnlyPenalty && len(perTerm) > 0 {
		allGeneric := true
		for term := range perTerm {
			if !text.IsGeneric(term) {
				allGeneric = false
				break
			}
		}
		if allGeneric {
			score *= cfg.GenericOnlyMult
			notes = append(notes, fmt.Sprintf("*%g generic_only_overlap", cfg.GenericOnlyMult))
		}
	}

	// Step 8: canonical reports rank slightly ahead of their
	// duplicates.
	if doc.IsMain {
		score *= cfg.MainMult
		notes = append(notes, fmt.Sprintf("*%g main", cfg.MainMult))
	}

	// Step 9: first matching status substring wins, applied once.
	status := strings.ToLower(strings.TrimSpace(doc.Status))
	for _, sm := range cfg.StatusMult {
		if strings.Contains(status, sm.Contains) {
			score *= sm.Mult
			notes = append(notes, fmt.Sprintf("*%g %s", sm.Mult, sm.Contains))
			break
		}
	}

	// Step 10: a report should not strongly match its own mirror entry.
	if viewingIssueCode != "" && doc.IssueCode == viewingIssueCode {
		score *= selfMatchMult
		notes = append(notes, "*0.2 self")
	}

	// Step 11: length normalisation.
	if cfg.LengthNorm {
		docLen := doc.DistinctTerms()
		ln := lengthNorm(docLen)
		score *= ln
		if explain {
			notes = append(notes, fmt.Sprintf("*%v len_norm(%d)", math.Round(ln*1000)/1000, docLen))
		}
	}

	if !explain {
		return score, nil
	}

	sort.Slice(termContrib, func(i, j int) bool {
		if termContrib[i].Delta != termContrib[j].Delta {
			return termContrib[i].Delta > termContrib[j].Delta
		}
		return termContrib[i].Term < termContrib[j].Term
	})
	if len(termContrib) > maxExplainTerms {
		termContrib = termContrib[:maxExplainTerms]
	}
	sort.Slice(phraseList, func(i, j int) bool {
		if phraseList[i].Delta != phraseList[j].Delta {
			return phraseList[i].Delta > phraseList[j].Delta
		}
		return phraseList[i].Phrase < phraseList[j].Phrase
	})
	if len(phraseList) > maxExplainPhrases {
		phraseList = phraseList[:maxExplainPhrases]
	}
	if len(notes) > maxExplainNotes {
		notes = notes[:maxExplainNotes]
	}
	return score, &Explanation{
		TopTerms:   termContrib,
		TopPhrases: phraseList,
		Notes:      notes,
	}
}

func sortedIntersection(a, b map[string]struct{}) []string {
	if len(a) > len(b) {
		a, b = b, a
	}
	var out []string
	for k := range a {
		if _, ok := b[k]; ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func joinFirst(items []string, n int) string {
	if len(items) > n {
		items = items[:n]
	}
	return strings.Join(items, ",")
}
