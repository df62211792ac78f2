package corpus

import (
	"log/slog"
	"math"
	"strings"
	"time"

	"bugmirror/pkg/config"
)

// Index is the searchable snapshot of the whole mirror: every admitted
// Document plus the global statistics scoring needs. An Index is built
// once and read-only afterwards; a reload builds a replacement off to
// the side and the owner swaps the reference atomically.
type Index struct {
	Docs []*Document

	termDF   map[string]int
	phraseDF map[string]int
	numDocs  int

	ShipVocab     map[string]struct{}
	LocationVocab map[string]struct{}
	LabelVocab    map[string]struct{}
}

// Empty returns an index with no documents. Used when the corpus
// source is unavailable.
func Empty() *Index {
	return &Index{
		termDF:        make(map[string]int),
		phraseDF:      make(map[string]int),
		ShipVocab:     make(map[string]struct{}),
		LocationVocab: make(map[string]struct{}),
		LabelVocab:    make(map[string]struct{}),
	}
}

// NumDocs returns the number of documents in the index.
func (ix *Index) NumDocs() int {
	return ix.numDocs
}

// IDF returns the smoothed inverse document frequency of a term:
// ln((N+1)/(df+1)) + 1. Always positive, decreasing in df.
func (ix *Index) IDF(term string) float64 {
	df := ix.termDF[term]
	return math.Log(float64(ix.numDocs+1)/float64(df+1)) + 1.0
}

// PhraseIDF returns the smoothed inverse document frequency of an
// adjacent-term phrase.
func (ix *Index) PhraseIDF(phrase string) float64 {
	df := ix.phraseDF[phrase]
	return math.Log(float64(ix.numDocs+1)/float64(df+1)) + 1.0
}

// Build ingests raw records into a fresh Index. Individual malformed
// or disqualified records are skipped, never fatal: records are
// rejected when they lack an issue code or URL, carry an excluded
// status, or (when a positive maxAgeDays cutoff is configured) have a
// parsed update time older than now minus the cutoff. Records whose
// timestamp cannot be parsed are never dropped by the age rule.
func Build(records []Record, corpusCfg config.CorpusConfig, scoringCfg config.ScoringConfig, now time.Time) *Index {
	ix := Empty()
	log := slog.Default().With("component", "corpus")

	exclude := make(map[string]struct{}, len(corpusCfg.ExcludeStatuses))
	for _, s := range corpusCfg.ExcludeStatuses {
		exclude[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}

	var cutoff time.Time
	if corpusCfg.MaxAgeDays > 0 {
		cutoff = now.UTC().AddDate(0, 0, -corpusCfg.MaxAgeDays)
	}

	skipped := 0
	for _, rec := range records {
		if rec.IssueCode == "" || rec.URL == "" {
			skipped++
			continue
		}
		if len(exclude) > 0 {
			status := strings.ToLower(strings.TrimSpace(rec.Status))
			if _, drop := exclude[status]; drop {
				skipped++
				continue
			}
		}

		doc := newDocument(rec, scoringCfg.UsePhrases)
		if !cutoff.IsZero() && !doc.UpdatedAt.IsZero() && doc.UpdatedAt.Before(cutoff) {
			skipped++
			continue
		}

		// Document frequency counts one increment per distinct term,
		// regardless of how many fields it occurs in.
		seen := make(map[string]struct{}, len(doc.SummaryTerms)+len(doc.TagTerms)+len(doc.RawTerms))
		for _, set := range []map[string]struct{}{doc.SummaryTerms, doc.TagTerms, doc.RawTerms} {
			for t := range set {
				if _, dup := seen[t]; dup {
					continue
				}
				seen[t] = struct{}{}
				ix.termDF[t]++
			}
		}
		for p := range doc.PhraseSet {
			ix.phraseDF[p]++
		}

		for s := range doc.Ships {
			ix.ShipVocab[s] = struct{}{}
		}
		for l := range doc.Locations {
			ix.LocationVocab[l] = struct{}{}
		}
		for l := range doc.Labels {
			ix.LabelVocab[l] = struct{}{}
		}

		ix.Docs = append(ix.Docs, doc)
	}
	ix.numDocs = len(ix.Docs)

	log.Info("corpus index built",
		"docs", ix.numDocs,
		"skipped", skipped,
		"terms", len(ix.termDF),
		"phrases", len(ix.phraseDF),
		"ships", len(ix.ShipVocab),
	)
	return ix
}
