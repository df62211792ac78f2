// Package text provides text normalisation and tokenisation for the
// duplicate matcher. It lower-cases input, collapses known multi-word
// game concepts into single compound terms, splits on non-alphanumeric
// boundaries, and removes stop-words. All functions are pure and safe
// for concurrent use.
package text

import (
	"regexp"
	"strings"
)

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "to": {}, "of": {},
	"in": {}, "on": {}, "for": {}, "with": {}, "without": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "it": {}, "this": {},
	"that": {}, "as": {}, "at": {}, "by": {}, "from": {}, "into": {},
	"then": {}, "when": {}, "while": {}, "after": {}, "before": {}, "again": {},
	"player": {}, "game": {}, "issue": {}, "bug": {}, "problem": {},
	"report": {}, "reproduce": {}, "reproduction": {},
	"steps": {}, "step": {}, "happened": {}, "should": {}, "workaround": {},
	"evidence": {},
	"station": {}, "planet": {}, "moon": {}, "space": {}, "location": {},
}

// genericTokens are terms too common across bug reports to distinguish
// one defect from another on their own.
var genericTokens = map[string]struct{}{
	"crash": {}, "stuck": {}, "cannot": {}, "cant": {}, "unable": {},
	"missing": {}, "broken": {},
	"ui": {}, "menu": {}, "screen": {}, "camera": {}, "lag": {}, "slow": {},
	"performance": {},
	"inventory": {}, "equipment": {}, "weapon": {}, "weapons": {},
}

// scenarioSignals mark game mechanics that strongly identify the
// scenario a report is about (ship storage, hangars, hauling, ...).
var scenarioSignals = map[string]struct{}{
	"asop": {}, "asopterminal": {}, "store": {}, "stored": {},
	"retrieve": {}, "retrieved": {},
	"claim": {}, "claimed": {}, "impound": {}, "impounded": {},
	"docking": {}, "dockingport": {}, "spindle": {}, "grid": {},
	"cargo": {}, "retract": {}, "extended": {},
	"hangar": {}, "pad": {}, "elevator": {}, "pershangar": {},
	"contract": {}, "mission": {}, "hauling": {}, "haul": {},
	"distribution": {},
	"floor": {}, "clipped": {}, "clip": {}, "spawn": {}, "spawning": {},
}

var (
	hullHyphenRe  = regexp.MustCompile(`\bhull\s*-\s*([a-z0-9]+)\b`)
	hullSpaceRe   = regexp.MustCompile(`\bhull\s+([a-z0-9]+)\b`)
	asopRe        = regexp.MustCompile(`\basop\s*terminal\b`)
	dockingRe     = regexp.MustCompile(`\bdocking\s*ports?\b`)
	persHangarRe  = regexp.MustCompile(`\b(?:personal|persistent|pers)\s*hangar\b`)
	nonAlphanumRe = regexp.MustCompile(`[^a-z0-9]+`)
	tagSplitRe    = regexp.MustCompile(`[,\s/|]+`)
)

// PhraseSep joins the two terms of an adjacent-pair phrase.
const PhraseSep = "_"

// Normalize lower-cases text, rewrites known multi-word concepts into
// compound terms ("hull c" -> "hullc", "asop terminal" ->
// "asopterminal"), and collapses runs of non-alphanumeric characters
// into single spaces. Normalize is idempotent.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	t := strings.ToLower(text)
	t = hullHyphenRe.ReplaceAllString(t, "hull$1")
	t = hullSpaceRe.ReplaceAllString(t, "hull$1")
	t = asopRe.ReplaceAllString(t, "asopterminal")
	t = dockingRe.ReplaceAllString(t, "dockingport")
	t = persHangarRe.ReplaceAllString(t, "pershangar")
	t = nonAlphanumRe.ReplaceAllString(t, " ")
	return strings.TrimSpace(t)
}

// Tokenize normalises text and splits it into terms, dropping
// stop-words and tokens shorter than 3 characters. Term order follows
// the input; duplicates are retained.
func Tokenize(text string) []string {
	t := Normalize(text)
	if t == "" {
		return nil
	}
	fields := strings.Fields(t)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, isStop := stopWords[f]; isStop {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// Phrases pairs each consecutive token with the next, skipping pairs
// containing a stop-word. Fewer than 2 tokens yields nil.
func Phrases(tokens []string) []string {
	if len(tokens) < 2 {
		return nil
	}
	out := make([]string, 0, len(tokens)-1)
	for i := 0; i < len(tokens)-1; i++ {
		a, b := tokens[i], tokens[i+1]
		if _, ok := stopWords[a]; ok {
			continue
		}
		if _, ok := stopWords[b]; ok {
			continue
		}
		out = append(out, a+PhraseSep+b)
	}
	return out
}

// SplitTagParts splits a raw tag on commas, whitespace, slashes, and
// pipes, dropping empty parts.
func SplitTagParts(tag string) []string {
	parts := tagSplitRe.Split(tag, -1)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsStopWord reports whether term is in the stop-word set.
func IsStopWord(term string) bool {
	_, ok := stopWords[term]
	return ok
}

// IsGeneric reports whether term is too common to be discriminative.
func IsGeneric(term string) bool {
	_, ok := genericTokens[term]
	return ok
}

// IsScenarioSignal reports whether term names a game mechanic that
// identifies the report's scenario.
func IsScenarioSignal(term string) bool {
	_, ok := scenarioSignals[term]
	return ok
}
