package corpus

import (
	"regexp"
	"strings"
	"time"

	"bugmirror/internal/text"
)

// Document is one ingested bug report. All derived fields are computed
// once at ingestion; a Document is never mutated afterwards.
type Document struct {
	IssueCode string
	URL       string
	Status    string
	Summary   string
	Tags      []string
	Raw       string
	Updated   string

	// Derived at ingestion.
	UpdatedAt    time.Time // zero when unparseable
	IsMain       bool
	SummaryClean string
	DevStatus    string // "" when unclassified

	SummaryTerms map[string]struct{}
	TagTerms     map[string]struct{}
	RawTerms     map[string]struct{}
	PhraseSet    map[string]struct{}

	Ships     map[string]struct{}
	Locations map[string]struct{}
	Labels    map[string]struct{}
}

// DistinctTerms returns the number of distinct terms across summary,
// tags, and raw text. Used for length normalisation.
func (d *Document) DistinctTerms() int {
	n := len(d.SummaryTerms)
	for t := range d.TagTerms {
		if _, ok := d.SummaryTerms[t]; !ok {
			n++
		}
	}
	for t := range d.RawTerms {
		if _, ok := d.SummaryTerms[t]; ok {
			continue
		}
		if _, ok := d.TagTerms[t]; ok {
			continue
		}
		n++
	}
	return n
}

// HasTerm reports whether term appears in any of the document's fields.
func (d *Document) HasTerm(term string) bool {
	if _, ok := d.SummaryTerms[term]; ok {
		return true
	}
	if _, ok := d.TagTerms[term]; ok {
		return true
	}
	_, ok := d.RawTerms[term]
	return ok
}

var (
	shipTagRe       = regexp.MustCompile(`^[A-Z]{2,6}-[A-Za-z0-9][A-Za-z0-9-]*$`)
	locationLabelRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{2,}$`)
	alnumOnlyRe     = regexp.MustCompile(`[^A-Za-z0-9]+`)

	trueWordRe = regexp.MustCompile(`(?i)\bTRUE\b`)
	trueTailRe = regexp.MustCompile(`(?i)\s+TRUE\s*$`)
	devTailRe  = regexp.MustCompile(`(?i)(?:\s+TRUE)?\s+(?:devs investigating|handed off to devs|qa investigating|unable to reproduce)\s*$`)
	multiWS    = regexp.MustCompile(`\s{2,}`)
)

// tagIgnorePrefixes mark build-channel and release tags that never
// carry ship or label information.
var tagIgnorePrefixes = []string{"LIVE-", "PTU-", "EPTU-", "TECH-", "ALPHA-", "BETA-", "HOTFIX-"}

// devStatusPhrases are the recognised developer-status phrases, in
// classification order.
var devStatusPhrases = []string{
	"devs investigating",
	"handed off to devs",
	"qa investigating",
	"unable to reproduce",
}

// genericLocationWords are tag words too generic to count as location
// labels.
var genericLocationWords = map[string]struct{}{
	"cargo": {}, "docking": {}, "impound": {}, "ui": {}, "hud": {},
	"audio": {}, "graphics": {}, "mission": {}, "contract": {},
}

// updatedFormats are tried in order when parsing the mirror's
// last-updated strings.
var updatedFormats = []string{
	"2 January 2006, 15:04",
	"2 Jan 2006, 15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

func hasIgnoredPrefix(tag string) bool {
	for _, pfx := range tagIgnorePrefixes {
		if strings.HasPrefix(tag, pfx) {
			return true
		}
	}
	return false
}

// shipTokenFromTag extracts the lower-cased ship model token from a
// tag like "ANVL-Carrack" or "MISC-Hull-C". Returns "" when the tag is
// not a ship tag or the model token is shorter than 3 characters.
func shipTokenFromTag(tag string) string {
	if tag == "" || !shipTagRe.MatchString(tag) {
		return ""
	}
	if hasIgnoredPrefix(tag) {
		return ""
	}
	_, model, ok := strings.Cut(tag, "-")
	if !ok {
		return ""
	}
	model = strings.ToLower(alnumOnlyRe.ReplaceAllString(model, ""))
	if len(model) < 3 {
		return ""
	}
	return model
}

// isProbableLocationLabel reports whether a tag looks like a free-form
// location name rather than a ship tag or a generic category word.
func isProbableLocationLabel(tag string) bool {
	t := strings.TrimSpace(tag)
	if t == "" || hasIgnoredPrefix(t) {
		return false
	}
	if !locationLabelRe.MatchString(t) || shipTagRe.MatchString(t) {
		return false
	}
	_, generic := genericLocationWords[strings.ToLower(t)]
	return !generic
}

// detectIsMain reports whether the summary carries the whole-word TRUE
// marker flagging the canonical report of a duplicate cluster.
func detectIsMain(summary string) bool {
	return trueWordRe.MatchString(strings.TrimSpace(summary))
}

// cleanSummaryForDisplay repeatedly strips trailing dev-status phrases
// (with their optional TRUE prefix) and lone trailing TRUE markers,
// then collapses repeated whitespace.
func cleanSummaryForDisplay(summary string) string {
	if summary == "" {
		return summary
	}
	s := strings.TrimSpace(summary)
	for {
		prev := s
		s = strings.TrimSpace(devTailRe.ReplaceAllString(s, ""))
		s = strings.TrimSpace(trueTailRe.ReplaceAllString(s, ""))
		if s == prev {
			break
		}
	}
	return strings.TrimSpace(multiWS.ReplaceAllString(s, " "))
}

// classifyDevStatus scans the status string and then the summary for a
// known dev-status phrase. First match wins; "" when none is found.
func classifyDevStatus(status, summary string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	for _, p := range devStatusPhrases {
		if strings.Contains(s, p) {
			return p
		}
	}
	sm := strings.ToLower(strings.TrimSpace(summary))
	for _, p := range devStatusPhrases {
		if strings.Contains(sm, p) {
			return p
		}
	}
	return ""
}

// parseUpdated tries each known mirror timestamp format in order and
// returns the zero time when none matches.
func parseUpdated(updated string) time.Time {
	u := strings.TrimSpace(updated)
	if u == "" {
		return time.Time{}
	}
	for _, layout := range updatedFormats {
		if t, err := time.Parse(layout, u); err == nil {
			return t
		}
	}
	return time.Time{}
}

// rawPhraseTokenLimit bounds how much of the raw body contributes to
// the phrase set.
const rawPhraseTokenLimit = 120

// newDocument derives every per-document field from a raw record. It
// does not consult global state; index statistics are accumulated by
// the caller.
func newDocument(rec Record, usePhrases bool) *Document {
	doc := &Document{
		IssueCode:    rec.IssueCode,
		URL:          rec.URL,
		Status:       rec.Status,
		Summary:      rec.Summary,
		Tags:         rec.Tags,
		Raw:          rec.Raw,
		Updated:      rec.Updated,
		UpdatedAt:    parseUpdated(rec.Updated),
		IsMain:       detectIsMain(rec.Summary),
		SummaryClean: cleanSummaryForDisplay(rec.Summary),
		DevStatus:    classifyDevStatus(rec.Status, rec.Summary),
		SummaryTerms: make(map[string]struct{}),
		TagTerms:     make(map[string]struct{}),
		RawTerms:     make(map[string]struct{}),
		PhraseSet:    make(map[string]struct{}),
		Ships:        make(map[string]struct{}),
		Locations:    make(map[string]struct{}),
		Labels:       make(map[string]struct{}),
	}

	for _, tag := range rec.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if ship := shipTokenFromTag(tag); ship != "" {
			doc.Ships[ship] = struct{}{}
		}
		if isProbableLocationLabel(tag) {
			for _, t := range text.Tokenize(tag) {
				doc.Locations[t] = struct{}{}
			}
		}
		if !hasIgnoredPrefix(tag) {
			for _, part := range text.SplitTagParts(tag) {
				for _, t := range text.Tokenize(part) {
					doc.Labels[t] = struct{}{}
				}
			}
		}
		for _, t := range text.Tokenize(tag) {
			doc.TagTerms[t] = struct{}{}
		}
	}

	summaryTokens := text.Tokenize(rec.Summary)
	for _, t := range summaryTokens {
		doc.SummaryTerms[t] = struct{}{}
	}

	rawTokens := text.Tokenize(rec.Raw)
	for _, t := range rawTokens {
		doc.RawTerms[t] = struct{}{}
	}

	if usePhrases {
		for _, p := range text.Phrases(summaryTokens) {
			doc.PhraseSet[p] = struct{}{}
		}
		if len(rawTokens) > rawPhraseTokenLimit {
			rawTokens = rawTokens[:rawPhraseTokenLimit]
		}
		for _, p := range text.Phrases(rawTokens) {
			doc.PhraseSet[p] = struct{}{}
		}
	}

	return doc
}
