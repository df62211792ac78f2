package corpus

import (
	"testing"
	"time"

	"bugmirror/pkg/config"
)

func TestShipTokenFromTag(t *testing.T) {
	cases := []struct {
		tag  string
		want string
	}{
		{"ANVL-Carrack", "carrack"},
		{"MISC-Hull-C", "hullc"},
		{"RSI-Constellation-Taurus", "constellationtaurus"},
		{"LIVE-3.24", ""},
		{"PTU-4.0-Preview", ""},
		{"Lorville", ""},
		{"AB-C", ""}, // model token too short
		{"", ""},
	}
	for _, tc := range cases {
		if got := shipTokenFromTag(tc.tag); got != tc.want {
			t.Errorf("shipTokenFromTag(%q) = %q, want %q", tc.tag, got, tc.want)
		}
	}
}

func TestIsProbableLocationLabel(t *testing.T) {
	cases := []struct {
		tag  string
		want bool
	}{
		{"Lorville", true},
		{"Area18", true},
		{"ANVL-Carrack", false},
		{"LIVE-3.24", false},
		{"Cargo", false}, // generic category word
		{"UI", false},
		{"ab", false}, // too short
	}
	for _, tc := range cases {
		if got := isProbableLocationLabel(tc.tag); got != tc.want {
			t.Errorf("isProbableLocationLabel(%q) = %v, want %v", tc.tag, got, tc.want)
		}
	}
}

func TestCleanSummaryForDisplay(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Cargo elevator stuck TRUE Devs Investigating", "Cargo elevator stuck"},
		{"Cargo elevator stuck TRUE", "Cargo elevator stuck"},
		{"Ship lost after claim Unable to Reproduce", "Ship lost after claim"},
		{"Plain summary", "Plain summary"},
		{"Double  spaced   summary", "Double spaced summary"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := cleanSummaryForDisplay(tc.in); got != tc.want {
			t.Errorf("cleanSummaryForDisplay(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestClassifyDevStatus(t *testing.T) {
	// Status string wins over the summary.
	got := classifyDevStatus("Under Review - Handed off to devs", "Something QA investigating")
	if got != "handed off to devs" {
		t.Errorf("classifyDevStatus = %q, want %q", got, "handed off to devs")
	}

	if got := classifyDevStatus("Open", "Elevator stuck qa investigating"); got != "qa investigating" {
		t.Errorf("classifyDevStatus from summary = %q, want %q", got, "qa investigating")
	}

	if got := classifyDevStatus("Open", "Elevator stuck"); got != "" {
		t.Errorf("classifyDevStatus = %q, want empty", got)
	}
}

func TestDetectIsMain(t *testing.T) {
	if !detectIsMain("Cargo gone TRUE") {
		t.Error("expected TRUE marker to be detected")
	}
	if detectIsMain("Cargo gone") {
		t.Error("unexpected main detection")
	}
}

func TestParseUpdated(t *testing.T) {
	cases := []struct {
		in string
		ok bool
	}{
		{"12 March 2025, 16:30", true},
		{"12 Mar 2025, 16:30", true},
		{"2025-03-12 16:30", true},
		{"2025-03-12", true},
		{"last tuesday", false},
		{"", false},
	}
	for _, tc := range cases {
		got := parseUpdated(tc.in)
		if tc.ok && got.IsZero() {
			t.Errorf("parseUpdated(%q) = zero, want parsed", tc.in)
		}
		if !tc.ok && !got.IsZero() {
			t.Errorf("parseUpdated(%q) = %v, want zero", tc.in, got)
		}
	}
}

func testRecord(code, summary string, tags []string) Record {
	return Record{
		IssueCode: code,
		URL:       "https://example.com/" + code,
		Status:    "Open",
		Summary:   summary,
		Tags:      tags,
		Raw:       summary,
		Updated:   "12 March 2025, 16:30",
	}
}

func TestBuildSkipsDisqualifiedRecords(t *testing.T) {
	cfg := config.Default()
	cfg.Corpus.ExcludeStatuses = []string{"Closed"}
	cfg.Corpus.MaxAgeDays = 30

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	records := []Record{
		testRecord("STARC-1", "Cargo elevator stuck", nil),
		{IssueCode: "", URL: "https://example.com/x"},          // no code
		{IssueCode: "STARC-2", URL: ""},                        // no url
		{IssueCode: "STARC-3", URL: "u", Status: "closed"},     // excluded status
		{IssueCode: "STARC-4", URL: "u", Updated: "2025-01-01"}, // too old
		{IssueCode: "STARC-5", URL: "u", Updated: "gibberish"}, // unparseable, kept
	}

	ix := Build(records, cfg.Corpus, cfg.Scoring, now)
	if ix.NumDocs() != 3 {
		t.Fatalf("NumDocs = %d, want 3", ix.NumDocs())
	}
	codes := make(map[string]bool)
	for _, d := range ix.Docs {
		codes[d.IssueCode] = true
	}
	for _, want := range []string{"STARC-1", "STARC-5"} {
		if !codes[want] {
			t.Errorf("expected %s in index", want)
		}
	}
	if codes["STARC-3"] || codes["STARC-4"] {
		t.Error("disqualified record made it into the index")
	}
}

func TestIDFMonotonicity(t *testing.T) {
	cfg := config.Default()
	records := []Record{
		testRecord("STARC-1", "cargo elevator stuck", nil),
		testRecord("STARC-2", "cargo grid missing", nil),
		testRecord("STARC-3", "cargo ramp broken", nil),
		testRecord("STARC-4", "spindle detached", nil),
	}
	ix := Build(records, cfg.Corpus, cfg.Scoring, time.Now())

	common := ix.IDF("cargo")    // df=3
	rare := ix.IDF("spindle")    // df=1
	unseen := ix.IDF("wormhole") // df=0
	if !(common < rare && rare < unseen) {
		t.Errorf("IDF ordering broken: common=%v rare=%v unseen=%v", common, rare, unseen)
	}
	if common <= 0 {
		t.Errorf("IDF must stay positive, got %v", common)
	}
}

func TestDocumentFrequencyCountsDistinctTerms(t *testing.T) {
	cfg := config.Default()
	// "cargo" in both summary and raw of the same document must count
	// once.
	records := []Record{
		testRecord("STARC-1", "cargo elevator", []string{"Cargo"}),
		testRecord("STARC-2", "spindle detached", nil),
	}
	ix := Build(records, cfg.Corpus, cfg.Scoring, time.Now())
	if df := ix.termDF["cargo"]; df != 1 {
		t.Errorf("termDF[cargo] = %d, want 1", df)
	}
}

func TestNewDocumentEntities(t *testing.T) {
	rec := testRecord("STARC-9", "Carrack stuck on pad TRUE Devs Investigating",
		[]string{"ANVL-Carrack", "Lorville", "LIVE-3.24", "Ships/Vehicles"})
	doc := newDocument(rec, true)

	if _, ok := doc.Ships["carrack"]; !ok {
		t.Error("expected ship carrack")
	}
	if _, ok := doc.Locations["lorville"]; !ok {
		t.Error("expected location lorville")
	}
	if _, ok := doc.Labels["ships"]; !ok {
		t.Error("expected label ships from split tag")
	}
	if _, ok := doc.TagTerms["live"]; !ok {
		// Ignored-prefix tags still index as tag terms.
		t.Error("expected tag term live")
	}
	if !doc.IsMain {
		t.Error("expected IsMain")
	}
	if doc.DevStatus != "devs investigating" {
		t.Errorf("DevStatus = %q", doc.DevStatus)
	}
	if doc.SummaryClean != "Carrack stuck on pad" {
		t.Errorf("SummaryClean = %q", doc.SummaryClean)
	}
	if len(doc.PhraseSet) == 0 {
		t.Error("expected phrases")
	}
}
