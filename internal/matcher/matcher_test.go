package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"bugmirror/internal/corpus"
	"bugmirror/pkg/config"
	apperrors "bugmirror/pkg/errors"
	"bugmirror/pkg/logger"
)

func init() {
	logger.Discard()
}

type stubSource struct {
	records []corpus.Record
}

func (s *stubSource) Records(ctx context.Context) ([]corpus.Record, error) {
	return s.records, nil
}

type failingSource struct {
	err error
}

func (s *failingSource) Records(ctx context.Context) ([]corpus.Record, error) {
	return nil, s.err
}

// lockedSource swaps its record set under a mutex so a reloading
// goroutine and matching goroutines can share it.
type lockedSource struct {
	mu      sync.Mutex
	records []corpus.Record
}

func (s *lockedSource) Records(ctx context.Context) ([]corpus.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records, nil
}

func (s *lockedSource) set(records []corpus.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = records
}

func testRecords() []corpus.Record {
	return []corpus.Record{
		{
			IssueCode: "STARC-100",
			URL:       "https://example.com/STARC-100",
			Status:    "Open",
			Summary:   "Carrack disappears after claim at ASOP terminal",
			Tags:      []string{"ANVL-Carrack", "Lorville"},
			Raw:       "Stored the Carrack, claimed it at the ASOP terminal, ship never spawned on the pad.",
			Updated:   "12 March 2025, 16:30",
		},
		{
			IssueCode: "STARC-200",
			URL:       "https://example.com/STARC-200",
			Status:    "Open",
			Summary:   "Cutlass paint missing in hangar",
			Tags:      []string{"DRAK-Cutlass"},
			Raw:       "Applied a paint, it does not show in the hangar.",
			Updated:   "12 March 2025, 16:30",
		},
		{
			IssueCode: "STARC-300",
			URL:       "https://example.com/STARC-300",
			Status:    "Confirmed",
			Summary:   "Client crash when opening mobiGlas",
			Tags:      []string{"UI"},
			Raw:       "Game crashes to desktop when the mobiGlas opens.",
			Updated:   "12 March 2025, 16:30",
		},
		{
			IssueCode: "STARC-400",
			URL:       "https://example.com/STARC-400",
			Status:    "Open",
			Summary:   "Carrack elevator clips through the floor",
			Tags:      []string{"ANVL-Carrack"},
			Raw:       "The Carrack's internal elevator clips through the floor when used.",
			Updated:   "12 March 2025, 16:30",
		},
	}
}

func buildTestIndex(t *testing.T) (*corpus.Index, *config.Config) {
	t.Helper()
	cfg := config.Default()
	ix := corpus.Build(testRecords(), cfg.Corpus, cfg.Scoring, time.Now())
	if ix.NumDocs() != 4 {
		t.Fatalf("test index has %d docs, want 4", ix.NumDocs())
	}
	return ix, cfg
}

func claimReport() *Report {
	return &Report{
		IssueCode:    "STARC-999",
		Title:        "Carrack vanished after claiming at ASOP terminal",
		WhatHappened: "Claimed my Carrack at the ASOP terminal and it never arrived at the hangar pad.",
		WhatShouldHaveHappened: "The ship should be retrievable after the claim.",
		ReproductionSteps:      []string{"Store the Carrack", "Claim it at an ASOP terminal"},
	}
}

func TestExtractFeaturesWeightsAndEntities(t *testing.T) {
	ix, cfg := buildTestIndex(t)
	feats := ExtractFeatures(claimReport(), ix, cfg.Scoring)

	if _, ok := feats.Terms["carrack"]; !ok {
		t.Fatal("expected term carrack")
	}
	// carrack appears in title, whatHappened, and steps; the weight must
	// accumulate but stay under the cap.
	w := feats.Weights["carrack"]
	if w <= weightTitle || w > cfg.Scoring.WeightCap {
		t.Errorf("carrack weight = %v, want in (%v, %v]", w, weightTitle, cfg.Scoring.WeightCap)
	}
	if _, ok := feats.Ships["carrack"]; !ok {
		t.Error("expected ship entity carrack")
	}
	if _, ok := feats.Scenario["asopterminal"]; !ok {
		t.Error("expected scenario signal asopterminal")
	}
	if len(feats.Phrases) == 0 {
		t.Error("expected phrases")
	}
}

func TestExtractFeaturesWeightCap(t *testing.T) {
	ix, cfg := buildTestIndex(t)
	report := &Report{
		Title:        "Carrack Carrack Carrack",
		WhatHappened: "Carrack Carrack Carrack Carrack",
	}
	feats := ExtractFeatures(report, ix, cfg.Scoring)
	if w := feats.Weights["carrack"]; w != cfg.Scoring.WeightCap {
		t.Errorf("weight = %v, want cap %v", w, cfg.Scoring.WeightCap)
	}
}

func TestShortlistShipFilter(t *testing.T) {
	ix, cfg := buildTestIndex(t)
	feats := ExtractFeatures(claimReport(), ix, cfg.Scoring)

	shortlist := Shortlist(ix, feats, *cfg)
	if len(shortlist) == 0 {
		t.Fatal("empty shortlist")
	}
	// The query names the Carrack, so only Carrack documents survive
	// the advisory ship filter.
	for _, doc := range shortlist {
		if _, ok := doc.Ships["carrack"]; !ok {
			t.Errorf("non-carrack doc %s in ship-filtered shortlist", doc.IssueCode)
		}
	}
}

func TestShortlistFallsBackWhenShipUnknownToCorpus(t *testing.T) {
	ix, cfg := buildTestIndex(t)
	report := &Report{Title: "mobiGlas crash on opening"}
	feats := ExtractFeatures(report, ix, cfg.Scoring)

	shortlist := Shortlist(ix, feats, *cfg)
	found := false
	for _, doc := range shortlist {
		if doc.IssueCode == "STARC-300" {
			found = true
		}
	}
	if !found {
		t.Error("expected crash report in shortlist")
	}
}

func TestShortlistHonorsCandidateLimit(t *testing.T) {
	ix, cfg := buildTestIndex(t)
	cfg.Match.CandidateLimit = 1
	feats := ExtractFeatures(claimReport(), ix, cfg.Scoring)
	if got := Shortlist(ix, feats, *cfg); len(got) > 1 {
		t.Errorf("shortlist size = %d, want <= 1", len(got))
	}
}

func scoreDoc(t *testing.T, ix *corpus.Index, cfg *config.Config, feats *Features, code, self string) (float64, *Explanation) {
	t.Helper()
	for _, doc := range ix.Docs {
		if doc.IssueCode == code {
			return Score(ix, feats, self, doc, cfg.Scoring, true)
		}
	}
	t.Fatalf("doc %s not in index", code)
	return 0, nil
}

func TestScoreRanksSameScenarioFirst(t *testing.T) {
	ix, cfg := buildTestIndex(t)
	feats := ExtractFeatures(claimReport(), ix, cfg.Scoring)

	claim, why := scoreDoc(t, ix, cfg, feats, "STARC-100", "")
	elevator, _ := scoreDoc(t, ix, cfg, feats, "STARC-400", "")
	crash, _ := scoreDoc(t, ix, cfg, feats, "STARC-300", "")

	if !(claim > elevator && elevator > crash) {
		t.Errorf("ranking broken: claim=%v elevator=%v crash=%v", claim, elevator, crash)
	}
	if why == nil || len(why.TopTerms) == 0 {
		t.Fatal("expected explanation with term contributions")
	}
	joined := strings.Join(why.Notes, " ")
	if !strings.Contains(joined, "ship_match(carrack)") {
		t.Errorf("expected ship_match note, got %v", why.Notes)
	}
	if !strings.Contains(joined, "open") {
		t.Errorf("expected status note, got %v", why.Notes)
	}
}

func TestScoreShipMissPenalty(t *testing.T) {
	ix, cfg := buildTestIndex(t)
	report := &Report{Title: "Carrack paint missing in hangar"}
	feats := ExtractFeatures(report, ix, cfg.Scoring)

	// STARC-200 shares terms but is a Cutlass report.
	sc, why := scoreDoc(t, ix, cfg, feats, "STARC-200", "")
	if sc <= 0 {
		t.Fatalf("score = %v, want positive", sc)
	}
	if !strings.Contains(strings.Join(why.Notes, " "), "ship_miss") {
		t.Errorf("expected ship_miss note, got %v", why.Notes)
	}
}

func TestScoreSelfSuppression(t *testing.T) {
	ix, cfg := buildTestIndex(t)
	feats := ExtractFeatures(claimReport(), ix, cfg.Scoring)

	normal, _ := scoreDoc(t, ix, cfg, feats, "STARC-100", "")
	self, why := scoreDoc(t, ix, cfg, feats, "STARC-100", "STARC-100")

	if self >= normal*selfMatchMult*1.001 || self <= normal*selfMatchMult*0.999 {
		t.Errorf("self score = %v, want %v", self, normal*selfMatchMult)
	}
	if !strings.Contains(strings.Join(why.Notes, " "), "self") {
		t.Errorf("expected self note, got %v", why.Notes)
	}
}

func TestScoreMissedScenarioPenalty(t *testing.T) {
	ix, cfg := buildTestIndex(t)
	report := &Report{Title: "mobiGlas crash when claiming ship at ASOP terminal"}
	feats := ExtractFeatures(report, ix, cfg.Scoring)

	// The crash report shares terms but never mentions the claim
	// scenario.
	sc, why := scoreDoc(t, ix, cfg, feats, "STARC-300", "")
	if sc <= 0 {
		t.Fatalf("score = %v, want positive", sc)
	}
	if !strings.Contains(strings.Join(why.Notes, " "), "missed_scenario") {
		t.Errorf("expected missed_scenario note, got %v", why.Notes)
	}
}

func TestScoreCombinedStatusUsesFirstMatch(t *testing.T) {
	recs := testRecords()
	recs[0].Status = "Open - Devs investigating"
	cfg := config.Default()
	ix := corpus.Build(recs, cfg.Corpus, cfg.Scoring, time.Now())
	feats := ExtractFeatures(claimReport(), ix, cfg.Scoring)

	// "open" precedes the dev phrases in the default multiplier list,
	// so a combined status takes the open multiplier and stops there.
	_, why := scoreDoc(t, ix, cfg, feats, "STARC-100", "")
	joined := strings.Join(why.Notes, " ")
	if !strings.Contains(joined, "*1.1 open") {
		t.Errorf("expected open status note, got %v", why.Notes)
	}
	if strings.Contains(joined, "devs investigating") {
		t.Errorf("status loop applied a second multiplier: %v", why.Notes)
	}
}

func TestScoreDeterministic(t *testing.T) {
	ix, cfg := buildTestIndex(t)
	feats := ExtractFeatures(claimReport(), ix, cfg.Scoring)
	a, _ := scoreDoc(t, ix, cfg, feats, "STARC-100", "")
	for i := 0; i < 5; i++ {
		b, _ := scoreDoc(t, ix, cfg, feats, "STARC-100", "")
		if a != b {
			t.Fatalf("score not deterministic: %v != %v", a, b)
		}
	}
}

func TestMatcherEndToEnd(t *testing.T) {
	cfg := config.Default()
	mt := New(cfg, &stubSource{records: testRecords()}, nil, nil)
	ctx := context.Background()

	rows, err := mt.Reload(ctx)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if rows != 4 {
		t.Fatalf("reload rows = %d, want 4", rows)
	}

	matches, err := mt.Match(ctx, claimReport(), 3)
	if err != nil {
		t.Fatalf("match failed: %v", err)
	}
	if len(matches) == 0 || len(matches) > 3 {
		t.Fatalf("got %d matches, want 1..3", len(matches))
	}
	if matches[0].IssueCode != "STARC-100" {
		t.Errorf("top match = %s, want STARC-100", matches[0].IssueCode)
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[i-1].Score {
			t.Errorf("matches not sorted at %d", i)
		}
	}
	if matches[0].Why == nil {
		t.Error("expected explanation on match")
	}
	if matches[0].URL == "" || matches[0].Summary == "" {
		t.Error("match missing display fields")
	}
}

func TestMatcherEmptyInputs(t *testing.T) {
	cfg := config.Default()
	mt := New(cfg, &stubSource{}, nil, nil)
	ctx := context.Background()

	// Empty index.
	matches, err := mt.Match(ctx, claimReport(), 5)
	if err != nil || len(matches) != 0 {
		t.Errorf("empty index: matches=%v err=%v", matches, err)
	}

	// Report with no text.
	if _, err := mt.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	matches, err = mt.Match(ctx, &Report{IssueCode: "STARC-1"}, 5)
	if err != nil || len(matches) != 0 {
		t.Errorf("textless report: matches=%v err=%v", matches, err)
	}
}

func TestMatcherReloadSwapsIndex(t *testing.T) {
	cfg := config.Default()
	src := &stubSource{records: testRecords()[:1]}
	mt := New(cfg, src, nil, nil)
	ctx := context.Background()

	if _, err := mt.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if n := mt.Index().NumDocs(); n != 1 {
		t.Fatalf("NumDocs = %d, want 1", n)
	}

	src.records = testRecords()
	if _, err := mt.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if n := mt.Index().NumDocs(); n != 4 {
		t.Fatalf("NumDocs after reload = %d, want 4", n)
	}
}

func writeJSONL(t *testing.T, path string, records []corpus.Record) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMatcherReloadMissingSourceServesEmptyIndex(t *testing.T) {
	cfg := config.Default()
	path := filepath.Join(t.TempDir(), "mirror.jsonl")
	writeJSONL(t, path, testRecords())

	mt := New(cfg, &corpus.FileSource{Path: path}, nil, nil)
	ctx := context.Background()
	if rows, err := mt.Reload(ctx); err != nil || rows != 4 {
		t.Fatalf("Reload = (%d, %v), want (4, nil)", rows, err)
	}

	// The mirror disappearing is an empty corpus, not a failure.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	rows, err := mt.Reload(ctx)
	if err != nil {
		t.Fatalf("Reload with missing source: %v", err)
	}
	if rows != 0 {
		t.Errorf("rows = %d, want 0", rows)
	}
	if n := mt.Index().NumDocs(); n != 0 {
		t.Errorf("NumDocs = %d, want 0", n)
	}
	out, err := mt.Match(ctx, claimReport(), 10)
	if err != nil {
		t.Fatalf("Match on empty index: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Match returned %d results from an empty index", len(out))
	}
}

func TestMatcherReloadSourceFailure(t *testing.T) {
	cfg := config.Default()
	mt := New(cfg, &failingSource{err: errors.New("connection refused")}, nil, nil)

	_, err := mt.Reload(context.Background())
	if !errors.Is(err, apperrors.ErrCorpusUnavailable) {
		t.Fatalf("err = %v, want ErrCorpusUnavailable", err)
	}
	if code := apperrors.HTTPStatusCode(err); code != http.StatusServiceUnavailable {
		t.Errorf("HTTP status = %d, want 503", code)
	}
}

func prefixedRecords(prefix string) []corpus.Record {
	recs := testRecords()
	for i := range recs {
		recs[i].IssueCode = prefix + "-" + strconv.Itoa((i+1)*100)
		recs[i].URL = "https://example.com/" + recs[i].IssueCode
	}
	return recs
}

func TestMatchDuringReloadSeesOneGeneration(t *testing.T) {
	cfg := config.Default()
	genA := prefixedRecords("AAA")
	genB := prefixedRecords("BBB")
	src := &lockedSource{records: genA}
	mt := New(cfg, src, nil, nil)
	ctx := context.Background()
	if _, err := mt.Reload(ctx); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var reloads sync.WaitGroup
	reloads.Add(1)
	go func() {
		defer reloads.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if i%2 == 0 {
				src.set(genB)
			} else {
				src.set(genA)
			}
			if _, err := mt.Reload(ctx); err != nil {
				t.Errorf("reload: %v", err)
				return
			}
		}
	}()

	var matchers sync.WaitGroup
	for g := 0; g < 4; g++ {
		matchers.Add(1)
		go func() {
			defer matchers.Done()
			for i := 0; i < 50; i++ {
				out, err := mt.Match(ctx, claimReport(), 10)
				if err != nil {
					t.Errorf("match: %v", err)
					return
				}
				if len(out) == 0 {
					t.Error("expected matches from a populated index")
					return
				}
				prefix := out[0].IssueCode[:3]
				for _, m := range out {
					if !strings.HasPrefix(m.IssueCode, prefix) {
						t.Errorf("results span two index generations: %s vs %s",
							out[0].IssueCode, m.IssueCode)
						return
					}
				}
			}
		}()
	}
	matchers.Wait()
	close(stop)
	reloads.Wait()
}

func TestMatchSummaryFallsBackToRaw(t *testing.T) {
	cfg := config.Default()
	recs := append(testRecords(), corpus.Record{
		IssueCode: "STARC-500",
		URL:       "https://example.com/STARC-500",
		Status:    "Open",
		Summary:   "   ",
		Tags:      []string{"ANVL-Carrack"},
		Raw:       "Carrack claim at ASOP terminal fails.",
		Updated:   "12 March 2025, 16:30",
	})
	ix := corpus.Build(recs, cfg.Corpus, cfg.Scoring, time.Now())
	for _, doc := range ix.Docs {
		if doc.IssueCode != "STARC-500" {
			continue
		}
		if doc.SummaryClean != "" {
			t.Fatalf("SummaryClean = %q, want empty", doc.SummaryClean)
		}
		if m := newMatch(doc, 1.0, nil); m.Summary != doc.Summary {
			t.Errorf("Summary = %q, want raw %q", m.Summary, doc.Summary)
		}
		return
	}
	t.Fatal("STARC-500 not indexed")
}
