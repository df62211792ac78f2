package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"bugmirror/internal/corpus"
	"bugmirror/pkg/config"
	apperrors "bugmirror/pkg/errors"
	"bugmirror/pkg/logger"
	"bugmirror/pkg/metrics"
)

// Reranker re-orders an already ranked candidate pool using an
// external model. Implementations must leave the pool usable on error;
// the matcher falls back to the local order.
type Reranker interface {
	Rerank(ctx context.Context, report *Report, pool []Match) ([]Match, error)
	Enabled() bool
}

// Matcher owns the live corpus index and runs the full match pipeline:
// feature extraction, cheap shortlist, full scoring, optional rerank.
// The index is swapped atomically so reloads never block requests.
type Matcher struct {
	cfg      *config.Config
	source   corpus.Source
	reranker Reranker
	metrics  *metrics.Metrics
	log      *slog.Logger

	index atomic.Pointer[corpus.Index]
}

// New builds a Matcher around the given corpus source. The index
// starts empty; call Reload to populate it. reranker and m may be nil.
func New(cfg *config.Config, source corpus.Source, reranker Reranker, m *metrics.Metrics) *Matcher {
	mt := &Matcher{
		cfg:      cfg,
		source:   source,
		reranker: reranker,
		metrics:  m,
		log:      logger.WithComponent("matcher"),
	}
	mt.index.Store(corpus.Empty())
	return mt
}

// Index returns the current index snapshot. Safe for concurrent use;
// the snapshot is immutable.
func (mt *Matcher) Index() *corpus.Index {
	return mt.index.Load()
}

// Reload reads the corpus source, builds a fresh index aside, and
// swaps it in atomically. In-flight requests keep scoring against the
// old snapshot. Returns the number of indexed documents. A source that
// does not exist yet is an empty corpus, not an error.
func (mt *Matcher) Reload(ctx context.Context) (int, error) {
	start := time.Now()
	records, err := mt.source.Records(ctx)
	if err != nil {
		if errors.Is(err, corpus.ErrSourceMissing) {
			mt.index.Store(corpus.Empty())
			if mt.metrics != nil {
				mt.metrics.CorpusReloadsTotal.WithLabelValues("missing").Inc()
				mt.metrics.CorpusDocuments.Set(0)
			}
			mt.log.Warn("corpus source missing, serving empty index", "error", err)
			return 0, nil
		}
		if mt.metrics != nil {
			mt.metrics.CorpusReloadsTotal.WithLabelValues("error").Inc()
		}
		return 0, fmt.Errorf("%w: loading corpus records: %v", apperrors.ErrCorpusUnavailable, err)
	}
	ix := corpus.Build(records, mt.cfg.Corpus, mt.cfg.Scoring, time.Now())
	mt.index.Store(ix)
	if mt.metrics != nil {
		mt.metrics.CorpusReloadsTotal.WithLabelValues("success").Inc()
		mt.metrics.CorpusDocuments.Set(float64(ix.NumDocs()))
	}
	mt.log.Info("corpus reloaded",
		"records", len(records),
		"indexed", ix.NumDocs(),
		"ships", len(ix.ShipVocab),
		"duration", time.Since(start),
	)
	return ix.NumDocs(), nil
}

// Match runs the pipeline for one report and returns up to topK
// matches in descending score order. topK <= 0 uses the configured
// default. A report with no usable text, or an empty index, yields an
// empty slice and no error.
func (mt *Matcher) Match(ctx context.Context, report *Report, topK int) ([]Match, error) {
	start := time.Now()
	if topK <= 0 {
		topK = mt.cfg.Match.TopK
	}
	ix := mt.index.Load()
	if ix.NumDocs() == 0 || !report.HasText() {
		mt.observe("empty", start, nil)
		return []Match{}, nil
	}

	feats := ExtractFeatures(report, ix, mt.cfg.Scoring)
	if len(feats.Terms) == 0 {
		mt.observe("empty", start, nil)
		return []Match{}, nil
	}

	shortlist := Shortlist(ix, feats, *mt.cfg)
	if mt.metrics != nil {
		mt.metrics.ShortlistSize.Observe(float64(len(shortlist)))
	}
	if len(shortlist) == 0 {
		mt.observe("empty", start, nil)
		return []Match{}, nil
	}

	scored, err := mt.scoreAll(ctx, ix, feats, report.IssueCode, shortlist)
	if err != nil {
		return nil, err
	}
	if mt.metrics != nil {
		mt.metrics.MatchLatency.WithLabelValues("local").Observe(time.Since(start).Seconds())
	}

	// Zero-score candidates survive the shortlist only to be wiped out
	// by a multiplicative penalty; drop them.
	kept := scored[:0]
	for _, m := range scored {
		if m.Score > 0 {
			kept = append(kept, m)
		}
	}
	scored = kept

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].IssueCode < scored[j].IssueCode
	})

	// The reranker sees a pool larger than topK so it can promote
	// candidates the local score underrated.
	poolSize := topK
	if floor := mt.cfg.Match.RerankPoolFloor; floor > poolSize {
		poolSize = floor
	}
	if poolSize > len(scored) {
		poolSize = len(scored)
	}
	pool := scored[:poolSize]

	resultType := "local"
	if mt.reranker != nil && mt.reranker.Enabled() {
		rerankStart := time.Now()
		reranked, rerr := mt.reranker.Rerank(ctx, report, pool)
		if mt.metrics != nil {
			mt.metrics.MatchLatency.WithLabelValues("rerank").Observe(time.Since(rerankStart).Seconds())
		}
		if rerr != nil {
			mt.log.Warn("rerank failed, using local order", "error", rerr)
		} else {
			pool = reranked
			resultType = "reranked"
		}
	}

	if topK > len(pool) {
		topK = len(pool)
	}
	out := make([]Match, topK)
	copy(out, pool[:topK])
	mt.observe(resultType, start, out)
	return out, nil
}

// scoreAll fully scores the shortlist with a bounded worker pool.
// Results keep shortlist positions so ordering stays deterministic
// before the final sort.
func (mt *Matcher) scoreAll(ctx context.Context, ix *corpus.Index, feats *Features, selfCode string, shortlist []*corpus.Document) ([]Match, error) {
	out := make([]Match, len(shortlist))
	g, ctx := errgroup.WithContext(ctx)
	workers := mt.cfg.Match.ScoreWorkers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, doc := range shortlist {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			score, why := Score(ix, feats, selfCode, doc, mt.cfg.Scoring, mt.cfg.Match.Explain)
			out[i] = newMatch(doc, score, why)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func newMatch(doc *corpus.Document, score float64, why *Explanation) Match {
	var devStatus *string
	if doc.DevStatus != "" {
		s := doc.DevStatus
		devStatus = &s
	}
	tags := doc.Tags
	if len(tags) > 10 {
		tags = tags[:10]
	}
	if tags == nil {
		tags = []string{}
	}
	// Cleaning can strip a summary down to nothing when it is only a
	// main marker plus a dev-status tail; show the raw summary then.
	summary := doc.SummaryClean
	if summary == "" {
		summary = doc.Summary
	}
	return Match{
		Score:     math.Round(score*100) / 100,
		IssueCode: doc.IssueCode,
		Summary:   summary,
		Status:    doc.Status,
		Updated:   doc.Updated,
		Tags:      tags,
		URL:       doc.URL,
		IsMain:    doc.IsMain,
		DevStatus: devStatus,
		Why:       why,
	}
}

func (mt *Matcher) observe(resultType string, start time.Time, out []Match) {
	if mt.metrics == nil {
		return
	}
	mt.metrics.MatchRequestsTotal.WithLabelValues(resultType).Inc()
	mt.metrics.MatchLatency.WithLabelValues("total").Observe(time.Since(start).Seconds())
	mt.metrics.MatchResultsCount.Observe(float64(len(out)))
}
