// Package server exposes the duplicate matcher over HTTP.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"bugmirror/internal/cache"
	"bugmirror/internal/corpus"
	"bugmirror/internal/events"
	"bugmirror/internal/matcher"
	"bugmirror/pkg/config"
	apperrors "bugmirror/pkg/errors"
	"bugmirror/pkg/logger"
	"bugmirror/pkg/middleware"
)

// maxRequestBytes bounds the match request body. Reports are a few KB
// of text; anything near the limit is abuse or a client bug.
const maxRequestBytes = 1 << 20

// Matcher is the part of the match pipeline the handler needs.
type Matcher interface {
	Match(ctx context.Context, report *matcher.Report, topK int) ([]matcher.Match, error)
	Reload(ctx context.Context) (int, error)
	Index() *corpus.Index
}

// matchResponse is the wire shape of a match reply.
type matchResponse struct {
	Matches []matcher.Match `json:"matches"`
}

// Handler serves the match API. cache and collector may be nil.
type Handler struct {
	matcher   Matcher
	cache     *cache.MatchCache
	collector *events.Collector
	cfg       *config.Config
	log       *slog.Logger
}

func New(m Matcher, matchCache *cache.MatchCache, collector *events.Collector, cfg *config.Config) *Handler {
	return &Handler{
		matcher:   m,
		cache:     matchCache,
		collector: collector,
		cfg:       cfg,
		log:       logger.WithComponent("http"),
	}
}

// Match handles POST /api/v1/match. The body is the incoming report;
// an optional limit query parameter overrides the configured top-K.
// A report with no usable text gets an empty match list, not an error.
func (h *Handler) Match(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var report matcher.Report
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&report); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	topK := h.cfg.Match.TopK
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if parsed > h.cfg.Match.CandidateLimit {
			parsed = h.cfg.Match.CandidateLimit
		}
		topK = parsed
	}

	var (
		matches []matcher.Match
		err     error
	)
	if h.cache != nil {
		matches, err = h.cache.Match(ctx, &report, topK, h.matcher.Match)
	} else {
		matches, err = h.matcher.Match(ctx, &report, topK)
	}
	if err != nil {
		log.Error("match failed", "issue_code", report.IssueCode, "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "match failed")
		return
	}

	latencyMs := time.Since(start).Milliseconds()
	log.Info("match completed",
		"issue_code", report.IssueCode,
		"returned", len(matches),
		"latency_ms", latencyMs,
	)
	if h.collector != nil {
		evType := events.EventMatch
		if len(matches) == 0 {
			evType = events.EventZeroResult
		}
		var topScore float64
		reranked := false
		if len(matches) > 0 {
			topScore = matches[0].Score
			reranked = matches[0].LLMScore != nil
		}
		h.collector.Track(string(evType), events.MatchEvent{
			Type:      evType,
			IssueCode: report.IssueCode,
			Returned:  len(matches),
			TopScore:  topScore,
			Reranked:  reranked,
			LatencyMs: latencyMs,
			RequestID: middleware.GetRequestID(ctx),
			Timestamp: time.Now().UTC(),
		})
	}

	h.writeJSON(w, http.StatusOK, matchResponse{Matches: matches})
}

// Reload handles POST /api/v1/reload: rebuild the index from the
// corpus source and swap it in.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	rows, err := h.matcher.Reload(ctx)
	if err != nil {
		log.Error("reload failed", "error", err)
		h.writeError(w, apperrors.HTTPStatusCode(err), "reload failed")
		return
	}
	if h.cache != nil {
		h.cache.Invalidate(ctx)
	}
	if h.collector != nil {
		h.collector.Track(string(events.EventReload), events.ReloadEvent{
			Type:      events.EventReload,
			Documents: rows,
			Timestamp: time.Now().UTC(),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "rows": rows})
}

// Status handles GET /api/v1/status: corpus size and rerank setup.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"corpus_rows": h.matcher.Index().NumDocs(),
		"rerank": map[string]any{
			"enabled": h.cfg.RerankReady(),
			"model":   h.cfg.Rerank.Model,
		},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
