// Package rerank re-orders locally scored duplicate candidates with an
// OpenAI-compatible chat model. The model sees a clipped view of the
// query and the candidate pool and returns a ranked JSON list; anything
// it invents or omits falls back to the local ordering.
package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"bugmirror/internal/matcher"
	"bugmirror/pkg/config"
	apperrors "bugmirror/pkg/errors"
	"bugmirror/pkg/logger"
	"bugmirror/pkg/metrics"
	"bugmirror/pkg/resilience"
)

// Prompt clipping bounds. The model only needs enough text to judge
// whether two reports describe the same underlying bug.
const (
	maxQueryChars   = 900
	maxTitleChars   = 260
	maxStepChars    = 180
	maxSteps        = 5
	maxHappened     = 520
	maxShould       = 420
	maxWorkaround   = 280
	maxSummaryChars = 240
	maxStatusChars  = 80
	maxTags         = 8
	maxReasonChars  = 160
)

const systemPrompt = "You rerank duplicate candidates for Star Citizen Issue Council issues using Bugmirror entries. " +
	"Rank by SAME underlying bug (same scenario/mechanic), not just same ship/cargo. " +
	"Return ONLY valid JSON as a single object."

// LLMReranker implements matcher.Reranker over an OpenAI-compatible
// chat completions API. Calls run behind a circuit breaker so a flaky
// provider degrades to local-only matching instead of adding latency
// to every request.
type LLMReranker struct {
	model   llms.Model
	cfg     config.RerankConfig
	topK    int
	breaker *resilience.CircuitBreaker
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New builds an LLMReranker from the rerank config. topK bounds how
// many ranked items the model is asked for.
func New(cfg config.RerankConfig, topK int, m *metrics.Metrics) (*LLMReranker, error) {
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating rerank client: %w", err)
	}
	return &LLMReranker{
		model:   model,
		cfg:     cfg,
		topK:    topK,
		breaker: resilience.NewCircuitBreaker("rerank", resilience.CircuitBreakerConfig{}),
		metrics: m,
		log:     logger.WithComponent("rerank"),
	}, nil
}

// Enabled reports whether reranking is configured and turned on.
func (r *LLMReranker) Enabled() bool {
	return r.cfg.Enabled && r.cfg.APIKey != ""
}

// Breaker exposes the circuit breaker for health reporting.
func (r *LLMReranker) Breaker() *resilience.CircuitBreaker {
	return r.breaker
}

// rankedItem is one entry of the model's response.
type rankedItem struct {
	IssueCode string      `json:"issueCode"`
	Score     json.Number `json:"score"`
	Reason    string      `json:"reason"`
}

type rankedResponse struct {
	Ranked []rankedItem `json:"ranked"`
}

type candidatePayload struct {
	IssueCode  string   `json:"issueCode"`
	Summary    string   `json:"summary"`
	Status     string   `json:"status"`
	Tags       []string `json:"tags"`
	IsMain     bool     `json:"isMain"`
	LocalScore float64  `json:"localScore"`
}

type rerankPayload struct {
	QueryIssue  string             `json:"query_issue"`
	TopK        int                `json:"top_k"`
	Candidates  []candidatePayload `json:"candidates"`
	Schema      rankedResponse     `json:"schema"`
	Instruction string             `json:"instruction"`
}

// Rerank sends the pool to the model and returns the model's ordering
// restricted to candidates that exist in the pool. Any failure returns
// an error wrapping ErrRerankFailed; the caller keeps the local order.
func (r *LLMReranker) Rerank(ctx context.Context, report *matcher.Report, pool []matcher.Match) ([]matcher.Match, error) {
	if len(pool) == 0 {
		return pool, nil
	}
	if n := r.cfg.Candidates; n > 0 && len(pool) > n {
		pool = pool[:n]
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var out []matcher.Match
	err := r.breaker.Execute(func() error {
		var err error
		out, err = r.rerank(ctx, report, pool)
		return err
	})
	if r.metrics != nil {
		r.metrics.CircuitBreakerState.WithLabelValues("rerank").Set(float64(r.breaker.GetState()))
	}
	if err != nil {
		outcome := "failed"
		if errors.Is(err, resilience.ErrCircuitOpen) {
			outcome = "circuit_open"
		}
		if r.metrics != nil {
			r.metrics.RerankOutcomesTotal.WithLabelValues(outcome).Inc()
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrRerankFailed, err)
	}
	if r.metrics != nil {
		r.metrics.RerankOutcomesTotal.WithLabelValues("applied").Inc()
	}
	return out, nil
}

func (r *LLMReranker) rerank(ctx context.Context, report *matcher.Report, pool []matcher.Match) ([]matcher.Match, error) {
	payload, err := json.Marshal(buildPayload(report, pool, r.topK))
	if err != nil {
		return nil, err
	}

	raw, err := r.complete(ctx, systemPrompt, string(payload))
	if err != nil {
		return nil, err
	}
	ranked := parseRanked(raw)
	if ranked == nil {
		// One repair round: ask the model to fix its own output.
		r.log.Warn("rerank response was not valid JSON, attempting repair", "preview", preview(raw, 400))
		repairPrompt := "Fix this into valid JSON with the same meaning. " +
			"Keep only keys: ranked (list of {issueCode, score, reason}).\n\nTEXT TO FIX:\n" + raw
		raw2, err := r.complete(ctx, "Return ONLY valid JSON. No markdown. No commentary.", repairPrompt)
		if err != nil {
			return nil, err
		}
		ranked = parseRanked(raw2)
		if ranked == nil {
			return nil, fmt.Errorf("model returned unparseable ranking")
		}
	}

	out := applyRanking(ranked, pool, r.topK)
	if len(out) == 0 {
		return nil, fmt.Errorf("model ranking referenced no known candidates")
	}
	return out, nil
}

func (r *LLMReranker) complete(ctx context.Context, system, user string) (string, error) {
	content := []llms.MessageContent{
		{Role: llms.ChatMessageTypeSystem, Parts: []llms.ContentPart{llms.TextPart(system)}},
		{Role: llms.ChatMessageTypeHuman, Parts: []llms.ContentPart{llms.TextPart(user)}},
	}
	resp, err := r.model.GenerateContent(ctx, content,
		llms.WithTemperature(0.0),
		llms.WithMaxTokens(r.cfg.MaxOutputTokens),
		llms.WithJSONMode(),
	)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return resp.Choices[0].Content, nil
}

func buildPayload(report *matcher.Report, pool []matcher.Match, topK int) rerankPayload {
	candidates := make([]candidatePayload, 0, len(pool))
	for _, m := range pool {
		tags := m.Tags
		if len(tags) > maxTags {
			tags = tags[:maxTags]
		}
		candidates = append(candidates, candidatePayload{
			IssueCode:  m.IssueCode,
			Summary:    clip(m.Summary, maxSummaryChars),
			Status:     clip(m.Status, maxStatusChars),
			Tags:       tags,
			IsMain:     m.IsMain,
			LocalScore: m.Score,
		})
	}
	return rerankPayload{
		QueryIssue: buildQueryText(report),
		TopK:       topK,
		Candidates: candidates,
		Schema: rankedResponse{Ranked: []rankedItem{
			{IssueCode: "STARC-123", Score: "0.9", Reason: "short"},
		}},
		Instruction: "Return ranked with up to top_k items (best duplicates). Do not include items not in candidates.",
	}
}

// buildQueryText flattens the incoming report into a clipped prompt
// block, dropping empty sections.
func buildQueryText(report *matcher.Report) string {
	var parts []string
	if report.IssueCode != "" {
		parts = append(parts, "IssueCode: "+report.IssueCode)
	}
	if report.Title != "" {
		parts = append(parts, "Title: "+clip(report.Title, maxTitleChars))
	}
	var steps []string
	for _, s := range report.ReproductionSteps {
		if strings.TrimSpace(s) == "" {
			continue
		}
		steps = append(steps, "- "+clip(s, maxStepChars))
		if len(steps) == maxSteps {
			break
		}
	}
	if len(steps) > 0 {
		parts = append(parts, "Reproduction steps:\n"+strings.Join(steps, "\n"))
	}
	if report.WhatHappened != "" {
		parts = append(parts, "What happened:\n"+clip(report.WhatHappened, maxHappened))
	}
	if report.WhatShouldHaveHappened != "" {
		parts = append(parts, "What should have happened:\n"+clip(report.WhatShouldHaveHappened, maxShould))
	}
	if report.Workaround != "" {
		parts = append(parts, "Workaround:\n"+clip(report.Workaround, maxWorkaround))
	}
	return clip(strings.Join(parts, "\n\n"), maxQueryChars)
}

// parseRanked extracts the ranked list from a raw model response,
// tolerating markdown code fences. Returns nil when the response is
// unusable so the caller can retry.
func parseRanked(raw string) []rankedItem {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var resp rankedResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil
	}
	if len(resp.Ranked) == 0 {
		return nil
	}
	return resp.Ranked
}

// applyRanking maps the model's ordering back onto the pool, skipping
// issue codes the model invented and annotating kept matches with the
// model's score and reason.
func applyRanking(ranked []rankedItem, pool []matcher.Match, topK int) []matcher.Match {
	byCode := make(map[string]matcher.Match, len(pool))
	for _, m := range pool {
		byCode[m.IssueCode] = m
	}
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	out := make([]matcher.Match, 0, len(ranked))
	seen := make(map[string]struct{}, len(ranked))
	for _, r := range ranked {
		code := strings.TrimSpace(r.IssueCode)
		if code == "" {
			continue
		}
		m, ok := byCode[code]
		if !ok {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		score, err := r.Score.Float64()
		if err != nil {
			score = 0
		}
		rounded := math.Round(score*1000) / 1000
		m.LLMScore = &rounded
		m.LLMWhy = clip(strings.TrimSpace(r.Reason), maxReasonChars)
		out = append(out, m)
	}
	return out
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimRight(string(runes[:n]), " \t\n") + "…"
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n...[truncated]"
}
