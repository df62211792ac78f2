// Package integration verifies the matcher service wired the way main
// wires it: file corpus source, real handlers, and the full middleware
// chain, with Redis, Kafka, and the reranker left out.
//
// Run with:
//
//	go test -v ./test/integration/...
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"bugmirror/internal/corpus"
	"bugmirror/internal/matcher"
	"bugmirror/internal/server"
	"bugmirror/pkg/config"
	"bugmirror/pkg/health"
	"bugmirror/pkg/logger"
	"bugmirror/pkg/middleware"
)

func init() {
	logger.Discard()
}

func writeCorpusFile(t *testing.T) string {
	t.Helper()
	records := []corpus.Record{
		{
			IssueCode: "STARC-100",
			URL:       "https://example.com/STARC-100",
			Status:    "Open",
			Summary:   "Carrack disappears after claim at ASOP terminal",
			Tags:      []string{"ANVL-Carrack"},
			Raw:       "Claimed the Carrack at the ASOP terminal, it never spawned on the pad.",
			Updated:   "12 March 2025, 16:30",
		},
		{
			IssueCode: "STARC-200",
			URL:       "https://example.com/STARC-200",
			Status:    "Confirmed",
			Summary:   "Cargo elevator stuck in personal hangar",
			Tags:      []string{"Lorville"},
			Raw:       "The cargo elevator in the personal hangar stops between floors.",
			Updated:   "12 March 2025, 16:30",
		},
	}
	path := filepath.Join(t.TempDir(), "bugmirror_structured.jsonl")
	var buf bytes.Buffer
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// newMatcherServer builds the service exactly as main does, minus the
// optional external dependencies.
func newMatcherServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Corpus.Path = writeCorpusFile(t)

	mt := matcher.New(cfg, &corpus.FileSource{Path: cfg.Corpus.Path}, nil, nil)
	if _, err := mt.Reload(t.Context()); err != nil {
		t.Fatalf("initial corpus load: %v", err)
	}

	checker := health.NewChecker()
	checker.Register("corpus", func(ctx context.Context) health.ComponentHealth {
		if mt.Index().NumDocs() > 0 {
			return health.ComponentHealth{Status: health.StatusUp}
		}
		return health.ComponentHealth{Status: health.StatusDegraded, Message: "index empty"}
	})

	h := server.New(mt, nil, nil, cfg)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/match", h.Match)
	mux.HandleFunc("POST /api/v1/reload", h.Reload)
	mux.HandleFunc("GET /api/v1/status", h.Status)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.CORS(middleware.DefaultCORSConfig())(chain)
	chain = middleware.RequestID(chain)

	srv := httptest.NewServer(chain)
	t.Cleanup(srv.Close)
	return srv
}

func TestMatchEndToEnd(t *testing.T) {
	srv := newMatcherServer(t)

	body := `{
		"issueCode": "STARC-999",
		"title": "Carrack vanished after claiming at ASOP terminal",
		"whatHappened": "Claimed the Carrack and it never arrived."
	}`
	resp, err := http.Post(srv.URL+"/api/v1/match", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("match request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "" {
		t.Error("missing X-Request-ID header")
	}

	var out struct {
		Matches []matcher.Match `json:"matches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(out.Matches) == 0 {
		t.Fatal("expected matches")
	}
	if out.Matches[0].IssueCode != "STARC-100" {
		t.Errorf("top match = %s, want STARC-100", out.Matches[0].IssueCode)
	}
	if out.Matches[0].Why == nil {
		t.Error("expected explanation")
	}
}

func TestReloadEndpoint(t *testing.T) {
	srv := newMatcherServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("reload request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if out["ok"] != true {
		t.Errorf("ok = %v", out["ok"])
	}
	if rows, _ := out["rows"].(float64); int(rows) != 2 {
		t.Errorf("rows = %v, want 2", out["rows"])
	}
}

func TestReloadEndpointMissingCorpusFile(t *testing.T) {
	cfg := config.Default()
	cfg.Corpus.Path = filepath.Join(t.TempDir(), "absent.jsonl")

	mt := matcher.New(cfg, &corpus.FileSource{Path: cfg.Corpus.Path}, nil, nil)
	h := server.New(mt, nil, nil, cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/reload", h.Reload)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	// A mirror that does not exist yet is an empty corpus, not an
	// error: the endpoint answers ok with zero rows.
	resp, err := http.Post(srv.URL+"/api/v1/reload", "application/json", nil)
	if err != nil {
		t.Fatalf("reload request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if out["ok"] != true {
		t.Errorf("ok = %v", out["ok"])
	}
	if rows, _ := out["rows"].(float64); int(rows) != 0 {
		t.Errorf("rows = %v, want 0", out["rows"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newMatcherServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if rows, _ := out["corpus_rows"].(float64); int(rows) != 2 {
		t.Errorf("corpus_rows = %v, want 2", out["corpus_rows"])
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newMatcherServer(t)

	for _, path := range []string{"/health/live", "/health/ready"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newMatcherServer(t)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/match", nil)
	req.Header.Set("Origin", "https://issue-council.robertsspaceindustries.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://issue-council.robertsspaceindustries.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestConcurrentMatches(t *testing.T) {
	srv := newMatcherServer(t)
	body := `{"title":"cargo elevator stuck in hangar"}`

	errCh := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			resp, err := http.Post(srv.URL+"/api/v1/match", "application/json", bytes.NewBufferString(body))
			if err != nil {
				errCh <- err
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errCh <- fmt.Errorf("status %d", resp.StatusCode)
				return
			}
			errCh <- nil
		}()
	}
	for i := 0; i < 20; i++ {
		if err := <-errCh; err != nil {
			t.Errorf("concurrent match failed: %v", err)
		}
	}
}
