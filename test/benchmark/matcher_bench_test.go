// Package benchmark contains Go benchmarks for the tokenizer, index
// build, and match pipeline, measuring throughput and allocation
// behaviour.
package benchmark

import (
	"context"
	"fmt"
	"testing"
	"time"

	"bugmirror/internal/corpus"
	"bugmirror/internal/matcher"
	"bugmirror/internal/text"
	"bugmirror/pkg/config"
	"bugmirror/pkg/logger"
)

func init() {
	logger.Discard()
}

func benchRecords(n int) []corpus.Record {
	ships := []string{"ANVL-Carrack", "DRAK-Cutlass", "MISC-Hull-C", "RSI-Constellation"}
	summaries := []string{
		"Ship disappears after claim at ASOP terminal",
		"Cargo elevator stuck in personal hangar",
		"Docking port does not extend at station",
		"Client crash when opening mobiGlas during mission",
	}
	records := make([]corpus.Record, n)
	for i := range records {
		records[i] = corpus.Record{
			IssueCode: fmt.Sprintf("STARC-%d", i+1),
			URL:       fmt.Sprintf("https://example.com/STARC-%d", i+1),
			Status:    "Open",
			Summary:   summaries[i%len(summaries)],
			Tags:      []string{ships[i%len(ships)], "Lorville"},
			Raw:       "Stored the ship, claimed it, waited at the hangar pad, it never spawned. Tried again after relog.",
			Updated:   "12 March 2025, 16:30",
		}
	}
	return records
}

type sliceSource struct {
	records []corpus.Record
}

func (s *sliceSource) Records(ctx context.Context) ([]corpus.Record, error) {
	return s.records, nil
}

func benchReport() *matcher.Report {
	return &matcher.Report{
		Title:        "Carrack vanished after claiming at ASOP terminal",
		WhatHappened: "Claimed the Carrack, it never arrived at the hangar pad.",
		ReproductionSteps: []string{
			"Store the Carrack",
			"Claim it at an ASOP terminal",
			"Wait at the assigned pad",
		},
	}
}

// BenchmarkTokenize measures tokenizer throughput on a typical report
// body.
func BenchmarkTokenize(b *testing.B) {
	body := "Stored my Hull-C at the station, claimed it at the ASOP terminal, " +
		"docking ports would not extend and the cargo grid stayed retracted."
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = text.Tokenize(body)
	}
}

// BenchmarkIndexBuild measures full index construction over 5 000
// records.
func BenchmarkIndexBuild(b *testing.B) {
	cfg := config.Default()
	records := benchRecords(5000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = corpus.Build(records, cfg.Corpus, cfg.Scoring, time.Now())
	}
}

// BenchmarkMatch measures the full local pipeline (features, shortlist,
// scoring) against a 5 000 document index.
func BenchmarkMatch(b *testing.B) {
	cfg := config.Default()
	mt := matcher.New(cfg, &sliceSource{records: benchRecords(5000)}, nil, nil)
	if _, err := mt.Reload(context.Background()); err != nil {
		b.Fatal(err)
	}
	report := benchReport()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := mt.Match(context.Background(), report, 10); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkMatchParallel measures concurrent match throughput over a
// shared index snapshot.
func BenchmarkMatchParallel(b *testing.B) {
	cfg := config.Default()
	mt := matcher.New(cfg, &sliceSource{records: benchRecords(5000)}, nil, nil)
	if _, err := mt.Reload(context.Background()); err != nil {
		b.Fatal(err)
	}
	report := benchReport()

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := mt.Match(context.Background(), report, 10); err != nil {
				b.Fatal(err)
			}
		}
	})
}
