// Package events publishes match activity to Kafka and reacts to
// corpus update notifications. Both sides are optional; the service
// runs fine with no brokers configured.
package events

import "time"

type EventType string

const (
	EventMatch      EventType = "match"
	EventZeroResult EventType = "zero_result"
	EventReload     EventType = "corpus_reload"
)

// MatchEvent records one duplicate check for offline analysis of what
// users search for and how often the index answers them.
type MatchEvent struct {
	Type      EventType `json:"type"`
	IssueCode string    `json:"issue_code,omitempty"`
	Returned  int       `json:"returned"`
	TopScore  float64   `json:"top_score"`
	Reranked  bool      `json:"reranked"`
	LatencyMs int64     `json:"latency_ms"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReloadEvent records a corpus swap.
type ReloadEvent struct {
	Type      EventType `json:"type"`
	Documents int       `json:"documents"`
	Timestamp time.Time `json:"timestamp"`
}

// CorpusUpdated is the notification published by the mirror scraper
// when a new corpus snapshot is available.
type CorpusUpdated struct {
	Source    string    `json:"source"`
	Rows      int       `json:"rows,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
