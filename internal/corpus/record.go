// Package corpus ingests the bug-report mirror into an immutable
// in-memory index with the global statistics the matcher scores
// against: per-term and per-phrase document frequencies and the
// ship/location/label vocabularies observed across all documents.
package corpus

// Record is the raw mirror record as it arrives from the corpus
// source, one JSON object per line in the reference deployment.
type Record struct {
	IssueCode string   `json:"issueCode"`
	URL       string   `json:"issueCouncilUrl"`
	Status    string   `json:"status"`
	Summary   string   `json:"summary"`
	Tags      []string `json:"tags"`
	Raw       string   `json:"raw"`
	Updated   string   `json:"updated"`
}
