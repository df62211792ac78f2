package corpus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
)

// Source supplies raw mirror records for ingestion. Implementations
// must not return partially-decoded records: a line or row that fails
// decoding is skipped.
type Source interface {
	Records(ctx context.Context) ([]Record, error)
}

// ErrSourceMissing is returned when the corpus backend does not exist
// yet (missing file, missing table). Callers treat it as an empty
// corpus, not a failure.
var ErrSourceMissing = errors.New("corpus source missing")

// FileSource reads newline-delimited JSON records from the mirror
// file. This is the reference deployment's corpus backend.
type FileSource struct {
	Path string
}

// maxRecordLineBytes bounds a single mirror line; raw bodies can be
// large but never this large.
const maxRecordLineBytes = 4 << 20

// Records reads and decodes every line of the mirror file. Blank and
// undecodable lines are skipped.
func (s *FileSource) Records(ctx context.Context) ([]Record, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, s.Path)
		}
		return nil, fmt.Errorf("opening corpus file %s: %w", s.Path, err)
	}
	defer f.Close()

	log := slog.Default().With("component", "corpus", "path", s.Path)

	var records []Record
	badLines := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxRecordLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			badLines++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading corpus file %s: %w", s.Path, err)
	}
	if badLines > 0 {
		log.Warn("skipped undecodable mirror lines", "count", badLines)
	}
	return records, nil
}
