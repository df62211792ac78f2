package corpus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"bugmirror/pkg/postgres"
)

// PostgresSource reads mirror records from a Postgres table populated
// by the upstream mirror sync. Tags are stored as a text array.
type PostgresSource struct {
	Client *postgres.Client
	Table  string
}

// undefinedTableCode is the Postgres error code for a relation that
// does not exist yet.
const undefinedTableCode = "42P01"

// Records reads the whole mirror table. Rows that fail scanning are
// skipped, matching the file source's per-line behaviour.
func (s *PostgresSource) Records(ctx context.Context) ([]Record, error) {
	query := fmt.Sprintf(
		`SELECT issue_code, issue_council_url, status, summary, tags, raw, updated FROM %s`,
		pq.QuoteIdentifier(s.Table),
	)
	rows, err := s.Client.DB.QueryContext(ctx, query)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == undefinedTableCode {
			return nil, fmt.Errorf("%w: table %s", ErrSourceMissing, s.Table)
		}
		return nil, fmt.Errorf("querying corpus table %s: %w", s.Table, err)
	}
	defer rows.Close()

	log := slog.Default().With("component", "corpus", "table", s.Table)

	var records []Record
	badRows := 0
	for rows.Next() {
		var (
			rec     Record
			status  sql.NullString
			summary sql.NullString
			raw     sql.NullString
			updated sql.NullString
		)
		if err := rows.Scan(&rec.IssueCode, &rec.URL, &status, &summary, pq.Array(&rec.Tags), &raw, &updated); err != nil {
			badRows++
			continue
		}
		rec.Status = status.String
		rec.Summary = summary.String
		rec.Raw = raw.String
		rec.Updated = updated.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating corpus table %s: %w", s.Table, err)
	}
	if badRows > 0 {
		log.Warn("skipped unscannable mirror rows", "count", badRows)
	}
	return records, nil
}
