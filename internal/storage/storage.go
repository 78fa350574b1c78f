// Package storage persists request logs to an embedded SQLite database
// and serves the paginated/aggregate queries behind the stats and
// requests endpoints. Writes are fire-and-forget: a slow or failing disk
// must never add latency or failures to the request path itself.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	model TEXT NOT NULL,
	provider TEXT,
	policy TEXT,
	streaming INTEGER NOT NULL,
	input_tokens INTEGER,
	output_tokens INTEGER,
	cost_sats REAL,
	provider_cost_sats REAL,
	latency_ms INTEGER NOT NULL,
	stream_duration_ms INTEGER,
	success INTEGER NOT NULL,
	error_status INTEGER,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_requests_timestamp ON requests(timestamp);
CREATE INDEX IF NOT EXISTS idx_requests_correlation_id ON requests(correlation_id);
`

// RequestLog is one row of the requests table, matching the request
// lifecycle's data model: everything needed to answer "what happened on
// this request" after the fact.
type RequestLog struct {
	CorrelationID    string
	Timestamp        string
	Model            string
	Provider         *string
	Policy           *string
	Streaming        bool
	InputTokens      *uint32
	OutputTokens     *uint32
	CostSats         *float64
	ProviderCostSats *float64
	LatencyMs        int64
	StreamDurationMs *int64
	Success          bool
	ErrorStatus      *int
	ErrorMessage     *string
}

// Store owns a small write pool and a slightly larger read pool over the
// same database file, sized to the workload rather than sharing one
// unbounded pool: a handful of concurrent inserts, a few concurrent
// dashboard queries.
type Store struct {
	write *sql.DB
	read  *sql.DB
}

// Open creates the schema if needed and returns a Store. path may be
// ":memory:" for an ephemeral, process-local database (used by `arbstr
// serve --mock`).
func Open(path string) (*Store, error) {
	dsn := path
	if path == ":memory:" {
		// A bare ":memory:" gives every new pooled connection its own,
		// independent empty database. A shared-cache URI lets the write
		// and read pools (and every connection within each) see the same
		// in-memory database for the life of the process.
		dsn = "file::memory:?cache=shared"
	}

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	write.SetMaxOpenConns(5)

	if _, err := write.Exec(schema); err != nil {
		write.Close()
		return nil, fmt.Errorf("applying schema to %q: %w", path, err)
	}
	if _, err := write.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.Printf("[Storage] could not enable WAL journal mode: %v", err)
	}

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("opening read pool for %q: %w", path, err)
	}
	read.SetMaxOpenConns(3)

	return &Store{write: write, read: read}, nil
}

// Close releases both pools.
func (s *Store) Close() error {
	readErr := s.read.Close()
	writeErr := s.write.Close()
	if writeErr != nil {
		return writeErr
	}
	return readErr
}

func nullUint32(v *uint32) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

// Insert writes one request log row.
func (s *Store) Insert(ctx context.Context, l RequestLog) error {
	_, err := s.write.ExecContext(ctx, `INSERT INTO requests (
		correlation_id, timestamp, model, provider, policy, streaming,
		input_tokens, output_tokens, cost_sats, provider_cost_sats,
		latency_ms, stream_duration_ms, success, error_status, error_message
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.CorrelationID, l.Timestamp, l.Model, l.Provider, l.Policy, l.Streaming,
		nullUint32(l.InputTokens), nullUint32(l.OutputTokens), l.CostSats, l.ProviderCostSats,
		l.LatencyMs, nullInt64(l.StreamDurationMs), l.Success, nullInt(l.ErrorStatus), l.ErrorMessage,
	)
	return err
}

// SpawnInsert fires the insert off in a detached goroutine; a failure is
// warned, never propagated to the caller -- logging must never slow down
// or fail a request.
func (s *Store) SpawnInsert(l RequestLog) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Insert(ctx, l); err != nil {
			log.Printf("[Storage] failed to write request log %s: %v", l.CorrelationID, err)
		}
	}()
}

// UpdateStreamCompletion records the usage/cost/duration/outcome a
// streaming request only knows once the stream itself has ended, keyed by
// the correlation ID the initial insert used.
func (s *Store) UpdateStreamCompletion(ctx context.Context, correlationID string, inputTokens, outputTokens *uint32, costSats *float64, streamDurationMs int64, success bool, errorMessage *string) (int64, error) {
	res, err := s.write.ExecContext(ctx, `UPDATE requests SET
		input_tokens = ?, output_tokens = ?, cost_sats = ?, stream_duration_ms = ?, success = ?, error_message = ?
		WHERE correlation_id = ?`,
		nullUint32(inputTokens), nullUint32(outputTokens), costSats, streamDurationMs, success, errorMessage, correlationID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SpawnUpdateStreamCompletion is the fire-and-forget wrapper around
// UpdateStreamCompletion, warning rather than failing on error or on a
// correlation ID that matched no row.
func (s *Store) SpawnUpdateStreamCompletion(correlationID string, inputTokens, outputTokens *uint32, costSats *float64, streamDurationMs int64, success bool, errorMessage *string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rows, err := s.UpdateStreamCompletion(ctx, correlationID, inputTokens, outputTokens, costSats, streamDurationMs, success, errorMessage)
		switch {
		case err != nil:
			log.Printf("[Storage] failed to update stream completion for %s: %v", correlationID, err)
		case rows == 0:
			log.Printf("[Storage] stream completion update matched no row for %s", correlationID)
		}
	}()
}

// logSortColumns whitelists the columns GET /v1/requests may sort by,
// since the column name is interpolated directly into the query (bind
// parameters can't parameterize identifiers).
var logSortColumns = map[string]bool{
	"id": true, "timestamp": true, "latency_ms": true, "cost_sats": true,
}

// SortColumnAllowed reports whether col is a whitelisted sort column.
func SortColumnAllowed(col string) bool { return logSortColumns[col] }

// LogRow is one row of the paginated request listing.
type LogRow struct {
	ID               int64
	CorrelationID    string
	Timestamp        string
	Model            string
	Provider         *string
	Streaming        bool
	InputTokens      *int64
	OutputTokens     *int64
	CostSats         *float64
	LatencyMs        int64
	StreamDurationMs *int64
	Success          bool
	ErrorStatus      *int
	ErrorMessage     *string
}

type filter struct {
	since, until   string
	model, provider *string
	success, streaming *bool
}

func (f filter) whereClause() (string, []any) {
	clause := "timestamp >= ? AND timestamp <= ?"
	args := []any{f.since, f.until}
	if f.model != nil {
		clause += " AND LOWER(model) = LOWER(?)"
		args = append(args, *f.model)
	}
	if f.provider != nil {
		clause += " AND LOWER(provider) = LOWER(?)"
		args = append(args, *f.provider)
	}
	if f.success != nil {
		clause += " AND success = ?"
		args = append(args, *f.success)
	}
	if f.streaming != nil {
		clause += " AND streaming = ?"
		args = append(args, *f.streaming)
	}
	return clause, args
}

// CountLogs returns the total row count matching the filter, ignoring
// pagination -- used to report a "total" alongside a page of results.
func (s *Store) CountLogs(ctx context.Context, since, until string, model, provider *string, success, streaming *bool) (int64, error) {
	f := filter{since: since, until: until, model: model, provider: provider, success: success, streaming: streaming}
	clause, args := f.whereClause()
	var count int64
	err := s.read.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests WHERE "+clause, args...).Scan(&count)
	return count, err
}

// QueryLogs returns one page of request log rows. sortColumn must already
// be validated against SortColumnAllowed by the caller; it is interpolated
// directly since SQL placeholders cannot bind identifiers.
func (s *Store) QueryLogs(ctx context.Context, since, until string, model, provider *string, success, streaming *bool, sortColumn, sortDirection string, limit, offset int) ([]LogRow, error) {
	if !SortColumnAllowed(sortColumn) {
		return nil, fmt.Errorf("sort column %q is not allowed", sortColumn)
	}
	if sortDirection != "ASC" && sortDirection != "DESC" {
		sortDirection = "DESC"
	}
	f := filter{since: since, until: until, model: model, provider: provider, success: success, streaming: streaming}
	clause, args := f.whereClause()
	query := fmt.Sprintf(
		"SELECT id, correlation_id, timestamp, model, provider, streaming, input_tokens, output_tokens, cost_sats, latency_ms, stream_duration_ms, success, error_status, error_message FROM requests WHERE %s ORDER BY %s %s LIMIT ? OFFSET ?",
		clause, sortColumn, sortDirection,
	)
	args = append(args, limit, offset)

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogRow
	for rows.Next() {
		var row LogRow
		if err := rows.Scan(&row.ID, &row.CorrelationID, &row.Timestamp, &row.Model, &row.Provider, &row.Streaming,
			&row.InputTokens, &row.OutputTokens, &row.CostSats, &row.LatencyMs, &row.StreamDurationMs,
			&row.Success, &row.ErrorStatus, &row.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AggregateRow is the summary statistics over a time range, using TOTAL()
// rather than SUM() so an empty range reports 0 instead of NULL.
type AggregateRow struct {
	TotalRequests     int64
	TotalCostSats     float64
	TotalInputTokens  float64
	TotalOutputTokens float64
	AvgLatencyMs      float64
	SuccessCount      int64
	ErrorCount        int64
	StreamingCount    int64
}

const aggregateSelect = `SELECT
	COUNT(*),
	TOTAL(cost_sats),
	TOTAL(input_tokens),
	TOTAL(output_tokens),
	COALESCE(AVG(latency_ms), 0),
	COUNT(CASE WHEN success = 1 THEN 1 END),
	COUNT(CASE WHEN success = 0 THEN 1 END),
	COUNT(CASE WHEN streaming = 1 THEN 1 END)
	FROM requests WHERE `

// QueryAggregate computes totals/averages over a time range, optionally
// narrowed by model and/or provider.
func (s *Store) QueryAggregate(ctx context.Context, since, until string, model, provider *string) (AggregateRow, error) {
	f := filter{since: since, until: until, model: model, provider: provider}
	clause, args := f.whereClause()
	var row AggregateRow
	err := s.read.QueryRowContext(ctx, aggregateSelect+clause, args...).Scan(
		&row.TotalRequests, &row.TotalCostSats, &row.TotalInputTokens, &row.TotalOutputTokens,
		&row.AvgLatencyMs, &row.SuccessCount, &row.ErrorCount, &row.StreamingCount,
	)
	return row, err
}

// ModelRow is one group in the by-model breakdown.
type ModelRow struct {
	Model string
	AggregateRow
}

// QueryGroupedByModel breaks the aggregate down per model.
func (s *Store) QueryGroupedByModel(ctx context.Context, since, until string, provider *string) ([]ModelRow, error) {
	f := filter{since: since, until: until, provider: provider}
	clause, args := f.whereClause()
	query := strings.Replace(aggregateSelect, "SELECT", "SELECT model,", 1) + clause + " GROUP BY model"

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ModelRow
	for rows.Next() {
		var row ModelRow
		if err := rows.Scan(&row.Model, &row.TotalRequests, &row.TotalCostSats, &row.TotalInputTokens,
			&row.TotalOutputTokens, &row.AvgLatencyMs, &row.SuccessCount, &row.ErrorCount, &row.StreamingCount); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
