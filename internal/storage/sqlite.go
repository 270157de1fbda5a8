// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage persists finished transaction traces, span events, and
// noticed errors to a local SQLite database, optionally encrypting the
// rendered payloads at rest.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	twerrors "github.com/tracewire/tracewire/pkg/errors"
	"github.com/tracewire/tracewire/pkg/txn"
)

// SQLiteStore provides SQLite-backed storage for traces, spans, and
// errors.
type SQLiteStore struct {
	db            *sql.DB
	encryptionKey *EncryptionKey
}

// Config contains SQLite storage configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int

	// EncryptionKey, when non-nil, encrypts stored payloads with
	// AES-256-GCM.
	EncryptionKey *EncryptionKey
}

// New creates a new SQLite storage backend.
func New(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, &twerrors.StorageError{
			Operation: "open",
			Cause:     fmt.Errorf("database path is required"),
		}
	}

	// WAL mode for concurrent readers while the sink writes.
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, &twerrors.StorageError{Operation: "open", Cause: err}
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &twerrors.StorageError{Operation: "connect", Cause: err}
	}

	store := &SQLiteStore{db: db, encryptionKey: cfg.EncryptionKey}

	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, &twerrors.StorageError{Operation: "migrate", Cause: err}
	}

	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		// Traces table holds one row per finished transaction. The
		// rendered node tree is stored as JSON in payload.
		`CREATE TABLE IF NOT EXISTS traces (
			txn_guid TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			total_time_ns INTEGER NOT NULL,
			async INTEGER NOT NULL DEFAULT 0,
			sampled INTEGER NOT NULL DEFAULT 0,
			priority REAL NOT NULL DEFAULT 0,
			payload TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_trace_id ON traces(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_start_time ON traces(start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_duration ON traces(duration_ns)`,

		// Spans table holds one row per span event.
		`CREATE TABLE IF NOT EXISTS spans (
			span_guid TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			txn_guid TEXT NOT NULL,
			parent_guid TEXT,
			name TEXT NOT NULL,
			category TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			entry_point INTEGER NOT NULL DEFAULT 0,
			priority REAL NOT NULL DEFAULT 0,
			params TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_txn_guid ON spans(txn_guid)`,
		`CREATE INDEX IF NOT EXISTS idx_spans_timestamp ON spans(timestamp)`,

		// Errors table holds noticed errors with their segment context.
		`CREATE TABLE IF NOT EXISTS errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			txn_guid TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			txn_name TEXT NOT NULL,
			segment_name TEXT,
			segment_guid TEXT,
			noticed_at INTEGER NOT NULL,
			message TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_errors_txn_guid ON errors(txn_guid)`,
		`CREATE INDEX IF NOT EXISTS idx_errors_noticed_at ON errors(noticed_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// StoreTrace persists a finished transaction trace.
func (s *SQLiteStore) StoreTrace(ctx context.Context, trace *txn.Trace) error {
	if trace == nil {
		return &twerrors.StorageError{
			Operation: "insert trace",
			Cause:     fmt.Errorf("trace is nil"),
		}
	}

	payload, err := json.Marshal(trace.Root)
	if err != nil {
		return &twerrors.StorageError{Operation: "marshal trace", Cause: err}
	}
	payload, err = s.encryptData(payload)
	if err != nil {
		return &twerrors.StorageError{Operation: "encrypt trace", Cause: err}
	}

	query := `
		INSERT INTO traces (txn_guid, trace_id, name, category, start_time,
			duration_ns, total_time_ns, async, sampled, priority, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(txn_guid) DO UPDATE SET
			duration_ns = excluded.duration_ns,
			total_time_ns = excluded.total_time_ns,
			async = excluded.async,
			sampled = excluded.sampled,
			priority = excluded.priority,
			payload = excluded.payload
	`

	_, err = s.db.ExecContext(ctx, query,
		trace.TransactionGUID, trace.TraceID, trace.Name, string(trace.Category),
		trace.StartTime.UnixNano(), int64(trace.Duration), int64(trace.TotalTime),
		boolToInt(trace.Async), boolToInt(trace.Sampled), trace.Priority,
		payload, time.Now().UnixNano(),
	)
	if err != nil {
		return &twerrors.StorageError{Operation: "insert trace", Cause: err}
	}
	return nil
}

// StoreSpans persists a batch of span events.
func (s *SQLiteStore) StoreSpans(ctx context.Context, spans []txn.SpanEvent) error {
	if len(spans) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &twerrors.StorageError{Operation: "begin span batch", Cause: err}
	}
	defer tx.Rollback()

	query := `
		INSERT INTO spans (span_guid, trace_id, txn_guid, parent_guid, name,
			category, timestamp, duration_ns, entry_point, priority, params, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(span_guid) DO NOTHING
	`

	now := time.Now().UnixNano()
	for _, span := range spans {
		params, err := json.Marshal(span.Params)
		if err != nil {
			return &twerrors.StorageError{Operation: "marshal span params", Cause: err}
		}
		params, err = s.encryptData(params)
		if err != nil {
			return &twerrors.StorageError{Operation: "encrypt span params", Cause: err}
		}

		var parent *string
		if span.ParentGUID != "" {
			parent = &span.ParentGUID
		}
		_, err = tx.ExecContext(ctx, query,
			span.GUID, span.TraceID, span.TransactionGUID, parent, span.Name,
			span.Category, span.Timestamp.UnixNano(), int64(span.Duration),
			boolToInt(span.EntryPoint), span.Priority, params, now,
		)
		if err != nil {
			return &twerrors.StorageError{Operation: "insert span", Cause: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &twerrors.StorageError{Operation: "commit span batch", Cause: err}
	}
	return nil
}

// StoreError persists a noticed error.
func (s *SQLiteStore) StoreError(ctx context.Context, e txn.NoticedError) error {
	message := ""
	if e.Err != nil {
		message = e.Err.Error()
	}

	query := `
		INSERT INTO errors (txn_guid, trace_id, txn_name, segment_name,
			segment_guid, noticed_at, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.TransactionGUID, e.TraceID, e.TransactionName, e.SegmentName,
		e.SegmentGUID, e.At.UnixNano(), message, time.Now().UnixNano(),
	)
	if err != nil {
		return &twerrors.StorageError{Operation: "insert error", Cause: err}
	}
	return nil
}

// TraceRecord is a stored trace summary plus its decoded node tree.
type TraceRecord struct {
	TransactionGUID string
	TraceID         string
	Name            string
	Category        string
	StartTime       time.Time
	Duration        time.Duration
	TotalTime       time.Duration
	Async           bool
	Sampled         bool
	Priority        float64
	Root            *txn.TraceNode
}

// TraceFilter contains filters for trace queries.
type TraceFilter struct {
	// TraceID restricts to one distributed trace.
	TraceID string

	// Since filters traces that started after this time.
	Since *time.Time

	// Until filters traces that started before this time.
	Until *time.Time

	// MinDuration filters out traces faster than this.
	MinDuration time.Duration

	// Limit limits the number of results.
	Limit int

	// Offset skips the first N results.
	Offset int
}

// ListTraces lists stored traces matching the filter, slowest start first.
func (s *SQLiteStore) ListTraces(ctx context.Context, filter TraceFilter) ([]*TraceRecord, error) {
	query := `SELECT txn_guid, trace_id, name, category, start_time, duration_ns,
		total_time_ns, async, sampled, priority, payload FROM traces WHERE 1=1`
	args := []any{}

	if filter.TraceID != "" {
		query += " AND trace_id = ?"
		args = append(args, filter.TraceID)
	}
	if filter.Since != nil {
		query += " AND start_time >= ?"
		args = append(args, filter.Since.UnixNano())
	}
	if filter.Until != nil {
		query += " AND start_time <= ?"
		args = append(args, filter.Until.UnixNano())
	}
	if filter.MinDuration > 0 {
		query += " AND duration_ns >= ?"
		args = append(args, int64(filter.MinDuration))
	}

	query += " ORDER BY start_time DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &twerrors.StorageError{Operation: "list traces", Cause: err}
	}
	defer rows.Close()

	var records []*TraceRecord
	for rows.Next() {
		rec, err := s.scanTrace(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetTrace retrieves a stored trace by its transaction guid.
func (s *SQLiteStore) GetTrace(ctx context.Context, txnGUID string) (*TraceRecord, error) {
	query := `SELECT txn_guid, trace_id, name, category, start_time, duration_ns,
		total_time_ns, async, sampled, priority, payload FROM traces WHERE txn_guid = ?`

	rows, err := s.db.QueryContext(ctx, query, txnGUID)
	if err != nil {
		return nil, &twerrors.StorageError{Operation: "get trace", Cause: err}
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, &twerrors.StorageError{
			Operation: "get trace",
			Cause:     fmt.Errorf("trace not found: %s", txnGUID),
		}
	}
	return s.scanTrace(rows)
}

func (s *SQLiteStore) scanTrace(rows *sql.Rows) (*TraceRecord, error) {
	var rec TraceRecord
	var startTime, durationNs, totalNs int64
	var async, sampled int
	var payload []byte

	err := rows.Scan(&rec.TransactionGUID, &rec.TraceID, &rec.Name, &rec.Category,
		&startTime, &durationNs, &totalNs, &async, &sampled, &rec.Priority, &payload)
	if err != nil {
		return nil, &twerrors.StorageError{Operation: "scan trace", Cause: err}
	}

	rec.StartTime = time.Unix(0, startTime)
	rec.Duration = time.Duration(durationNs)
	rec.TotalTime = time.Duration(totalNs)
	rec.Async = async != 0
	rec.Sampled = sampled != 0

	if len(payload) > 0 {
		decrypted, err := s.decryptData(payload)
		if err != nil {
			return nil, &twerrors.StorageError{Operation: "decrypt trace", Cause: err}
		}
		if err := json.Unmarshal(decrypted, &rec.Root); err != nil {
			return nil, &twerrors.StorageError{Operation: "unmarshal trace", Cause: err}
		}
	}
	return &rec, nil
}

// CountSpans reports how many span rows exist for a trace id.
func (s *SQLiteStore) CountSpans(ctx context.Context, traceID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM spans WHERE trace_id = ?", traceID,
	).Scan(&count)
	if err != nil {
		return 0, &twerrors.StorageError{Operation: "count spans", Cause: err}
	}
	return count, nil
}

// Prune deletes traces, spans, and errors older than the given time.
// Returns the number of traces deleted.
func (s *SQLiteStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixNano()

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM traces WHERE start_time < ?", cutoff)
	if err != nil {
		return 0, &twerrors.StorageError{Operation: "prune traces", Cause: err}
	}
	count, _ := result.RowsAffected()

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM spans WHERE timestamp < ?", cutoff); err != nil {
		return count, &twerrors.StorageError{Operation: "prune spans", Cause: err}
	}

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM errors WHERE noticed_at < ?", cutoff); err != nil {
		return count, &twerrors.StorageError{Operation: "prune errors", Cause: err}
	}

	return count, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
// This is exported for testing and advanced use cases.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// encryptData encrypts data if encryption is enabled.
func (s *SQLiteStore) encryptData(data []byte) ([]byte, error) {
	if s.encryptionKey == nil {
		return data, nil
	}

	encrypted, err := s.encryptionKey.Encrypt(data)
	if err != nil {
		return nil, err
	}
	return []byte(encrypted), nil
}

// decryptData decrypts data if encryption is enabled.
func (s *SQLiteStore) decryptData(data []byte) ([]byte, error) {
	if s.encryptionKey == nil || len(data) == 0 {
		return data, nil
	}
	return s.encryptionKey.Decrypt(string(data))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
