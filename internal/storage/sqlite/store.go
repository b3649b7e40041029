package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/polyglot-llm/inference-relay/internal/storage"
)

// Store is a SQLite implementation of storage.RelayLog.
type Store struct {
	db *sql.DB
}

var _ storage.RelayLog = (*Store)(nil)

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS relay_log (
			id TEXT PRIMARY KEY,
			request_id TEXT,
			endpoint TEXT NOT NULL,
			streaming INTEGER NOT NULL DEFAULT 0,
			status INTEGER NOT NULL,
			lines INTEGER NOT NULL DEFAULT 0,
			duration_ns INTEGER NOT NULL,
			error_message TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_log_created ON relay_log(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_log_endpoint ON relay_log(endpoint)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Record inserts rec, filling in ID and CreatedAt when unset.
func (s *Store) Record(ctx context.Context, rec *storage.RelayRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_log (id, request_id, endpoint, streaming, status, lines, duration_ns, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, rec.Endpoint, rec.Streaming, rec.Status, rec.Lines,
		rec.Duration.Nanoseconds(), rec.Error, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert relay record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*storage.RelayRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, endpoint, streaming, status, lines, duration_ns, error_message, created_at
		 FROM relay_log ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query relay log: %w", err)
	}
	defer rows.Close()

	var records []*storage.RelayRecord
	for rows.Next() {
		var (
			rec        storage.RelayRecord
			requestID  sql.NullString
			errMsg     sql.NullString
			durationNS int64
			createdNS  int64
		)
		if err := rows.Scan(&rec.ID, &requestID, &rec.Endpoint, &rec.Streaming, &rec.Status,
			&rec.Lines, &durationNS, &errMsg, &createdNS); err != nil {
			return nil, fmt.Errorf("failed to scan relay record: %w", err)
		}
		rec.RequestID = requestID.String
		rec.Error = errMsg.String
		rec.Duration = time.Duration(durationNS)
		rec.CreatedAt = time.Unix(0, createdNS)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
