package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/huandu/go-sqlbuilder"
	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is the single-node store used for local runs and tests
type SQLiteStore struct {
	*sqlQueries
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{
		sqlQueries: &sqlQueries{db: sqliteExecutor{db}, flavor: sqlbuilder.SQLite},
		db:         db,
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn in an immediate transaction, which takes the database
// write lock up front so concurrent merges serialize instead of deadlocking.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlQueries{db: sqliteExecutor{tx}, flavor: sqlbuilder.SQLite}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		price REAL,
		currency TEXT NOT NULL DEFAULT 'ILS',
		lat REAL,
		lng REAL,
		address TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		neighborhood TEXT NOT NULL DEFAULT '',
		phone_original TEXT NOT NULL DEFAULT '',
		phone_normalized TEXT NOT NULL DEFAULT '',
		source_platform TEXT NOT NULL,
		source_id TEXT NOT NULL,
		source_url TEXT NOT NULL DEFAULT '',
		source_url_key TEXT NOT NULL DEFAULT '',
		duplicate_status TEXT NOT NULL DEFAULT 'unique'
			CHECK (duplicate_status IN ('unique', 'master', 'duplicate', 'review')),
		master_record_id TEXT REFERENCES records(id),
		duplicate_score REAL,
		first_seen_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL,
		deleted_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		CHECK (last_seen_at >= first_seen_at),
		CHECK ((duplicate_status = 'duplicate') = (master_record_id IS NOT NULL))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS records_source_active_idx
		ON records(source_platform, source_id) WHERE deleted_at IS NULL;
	CREATE INDEX IF NOT EXISTS records_source_url_key_idx ON records(source_url_key);
	CREATE INDEX IF NOT EXISTS records_last_seen_idx ON records(last_seen_at);
	CREATE INDEX IF NOT EXISTS records_created_idx ON records(created_at, id);
	CREATE INDEX IF NOT EXISTS records_master_idx ON records(master_record_id);

	CREATE TABLE IF NOT EXISTS record_images (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		phash TEXT NOT NULL DEFAULT '',
		dhash TEXT NOT NULL DEFAULT '',
		ahash TEXT NOT NULL DEFAULT '',
		image_order INTEGER NOT NULL DEFAULT 0,
		is_primary BOOLEAN NOT NULL DEFAULT FALSE,
		storage_key TEXT,
		hash_attempts INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		CHECK ((phash = '') = (dhash = '') AND (phash = '') = (ahash = ''))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS record_images_url_idx ON record_images(record_id, url);

	CREATE TABLE IF NOT EXISTS duplicate_reviews (
		id TEXT PRIMARY KEY,
		candidate BLOB NOT NULL,
		candidate_source_platform TEXT NOT NULL,
		candidate_source_id TEXT NOT NULL,
		subject_record_id TEXT REFERENCES records(id),
		matched_record_id TEXT NOT NULL REFERENCES records(id),
		score REAL NOT NULL,
		score_breakdown BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'approved', 'rejected')),
		reviewed_by TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		reviewed_at DATETIME
	);

	CREATE UNIQUE INDEX IF NOT EXISTS duplicate_reviews_pending_idx
		ON duplicate_reviews(matched_record_id, candidate_source_platform, candidate_source_id)
		WHERE status = 'pending';

	CREATE TABLE IF NOT EXISTS merge_history (
		id TEXT PRIMARY KEY,
		master_record_id TEXT NOT NULL REFERENCES records(id),
		absorbed_record_id TEXT REFERENCES records(id),
		absorbed_source_platform TEXT NOT NULL DEFAULT '',
		absorbed_source_id TEXT NOT NULL DEFAULT '',
		merged_fields BLOB NOT NULL,
		previous_values BLOB NOT NULL,
		reason TEXT NOT NULL,
		merged_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS merge_history_master_idx ON merge_history(master_record_id, merged_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteExecutor struct {
	q sqlQuerier
}

func (e sqliteExecutor) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := e.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (e sqliteExecutor) QueryRow(ctx context.Context, query string, args ...any) rowScanner {
	return e.q.QueryRowContext(ctx, query, args...)
}

func (e sqliteExecutor) Query(ctx context.Context, query string, args ...any) (rowIterator, error) {
	rows, err := e.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{rows}, nil
}

func (e sqliteExecutor) IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// sqlRows adapts *sql.Rows to rowIterator
type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() {
	r.Rows.Close()
}
