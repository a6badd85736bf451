// Package store persists remap logs in SQLite.
//
// SQLite in WAL mode serves as the shared medium: every process that
// mints bindings for a shard opens the same database file. Writers
// linearize through the shard row's upper, which is checked and advanced
// inside an immediate transaction. That is the compare-and-append
// primitive reclock is built on.
//
// A database holds any number of shards. Each shard is one remap
// collection: a sequence of batches, each carrying its bindings and the
// upper it advanced the shard to.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// ErrShardNotFound is returned when no shard matches a name or ID.
var ErrShardNotFound = errors.New("shard not found")

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db *sql.DB
}

// ShardInfo describes a shard without decoding its timestamps.
type ShardInfo struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Upper            json.RawMessage `json:"upper"`
	Since            json.RawMessage `json:"since"`
	Seqno            int64           `json:"seqno"`
	CompactedThrough int64           `json:"compacted_through"`
	CreatedAt        time.Time       `json:"created_at"`
}

// New opens (or creates) the SQLite database and initializes the schema.
// Transactions take the write lock when they begin, so a
// compare-and-append never has to upgrade a read lock.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// retryOnContention wraps retryOp from retry.go with the default config.
// All store write operations should use this to handle transient SQLite
// errors (BUSY, LOCKED, IOERR_SHORT_READ) under concurrent access.
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS shards (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL UNIQUE,
		upper             TEXT,
		since             TEXT,
		seqno             INTEGER NOT NULL DEFAULT 0,
		compacted_through INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS batches (
		shard_id   TEXT NOT NULL REFERENCES shards(id),
		seqno      INTEGER NOT NULL,
		upper      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (shard_id, seqno)
	);

	CREATE TABLE IF NOT EXISTS bindings (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		shard_id TEXT NOT NULL REFERENCES shards(id),
		seqno    INTEGER NOT NULL,
		from_ts  TEXT NOT NULL,
		into_ts  TEXT NOT NULL,
		diff     INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bindings_shard_seqno ON bindings(shard_id, seqno);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Shards
// ---------------------------------------------------------------------------

// CreateShard registers a shard under name. Idempotent: an existing shard
// with the same name is returned unchanged. A new shard starts with a NULL
// upper and since, read back as the minimum of the shard's IntoTime.
func (s *Store) CreateShard(name string) (*ShardInfo, error) {
	if name == "" {
		return nil, errors.New("shard name must not be empty")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err := retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO shards (id, name, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(name) DO NOTHING`,
			uuid.NewString(), name, now,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetShard(name)
}

// GetShard retrieves a shard by name or ID.
func (s *Store) GetShard(nameOrID string) (*ShardInfo, error) {
	row := s.db.QueryRow(
		`SELECT id, name, upper, since, seqno, compacted_through, created_at
		 FROM shards WHERE name = ? OR id = ?`, nameOrID, nameOrID,
	)
	info, err := scanShard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrShardNotFound, nameOrID)
	}
	return info, err
}

// ListShards returns all shards ordered by name.
func (s *Store) ListShards() ([]ShardInfo, error) {
	rows, err := s.db.Query(
		`SELECT id, name, upper, since, seqno, compacted_through, created_at
		 FROM shards ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shards []ShardInfo
	for rows.Next() {
		info, err := scanShard(rows)
		if err != nil {
			return nil, err
		}
		shards = append(shards, *info)
	}
	return shards, rows.Err()
}

// CountBindings returns the number of stored binding rows in a shard.
func (s *Store) CountBindings(shardID string) int64 {
	var count int64
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM bindings WHERE shard_id = ?`, shardID,
	).Scan(&count); err != nil {
		return 0
	}
	return count
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShard(row rowScanner) (*ShardInfo, error) {
	var info ShardInfo
	var upper, since sql.NullString
	var createdStr string
	if err := row.Scan(&info.ID, &info.Name, &upper, &since, &info.Seqno,
		&info.CompactedThrough, &createdStr); err != nil {
		return nil, err
	}
	if upper.Valid {
		info.Upper = json.RawMessage(upper.String)
	}
	if since.Valid {
		info.Since = json.RawMessage(since.String)
	}
	var parseErr error
	info.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdStr)
	if parseErr != nil {
		return nil, fmt.Errorf("parse created_at for shard %s: %w", info.Name, parseErr)
	}
	return &info, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
