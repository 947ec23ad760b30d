package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"
)

// DefaultTable is the table that holds cached API responses
const DefaultTable = "api_cache"

// ErrInvalidTable is returned for table names that are not plain identifiers
var ErrInvalidTable = errors.New("store: invalid table name")

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Record is a row of the cache table
type Record struct {
	Payload   []byte
	ExpiresAt time.Time
}

// Store handles all PostgreSQL operations for the response cache
type Store struct {
	db *sql.DB
	q  queries
}

type queries struct {
	schema, get, upsert, delete, hardDelete, sample string
}

func buildQueries(table string) queries {
	t := pq.QuoteIdentifier(table)
	return queries{
		schema: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`, t),
		get: fmt.Sprintf(`SELECT payload, expires_at FROM %s WHERE key = $1`, t),
		// payload is bound as text: lib/pq would send []byte as bytea
		upsert: fmt.Sprintf(`INSERT INTO %s (key, payload, expires_at)
			VALUES ($1, $2::jsonb, $3)
			ON CONFLICT (key)
			DO UPDATE SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`, t),
		delete: fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, t),
		hardDelete: fmt.Sprintf(`DELETE FROM %s WHERE key IN (
			SELECT key FROM %s WHERE expires_at < $1 LIMIT $2
		)`, t, t),
		sample: fmt.Sprintf(`SELECT expires_at FROM %s ORDER BY random() LIMIT $1`, t),
	}
}

// ValidateTable reports whether table can be used as the cache table.
// An empty name selects DefaultTable.
func ValidateTable(table string) error {
	if table == "" {
		return nil
	}
	if !tableName.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return nil
}

// New creates a Store over an open database handle
func New(db *sql.DB, table string) (*Store, error) {
	if err := ValidateTable(table); err != nil {
		return nil, err
	}
	if table == "" {
		table = DefaultTable
	}
	return &Store{db: db, q: buildQueries(table)}, nil
}

// Connect prepares a lib/pq handle without dialing. Connections are made
// lazily, so a database that is down now can still serve later calls.
func Connect(dsn, table string) (*Store, error) {
	if err := ValidateTable(table); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return New(db, table)
}

// Open is Connect followed by a Ping
func Open(ctx context.Context, dsn, table string) (*Store, error) {
	s, err := Connect(dsn, table)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// EnsureSchema creates the cache table if it does not exist.
// Only the primary key index is needed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.schema); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// Get retrieves a row by key, expired or not; the caller decides liveness.
// Returns (record, true, nil) if found and (Record{}, false, nil) if not.
func (s *Store) Get(ctx context.Context, key string) (Record, bool, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx, s.q.get, key).Scan(&rec.Payload, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return rec, true, nil
}

// Upsert inserts or replaces the payload and expiration for key in one statement
func (s *Store) Upsert(ctx context.Context, key string, payload []byte, expiresAt time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.q.upsert, key, string(payload), expiresAt); err != nil {
		return fmt.Errorf("store: upsert %q: %w", key, err)
	}
	return nil
}

// Delete physically removes a key
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.q.delete, key); err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

// HardDeleteBatch removes up to limit rows that expired before now
// Returns the number of rows deleted
func (s *Store) HardDeleteBatch(ctx context.Context, now time.Time, limit int) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q.hardDelete, now, limit)
	if err != nil {
		return 0, fmt.Errorf("store: hard delete: %w", err)
	}
	return result.RowsAffected()
}

// SampleExpiredKeys samples up to sampleSize rows and counts the expired ones.
// Used for Redis-style probabilistic expiration.
func (s *Store) SampleExpiredKeys(ctx context.Context, now time.Time, sampleSize int) (total int, expired int, err error) {
	rows, err := s.db.QueryContext(ctx, s.q.sample, sampleSize)
	if err != nil {
		return 0, 0, fmt.Errorf("store: sample: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var expiresAt time.Time
		if err := rows.Scan(&expiresAt); err != nil {
			continue
		}
		total++
		if now.After(expiresAt) {
			expired++
		}
	}
	return total, expired, rows.Err()
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// IsSchemaMissing reports whether err came from a query against a missing table
func IsSchemaMissing(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P01"
}
