package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultTablePrefix = "trackgate"

// PostgresStore maps the Store contract onto three tables: scalar values,
// set members and scored members.
type PostgresStore struct {
	db     *sql.DB
	prefix string
}

// OpenPostgres opens a pgx-backed pool and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := NewPostgresStore(db, opts...)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, prefix: defaultTablePrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PostgresStore) kvTable() string     { return s.prefix + "_kv" }
func (s *PostgresStore) setTable() string    { return s.prefix + "_set_members" }
func (s *PostgresStore) sortedTable() string { return s.prefix + "_sorted_members" }

// EnsureSchema creates the backing tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, s.kvTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (key, member)
)`, s.setTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key TEXT NOT NULL,
	member TEXT NOT NULL,
	score BIGINT NOT NULL,
	PRIMARY KEY (key, member)
)`, s.sortedTable()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_key_score_idx ON %s (key, score, member)`,
			s.sortedTable(), s.sortedTable()),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify("ensure schema", err)
		}
	}
	return nil
}

// Ping implements Store.Ping.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Get implements Store.Get.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	defer observe("get", time.Now())
	if !validKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	var v []byte
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, s.kvTable()), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify("get", err)
	}
	return v, nil
}

// Set implements Store.Set.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	defer observe("set", time.Now())
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, s.kvTable()), key, value)
	if err != nil {
		return classify("set", err)
	}
	return nil
}

// SAdd implements Store.SAdd.
func (s *PostgresStore) SAdd(ctx context.Context, key string, members ...string) (int, error) {
	defer observe("sadd", time.Now())
	if !validKey(key) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if len(members) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("sadd", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (key, member) VALUES ($1, $2) ON CONFLICT DO NOTHING`, s.setTable()))
	if err != nil {
		_ = tx.Rollback()
		return 0, classify("sadd", err)
	}
	defer stmt.Close()

	added := 0
	for _, m := range members {
		res, err := stmt.ExecContext(ctx, key, m)
		if err != nil {
			_ = tx.Rollback()
			return 0, classify("sadd", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, classify("sadd", err)
	}
	return added, nil
}

// SMembers implements Store.SMembers.
func (s *PostgresStore) SMembers(ctx context.Context, key string) ([]string, error) {
	defer observe("smembers", time.Now())
	if !validKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT member FROM %s WHERE key = $1 ORDER BY member`, s.setTable()), key)
	if err != nil {
		return nil, classify("smembers", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, classify("smembers", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("smembers", err)
	}
	return out, nil
}

// ZAdd implements Store.ZAdd.
func (s *PostgresStore) ZAdd(ctx context.Context, key string, score int64, member string) error {
	defer observe("zadd", time.Now())
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (key, member, score) VALUES ($1, $2, $3)
ON CONFLICT (key, member) DO UPDATE SET score = EXCLUDED.score`, s.sortedTable()), key, member, score)
	if err != nil {
		return classify("zadd", err)
	}
	return nil
}

// ZRangeByScore implements Store.ZRangeByScore.
func (s *PostgresStore) ZRangeByScore(ctx context.Context, key string, min, max int64) ([]Member, error) {
	defer observe("zrange", time.Now())
	if !validKey(key) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT score, member FROM %s
WHERE key = $1 AND score BETWEEN $2 AND $3
ORDER BY score, member`, s.sortedTable()), key, min, max)
	if err != nil {
		return nil, classify("zrange", err)
	}
	defer rows.Close()

	out := []Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.Score, &m.Value); err != nil {
			return nil, classify("zrange", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("zrange", err)
	}
	return out, nil
}

// ZRemRangeByScore implements Store.ZRemRangeByScore.
func (s *PostgresStore) ZRemRangeByScore(ctx context.Context, key string, min, max int64) (int, error) {
	defer observe("zremrange", time.Now())
	if !validKey(key) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE key = $1 AND score BETWEEN $2 AND $3`, s.sortedTable()), key, min, max)
	if err != nil {
		return 0, classify("zremrange", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// classify marks connectivity failures with ErrUnavailable so callers can
// tell an outage from a bad statement.
func classify(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("postgres %s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("postgres %s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08: connection exception, 57P: operator intervention
		return len(pgErr.Code) >= 3 && (pgErr.Code[:2] == "08" || pgErr.Code[:3] == "57P")
	}
	return pgconn.Timeout(err)
}

var _ Store = (*PostgresStore)(nil)
