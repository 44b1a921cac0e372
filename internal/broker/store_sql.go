package broker

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Timestamps are stored as Unix milliseconds so the same statements work
// on both backends.
const schema = `
CREATE TABLE IF NOT EXISTS registrations (
	username      TEXT PRIMARY KEY,
	install_id    TEXT NOT NULL,
	first_seen_at BIGINT NOT NULL,
	last_seen_at  BIGINT NOT NULL
)`

// SQLStore is the database/sql registration store. It runs on SQLite
// (default, one file under the broker data directory) or PostgreSQL
// (when databaseUrl is configured).
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// OpenStore picks the backend: Postgres when databaseURL is set,
// otherwise SQLite under dataDir.
func OpenStore(databaseURL, dataDir string) (*SQLStore, error) {
	if databaseURL != "" {
		return OpenPostgres(databaseURL)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenSQLite(filepath.Join(dataDir, "registrations.db"))
}

func OpenSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func OpenPostgres(url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &SQLStore{db: db, postgres: true}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create registrations table: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $1..$n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Get(ctx context.Context, username string) (*Registration, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT username, install_id, first_seen_at, last_seen_at
		 FROM registrations WHERE username = ?`), username)

	var reg Registration
	var first, last int64
	err := row.Scan(&reg.Username, &reg.InstallID, &first, &last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query registration: %w", err)
	}
	reg.FirstSeenAt = time.UnixMilli(first)
	reg.LastSeenAt = time.UnixMilli(last)
	return &reg, nil
}

func (s *SQLStore) Upsert(ctx context.Context, reg *Registration) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO registrations (username, install_id, first_seen_at, last_seen_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (username) DO UPDATE SET
			install_id = excluded.install_id,
			last_seen_at = excluded.last_seen_at`),
		reg.Username, reg.InstallID,
		reg.FirstSeenAt.UnixMilli(), reg.LastSeenAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert registration: %w", err)
	}
	return nil
}

func (s *SQLStore) StaleBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT username FROM registrations WHERE last_seen_at < ?`),
		cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query stale registrations: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan stale registration: %w", err)
		}
		stale = append(stale, name)
	}
	return stale, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM registrations WHERE username = ?`), username)
	if err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	return nil
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count registrations: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
