package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// sqlStore backs TreeStore with database/sql. SQLite and Postgres share
// the schema and all queries; only placeholder syntax differs.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS tree_snapshots (
	root_id    TEXT PRIMARY KEY,
	snapshot   TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// NewSQLite opens (or creates) a SQLite-backed tree store. WAL mode and
// a busy timeout keep concurrent snapshot writes from tripping over each
// other.
func NewSQLite(path string) (TreeStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &sqlStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres opens a Postgres-backed tree store.
func NewPostgres(dsn string) (TreeStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &sqlStore{db: db, postgres: true}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqlStore) migrate() error {
	if _, err := s.db.Exec(snapshotSchema); err != nil {
		return fmt.Errorf("failed to migrate tree_snapshots: %w", err)
	}
	return nil
}

// rebind converts ?-placeholders to $N for postgres.
func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

func (s *sqlStore) Save(ctx context.Context, rootID string, snapshot []byte) error {
	query := `
		INSERT INTO tree_snapshots (root_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (root_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, s.rebind(query), rootID, string(snapshot), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save tree %s: %w", rootID, err)
	}
	return nil
}

func (s *sqlStore) Load(ctx context.Context, rootID string) ([]byte, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT snapshot FROM tree_snapshots WHERE root_id = ?`), rootID,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tree %s: %w", rootID, err)
	}
	return []byte(snapshot), nil
}

func (s *sqlStore) LoadAll(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT root_id, snapshot FROM tree_snapshots`)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var rootID, snapshot string
		if err := rows.Scan(&rootID, &snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		out[rootID] = []byte(snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}
	return out, nil
}

func (s *sqlStore) Delete(ctx context.Context, rootID string) error {
	if _, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM tree_snapshots WHERE root_id = ?`), rootID,
	); err != nil {
		return fmt.Errorf("failed to delete tree %s: %w", rootID, err)
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }
