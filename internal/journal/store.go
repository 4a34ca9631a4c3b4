package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mchelnokov/dekeybounce/internal/debounce"
)

// Schema for the bounce journal. Only per-key counts are stored, never
// event sequences.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id               TEXT PRIMARY KEY,
    started_at       INTEGER NOT NULL,
    ended_at         INTEGER,
    min_interval_ms  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS key_bounces (
    run_id              TEXT NOT NULL REFERENCES runs(id),
    key_code            INTEGER NOT NULL,
    swallowed_presses   INTEGER NOT NULL DEFAULT 0,
    swallowed_releases  INTEGER NOT NULL DEFAULT 0,
    last_seen           INTEGER NOT NULL,
    PRIMARY KEY (run_id, key_code)
);

CREATE INDEX IF NOT EXISTS idx_key_bounces_key ON key_bounces(key_code);
`

type store struct {
	db *sql.DB
}

// openStore opens or creates the database at path.
func openStore(path string) (*store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &store{db: db}, nil
}

// openStoreReadOnly opens an existing database without creating or
// migrating it.
func openStoreReadOnly(path string) (*store, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoJournal, path)
		}
		return nil, fmt.Errorf("stat journal: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *store) insertRun(id string, startedAt time.Time, minInterval time.Duration) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, min_interval_ms) VALUES (?, ?, ?)`,
		id, startedAt.UnixNano(), minInterval.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *store) endRun(id string, endedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE runs SET ended_at = ? WHERE id = ?`, endedAt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

// addBounces adds deltas to the run's per-key counters in one transaction.
func (s *store) addBounces(runID string, deltas map[debounce.KeyID]*counts) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO key_bounces (run_id, key_code, swallowed_presses, swallowed_releases, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (run_id, key_code) DO UPDATE SET
		    swallowed_presses  = swallowed_presses + excluded.swallowed_presses,
		    swallowed_releases = swallowed_releases + excluded.swallowed_releases,
		    last_seen          = MAX(last_seen, excluded.last_seen)`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for key, c := range deltas {
		if _, err := stmt.Exec(runID, int64(key), c.presses, c.releases, c.lastSeen.UnixNano()); err != nil {
			return fmt.Errorf("upsert key %d: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// keyTotals sums every run, most bounces first.
func (s *store) keyTotals() ([]KeyTotal, error) {
	rows, err := s.db.Query(`
		SELECT key_code,
		       SUM(swallowed_presses),
		       SUM(swallowed_releases),
		       MAX(last_seen)
		FROM key_bounces
		GROUP BY key_code
		ORDER BY SUM(swallowed_presses) + SUM(swallowed_releases) DESC, key_code ASC`)
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	defer rows.Close()

	var totals []KeyTotal
	for rows.Next() {
		var (
			key      int64
			kt       KeyTotal
			lastSeen int64
		)
		if err := rows.Scan(&key, &kt.SwallowedPresses, &kt.SwallowedReleases, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan total: %w", err)
		}
		kt.Key = debounce.KeyID(key)
		kt.LastSeen = time.Unix(0, lastSeen)
		totals = append(totals, kt)
	}
	return totals, rows.Err()
}

// runs lists runs, newest first.
func (s *store) runs() ([]Run, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, ended_at, min_interval_ms
		FROM runs
		ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r         Run
			startedAt int64
			endedAt   sql.NullInt64
			minMs     int64
		)
		if err := rows.Scan(&r.ID, &startedAt, &endedAt, &minMs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, startedAt)
		if endedAt.Valid {
			r.EndedAt = time.Unix(0, endedAt.Int64)
		}
		r.MinInterval = time.Duration(minMs) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
