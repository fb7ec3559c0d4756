package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS targets (
    url TEXT PRIMARY KEY CHECK (url <> ''),
    kind TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'pending',
    priority INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    account TEXT NOT NULL DEFAULT '',
    fakeid TEXT NOT NULL DEFAULT '',
    page INTEGER NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    published_at INTEGER NOT NULL DEFAULT 0,
    discovered_from TEXT NOT NULL DEFAULT '',
    not_before INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_targets_state ON targets(state);

CREATE TABLE IF NOT EXISTS records (
    fingerprint TEXT PRIMARY KEY CHECK (fingerprint <> ''),
    account TEXT NOT NULL,
    title TEXT NOT NULL,
    link TEXT NOT NULL UNIQUE,
    digest TEXT NOT NULL DEFAULT '',
    published_at INTEGER NOT NULL DEFAULT 0,
    content TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL DEFAULT '',
    collected_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_records_account ON records(account, published_at);
`

const (
	sqliteInsertTarget = `
INSERT INTO targets (url, kind, state, priority, attempts, account, fakeid, page,
    title, published_at, discovered_from, not_before)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(url) DO NOTHING`

	sqliteTransition = `
UPDATE targets SET state = ?, attempts = ?, not_before = ? WHERE url = ?`

	sqliteInsertRecord = `
INSERT INTO records (fingerprint, account, title, link, digest, published_at,
    content, run_id, collected_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`

	sqliteSelectTargets = `
SELECT url, kind, state, priority, attempts, account, fakeid, page,
    title, published_at, discovered_from, not_before
FROM targets ORDER BY rowid`

	sqliteSelectRecords = `
SELECT fingerprint, account, title, link, digest, published_at,
    content, run_id, collected_at
FROM records WHERE (? = '' OR account = ?) ORDER BY published_at DESC`
)

// SQLiteStore is the default checkpoint backend: one database file per crawl.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the checkpoint database at path and
// initializes the schema. The connection pool is capped at one so commits
// serialize at the driver level.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure checkpoint database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Commit applies the mutation in one transaction.
func (s *SQLiteStore) Commit(ctx context.Context, m Mutation) error {
	if m.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	for _, t := range m.NewTargets {
		state := t.State
		if state == "" {
			state = crawler.TargetPending
		}
		if _, err := tx.ExecContext(ctx, sqliteInsertTarget,
			t.URL, string(t.Kind), string(state), t.Priority, t.Attempts,
			t.Account, t.FakeID, t.Page, t.Title, epoch(t.PublishedAt),
			t.DiscoveredFrom, epoch(t.NotBefore),
		); err != nil {
			return fmt.Errorf("insert target %q: %w", t.URL, err)
		}
	}
	for _, tr := range m.Transitions {
		if _, err := tx.ExecContext(ctx, sqliteTransition,
			string(tr.State), tr.Attempts, epoch(tr.NotBefore), tr.URL,
		); err != nil {
			return fmt.Errorf("transition target %q: %w", tr.URL, err)
		}
	}
	for _, r := range m.Records {
		if _, err := tx.ExecContext(ctx, sqliteInsertRecord,
			r.Fingerprint, r.Account, r.Title, r.Link, r.Digest,
			epoch(r.PublishedAt), r.Content, r.RunID, epoch(r.CollectedAt),
		); err != nil {
			return fmt.Errorf("insert record %q: %w", r.Link, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mutation: %w", err)
	}
	return nil
}

// Load reads back the full target set and record fingerprints. Targets left
// in flight by a crashed run come back as pending.
func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	// The pool is capped at one connection, so the targets cursor must be
	// fully drained and closed before the fingerprint query runs.
	rows, err := s.db.QueryContext(ctx, sqliteSelectTargets)
	if err != nil {
		return snap, fmt.Errorf("load targets: %w", err)
	}
	for rows.Next() {
		var t crawler.Target
		var kind, state string
		var published, notBefore int64
		if err := rows.Scan(&t.URL, &kind, &state, &t.Priority, &t.Attempts,
			&t.Account, &t.FakeID, &t.Page, &t.Title, &published,
			&t.DiscoveredFrom, &notBefore); err != nil {
			rows.Close()
			return snap, fmt.Errorf("scan target: %w", err)
		}
		t.Kind = crawler.TargetKind(kind)
		t.State = crawler.TargetState(state)
		if t.State == crawler.TargetInFlight {
			t.State = crawler.TargetPending
		}
		t.PublishedAt = fromEpoch(published)
		t.NotBefore = fromEpoch(notBefore)
		snap.Targets = append(snap.Targets, t)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return snap, fmt.Errorf("load targets: %w", err)
	}

	fps, err := s.db.QueryContext(ctx, `SELECT fingerprint FROM records ORDER BY fingerprint`)
	if err != nil {
		return snap, fmt.Errorf("load fingerprints: %w", err)
	}
	defer fps.Close()
	for fps.Next() {
		var fp string
		if err := fps.Scan(&fp); err != nil {
			return snap, fmt.Errorf("scan fingerprint: %w", err)
		}
		snap.Fingerprints = append(snap.Fingerprints, fp)
	}
	if err := fps.Err(); err != nil {
		return snap, fmt.Errorf("load fingerprints: %w", err)
	}
	snap.Records = len(snap.Fingerprints)
	return snap, nil
}

// StoredRecords returns persisted records for the account, newest first.
func (s *SQLiteStore) StoredRecords(ctx context.Context, account string) ([]crawler.Record, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectRecords, account, account)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()

	var out []crawler.Record
	for rows.Next() {
		var r crawler.Record
		var published, collected int64
		if err := rows.Scan(&r.Fingerprint, &r.Account, &r.Title, &r.Link,
			&r.Digest, &published, &r.Content, &r.RunID, &collected); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.PublishedAt = fromEpoch(published)
		r.CollectedAt = fromEpoch(collected)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func epoch(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromEpoch(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
