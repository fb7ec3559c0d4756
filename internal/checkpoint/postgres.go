package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS targets (
    url TEXT PRIMARY KEY CHECK (url <> ''),
    kind TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'pending',
    priority INT NOT NULL DEFAULT 0,
    attempts INT NOT NULL DEFAULT 0,
    account TEXT NOT NULL DEFAULT '',
    fakeid TEXT NOT NULL DEFAULT '',
    page INT NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    published_at TIMESTAMPTZ,
    discovered_from TEXT NOT NULL DEFAULT '',
    not_before TIMESTAMPTZ,
    seq BIGINT GENERATED ALWAYS AS IDENTITY
);

CREATE INDEX IF NOT EXISTS idx_targets_state ON targets(state);

CREATE TABLE IF NOT EXISTS records (
    fingerprint TEXT PRIMARY KEY CHECK (fingerprint <> ''),
    account TEXT NOT NULL,
    title TEXT NOT NULL,
    link TEXT NOT NULL UNIQUE,
    digest TEXT NOT NULL DEFAULT '',
    published_at TIMESTAMPTZ,
    content TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL DEFAULT '',
    collected_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_records_account ON records(account, published_at);
`

const (
	pgInsertTarget = `
INSERT INTO targets (url, kind, state, priority, attempts, account, fakeid, page,
    title, published_at, discovered_from, not_before)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (url) DO NOTHING`

	pgTransition = `
UPDATE targets SET state = $1, attempts = $2, not_before = $3 WHERE url = $4`

	pgInsertRecord = `
INSERT INTO records (fingerprint, account, title, link, digest, published_at,
    content, run_id, collected_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT DO NOTHING`

	pgSelectTargets = `
SELECT url, kind, state, priority, attempts, account, fakeid, page,
    title, published_at, discovered_from, not_before
FROM targets ORDER BY seq`

	pgSelectFingerprints = `SELECT fingerprint FROM records ORDER BY fingerprint`

	pgSelectRecords = `
SELECT fingerprint, account, title, link, digest, published_at,
    content, run_id, collected_at
FROM records WHERE ($1 = '' OR account = $1) ORDER BY published_at DESC`
)

// PostgresStoreConfig controls the connection pool behind a Postgres-backed
// checkpoint store.
type PostgresStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// PostgresStore keeps checkpoint state in Postgres, for deployments where the
// crawl runs next to an existing database.
type PostgresStore struct {
	pool txBeginner
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// NewPostgresStore connects to Postgres and initializes the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing). The schema is assumed to exist.
func NewPostgresStoreWithPool(pool txBeginner) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PostgresStore{pool: pool}, nil
}

// Commit applies the mutation in one transaction.
func (s *PostgresStore) Commit(ctx context.Context, m Mutation) error {
	if m.Empty() {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range m.NewTargets {
		state := t.State
		if state == "" {
			state = crawler.TargetPending
		}
		if _, err := tx.Exec(ctx, pgInsertTarget,
			t.URL, string(t.Kind), string(state), t.Priority, t.Attempts,
			t.Account, t.FakeID, t.Page, t.Title, nullTime(t.PublishedAt),
			t.DiscoveredFrom, nullTime(t.NotBefore),
		); err != nil {
			return fmt.Errorf("insert target %q: %w", t.URL, err)
		}
	}
	for _, tr := range m.Transitions {
		if _, err := tx.Exec(ctx, pgTransition,
			string(tr.State), tr.Attempts, nullTime(tr.NotBefore), tr.URL,
		); err != nil {
			return fmt.Errorf("transition target %q: %w", tr.URL, err)
		}
	}
	for _, r := range m.Records {
		if _, err := tx.Exec(ctx, pgInsertRecord,
			r.Fingerprint, r.Account, r.Title, r.Link, r.Digest,
			nullTime(r.PublishedAt), r.Content, r.RunID, nullTime(r.CollectedAt),
		); err != nil {
			return fmt.Errorf("insert record %q: %w", r.Link, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit mutation: %w", err)
	}
	return nil
}

// Load reads back the full target set and record fingerprints.
func (s *PostgresStore) Load(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	rows, err := s.pool.Query(ctx, pgSelectTargets)
	if err != nil {
		return snap, fmt.Errorf("load targets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t crawler.Target
		var kind, state string
		var published, notBefore *time.Time
		if err := rows.Scan(&t.URL, &kind, &state, &t.Priority, &t.Attempts,
			&t.Account, &t.FakeID, &t.Page, &t.Title, &published,
			&t.DiscoveredFrom, &notBefore); err != nil {
			return snap, fmt.Errorf("scan target: %w", err)
		}
		t.Kind = crawler.TargetKind(kind)
		t.State = crawler.TargetState(state)
		if t.State == crawler.TargetInFlight {
			t.State = crawler.TargetPending
		}
		t.PublishedAt = deref(published)
		t.NotBefore = deref(notBefore)
		snap.Targets = append(snap.Targets, t)
	}
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("load targets: %w", err)
	}
	rows.Close()

	fps, err := s.pool.Query(ctx, pgSelectFingerprints)
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
func (s *PostgresStore) StoredRecords(ctx context.Context, account string) ([]crawler.Record, error) {
	rows, err := s.pool.Query(ctx, pgSelectRecords, account)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer rows.Close()

	var out []crawler.Record
	for rows.Next() {
		var r crawler.Record
		var published, collected *time.Time
		if err := rows.Scan(&r.Fingerprint, &r.Account, &r.Title, &r.Link,
			&r.Digest, &published, &r.Content, &r.RunID, &collected); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.PublishedAt = deref(published)
		r.CollectedAt = deref(collected)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	return out, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
