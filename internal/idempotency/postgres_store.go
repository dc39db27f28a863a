package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps replayable responses in Postgres, keyed by the
// caller-scoped key from ScopedKey. Expired rows are invisible to Get and are
// overwritten on the next Save for the same key.
type PostgresStore struct {
	pool  *pgxpool.Pool
	nowFn func() time.Time
}

const replaySchema = `
CREATE TABLE IF NOT EXISTS request_replays (
    scoped_key   TEXT PRIMARY KEY,
    request_hash TEXT NOT NULL,
    status_code  INT NOT NULL,
    response     BYTEA NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS request_replays_expires_idx ON request_replays (expires_at);
`

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("idempotency: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("idempotency: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, replaySchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("idempotency: migrate: %w", err)
	}
	return &PostgresStore{pool: pool, nowFn: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, `
SELECT request_hash, status_code, response, created_at, expires_at
FROM request_replays
WHERE scoped_key = $1 AND expires_at > $2`, key, p.nowFn().UTC()).
		Scan(&rec.RequestHash, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get %s: %w", key, err)
	}
	return &rec, nil
}

// Save stores record unless a live record already holds key; the first
// response for a key wins until it expires.
func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO request_replays (scoped_key, request_hash, status_code, response, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (scoped_key) DO UPDATE
SET request_hash = EXCLUDED.request_hash,
    status_code  = EXCLUDED.status_code,
    response     = EXCLUDED.response,
    created_at   = EXCLUDED.created_at,
    expires_at   = EXCLUDED.expires_at
WHERE request_replays.expires_at <= EXCLUDED.created_at`,
		key, record.RequestHash, record.StatusCode, record.Response, record.CreatedAt.UTC(), record.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("idempotency: save %s: %w", key, err)
	}
	return nil
}

// Purge deletes rows that expired before cutoff and reports how many went.
func (p *PostgresStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM request_replays WHERE expires_at <= $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("idempotency: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
