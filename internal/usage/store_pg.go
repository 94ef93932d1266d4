package usage

import (
	"context"
	"database/sql"
	"errors"
)

type pgStore struct {
	DB *sql.DB
}

// NewPGStore constructs a Postgres-backed usage store over usage_counters.
func NewPGStore(db *sql.DB) *pgStore {
	return &pgStore{DB: db}
}

func (s *pgStore) Get(ctx context.Context, ownerID, period string, limit int) (Usage, error) {
	var used int
	err := s.DB.QueryRowContext(ctx, `
SELECT used FROM usage_counters WHERE owner_id = $1 AND period = $2`, ownerID, period).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		used = 0
	} else if err != nil {
		return Usage{}, err
	}
	return Usage{OwnerID: ownerID, Period: period, Used: used, Limit: limit, ResetsAt: resetsAt(period)}, nil
}

// Consume relies on the (owner_id, period) primary key: the upsert's WHERE
// clause rejects increments past max_allowed, so concurrent submissions
// cannot overshoot the allowance.
func (s *pgStore) Consume(ctx context.Context, ownerID, period string, n, limit int) (Usage, error) {
	if n > limit {
		return Usage{}, ErrLimitReached
	}
	var used int
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO usage_counters (owner_id, period, used, max_allowed)
VALUES ($1, $2, $3, $4)
ON CONFLICT (owner_id, period) DO UPDATE
SET used = usage_counters.used + EXCLUDED.used, updated_at = now()
WHERE usage_counters.used + EXCLUDED.used <= usage_counters.max_allowed
RETURNING used`, ownerID, period, n, limit).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return Usage{}, ErrLimitReached
	}
	if err != nil {
		return Usage{}, err
	}
	return Usage{OwnerID: ownerID, Period: period, Used: used, Limit: limit, ResetsAt: resetsAt(period)}, nil
}

func (s *pgStore) Reset(ctx context.Context, ownerID, period string, limit int) (Usage, error) {
	if _, err := s.DB.ExecContext(ctx, `
UPDATE usage_counters SET used = 0, updated_at = now()
WHERE owner_id = $1 AND period = $2`, ownerID, period); err != nil {
		return Usage{}, err
	}
	return Usage{OwnerID: ownerID, Period: period, Used: 0, Limit: limit, ResetsAt: resetsAt(period)}, nil
}
