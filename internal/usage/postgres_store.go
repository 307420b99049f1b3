package usage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Row is one persisted (day, provider) bucket.
type Row struct {
	Day      string
	Provider string
	Counters
}

// Store persists daily counters. Add must be additive so concurrent relays
// sharing a database do not lose updates.
type Store interface {
	Add(ctx context.Context, day, providerName string, delta Counters) error
	Load(ctx context.Context, sinceDay string) ([]Row, error)
	Prune(ctx context.Context, beforeDay string) error
}

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
	CREATE TABLE IF NOT EXISTS usage_daily (
		day           TEXT NOT NULL,
		provider      TEXT NOT NULL,
		requests      BIGINT NOT NULL DEFAULT 0,
		errors        BIGINT NOT NULL DEFAULT 0,
		cancelled     BIGINT NOT NULL DEFAULT 0,
		input_tokens  BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens  BIGINT NOT NULL DEFAULT 0,
		cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (day, provider)
	)
`

// Migrate creates the usage table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create usage table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, day, providerName string, delta Counters) error {
	query := `
		INSERT INTO usage_daily (day, provider, requests, errors, cancelled, input_tokens, output_tokens, total_tokens, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (day, provider) DO UPDATE SET
			requests      = usage_daily.requests + EXCLUDED.requests,
			errors        = usage_daily.errors + EXCLUDED.errors,
			cancelled     = usage_daily.cancelled + EXCLUDED.cancelled,
			input_tokens  = usage_daily.input_tokens + EXCLUDED.input_tokens,
			output_tokens = usage_daily.output_tokens + EXCLUDED.output_tokens,
			total_tokens  = usage_daily.total_tokens + EXCLUDED.total_tokens,
			cost_usd      = usage_daily.cost_usd + EXCLUDED.cost_usd
	`
	_, err := s.db.Exec(ctx, query,
		day, providerName, delta.Requests, delta.Errors, delta.Cancelled,
		delta.InputTokens, delta.OutputTokens, delta.TotalTokens, delta.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, sinceDay string) ([]Row, error) {
	query := `
		SELECT day, provider, requests, errors, cancelled, input_tokens, output_tokens, total_tokens, cost_usd
		FROM usage_daily
		WHERE day >= $1
		ORDER BY day, provider
	`
	rows, err := s.db.Query(ctx, query, sinceDay)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		err := rows.Scan(
			&r.Day, &r.Provider, &r.Requests, &r.Errors, &r.Cancelled,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.CostUSD,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage rows: %w", err)
	}

	return out, nil
}

func (s *PostgresStore) Prune(ctx context.Context, beforeDay string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM usage_daily WHERE day < $1`, beforeDay); err != nil {
		return fmt.Errorf("failed to prune usage: %w", err)
	}
	return nil
}
