package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxQuerier is the subset of pgxpool.Pool used by Postgres.
type PgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres reads reducer state from the reducer_state table. Values are
// stored as jsonb.
type Postgres struct {
	db PgxQuerier
}

// NewPostgres wires a store over a pgx pool or connection.
func NewPostgres(db PgxQuerier) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Get(ctx context.Context, key string) (any, error) {
	var raw []byte
	err := p.db.QueryRow(ctx, `SELECT value FROM reducer_state WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select reducer state: %w", err)
	}
	return decodeJSON(raw)
}

func (p *Postgres) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := p.db.Query(ctx, `SELECT key, value FROM reducer_state WHERE key = ANY($1)`, uniqueKeys(keys))
	if err != nil {
		return nil, fmt.Errorf("select reducer states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan reducer state: %w", err)
		}
		value, err := decodeJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reducer states: %w", err)
	}
	return out, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal reducer state: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO reducer_state (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, raw,
	)
	if err != nil {
		return fmt.Errorf("upsert reducer state: %w", err)
	}
	return nil
}

func decodeJSON(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}
