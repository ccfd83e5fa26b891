package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLite is an embedded store for single-node deployments and the CLI.
type SQLite struct {
	db *sqlx.DB
}

type stateRow struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

// OpenSQLite opens (creating if needed) the database at dsn.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	_, err := s.db.Exec(`
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS reducer_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`)
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, key string) (any, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row, `SELECT key, value FROM reducer_state WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select reducer state: %w", err)
	}
	return decodeJSON([]byte(row.Value))
}

func (s *SQLite) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT key, value FROM reducer_state WHERE key IN (?)`, uniqueKeys(keys))
	if err != nil {
		return nil, fmt.Errorf("build reducer state query: %w", err)
	}
	var rows []stateRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select reducer states: %w", err)
	}
	for _, row := range rows {
		value, err := decodeJSON([]byte(row.Value))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", row.Key, err)
		}
		out[row.Key] = value
	}
	return out, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal reducer state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reducer_state (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, string(raw),
	)
	if err != nil {
		return fmt.Errorf("upsert reducer state: %w", err)
	}
	return nil
}
