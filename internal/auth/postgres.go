package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the api_keys table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS api_keys (
    credential  TEXT PRIMARY KEY,
    id          TEXT NOT NULL,
    name        TEXT NOT NULL DEFAULT '',
    kind        TEXT NOT NULL DEFAULT 'gateway',
    provider    TEXT NOT NULL DEFAULT '',
    enabled     BOOLEAN NOT NULL DEFAULT TRUE,
    rpm         INT NOT NULL DEFAULT 0,
    quota       JSONB NOT NULL DEFAULT '{}',
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_api_keys_kind ON api_keys(kind);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [KeyStore] backed by PostgreSQL, for deployments where
// keys must survive process restarts.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ KeyStore = (*PostgresStore)(nil)

// NewPostgresStore creates a store using the given connection or pool. The
// caller is responsible for calling [PostgresStore.Migrate] before issuing
// queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the api_keys table if it does
// not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("auth: migrate: %w", err)
	}
	return nil
}

// Resolve implements [KeyStore].
func (s *PostgresStore) Resolve(ctx context.Context, credential string) (*KeyInfo, error) {
	const query = `
		SELECT id, name, kind, provider, enabled, rpm, quota, metadata, created_at
		FROM api_keys WHERE credential = $1`

	info := &KeyInfo{}
	var kind string
	var quotaJSON, metaJSON []byte
	err := s.db.QueryRow(ctx, query, credential).Scan(
		&info.ID, &info.Name, &kind, &info.Provider, &info.Enabled,
		&info.RPM, &quotaJSON, &metaJSON, &info.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownKey
	}
	if err != nil {
		return nil, fmt.Errorf("auth: resolve: %w", err)
	}
	info.Kind = Kind(kind)
	if err := json.Unmarshal(quotaJSON, &info.Quota); err != nil {
		return nil, fmt.Errorf("auth: decode quota: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &info.Metadata); err != nil {
			return nil, fmt.Errorf("auth: decode metadata: %w", err)
		}
	}
	return info, nil
}

// Register implements [KeyStore] as an upsert.
func (s *PostgresStore) Register(ctx context.Context, credential string, info *KeyInfo) error {
	quotaJSON, err := json.Marshal(info.Quota)
	if err != nil {
		return fmt.Errorf("auth: marshal quota: %w", err)
	}
	metaJSON, err := json.Marshal(emptyMap(info.Metadata))
	if err != nil {
		return fmt.Errorf("auth: marshal metadata: %w", err)
	}

	const query = `
		INSERT INTO api_keys (credential, id, name, kind, provider, enabled, rpm, quota, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (credential) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			provider = EXCLUDED.provider,
			enabled = EXCLUDED.enabled,
			rpm = EXCLUDED.rpm,
			quota = EXCLUDED.quota,
			metadata = EXCLUDED.metadata`

	_, err = s.db.Exec(ctx, query,
		credential, info.ID, info.Name, string(info.Kind), info.Provider,
		info.Enabled, info.RPM, quotaJSON, metaJSON, info.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("auth: register: %w", err)
	}
	return nil
}

// Remove implements [KeyStore].
func (s *PostgresStore) Remove(ctx context.Context, credential string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM api_keys WHERE credential = $1`, credential); err != nil {
		return fmt.Errorf("auth: remove: %w", err)
	}
	return nil
}

// List implements [KeyStore].
func (s *PostgresStore) List(ctx context.Context) ([]*KeyInfo, error) {
	const query = `
		SELECT id, name, kind, provider, enabled, rpm, quota, metadata, created_at
		FROM api_keys ORDER BY created_at`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("auth: list: %w", err)
	}
	defer rows.Close()

	var out []*KeyInfo
	for rows.Next() {
		info := &KeyInfo{}
		var kind string
		var quotaJSON, metaJSON []byte
		if err := rows.Scan(
			&info.ID, &info.Name, &kind, &info.Provider, &info.Enabled,
			&info.RPM, &quotaJSON, &metaJSON, &info.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("auth: list scan: %w", err)
		}
		info.Kind = Kind(kind)
		if err := json.Unmarshal(quotaJSON, &info.Quota); err != nil {
			return nil, fmt.Errorf("auth: decode quota: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &info.Metadata); err != nil {
				return nil, fmt.Errorf("auth: decode metadata: %w", err)
			}
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func emptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
