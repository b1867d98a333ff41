package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/waypost/internal/services/tracker/domain"
	"github.com/louisbranch/waypost/internal/services/tracker/storage"
)

const apiKeyColumns = `id, name, prefix, secret_hash, scopes, created_at, last_used_at, revoked_at`

// CreateAPIKey persists a new API key record.
func (s *Store) CreateAPIKey(ctx context.Context, key domain.APIKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO api_keys (id, name, prefix, secret_hash, scopes, created_at, last_used_at, revoked_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		key.ID,
		key.Name,
		key.Prefix,
		key.SecretHash,
		domain.JoinScopes(key.Scopes),
		toMillis(key.CreatedAt),
		toNullMillis(key.LastUsedAt),
		toNullMillis(key.RevokedAt),
	)
	if err != nil {
		if isUniqueViolation(err, "api_keys.") {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash returns the key whose secret hashes to secretHash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, secretHash string) (domain.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return domain.APIKey{}, err
	}
	if err := s.ready(); err != nil {
		return domain.APIKey{}, err
	}
	secretHash = strings.TrimSpace(secretHash)
	if secretHash == "" {
		return domain.APIKey{}, fmt.Errorf("secret hash is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE secret_hash = ?`, secretHash)
	key, err := scanAPIKey(row)
	if err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// ListAPIKeys returns all keys, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return keys, nil
}

// RevokeAPIKey marks a key as revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string, revokedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		toMillis(revokedAt), keyID,
	)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// TouchAPIKeyUsage records the last successful authentication with a key.
func (s *Store) TouchAPIKeyUsage(ctx context.Context, keyID string, usedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`,
		toMillis(usedAt), keyID,
	); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func scanAPIKey(row rowScanner) (domain.APIKey, error) {
	var key domain.APIKey
	var scopes string
	var createdAt int64
	var lastUsedAt, revokedAt sql.NullInt64

	err := row.Scan(
		&key.ID,
		&key.Name,
		&key.Prefix,
		&key.SecretHash,
		&scopes,
		&createdAt,
		&lastUsedAt,
		&revokedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.APIKey{}, storage.ErrNotFound
		}
		return domain.APIKey{}, fmt.Errorf("scan api key: %w", err)
	}

	parsed, err := domain.ParseScopes(scopes)
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("scan api key scopes: %w", err)
	}
	key.Scopes = parsed
	key.CreatedAt = fromMillis(createdAt)
	key.LastUsedAt = fromNullMillis(lastUsedAt)
	key.RevokedAt = fromNullMillis(revokedAt)
	return key, nil
}
