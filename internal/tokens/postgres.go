// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/athlete-ally/athlete-ally/internal/metrics"
)

// PostgresStore persists encrypted token records in the oauth_tokens
// table. Only ciphertext blobs ever reach the database.
type PostgresStore struct {
	pool   *pgxpool.Pool
	cipher *Cipher
}

// NewPostgresStore creates a token store backed by pool and cipher.
func NewPostgresStore(pool *pgxpool.Pool, cipher *Cipher) *PostgresStore {
	return &PostgresStore{pool: pool, cipher: cipher}
}

// Save upserts the record keyed by (user_id, provider). created_at is
// written once; updated_at refreshes on every save.
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	accessBlob, err := s.cipher.Encrypt(rec.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	var refreshBlob *string
	if rec.RefreshToken != "" {
		blob, err := s.cipher.Encrypt(rec.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		refreshBlob = &blob
	}

	const query = `
		INSERT INTO oauth_tokens (user_id, provider, access_token, refresh_token, scope, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			scope         = EXCLUDED.scope,
			expires_at    = EXCLUDED.expires_at,
			updated_at    = NOW()`

	start := time.Now()
	_, err = s.pool.Exec(ctx, query, rec.UserID, rec.Provider, accessBlob, refreshBlob, rec.Scope, rec.ExpiresAt)
	metrics.RecordDBQuery("upsert", "oauth_tokens", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("upsert token for user %s provider %s: %w", rec.UserID, rec.Provider, err)
	}

	return nil
}

// Get returns the decrypted record, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, userID, provider string) (Record, error) {
	const query = `
		SELECT access_token, refresh_token, scope, expires_at, created_at, updated_at
		FROM oauth_tokens
		WHERE user_id = $1 AND provider = $2`

	var (
		accessBlob  string
		refreshBlob *string
		rec         = Record{UserID: userID, Provider: provider}
	)

	start := time.Now()
	err := s.pool.QueryRow(ctx, query, userID, provider).
		Scan(&accessBlob, &refreshBlob, &rec.Scope, &rec.ExpiresAt, &rec.CreatedAt, &rec.UpdatedAt)
	metrics.RecordDBQuery("select", "oauth_tokens", time.Since(start), err)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("query token for user %s provider %s: %w", userID, provider, err)
	}

	rec.AccessToken, err = s.cipher.Decrypt(accessBlob)
	if err != nil {
		return Record{}, err
	}
	if refreshBlob != nil && *refreshBlob != "" {
		rec.RefreshToken, err = s.cipher.Decrypt(*refreshBlob)
		if err != nil {
			return Record{}, err
		}
	}

	return rec, nil
}

// Update applies patch to an existing record. COALESCE keeps columns
// whose patch field is nil.
func (s *PostgresStore) Update(ctx context.Context, userID, provider string, patch Patch) error {
	var accessBlob, refreshBlob *string

	if patch.AccessToken != nil {
		blob, err := s.cipher.Encrypt(*patch.AccessToken)
		if err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		accessBlob = &blob
	}
	if patch.RefreshToken != nil && *patch.RefreshToken != "" {
		blob, err := s.cipher.Encrypt(*patch.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		refreshBlob = &blob
	}

	const query = `
		UPDATE oauth_tokens SET
			access_token  = COALESCE($3, access_token),
			refresh_token = COALESCE($4, refresh_token),
			expires_at    = COALESCE($5, expires_at),
			updated_at    = NOW()
		WHERE user_id = $1 AND provider = $2`

	start := time.Now()
	tag, err := s.pool.Exec(ctx, query, userID, provider, accessBlob, refreshBlob, patch.ExpiresAt)
	metrics.RecordDBQuery("update", "oauth_tokens", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("update token for user %s provider %s: %w", userID, provider, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (s *PostgresStore) Delete(ctx context.Context, userID, provider string) error {
	const query = `DELETE FROM oauth_tokens WHERE user_id = $1 AND provider = $2`

	start := time.Now()
	_, err := s.pool.Exec(ctx, query, userID, provider)
	metrics.RecordDBQuery("delete", "oauth_tokens", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("delete token for user %s provider %s: %w", userID, provider, err)
	}
	return nil
}
