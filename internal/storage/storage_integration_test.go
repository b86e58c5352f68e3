// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/athlete-ally/athlete-ally/internal/events"
	"github.com/athlete-ally/athlete-ally/internal/storage"
	"github.com/athlete-ally/athlete-ally/internal/tokens"
)

// startPostgres spins up a disposable Postgres and returns a migrated
// pool. Skips the test when Docker is unavailable.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("athlete_ally"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Docker unavailable, skipping integration test: %v", err)
	}
	t.Cleanup(func() {
		termCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(termCtx)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, storage.Migrate(dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func TestHRVRepository_UpsertIdempotence(t *testing.T) {
	pool := startPostgres(t)
	repo := storage.NewHRVRepository(pool)
	ctx := context.Background()

	rec := events.HRVRecord{
		UserID:  "user-1",
		Date:    "2026-09-01",
		RMSSD:   42.5,
		LnRMSSD: 3.75,
		Vendor:  events.VendorOura,
	}

	first, err := repo.Upsert(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, "user-1", first.UserID)
	require.Equal(t, "2026-09-01", first.Date)
	require.InDelta(t, 42.5, first.RMSSD, 1e-9)
	require.Equal(t, first.CreatedAt, first.UpdatedAt)

	time.Sleep(10 * time.Millisecond)

	rec.RMSSD = 44.0
	rec.LnRMSSD = 3.784
	second, err := repo.Upsert(ctx, rec)
	require.NoError(t, err)
	require.InDelta(t, 44.0, second.RMSSD, 1e-9)
	require.Equal(t, first.CreatedAt, second.CreatedAt, "createdAt must stay stable across upserts")
	require.True(t, second.UpdatedAt.After(first.UpdatedAt), "updatedAt must advance on update")

	// Still exactly one row for the key.
	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM hrv_records WHERE user_id = $1 AND date = $2`,
		"user-1", "2026-09-01").Scan(&count))
	require.Equal(t, 1, count)
}

func TestHRVRepository_GetByUserDate(t *testing.T) {
	pool := startPostgres(t)
	repo := storage.NewHRVRepository(pool)
	ctx := context.Background()

	_, err := repo.GetByUserDate(ctx, "nobody", "2026-09-01")
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = repo.Upsert(ctx, events.HRVRecord{
		UserID: "user-2", Date: "2026-09-01", RMSSD: 50, LnRMSSD: 3.912, Vendor: events.VendorWhoop,
	})
	require.NoError(t, err)

	got, err := repo.GetByUserDate(ctx, "user-2", "2026-09-01")
	require.NoError(t, err)
	require.Equal(t, events.VendorWhoop, got.Vendor)
	require.InDelta(t, 3.912, got.LnRMSSD, 1e-9)
}

func TestSleepRepository_Upsert(t *testing.T) {
	pool := startPostgres(t)
	repo := storage.NewSleepRepository(pool)
	ctx := context.Background()

	quality := 85.5
	rec := events.SleepRecord{
		UserID:          "user-3",
		Date:            "2026-09-01",
		DurationMinutes: 420,
		QualityScore:    &quality,
		Vendor:          events.VendorOura,
	}

	first, err := repo.Upsert(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, 420, first.DurationMinutes)
	require.NotNil(t, first.QualityScore)
	require.InDelta(t, 85.5, *first.QualityScore, 1e-9)

	rec.DurationMinutes = 435
	rec.QualityScore = nil
	second, err := repo.Upsert(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, 435, second.DurationMinutes)
	require.Nil(t, second.QualityScore)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestPostgresTokenStore_RoundTrip(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	cipher, err := tokens.NewCipherFromPassphrase("integration-test-key")
	require.NoError(t, err)
	store := tokens.NewPostgresStore(pool, cipher)

	rec := tokens.Record{
		UserID:       "user-4",
		Provider:     "oura",
		AccessToken:  "access-token-plain",
		RefreshToken: "refresh-token-plain",
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
	}
	require.NoError(t, store.Save(ctx, rec))

	// The database row holds a three-segment blob, not the plaintext.
	var storedBlob string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT access_token FROM oauth_tokens WHERE user_id = $1 AND provider = $2`,
		"user-4", "oura").Scan(&storedBlob))
	require.NotContains(t, storedBlob, "access-token-plain")
	require.Regexp(t, `^[A-Za-z0-9+/=]+\.[A-Za-z0-9+/=]+\.[A-Za-z0-9+/=]+$`, storedBlob)

	got, err := store.Get(ctx, "user-4", "oura")
	require.NoError(t, err)
	require.Equal(t, "access-token-plain", got.AccessToken)
	require.Equal(t, "refresh-token-plain", got.RefreshToken)

	// Replace keeps created_at stable.
	rec.AccessToken = "rotated-token"
	require.NoError(t, store.Save(ctx, rec))
	rotated, err := store.Get(ctx, "user-4", "oura")
	require.NoError(t, err)
	require.Equal(t, "rotated-token", rotated.AccessToken)
	require.Equal(t, got.CreatedAt, rotated.CreatedAt)

	// Partial update patches only the named fields.
	patched := "patched-token"
	require.NoError(t, store.Update(ctx, "user-4", "oura", tokens.Patch{AccessToken: &patched}))
	afterPatch, err := store.Get(ctx, "user-4", "oura")
	require.NoError(t, err)
	require.Equal(t, "patched-token", afterPatch.AccessToken)
	require.Equal(t, "refresh-token-plain", afterPatch.RefreshToken)
	require.ErrorIs(t, store.Update(ctx, "ghost", "oura", tokens.Patch{AccessToken: &patched}), tokens.ErrNotFound)

	require.NoError(t, store.Delete(ctx, "user-4", "oura"))
	_, err = store.Get(ctx, "user-4", "oura")
	require.ErrorIs(t, err, tokens.ErrNotFound)
}

func TestMigrate_Idempotent(t *testing.T) {
	pool := startPostgres(t)

	// startPostgres already migrated; a second run must be a no-op.
	dsn := pool.Config().ConnString()
	require.NoError(t, storage.Migrate(dsn))
}
