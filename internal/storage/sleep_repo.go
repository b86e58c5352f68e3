// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/athlete-ally/athlete-ally/internal/eventbus"
	"github.com/athlete-ally/athlete-ally/internal/events"
	"github.com/athlete-ally/athlete-ally/internal/metrics"
)

// SleepRepository persists normalized sleep rows keyed (user_id, date).
type SleepRepository struct {
	pool *pgxpool.Pool
}

// NewSleepRepository creates a sleep repository over pool.
func NewSleepRepository(pool *pgxpool.Pool) *SleepRepository {
	return &SleepRepository{pool: pool}
}

// Upsert inserts or updates the row for (UserID, Date) and returns the
// stored row.
func (r *SleepRepository) Upsert(ctx context.Context, rec events.SleepRecord) (*events.SleepRecord, error) {
	const query = `
		INSERT INTO sleep_records (user_id, date, duration_minutes, quality_score, vendor, captured_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (user_id, date) DO UPDATE SET
			duration_minutes = EXCLUDED.duration_minutes,
			quality_score    = EXCLUDED.quality_score,
			vendor           = EXCLUDED.vendor,
			captured_at      = EXCLUDED.captured_at,
			updated_at       = NOW()
		RETURNING user_id, date, duration_minutes, quality_score, vendor, captured_at, created_at, updated_at`

	start := time.Now()
	stored, err := scanSleepRow(r.pool.QueryRow(ctx, query,
		rec.UserID, rec.Date, rec.DurationMinutes, rec.QualityScore, rec.Vendor, rec.CapturedAt))
	metrics.RecordDBQuery("upsert", "sleep_records", time.Since(start), err)
	if err != nil {
		return nil, eventbus.Retryable(fmt.Sprintf("upsert sleep for user %s date %s", rec.UserID, rec.Date), err)
	}

	return stored, nil
}

// GetByUserDate returns the row for (userID, date), or ErrNotFound.
func (r *SleepRepository) GetByUserDate(ctx context.Context, userID, date string) (*events.SleepRecord, error) {
	const query = `
		SELECT user_id, date, duration_minutes, quality_score, vendor, captured_at, created_at, updated_at
		FROM sleep_records
		WHERE user_id = $1 AND date = $2`

	start := time.Now()
	rec, err := scanSleepRow(r.pool.QueryRow(ctx, query, userID, date))
	metrics.RecordDBQuery("select", "sleep_records", time.Since(start), err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eventbus.Retryable(fmt.Sprintf("query sleep for user %s date %s", userID, date), err)
	}

	return rec, nil
}

func scanSleepRow(row pgx.Row) (*events.SleepRecord, error) {
	var (
		rec  events.SleepRecord
		date time.Time
	)
	err := row.Scan(&rec.UserID, &date, &rec.DurationMinutes, &rec.QualityScore, &rec.Vendor,
		&rec.CapturedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Date = date.Format("2006-01-02")
	return &rec, nil
}
