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

// ErrNotFound is returned by Get accessors when no row matches.
var ErrNotFound = errors.New("record not found")

// HRVRepository persists normalized HRV rows keyed (user_id, date).
type HRVRepository struct {
	pool *pgxpool.Pool
}

// NewHRVRepository creates an HRV repository over pool.
func NewHRVRepository(pool *pgxpool.Pool) *HRVRepository {
	return &HRVRepository{pool: pool}
}

// Upsert inserts or updates the row for (UserID, Date) and returns the
// stored row. Inserts set created_at = updated_at; updates replace the
// measurement fields and refresh updated_at only.
func (r *HRVRepository) Upsert(ctx context.Context, rec events.HRVRecord) (*events.HRVRecord, error) {
	const query = `
		INSERT INTO hrv_records (user_id, date, rmssd, ln_rmssd, vendor, captured_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (user_id, date) DO UPDATE SET
			rmssd       = EXCLUDED.rmssd,
			ln_rmssd    = EXCLUDED.ln_rmssd,
			vendor      = EXCLUDED.vendor,
			captured_at = EXCLUDED.captured_at,
			updated_at  = NOW()
		RETURNING user_id, date, rmssd, ln_rmssd, vendor, captured_at, created_at, updated_at`

	start := time.Now()
	stored, err := scanHRVRow(r.pool.QueryRow(ctx, query,
		rec.UserID, rec.Date, rec.RMSSD, rec.LnRMSSD, rec.Vendor, rec.CapturedAt))
	metrics.RecordDBQuery("upsert", "hrv_records", time.Since(start), err)
	if err != nil {
		return nil, eventbus.Retryable(fmt.Sprintf("upsert hrv for user %s date %s", rec.UserID, rec.Date), err)
	}

	return stored, nil
}

// GetByUserDate returns the row for (userID, date), or ErrNotFound.
func (r *HRVRepository) GetByUserDate(ctx context.Context, userID, date string) (*events.HRVRecord, error) {
	const query = `
		SELECT user_id, date, rmssd, ln_rmssd, vendor, captured_at, created_at, updated_at
		FROM hrv_records
		WHERE user_id = $1 AND date = $2`

	start := time.Now()
	rec, err := scanHRVRow(r.pool.QueryRow(ctx, query, userID, date))
	metrics.RecordDBQuery("select", "hrv_records", time.Since(start), err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eventbus.Retryable(fmt.Sprintf("query hrv for user %s date %s", userID, date), err)
	}

	return rec, nil
}

func scanHRVRow(row pgx.Row) (*events.HRVRecord, error) {
	var (
		rec  events.HRVRecord
		date time.Time
	)
	err := row.Scan(&rec.UserID, &date, &rec.RMSSD, &rec.LnRMSSD, &rec.Vendor,
		&rec.CapturedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Date = date.Format("2006-01-02")
	return &rec, nil
}
