// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package normalize

import (
	"context"

	"github.com/athlete-ally/athlete-ally/internal/events"
)

// Handler normalizes and persists one domain's raw events. Handle
// returns the stored record for republishing on the normalized-stored
// subject. Errors must carry the eventbus retryable/permanent types so
// the consumer can route them.
type Handler interface {
	Domain() string
	Handle(ctx context.Context, ev events.RawEvent) (any, error)
}

// HRVStore is the persistence slice the HRV handler needs.
type HRVStore interface {
	Upsert(ctx context.Context, rec events.HRVRecord) (*events.HRVRecord, error)
}

// SleepStore is the persistence slice the sleep handler needs.
type SleepStore interface {
	Upsert(ctx context.Context, rec events.SleepRecord) (*events.SleepRecord, error)
}

// HRVHandler normalizes HRV events and upserts them.
type HRVHandler struct {
	repo HRVStore
}

// NewHRVHandler creates the HRV domain handler.
func NewHRVHandler(repo HRVStore) *HRVHandler {
	return &HRVHandler{repo: repo}
}

func (h *HRVHandler) Domain() string { return events.DomainHRV }

func (h *HRVHandler) Handle(ctx context.Context, ev events.RawEvent) (any, error) {
	rec, err := NormalizeHRV(ev)
	if err != nil {
		return nil, err
	}
	return h.repo.Upsert(ctx, rec)
}

// SleepHandler normalizes sleep events and upserts them.
type SleepHandler struct {
	repo SleepStore
}

// NewSleepHandler creates the sleep domain handler.
func NewSleepHandler(repo SleepStore) *SleepHandler {
	return &SleepHandler{repo: repo}
}

func (h *SleepHandler) Domain() string { return events.DomainSleep }

func (h *SleepHandler) Handle(ctx context.Context, ev events.RawEvent) (any, error) {
	rec, err := NormalizeSleep(ev)
	if err != nil {
		return nil, err
	}
	return h.repo.Upsert(ctx, rec)
}
