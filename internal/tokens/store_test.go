// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package tokens

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	c, err := NewCipherFromPassphrase("test-passphrase")
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	return NewMemoryStore(c)
}

func TestMemoryStore_SaveGet(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	rec := Record{
		UserID:       "user-1",
		Provider:     "oura",
		AccessToken:  "access-abc",
		RefreshToken: "refresh-def",
		ExpiresAt:    time.Now().Add(time.Hour).UTC(),
	}

	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "user-1", "oura")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AccessToken != "access-abc" {
		t.Errorf("Expected access token round trip, got %q", got.AccessToken)
	}
	if got.RefreshToken != "refresh-def" {
		t.Errorf("Expected refresh token round trip, got %q", got.RefreshToken)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}
}

func TestMemoryStore_SaveReplacesAndKeepsCreatedAt(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	rec := Record{UserID: "user-1", Provider: "whoop", AccessToken: "first"}
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	first, _ := store.Get(ctx, "user-1", "whoop")

	time.Sleep(5 * time.Millisecond)

	rec.AccessToken = "second"
	if err := store.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	second, _ := store.Get(ctx, "user-1", "whoop")

	if second.AccessToken != "second" {
		t.Errorf("Expected replaced token, got %q", second.AccessToken)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("Expected CreatedAt to stay stable across saves")
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Error("Expected UpdatedAt to advance on save")
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	if _, err := store.Get(context.Background(), "nobody", "oura"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, Record{UserID: "user-1", Provider: "oura", AccessToken: "tok"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete(ctx, "user-1", "oura"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "user-1", "oura"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}

	// Deleting again is a no-op.
	if err := store.Delete(ctx, "user-1", "oura"); err != nil {
		t.Errorf("Expected idempotent delete, got %v", err)
	}
}

func TestMemoryStore_ProvidersIsolated(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	store.Save(ctx, Record{UserID: "user-1", Provider: "oura", AccessToken: "oura-tok"})
	store.Save(ctx, Record{UserID: "user-1", Provider: "whoop", AccessToken: "whoop-tok"})

	oura, err := store.Get(ctx, "user-1", "oura")
	if err != nil || oura.AccessToken != "oura-tok" {
		t.Errorf("Expected oura token, got %q, err %v", oura.AccessToken, err)
	}
	whoop, err := store.Get(ctx, "user-1", "whoop")
	if err != nil || whoop.AccessToken != "whoop-tok" {
		t.Errorf("Expected whoop token, got %q, err %v", whoop.AccessToken, err)
	}
}

func TestMemoryStore_UpdatePatchesFields(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := store.Save(ctx, Record{
		UserID:       "user-1",
		Provider:     "oura",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    expires,
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	newAccess := "new-access"
	newExpires := expires.Add(time.Hour)
	if err := store.Update(ctx, "user-1", "oura", Patch{
		AccessToken: &newAccess,
		ExpiresAt:   &newExpires,
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.Get(ctx, "user-1", "oura")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AccessToken != "new-access" {
		t.Errorf("Expected patched access token, got %q", got.AccessToken)
	}
	if got.RefreshToken != "old-refresh" {
		t.Errorf("Expected refresh token untouched, got %q", got.RefreshToken)
	}
	if !got.ExpiresAt.Equal(newExpires) {
		t.Errorf("Expected patched expiry %v, got %v", newExpires, got.ExpiresAt)
	}
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	token := "tok"

	err := store.Update(context.Background(), "ghost", "oura", Patch{AccessToken: &token})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
