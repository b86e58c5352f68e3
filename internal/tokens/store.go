// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package tokens

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no token exists for a user/provider pair.
var ErrNotFound = errors.New("token not found")

// Record holds a user's OAuth tokens for one vendor integration.
// AccessToken and RefreshToken are plaintext at this layer; the Store
// implementations encrypt before persisting and decrypt on read.
type Record struct {
	UserID       string
	Provider     string
	AccessToken  string
	RefreshToken string
	Scope        string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Patch is a partial token update. Nil fields are left untouched;
// the usual case is swapping the access token after a refresh grant.
type Patch struct {
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *time.Time
}

// Store persists OAuth token records keyed by (userID, provider).
// Save upserts; saving an existing pair replaces the tokens and
// refreshes UpdatedAt while CreatedAt stays stable. Update applies a
// partial patch and fails with ErrNotFound for missing records.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, userID, provider string) (Record, error)
	Update(ctx context.Context, userID, provider string, patch Patch) error
	Delete(ctx context.Context, userID, provider string) error
}

// MemoryStore is an in-memory Store used in tests and local development.
// It runs plaintext through the same cipher as the Postgres store so
// encryption bugs surface in both backends.
type MemoryStore struct {
	mu     sync.RWMutex
	cipher *Cipher
	items  map[string]memoryRecord
}

type memoryRecord struct {
	accessBlob  string
	refreshBlob string
	scope       string
	expiresAt   time.Time
	createdAt   time.Time
	updatedAt   time.Time
}

// NewMemoryStore creates an in-memory token store backed by cipher.
func NewMemoryStore(cipher *Cipher) *MemoryStore {
	return &MemoryStore{
		cipher: cipher,
		items:  make(map[string]memoryRecord),
	}
}

func memoryKey(userID, provider string) string {
	return userID + "\x00" + provider
}

// Save encrypts and stores the record, replacing any existing entry for
// the same (userID, provider).
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	accessBlob, err := s.cipher.Encrypt(rec.AccessToken)
	if err != nil {
		return err
	}

	var refreshBlob string
	if rec.RefreshToken != "" {
		refreshBlob, err = s.cipher.Encrypt(rec.RefreshToken)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := memoryKey(rec.UserID, rec.Provider)

	createdAt := now
	if existing, ok := s.items[key]; ok {
		createdAt = existing.createdAt
	}

	s.items[key] = memoryRecord{
		accessBlob:  accessBlob,
		refreshBlob: refreshBlob,
		scope:       rec.Scope,
		expiresAt:   rec.ExpiresAt,
		createdAt:   createdAt,
		updatedAt:   now,
	}

	return nil
}

// Get returns the decrypted record, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, userID, provider string) (Record, error) {
	s.mu.RLock()
	item, ok := s.items[memoryKey(userID, provider)]
	s.mu.RUnlock()

	if !ok {
		return Record{}, ErrNotFound
	}

	access, err := s.cipher.Decrypt(item.accessBlob)
	if err != nil {
		return Record{}, err
	}

	var refresh string
	if item.refreshBlob != "" {
		refresh, err = s.cipher.Decrypt(item.refreshBlob)
		if err != nil {
			return Record{}, err
		}
	}

	return Record{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  access,
		RefreshToken: refresh,
		Scope:        item.scope,
		ExpiresAt:    item.expiresAt,
		CreatedAt:    item.createdAt,
		UpdatedAt:    item.updatedAt,
	}, nil
}

// Update applies patch to an existing record, refreshing UpdatedAt.
func (s *MemoryStore) Update(_ context.Context, userID, provider string, patch Patch) error {
	var accessBlob, refreshBlob string
	var err error

	if patch.AccessToken != nil {
		if accessBlob, err = s.cipher.Encrypt(*patch.AccessToken); err != nil {
			return err
		}
	}
	if patch.RefreshToken != nil && *patch.RefreshToken != "" {
		if refreshBlob, err = s.cipher.Encrypt(*patch.RefreshToken); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memoryKey(userID, provider)
	item, ok := s.items[key]
	if !ok {
		return ErrNotFound
	}

	if patch.AccessToken != nil {
		item.accessBlob = accessBlob
	}
	if patch.RefreshToken != nil {
		item.refreshBlob = refreshBlob
	}
	if patch.ExpiresAt != nil {
		item.expiresAt = *patch.ExpiresAt
	}
	item.updatedAt = time.Now().UTC()

	s.items[key] = item
	return nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (s *MemoryStore) Delete(_ context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, memoryKey(userID, provider))
	return nil
}
