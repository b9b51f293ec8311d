// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/GitThaisen/tv-automation-media-management/internal/dbinterface"
)

// ErrTrackedMediaNotFound is returned when a lookup by name finds no record.
var ErrTrackedMediaNotFound = errors.New("tracked media item not found")

// TrackedMediaItem is the index record for one file across its source
// storage and the targets it has been replicated to.
//
// A record exists iff the file has been accepted for replication from a
// source. TargetStorageIDs contains exactly the storages where replication
// has succeeded. LastSeen is refreshed by each initial scan and never moves
// backwards.
type TrackedMediaItem struct {
	Name             string    `json:"name"`
	SourceStorageID  string    `json:"sourceStorageId"`
	TargetStorageIDs []string  `json:"targetStorageIds"`
	LastSeen         time.Time `json:"lastSeen"`
}

// HasTarget reports whether id is in the replicated-target set.
func (t *TrackedMediaItem) HasTarget(id string) bool {
	for _, tid := range t.TargetStorageIDs {
		if tid == id {
			return true
		}
	}
	return false
}

// AddTarget appends id to the target set if absent.
func (t *TrackedMediaItem) AddTarget(id string) {
	if !t.HasTarget(id) {
		t.TargetStorageIDs = append(t.TargetStorageIDs, id)
	}
}

// RemoveTarget removes id from the target set, reporting whether it was
// present.
func (t *TrackedMediaItem) RemoveTarget(id string) bool {
	for i, tid := range t.TargetStorageIDs {
		if tid == id {
			t.TargetStorageIDs = append(t.TargetStorageIDs[:i], t.TargetStorageIDs[i+1:]...)
			return true
		}
	}
	return false
}

// UpsertFunc transforms the current item (nil when untracked) into the item
// to persist. Returning nil means no write.
type UpsertFunc func(tmi *TrackedMediaItem) *TrackedMediaItem

// TrackedMediaStore handles database operations for tracked media items.
// Upsert is serialized per key so concurrent read-modify-write cycles for
// the same file never lose updates.
type TrackedMediaStore struct {
	db    dbinterface.Querier
	locks sync.Map // name -> *sync.Mutex
}

// NewTrackedMediaStore creates a new TrackedMediaStore.
func NewTrackedMediaStore(db dbinterface.Querier) *TrackedMediaStore {
	return &TrackedMediaStore{db: db}
}

func (s *TrackedMediaStore) keyLock(name string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// GetByName fetches one item, or ErrTrackedMediaNotFound.
func (s *TrackedMediaStore) GetByName(ctx context.Context, name string) (*TrackedMediaItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, source_storage_id, target_storage_ids, last_seen
		FROM tracked_media WHERE name = ?`, name)

	return scanTrackedMedia(row)
}

// Put writes an item unconditionally.
func (s *TrackedMediaStore) Put(ctx context.Context, tmi *TrackedMediaItem) error {
	if tmi == nil {
		return errors.New("tracked media item is nil")
	}

	targets, err := json.Marshal(targetsOrEmpty(tmi.TargetStorageIDs))
	if err != nil {
		return fmt.Errorf("marshal target storage ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tracked_media (name, source_storage_id, target_storage_ids, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			source_storage_id = excluded.source_storage_id,
			target_storage_ids = excluded.target_storage_ids,
			last_seen = excluded.last_seen`,
		tmi.Name, tmi.SourceStorageID, string(targets), tmi.LastSeen.UTC())
	if err != nil {
		return fmt.Errorf("put tracked media %s: %w", tmi.Name, err)
	}
	return nil
}

// Upsert runs an atomic read-modify-write for one key. fn receives the
// current item (nil when untracked) and returns the item to persist, or nil
// for no write. The returned item is what was persisted (nil on no write).
func (s *TrackedMediaStore) Upsert(ctx context.Context, name string, fn UpsertFunc) (*TrackedMediaItem, error) {
	mu := s.keyLock(name)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.GetByName(ctx, name)
	if err != nil && !errors.Is(err, ErrTrackedMediaNotFound) {
		return nil, err
	}

	updated := fn(current)
	if updated == nil {
		return nil, nil
	}

	if err := s.Put(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Remove deletes an item by name. Removing an absent item is not an error.
func (s *TrackedMediaStore) Remove(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tracked_media WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("remove tracked media %s: %w", name, err)
	}
	s.locks.Delete(name)
	return nil
}

// GetAllFromStorage lists items whose source is storageID. When lastSeenBefore
// is non-zero only items last seen strictly before it are returned, which is
// the stale predicate of the initial scan.
func (s *TrackedMediaStore) GetAllFromStorage(ctx context.Context, storageID string, lastSeenBefore time.Time) ([]*TrackedMediaItem, error) {
	query := `
		SELECT name, source_storage_id, target_storage_ids, last_seen
		FROM tracked_media WHERE source_storage_id = ?`
	args := []any{storageID}

	if !lastSeenBefore.IsZero() {
		query += ` AND last_seen < ?`
		args = append(args, lastSeenBefore.UTC())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tracked media for storage %s: %w", storageID, err)
	}
	defer rows.Close()

	var items []*TrackedMediaItem
	for rows.Next() {
		tmi, err := scanTrackedMedia(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, tmi)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrackedMedia(row rowScanner) (*TrackedMediaItem, error) {
	var tmi TrackedMediaItem
	var targets string

	err := row.Scan(&tmi.Name, &tmi.SourceStorageID, &targets, &tmi.LastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTrackedMediaNotFound
		}
		return nil, fmt.Errorf("scan tracked media: %w", err)
	}

	if err := json.Unmarshal([]byte(targets), &tmi.TargetStorageIDs); err != nil {
		return nil, fmt.Errorf("unmarshal target storage ids for %s: %w", tmi.Name, err)
	}
	return &tmi, nil
}

func targetsOrEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
