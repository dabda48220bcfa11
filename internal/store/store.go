// Package store implements the generic JSON-file-backed metadata
// collection the rest of the core persists entities through, grounded
// on the original JsonStore[T] (original_source/backend/src/mellea_api/core/store.py).
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
)

// Store is a mutex-guarded, JSON-file-persisted collection of T, keyed by
// ID. One Store instance owns one file; callers create a Store per entity
// collection (programs, environments, runs, ...). On disk the collection
// is a single JSON object with one array-valued key, collectionKey,
// matching the original JsonStore's {"programs": [...]} shape rather than
// an ID-keyed object.
type Store[T any] struct {
	mu            sync.RWMutex
	path          string
	collectionKey string
	getID         func(T) string
	setID         func(*T, string)
	items         map[string]T
}

// New loads path into memory (or starts empty if it doesn't exist yet)
// and returns a ready Store. getID/setID let Store work over plain
// structs without requiring them to implement an interface. collectionKey
// is the JSON object key the collection is written under on disk (e.g.
// "programs").
func New[T any](path, collectionKey string, getID func(T) string, setID func(*T, string)) (*Store[T], error) {
	s := &Store[T]{
		path:          path,
		collectionKey: collectionKey,
		getID:         getID,
		setID:         setID,
		items:         make(map[string]T),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store[T]) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "reading store file %s", s.path)
	}
	if len(data) == 0 {
		return nil
	}

	var raw map[string][]T
	if err := json.Unmarshal(data, &raw); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "parsing corrupted store file %s", s.path)
	}
	items := make(map[string]T, len(raw[s.collectionKey]))
	for _, item := range raw[s.collectionKey] {
		items[s.getID(item)] = item
	}
	s.items = items
	return nil
}

// persist writes the full collection to a temp file in the same
// directory and renames it over the target, so a crash mid-write never
// leaves a truncated file in place.
func (s *Store[T]) persist() error {
	values := make([]T, 0, len(s.items))
	for _, v := range s.items {
		values = append(values, v)
	}
	data, err := json.MarshalIndent(map[string][]T{s.collectionKey: values}, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshalling store contents")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "creating store dir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "creating temp store file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "writing temp store file")
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "closing temp store file")
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "renaming temp store file onto %s", s.path)
	}
	return nil
}

// Create inserts item, assigning id via setID, and persists.
func (s *Store[T]) Create(id string, item T) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[id]; exists {
		var zero T
		return zero, apperrors.NewConflictError(id)
	}

	s.setID(&item, id)
	s.items[id] = item
	if err := s.persist(); err != nil {
		var zero T
		return zero, err
	}
	return item, nil
}

// GetByID returns a copy of the item with the given ID.
func (s *Store[T]) GetByID(id string) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		var zero T
		return zero, apperrors.NewNotFoundError(id)
	}
	return item, nil
}

// Update replaces the item at id with item and persists.
func (s *Store[T]) Update(id string, item T) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		var zero T
		return zero, apperrors.NewNotFoundError(id)
	}

	s.setID(&item, id)
	s.items[id] = item
	if err := s.persist(); err != nil {
		var zero T
		return zero, err
	}
	return item, nil
}

// Delete removes the item at id and persists.
func (s *Store[T]) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return apperrors.NewNotFoundError(id)
	}
	delete(s.items, id)
	return s.persist()
}

// ListAll returns every item in the collection, in unspecified order.
func (s *Store[T]) ListAll() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]T, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	return out
}

// Find returns every item for which predicate returns true.
func (s *Store[T]) Find(predicate func(T) bool) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []T
	for _, v := range s.items {
		if predicate(v) {
			out = append(out, v)
		}
	}
	return out
}

// Count returns the number of items for which predicate returns true.
// A nil predicate counts the whole collection.
func (s *Store[T]) Count(predicate func(T) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if predicate == nil {
		return len(s.items)
	}
	n := 0
	for _, v := range s.items {
		if predicate(v) {
			n++
		}
	}
	return n
}

// IDs returns the ID of every item currently in the collection, computed
// via the store's getID accessor rather than the map key, so callers that
// passed a getID inconsistent with their insert key notice it here.
func (s *Store[T]) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, s.getID(v))
	}
	return out
}

// Clear empties the collection and persists, used by test setup and by
// fixture resets.
func (s *Store[T]) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]T)
	return s.persist()
}

// Backup writes a point-in-time copy of the collection to destPath,
// independent of the store's own temp-file cycle.
func (s *Store[T]) Backup(destPath string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]T, 0, len(s.items))
	for _, v := range s.items {
		values = append(values, v)
	}
	data, err := json.MarshalIndent(map[string][]T{s.collectionKey: values}, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshalling backup contents")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "creating backup dir for %s", destPath)
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "writing backup file %s", destPath)
	}
	return nil
}
