// Package kv defines the key-value persistence abstraction shared by the
// centroid index, the cluster repository and the stage coordinator.
//
// Every backend versions records. A version is an opaque positive integer
// that changes on every write and is never reused for the same key, so
// PutIfVersion and DeleteIfVersion give callers compare-and-swap semantics.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrVersionConflict is returned when a conditional write observes a
// version other than the one the caller expected.
var ErrVersionConflict = errors.New("version conflict")

// Record is a stored value together with its current version.
type Record struct {
	Key     string
	Value   []byte
	Version int64
}

// Store is the persistence contract. Absent keys are not errors: Get
// reports found=false and Delete succeeds.
type Store interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	// Put writes unconditionally and returns the new version.
	Put(ctx context.Context, key string, value []byte) (int64, error)
	// PutIfVersion writes only when the stored version equals version.
	// Version 0 means "create only if absent".
	PutIfVersion(ctx context.Context, key string, value []byte, version int64) (int64, error)
	Delete(ctx context.Context, key string) error
	// DeleteIfVersion deletes only when the stored version equals version.
	DeleteIfVersion(ctx context.Context, key string, version int64) error
	// List returns the keys under prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// GetJSON loads key into v. It returns the record version and whether the
// key existed.
func GetJSON(ctx context.Context, s Store, key string, v any) (int64, bool, error) {
	rec, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return 0, found, err
	}
	if err := json.Unmarshal(rec.Value, v); err != nil {
		return 0, true, fmt.Errorf("decoding %s: %w", key, err)
	}
	return rec.Version, true, nil
}

// PutJSON stores v under key unconditionally.
func PutJSON(ctx context.Context, s Store, key string, v any) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// PutJSONIfVersion stores v under key when the stored version matches.
func PutJSONIfVersion(ctx context.Context, s Store, key string, v any, version int64) (int64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.PutIfVersion(ctx, key, data, version)
}
