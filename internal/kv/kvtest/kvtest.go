// Package kvtest is a conformance suite every kv.Store backend must pass.
package kvtest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/dornt/internal/kv"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) kv.Store

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s kv.Store)
	}{
		{"GetMissing", testGetMissing},
		{"PutGet", testPutGet},
		{"VersionsAdvance", testVersionsAdvance},
		{"CreateOnly", testCreateOnly},
		{"CompareAndSwap", testCompareAndSwap},
		{"Delete", testDelete},
		{"DeleteIfVersion", testDeleteIfVersion},
		{"RecreateGetsNewVersion", testRecreateGetsNewVersion},
		{"ListSortedByPrefix", testListSortedByPrefix},
		{"ConcurrentCreateOneWinner", testConcurrentCreateOneWinner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func testGetMissing(t *testing.T, s kv.Store) {
	_, found, err := s.Get(context.Background(), "nope/missing.json")
	require.NoError(t, err)
	assert.False(t, found)
}

func testPutGet(t *testing.T, s kv.Store) {
	ctx := context.Background()
	v, err := s.Put(ctx, "a/b.json", []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Positive(t, v)

	rec, found, err := s.Get(ctx, "a/b.json")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a/b.json", rec.Key)
	assert.Equal(t, `{"x":1}`, string(rec.Value))
	assert.Equal(t, v, rec.Version)
}

func testVersionsAdvance(t *testing.T, s kv.Store) {
	ctx := context.Background()
	v1, err := s.Put(ctx, "k", []byte("1"))
	require.NoError(t, err)
	v2, err := s.Put(ctx, "k", []byte("2"))
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	rec, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "2", string(rec.Value))
	assert.Equal(t, v2, rec.Version)
}

func testCreateOnly(t *testing.T, s kv.Store) {
	ctx := context.Background()
	_, err := s.PutIfVersion(ctx, "lock", []byte("first"), 0)
	require.NoError(t, err)

	_, err = s.PutIfVersion(ctx, "lock", []byte("second"), 0)
	assert.ErrorIs(t, err, kv.ErrVersionConflict)

	rec, _, err := s.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "first", string(rec.Value))
}

func testCompareAndSwap(t *testing.T, s kv.Store) {
	ctx := context.Background()
	v1, err := s.Put(ctx, "k", []byte("1"))
	require.NoError(t, err)

	v2, err := s.PutIfVersion(ctx, "k", []byte("2"), v1)
	require.NoError(t, err)

	// A writer still holding v1 must lose.
	_, err = s.PutIfVersion(ctx, "k", []byte("stale"), v1)
	assert.ErrorIs(t, err, kv.ErrVersionConflict)

	// Expecting a version on an absent key also conflicts.
	_, err = s.PutIfVersion(ctx, "absent", []byte("x"), v2)
	assert.ErrorIs(t, err, kv.ErrVersionConflict)

	rec, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "2", string(rec.Value))
}

func testDelete(t *testing.T, s kv.Store) {
	ctx := context.Background()
	_, err := s.Put(ctx, "k", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"), "deleting an absent key is not an error")

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func testDeleteIfVersion(t *testing.T, s kv.Store) {
	ctx := context.Background()
	v1, err := s.Put(ctx, "k", []byte("1"))
	require.NoError(t, err)
	v2, err := s.Put(ctx, "k", []byte("2"))
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteIfVersion(ctx, "k", v1), kv.ErrVersionConflict)
	require.NoError(t, s.DeleteIfVersion(ctx, "k", v2))
	assert.ErrorIs(t, s.DeleteIfVersion(ctx, "k", v2), kv.ErrVersionConflict)
}

func testRecreateGetsNewVersion(t *testing.T, s kv.Store) {
	ctx := context.Background()
	v1, err := s.PutIfVersion(ctx, "k", []byte("a"), 0)
	require.NoError(t, err)
	require.NoError(t, s.DeleteIfVersion(ctx, "k", v1))
	v2, err := s.PutIfVersion(ctx, "k", []byte("b"), 0)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)
	assert.ErrorIs(t, s.DeleteIfVersion(ctx, "k", v1), kv.ErrVersionConflict)
}

func testListSortedByPrefix(t *testing.T, s kv.Store) {
	ctx := context.Background()
	for _, k := range []string{
		"clusters/c/cluster.json",
		"clusters/a/cluster.json",
		"clusters/centroids.json",
		"pipeline-state/cluster.json",
		"clusters_other",
	} {
		_, err := s.Put(ctx, k, []byte("{}"))
		require.NoError(t, err)
	}

	keys, err := s.List(ctx, "clusters/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"clusters/a/cluster.json",
		"clusters/c/cluster.json",
		"clusters/centroids.json",
	}, keys)

	keys, err = s.List(ctx, "nothing/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func testConcurrentCreateOneWinner(t *testing.T, s kv.Store) {
	ctx := context.Background()
	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.PutIfVersion(ctx, "race", []byte(fmt.Sprintf("%d", i)), 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case !assert.ErrorIs(t, err, kv.ErrVersionConflict):
				errs = append(errs, err)
			}
		}(i)
	}
	wg.Wait()
	assert.Empty(t, errs)
	assert.Equal(t, 1, wins)
}
