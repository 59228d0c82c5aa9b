package kv_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/dornt/internal/kv"
	"github.com/hurttlocker/dornt/internal/kv/kvtest"
)

func TestMemoryConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store { return kv.NewMemory() })
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemory()

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	var got doc
	_, found, err := kv.GetJSON(ctx, s, "docs/a.json", &got)
	require.NoError(t, err)
	assert.False(t, found)

	v1, err := kv.PutJSON(ctx, s, "docs/a.json", doc{Name: "a", Count: 1})
	require.NoError(t, err)

	ver, found, err := kv.GetJSON(ctx, s, "docs/a.json", &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, v1, ver)
	assert.Equal(t, doc{Name: "a", Count: 1}, got)

	_, err = kv.PutJSONIfVersion(ctx, s, "docs/a.json", doc{Name: "b"}, v1+100)
	assert.ErrorIs(t, err, kv.ErrVersionConflict)

	_, err = kv.PutJSONIfVersion(ctx, s, "docs/a.json", doc{Name: "b"}, v1)
	require.NoError(t, err)
}

func TestGetJSONCorruptRecord(t *testing.T) {
	ctx := context.Background()
	s := kv.NewMemory()
	_, err := s.Put(ctx, "bad.json", []byte("{not json"))
	require.NoError(t, err)

	var v map[string]any
	_, found, err := kv.GetJSON(ctx, s, "bad.json", &v)
	assert.True(t, found)
	assert.Error(t, err)
}
