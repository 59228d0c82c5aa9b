package gcskv

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/hurttlocker/dornt/internal/kv"
	"github.com/hurttlocker/dornt/internal/kv/kvtest"
)

func TestConformance(t *testing.T) {
	host := os.Getenv("STORAGE_EMULATOR_HOST")
	if host == "" {
		t.Skip("STORAGE_EMULATOR_HOST not set")
	}
	bucket := os.Getenv("DORNT_TEST_GCS_BUCKET")
	if bucket == "" {
		bucket = "dornt-test"
	}
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := New(context.Background(), Config{
			Bucket:       bucket,
			Prefix:       fmt.Sprintf("t%d/", time.Now().UnixNano()),
			EmulatorHost: host,
		})
		require.NoError(t, err)
		return s
	})
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestIsPreconditionFailed(t *testing.T) {
	assert.True(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusPreconditionFailed}))
	assert.True(t, isPreconditionFailed(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})))
	assert.False(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusNotFound}))
	assert.False(t, isPreconditionFailed(nil))
}
