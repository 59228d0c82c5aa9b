package pgkv

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hurttlocker/dornt/internal/kv"
	"github.com/hurttlocker/dornt/internal/kv/kvtest"
)

func TestConformance(t *testing.T) {
	dsn := os.Getenv("DORNT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DORNT_TEST_POSTGRES_DSN not set")
	}
	kvtest.Run(t, func(t *testing.T) kv.Store {
		table := fmt.Sprintf("dornt_kv_test_%d", time.Now().UnixNano())
		s, err := New(Config{DSN: dsn, Table: table})
		require.NoError(t, err)
		t.Cleanup(func() {
			// The suite closes s; drop through a fresh pool.
			c, err := New(Config{DSN: dsn, Table: table})
			if err != nil {
				return
			}
			defer c.Close()
			c.db.ExecContext(context.Background(), "DROP TABLE IF EXISTS "+c.table)
			c.db.ExecContext(context.Background(), "DROP SEQUENCE IF EXISTS "+c.seq)
		})
		return s
	})
}

func TestStatementsUseDollarPlaceholders(t *testing.T) {
	s := &Store{table: `"dornt_kv"`, seq: `"dornt_kv_version_seq"`}
	s.psql = newBuilder()

	query, args, err := s.psql.Update(s.table).
		Set("value", []byte("x")).
		Set("version", s.nextVersion()).
		Where(map[string]any{"key": "k"}).
		ToSql()
	require.NoError(t, err)
	assert.Contains(t, query, "$1")
	assert.Contains(t, query, `nextval('"dornt_kv_version_seq"')`)
	assert.Len(t, args, 2)
}
