package embed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	mu       sync.Mutex
	batches  []int
	inFlight int32
	peak     int32
	failOn   string
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if cur <= p || atomic.CompareAndSwapInt32(&f.peak, p, cur) {
			break
		}
	}
	f.mu.Lock()
	f.batches = append(f.batches, len(texts))
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, s := range texts {
		if s == f.failOn {
			return nil, errors.New("bad input")
		}
		var n int
		_, _ = fmt.Sscanf(s, "t%d", &n)
		out[i] = []float32{float32(n)}
	}
	return out, nil
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("t%d", i)
	}
	return out
}

func TestBatcherPreservesOrder(t *testing.T) {
	f := &fakeEmbedder{}
	b := NewBatcher(f, 50, 3)

	vecs, err := b.EmbedAll(context.Background(), texts(120))
	require.NoError(t, err)
	require.Len(t, vecs, 120)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v[0])
	}
	assert.ElementsMatch(t, []int{50, 50, 20}, f.batches)
	assert.LessOrEqual(t, atomic.LoadInt32(&f.peak), int32(3))
}

func TestBatcherDefaults(t *testing.T) {
	b := NewBatcher(&fakeEmbedder{}, 0, 0)
	assert.Equal(t, DefaultBatchSize, b.size)
	assert.Equal(t, DefaultConcurrency, b.concurrency)

	vecs, err := b.EmbedAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestBatcherFailure(t *testing.T) {
	f := &fakeEmbedder{failOn: "t7"}
	_, err := NewBatcher(f, 5, 1).EmbedAll(context.Background(), texts(12))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 5-10")
}
