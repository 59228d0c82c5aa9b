package embed

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is the number of texts per API call.
	DefaultBatchSize = 50
	// DefaultConcurrency is the number of batches in flight.
	DefaultConcurrency = 2
	// MaxTextRunes bounds the body excerpt used for an item's embedding text.
	MaxTextRunes = 1000
)

// PrepareText builds the embedding input for an item: its title, a blank
// line, then at most the first MaxTextRunes runes of its text.
func PrepareText(title, text string) string {
	r := []rune(text)
	if len(r) > MaxTextRunes {
		r = r[:MaxTextRunes]
	}
	return title + "\n\n" + string(r)
}

// Batcher splits large inputs into fixed-size batches and embeds them with
// bounded concurrency. Output order matches input order.
type Batcher struct {
	embedder    Embedder
	size        int
	concurrency int
}

// NewBatcher returns a Batcher. Non-positive size or concurrency fall back
// to the defaults.
func NewBatcher(e Embedder, size, concurrency int) *Batcher {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Batcher{embedder: e, size: size, concurrency: concurrency}
}

// EmbedAll embeds every text. The first failing batch cancels the rest.
func (b *Batcher) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for start := 0; start < len(texts); start += b.size {
		end := min(start+b.size, len(texts))
		g.Go(func() error {
			vecs, err := b.embedder.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
			}
			if len(vecs) != end-start {
				return fmt.Errorf("embedding batch %d-%d: got %d vectors", start, end, len(vecs))
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
