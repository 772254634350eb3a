package retriever

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a live Postgres with the vector extension available.
func TestPGVectorIndex(t *testing.T) {
	dsn := os.Getenv("EVOLVE_PGVECTOR_DSN")
	if dsn == "" {
		t.Skip("EVOLVE_PGVECTOR_DSN not set")
	}
	ctx := context.Background()
	idx, err := OpenPGVectorIndex(ctx, dsn)
	require.NoError(t, err)
	defer idx.Close()

	chunks := []Chunk{
		{ID: chunkID("a.json", 0), Source: "a.json", Content: "a", Embedding: []float32{1, 0, 0}},
		{ID: chunkID("b.json", 0), Source: "b.json", Content: "b", Embedding: []float32{0, 1, 0}},
	}
	require.NoError(t, idx.Replace(ctx, "m1", chunks))
	t.Cleanup(func() { _ = idx.Replace(context.Background(), "", nil) })

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	model, err := idx.Model(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m1", model)

	got, err := idx.Search(ctx, []float32{0.1, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b.json", got[0].Source)
	assert.InDelta(t, 0.995, got[0].Score, 0.01)
}
