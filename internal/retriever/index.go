package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Chunk is one indexed slice of a template document.
type Chunk struct {
	ID        string
	Source    string
	Index     int
	Content   string
	Embedding []float32
}

func chunkID(source string, index int) string {
	return fmt.Sprintf("%s#%d", source, index)
}

// Match is a chunk returned by a similarity search, most similar first.
type Match struct {
	Chunk
	Score float64
}

// Index persists embedded chunks and answers nearest-neighbour queries.
type Index interface {
	// Count returns the number of stored chunks.
	Count(ctx context.Context) (int, error)
	// Model returns the embedding model the stored vectors were built with.
	Model(ctx context.Context) (string, error)
	// Replace atomically swaps the stored corpus for chunks.
	Replace(ctx context.Context, model string, chunks []Chunk) error
	Search(ctx context.Context, vec []float32, k int) ([]Match, error)
	Close() error
}

const metaEmbeddingModel = "embedding_model"

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// topK ranks matches by score, breaking ties by source and chunk order.
func topK(matches []Match, k int) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Source != matches[j].Source {
			return matches[i].Source < matches[j].Source
		}
		return matches[i].Index < matches[j].Index
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
