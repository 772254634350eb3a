package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/provider"
	"github.com/opentalon/evolve/internal/workflow"
)

const (
	DefaultTopK = 3
	embedBatch  = 64
)

// ErrEmptyQuery is returned when a query has no text.
var ErrEmptyQuery = errors.New("query is empty")

// Completer is the text-generation call used to produce a workflow.
type Completer interface {
	Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error)
}

// GenerationError wraps a model answer that could not be used as a
// workflow definition. Raw holds the model output.
type GenerationError struct {
	Raw string
	Err error
}

func (e *GenerationError) Error() string { return "generated workflow is unusable: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// Result is a generated workflow together with the templates it drew on.
type Result struct {
	Definition *workflow.Definition
	Raw        string
	Sources    []string
}

// IndexStats describes the outcome of EnsureIndex.
type IndexStats struct {
	Documents int
	Chunks    int
	Rebuilt   bool
}

type Options struct {
	TemplatesDir string
	TopK         int
	ChunkSize    int
	ChunkOverlap int
	Logger       *slog.Logger
}

// Retriever finds example templates similar to a request and asks the
// generator model to adapt them into a new workflow.
type Retriever struct {
	index        Index
	embedder     Embedder
	llm          Completer
	splitter     *Splitter
	templatesDir string
	topK         int
	logger       *slog.Logger
}

func New(index Index, embedder Embedder, llm Completer, opts Options) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
		if opts.ChunkOverlap == 0 {
			opts.ChunkOverlap = DefaultChunkOverlap
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		index:        index,
		embedder:     embedder,
		llm:          llm,
		splitter:     NewSplitter(opts.ChunkSize, opts.ChunkOverlap),
		templatesDir: opts.TemplatesDir,
		topK:         opts.TopK,
		logger:       log.WithComponent(logger, "retriever"),
	}
}

// EnsureIndex builds the corpus index when it is empty, when it was built
// with a different embedding model, or when rebuild is set. Otherwise the
// existing index is reused.
func (r *Retriever) EnsureIndex(ctx context.Context, rebuild bool) (IndexStats, error) {
	count, err := r.index.Count(ctx)
	if err != nil {
		return IndexStats{}, err
	}
	model, err := r.index.Model(ctx)
	if err != nil {
		return IndexStats{}, err
	}
	if !rebuild && count > 0 && model == r.embedder.Model() {
		r.logger.Info("[RAG] Loading existing vector store", "chunks", count)
		return IndexStats{Chunks: count}, nil
	}

	r.logger.Info("[RAG] Creating new vector store", "templates_dir", r.templatesDir)
	start := time.Now()
	docs, err := LoadTemplates(r.templatesDir, r.logger)
	if err != nil {
		return IndexStats{}, err
	}
	var chunks []Chunk
	for _, d := range docs {
		for i, text := range r.splitter.Split(d.Content) {
			chunks = append(chunks, Chunk{ID: chunkID(d.Source, i), Source: d.Source, Index: i, Content: text})
		}
	}
	for lo := 0; lo < len(chunks); lo += embedBatch {
		hi := min(lo+embedBatch, len(chunks))
		texts := make([]string, hi-lo)
		for i := range texts {
			texts[i] = chunks[lo+i].Content
		}
		vecs, err := r.embedder.Embed(ctx, texts)
		if err != nil {
			return IndexStats{}, fmt.Errorf("embed chunks: %w", err)
		}
		if len(vecs) != len(texts) {
			return IndexStats{}, fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vecs), len(texts))
		}
		for i, v := range vecs {
			chunks[lo+i].Embedding = v
		}
	}
	if err := r.index.Replace(ctx, r.embedder.Model(), chunks); err != nil {
		return IndexStats{}, err
	}
	r.logger.Info("[RAG] System initialized",
		"documents", len(docs), "chunks", len(chunks), log.KeyDurationMS, time.Since(start).Milliseconds())
	return IndexStats{Documents: len(docs), Chunks: len(chunks), Rebuilt: true}, nil
}

// Relevant returns the k chunks most similar to query without generating.
func (r *Retriever) Relevant(ctx context.Context, query string, k int) ([]Match, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = r.topK
	}
	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	return r.index.Search(ctx, vecs[0], k)
}

// Retrieve generates one workflow definition for q. An answer that does not
// parse as a workflow is reported as a *GenerationError; it is not retried.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*Result, error) {
	matches, err := r.Relevant(ctx, q.Text, r.topK)
	if err != nil {
		return nil, err
	}
	sources := make([]string, 0, len(matches))
	for _, m := range matches {
		sources = append(sources, m.Source)
	}

	resp, err := r.llm.Complete(ctx, &provider.CompletionRequest{
		Messages: []provider.Message{provider.User(BuildPrompt(matches, q))},
		Format:   provider.FormatJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("generate workflow: %w", err)
	}
	def, err := workflow.ParseString(resp.Content)
	if err != nil {
		return nil, &GenerationError{Raw: resp.Content, Err: err}
	}
	r.logger.Debug("generated workflow", log.KeyWorkflow, def.Name, "sources", sources)
	return &Result{Definition: def, Raw: resp.Content, Sources: sources}, nil
}
