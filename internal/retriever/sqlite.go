package retriever

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/opentalon/evolve/internal/store"
)

// SQLiteIndex keeps the corpus in the local template store. Vectors are
// stored in pgvector text form and ranked in process.
type SQLiteIndex struct {
	db *store.DB
}

// OpenSQLiteIndex opens (or creates) dataDir/templates.db.
func OpenSQLiteIndex(dataDir string) (*SQLiteIndex, error) {
	db, err := store.Open(dataDir)
	if err != nil {
		return nil, err
	}
	return &SQLiteIndex{db: db}, nil
}

func (x *SQLiteIndex) Close() error { return x.db.Close() }

func (x *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.SQLDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM template_chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

func (x *SQLiteIndex) Model(ctx context.Context) (string, error) {
	return x.db.Meta(ctx, metaEmbeddingModel)
}

func (x *SQLiteIndex) Replace(ctx context.Context, model string, chunks []Chunk) error {
	tx, err := x.db.SQLDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace chunks: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM template_chunks"); err != nil {
		return fmt.Errorf("replace chunks: clear: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO template_chunks (id, source, chunk_index, content, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("replace chunks: prepare: %w", err)
	}
	defer stmt.Close()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, c.Source, c.Index, c.Content, pgvector.NewVector(c.Embedding).String(), now); err != nil {
			return fmt.Errorf("replace chunks: insert %s: %w", c.ID, err)
		}
	}
	if err := store.SetMeta(ctx, tx, metaEmbeddingModel, model); err != nil {
		return err
	}
	return tx.Commit()
}

func (x *SQLiteIndex) Search(ctx context.Context, vec []float32, k int) ([]Match, error) {
	rows, err := x.db.SQLDB().QueryContext(ctx,
		"SELECT id, source, chunk_index, content, embedding FROM template_chunks")
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m   Match
			emb pgvector.Vector
		)
		if err := rows.Scan(&m.ID, &m.Source, &m.Index, &m.Content, &emb); err != nil {
			return nil, fmt.Errorf("search chunks: scan: %w", err)
		}
		m.Embedding = emb.Slice()
		m.Score = cosine(vec, m.Embedding)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return topK(matches, k), nil
}
