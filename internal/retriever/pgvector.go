package retriever

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

const pgSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS evolve_template_chunks (
    id          TEXT PRIMARY KEY,
    source      TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    content     TEXT NOT NULL,
    embedding   vector NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS evolve_index_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`

// PGVectorIndex stores the corpus in Postgres and lets pgvector rank it
// by cosine distance.
type PGVectorIndex struct {
	db *sql.DB
}

// OpenPGVectorIndex connects to dsn and ensures the schema exists.
func OpenPGVectorIndex(ctx context.Context, dsn string) (*PGVectorIndex, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgvector index: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgvector index: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pgvector index: schema: %w", err)
	}
	return &PGVectorIndex{db: db}, nil
}

func (x *PGVectorIndex) Close() error { return x.db.Close() }

func (x *PGVectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM evolve_template_chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

func (x *PGVectorIndex) Model(ctx context.Context) (string, error) {
	var v string
	err := x.db.QueryRowContext(ctx, "SELECT value FROM evolve_index_meta WHERE key = $1", metaEmbeddingModel).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read index model: %w", err)
	}
	return v, nil
}

func (x *PGVectorIndex) Replace(ctx context.Context, model string, chunks []Chunk) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace chunks: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM evolve_template_chunks"); err != nil {
		return fmt.Errorf("replace chunks: clear: %w", err)
	}
	for _, c := range chunks {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO evolve_template_chunks (id, source, chunk_index, content, embedding) VALUES ($1, $2, $3, $4, $5)",
			c.ID, c.Source, c.Index, c.Content, pgvector.NewVector(c.Embedding))
		if err != nil {
			return fmt.Errorf("replace chunks: insert %s: %w", c.ID, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO evolve_index_meta (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value",
		metaEmbeddingModel, model)
	if err != nil {
		return fmt.Errorf("replace chunks: meta: %w", err)
	}
	return tx.Commit()
}

func (x *PGVectorIndex) Search(ctx context.Context, vec []float32, k int) ([]Match, error) {
	q := pgvector.NewVector(vec)
	rows, err := x.db.QueryContext(ctx,
		`SELECT id, source, chunk_index, content, embedding, 1 - (embedding <=> $1) AS score
		 FROM evolve_template_chunks ORDER BY embedding <=> $1 LIMIT $2`, q, k)
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
		if err := rows.Scan(&m.ID, &m.Source, &m.Index, &m.Content, &emb, &m.Score); err != nil {
			return nil, fmt.Errorf("search chunks: scan: %w", err)
		}
		m.Embedding = emb.Slice()
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
