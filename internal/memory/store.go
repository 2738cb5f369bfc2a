// Package memory is the vector memory over insight embeddings: a
// pgvector-backed store that owns the per-user scope check on every search.
package memory

import (
	"context"
	"encoding/json"
	"fmt"

	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/database"
)

// Dimensions for the two supported embedder configurations.
const (
	DimExternal = 1536
	DimInternal = 7
)

// Store persists (insightId, userId, vector, metadata) rows and performs
// cosine top-K under a user filter.
type Store struct {
	db   *database.DB
	dims int
	log  zerolog.Logger
}

// New builds a Store with a fixed vector dimension. Mixing dimensions later
// is a configuration error, caught on every upsert.
func New(db *database.DB, dims int, log zerolog.Logger) (*Store, error) {
	if dims != DimExternal && dims != DimInternal {
		return nil, fmt.Errorf("unsupported embedding dimension %d (want %d or %d)", dims, DimExternal, DimInternal)
	}
	return &Store{
		db:   db,
		dims: dims,
		log:  log.With().Str("component", "vector-memory").Logger(),
	}, nil
}

// Dims returns the configured vector dimension.
func (s *Store) Dims() int { return s.dims }

// Upsert stores the embedding for one insight, replacing any prior vector.
// Exactly one row exists per insight id.
func (s *Store) Upsert(ctx context.Context, rec core.EmbeddingRecord) error {
	if len(rec.Vector) != s.dims {
		return core.E(core.CodeInternal,
			"embedding dimension mismatch: got %d, store is fixed at %d", len(rec.Vector), s.dims)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO insight_embeddings (id, user_id, embedding, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
			SET user_id = EXCLUDED.user_id,
			    embedding = EXCLUDED.embedding,
			    metadata = EXCLUDED.metadata`,
		rec.ID, rec.UserID, pgvector.NewVector(rec.Vector), metadata)
	return err
}

// Search returns the user's top-K insights by cosine similarity, joined
// back to the stored story. The user filter is applied here, in SQL: rows
// belonging to other users never leave the store regardless of what the
// caller asked for.
func (s *Store) Search(ctx context.Context, userID string, query []float32, limit int) ([]core.RetrievalDocument, error) {
	if len(query) != s.dims {
		return nil, core.E(core.CodeInternal,
			"query dimension mismatch: got %d, store is fixed at %d", len(query), s.dims)
	}
	if limit < 1 {
		limit = 1
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT e.id, e.user_id, e.metadata, i.story,
		       1 - (e.embedding <=> $2) AS score
		FROM insight_embeddings e
		JOIN monthly_insights i ON i.id = e.id
		WHERE e.user_id = $1
		ORDER BY e.embedding <=> $2
		LIMIT $3`,
		userID, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.RetrievalDocument
	for rows.Next() {
		var doc core.RetrievalDocument
		var metadata []byte
		var score float64
		if err := rows.Scan(&doc.ID, &doc.UserID, &metadata, &doc.Content, &score); err != nil {
			return nil, err
		}
		doc.Metadata = map[string]interface{}{}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &doc.Metadata)
		}
		doc.Metadata["score"] = score
		out = append(out, doc)
	}
	return out, rows.Err()
}
