package insight

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/dompet/backend/internal/core"
)

// Store persists monthly insights. Upserts are keyed by (userId, month) and
// replace prior values.
type Store interface {
	UpsertInsight(ctx context.Context, ins *core.MonthlyInsight) error
	GetInsight(ctx context.Context, userID, month string) (*core.MonthlyInsight, error)
	LatestInsight(ctx context.Context, userID string) (*core.MonthlyInsight, error)
	ListInsights(ctx context.Context, userID string, limit int) ([]core.MonthlyInsight, error)
}

// VectorUpserter is the slice of vector memory the engine needs.
type VectorUpserter interface {
	Upsert(ctx context.Context, rec core.EmbeddingRecord) error
}

// Embedder produces one vector per input text. Optional; when absent (or
// failing) the engine falls back to the deterministic 7-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Engine wraps the pure KPI computation with the insight + embedding upsert
// side effects. A single call writes both so they cannot diverge.
type Engine struct {
	store    Store
	memory   VectorUpserter
	embedder Embedder
	log      zerolog.Logger
	now      func() time.Time
}

// NewEngine builds an Engine. embedder may be nil.
func NewEngine(store Store, memory VectorUpserter, embedder Embedder, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		memory:   memory,
		embedder: embedder,
		log:      log.With().Str("component", "insight-engine").Logger(),
		now:      time.Now,
	}
}

// ComputeAndStore runs ComputeMonthly and upserts the insight together with
// its embedding, both keyed by (userId, month).
func (e *Engine) ComputeAndStore(ctx context.Context, in Input) (*core.MonthlyInsight, error) {
	result := ComputeMonthly(in)
	ins := result.Insight
	ins.CreatedAt = e.now().UTC()

	if err := e.store.UpsertInsight(ctx, ins); err != nil {
		return nil, core.WrapE(core.CodeInternal, err, "upsert insight %s", ins.ID)
	}

	vector := e.embedStory(ctx, ins.Story, result.FallbackVector)
	rec := core.EmbeddingRecord{
		ID:     ins.ID,
		UserID: ins.UserID,
		Vector: NormalizeL2(vector),
		Metadata: map[string]interface{}{
			"userId": ins.UserID,
			"month":  ins.Month,
			"kpis":   ins.KPIs,
		},
	}
	if err := e.memory.Upsert(ctx, rec); err != nil {
		return nil, core.WrapE(core.CodeInternal, err, "upsert embedding %s", ins.ID)
	}

	e.log.Debug().Str("insight", ins.ID).Int("dims", len(rec.Vector)).Msg("insight stored")
	return ins, nil
}

// Get returns the stored insight for (userID, month).
func (e *Engine) Get(ctx context.Context, userID, month string) (*core.MonthlyInsight, error) {
	return e.store.GetInsight(ctx, userID, month)
}

// Latest returns the most recent insight for the user.
func (e *Engine) Latest(ctx context.Context, userID string) (*core.MonthlyInsight, error) {
	return e.store.LatestInsight(ctx, userID)
}

// List returns the user's insights, newest month first.
func (e *Engine) List(ctx context.Context, userID string, limit int) ([]core.MonthlyInsight, error) {
	return e.store.ListInsights(ctx, userID, limit)
}

func (e *Engine) embedStory(ctx context.Context, story string, fallback []float32) []float32 {
	if e.embedder == nil {
		return fallback
	}
	vectors, err := e.embedder.Embed(ctx, []string{story})
	if err != nil || len(vectors) == 0 {
		if err != nil {
			e.log.Warn().Err(err).Msg("embedder unavailable, using fallback vector")
		}
		return fallback
	}
	return vectors[0]
}
