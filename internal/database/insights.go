package database

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/dompet/backend/internal/core"
)

// InsightRepo persists monthly insights. The (user_id, month) unique
// constraint serialises concurrent upserts; last writer wins at row level.
type InsightRepo struct {
	db *DB
}

// NewInsightRepo builds an InsightRepo.
func NewInsightRepo(db *DB) *InsightRepo {
	return &InsightRepo{db: db}
}

// UpsertInsight replaces the insight for (userId, month).
func (r *InsightRepo) UpsertInsight(ctx context.Context, ins *core.MonthlyInsight) error {
	kpis, err := json.Marshal(ins.KPIs)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO monthly_insights (id, user_id, month, kpis, story, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, month) DO UPDATE
			SET kpis = EXCLUDED.kpis,
			    story = EXCLUDED.story,
			    created_at = EXCLUDED.created_at`,
		ins.ID, ins.UserID, ins.Month, kpis, ins.Story, ins.CreatedAt)
	return err
}

func scanInsight(row pgx.Row) (*core.MonthlyInsight, error) {
	var ins core.MonthlyInsight
	var kpis []byte
	if err := row.Scan(&ins.ID, &ins.UserID, &ins.Month, &kpis, &ins.Story, &ins.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(kpis, &ins.KPIs); err != nil {
		return nil, err
	}
	return &ins, nil
}

// GetInsight loads the insight for (userId, month); nil when absent.
func (r *InsightRepo) GetInsight(ctx context.Context, userID, month string) (*core.MonthlyInsight, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, user_id, month, kpis, story, created_at
		FROM monthly_insights WHERE user_id = $1 AND month = $2`,
		userID, month)
	ins, err := scanInsight(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ins, err
}

// LatestInsight loads the user's most recent insight; nil when they have
// none.
func (r *InsightRepo) LatestInsight(ctx context.Context, userID string) (*core.MonthlyInsight, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, user_id, month, kpis, story, created_at
		FROM monthly_insights WHERE user_id = $1
		ORDER BY month DESC LIMIT 1`,
		userID)
	ins, err := scanInsight(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ins, err
}

// ListInsights returns the user's insights, newest month first.
func (r *InsightRepo) ListInsights(ctx context.Context, userID string, limit int) ([]core.MonthlyInsight, error) {
	if limit < 1 {
		limit = 12
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, user_id, month, kpis, story, created_at
		FROM monthly_insights WHERE user_id = $1
		ORDER BY month DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.MonthlyInsight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ins)
	}
	return out, rows.Err()
}

// LatestPerUser returns each listed user's most recent insight. Users with
// no insight are simply absent from the result.
func (r *InsightRepo) LatestPerUser(ctx context.Context, userIDs []string) (map[string]*core.MonthlyInsight, error) {
	if len(userIDs) == 0 {
		return map[string]*core.MonthlyInsight{}, nil
	}
	rows, err := r.db.Pool.Query(ctx, `
		SELECT DISTINCT ON (user_id) id, user_id, month, kpis, story, created_at
		FROM monthly_insights
		WHERE user_id = ANY($1)
		ORDER BY user_id, month DESC`,
		userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*core.MonthlyInsight)
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		out[ins.UserID] = ins
	}
	return out, rows.Err()
}
