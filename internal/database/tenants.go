package database

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/dompet/backend/internal/core"
)

// TenantRepo persists tenants.
type TenantRepo struct {
	db *DB
}

// NewTenantRepo builds a TenantRepo.
func NewTenantRepo(db *DB) *TenantRepo {
	return &TenantRepo{db: db}
}

// Ensure creates the tenant row if it does not exist and returns it.
// Existing rows are returned untouched; tenant ids are immutable.
func (r *TenantRepo) Ensure(ctx context.Context, id, slug string) (*core.Tenant, error) {
	if id == "" {
		id = uuid.NewString()
	}
	row := r.db.Pool.QueryRow(ctx, `
		INSERT INTO tenants (id, slug, metadata)
		VALUES ($1, $2, '{}'::jsonb)
		ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
		RETURNING id, slug, metadata`,
		id, slug)

	var t core.Tenant
	var metadata []byte
	if err := row.Scan(&t.ID, &t.Slug, &metadata); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &t.Metadata)
	}
	return &t, nil
}

// Get loads a tenant by id.
func (r *TenantRepo) Get(ctx context.Context, id string) (*core.Tenant, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT id, slug, metadata FROM tenants WHERE id = $1`, id)

	var t core.Tenant
	var metadata []byte
	if err := row.Scan(&t.ID, &t.Slug, &metadata); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &t.Metadata)
	}
	return &t, nil
}
