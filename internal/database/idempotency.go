package database

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dompet/backend/internal/core"
)

// IdempotencyRepo owns the records behind exactly-once tool invocation.
// The unique (tenant_id, key) constraint is what linearises concurrent
// calls; everything else builds on it.
type IdempotencyRepo struct {
	db  *DB
	ttl time.Duration
}

// NewIdempotencyRepo builds an IdempotencyRepo. Records expire after ttl so
// a crashed in-flight call cannot wedge its key forever.
func NewIdempotencyRepo(db *DB, ttl time.Duration) *IdempotencyRepo {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyRepo{db: db, ttl: ttl}
}

// Begin atomically claims (tenantId, key): it inserts a locked record, or on
// conflict refreshes lockedAt and returns the existing record. The caller
// inspects RequestHash and ResponsePayload to decide between conflict,
// replay and first execution.
func (r *IdempotencyRepo) Begin(ctx context.Context, tenantID, key, requestHash string) (*core.IdempotencyRecord, error) {
	now := time.Now().UTC()
	expires := now.Add(r.ttl)

	row := r.db.Pool.QueryRow(ctx, `
		INSERT INTO idempotency_records
			(id, tenant_id, key, request_hash, locked_at, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
		ON CONFLICT (tenant_id, key) DO UPDATE SET locked_at =
			CASE WHEN idempotency_records.response_payload IS NULL
			     THEN EXCLUDED.locked_at
			     ELSE idempotency_records.locked_at END
		RETURNING id, tenant_id, key, request_hash, response_payload,
		          locked_at, created_at, expires_at`,
		uuid.NewString(), tenantID, key, requestHash, now, expires)

	var rec core.IdempotencyRecord
	if err := row.Scan(&rec.ID, &rec.TenantID, &rec.Key, &rec.RequestHash,
		&rec.ResponsePayload, &rec.LockedAt, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Complete records the serialised tool output and clears the lock.
func (r *IdempotencyRepo) Complete(ctx context.Context, tenantID, key string, payload []byte) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE idempotency_records
		SET response_payload = $3, locked_at = NULL
		WHERE tenant_id = $1 AND key = $2`,
		tenantID, key, payload)
	return err
}

// Release clears the lock without recording a response, allowing retries
// after a resolver failure.
func (r *IdempotencyRepo) Release(ctx context.Context, tenantID, key string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE idempotency_records
		SET locked_at = NULL
		WHERE tenant_id = $1 AND key = $2 AND response_payload IS NULL`,
		tenantID, key)
	return err
}
