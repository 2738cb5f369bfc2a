package database

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/dompet/backend/internal/core"
)

// TransactionRepo persists ledger rows.
type TransactionRepo struct {
	db *DB
}

// NewTransactionRepo builds a TransactionRepo.
func NewTransactionRepo(db *DB) *TransactionRepo {
	return &TransactionRepo{db: db}
}

// Insert writes one transaction. The unique (tenant_id, idempotency_handle)
// constraint acts as the secondary deduplication barrier: a conflicting row
// is left untouched and the existing row is returned with inserted=false.
func (r *TransactionRepo) Insert(ctx context.Context, tx *core.Transaction) (*core.Transaction, bool, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return nil, false, err
	}

	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO transactions
			(id, tenant_id, customer_id, amount, currency, type, category,
			 description, occurred_at, metadata, idempotency_handle)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, idempotency_handle) DO NOTHING`,
		tx.ID, tx.TenantID, tx.CustomerID, tx.Amount, tx.Currency, string(tx.Type),
		tx.Category, tx.Description, tx.OccurredAt.UTC(), metadata, tx.IdempotencyHandle)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		return tx, true, nil
	}

	// Duplicate handle: hand back the row that won.
	existing, err := r.getByHandle(ctx, tx.TenantID, tx.IdempotencyHandle)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *TransactionRepo) getByHandle(ctx context.Context, tenantID, handle string) (*core.Transaction, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, customer_id, amount, currency, type, category,
		       description, occurred_at, metadata, idempotency_handle
		FROM transactions
		WHERE tenant_id = $1 AND idempotency_handle = $2`,
		tenantID, handle)

	var tx core.Transaction
	var metadata []byte
	var txType string
	if err := row.Scan(&tx.ID, &tx.TenantID, &tx.CustomerID, &tx.Amount, &tx.Currency,
		&txType, &tx.Category, &tx.Description, &tx.OccurredAt, &metadata, &tx.IdempotencyHandle); err != nil {
		return nil, err
	}
	tx.Type = core.TransactionType(txType)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &tx.Metadata)
	}
	return &tx, nil
}

// InsertBatch writes a chunk of transactions in one round trip and returns
// how many rows actually landed (duplicates are skipped).
func (r *TransactionRepo) InsertBatch(ctx context.Context, txs []core.Transaction) (int, error) {
	inserted := 0
	for i := range txs {
		_, ok, err := r.Insert(ctx, &txs[i])
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// ListMonth returns the customer's transactions whose occurredAt falls in
// the given YYYY-MM month (UTC), oldest first.
func (r *TransactionRepo) ListMonth(ctx context.Context, tenantID, customerID, month string) ([]core.Transaction, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, tenant_id, customer_id, amount, currency, type, category,
		       description, occurred_at, metadata, idempotency_handle
		FROM transactions
		WHERE tenant_id = $1 AND customer_id = $2
		  AND to_char(occurred_at AT TIME ZONE 'UTC', 'YYYY-MM') = $3
		ORDER BY occurred_at ASC`,
		tenantID, customerID, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		var tx core.Transaction
		var metadata []byte
		var txType string
		if err := rows.Scan(&tx.ID, &tx.TenantID, &tx.CustomerID, &tx.Amount, &tx.Currency,
			&txType, &tx.Category, &tx.Description, &tx.OccurredAt, &metadata, &tx.IdempotencyHandle); err != nil {
			return nil, err
		}
		tx.Type = core.TransactionType(txType)
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &tx.Metadata)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}
