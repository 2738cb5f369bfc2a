package database

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dompet/backend/internal/core"
)

// CustomerRepo persists tenant-scoped customers.
type CustomerRepo struct {
	db *DB
}

// NewCustomerRepo builds a CustomerRepo.
func NewCustomerRepo(db *DB) *CustomerRepo {
	return &CustomerRepo{db: db}
}

func scanCustomer(row pgx.Row) (*core.Customer, error) {
	var c core.Customer
	var metadata []byte
	if err := row.Scan(&c.ID, &c.TenantID, &c.ExternalReference, &metadata); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &c.Metadata)
	}
	return &c, nil
}

// Ensure resolves (tenantId, externalReference) to a customer, creating the
// row lazily on first authenticated use.
func (r *CustomerRepo) Ensure(ctx context.Context, tenantID, externalRef string) (*core.Customer, error) {
	row := r.db.Pool.QueryRow(ctx, `
		INSERT INTO customers (id, tenant_id, external_reference, metadata)
		VALUES ($1, $2, $3, '{}'::jsonb)
		ON CONFLICT (tenant_id, external_reference)
			DO UPDATE SET external_reference = EXCLUDED.external_reference
		RETURNING id, tenant_id, external_reference, metadata`,
		uuid.NewString(), tenantID, externalRef)
	return scanCustomer(row)
}

// Get loads a customer by (tenantId, externalReference); nil when absent.
func (r *CustomerRepo) Get(ctx context.Context, tenantID, externalRef string) (*core.Customer, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, external_reference, metadata
		FROM customers WHERE tenant_id = $1 AND external_reference = $2`,
		tenantID, externalRef)
	c, err := scanCustomer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// GetByID loads a customer by primary key; nil when absent.
func (r *CustomerRepo) GetByID(ctx context.Context, id string) (*core.Customer, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT id, tenant_id, external_reference, metadata
		FROM customers WHERE id = $1`, id)
	c, err := scanCustomer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// UpdateMetadata replaces the customer's metadata document.
func (r *CustomerRepo) UpdateMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx,
		`UPDATE customers SET metadata = $2 WHERE id = $1`, id, encoded)
	return err
}

// ListOptedIn returns every customer of the tenant whose
// metadata.preferences.allowBenchmarking is true. The filter runs in SQL so
// non-opted rows never leave the database.
func (r *CustomerRepo) ListOptedIn(ctx context.Context, tenantID string) ([]core.Customer, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, tenant_id, external_reference, metadata
		FROM customers
		WHERE tenant_id = $1
		  AND (metadata -> 'preferences' ->> 'allowBenchmarking')::boolean IS TRUE`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
