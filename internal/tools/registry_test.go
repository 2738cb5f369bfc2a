package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dompet/backend/internal/core"
)

// fakeIdempotencyStore is an in-memory stand-in for the Postgres-backed
// record table, keyed (tenant, key) like the real unique constraint.
type fakeIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]*core.IdempotencyRecord
}

func newFakeIdempotencyStore() *fakeIdempotencyStore {
	return &fakeIdempotencyStore{records: map[string]*core.IdempotencyRecord{}}
}

func (f *fakeIdempotencyStore) Begin(_ context.Context, tenantID, key, requestHash string) (*core.IdempotencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := tenantID + "/" + key
	if rec, ok := f.records[id]; ok {
		copied := *rec
		return &copied, nil
	}
	now := time.Now().UTC()
	rec := &core.IdempotencyRecord{
		ID: id, TenantID: tenantID, Key: key, RequestHash: requestHash,
		LockedAt: &now, CreatedAt: now,
	}
	f.records[id] = rec
	copied := *rec
	return &copied, nil
}

func (f *fakeIdempotencyStore) Complete(_ context.Context, tenantID, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[tenantID+"/"+key]
	rec.ResponsePayload = payload
	rec.LockedAt = nil
	return nil
}

func (f *fakeIdempotencyStore) Release(_ context.Context, tenantID, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[tenantID+"/"+key]
	if rec != nil && rec.ResponsePayload == nil {
		rec.LockedAt = nil
	}
	return nil
}

var testScope = core.AuthenticatedUser{
	UserID:     "user-1",
	TenantID:   "tenant-1",
	CustomerID: "customer-1",
}

func countingTool(name string, calls *int, fail error) *Tool {
	return &Tool{
		Name: name,
		Resolve: func(context.Context, core.AuthenticatedUser, map[string]interface{}) (interface{}, error) {
			*calls++
			if fail != nil {
				return nil, fail
			}
			return map[string]interface{}{"call": *calls}, nil
		},
	}
}

func TestInvoke_UnregisteredToolIsSkipped(t *testing.T) {
	reg := NewRegistry(nil, zerolog.Nop())
	res := reg.Invoke(context.Background(), testScope, "nope.exists", nil)
	assert.Equal(t, "skipped", res.Status)
	assert.Equal(t, "Tool handler not registered", res.Details["error"])
}

func TestInvoke_ValidationFailureIsLocal(t *testing.T) {
	reg := NewRegistry(nil, zerolog.Nop())
	reg.Register(&Tool{
		Name:     "strict.tool",
		Validate: func(map[string]interface{}) []string { return []string{"field is required"} },
		Resolve: func(context.Context, core.AuthenticatedUser, map[string]interface{}) (interface{}, error) {
			t.Fatal("resolver must not run on invalid input")
			return nil, nil
		},
	})

	res := reg.Invoke(context.Background(), testScope, "strict.tool", nil)
	assert.Equal(t, "error", res.Status)
	require.NotNil(t, res.Err)
	assert.Equal(t, core.CodeValidation, res.Err.Code)
}

func TestInvoke_ReplaySameKeyRunsResolverOnce(t *testing.T) {
	store := newFakeIdempotencyStore()
	reg := NewRegistry(store, zerolog.Nop())
	calls := 0
	reg.Register(countingTool("echo", &calls, nil))

	input := map[string]interface{}{"idempotencyKey": "key-1", "value": 42.0}

	first := reg.Invoke(context.Background(), testScope, "echo", input)
	require.Equal(t, "ok", first.Status)
	assert.False(t, first.Replayed)

	for i := 0; i < 3; i++ {
		again := reg.Invoke(context.Background(), testScope, "echo", input)
		require.Equal(t, "ok", again.Status)
		assert.True(t, again.Replayed)
	}
	assert.Equal(t, 1, calls)
}

func TestInvoke_SameKeyDifferentPayloadConflicts(t *testing.T) {
	store := newFakeIdempotencyStore()
	reg := NewRegistry(store, zerolog.Nop())
	calls := 0
	reg.Register(countingTool("echo", &calls, nil))

	first := reg.Invoke(context.Background(), testScope, "echo",
		map[string]interface{}{"idempotencyKey": "key-1", "value": 1.0})
	require.Equal(t, "ok", first.Status)

	second := reg.Invoke(context.Background(), testScope, "echo",
		map[string]interface{}{"idempotencyKey": "key-1", "value": 2.0})
	assert.Equal(t, "error", second.Status)
	require.NotNil(t, second.Err)
	assert.Equal(t, core.CodeIdempotency, second.Err.Code)
	assert.Equal(t, 1, calls)
}

func TestInvoke_FailureReleasesTheKeyForRetry(t *testing.T) {
	store := newFakeIdempotencyStore()
	reg := NewRegistry(store, zerolog.Nop())
	calls := 0
	boom := errors.New("resolver exploded")
	reg.Register(countingTool("flaky", &calls, boom))

	input := map[string]interface{}{"idempotencyKey": "key-1"}
	first := reg.Invoke(context.Background(), testScope, "flaky", input)
	assert.Equal(t, "error", first.Status)

	// Same key again: the lock was released, so the resolver runs again.
	reg.Register(countingTool("flaky", &calls, nil))
	second := reg.Invoke(context.Background(), testScope, "flaky", input)
	assert.Equal(t, "ok", second.Status)
	assert.Equal(t, 2, calls)
}

func TestInvoke_NoKeyRunsEveryTime(t *testing.T) {
	reg := NewRegistry(newFakeIdempotencyStore(), zerolog.Nop())
	calls := 0
	reg.Register(countingTool("plain", &calls, nil))

	for i := 0; i < 3; i++ {
		res := reg.Invoke(context.Background(), testScope, "plain", map[string]interface{}{})
		assert.Equal(t, "ok", res.Status)
		assert.False(t, res.Replayed)
	}
	assert.Equal(t, 3, calls)
}

func TestCanonicalHash_OrderInsensitive(t *testing.T) {
	a := CanonicalHash(map[string]interface{}{"x": 1.0, "y": "two", "z": []interface{}{1.0, 2.0}})
	b := CanonicalHash(map[string]interface{}{"z": []interface{}{1.0, 2.0}, "y": "two", "x": 1.0})
	assert.Equal(t, a, b)

	c := CanonicalHash(map[string]interface{}{"x": 2.0})
	assert.NotEqual(t, a, c)
}

func TestDeriveTransactionKey_StableAndScoped(t *testing.T) {
	at := time.Date(2024, 5, 11, 12, 0, 0, 0, time.UTC)

	k1 := DeriveTransactionKey("tenant-1", "customer-1", at, "125000.00", "lunch")
	k2 := DeriveTransactionKey("tenant-1", "customer-1", at, "125000.00", "lunch")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 24)

	assert.NotEqual(t, k1, DeriveTransactionKey("tenant-2", "customer-1", at, "125000.00", "lunch"))
	assert.NotEqual(t, k1, DeriveTransactionKey("tenant-1", "customer-1", at, "125000.00", "dinner"))
}
