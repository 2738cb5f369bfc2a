// Package tools is the idempotent tool registry: named, side-effecting
// operations with typed inputs that the plan executor invokes through a
// single exactly-once protocol.
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dompet/backend/internal/core"
	"github.com/dompet/backend/internal/metrics"
)

// ============================================================
// Tool definition
// ============================================================

// Tool is one named operation. Validate returns human-readable issues for
// bad input; Resolve performs the operation under the caller's scope.
type Tool struct {
	Name        string
	Description string
	Validate    func(input map[string]interface{}) []string
	Resolve     func(ctx context.Context, scope core.AuthenticatedUser, input map[string]interface{}) (interface{}, error)
}

// Result is the outcome of one invocation. Replayed marks a response served
// from a completed idempotency record instead of a fresh resolver run.
type Result struct {
	Tool     string                 `json:"tool"`
	Status   string                 `json:"status"` // ok | error | skipped
	Replayed bool                   `json:"replayed"`
	Data     interface{}            `json:"data,omitempty"`
	Err      *core.Error            `json:"error,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// OK reports whether the invocation produced usable output.
func (r Result) OK() bool { return r.Status == "ok" }

// IdempotencyStore is the slice of persistence the registry needs for the
// exactly-once protocol.
type IdempotencyStore interface {
	Begin(ctx context.Context, tenantID, key, requestHash string) (*core.IdempotencyRecord, error)
	Complete(ctx context.Context, tenantID, key string, payload []byte) error
	Release(ctx context.Context, tenantID, key string) error
}

// ============================================================
// Registry
// ============================================================

// Registry holds the tool set and drives the invocation protocol.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]*Tool
	idempotency IdempotencyStore
	log         zerolog.Logger
}

// NewRegistry builds an empty registry. idempotency may be nil, in which
// case supplied idempotency keys are ignored and every call executes fresh.
func NewRegistry(idempotency IdempotencyStore, log zerolog.Logger) *Registry {
	return &Registry{
		tools:       make(map[string]*Tool),
		idempotency: idempotency,
		log:         log.With().Str("component", "tool-registry").Logger(),
	}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// CanonicalHash hashes the canonical JSON form of a payload. Go's encoder
// emits map keys in sorted order, which is the canonical form here.
func CanonicalHash(payload map[string]interface{}) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Invoke runs the named tool under the invocation protocol:
//
//  1. validate input, reject with VALIDATION_ERROR;
//  2. when the input carries an idempotencyKey, claim the (tenant, key)
//     record with the request hash;
//  3. same key with a different hash is IDEMPOTENCY_CONFLICT;
//  4. a completed record replays its stored response bit-identically;
//  5. otherwise the resolver runs once, its output is recorded and the
//     lock cleared. A failed resolver releases the lock so the key can be
//     retried; a cancelled one leaves the lock to expire on its own.
//
// Unregistered tools produce a skipped result rather than an error so the
// executor can continue the plan.
func (r *Registry) Invoke(ctx context.Context, scope core.AuthenticatedUser, name string, input map[string]interface{}) Result {
	tool, ok := r.Get(name)
	if !ok {
		metrics.ToolInvocations.WithLabelValues(name, "skipped").Inc()
		return Result{
			Tool:    name,
			Status:  "skipped",
			Details: map[string]interface{}{"error": "Tool handler not registered"},
		}
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	if tool.Validate != nil {
		if issues := tool.Validate(input); len(issues) > 0 {
			metrics.ToolInvocations.WithLabelValues(name, "invalid").Inc()
			return Result{Tool: name, Status: "error", Err: core.ValidationError(issues)}
		}
	}

	key, _ := input["idempotencyKey"].(string)
	if key == "" || r.idempotency == nil {
		return r.execute(ctx, tool, scope, input)
	}

	hash := CanonicalHash(input)
	rec, err := r.idempotency.Begin(ctx, scope.TenantID, key, hash)
	if err != nil {
		return Result{Tool: name, Status: "error", Err: core.AsError(err)}
	}
	if rec.RequestHash != hash {
		metrics.ToolInvocations.WithLabelValues(name, "conflict").Inc()
		return Result{Tool: name, Status: "error", Err: core.E(core.CodeIdempotency,
			"idempotency key %q was already used with a different payload", key)}
	}
	if len(rec.ResponsePayload) > 0 {
		var data interface{}
		if err := json.Unmarshal(rec.ResponsePayload, &data); err != nil {
			return Result{Tool: name, Status: "error", Err: core.WrapE(core.CodeInternal, err,
				"stored response for key %q is unreadable", key)}
		}
		metrics.ToolInvocations.WithLabelValues(name, "replayed").Inc()
		return Result{Tool: name, Status: "ok", Replayed: true, Data: data}
	}

	res := r.execute(ctx, tool, scope, input)
	if res.Status != "ok" {
		// Cancellation must not complete or release the record; the lock
		// expires via the record TTL.
		if res.Err == nil || res.Err.Code != core.CodeCancelled {
			if relErr := r.idempotency.Release(context.WithoutCancel(ctx), scope.TenantID, key); relErr != nil {
				r.log.Warn().Err(relErr).Str("tool", name).Msg("release idempotency lock failed")
			}
		}
		return res
	}

	payload, err := json.Marshal(res.Data)
	if err != nil {
		return Result{Tool: name, Status: "error", Err: core.WrapE(core.CodeInternal, err,
			"serialise %s output", name)}
	}
	if err := r.idempotency.Complete(ctx, scope.TenantID, key, payload); err != nil {
		return Result{Tool: name, Status: "error", Err: core.AsError(err)}
	}
	return res
}

func (r *Registry) execute(ctx context.Context, tool *Tool, scope core.AuthenticatedUser, input map[string]interface{}) Result {
	data, err := tool.Resolve(ctx, scope, input)
	if err != nil {
		typed := core.AsError(err)
		metrics.ToolInvocations.WithLabelValues(tool.Name, "error").Inc()
		r.log.Warn().Err(err).Str("tool", tool.Name).Msg("tool resolver failed")
		return Result{Tool: tool.Name, Status: "error", Err: typed}
	}
	metrics.ToolInvocations.WithLabelValues(tool.Name, "ok").Inc()
	return Result{Tool: tool.Name, Status: "ok", Data: data}
}
