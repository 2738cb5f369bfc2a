// Package identity verifies bearer tokens and resolves them into the
// tenant-scoped request identity. Customers are created lazily on first
// authenticated use.
package identity

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/dompet/backend/internal/core"
)

// TenantDirectory ensures the token's tenant exists.
type TenantDirectory interface {
	Ensure(ctx context.Context, id, slug string) (*core.Tenant, error)
}

// CustomerDirectory resolves the token subject to a customer row.
type CustomerDirectory interface {
	Ensure(ctx context.Context, tenantID, externalRef string) (*core.Customer, error)
}

// Claims is the token payload the service accepts.
type Claims struct {
	TenantID  string   `json:"tenantId"`
	SessionID string   `json:"sid,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Resolver turns Authorization headers into an AuthenticatedUser.
type Resolver struct {
	secret    []byte
	tenants   TenantDirectory
	customers CustomerDirectory
	log       zerolog.Logger
}

// New builds a Resolver. tenants and customers may be nil for deployments
// without a database (identity then carries the raw claims only).
func New(secret []byte, tenants TenantDirectory, customers CustomerDirectory, log zerolog.Logger) *Resolver {
	return &Resolver{
		secret:    secret,
		tenants:   tenants,
		customers: customers,
		log:       log.With().Str("component", "identity").Logger(),
	}
}

// Resolve verifies the bearer token and materialises the request scope. A
// missing header is AUTH_REQUIRED; everything else wrong with the token is
// AUTH_INVALID. Token contents never appear in errors or logs.
func (r *Resolver) Resolve(ctx context.Context, authorization string) (core.AuthenticatedUser, error) {
	var scope core.AuthenticatedUser

	if authorization == "" {
		return scope, core.E(core.CodeAuthRequired, "authorization required")
	}
	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok {
		return scope, core.E(core.CodeAuthInvalid, "authorization must be a bearer token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, core.E(core.CodeAuthInvalid, "unexpected signing method")
		}
		return r.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return scope, core.E(core.CodeAuthInvalid, "invalid or expired token")
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return scope, core.E(core.CodeAuthInvalid, "token is missing required claims")
	}

	scope = core.AuthenticatedUser{
		UserID:    claims.Subject,
		TenantID:  claims.TenantID,
		SessionID: claims.SessionID,
		Roles:     claims.Roles,
	}

	if r.tenants != nil && r.customers != nil {
		tenant, err := r.tenants.Ensure(ctx, claims.TenantID, claims.TenantID)
		if err != nil {
			return scope, core.WrapE(core.CodeInternal, err, "resolve tenant")
		}
		customer, err := r.customers.Ensure(ctx, tenant.ID, claims.Subject)
		if err != nil {
			return scope, core.WrapE(core.CodeInternal, err, "resolve customer")
		}
		// A customer row in a different tenant than the token names is a
		// scope violation, not a race to repair.
		if customer.TenantID != tenant.ID {
			return core.AuthenticatedUser{}, core.E(core.CodeAuthInvalid, "token scope mismatch")
		}
		scope.CustomerID = customer.ID
	} else {
		scope.CustomerID = claims.Subject
	}

	return scope, nil
}

// context caching so handlers reach the resolved scope without re-parsing.

type contextKey struct{}

// WithScope stores the resolved identity on the context.
func WithScope(ctx context.Context, scope core.AuthenticatedUser) context.Context {
	return context.WithValue(ctx, contextKey{}, scope)
}

// ScopeFrom returns the identity placed by WithScope.
func ScopeFrom(ctx context.Context) (core.AuthenticatedUser, bool) {
	scope, ok := ctx.Value(contextKey{}).(core.AuthenticatedUser)
	return scope, ok
}
