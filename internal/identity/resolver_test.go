package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dompet/backend/internal/core"
)

var testSecret = []byte("unit-test-secret")

func signToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	require.NoError(t, err)
	return signed
}

func validClaims() Claims {
	return Claims{
		TenantID:  "tenant-1",
		SessionID: "session-9",
		Roles:     []string{"member"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

type fakeTenants struct{}

func (fakeTenants) Ensure(_ context.Context, id, slug string) (*core.Tenant, error) {
	return &core.Tenant{ID: id, Slug: slug}, nil
}

type fakeCustomers struct {
	tenantID string
}

func (f fakeCustomers) Ensure(_ context.Context, tenantID, externalRef string) (*core.Customer, error) {
	resolved := tenantID
	if f.tenantID != "" {
		resolved = f.tenantID
	}
	return &core.Customer{
		ID:                "customer-" + externalRef,
		TenantID:          resolved,
		ExternalReference: externalRef,
	}, nil
}

func TestResolve_HappyPath(t *testing.T) {
	r := New(testSecret, fakeTenants{}, fakeCustomers{}, zerolog.Nop())

	scope, err := r.Resolve(context.Background(), "Bearer "+signToken(t, testSecret, validClaims()))
	require.NoError(t, err)

	assert.Equal(t, "user-1", scope.UserID)
	assert.Equal(t, "tenant-1", scope.TenantID)
	assert.Equal(t, "session-9", scope.SessionID)
	assert.Equal(t, "customer-user-1", scope.CustomerID)
	assert.Equal(t, []string{"member"}, scope.Roles)
}

func TestResolve_NoDirectoriesUsesSubjectAsCustomer(t *testing.T) {
	r := New(testSecret, nil, nil, zerolog.Nop())

	scope, err := r.Resolve(context.Background(), "Bearer "+signToken(t, testSecret, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "user-1", scope.CustomerID)
}

func TestResolve_MissingHeaderIsAuthRequired(t *testing.T) {
	r := New(testSecret, nil, nil, zerolog.Nop())

	_, err := r.Resolve(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, core.CodeAuthRequired, core.AsError(err).Code)
}

func TestResolve_RejectsMalformedTokens(t *testing.T) {
	r := New(testSecret, nil, nil, zerolog.Nop())

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noSubject := validClaims()
	noSubject.Subject = ""

	noTenant := validClaims()
	noTenant.TenantID = ""

	// A token without exp would otherwise never expire; it must be rejected
	// outright, not treated as unbounded.
	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil
	noExpiry.IssuedAt = jwt.NewNumericDate(time.Now().Add(-365 * 24 * time.Hour))

	cases := map[string]string{
		"not bearer":       "Basic dXNlcjpwYXNz",
		"garbage token":    "Bearer not.a.jwt",
		"wrong secret":     "Bearer " + signToken(t, []byte("other-secret"), validClaims()),
		"expired":          "Bearer " + signToken(t, testSecret, expired),
		"missing exp":      "Bearer " + signToken(t, testSecret, noExpiry),
		"missing subject":  "Bearer " + signToken(t, testSecret, noSubject),
		"missing tenantId": "Bearer " + signToken(t, testSecret, noTenant),
	}
	for name, header := range cases {
		_, err := r.Resolve(context.Background(), header)
		require.Error(t, err, name)
		assert.Equal(t, core.CodeAuthInvalid, core.AsError(err).Code, name)
	}
}

func TestResolve_RejectsNonHMACAlgorithms(t *testing.T) {
	r := New(testSecret, nil, nil, zerolog.Nop())

	// alg=none tokens must never pass, regardless of payload.
	token := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims())
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, rerr := r.Resolve(context.Background(), "Bearer "+signed)
	require.Error(t, rerr)
	assert.Equal(t, core.CodeAuthInvalid, core.AsError(rerr).Code)
}

func TestResolve_TenantScopeMismatch(t *testing.T) {
	r := New(testSecret, fakeTenants{}, fakeCustomers{tenantID: "tenant-other"}, zerolog.Nop())

	scope, err := r.Resolve(context.Background(), "Bearer "+signToken(t, testSecret, validClaims()))
	require.Error(t, err)
	assert.Equal(t, core.CodeAuthInvalid, core.AsError(err).Code)
	assert.Empty(t, scope.CustomerID)
}

func TestScopeRoundTripsThroughContext(t *testing.T) {
	scope := core.AuthenticatedUser{UserID: "user-1", TenantID: "tenant-1"}
	ctx := WithScope(context.Background(), scope)

	got, ok := ScopeFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, scope, got)

	_, ok = ScopeFrom(context.Background())
	assert.False(t, ok)
}
