package database

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	// TenantScopeKey is the context key for storing the scoped database connection.
	TenantScopeKey contextKey = "tenantScope"
)

// GetTenantScope retrieves the scoped database connection from context.
// Returns nil and false if not present.
func GetTenantScope(ctx context.Context) (*TenantScope, bool) {
	scope, ok := ctx.Value(TenantScopeKey).(*TenantScope)
	return scope, ok
}

// SetTenantScope stores the scoped database connection in context.
func SetTenantScope(ctx context.Context, scope *TenantScope) context.Context {
	return context.WithValue(ctx, TenantScopeKey, scope)
}

// ScopeProvider creates scoped contexts for services that run outside an HTTP request.
type ScopeProvider interface {
	// WithTenantScope returns a context scoped to one account.
	WithTenantScope(ctx context.Context, accountID uuid.UUID) (context.Context, func(), error)
	// WithoutTenantScope returns a context with an unscoped connection.
	WithoutTenantScope(ctx context.Context) (context.Context, func(), error)
}

// TenantScopeProvider implements ScopeProvider on a connection pool.
type TenantScopeProvider struct {
	db *DB
}

// NewTenantScopeProvider creates a TenantScopeProvider for the given database.
func NewTenantScopeProvider(db *DB) *TenantScopeProvider {
	return &TenantScopeProvider{db: db}
}

// WithTenantScope returns a context with account scope set.
// The cleanup function must be called when the scope is no longer needed.
func (p *TenantScopeProvider) WithTenantScope(ctx context.Context, accountID uuid.UUID) (context.Context, func(), error) {
	scope, err := p.db.WithTenant(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	return SetTenantScope(ctx, scope), func() { scope.Close() }, nil
}

// WithoutTenantScope returns a context with an unscoped connection.
// The cleanup function must be called when the scope is no longer needed.
func (p *TenantScopeProvider) WithoutTenantScope(ctx context.Context) (context.Context, func(), error) {
	scope, err := p.db.WithoutTenant(ctx)
	if err != nil {
		return nil, nil, err
	}
	return SetTenantScope(ctx, scope), func() { scope.Close() }, nil
}
