package database

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

// TenantScopeKey is the context key carrying the tenant-scoped connection.
const TenantScopeKey contextKey = "tenantScope"

// GetTenantScope retrieves the tenant-scoped connection from context.
func GetTenantScope(ctx context.Context) (*TenantScope, bool) {
	scope, ok := ctx.Value(TenantScopeKey).(*TenantScope)
	return scope, ok
}

// SetTenantScope stores the tenant-scoped connection in context.
func SetTenantScope(ctx context.Context, scope *TenantScope) context.Context {
	return context.WithValue(ctx, TenantScopeKey, scope)
}

// ScopeFunc runs fn inside a tenant scope, handling acquisition and cleanup.
// This is the repository-facing convenience used by services that perform a
// single scoped unit of work.
func (db *DB) ScopeFunc(ctx context.Context, businessID uuid.UUID, fn func(ctx context.Context) error) error {
	scope, err := db.WithTenant(ctx, businessID)
	if err != nil {
		return err
	}
	defer scope.Close()
	return fn(SetTenantScope(ctx, scope))
}
