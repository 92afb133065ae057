package database

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TenantScope wraps a connection with app.current_business_id set for RLS
// policy evaluation, and guarantees cleanup.
type TenantScope struct {
	Conn *pgxpool.Conn
}

// Close resets the tenant setting and releases the connection to the pool.
// MUST be called (defer scope.Close()) so tenant context cannot leak into the
// next acquisition.
func (s *TenantScope) Close() {
	if s.Conn == nil {
		return
	}
	_, _ = s.Conn.Exec(context.Background(), "RESET app.current_business_id")
	s.Conn.Release()
}

// WithTenant acquires a connection scoped to one business.
func (db *DB) WithTenant(ctx context.Context, businessID uuid.UUID) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_business_id', $1, false)", businessID.String())
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &TenantScope{Conn: conn}, nil
}

// WithoutTenant acquires a connection with no tenant setting. Used by the
// scheduler's cross-tenant "list active rules" pass, which must see all rows.
func (db *DB) WithoutTenant(ctx context.Context) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &TenantScope{Conn: conn}, nil
}
