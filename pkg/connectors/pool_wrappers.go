package connectors

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxPoolWrapper adapts pgxpool.Pool to the Pool interface.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

// WrapPgxPool wraps a pgx pool for management.
func WrapPgxPool(pool *pgxpool.Pool) Pool {
	return &pgxPoolWrapper{pool: pool}
}

func (w *pgxPoolWrapper) Ping(ctx context.Context) error { return w.pool.Ping(ctx) }
func (w *pgxPoolWrapper) Close()                         { w.pool.Close() }
func (w *pgxPoolWrapper) DriverType() string             { return "pgx" }

// GetPgxPool extracts the underlying pgx pool from a managed Pool.
func GetPgxPool(p Pool) (*pgxpool.Pool, error) {
	wrapper, ok := p.(*pgxPoolWrapper)
	if !ok {
		return nil, fmt.Errorf("pool is not a pgx pool (got %s)", p.DriverType())
	}
	return wrapper.pool, nil
}

// sqlPoolWrapper adapts database/sql pools (mssql, sqlite) to the Pool
// interface.
type sqlPoolWrapper struct {
	db     *sql.DB
	driver string
}

// WrapSQLDB wraps a database/sql pool for management.
func WrapSQLDB(db *sql.DB, driver string) Pool {
	return &sqlPoolWrapper{db: db, driver: driver}
}

func (w *sqlPoolWrapper) Ping(ctx context.Context) error { return w.db.PingContext(ctx) }
func (w *sqlPoolWrapper) Close()                         { _ = w.db.Close() }
func (w *sqlPoolWrapper) DriverType() string             { return w.driver }

// GetSQLDB extracts the underlying database/sql pool from a managed Pool.
func GetSQLDB(p Pool) (*sql.DB, error) {
	wrapper, ok := p.(*sqlPoolWrapper)
	if !ok {
		return nil, fmt.Errorf("pool is not a database/sql pool (got %s)", p.DriverType())
	}
	return wrapper.db, nil
}
