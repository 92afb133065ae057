// Package postgres implements the POSTGRESQL tenant connector on pgx.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk-inc/followup-engine/pkg/connectors"
	sqlguard "github.com/relaydesk-inc/followup-engine/pkg/sql"
)

// Client is a read-only PostgreSQL client over a managed pool.
type Client struct {
	cfg       connectors.ClientConfig
	pool      *pgxpool.Pool
	ownedPool bool // true when not managed (TestConnection path)
}

// buildConnString builds a PostgreSQL URL. User-provided fields are
// URL-escaped so passwords containing @ / # ? survive parsing.
func buildConnString(cfg connectors.ClientConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=prefer",
		url.QueryEscape(cfg.Username),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		port,
		url.QueryEscape(cfg.Database),
	)
}

// NewClient dials (or reuses) a pool for the tenant connection. Every
// session is pinned read-only at connect time; a compromised or buggy rule
// can therefore never write to a tenant database through this client.
func NewClient(ctx context.Context, cfg connectors.ClientConfig, mgr *connectors.Manager) (*Client, error) {
	dial := func(dialCtx context.Context) (connectors.Pool, error) {
		poolConfig, err := pgxpool.ParseConfig(buildConnString(cfg))
		if err != nil {
			return nil, fmt.Errorf("parse connection config: %w", err)
		}
		poolConfig.MaxConns = connectors.DefaultPoolMaxConns
		if mgr != nil {
			poolConfig.MaxConns = mgr.PoolMaxConns()
		}
		poolConfig.AfterConnect = func(connCtx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(connCtx, "SET default_transaction_read_only = on")
			return err
		}

		pool, err := pgxpool.NewWithConfig(dialCtx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return connectors.WrapPgxPool(pool), nil
	}

	if mgr == nil {
		pool, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		pgxPool, err := connectors.GetPgxPool(pool)
		if err != nil {
			return nil, err
		}
		return &Client{cfg: cfg, pool: pgxPool, ownedPool: true}, nil
	}

	pool, err := mgr.GetOrCreate(ctx, cfg.BusinessID, cfg.ConnectionID, dial)
	if err != nil {
		return nil, err
	}
	pgxPool, err := connectors.GetPgxPool(pool)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, pool: pgxPool}, nil
}

// Ping verifies connectivity and database access.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	var one int
	if err := c.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("test query failed: %w", err)
	}
	return nil
}

// FetchRows selects the mapped columns from a resource, bounded by limit.
func (c *Client) FetchRows(ctx context.Context, resource string, columns []string, limit int) ([]map[string]any, error) {
	query, err := buildSelect(resource, columns, limit)
	if err != nil {
		return nil, err
	}

	rows, err := c.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", resource, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var result []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

// Close releases the client. Managed pools stay alive for reuse; only owned
// pools (TestConnection path) are closed here.
func (c *Client) Close() error {
	if c.ownedPool {
		c.pool.Close()
	}
	return nil
}

// buildSelect renders "SELECT cols FROM resource LIMIT n" with sanitized
// identifiers. Identifiers were validated at mapping-save time; this is the
// second, dialect-level line of defense.
func buildSelect(resource string, columns []string, limit int) (string, error) {
	if limit <= 0 || limit > connectors.MaxFetchLimit {
		limit = connectors.MaxFetchLimit
	}
	if err := sqlguard.ValidateIdentifier(resource); err != nil {
		return "", err
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		if err := sqlguard.ValidateIdentifier(col); err != nil {
			return "", err
		}
		quoted[i] = pgx.Identifier{col}.Sanitize()
	}
	return fmt.Sprintf("SELECT %s FROM %s LIMIT %d",
		strings.Join(quoted, ", "),
		pgx.Identifier{resource}.Sanitize(),
		limit,
	), nil
}

var _ connectors.ReadOnlyClient = (*Client)(nil)
