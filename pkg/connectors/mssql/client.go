// Package mssql implements the MSSQL tenant connector on go-mssqldb via
// database/sql.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/microsoft/go-mssqldb" // sqlserver driver

	"github.com/relaydesk-inc/followup-engine/pkg/connectors"
	sqlguard "github.com/relaydesk-inc/followup-engine/pkg/sql"
)

// Client is a read-only SQL Server client over a managed pool.
//
// SQL Server has no session-level read-only directive outside availability
// group routing, so the connection asks for ApplicationIntent=ReadOnly
// (honored where the topology supports it) and otherwise relies on the
// ReadOnlyClient interface exposing no write path.
type Client struct {
	cfg       connectors.ClientConfig
	db        *sql.DB
	ownedPool bool
}

func buildDSN(cfg connectors.ClientConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 1433
	}
	query := url.Values{}
	query.Set("database", cfg.Database)
	query.Set("app name", "followup-engine")
	query.Set("ApplicationIntent", "ReadOnly")

	u := url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, port),
		RawQuery: query.Encode(),
	}
	return u.String()
}

// NewClient dials (or reuses) a pool for the tenant connection.
func NewClient(ctx context.Context, cfg connectors.ClientConfig, mgr *connectors.Manager) (*Client, error) {
	dial := func(dialCtx context.Context) (connectors.Pool, error) {
		db, err := sql.Open("sqlserver", buildDSN(cfg))
		if err != nil {
			return nil, fmt.Errorf("open sqlserver connection: %w", err)
		}
		maxConns := int(connectors.DefaultPoolMaxConns)
		if mgr != nil {
			maxConns = int(mgr.PoolMaxConns())
		}
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)

		if err := db.PingContext(dialCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("connect to sqlserver: %w", err)
		}
		return connectors.WrapSQLDB(db, "sqlserver"), nil
	}

	if mgr == nil {
		pool, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		db, err := connectors.GetSQLDB(pool)
		if err != nil {
			return nil, err
		}
		return &Client{cfg: cfg, db: db, ownedPool: true}, nil
	}

	pool, err := mgr.GetOrCreate(ctx, cfg.BusinessID, cfg.ConnectionID, dial)
	if err != nil {
		return nil, err
	}
	db, err := connectors.GetSQLDB(pool)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, db: db}, nil
}

// Ping verifies connectivity and database access.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	var one int
	if err := c.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
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

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", resource, err)
	}
	defer func() { _ = rows.Close() }()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(names))
		for i, name := range names {
			row[name] = values[i]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

// Close releases the client. Managed pools stay alive for reuse.
func (c *Client) Close() error {
	if c.ownedPool {
		return c.db.Close()
	}
	return nil
}

// buildSelect renders "SELECT TOP (n) cols FROM [resource]".
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
		quoted[i] = quoteIdentifier(col)
	}
	return fmt.Sprintf("SELECT TOP (%d) %s FROM %s",
		limit,
		strings.Join(quoted, ", "),
		quoteIdentifier(resource),
	), nil
}

func quoteIdentifier(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

var _ connectors.ReadOnlyClient = (*Client)(nil)
