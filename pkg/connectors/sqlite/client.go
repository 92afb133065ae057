// Package sqlite implements the SQLITE tenant connector. The connection's
// Database field is the file path; Host, Port, and credentials are unused.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/relaydesk-inc/followup-engine/pkg/connectors"
	sqlguard "github.com/relaydesk-inc/followup-engine/pkg/sql"
)

// Client is a read-only SQLite client. The file is opened with mode=ro, so
// read-only is enforced by the engine itself rather than by interface
// discipline alone.
type Client struct {
	cfg       connectors.ClientConfig
	db        *sql.DB
	ownedPool bool
}

func buildDSN(cfg connectors.ClientConfig) string {
	return fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", url.PathEscape(cfg.Database))
}

// NewClient opens (or reuses) the database file.
func NewClient(ctx context.Context, cfg connectors.ClientConfig, mgr *connectors.Manager) (*Client, error) {
	dial := func(dialCtx context.Context) (connectors.Pool, error) {
		db, err := sql.Open("sqlite3", buildDSN(cfg))
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// SQLite serializes writers anyway; one connection avoids lock
		// contention on the file.
		db.SetMaxOpenConns(1)

		if err := db.PingContext(dialCtx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open %s: %w", cfg.Database, err)
		}
		return connectors.WrapSQLDB(db, "sqlite3"), nil
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

// Ping verifies the file is readable.
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

// FetchRows selects the mapped columns from a table, bounded by limit.
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
	return fmt.Sprintf("SELECT %s FROM %s LIMIT %d",
		strings.Join(quoted, ", "),
		quoteIdentifier(resource),
		limit,
	), nil
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var _ connectors.ReadOnlyClient = (*Client)(nil)
