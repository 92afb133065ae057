// Package connectors manages read-only access to tenant-owned external
// databases. Each supported engine registers a driver; the registry hands the
// rule engine a ReadOnlyClient whose interface exposes no write methods, and
// drivers additionally pin the session read-only where the engine supports
// it.
package connectors

import (
	"context"

	"github.com/google/uuid"
)

// MaxFetchLimit is the hard cap on rows returned by FetchRows, protecting
// tenant databases and this process from unbounded candidate queries.
const MaxFetchLimit = 1000

// ReadOnlyClient is the only surface the rule engine gets to a tenant
// database. Implementations must restrict the session to read-only semantics
// where the underlying engine supports it.
type ReadOnlyClient interface {
	// FetchRows selects the given columns from a resource, bounded by limit
	// (capped at MaxFetchLimit; <=0 means MaxFetchLimit). Rows come back as
	// column-name keyed maps in driver order.
	FetchRows(ctx context.Context, resource string, columns []string, limit int) ([]map[string]any, error)

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Close releases the client. Pooled clients release their lease; the
	// pool itself is owned by the Manager.
	Close() error
}

// ClientConfig is the transient, decrypted connection configuration handed
// to a driver. The plaintext password lives only for the duration of
// connection establishment and is never logged.
type ClientConfig struct {
	BusinessID   uuid.UUID
	ConnectionID uuid.UUID
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
}

// TestResult is the structured outcome of a connection test. Errors are
// reported in-band: a single unreachable tenant database must never abort
// the caller.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
