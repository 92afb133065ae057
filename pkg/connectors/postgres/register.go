package postgres

import (
	"context"

	"github.com/relaydesk-inc/followup-engine/pkg/connectors"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
)

func init() {
	connectors.Register(connectors.DriverRegistration{
		Info: connectors.DriverInfo{
			Type:        models.ConnectionTypePostgres,
			DisplayName: "PostgreSQL",
			Description: "PostgreSQL 12+, Aurora PostgreSQL, Supabase",
		},
		Factory: func(ctx context.Context, cfg connectors.ClientConfig, mgr *connectors.Manager) (connectors.ReadOnlyClient, error) {
			return NewClient(ctx, cfg, mgr)
		},
	})
}
