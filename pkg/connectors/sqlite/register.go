package sqlite

import (
	"context"

	"github.com/relaydesk-inc/followup-engine/pkg/connectors"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
)

func init() {
	connectors.Register(connectors.DriverRegistration{
		Info: connectors.DriverInfo{
			Type:        models.ConnectionTypeSQLite,
			DisplayName: "SQLite",
			Description: "SQLite database file on the engine host (mode=ro)",
		},
		Factory: func(ctx context.Context, cfg connectors.ClientConfig, mgr *connectors.Manager) (connectors.ReadOnlyClient, error) {
			return NewClient(ctx, cfg, mgr)
		},
	})
}
