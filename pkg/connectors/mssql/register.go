package mssql

import (
	"context"

	"github.com/relaydesk-inc/followup-engine/pkg/connectors"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
)

func init() {
	connectors.Register(connectors.DriverRegistration{
		Info: connectors.DriverInfo{
			Type:        models.ConnectionTypeMSSQL,
			DisplayName: "Microsoft SQL Server",
			Description: "SQL Server 2017+, Azure SQL",
		},
		Factory: func(ctx context.Context, cfg connectors.ClientConfig, mgr *connectors.Manager) (connectors.ReadOnlyClient, error) {
			return NewClient(ctx, cfg, mgr)
		},
	})
}
