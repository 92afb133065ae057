package connectors

import (
	"context"
	"sync"
)

// DriverInfo describes a registered connector for configuration-surface
// discovery.
type DriverInfo struct {
	// Type is the connection type enum value ("POSTGRESQL", "SQLITE", ...).
	Type        string `json:"type"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

// DriverRegistration holds the factory for one connection type. The factory
// must return a client already restricted to read-only semantics.
type DriverRegistration struct {
	Info    DriverInfo
	Factory func(ctx context.Context, cfg ClientConfig, mgr *Manager) (ReadOnlyClient, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]DriverRegistration)
)

// Register is called from each driver package's init. Thread-safe.
func Register(reg DriverRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredDrivers returns info for all compiled-in connector types.
func RegisteredDrivers() []DriverInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	infos := make([]DriverInfo, 0, len(registry))
	for _, reg := range registry {
		infos = append(infos, reg.Info)
	}
	return infos
}

// GetDriver returns the factory for a connection type, or nil if the type
// has no compiled-in driver (MYSQL, MONGODB, and FIREBASE are valid enum
// values without drivers in this build).
func GetDriver(connType string) func(ctx context.Context, cfg ClientConfig, mgr *Manager) (ReadOnlyClient, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[connType]; ok {
		return reg.Factory
	}
	return nil
}

// IsRegistered reports whether a connector for connType is compiled in.
func IsRegistered(connType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[connType]
	return ok
}
