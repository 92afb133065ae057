package connectors

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/logging"
	"github.com/relaydesk-inc/followup-engine/pkg/retry"
)

const (
	DefaultConnectionTTLMinutes = 5
	DefaultCleanupInterval      = 1 * time.Minute
	DefaultMaxPoolsPerBusiness  = 10
	// DefaultPoolMaxConns is deliberately tiny: one scheduler process holds
	// pools for many tenants at once.
	DefaultPoolMaxConns = 2
)

// Pool abstracts a driver-specific connection pool (pgxpool.Pool for
// PostgreSQL, *sql.DB for the database/sql drivers) so the manager can own
// lifecycle uniformly.
type Pool interface {
	Ping(ctx context.Context) error
	Close()
	DriverType() string
}

// ManagerConfig bounds tenant pool usage.
type ManagerConfig struct {
	TTLMinutes          int
	MaxPoolsPerBusiness int
	PoolMaxConns        int32
}

// Manager owns all live tenant database pools, keyed by
// "{businessID}:{connectionID}". Pools expire after a TTL of disuse and are
// health-checked (and recreated when dead) on reuse. Pools are scoped to one
// tenant connection and never shared across tenants.
type Manager struct {
	mu        sync.RWMutex
	pools     map[string]*managedPool
	ttl       time.Duration
	maxPerBiz int
	maxConns  int32
	closed    bool
	stopChan  chan struct{}
	logger    *zap.Logger
}

type managedPool struct {
	pool     Pool
	lastUsed time.Time
	mu       sync.Mutex
}

// NewManager creates a pool manager and starts its TTL cleanup goroutine,
// which runs until Close.
func NewManager(cfg ManagerConfig, logger *zap.Logger) *Manager {
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = DefaultConnectionTTLMinutes
	}
	if cfg.MaxPoolsPerBusiness <= 0 {
		cfg.MaxPoolsPerBusiness = DefaultMaxPoolsPerBusiness
	}
	if cfg.PoolMaxConns <= 0 {
		cfg.PoolMaxConns = DefaultPoolMaxConns
	}

	m := &Manager{
		pools:     make(map[string]*managedPool),
		ttl:       time.Duration(cfg.TTLMinutes) * time.Minute,
		maxPerBiz: cfg.MaxPoolsPerBusiness,
		maxConns:  cfg.PoolMaxConns,
		stopChan:  make(chan struct{}),
		logger:    logger.Named("connector-manager"),
	}
	go m.cleanupLoop()
	return m
}

// PoolMaxConns returns the configured per-pool connection cap, for drivers
// to apply when dialing.
func (m *Manager) PoolMaxConns() int32 {
	return m.maxConns
}

func poolKey(businessID, connectionID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", businessID, connectionID)
}

// GetOrCreate returns the live pool for a tenant connection, dialing a new
// one through dial if none exists or the existing one fails its health
// check.
func (m *Manager) GetOrCreate(
	ctx context.Context,
	businessID, connectionID uuid.UUID,
	dial func(ctx context.Context) (Pool, error),
) (Pool, error) {
	key := poolKey(businessID, connectionID)

	m.mu.RLock()
	managed, exists := m.pools[key]
	m.mu.RUnlock()

	if exists {
		managed.mu.Lock()

		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := retry.Do(healthCtx, retry.DefaultConfig(), func() error {
			return managed.pool.Ping(healthCtx)
		})
		cancel()

		if err != nil {
			m.logger.Warn("tenant pool unhealthy, recreating",
				zap.String("key", key),
				zap.String("error", logging.SanitizeError(err)))
			managed.mu.Unlock()
			m.remove(key)
			return m.create(ctx, key, businessID, dial)
		}

		managed.lastUsed = time.Now()
		managed.mu.Unlock()
		return managed.pool, nil
	}

	return m.create(ctx, key, businessID, dial)
}

func (m *Manager) create(ctx context.Context, key string, businessID uuid.UUID, dial func(ctx context.Context) (Pool, error)) (Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("connector manager is closed")
	}

	// Another goroutine may have won the race while we waited for the lock.
	if managed, exists := m.pools[key]; exists {
		managed.mu.Lock()
		managed.lastUsed = time.Now()
		managed.mu.Unlock()
		return managed.pool, nil
	}

	if count := m.countForBusinessLocked(businessID); count >= m.maxPerBiz {
		return nil, fmt.Errorf("business %s has reached the pool limit (%d)", businessID, m.maxPerBiz)
	}

	pool, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (Pool, error) {
		return dial(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial tenant database: %w", err)
	}

	m.pools[key] = &managedPool{pool: pool, lastUsed: time.Now()}
	m.logger.Info("created tenant pool",
		zap.String("key", key),
		zap.String("driver", pool.DriverType()))
	return pool, nil
}

// countForBusinessLocked counts live pools for a business. Caller holds m.mu.
func (m *Manager) countForBusinessLocked(businessID uuid.UUID) int {
	prefix := businessID.String() + ":"
	count := 0
	for key := range m.pools {
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}
	return count
}

func (m *Manager) remove(key string) {
	m.mu.Lock()
	managed, exists := m.pools[key]
	if exists {
		delete(m.pools, key)
	}
	m.mu.Unlock()

	if exists {
		managed.pool.Close()
	}
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.closeExpired()
		}
	}
}

func (m *Manager) closeExpired() {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*managedPool
	for key, managed := range m.pools {
		if managed.lastUsed.Before(cutoff) {
			expired = append(expired, managed)
			delete(m.pools, key)
			m.logger.Debug("closing expired tenant pool", zap.String("key", key))
		}
	}
	m.mu.Unlock()

	for _, managed := range expired {
		managed.pool.Close()
	}
}

// PoolCount returns the number of live pools, for status reporting.
func (m *Manager) PoolCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}

// Close stops the cleanup goroutine and closes all pools.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stopChan)
	pools := make([]*managedPool, 0, len(m.pools))
	for _, managed := range m.pools {
		pools = append(pools, managed)
	}
	m.pools = make(map[string]*managedPool)
	m.mu.Unlock()

	for _, managed := range pools {
		managed.pool.Close()
	}
}
