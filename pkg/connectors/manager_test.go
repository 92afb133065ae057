package connectors

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePool struct {
	pingErr atomic.Value // error
	closed  atomic.Bool
}

func (p *fakePool) Ping(_ context.Context) error {
	if err, ok := p.pingErr.Load().(error); ok && err != nil {
		return err
	}
	return nil
}

func (p *fakePool) Close()             { p.closed.Store(true) }
func (p *fakePool) DriverType() string { return "fake" }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{TTLMinutes: 5, MaxPoolsPerBusiness: 2, PoolMaxConns: 2}, zap.NewNop())
	t.Cleanup(m.Close)
	return m
}

func dialCounter(dials *int, pool *fakePool) func(ctx context.Context) (Pool, error) {
	return func(_ context.Context) (Pool, error) {
		*dials++
		return pool, nil
	}
}

func TestManager_GetOrCreate_ReusesHealthyPool(t *testing.T) {
	m := newTestManager(t)
	businessID, connectionID := uuid.New(), uuid.New()

	dials := 0
	pool := &fakePool{}

	first, err := m.GetOrCreate(context.Background(), businessID, connectionID, dialCounter(&dials, pool))
	require.NoError(t, err)
	second, err := m.GetOrCreate(context.Background(), businessID, connectionID, dialCounter(&dials, pool))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, dials)
	assert.Equal(t, 1, m.PoolCount())
}

func TestManager_GetOrCreate_RecreatesUnhealthyPool(t *testing.T) {
	m := newTestManager(t)
	businessID, connectionID := uuid.New(), uuid.New()

	dead := &fakePool{}
	_, err := m.GetOrCreate(context.Background(), businessID, connectionID,
		func(_ context.Context) (Pool, error) { return dead, nil })
	require.NoError(t, err)

	dead.pingErr.Store(errors.New("connection reset"))

	fresh := &fakePool{}
	got, err := m.GetOrCreate(context.Background(), businessID, connectionID,
		func(_ context.Context) (Pool, error) { return fresh, nil })
	require.NoError(t, err)

	assert.Same(t, Pool(fresh), got)
	assert.True(t, dead.closed.Load(), "unhealthy pool must be closed")
	assert.Equal(t, 1, m.PoolCount())
}

func TestManager_GetOrCreate_PerBusinessLimit(t *testing.T) {
	m := newTestManager(t) // limit 2
	businessID := uuid.New()

	for i := 0; i < 2; i++ {
		_, err := m.GetOrCreate(context.Background(), businessID, uuid.New(),
			func(_ context.Context) (Pool, error) { return &fakePool{}, nil })
		require.NoError(t, err)
	}

	_, err := m.GetOrCreate(context.Background(), businessID, uuid.New(),
		func(_ context.Context) (Pool, error) { return &fakePool{}, nil })
	assert.ErrorContains(t, err, "pool limit")

	// Other businesses are unaffected.
	_, err = m.GetOrCreate(context.Background(), uuid.New(), uuid.New(),
		func(_ context.Context) (Pool, error) { return &fakePool{}, nil })
	assert.NoError(t, err)
}

func TestManager_GetOrCreate_DialFailure(t *testing.T) {
	m := newTestManager(t)

	_, err := m.GetOrCreate(context.Background(), uuid.New(), uuid.New(),
		func(_ context.Context) (Pool, error) { return nil, fmt.Errorf("connection refused") })
	assert.Error(t, err)
	assert.Zero(t, m.PoolCount())
}

func TestManager_Close(t *testing.T) {
	m := NewManager(ManagerConfig{}, zap.NewNop())
	pool := &fakePool{}

	_, err := m.GetOrCreate(context.Background(), uuid.New(), uuid.New(),
		func(_ context.Context) (Pool, error) { return pool, nil })
	require.NoError(t, err)

	m.Close()
	assert.True(t, pool.closed.Load())
	assert.Zero(t, m.PoolCount())

	_, err = m.GetOrCreate(context.Background(), uuid.New(), uuid.New(),
		func(_ context.Context) (Pool, error) { return &fakePool{}, nil })
	assert.ErrorContains(t, err, "closed")

	// Close is idempotent.
	m.Close()
}

func TestRegistry(t *testing.T) {
	reg := DriverRegistration{
		Info: DriverInfo{Type: "TESTDB", DisplayName: "Test DB"},
		Factory: func(_ context.Context, _ ClientConfig, _ *Manager) (ReadOnlyClient, error) {
			return nil, nil
		},
	}
	Register(reg)

	assert.True(t, IsRegistered("TESTDB"))
	assert.NotNil(t, GetDriver("TESTDB"))
	assert.Nil(t, GetDriver("MONGODB"))

	var found bool
	for _, info := range RegisteredDrivers() {
		if info.Type == "TESTDB" {
			found = true
		}
	}
	assert.True(t, found)
}
