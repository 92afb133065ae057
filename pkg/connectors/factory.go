package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk-inc/followup-engine/pkg/crypto"
	"github.com/relaydesk-inc/followup-engine/pkg/logging"
	"github.com/relaydesk-inc/followup-engine/pkg/models"
)

// testTimeout bounds a connection test so a black-holed host cannot stall
// the configuration API.
const testTimeout = 10 * time.Second

// ClientFactory is the Connection Registry's outward contract: produce a
// read-only client for a stored connection, or test one. Credential
// decryption happens only inside this component.
type ClientFactory interface {
	// NewReadOnlyClient decrypts the stored password and returns a pooled
	// read-only client for the connection.
	NewReadOnlyClient(ctx context.Context, conn *models.Connection) (ReadOnlyClient, error)

	// TestConnection dials with the given plaintext password (from a create
	// or update request) and reports the outcome in-band. Errors never cross
	// this boundary as Go errors; the message is pre-sanitized.
	TestConnection(ctx context.Context, conn *models.Connection, password string) TestResult

	// ListDrivers returns the compiled-in connector types.
	ListDrivers() []DriverInfo
}

type registryFactory struct {
	manager *Manager
	cipher  *crypto.CredentialCipher
	logger  *zap.Logger
}

// NewClientFactory returns a ClientFactory backed by the global driver
// registry and the given pool manager.
func NewClientFactory(manager *Manager, cipher *crypto.CredentialCipher, logger *zap.Logger) ClientFactory {
	return &registryFactory{
		manager: manager,
		cipher:  cipher,
		logger:  logger.Named("connectors"),
	}
}

var _ ClientFactory = (*registryFactory)(nil)

func (f *registryFactory) NewReadOnlyClient(ctx context.Context, conn *models.Connection) (ReadOnlyClient, error) {
	driver := GetDriver(conn.Type)
	if driver == nil {
		return nil, fmt.Errorf("unsupported connection type: %s (not compiled in)", conn.Type)
	}

	password, err := f.cipher.Decrypt(conn.PasswordEnc)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptFailed) {
			return nil, fmt.Errorf("connection %s: %w", conn.ID, crypto.ErrDecryptFailed)
		}
		return nil, err
	}

	return driver(ctx, f.clientConfig(conn, password), f.manager)
}

func (f *registryFactory) TestConnection(ctx context.Context, conn *models.Connection, password string) TestResult {
	driver := GetDriver(conn.Type)
	if driver == nil {
		return TestResult{Success: false, Message: fmt.Sprintf("unsupported connection type: %s", conn.Type)}
	}

	testCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()

	// Test with a throwaway client, not a managed pool: credentials under
	// test may differ from the stored ones.
	client, err := driver(testCtx, f.clientConfig(conn, password), nil)
	if err != nil {
		return TestResult{Success: false, Message: logging.SanitizeError(err)}
	}
	defer func() { _ = client.Close() }()

	if err := client.Ping(testCtx); err != nil {
		return TestResult{Success: false, Message: logging.SanitizeError(err)}
	}
	return TestResult{Success: true, Message: "connection ok"}
}

func (f *registryFactory) ListDrivers() []DriverInfo {
	return RegisteredDrivers()
}

func (f *registryFactory) clientConfig(conn *models.Connection, password string) ClientConfig {
	return ClientConfig{
		BusinessID:   conn.BusinessID,
		ConnectionID: conn.ID,
		Host:         conn.Host,
		Port:         conn.Port,
		Database:     conn.Database,
		Username:     conn.Username,
		Password:     password,
	}
}
