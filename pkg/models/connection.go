package models

import (
	"time"

	"github.com/google/uuid"
)

// Connection type enum values. Only types with a registered connector can be
// queried; the rest are accepted as configuration but report "not compiled in"
// when a client is requested.
const (
	ConnectionTypePostgres = "POSTGRESQL"
	ConnectionTypeMSSQL    = "MSSQL"
	ConnectionTypeMySQL    = "MYSQL"
	ConnectionTypeSQLite   = "SQLITE"
	ConnectionTypeMongoDB  = "MONGODB"
	ConnectionTypeFirebase = "FIREBASE"
)

// Connection status values.
const (
	ConnectionStatusActive = "ACTIVE"
	ConnectionStatusError  = "ERROR"
)

// ValidConnectionType reports whether t is a known connection type enum value.
func ValidConnectionType(t string) bool {
	switch t {
	case ConnectionTypePostgres, ConnectionTypeMSSQL, ConnectionTypeMySQL,
		ConnectionTypeSQLite, ConnectionTypeMongoDB, ConnectionTypeFirebase:
		return true
	}
	return false
}

// Connection is a tenant-owned external database connection. The password is
// stored encrypted (PasswordEnc) and decrypted only transiently inside the
// connector layer when a client is established.
type Connection struct {
	ID            uuid.UUID  `json:"id"`
	BusinessID    uuid.UUID  `json:"business_id"`
	Name          string     `json:"name"`
	Type          string     `json:"type"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Database      string     `json:"database"`
	Username      string     `json:"username"`
	PasswordEnc   string     `json:"-"` // ciphertext, never serialized
	Status        string     `json:"status"`
	LastTestedAt  *time.Time `json:"last_tested_at,omitempty"`
	LastTestError string     `json:"last_test_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
