package config

import (
	"fmt"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for followup-engine. Values come from
// config.yaml with environment-variable overrides; secrets (passwords, the
// credentials key) are env-only (yaml:"-" fields).
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8084"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // injected at build time

	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Connector ConnectorConfig `yaml:"connector"`
	Followup  FollowupConfig  `yaml:"followup"`

	// CredentialsKey encrypts tenant connection passwords at rest.
	// 32 bytes base64, or any passphrase. Generate: openssl rand -base64 32
	CredentialsKey string `yaml:"-" env:"CONNECTION_CREDENTIALS_KEY"`
}

// AuthConfig holds JWT verification settings.
type AuthConfig struct {
	// EnableVerification controls whether JWT signatures are validated.
	// Set to false only for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated "issuer=jwks_url" list.
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:"https://auth.relaydesk.io=https://auth.relaydesk.io/.well-known/jwks.json"`

	// JWKSEndpoints is parsed from JWKSEndpointsStr at load time.
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds the engine's own PostgreSQL settings (rules, mappings,
// connections, and the delivery ledger live here).
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"followup"`
	Password       string `yaml:"-" env:"PGPASSWORD"`
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"followup_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// RedisConfig holds the optional dedupe pre-check cache. Leave Host empty to
// run without Redis; the ledger's unique index is the correctness mechanism
// either way.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// ConnectorConfig bounds resource usage of tenant database connections.
// Pools are deliberately tiny: many tenants share one scheduler process.
type ConnectorConfig struct {
	// ConnectionTTLMinutes is how long idle tenant pools are kept alive.
	ConnectionTTLMinutes int `yaml:"connection_ttl_minutes" env:"CONNECTOR_TTL_MINUTES" env-default:"5"`
	// PoolMaxConns is the per-connection pool cap.
	PoolMaxConns int32 `yaml:"pool_max_conns" env:"CONNECTOR_POOL_MAX_CONNS" env-default:"2"`
	// MaxPoolsPerBusiness limits concurrent live pools per tenant.
	MaxPoolsPerBusiness int `yaml:"max_pools_per_business" env:"CONNECTOR_MAX_POOLS_PER_BUSINESS" env-default:"10"`
	// QueryTimeoutSeconds bounds every fetch against a tenant database.
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds" env:"CONNECTOR_QUERY_TIMEOUT_SECONDS" env-default:"30"`
}

// FollowupConfig controls the follow-up scheduler and rule execution.
type FollowupConfig struct {
	// CronEnabled gates Scheduler.Start; when false the engine only runs via
	// the manual endpoints.
	CronEnabled bool `yaml:"cron_enabled" env:"ENABLE_FOLLOWUP_CRON" env-default:"false"`
	// CronExpression is a restricted cron subset ("*/N * * * *",
	// "0 */N * * *", "0 0 * * *").
	CronExpression string `yaml:"cron_expression" env:"FOLLOWUP_CRON_EXPRESSION" env-default:"0 */3 * * *"`
	// InterRuleDelayMs spaces out rules within one tick to bound burst load
	// on tenant databases and channel providers.
	InterRuleDelayMs int `yaml:"inter_rule_delay_ms" env:"FOLLOWUP_INTER_RULE_DELAY_MS" env-default:"500"`
	// FetchLimit caps candidate rows fetched per rule per tick.
	FetchLimit int `yaml:"fetch_limit" env:"FOLLOWUP_FETCH_LIMIT" env-default:"500"`
	// WebhookSenderURL, when set, dispatches messages by POSTing to this
	// provider endpoint instead of the development log sender.
	WebhookSenderURL string `yaml:"webhook_sender_url" env:"FOLLOWUP_WEBHOOK_SENDER_URL" env-default:""`
	// DispatchTimeoutSeconds bounds each channel send.
	DispatchTimeoutSeconds int `yaml:"dispatch_timeout_seconds" env:"FOLLOWUP_DISPATCH_TIMEOUT_SECONDS" env-default:"15"`
}

// Load reads config.yaml with environment overrides and finishes parsing of
// composite fields. The version is injected by the build.
func Load(version string) (*Config, error) {
	cfg := &Config{Version: version}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	cfg.Auth.JWKSEndpoints = parseJWKSEndpoints(cfg.Auth.JWKSEndpointsStr)

	if cfg.CredentialsKey == "" {
		return nil, fmt.Errorf("CONNECTION_CREDENTIALS_KEY must be set")
	}
	return cfg, nil
}

// parseJWKSEndpoints parses "issuer1=url1,issuer2=url2" into a map.
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}
	for _, pair := range strings.Split(value, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			endpoints[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return endpoints
}

// ConnectionString returns the engine database's connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
