package config

import "time"

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"clover-api"`
	Environment                   string   `env:"ENVIRONMENT" env-default:"development"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Database driver
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:""`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"clover"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SQL_MODE" env-default:"disable"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Auth Issuer URL
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	// Auth Client ID
	AuthClientID string `env:"AUTH_CLIENT_ID" env-default:""`
	// Auth Enabled - when false, allows X-Tenant-ID and X-User-ID headers for testing
	AuthEnabled bool `env:"AUTH_ENABLED" env-default:"false"`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Kafka brokers (comma-separated)
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Kafka topic for monitored tool-call records
	KafkaCallRecordTopic string `env:"KAFKA_CALL_RECORD_TOPIC" env-default:"tool-call-records"`
	// Kafka topic for classified call failures
	KafkaCallErrorTopic string `env:"KAFKA_CALL_ERROR_TOPIC" env-default:"tool-call-errors"`

	// Vault encryption secret. When empty outside production a throwaway key
	// is generated at startup and a warning is logged.
	VaultEncryptionSecret string `env:"VAULT_ENCRYPTION_SECRET" env-default:""`

	// OAuth state token TTL
	OAuthStateTTL time.Duration `env:"OAUTH_STATE_TTL" env-default:"10m"`
	// Retention window for expired, unused state tokens before purge
	OAuthStateRetention time.Duration `env:"OAUTH_STATE_RETENTION" env-default:"24h"`
	// How often the purge job runs
	OAuthStatePurgeInterval time.Duration `env:"OAUTH_STATE_PURGE_INTERVAL" env-default:"1h"`
	// Base URL used to build provider redirect URIs
	OAuthCallbackBaseURL string `env:"OAUTH_CALLBACK_BASE_URL" env-default:"http://localhost:3000"`

	// Per-provider OAuth client credentials
	GithubClientID         string `env:"GITHUB_CLIENT_ID" env-default:""`
	GithubClientSecret     string `env:"GITHUB_CLIENT_SECRET" env-default:""`
	SlackClientID          string `env:"SLACK_CLIENT_ID" env-default:""`
	SlackClientSecret      string `env:"SLACK_CLIENT_SECRET" env-default:""`
	SalesforceClientID     string `env:"SALESFORCE_CLIENT_ID" env-default:""`
	SalesforceClientSecret string `env:"SALESFORCE_CLIENT_SECRET" env-default:""`
	ZendeskClientID        string `env:"ZENDESK_CLIENT_ID" env-default:""`
	ZendeskClientSecret    string `env:"ZENDESK_CLIENT_SECRET" env-default:""`

	// Outbound call timeout enforced by the call monitor
	OutboundCallTimeout time.Duration `env:"OUTBOUND_CALL_TIMEOUT" env-default:"30s"`

	// Streaming settings
	// Buffer size of a live subscriber's delivery channel
	StreamSubscriberBuffer int `env:"STREAM_SUBSCRIBER_BUFFER" env-default:"256"`

	// Rollup settings
	// Rollup poll interval
	RollupPollInterval time.Duration `env:"ROLLUP_POLL_INTERVAL" env-default:"5m"`
	// Enable/disable the rollup worker
	RollupEnabled bool `env:"ROLLUP_ENABLED" env-default:"true"`
	// Health snapshot cadence, independent of call volume
	HealthSnapshotInterval time.Duration `env:"HEALTH_SNAPSHOT_INTERVAL" env-default:"1m"`
	// Window of recent executions considered for health snapshots
	HealthSnapshotLookback time.Duration `env:"HEALTH_SNAPSHOT_LOOKBACK" env-default:"15m"`

	// Health score weights (should sum to 1.0); kept in configuration so
	// operators can tune scoring without a deploy
	HealthScoreErrorRateWeight float64 `env:"HEALTH_SCORE_ERROR_RATE_WEIGHT" env-default:"0.5"`
	HealthScoreLatencyWeight   float64 `env:"HEALTH_SCORE_LATENCY_WEIGHT" env-default:"0.3"`
	HealthScoreChecksWeight    float64 `env:"HEALTH_SCORE_CHECKS_WEIGHT" env-default:"0.2"`
	// Latency at or above which the latency component scores zero
	HealthScoreLatencyCeiling time.Duration `env:"HEALTH_SCORE_LATENCY_CEILING" env-default:"10s"`

	// Cost table: JSON map of tool name -> cost per call in USD; tools not
	// listed fall back to DefaultCostPerCall
	CostPerToolJSON    string  `env:"COST_PER_TOOL_JSON" env-default:"{}"`
	DefaultCostPerCall float64 `env:"DEFAULT_COST_PER_CALL" env-default:"0.001"`
}
