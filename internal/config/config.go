package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr    = ":8080"
	defaultMetricsAddr = ":9090"

	defaultSessionLifetime     = 12 * time.Hour
	defaultRotationInterval    = 2160 * time.Hour
	defaultSyncInterval        = 15 * time.Minute
	defaultSyncWorkers         = 4
	defaultHealthInterval      = 30 * time.Minute
	defaultHealthChunkSize     = 5
	defaultHealthBatchDelay    = time.Second
	defaultCleanupInterval     = 10 * time.Minute
	defaultProviderHTTPTimeout = 30 * time.Second
)

// Config is the process configuration read from the environment (with a
// .env file loaded first when present).
type Config struct {
	DatabaseURL string
	HTTPAddr    string
	MetricsAddr string

	APITokenHash     string
	AuthCookieSecure bool
	SessionLifetime  time.Duration

	CredentialKeySource        string
	CredentialMasterKey        string
	CredentialMasterKeyFile    string
	CredentialPreviousKeys     []string
	CredentialKeyVersion       string
	CredentialRotationInterval time.Duration
	VaultAddr                  string
	VaultToken                 string
	VaultSecretPath            string
	AWSSecretID                string
	AWSRegion                  string

	SyncInterval          time.Duration
	SyncWorkers           int
	SyncFailureBackoffMax time.Duration
	SyncLockMode          string

	// HealthCheckInterval zero disables the periodic sweep.
	HealthCheckInterval time.Duration
	HealthChunkSize     int
	HealthBatchDelay    time.Duration

	CleanupInterval time.Duration

	ResyncEnabled bool
	ResyncMode    string

	// WebhookAllowPrivate permits non-HTTPS and private-network outbound
	// webhook targets. Development only.
	WebhookAllowPrivate bool

	ProviderHTTPTimeout time.Duration
}

type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		HTTPAddr:    getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr: getenvDefault("METRICS_ADDR", defaultMetricsAddr),

		APITokenHash:     os.Getenv("API_TOKEN_HASH"),
		AuthCookieSecure: getenvBoolDefault("AUTH_COOKIE_SECURE", false),
		SessionLifetime:  getenvDurationDefault("SESSION_LIFETIME", defaultSessionLifetime),

		CredentialKeySource:        strings.ToLower(strings.TrimSpace(os.Getenv("CREDENTIAL_KEY_SOURCE"))),
		CredentialMasterKey:        os.Getenv("CREDENTIAL_MASTER_KEY"),
		CredentialMasterKeyFile:    os.Getenv("CREDENTIAL_MASTER_KEY_FILE"),
		CredentialPreviousKeys:     splitList(os.Getenv("CREDENTIAL_MASTER_KEY_PREVIOUS")),
		CredentialKeyVersion:       getenvDefault("CREDENTIAL_KEY_VERSION", "1"),
		CredentialRotationInterval: getenvDurationDefault("CREDENTIAL_ROTATION_INTERVAL", defaultRotationInterval),
		VaultAddr:                  os.Getenv("VAULT_ADDR"),
		VaultToken:                 os.Getenv("VAULT_TOKEN"),
		VaultSecretPath:            os.Getenv("CREDENTIAL_VAULT_SECRET_PATH"),
		AWSSecretID:                os.Getenv("CREDENTIAL_AWS_SECRET_ID"),
		AWSRegion:                  os.Getenv("AWS_REGION"),

		SyncInterval:          getenvDurationDefault("SYNC_INTERVAL", defaultSyncInterval),
		SyncWorkers:           getenvIntDefault("SYNC_WORKERS", defaultSyncWorkers),
		SyncFailureBackoffMax: getenvDurationDefault("SYNC_FAILURE_BACKOFF_MAX", 0),
		SyncLockMode:          strings.ToLower(strings.TrimSpace(getenvDefault("SYNC_LOCK_MODE", "lease"))),

		HealthCheckInterval: defaultHealthInterval,
		HealthChunkSize:     getenvIntDefault("HEALTH_CHUNK_SIZE", defaultHealthChunkSize),
		HealthBatchDelay:    getenvDurationDefault("HEALTH_BATCH_DELAY", defaultHealthBatchDelay),

		CleanupInterval: getenvDurationDefault("CLEANUP_INTERVAL", defaultCleanupInterval),

		ResyncEnabled: getenvBoolDefault("RESYNC_ENABLED", true),
		ResyncMode:    strings.ToLower(strings.TrimSpace(getenvDefault("RESYNC_MODE", "inline"))),

		WebhookAllowPrivate: getenvBoolDefault("WEBHOOK_ALLOW_PRIVATE", false),

		ProviderHTTPTimeout: getenvDurationDefault("PROVIDER_HTTP_TIMEOUT", defaultProviderHTTPTimeout),
	}

	// Zero is a valid setting here: it turns the sweep off.
	if v := strings.TrimSpace(os.Getenv("HEALTH_CHECK_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.HealthCheckInterval = d
		}
	}

	switch cfg.ResyncMode {
	case "inline", "queue":
	default:
		return Config{}, fmt.Errorf("RESYNC_MODE must be one of: inline, queue (got %q)", cfg.ResyncMode)
	}
	switch cfg.SyncLockMode {
	case "lease", "advisory":
	default:
		return Config{}, fmt.Errorf("SYNC_LOCK_MODE must be one of: lease, advisory (got %q)", cfg.SyncLockMode)
	}
	switch cfg.CredentialKeySource {
	case "", "env", "file", "vault", "aws":
	default:
		return Config{}, fmt.Errorf("CREDENTIAL_KEY_SOURCE must be one of: env, file, vault, aws (got %q)", cfg.CredentialKeySource)
	}

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvBoolDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
