package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultPath is the configuration file read when no path is given.
const DefaultPath = "config.yaml"

// Lookup store drivers.
const (
	LookupDriverPostgres = "postgres"
	LookupDriverSQLite   = "sqlite"
	LookupDriverNone     = "none"
)

// Activity store backends.
const (
	ActivityBackendMemory    = "memory"
	ActivityBackendRedis     = "redis"
	ActivityBackendFirestore = "firestore"
)

// Prediction file registry backends.
const (
	RegistryBackendDatabase  = "database"
	RegistryBackendFirestore = "firestore"
	RegistryBackendNone      = "none"
)

// Config holds all configuration for ekaya-predict.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8000"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// TLS configuration (optional - if both provided, server uses HTTPS)
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	// MaxUploadMB caps the size of an uploaded CSV.
	MaxUploadMB int64 `yaml:"max_upload_mb" env:"MAX_UPLOAD_MB" env-default:"50"`

	Reference ReferenceConfig `yaml:"reference"`
	Model     ModelConfig     `yaml:"model"`
	Lookup    LookupConfig    `yaml:"lookup"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Activity  ActivityConfig  `yaml:"activity"`
	Registry  RegistryConfig  `yaml:"registry"`
	Sheets    SheetsConfig    `yaml:"sheets"`
	CORS      CORSConfig      `yaml:"cors"`
}

// ReferenceConfig lists the known-good CSV files the schema is derived from.
type ReferenceConfig struct {
	Files []string `yaml:"files" env:"REFERENCE_FILES" env-separator:","`
	// Watch reloads the runtime when a reference, model or mapping file changes.
	Watch           bool `yaml:"watch" env:"REFERENCE_WATCH" env-default:"false"`
	WatchDebounceMS int  `yaml:"watch_debounce_ms" env:"REFERENCE_WATCH_DEBOUNCE_MS" env-default:"500"`
}

// ModelConfig points at the classifier artifact and its label mapping.
type ModelConfig struct {
	Path         string `yaml:"path" env:"MODEL_PATH" env-default:""`
	MappingsPath string `yaml:"mappings_path" env:"MAPPINGS_PATH" env-default:""`
	// TargetColumn is the mapping entry used to decode predicted class codes.
	// Empty writes raw codes.
	TargetColumn string `yaml:"target_column" env:"MODEL_TARGET_COLUMN" env-default:""`
}

// LookupConfig configures the searchable copy of the reference values.
type LookupConfig struct {
	Driver          string `yaml:"driver" env:"LOOKUP_DRIVER" env-default:"sqlite"`
	SQLitePath      string `yaml:"sqlite_path" env:"LOOKUP_SQLITE_PATH" env-default:"lookup.db"`
	BatchSize       int    `yaml:"batch_size" env:"LOOKUP_BATCH_SIZE" env-default:"5000"`
	CommitEveryRows int    `yaml:"commit_every_rows" env:"LOOKUP_COMMIT_EVERY_ROWS" env-default:"50000"`
	// LoadOnStart triggers a bulk load in the background at server start.
	LoadOnStart bool `yaml:"load_on_start" env:"LOOKUP_LOAD_ON_START" env-default:"false"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_predict"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration for the activity store.
type RedisConfig struct {
	Host      string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port      int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password  string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB        int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX" env-default:"ekaya-predict:"`
}

// FirestoreConfig holds settings for the remote user-activity store and
// prediction-file registry.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id" env:"FIRESTORE_PROJECT_ID" env-default:""`
	APIKey         string `yaml:"-" env:"FIRESTORE_API_KEY"` // Secret - not in YAML
	BaseURL        string `yaml:"base_url" env:"FIRESTORE_BASE_URL" env-default:"https://firestore.googleapis.com/v1"`
	TimeoutSeconds int    `yaml:"timeout_seconds" env:"FIRESTORE_TIMEOUT_SECONDS" env-default:"10"`
}

// ActivityConfig selects the user-activity store.
type ActivityConfig struct {
	Backend string `yaml:"backend" env:"ACTIVITY_BACKEND" env-default:"memory"`
}

// RegistryConfig selects the prediction-file registry.
type RegistryConfig struct {
	Backend string `yaml:"backend" env:"REGISTRY_BACKEND" env-default:"database"`
}

// SheetsConfig enables exporting each user's predictions to a Google
// spreadsheet. The spreadsheet IDs are kept in the lookup store.
type SheetsConfig struct {
	Enabled bool `yaml:"enabled" env:"SHEETS_ENABLED" env-default:"false"`
	// CredentialsFile is a service-account key file with the spreadsheets scope.
	CredentialsFile string `yaml:"credentials_file" env:"SHEETS_CREDENTIALS_FILE" env-default:""`
	BaseURL         string `yaml:"base_url" env:"SHEETS_BASE_URL" env-default:"https://sheets.googleapis.com/v4"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" env:"SHEETS_TIMEOUT_SECONDS" env-default:"10"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"*"`
}

// Load reads configuration from config.yaml with environment variable overrides.
func Load(version string) (*Config, error) {
	return LoadFrom(DefaultPath, version)
}

// LoadFrom reads configuration from path with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// Secrets (PGPASSWORD, REDIS_PASSWORD, FIRESTORE_API_KEY) must come from
// environment variables (yaml:"-" fields).
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}
	if err := cfg.validateBackends(); err != nil {
		return nil, fmt.Errorf("invalid backend configuration: %w", err)
	}

	cfg.Reference.Files = trimAll(cfg.Reference.Files)
	cfg.CORS.AllowedOrigins = trimAll(cfg.CORS.AllowedOrigins)

	// Auto-derive BaseURL from Port if not explicitly set
	// Use HTTPS scheme if TLS is configured
	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{
			Scheme: scheme,
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// validateTLS ensures TLS configuration is valid if provided.
// Both cert and key must be provided together, and files must exist.
func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""

	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}

	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}

	return nil
}

func (c *Config) validateBackends() error {
	if !slices.Contains([]string{LookupDriverPostgres, LookupDriverSQLite, LookupDriverNone}, c.Lookup.Driver) {
		return fmt.Errorf("unknown lookup driver %q", c.Lookup.Driver)
	}
	if !slices.Contains([]string{ActivityBackendMemory, ActivityBackendRedis, ActivityBackendFirestore}, c.Activity.Backend) {
		return fmt.Errorf("unknown activity backend %q", c.Activity.Backend)
	}
	if !slices.Contains([]string{RegistryBackendDatabase, RegistryBackendFirestore, RegistryBackendNone}, c.Registry.Backend) {
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}

	if c.Registry.Backend == RegistryBackendDatabase && c.Lookup.Driver == LookupDriverNone {
		return fmt.Errorf("registry backend %q needs a lookup driver", RegistryBackendDatabase)
	}
	if c.Activity.Backend == ActivityBackendRedis && c.Redis.Host == "" {
		return fmt.Errorf("activity backend %q needs redis.host", ActivityBackendRedis)
	}
	if (c.Activity.Backend == ActivityBackendFirestore || c.Registry.Backend == RegistryBackendFirestore) &&
		c.Firestore.ProjectID == "" {
		return fmt.Errorf("firestore backend needs firestore.project_id")
	}
	if c.Sheets.Enabled {
		if c.Sheets.CredentialsFile == "" {
			return fmt.Errorf("sheets export needs sheets.credentials_file")
		}
		if c.Lookup.Driver == LookupDriverNone {
			return fmt.Errorf("sheets export needs a lookup driver to keep spreadsheet IDs")
		}
	}
	if c.Lookup.BatchSize <= 0 || c.Lookup.CommitEveryRows <= 0 {
		return fmt.Errorf("lookup batch_size and commit_every_rows must be positive")
	}
	return nil
}

// WatchedFiles returns every file whose change should trigger a reload.
func (c *Config) WatchedFiles() []string {
	files := slices.Clone(c.Reference.Files)
	for _, f := range []string{c.Model.Path, c.Model.MappingsPath} {
		if f != "" {
			files = append(files, f)
		}
	}
	return files
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the host:port Redis address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port)
}
