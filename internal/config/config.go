// Package config provides configuration loading for the verification service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server            ServerConfig            `mapstructure:"server"`
	Database          DatabaseConfig          `mapstructure:"database"`
	AllianceDatabase  DatabaseConfig          `mapstructure:"alliance_database"`
	Redis             RedisConfig             `mapstructure:"redis"`
	Storage           StorageConfig           `mapstructure:"storage"`
	WorkerPool        WorkerPoolConfig        `mapstructure:"worker_pool"`
	Repository        RepositoryConfig        `mapstructure:"repository"`
	DebugDataStore    ObjectStoreConfig       `mapstructure:"debug_data_store"`
	S3Repository      ObjectStoreConfig       `mapstructure:"s3_repository"`
	ExternalVerifiers ExternalVerifiersConfig `mapstructure:"external_verifiers"`
	Chains            map[string]ChainConfig  `mapstructure:"chains"`
	Compilers         CompilersConfig         `mapstructure:"compilers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"` // dev, staging, prod
	// MaintainerToken guards the replace endpoint. Empty disables it.
	MaintainerToken string `mapstructure:"maintainer_token"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Enabled reports whether the database is configured at all.
func (c DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig declares the sink fan-out policy: one read sink, any number
// of write sinks per failure class. Order within a class is preserved.
type StorageConfig struct {
	Read        string   `mapstructure:"read"`
	WriteOrWarn []string `mapstructure:"write_or_warn"`
	WriteOrErr  []string `mapstructure:"write_or_err"`
}

// WorkerPoolConfig sizes the verification worker pool.
type WorkerPoolConfig struct {
	MinWorkers               int           `mapstructure:"min_workers"`
	MaxWorkers               int           `mapstructure:"max_workers"`
	IdleTimeout              time.Duration `mapstructure:"idle_timeout"`
	ConcurrentTasksPerWorker int           `mapstructure:"concurrent_tasks_per_worker"`
}

// RepositoryConfig holds filesystem repository paths.
type RepositoryConfig struct {
	V1Path string `mapstructure:"v1_path"`
	V2Path string `mapstructure:"v2_path"`
}

// ObjectStoreConfig holds S3-compatible object store settings. An empty
// bucket disables the store.
type ObjectStoreConfig struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Enabled reports whether the object store is configured.
func (c ObjectStoreConfig) Enabled() bool {
	return c.Bucket != ""
}

// ExternalVerifierConfig holds per-family explorer verification settings.
type ExternalVerifierConfig struct {
	DefaultAPIKey string            `mapstructure:"default_api_key"`
	APIKeys       map[string]string `mapstructure:"api_keys"` // chain id -> key
}

// APIKey resolves the key for a chain, falling back to the default.
func (c ExternalVerifierConfig) APIKey(chainID int64) string {
	if key, ok := c.APIKeys[fmt.Sprintf("%d", chainID)]; ok {
		return key
	}
	return c.DefaultAPIKey
}

// ExternalVerifiersConfig groups the supported explorer families.
type ExternalVerifiersConfig struct {
	Etherscan  ExternalVerifierConfig `mapstructure:"etherscan"`
	Blockscout ExternalVerifierConfig `mapstructure:"blockscout"`
	Routescan  ExternalVerifierConfig `mapstructure:"routescan"`
}

// ChainConfig holds per-chain RPC settings. Keys in the Chains map are
// decimal chain ids.
type ChainConfig struct {
	Name   string `mapstructure:"name"`
	RPCURL string `mapstructure:"rpc_url"`
}

// CompilersConfig locates pinned compiler binaries.
type CompilersConfig struct {
	SolcDir  string `mapstructure:"solc_dir"`
	VyperDir string `mapstructure:"vyper_dir"`
}

// Load reads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/verifier")

	v.SetEnvPrefix("VERIFIER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Explicitly bind secrets (nested struct issue with viper)
	v.BindEnv("server.maintainer_token", "VERIFIER_MAINTAINER_TOKEN")
	v.BindEnv("database.password", "VERIFIER_DATABASE_PASSWORD")
	v.BindEnv("alliance_database.password", "VERIFIER_ALLIANCE_DATABASE_PASSWORD")
	v.BindEnv("debug_data_store.access_key", "VERIFIER_DEBUG_DATA_STORE_ACCESS_KEY")
	v.BindEnv("debug_data_store.secret_key", "VERIFIER_DEBUG_DATA_STORE_SECRET_KEY")
	v.BindEnv("s3_repository.access_key", "VERIFIER_S3_REPOSITORY_ACCESS_KEY")
	v.BindEnv("s3_repository.secret_key", "VERIFIER_S3_REPOSITORY_SECRET_KEY")
	v.BindEnv("external_verifiers.etherscan.default_api_key", "VERIFIER_ETHERSCAN_API_KEY")
	v.BindEnv("external_verifiers.routescan.default_api_key", "VERIFIER_ROUTESCAN_API_KEY")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the storage policy references known sink identifiers and
// declares exactly one read sink.
func (c StorageConfig) Validate() error {
	if c.Read == "" {
		return fmt.Errorf("storage.read must name exactly one sink")
	}
	for _, id := range append(append([]string{c.Read}, c.WriteOrWarn...), c.WriteOrErr...) {
		if !knownSink(id) {
			return fmt.Errorf("unknown sink identifier %q in storage config", id)
		}
	}
	return nil
}

func knownSink(id string) bool {
	switch id {
	case "SourcifyDatabase", "AllianceDatabase", "RepositoryV1", "RepositoryV2",
		"S3Repository", "EtherscanVerify", "BlockscoutVerify", "RoutescanVerify":
		return true
	default:
		return false
	}
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 5555)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "verifier")
	v.SetDefault("database.password", "verifier")
	v.SetDefault("database.database", "verifier")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 5)
	v.SetDefault("database.min_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Storage policy defaults: canonical store serves reads and is the only
	// hard write dependency.
	v.SetDefault("storage.read", "SourcifyDatabase")
	v.SetDefault("storage.write_or_err", []string{"SourcifyDatabase"})
	v.SetDefault("storage.write_or_warn", []string{"RepositoryV2"})

	// Worker pool defaults; zero min/max means derive from GOMAXPROCS.
	v.SetDefault("worker_pool.min_workers", 0)
	v.SetDefault("worker_pool.max_workers", 0)
	v.SetDefault("worker_pool.idle_timeout", "30s")
	v.SetDefault("worker_pool.concurrent_tasks_per_worker", 5)

	// Filesystem repository defaults
	v.SetDefault("repository.v1_path", "/var/lib/verifier/repository")
	v.SetDefault("repository.v2_path", "/var/lib/verifier/repository-v2")

	// Compiler binary directories
	v.SetDefault("compilers.solc_dir", "/var/lib/verifier/solc")
	v.SetDefault("compilers.vyper_dir", "/var/lib/verifier/vyper")
}
