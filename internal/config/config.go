package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded once from the environment.
type Config struct {
	Environment string

	Server     ServerConfig
	MySQL      MySQLConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	KMS        KMSConfig
	Hashing    HashingConfig
	Auth       AuthConfig
	Notifier   NotifierConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type MySQLConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type HashingConfig struct {
	Argon2MemoryCost  int
	Argon2TimeCost    int
	Argon2Parallelism int
}

// AuthConfig carries the session and token lifetimes for the login and
// email-change flows.
type AuthConfig struct {
	SessionTTL        time.Duration // full session lifetime
	PendingSessionTTL time.Duration // password-only session awaiting step-up
	EmailChangeTTL    time.Duration // pending email change expiry
	TOTPIssuer        string
	BackupCodeCount   int
}

type NotifierConfig struct {
	SMTPAddr string
	From     string
	BaseURL  string
}

type LoggingConfig struct {
	Level  string
	Format string
}

var (
	global *Config
	once   sync.Once
)

// LoadConfig reads configuration from the environment, falling back to a
// .env file in development.
func LoadConfig() *Config {
	once.Do(func() {
		_ = godotenv.Load()

		global = &Config{
			Environment: getEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         getEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				AutoCert:     getEnvBool("SERVER_AUTO_CERT", false),
				Domain:       getEnv("SERVER_DOMAIN", ""),
				CertFile:     getEnv("SERVER_CERT_FILE", ""),
				KeyFile:      getEnv("SERVER_KEY_FILE", ""),
				AutoCertDir:  getEnv("SERVER_AUTOCERT_DIR", "/var/lib/identity-service/autocert"),
				Email:        getEnv("SERVER_ACME_EMAIL", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			},
			MySQL: MySQLConfig{
				Host:     getEnv("MYSQL_HOST", "127.0.0.1"),
				Port:     getEnv("MYSQL_PORT", "3306"),
				User:     getEnv("MYSQL_USER", "identity"),
				Password: getEnv("MYSQL_PASSWORD", ""),
				Database: getEnv("MYSQL_DATABASE", "identity"),
			},
			Redis: RedisConfig{
				URL:      getEnv("REDIS_URL", "redis://127.0.0.1:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Kafka: KafkaConfig{
				Brokers:    strings.Split(getEnv("KAFKA_BROKERS", "127.0.0.1:9092"), ","),
				AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "security-events"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      getEnv("CLICKHOUSE_URL", "http://127.0.0.1:8123"),
				Username: getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
				Database: getEnv("CLICKHOUSE_DATABASE", "identity"),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   getEnv("KMS_KEY_ID", ""),
				Region:  getEnv("KMS_REGION", "us-east-1"),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:  getEnvInt("ARGON2_MEMORY_KB", 64*1024),
				Argon2TimeCost:    getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
			},
			Auth: AuthConfig{
				SessionTTL:        getEnvDuration("SESSION_TTL", 30*24*time.Hour),
				PendingSessionTTL: getEnvDuration("PENDING_SESSION_TTL", 15*time.Minute),
				EmailChangeTTL:    getEnvDuration("EMAIL_CHANGE_TTL", 24*time.Hour),
				TOTPIssuer:        getEnv("TOTP_ISSUER", "identity-service"),
				BackupCodeCount:   getEnvInt("BACKUP_CODE_COUNT", 8),
			},
			Notifier: NotifierConfig{
				SMTPAddr: getEnv("SMTP_ADDR", ""),
				From:     getEnv("MAIL_FROM", "no-reply@localhost"),
				BaseURL:  getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
			},
			Logging: LoggingConfig{
				Level:  getEnv("LOG_LEVEL", "info"),
				Format: getEnv("LOG_FORMAT", "console"),
			},
		}
	})

	return global
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if global == nil {
		return LoadConfig()
	}
	return global
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
