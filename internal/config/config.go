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

// Config holds every tunable the service reads from the environment.
// Loaded once at startup by the factory; read-only afterwards.
type Config struct {
	Environment string

	Server        ServerConfig
	Logging       LoggingConfig
	Scylla        ScyllaConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	S3            S3Config
	CTOS          CTOSConfig
	Truestack     TruestackConfig
	KYC           KYCConfig
	Bucketing     BucketingConfig
	Hashing       HashingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	CertFile     string
	KeyFile      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type KafkaConfig struct {
	Brokers       []string
	FollowupTopic string
	ConsumerGroup string
}

type ElasticsearchConfig struct {
	URL          string
	Username     string
	Password     string
	SessionIndex string
}

type ClickhouseConfig struct {
	URL      string
	Database string
	Username string
	Password string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

type S3Config struct {
	Enabled bool
	Bucket  string
	Region  string
	Prefix  string
}

// CTOSConfig carries Vendor A credentials. The secret doubles as AES key
// material for the request/response envelope.
type CTOSConfig struct {
	BaseURL     string
	APIKey      string
	Secret      string
	Package     string
	CallbackURL string
	WebhookURL  string
}

// TruestackConfig carries Vendor B credentials.
type TruestackConfig struct {
	BaseURL       string
	APIToken      string
	WebhookSecret string
	CallbackURL   string
	WebhookURL    string
}

type KYCConfig struct {
	LegacyRefPrefixes []string
	ResumeWindow      time.Duration
	VendorTimeout     time.Duration
	OTPTTL            time.Duration
}

type BucketingConfig struct {
	OwnerBuckets int
	EventBuckets int
}

type HashingConfig struct {
	Argon2MemoryCost   int
	Argon2TimeCost     int
	Argon2Parallelism  int
	PepperRotationDays int
}

var (
	globalConfig *Config
	loadOnce     sync.Once
)

// LoadConfig reads configuration from the environment (and .env in
// development) exactly once and caches the result.
func LoadConfig() *Config {
	loadOnce.Do(func() {
		// .env is a development convenience; absence is not an error.
		_ = godotenv.Load()

		globalConfig = &Config{
			Environment: GetEnv("ENVIRONMENT", "development"),
			Server: ServerConfig{
				Host:         GetEnv("SERVER_HOST", "0.0.0.0"),
				Port:         getEnvInt("SERVER_PORT", 8080),
				TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
				EnableTLS:    getEnvBool("SERVER_ENABLE_TLS", false),
				CertFile:     GetEnv("SERVER_CERT_FILE", ""),
				KeyFile:      GetEnv("SERVER_KEY_FILE", ""),
				ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
				WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
				IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			},
			Logging: LoggingConfig{
				Level:  GetEnv("LOG_LEVEL", "info"),
				Format: GetEnv("LOG_FORMAT", "json"),
			},
			Scylla: ScyllaConfig{
				Nodes:    getEnvList("SCYLLA_NODES", []string{"127.0.0.1:9042"}),
				Keyspace: GetEnv("SCYLLA_KEYSPACE", "creditxpress"),
				Username: GetEnv("SCYLLA_USERNAME", ""),
				Password: GetEnv("SCYLLA_PASSWORD", ""),
			},
			Redis: RedisConfig{
				URL:      GetEnv("REDIS_URL", "redis://localhost:6379"),
				Password: GetEnv("REDIS_PASSWORD", ""),
				DB:       getEnvInt("REDIS_DB", 0),
				PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
			},
			Kafka: KafkaConfig{
				Brokers:       getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
				FollowupTopic: GetEnv("KAFKA_KYC_FOLLOWUP_TOPIC", "kyc.followup"),
				ConsumerGroup: GetEnv("KAFKA_KYC_CONSUMER_GROUP", "kyc-followup-workers"),
			},
			Elasticsearch: ElasticsearchConfig{
				URL:          GetEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
				Username:     GetEnv("ELASTICSEARCH_USERNAME", ""),
				Password:     GetEnv("ELASTICSEARCH_PASSWORD", ""),
				SessionIndex: GetEnv("ELASTICSEARCH_SESSION_INDEX", "kyc-sessions"),
			},
			Clickhouse: ClickhouseConfig{
				URL:      GetEnv("CLICKHOUSE_URL", "localhost:9000"),
				Database: GetEnv("CLICKHOUSE_DATABASE", "creditxpress"),
				Username: GetEnv("CLICKHOUSE_USERNAME", "default"),
				Password: GetEnv("CLICKHOUSE_PASSWORD", ""),
			},
			KMS: KMSConfig{
				Enabled: getEnvBool("KMS_ENABLED", false),
				KeyID:   GetEnv("KMS_KEY_ID", ""),
				Region:  GetEnv("AWS_REGION", "ap-southeast-1"),
			},
			S3: S3Config{
				Enabled: getEnvBool("S3_ENABLED", false),
				Bucket:  GetEnv("S3_BUCKET", ""),
				Region:  GetEnv("AWS_REGION", "ap-southeast-1"),
				Prefix:  GetEnv("S3_KYC_PREFIX", "kyc-documents"),
			},
			CTOS: CTOSConfig{
				BaseURL:     GetEnv("CTOS_BASE_URL", ""),
				APIKey:      GetEnv("CTOS_API_KEY", ""),
				Secret:      GetEnv("CTOS_SECRET", ""),
				Package:     GetEnv("CTOS_PACKAGE", "EKYC_STANDARD"),
				CallbackURL: GetEnv("CTOS_CALLBACK_URL", ""),
				WebhookURL:  GetEnv("CTOS_WEBHOOK_URL", ""),
			},
			Truestack: TruestackConfig{
				BaseURL:       GetEnv("TRUESTACK_BASE_URL", ""),
				APIToken:      GetEnv("TRUESTACK_API_TOKEN", ""),
				WebhookSecret: GetEnv("TRUESTACK_WEBHOOK_SECRET", ""),
				CallbackURL:   GetEnv("TRUESTACK_CALLBACK_URL", ""),
				WebhookURL:    GetEnv("TRUESTACK_WEBHOOK_URL", ""),
			},
			KYC: KYCConfig{
				LegacyRefPrefixes: getEnvList("KYC_LEGACY_REF_PREFIXES", []string{"EKYC-", "KYC-"}),
				ResumeWindow:      getEnvDuration("KYC_RESUME_WINDOW", 30*time.Minute),
				VendorTimeout:     getEnvDuration("KYC_VENDOR_TIMEOUT", 30*time.Second),
				OTPTTL:            getEnvDuration("KYC_ADMIN_OTP_TTL", 5*time.Minute),
			},
			Bucketing: BucketingConfig{
				OwnerBuckets: getEnvInt("BUCKETING_OWNER_BUCKETS", 64),
				EventBuckets: getEnvInt("BUCKETING_EVENT_BUCKETS", 16),
			},
			Hashing: HashingConfig{
				Argon2MemoryCost:   getEnvInt("ARGON2_MEMORY_COST", 65536),
				Argon2TimeCost:     getEnvInt("ARGON2_TIME_COST", 3),
				Argon2Parallelism:  getEnvInt("ARGON2_PARALLELISM", 2),
				PepperRotationDays: getEnvInt("PEPPER_ROTATION_DAYS", 30),
			},
		}
	})

	return globalConfig
}

// Get returns the cached config, loading it on first use.
func Get() *Config {
	if globalConfig == nil {
		return LoadConfig()
	}
	return globalConfig
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetEnv returns the value of key or fallback when unset/empty.
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
