package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	R2        R2Config
	Zitadel   ZitadelConfig
	Suno      SunoConfig
	Callback  CallbackConfig
	Media     MediaConfig
	Poll      PollConfig
	Queue     QueueConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DatabaseConfig selects the record store. An empty URL keeps records in
// process memory, which is only suitable for development.
type DatabaseConfig struct {
	URL      string
	MaxConns int32
	MinConns int32
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	GeneratePerHour int
	PollPerMin      int
	UploadPerHour   int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type SunoConfig struct {
	APIKey               string
	BaseURL              string
	Model                string
	Timeout              time.Duration
	ExtraSuccessStatuses []string
	ExtraFailureStatuses []string
}

// CallbackConfig holds the publicly reachable base URL the provider posts
// completion callbacks to.
type CallbackConfig struct {
	BaseURL string
}

type MediaConfig struct {
	Root            string
	DownloadTimeout time.Duration
	RemoteURLTTL    time.Duration
}

type PollConfig struct {
	MaxAttempts int
}

type QueueConfig struct {
	Concurrency int
}

type GatewayConfig struct {
	Enabled bool
}

// URL returns the callback endpoint for the given source (music, cover, video).
func (c CallbackConfig) URL(source string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/callback/" + source
}

func Load() (*Config, error) {
	// Local development convenience; a missing .env is not an error
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("JWT_SECRET")
	readSecret("SUNO_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Environment variables
	v.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.max_conns", "DATABASE_MAX_CONNS")
	_ = v.BindEnv("database.min_conns", "DATABASE_MIN_CONNS")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = v.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = v.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = v.BindEnv("suno.api_key", "SUNO_API_KEY")
	_ = v.BindEnv("suno.base_url", "SUNO_BASE_URL")
	_ = v.BindEnv("suno.model", "SUNO_MODEL")
	_ = v.BindEnv("suno.timeout", "SUNO_TIMEOUT")
	_ = v.BindEnv("suno.extra_success_statuses", "SUNO_EXTRA_SUCCESS_STATUSES")
	_ = v.BindEnv("suno.extra_failure_statuses", "SUNO_EXTRA_FAILURE_STATUSES")
	_ = v.BindEnv("callback.base_url", "CALLBACK_BASE_URL")
	_ = v.BindEnv("media.root", "MEDIA_ROOT")
	_ = v.BindEnv("media.download_timeout", "MEDIA_DOWNLOAD_TIMEOUT")
	_ = v.BindEnv("media.remote_url_ttl", "MEDIA_REMOTE_URL_TTL")
	_ = v.BindEnv("poll.max_attempts", "POLL_MAX_ATTEMPTS")
	_ = v.BindEnv("queue.concurrency", "QUEUE_CONCURRENCY")
	_ = v.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")
	_ = v.BindEnv("ratelimit.poll_per_min", "RATELIMIT_POLL_PER_MIN")
	_ = v.BindEnv("ratelimit.upload_per_hour", "RATELIMIT_UPLOAD_PER_HOUR")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("ratelimit.generate_per_hour", 20)
	v.SetDefault("ratelimit.poll_per_min", 120)
	v.SetDefault("ratelimit.upload_per_hour", 50)

	// Suno defaults
	v.SetDefault("suno.base_url", "https://api.sunoapi.org")
	v.SetDefault("suno.model", "V4_5")
	v.SetDefault("suno.timeout", "60s")

	// Media defaults
	v.SetDefault("media.root", "./data/media")
	v.SetDefault("media.download_timeout", "120s")
	v.SetDefault("media.remote_url_ttl", "336h")

	v.SetDefault("poll.max_attempts", 120)
	v.SetDefault("queue.concurrency", 10)

	// Gateway defaults
	v.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			URL:      v.GetString("database.url"),
			MaxConns: v.GetInt32("database.max_conns"),
			MinConns: v.GetInt32("database.min_conns"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: v.GetInt("ratelimit.generate_per_hour"),
			PollPerMin:      v.GetInt("ratelimit.poll_per_min"),
			UploadPerHour:   v.GetInt("ratelimit.upload_per_hour"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		Zitadel: ZitadelConfig{
			Domain:   v.GetString("zitadel.domain"),
			ClientID: v.GetString("zitadel.client_id"),
			Issuer:   v.GetString("zitadel.issuer"),
		},
		Suno: SunoConfig{
			APIKey:               v.GetString("suno.api_key"),
			BaseURL:              v.GetString("suno.base_url"),
			Model:                v.GetString("suno.model"),
			Timeout:              v.GetDuration("suno.timeout"),
			ExtraSuccessStatuses: splitList(v.GetString("suno.extra_success_statuses")),
			ExtraFailureStatuses: splitList(v.GetString("suno.extra_failure_statuses")),
		},
		Callback: CallbackConfig{
			BaseURL: v.GetString("callback.base_url"),
		},
		Media: MediaConfig{
			Root:            v.GetString("media.root"),
			DownloadTimeout: v.GetDuration("media.download_timeout"),
			RemoteURLTTL:    v.GetDuration("media.remote_url_ttl"),
		},
		Poll: PollConfig{
			MaxAttempts: v.GetInt("poll.max_attempts"),
		},
		Queue: QueueConfig{
			Concurrency: v.GetInt("queue.concurrency"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings the core cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Media.Root) == "" {
		return fmt.Errorf("media root is required")
	}
	if c.Suno.APIKey != "" && strings.TrimSpace(c.Callback.BaseURL) == "" {
		return fmt.Errorf("CALLBACK_BASE_URL is required when SUNO_API_KEY is set")
	}
	if c.Media.DownloadTimeout <= 0 {
		return fmt.Errorf("media download timeout must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
