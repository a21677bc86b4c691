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

// MaxPollCeiling is the hard cap on how long a single activation poll may block,
// regardless of POLL_MAX_TIMEOUT.
const MaxPollCeiling = 120 * time.Second

type Config struct {
	Port       string
	Env        string
	DBAdapter  string
	SQLiteFile string
	LogLevel   string
	Version    string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	MigrationsDir    string

	// Tokens
	Issuer            string
	SigningSecret     string
	RSAPrivateKeyFile string
	MagicAudience     string
	DeviceAudience    string
	MagicTokenTTL     time.Duration
	MagicRequestTTL   time.Duration
	DeviceTokenTTL    time.Duration

	// Activation
	DevicePolicy       string
	PollDefaultTimeout time.Duration
	PollMaxTimeout     time.Duration
	PublicBaseURL      string
	PurgeInterval      time.Duration
	PurgeRetention     time.Duration

	// Webhooks
	WebhookSecret string

	// HTTP
	MaxBodyBytes        int64
	MaxWebhookBodyBytes int64
	AllowedOrigins      []string
	AdminAPIKeyHash     string

	// Rate limiting of activation starts, per client IP
	RateLimitBackend   string
	RateLimitPerMinute int
	RedisAddr          string
	RedisDB            int

	// Outbound mail
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
	SMTPTLSMode  string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getduration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getint(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getlist(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// IsProduction reports whether ENV/NODE_ENV name a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// New loads an optional .env file and reads the configuration from the environment.
func New() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	c := &Config{
		Port:       getenv("PORT", "3000"),
		Env:        strings.ToLower(getenv("ENV", getenv("NODE_ENV", "development"))),
		DBAdapter:  getenv("DB_ADAPTER", "postgres"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/licensing.db"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		Version:    getenv("APP_VERSION", "1.0.0"),

		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "licensing")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "licensing")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "licensing")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
		MigrationsDir:    getenv("MIGRATIONS_DIR", "./migrations"),

		Issuer:            getenv("ISSUER", "licensing"),
		SigningSecret:     getenv("SIGNING_SECRET", "change-me"),
		RSAPrivateKeyFile: getenv("RSA_PRIVATE_KEY_FILE", ""),
		MagicAudience:     getenv("MAGIC_AUDIENCE", "magic-link"),
		DeviceAudience:    getenv("DEVICE_AUDIENCE", "device"),

		DevicePolicy:  strings.ToLower(getenv("DEVICE_POLICY", "overwrite")),
		PublicBaseURL: strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:3000"), "/"),

		WebhookSecret: getenv("WEBHOOK_SECRET", getenv("LEMON_WEBHOOK_SECRET", "")),

		AllowedOrigins:  getlist("ALLOWED_ORIGINS"),
		AdminAPIKeyHash: getenv("ADMIN_API_KEY_HASH", ""),

		RateLimitBackend: strings.ToLower(getenv("RATE_LIMIT_BACKEND", "memory")),
		RedisAddr:        getenv("REDIS_ADDR", "localhost:6379"),

		SMTPHost:     getenv("SMTP_HOST", ""),
		SMTPUser:     getenv("SMTP_USER", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", "no-reply@localhost"),
		SMTPTLSMode:  getenv("SMTP_TLS_MODE", "auto"),
	}

	var err error
	durations := []struct {
		dst *time.Duration
		key string
		def time.Duration
	}{
		{&c.MagicTokenTTL, "MAGIC_TOKEN_TTL", 15 * time.Minute},
		{&c.MagicRequestTTL, "MAGIC_REQUEST_TTL", 15 * time.Minute},
		{&c.DeviceTokenTTL, "DEVICE_TOKEN_TTL", 7 * 24 * time.Hour},
		{&c.PollDefaultTimeout, "POLL_DEFAULT_TIMEOUT", 25 * time.Second},
		{&c.PollMaxTimeout, "POLL_MAX_TIMEOUT", 55 * time.Second},
		{&c.PurgeInterval, "PURGE_INTERVAL", 10 * time.Minute},
		{&c.PurgeRetention, "PURGE_RETENTION", 24 * time.Hour},
	}
	for _, d := range durations {
		if *d.dst, err = getduration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		dst *int
		key string
		def int
	}{
		{&c.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE", 10},
		{&c.RedisDB, "REDIS_DB", 0},
		{&c.SMTPPort, "SMTP_PORT", 587},
	}
	for _, n := range ints {
		if *n.dst, err = getint(n.key, n.def); err != nil {
			return nil, err
		}
	}

	maxBody, err := getint("MAX_BODY_BYTES", 2000)
	if err != nil {
		return nil, err
	}
	c.MaxBodyBytes = int64(maxBody)
	maxWebhook, err := getint("MAX_WEBHOOK_BODY_BYTES", 1<<20)
	if err != nil {
		return nil, err
	}
	c.MaxWebhookBodyBytes = int64(maxWebhook)

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	if c.IsProduction() {
		if c.SigningSecret == "" || c.SigningSecret == "change-me" {
			return errors.New("SIGNING_SECRET must be set in production")
		}
	}
	if len(c.SigningSecret) < 8 {
		return errors.New("SIGNING_SECRET must be at least 8 bytes")
	}

	if c.DevicePolicy != "overwrite" && c.DevicePolicy != "reject" {
		return fmt.Errorf("invalid DEVICE_POLICY: %s (supported: overwrite, reject)", c.DevicePolicy)
	}
	if c.RateLimitBackend != "memory" && c.RateLimitBackend != "redis" {
		return fmt.Errorf("invalid RATE_LIMIT_BACKEND: %s (supported: memory, redis)", c.RateLimitBackend)
	}

	if c.PollMaxTimeout <= 0 || c.PollMaxTimeout > MaxPollCeiling {
		c.PollMaxTimeout = MaxPollCeiling
	}
	if c.PollDefaultTimeout > c.PollMaxTimeout {
		c.PollDefaultTimeout = c.PollMaxTimeout
	}
	if c.MagicTokenTTL <= 0 || c.MagicRequestTTL <= 0 || c.DeviceTokenTTL <= 0 {
		return errors.New("token and request TTLs must be positive")
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}
	return nil
}
