package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// Values come from env, optionally seeded from an env-file (ENV_FILE, default .env).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Call      CallConfig
	Signaling SignalingConfig
	Pricing   PricingConfig
}

type AppConfig struct {
	Env  string `env:"APP_ENV"`
	Port int    `env:"APP_PORT" envDefault:"8080"`
}

type DBConfig struct {
	Host     string `env:"DB_HOST"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME"`

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string `env:"DB_SSLMODE"`

	// MaxOpenConns bounds the pool; every CompareAndTransition holds one
	// connection for the length of its row lock.
	MaxOpenConns int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
}

// RedisConfig is optional. An empty Host disables the cross-node signaling
// relay and the price cache.
type RedisConfig struct {
	Host     string `env:"REDIS_HOST"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type AuthConfig struct {
	JWTSecret       string        `env:"JWT_SECRET"`
	JWTIssuer       string        `env:"JWT_ISSUER"`
	JWTAudience     string        `env:"JWT_AUDIENCE"`
	AccessTokenTTL  time.Duration `env:"JWT_ACCESS_TTL"`
	RefreshTokenTTL time.Duration `env:"JWT_REFRESH_TTL"`
}

type CallConfig struct {
	// RingWindow is how long a session may stay RINGING before it is MISSED.
	RingWindow time.Duration `env:"CALL_RING_WINDOW" envDefault:"60s"`
	// PollInterval is advertised to clients as the reconciler interval.
	PollInterval time.Duration `env:"CALL_POLL_INTERVAL" envDefault:"2s"`
	// StoreDriver selects the session store: postgres or memory.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
}

type SignalingConfig struct {
	WriteTimeout time.Duration `env:"SIGNAL_WRITE_TIMEOUT" envDefault:"10s"`
	PongWait     time.Duration `env:"SIGNAL_PONG_WAIT" envDefault:"60s"`
	PingInterval time.Duration `env:"SIGNAL_PING_INTERVAL" envDefault:"30s"`
	SendBuffer   int           `env:"SIGNAL_SEND_BUFFER" envDefault:"32"`
}

type PricingConfig struct {
	CacheTTL time.Duration `env:"PRICE_CACHE_TTL" envDefault:"30s"`
}

// Load reads the env-file (if present), parses env into Config and validates it.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("config parse: %w", err)
	}
	c.App.Env = strings.TrimSpace(c.App.Env)
	c.DB.Host = strings.TrimSpace(c.DB.Host)
	c.Redis.Host = strings.TrimSpace(c.Redis.Host)
	c.Call.StoreDriver = strings.ToLower(strings.TrimSpace(c.Call.StoreDriver))

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// loadEnvFile loads ENV_FILE when set. Without it, a missing .env is fine.
func loadEnvFile() error {
	if f := strings.TrimSpace(os.Getenv("ENV_FILE")); f != "" {
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
		return nil
	}
	_ = godotenv.Load()
	return nil
}

// Validate checks the config and fills environment-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	switch c.Call.StoreDriver {
	case "postgres":
		errs = append(errs, c.validateDB()...)
	case "memory":
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_DRIVER=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.Call.StoreDriver))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Call.RingWindow <= 0 {
		c.Call.RingWindow = 60 * time.Second
	}
	if c.Call.PollInterval <= 0 {
		c.Call.PollInterval = 2 * time.Second
	}
	if c.Call.PollInterval >= c.Call.RingWindow {
		errs = append(errs, errors.New("CALL_POLL_INTERVAL must be shorter than CALL_RING_WINDOW"))
	}

	if c.Signaling.PongWait <= 0 {
		c.Signaling.PongWait = 60 * time.Second
	}
	if c.Signaling.PingInterval <= 0 {
		c.Signaling.PingInterval = c.Signaling.PongWait / 2
	}
	if c.Signaling.PingInterval >= c.Signaling.PongWait {
		errs = append(errs, errors.New("SIGNAL_PING_INTERVAL must be shorter than SIGNAL_PONG_WAIT"))
	}
	if c.Signaling.WriteTimeout <= 0 {
		c.Signaling.WriteTimeout = 10 * time.Second
	}
	if c.Signaling.SendBuffer <= 0 {
		c.Signaling.SendBuffer = 32
	}

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
