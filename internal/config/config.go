// Package config loads service settings from defaults, an optional YAML file
// and GYMCRM_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gymcrm.org/internal/auth"
	"gymcrm.org/internal/ratelimit"
)

// EnvFile names the variable holding the YAML config path.
const EnvFile = "GYMCRM_CONFIG"

type Config struct {
	HTTP       HTTP             `yaml:"http"`
	Database   Database         `yaml:"database"`
	Redis      Redis            `yaml:"redis"`
	Auth       Auth             `yaml:"auth"`
	LoginLimit ratelimit.Config `yaml:"login_limit"`
	LogLevel   string           `yaml:"log_level"`
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type Database struct {
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

type Redis struct {
	URL string `yaml:"url"`
	Key string `yaml:"key"`
}

type Auth struct {
	Secret           string        `yaml:"secret"`
	Issuer           string        `yaml:"issuer"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	BcryptCost       int           `yaml:"bcrypt_cost"`
	PasswordMaxAge   time.Duration `yaml:"password_max_age"`
	TrustedUsernames []string      `yaml:"trusted_usernames"`
	PurgeInterval    time.Duration `yaml:"purge_interval"`
}

func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Auth: Auth{
			Issuer:        auth.DefaultIssuer,
			TokenTTL:      auth.DefaultTokenTTL,
			BcryptCost:    auth.DefaultBcryptCost,
			PurgeInterval: 15 * time.Minute,
		},
		LoginLimit: ratelimit.DefaultConfig(),
		LogLevel:   "info",
	}
}

// Load reads path (if non-empty), applies environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv is Load with the path taken from GYMCRM_CONFIG.
func FromEnv() (Config, error) {
	return Load(os.Getenv(EnvFile))
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("GYMCRM_ADDR", &c.HTTP.Addr)
	str("GYMCRM_PG_DSN", &c.Database.DSN)
	boolean("GYMCRM_AUTO_MIGRATE", &c.Database.AutoMigrate)
	str("GYMCRM_REDIS_URL", &c.Redis.URL)
	str("GYMCRM_AUTH_SECRET", &c.Auth.Secret)
	str("GYMCRM_AUTH_ISSUER", &c.Auth.Issuer)
	dur("GYMCRM_TOKEN_TTL", &c.Auth.TokenTTL)
	integer("GYMCRM_BCRYPT_COST", &c.Auth.BcryptCost)
	dur("GYMCRM_PASSWORD_MAX_AGE", &c.Auth.PasswordMaxAge)
	dur("GYMCRM_TOKEN_PURGE_INTERVAL", &c.Auth.PurgeInterval)
	integer("GYMCRM_LOGIN_LIMIT", &c.LoginLimit.Limit)
	dur("GYMCRM_LOGIN_PERIOD", &c.LoginLimit.Period)
	dur("GYMCRM_LOGIN_TIMEOUT", &c.LoginLimit.Timeout)
	str("GYMCRM_LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup("GYMCRM_TRUSTED_USERNAMES"); ok {
		c.Auth.TrustedUsernames = splitList(v)
	}
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth.secret is required (GYMCRM_AUTH_SECRET)"))
	}
	if c.Auth.TokenTTL < time.Second {
		errs = append(errs, errors.New("auth.token_ttl must be at least 1s"))
	}
	if c.Auth.PasswordMaxAge < 0 {
		errs = append(errs, errors.New("auth.password_max_age must not be negative"))
	}
	if err := c.LoginLimit.Validate(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
