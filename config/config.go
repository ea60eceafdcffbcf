package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTP struct {
	Addr            string   `yaml:"addr"`
	AllowedOrigins  []string `yaml:"allowedOrigins"`
	ReadTimeout     string   `yaml:"readTimeout"`
	ShutdownTimeout string   `yaml:"shutdownTimeout"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // race-service
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Postgres struct {
	DSN               string `yaml:"dsn"`
	MaxConns          int32  `yaml:"maxConns"`
	MinConns          int32  `yaml:"minConns"`
	MaxConnLifetime   string `yaml:"maxConnLifetime"`
	MaxConnIdleTime   string `yaml:"maxConnIdleTime"`
	HealthCheckPeriod string `yaml:"healthCheckPeriod"`
}

type Auth struct {
	PublicKeyPath string `yaml:"publicKeyPath"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	ClockSkew     string `yaml:"clockSkew"`
}

type Race struct {
	MinPlayers int `yaml:"minPlayers"`
}

type Config struct {
	HTTP     HTTP     `yaml:"http"`
	Logging  Logging  `yaml:"logging"`
	Postgres Postgres `yaml:"postgres"`
	Auth     Auth     `yaml:"auth"`
	Race     Race     `yaml:"race"`
}

func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if c.Auth.PublicKeyPath == "" {
		return errors.New("auth.publicKeyPath is required")
	}
	// defaults when values are not set
	if c.Logging.Service == "" {
		c.Logging.Service = "race-service"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "typequest-auth"
	}
	if c.Auth.Audience == "" {
		c.Auth.Audience = "typequest"
	}
	if c.Race.MinPlayers <= 0 {
		c.Race.MinPlayers = 2
	}
	return nil
}

func (c *Config) ReadTimeout() time.Duration {
	return parseDurationOr(15*time.Second, c.HTTP.ReadTimeout)
}

func (c *Config) ShutdownTimeout() time.Duration {
	return parseDurationOr(10*time.Second, c.HTTP.ShutdownTimeout)
}

func (c *Config) ClockSkew() time.Duration {
	return parseDurationOr(30*time.Second, c.Auth.ClockSkew)
}

func (c *Config) PgMaxConnLifetime() time.Duration {
	return parseDurationOr(30*time.Minute, c.Postgres.MaxConnLifetime)
}

func (c *Config) PgMaxConnIdleTime() time.Duration {
	return parseDurationOr(5*time.Minute, c.Postgres.MaxConnIdleTime)
}

func (c *Config) PgHealthCheckPeriod() time.Duration {
	return parseDurationOr(time.Minute, c.Postgres.HealthCheckPeriod)
}

// helper for parsing timeouts
func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
