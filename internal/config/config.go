// Package config loads the dagflow engine configuration and task templates
// from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/dagflow/internal/backoff"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
	// DriverNone disables the task queue; tasks are driven synchronously.
	DriverNone = "none"
)

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	Queue   QueueConfig   `yaml:"queue"`
	Engine  EngineConfig  `yaml:"engine"`
	Backoff BackoffConfig `yaml:"backoff"`
	Worker  WorkerConfig  `yaml:"worker"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`

	// Templates lists template files. Relative paths are resolved against
	// the directory of the config file.
	Templates []string `yaml:"templates"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	RedisAddr string `yaml:"redis_addr"`
	Prefix    string `yaml:"prefix"`
}

type QueueConfig struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	RedisAddr    string        `yaml:"redis_addr"`
	MongoURI     string        `yaml:"mongo_uri"`
	Database     string        `yaml:"database"`
	Collection   string        `yaml:"collection"`
	Prefix       string        `yaml:"prefix"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type EngineConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StepTimeout  time.Duration `yaml:"step_timeout"`
}

type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Jitter *float64      `yaml:"jitter"`
}

// Policy converts the section to a backoff.Policy.
func (b BackoffConfig) Policy() backoff.Policy {
	p := backoff.Policy{Base: b.Base, Max: b.Max, Jitter: backoff.DefaultJitter}
	if b.Jitter != nil {
		p.Jitter = *b.Jitter
	}
	return p
}

type WorkerConfig struct {
	Count       int           `yaml:"count"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint. Empty disables it.
	Addr string `yaml:"addr"`
}

type TracingConfig struct {
	// Endpoint of an OTLP/HTTP collector. Empty disables tracing.
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Default returns the configuration used when no file is given: in-memory
// store, no queue, text logs at info.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Parse decodes a YAML document, rejecting unknown fields, then applies
// defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a config file. Template paths are made absolute
// relative to the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i, p := range cfg.Templates {
		if !filepath.IsAbs(p) {
			cfg.Templates[i] = filepath.Join(dir, p)
		}
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = DriverNone
	}
	if c.Queue.Database == "" {
		c.Queue.Database = "dagflow"
	}
	if c.Queue.Collection == "" {
		c.Queue.Collection = "jobs"
	}
	if c.Engine.Concurrency == 0 {
		c.Engine.Concurrency = 4
	}
	if c.Engine.PollInterval == 0 {
		c.Engine.PollInterval = time.Second
	}
	if c.Backoff.Base == 0 {
		c.Backoff.Base = backoff.DefaultBase
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = backoff.DefaultMax
	}
	if c.Worker.Count == 0 {
		c.Worker.Count = 1
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 5
	}
	if c.Worker.RetryDelay == 0 {
		c.Worker.RetryDelay = time.Second
	}
}

// Validate checks driver names, required connection settings and ranges.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for driver \"redis\""))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}

	switch c.Queue.Driver {
	case DriverNone, DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Queue.DSN == "" && c.Store.Driver != c.Queue.Driver {
			errs = append(errs, fmt.Errorf("queue.dsn is required for driver %q", c.Queue.Driver))
		}
	case DriverRedis:
		if c.Queue.RedisAddr == "" && c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("queue.redis_addr is required for driver \"redis\""))
		}
	case DriverMongo:
		if c.Queue.MongoURI == "" {
			errs = append(errs, errors.New("queue.mongo_uri is required for driver \"mongo\""))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.driver %q is not supported", c.Queue.Driver))
	}

	if c.Engine.Concurrency < 0 {
		errs = append(errs, errors.New("engine.concurrency must not be negative"))
	}
	if c.Engine.StepTimeout < 0 || c.Engine.PollInterval < 0 || c.Queue.PollInterval < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.Backoff.Max < c.Backoff.Base {
		errs = append(errs, fmt.Errorf("backoff.max (%s) is below backoff.base (%s)", c.Backoff.Max, c.Backoff.Base))
	}
	if j := c.Backoff.Jitter; j != nil && (*j < 0 || *j > 1) {
		errs = append(errs, fmt.Errorf("backoff.jitter must be within [0, 1], got %v", *j))
	}
	if c.Worker.Count < 0 || c.Worker.MaxAttempts < 0 {
		errs = append(errs, errors.New("worker.count and worker.max_attempts must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
