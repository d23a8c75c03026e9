// Package config loads the YAML configuration of the periodic binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Database  DatabaseConfig         `yaml:"database"`
	Scheduler SchedulerConfig        `yaml:"scheduler"`
	Logging   LoggingConfig          `yaml:"logging"`
	Backends  map[string]RedisConfig `yaml:"backends"`
	Worker    WorkerConfig           `yaml:"worker"`
	HTTP      HTTPConfig             `yaml:"http"`
}

type DatabaseConfig struct {
	Conn string `yaml:"conn"`
	// Migrate applies the schema migrations on startup.
	Migrate bool `yaml:"migrate"`
}

type SchedulerConfig struct {
	Interval  Duration `yaml:"interval"`
	Retention Duration `yaml:"retention"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type WorkerConfig struct {
	Concurrency int            `yaml:"concurrency"`
	Queues      map[string]int `yaml:"queues"`
}

type HTTPConfig struct {
	// Listen is the address of the /metrics and /healthz endpoints. Empty
	// disables them.
	Listen string `yaml:"listen"`
}

// Duration is a time.Duration written as "15s" or as a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds int64
	if err := node.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, raw, err)
	}
	*d = Duration(parsed)

	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration used for every field a file leaves out.
func Default() *Config {
	cfg := base()
	cfg.fillMaps()
	return cfg
}

// base holds the scalar defaults. Maps stay nil so a file replaces them
// instead of merging into them.
func base() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Interval:  Duration(15 * time.Second),
			Retention: Duration(24 * time.Hour),
		},
		Logging: LoggingConfig{Level: "info"},
		Worker:  WorkerConfig{Concurrency: 10},
	}
}

func (c *Config) fillMaps() {
	if len(c.Backends) == 0 {
		c.Backends = map[string]RedisConfig{"default": {Addr: "127.0.0.1:6379"}}
	}
	if len(c.Worker.Queues) == 0 {
		c.Worker.Queues = map[string]int{"default": 1}
	}
}

// Load reads path over Default. Environment variables in the file are
// expanded and unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(bytes.NewReader(data))
}

func Parse(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	cfg := base()
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	cfg.fillMaps()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.Interval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.interval must be positive"))
	}
	if c.Scheduler.Retention <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.retention must be positive"))
	}
	if _, ok := c.Backends["default"]; !ok {
		errs = append(errs, fmt.Errorf("backends: a backend named default is required"))
	}
	for name, backend := range c.Backends {
		if backend.Addr == "" {
			errs = append(errs, fmt.Errorf("backends.%s.addr is required", name))
		}
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("worker.concurrency must be positive"))
	}

	return errors.Join(errs...)
}
