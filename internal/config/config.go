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

const (
	DefaultQueueName         = "default"
	DefaultCheckThreshold    = 60 * time.Second
	DefaultTickInterval      = 5 * time.Second
	DefaultTickMinInterval   = time.Second
	DefaultMaxConcurrency    = 8
	DefaultMaxRetries        = 5
	DefaultInactivityTimeout = 30 * time.Second
	DefaultWakeupDelay       = 10 * time.Second
	DefaultMaxAlive          = 60 * time.Second
)

// Config is the resolved configuration with defaults applied.
type Config struct {
	Storage   Storage
	HTTP      HTTP
	Log       Log
	Queue     Queue
	Scheduler Scheduler
	Runner    Runner
}

type Storage struct {
	Driver string // sqlite or postgres
	DSN    string
}

type HTTP struct {
	Addr          string
	Debug         bool
	TickOnRequest bool
}

type Log struct {
	Level  string
	Format string // console or json
}

type Queue struct {
	DefaultName string
	Context     string
}

type Scheduler struct {
	// CheckThreshold is how long after the last schedule check was enqueued
	// a new one may be enqueued.
	CheckThreshold  time.Duration
	TickInterval    time.Duration
	TickMinInterval time.Duration
}

type Runner struct {
	MaxConcurrency    int
	MaxRetries        int
	InactivityTimeout time.Duration
	WakeupDelay       time.Duration
	MaxAlive          time.Duration
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage:   Storage{Driver: "sqlite", DSN: "schedflow.db"},
		HTTP:      HTTP{Addr: ":8080", TickOnRequest: true},
		Log:       Log{Level: "info", Format: "console"},
		Queue:     Queue{DefaultName: DefaultQueueName},
		Scheduler: Scheduler{CheckThreshold: DefaultCheckThreshold, TickInterval: DefaultTickInterval, TickMinInterval: DefaultTickMinInterval},
		Runner: Runner{
			MaxConcurrency:    DefaultMaxConcurrency,
			MaxRetries:        DefaultMaxRetries,
			InactivityTimeout: DefaultInactivityTimeout,
			WakeupDelay:       DefaultWakeupDelay,
			MaxAlive:          DefaultMaxAlive,
		},
	}
}

// file mirrors the YAML layout. Durations are Go duration strings.
type file struct {
	Storage struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"storage"`
	HTTP struct {
		Addr          string `yaml:"addr"`
		Debug         bool   `yaml:"debug"`
		TickOnRequest *bool  `yaml:"tick_on_request"`
	} `yaml:"http"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Queue struct {
		DefaultName string `yaml:"default_name"`
		Context     string `yaml:"context"`
	} `yaml:"queue"`
	Scheduler struct {
		CheckThreshold  string `yaml:"check_threshold"`
		TickInterval    string `yaml:"tick_interval"`
		TickMinInterval string `yaml:"tick_min_interval"`
	} `yaml:"scheduler"`
	Runner struct {
		MaxConcurrency    *int   `yaml:"max_concurrency"`
		MaxRetries        *int   `yaml:"max_retries"`
		InactivityTimeout string `yaml:"inactivity_timeout"`
		WakeupDelay       string `yaml:"wakeup_delay"`
		MaxAlive          string `yaml:"max_alive"`
	} `yaml:"runner"`
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes YAML strictly (unknown keys are rejected), applies defaults
// and validates the result.
func Parse(data []byte) (*Config, error) {
	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	cfg := Default()
	verr := &ValidationError{}

	setString(&cfg.Storage.Driver, f.Storage.Driver)
	setString(&cfg.Storage.DSN, f.Storage.DSN)
	setString(&cfg.HTTP.Addr, f.HTTP.Addr)
	cfg.HTTP.Debug = f.HTTP.Debug
	if f.HTTP.TickOnRequest != nil {
		cfg.HTTP.TickOnRequest = *f.HTTP.TickOnRequest
	}
	setString(&cfg.Log.Level, f.Log.Level)
	setString(&cfg.Log.Format, f.Log.Format)
	setString(&cfg.Queue.DefaultName, f.Queue.DefaultName)
	cfg.Queue.Context = f.Queue.Context

	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.check_threshold", f.Scheduler.CheckThreshold, &cfg.Scheduler.CheckThreshold},
		{"scheduler.tick_interval", f.Scheduler.TickInterval, &cfg.Scheduler.TickInterval},
		{"runner.inactivity_timeout", f.Runner.InactivityTimeout, &cfg.Runner.InactivityTimeout},
		{"runner.wakeup_delay", f.Runner.WakeupDelay, &cfg.Runner.WakeupDelay},
		{"runner.max_alive", f.Runner.MaxAlive, &cfg.Runner.MaxAlive},
	}
	for _, d := range durations {
		v, err := ParseDurationOrDefault(d.path, d.raw, *d.dst)
		if err != nil {
			verr.Add(err)
			continue
		}
		*d.dst = v
	}
	// tick_min_interval may be 0 to disable the in-process limiter.
	if strings.TrimSpace(f.Scheduler.TickMinInterval) != "" {
		v, err := ParseDurationField("scheduler.tick_min_interval", f.Scheduler.TickMinInterval)
		if err != nil {
			verr.Add(err)
		} else {
			cfg.Scheduler.TickMinInterval = v
		}
	}
	if f.Runner.MaxConcurrency != nil {
		cfg.Runner.MaxConcurrency = *f.Runner.MaxConcurrency
	}
	if f.Runner.MaxRetries != nil {
		cfg.Runner.MaxRetries = *f.Runner.MaxRetries
	}

	if err := cfg.Validate(); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			verr.Errors = append(verr.Errors, ve.Errors...)
		} else {
			verr.Add(err)
		}
	}
	if verr.HasError() {
		return nil, verr
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	verr := &ValidationError{}
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		verr.Add(fmt.Errorf("storage.driver: unsupported driver %q", c.Storage.Driver))
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		verr.Add(errors.New("storage.dsn is required"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		verr.Add(fmt.Errorf("log.format: must be console or json, got %q", c.Log.Format))
	}
	if c.Runner.MaxConcurrency < 1 {
		verr.Add(errors.New("runner.max_concurrency must be positive"))
	}
	if c.Runner.MaxRetries < 0 {
		verr.Add(errors.New("runner.max_retries must be >= 0"))
	}
	if verr.HasError() {
		return verr
	}
	return nil
}

func setString(dst *string, v string) {
	if s := strings.TrimSpace(v); s != "" {
		*dst = s
	}
}
