package config

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/anvil/internal/blob"
	"github.com/seantiz/anvil/internal/runner"
	"github.com/seantiz/anvil/internal/store"
)

const (
	defaultListenAddr  = "127.0.0.1:8420"
	defaultProviderURL = "http://127.0.0.1:8421"
	defaultStoreDriver = store.DriverSQLite
	defaultStoreDSN    = "anvil.db"

	envListenAddr       = "ANVIL_LISTEN_ADDR"
	envProviderURL      = "ANVIL_PROVIDER_URL"
	envStoreDriver      = "ANVIL_STORE_DRIVER"
	envStoreDSN         = "ANVIL_STORE_DSN"
	envLogLevel         = "ANVIL_LOG_LEVEL"
	envConcurrency      = "ANVIL_CONCURRENCY"
	envWorkerBinary     = "ANVIL_WORKER_BINARY"
	envCacheMaxBytes    = "ANVIL_CACHE_MAX_BYTES"
	envTasksPendingMin  = "ANVIL_TASKS_PENDING_MIN"
	envTasksFinishedMax = "ANVIL_TASKS_FINISHED_MAX"
	envSendMaxBytes     = "ANVIL_SEND_MAX_BYTES"
	envSaveTimeoutMS    = "ANVIL_SAVE_TIMEOUT_MS"
)

// Config holds agent configuration. Values come from defaults, then an
// optional YAML file, then ANVIL_* environment variables.
type Config struct {
	ListenAddr  string
	ProviderURL string
	StoreDriver string
	StoreDSN    string
	LogLevel    slog.Level

	// Worker processes; zero or less means one per CPU minus one.
	Concurrency int
	// Path of the worker binary. Empty runs workers in-process.
	WorkerBinary string

	CacheMaxBytes int64
	Tunables      runner.Tunables
}

// fileConfig is the YAML layout. Absent keys leave the value unchanged.
type fileConfig struct {
	ListenAddr    *string `yaml:"listen_addr,omitempty"`
	ProviderURL   *string `yaml:"provider_url,omitempty"`
	LogLevel      *string `yaml:"log_level,omitempty"`
	Concurrency   *int    `yaml:"concurrency,omitempty"`
	WorkerBinary  *string `yaml:"worker_binary,omitempty"`
	CacheMaxBytes *int64  `yaml:"cache_max_bytes,omitempty"`

	Store *struct {
		Driver *string `yaml:"driver,omitempty"`
		DSN    *string `yaml:"dsn,omitempty"`
	} `yaml:"store,omitempty"`

	Runner *struct {
		TasksPendingMin  *int           `yaml:"tasks_pending_min,omitempty"`
		TasksFinishedMax *int           `yaml:"tasks_finished_max,omitempty"`
		SendMaxBytes     *int           `yaml:"send_max_bytes,omitempty"`
		SaveTimeout      *time.Duration `yaml:"save_timeout,omitempty"`
		EmptyRetryDelay  *time.Duration `yaml:"empty_retry_delay,omitempty"`
	} `yaml:"runner,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr:    defaultListenAddr,
		ProviderURL:   defaultProviderURL,
		StoreDriver:   defaultStoreDriver,
		StoreDSN:      defaultStoreDSN,
		LogLevel:      slog.LevelInfo,
		CacheMaxBytes: blob.DefaultCacheMax,
		Tunables:      runner.DefaultTunables(),
	}
}

// Load reads configuration. path names an optional YAML file; empty skips
// it. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.apply(data); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) apply(data []byte) error {
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}

	set(&c.ListenAddr, f.ListenAddr)
	set(&c.ProviderURL, f.ProviderURL)
	set(&c.Concurrency, f.Concurrency)
	set(&c.WorkerBinary, f.WorkerBinary)
	set(&c.CacheMaxBytes, f.CacheMaxBytes)
	if f.LogLevel != nil {
		c.LogLevel = parseLogLevel(*f.LogLevel)
	}
	if s := f.Store; s != nil {
		set(&c.StoreDriver, s.Driver)
		set(&c.StoreDSN, s.DSN)
	}
	if r := f.Runner; r != nil {
		set(&c.Tunables.TasksPendingMin, r.TasksPendingMin)
		set(&c.Tunables.TasksFinishedMax, r.TasksFinishedMax)
		set(&c.Tunables.SendMaxBytes, r.SendMaxBytes)
		set(&c.Tunables.SaveTimeout, r.SaveTimeout)
		set(&c.Tunables.EmptyRetryDelay, r.EmptyRetryDelay)
	}
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envProviderURL); v != "" {
		c.ProviderURL = v
	}
	if v := os.Getenv(envStoreDriver); v != "" {
		c.StoreDriver = v
	}
	if v := os.Getenv(envStoreDSN); v != "" {
		c.StoreDSN = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWorkerBinary); v != "" {
		c.WorkerBinary = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{envConcurrency, &c.Concurrency},
		{envTasksPendingMin, &c.Tunables.TasksPendingMin},
		{envTasksFinishedMax, &c.Tunables.TasksFinishedMax},
		{envSendMaxBytes, &c.Tunables.SendMaxBytes},
	}
	for _, it := range ints {
		if err := envInt(it.env, it.dst); err != nil {
			return err
		}
	}

	if v := os.Getenv(envCacheMaxBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envCacheMaxBytes, err)
		}
		c.CacheMaxBytes = n
	}
	var saveMS int
	if err := envInt(envSaveTimeoutMS, &saveMS); err != nil {
		return err
	}
	if saveMS != 0 {
		c.Tunables.SaveTimeout = time.Duration(saveMS) * time.Millisecond
	}
	return nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

// Validate checks that the configuration can start an agent.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is empty")
	}
	u, err := url.Parse(c.ProviderURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("provider url %q: must be an absolute http(s) URL", c.ProviderURL)
	}
	switch strings.ToLower(c.StoreDriver) {
	case store.DriverMemory:
	case store.DriverSQLite, store.DriverPebble, store.DriverRedis:
		if c.StoreDSN == "" {
			return fmt.Errorf("store driver %s requires a dsn", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.CacheMaxBytes <= 0 {
		return fmt.Errorf("cache_max_bytes must be > 0, got %d", c.CacheMaxBytes)
	}

	t := c.Tunables
	if t.TasksPendingMin < 1 {
		return fmt.Errorf("tasks_pending_min must be >= 1, got %d", t.TasksPendingMin)
	}
	if t.TasksFinishedMax < 1 {
		return fmt.Errorf("tasks_finished_max must be >= 1, got %d", t.TasksFinishedMax)
	}
	if t.SendMaxBytes < 1 {
		return fmt.Errorf("send_max_bytes must be >= 1, got %d", t.SendMaxBytes)
	}
	if t.SaveTimeout < 0 || t.EmptyRetryDelay <= 0 {
		return fmt.Errorf("save_timeout must be >= 0 and empty_retry_delay > 0")
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
