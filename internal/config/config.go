package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures everything needed to wire the crawl engine and its surfaces.
type Config struct {
	DB           SQLConfig          `yaml:"db"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Fetcher      FetcherConfig      `yaml:"fetcher"`
	Rendering    RenderingConfig    `yaml:"rendering"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Tasks        TaskConfig         `yaml:"tasks"`
	API          APIConfig          `yaml:"api"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// SQLConfig describes the relational database holding tasks and page records.
// An empty DSN selects the in-memory store.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// RedisConfig enables task progress snapshots when Addr is set.
type RedisConfig struct {
	Addr      string   `yaml:"addr"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"key_prefix"`
	TTL       Duration `yaml:"ttl"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

// KafkaConfig enables page record events when brokers are listed.
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic"`
	WriteTimeout Duration `yaml:"write_timeout"`
	// BatchTimeout bounds how long a partial batch waits before it is flushed.
	BatchTimeout Duration `yaml:"batch_timeout"`
}

// Enabled reports whether page events should be published.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 && k.Topic != "" }

// FetcherConfig controls how pages are retrieved.
type FetcherConfig struct {
	Engine              string            `yaml:"engine"`
	UserAgent           string            `yaml:"user_agent"`
	Headers             map[string]string `yaml:"headers"`
	ProxyURL            string            `yaml:"proxy_url"`
	Timeout             Duration          `yaml:"timeout"`
	MaxRedirects        int               `yaml:"max_redirects"`
	MaxBodyBytes        int64             `yaml:"max_body_bytes"`
	ReadabilityFallback bool              `yaml:"readability_fallback"`
}

// RenderingConfig controls the headless browser used by the chromedp engine.
type RenderingConfig struct {
	Timeout            Duration `yaml:"timeout"`
	WaitForSelector    string   `yaml:"wait_for_selector"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
	DisableHeadless    bool     `yaml:"disable_headless"`
}

// OrchestratorConfig tunes the per-task worker pool.
type OrchestratorConfig struct {
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// TaskConfig holds defaults and bounds applied when tasks are created.
type TaskConfig struct {
	DefaultMaxDepth    int    `yaml:"default_max_depth"`
	DefaultStrategy    string `yaml:"default_strategy"`
	DefaultConcurrency int    `yaml:"default_concurrency"`
	MaxDepthLimit      int    `yaml:"max_depth_limit"`
	MaxConcurrency     int    `yaml:"max_concurrency"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Addr            string `yaml:"addr"`
	MaxRunningTasks int    `yaml:"max_running_tasks"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

const (
	EngineHTTP     = "http"
	EngineChromedp = "chromedp"
)

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		DB: SQLConfig{
			Driver:      "postgres",
			AutoMigrate: true,
		},
		Redis: RedisConfig{
			KeyPrefix: "kbcrawler:task:",
			TTL:       DurationFrom(24 * time.Hour),
		},
		Kafka: KafkaConfig{
			Topic:        "kbcrawler.pages",
			WriteTimeout: DurationFrom(5 * time.Second),
			BatchTimeout: DurationFrom(10 * time.Millisecond),
		},
		Fetcher: FetcherConfig{
			Engine:       EngineHTTP,
			UserAgent:    "Mozilla/5.0 (compatible; kbcrawler/1.0)",
			Headers:      map[string]string{},
			Timeout:      DurationFrom(10 * time.Second),
			MaxRedirects: 10,
			MaxBodyBytes: 6 * 1024 * 1024,
		},
		Rendering: RenderingConfig{
			Timeout:            DurationFrom(15 * time.Second),
			ConcurrentSessions: 2,
		},
		Orchestrator: OrchestratorConfig{
			ShutdownTimeout: DurationFrom(60 * time.Second),
		},
		Tasks: TaskConfig{
			DefaultMaxDepth:    2,
			DefaultStrategy:    "BFS",
			DefaultConcurrency: 3,
			MaxDepthLimit:      10,
			MaxConcurrency:     10,
		},
		API: APIConfig{
			Addr:            ":8080",
			MaxRunningTasks: 4,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, normalises and validates configuration from a YAML file.
// Environment overrides are applied after the file is decoded.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()

	cfg := Default()
	if err := decodeYAML(fh, &cfg); err != nil {
		return nil, err
	}
	return finish(&cfg, os.LookupEnv)
}

// LoadFromReader decodes configuration from an arbitrary reader without consulting the environment.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	return finish(&cfg, nil)
}

// FromEnv returns the defaults with environment overrides applied.
func FromEnv() (*Config, error) {
	cfg := Default()
	return finish(&cfg, os.LookupEnv)
}

func finish(cfg *Config, lookup func(string) (string, bool)) (*Config, error) {
	if lookup != nil {
		if err := cfg.ApplyEnv(lookup); err != nil {
			return nil, err
		}
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment variables on top of the decoded file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("KBCRAWLER_DB_DRIVER"); ok {
		c.DB.Driver = v
	}
	if v, ok := lookup("KBCRAWLER_DB_DSN"); ok {
		c.DB.DSN = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok {
		c.Redis.Addr = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v, ok := lookup("KAFKA_TOPIC"); ok {
		c.Kafka.Topic = v
	}
	if v, ok := lookup("KBCRAWLER_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	if v, ok := lookup("KBCRAWLER_MAX_RUNNING_TASKS"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("KBCRAWLER_MAX_RUNNING_TASKS: %w", err)
		}
		c.API.MaxRunningTasks = n
	}
	return nil
}

// Validate enforces required invariants for the configuration.
func (c Config) Validate() error {
	switch c.DB.Driver {
	case "postgres", "pgx":
	default:
		return fmt.Errorf("db.driver must be postgres or pgx (got %q)", c.DB.Driver)
	}
	switch c.Fetcher.Engine {
	case EngineHTTP, EngineChromedp:
	default:
		return fmt.Errorf("fetcher.engine must be %s or %s (got %q)", EngineHTTP, EngineChromedp, c.Fetcher.Engine)
	}
	if c.Fetcher.UserAgent == "" {
		return errors.New("fetcher.user_agent must be set")
	}
	if c.Fetcher.Timeout.Duration <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0 (got %s)", c.Fetcher.Timeout)
	}
	if c.Fetcher.MaxRedirects < 0 {
		return fmt.Errorf("fetcher.max_redirects must be >= 0 (got %d)", c.Fetcher.MaxRedirects)
	}
	if c.Fetcher.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetcher.max_body_bytes must be > 0 (got %d)", c.Fetcher.MaxBodyBytes)
	}
	if c.Fetcher.Engine == EngineChromedp && c.Rendering.ConcurrentSessions <= 0 {
		return fmt.Errorf("rendering.concurrent_sessions must be > 0 (got %d)", c.Rendering.ConcurrentSessions)
	}
	if c.Orchestrator.ShutdownTimeout.Duration < 0 {
		return fmt.Errorf("orchestrator.shutdown_timeout must be >= 0 (got %s)", c.Orchestrator.ShutdownTimeout)
	}
	t := c.Tasks
	if t.MaxDepthLimit <= 0 {
		return fmt.Errorf("tasks.max_depth_limit must be > 0 (got %d)", t.MaxDepthLimit)
	}
	if t.DefaultMaxDepth < 1 || t.DefaultMaxDepth > t.MaxDepthLimit {
		return fmt.Errorf("tasks.default_max_depth must be within 1..%d (got %d)", t.MaxDepthLimit, t.DefaultMaxDepth)
	}
	if t.MaxConcurrency <= 0 {
		return fmt.Errorf("tasks.max_concurrency must be > 0 (got %d)", t.MaxConcurrency)
	}
	if t.DefaultConcurrency < 1 || t.DefaultConcurrency > t.MaxConcurrency {
		return fmt.Errorf("tasks.default_concurrency must be within 1..%d (got %d)", t.MaxConcurrency, t.DefaultConcurrency)
	}
	switch t.DefaultStrategy {
	case "BFS", "DFS":
	default:
		return fmt.Errorf("tasks.default_strategy must be BFS or DFS (got %q)", t.DefaultStrategy)
	}
	if c.API.MaxRunningTasks <= 0 {
		return fmt.Errorf("api.max_running_tasks must be > 0 (got %d)", c.API.MaxRunningTasks)
	}
	if c.Kafka.Enabled() && c.Kafka.WriteTimeout.Duration <= 0 {
		return fmt.Errorf("kafka.write_timeout must be > 0 (got %s)", c.Kafka.WriteTimeout)
	}
	if c.Kafka.Enabled() && c.Kafka.BatchTimeout.Duration <= 0 {
		return fmt.Errorf("kafka.batch_timeout must be > 0 (got %s)", c.Kafka.BatchTimeout)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	return nil
}

func (c *Config) normalise() {
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	c.DB.DSN = strings.TrimSpace(c.DB.DSN)
	c.Redis.Addr = strings.TrimSpace(c.Redis.Addr)
	c.Kafka.Brokers = dedupeLower(c.Kafka.Brokers)
	c.Kafka.Topic = strings.TrimSpace(c.Kafka.Topic)
	c.Fetcher.Engine = strings.ToLower(strings.TrimSpace(c.Fetcher.Engine))
	c.Fetcher.UserAgent = strings.TrimSpace(c.Fetcher.UserAgent)
	c.Fetcher.ProxyURL = strings.TrimSpace(c.Fetcher.ProxyURL)
	if c.Fetcher.Headers == nil {
		c.Fetcher.Headers = map[string]string{}
	}
	c.Tasks.DefaultStrategy = strings.ToUpper(strings.TrimSpace(c.Tasks.DefaultStrategy))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
}

func dedupeLower(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}
