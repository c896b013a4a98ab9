package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/planloom/extraction-backend/internal/platform/envutil"
)

// Config carries the worker-level knobs for the extraction pipeline.
// Values come from an optional YAML file and can always be overridden by
// environment variables.
type Config struct {
	Mode string `yaml:"mode"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
	} `yaml:"postgres"`

	Redis struct {
		Addr    string `yaml:"addr"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`

	LLM struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		Model          string `yaml:"model"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		MaxRetries     int    `yaml:"max_retries"`
	} `yaml:"llm"`

	Documents struct {
		Dir string `yaml:"dir"`
	} `yaml:"documents"`

	Extraction struct {
		DataLayerConcurrency int `yaml:"data_layer_concurrency"`
		ExternalTimeoutSecs  int `yaml:"external_timeout_seconds"`
		SchemaByteCap        int `yaml:"schema_byte_cap"`
		IdentifierRetries    int `yaml:"identifier_retries"`
		AgentTimeoutSecs     int `yaml:"agent_timeout_seconds"`
	} `yaml:"extraction"`

	Worker struct {
		PollIntervalSecs int `yaml:"poll_interval_seconds"`
	} `yaml:"worker"`
}

const (
	// External LLM/render calls are clamped to this window regardless of
	// configuration.
	MinExternalTimeout = 5 * time.Second
	MaxExternalTimeout = 120 * time.Second

	defaultExternalTimeout = 45 * time.Second
)

// Load reads the YAML file at path (skipped when path is empty or the file
// is missing), then applies env overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if uerr := yaml.Unmarshal(raw, cfg); uerr != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, uerr)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Mode = envutil.Str("APP_ENV", c.Mode)

	c.Postgres.Host = envutil.Str("POSTGRES_HOST", c.Postgres.Host)
	c.Postgres.Port = envutil.Str("POSTGRES_PORT", c.Postgres.Port)
	c.Postgres.User = envutil.Str("POSTGRES_USER", c.Postgres.User)
	c.Postgres.Password = envutil.Str("POSTGRES_PASSWORD", c.Postgres.Password)
	c.Postgres.Name = envutil.Str("POSTGRES_NAME", c.Postgres.Name)

	c.Redis.Addr = envutil.Str("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Channel = envutil.Str("REDIS_CHANNEL", c.Redis.Channel)

	c.LLM.BaseURL = envutil.Str("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = envutil.Str("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.Model = envutil.Str("LLM_MODEL", c.LLM.Model)
	c.LLM.TimeoutSeconds = envutil.Int("LLM_TIMEOUT_SECONDS", c.LLM.TimeoutSeconds)
	c.LLM.MaxRetries = envutil.Int("LLM_MAX_RETRIES", c.LLM.MaxRetries)

	c.Documents.Dir = envutil.Str("DOCUMENTS_DIR", c.Documents.Dir)

	c.Extraction.DataLayerConcurrency = envutil.Int("EXTRACTION_DATA_LAYER_CONCURRENCY", c.Extraction.DataLayerConcurrency)
	c.Extraction.ExternalTimeoutSecs = envutil.Int("EXTRACTION_EXTERNAL_TIMEOUT_SECONDS", c.Extraction.ExternalTimeoutSecs)
	c.Extraction.SchemaByteCap = envutil.Int("EXTRACTION_SCHEMA_BYTE_CAP", c.Extraction.SchemaByteCap)
	c.Extraction.IdentifierRetries = envutil.Int("EXTRACTION_IDENTIFIER_RETRIES", c.Extraction.IdentifierRetries)
	c.Extraction.AgentTimeoutSecs = envutil.Int("EXTRACTION_AGENT_TIMEOUT_SECONDS", c.Extraction.AgentTimeoutSecs)

	c.Worker.PollIntervalSecs = envutil.Int("WORKER_POLL_INTERVAL_SECONDS", c.Worker.PollIntervalSecs)
}

func (c *Config) applyDefaults() {
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == "" {
		c.Postgres.Port = "5432"
	}
	if c.Postgres.User == "" {
		c.Postgres.User = "postgres"
	}
	if c.Postgres.Name == "" {
		c.Postgres.Name = "planloom"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "jobs"
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o"
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.Documents.Dir == "" {
		c.Documents.Dir = "./data/documents"
	}
	if c.Extraction.DataLayerConcurrency < 1 {
		c.Extraction.DataLayerConcurrency = 4
	}
	if c.Extraction.SchemaByteCap <= 0 {
		c.Extraction.SchemaByteCap = 64 * 1024
	}
	if c.Extraction.IdentifierRetries <= 0 {
		c.Extraction.IdentifierRetries = 5
	}
	if c.Extraction.AgentTimeoutSecs <= 0 {
		c.Extraction.AgentTimeoutSecs = 30
	}
	if c.Worker.PollIntervalSecs <= 0 {
		c.Worker.PollIntervalSecs = 2
	}
}

// ExternalTimeout returns the timeout applied to each LLM/render call,
// clamped to the allowed window.
func (c *Config) ExternalTimeout() time.Duration {
	d := defaultExternalTimeout
	if c.Extraction.ExternalTimeoutSecs > 0 {
		d = time.Duration(c.Extraction.ExternalTimeoutSecs) * time.Second
	}
	if d < MinExternalTimeout {
		return MinExternalTimeout
	}
	if d > MaxExternalTimeout {
		return MaxExternalTimeout
	}
	return d
}

// DSN builds the postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.Postgres.User, c.Postgres.Password, c.Postgres.Host, c.Postgres.Port, c.Postgres.Name)
}
