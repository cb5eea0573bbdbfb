// Package config provides configuration management for the lorebridge proxy.
// Configuration is read once at startup from YAML, with ${VAR} and
// ${VAR:-default} environment expansion, layered over DefaultConfig and
// validated. The resulting *Config is shared by reference and never
// mutated afterwards.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyEnv is consulted when the configuration leaves upstream.api_key empty.
const APIKeyEnv = "GOOGLE_AI_API_KEY"

// Config represents the complete proxy configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Upstream       UpstreamConfig       `yaml:"upstream"`
	Pipeline       PipelineConfig       `yaml:"pipeline"`
	Templates      TemplatesConfig      `yaml:"templates"`
	Logging        LoggingConfig        `yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// ServerConfig holds configuration for the HTTP listener.
type ServerConfig struct {
	// Port specifies the HTTP server port (default: 5000)
	Port int `yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body (default: 30s)
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds the whole response. Streams can run for minutes,
	// so the default of 0 disables it.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout is the keep-alive idle limit (default: 120s)
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxHeaderBytes controls the maximum size of request headers (default: 1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// MaxBodyBytes caps the request body (default: 8MB)
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// ShutdownTimeout specifies how long to wait for in-flight requests
	// during graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig configures the generative-text provider.
type UpstreamConfig struct {
	// APIKey is the provider credential. Never logged or served.
	APIKey string `yaml:"api_key"`

	// Model is the default model id; it must be in AllowedModels.
	Model string `yaml:"model"`

	// AllowedModels lists the model ids callers may request.
	AllowedModels []string `yaml:"allowed_models"`

	// Endpoint overrides the provider base URL (optional)
	Endpoint string `yaml:"endpoint"`

	// FirstChunkTimeout bounds time-to-first-chunk (default: 60s)
	FirstChunkTimeout time.Duration `yaml:"first_chunk_timeout"`

	// CancelGrace is how long a cancelled stream may take to release its
	// network call before a warning is logged (default: 5s)
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// Generation defaults, used when the caller omits a value.
	Temperature     float64 `yaml:"temperature"`
	TopP            float64 `yaml:"top_p"`
	TopK            int     `yaml:"top_k"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`

	// MaxContextTokens rejects larger conversations; 0 disables the check.
	MaxContextTokens int `yaml:"max_context_tokens"`
}

// TemplatesConfig locates the template catalogue sources.
type TemplatesConfig struct {
	// File is an optional YAML catalogue (profiles, lorebook, seeds)
	File string `yaml:"file"`

	// LorebookFile is an optional lorebook JSON document
	LorebookFile string `yaml:"lorebook_file"`

	// LorebookJSON is an inline lorebook JSON document
	LorebookJSON string `yaml:"lorebook_json"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	// Level sets logging verbosity: debug, info, warn, error
	Level string `yaml:"level"`

	// Format specifies log output format: json or text
	Format string `yaml:"format"`
}

// CircuitBreakerConfig guards upstream stream opens.
type CircuitBreakerConfig struct {
	// Enabled turns the breaker on (default: true)
	Enabled bool `yaml:"enabled"`

	// MaxRequests is the number of trial requests allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval is the cyclic period of the closed state for clearing counts
	Interval time.Duration `yaml:"interval"`

	// Timeout is the period of the open state until it becomes half-open
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is the number of consecutive failures that trips it
	FailureThreshold uint32 `yaml:"failure_threshold"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            5000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			IdleTimeout:     120 * time.Second,
			MaxHeaderBytes:  1 << 20,
			MaxBodyBytes:    8 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			Model:             "gemini-2.5-flash",
			AllowedModels:     []string{"gemini-2.5-flash", "gemini-2.5-flash-lite", "gemini-2.5-pro"},
			FirstChunkTimeout: 60 * time.Second,
			CancelGrace:       5 * time.Second,
			Temperature:       0.7,
			TopP:              0.9,
			TopK:              45,
			MaxOutputTokens:   20000,
		},
		Pipeline: DefaultPipelineConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			MaxRequests:      1,
			Interval:         60 * time.Second,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFile loads configuration from a YAML file.
func LoadFile(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	return Load(f)
}

// LoadFileOrDefault behaves like LoadFile but falls back to defaults
// (plus environment) when the file does not exist.
func LoadFileOrDefault(filename string) (*Config, error) {
	cfg, err := LoadFile(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return Load(strings.NewReader(""))
	}
	return cfg, err
}

// expandEnvVars resolves ${VAR} and ${VAR:-default} references. A default
// applies when the variable is unset or empty.
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		if i := strings.Index(key, ":-"); i >= 0 {
			if val := os.Getenv(key[:i]); val != "" {
				return val
			}
			return key[i+2:]
		}
		return os.Getenv(key)
	})
}

// Load loads configuration from an io.Reader.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config := DefaultConfig()

	dec := yaml.NewDecoder(strings.NewReader(expandEnvVars(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if config.Upstream.APIKey == "" {
		config.Upstream.APIKey = os.Getenv(APIKeyEnv)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("negative read timeout: %v", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("negative write timeout: %v", c.Server.WriteTimeout)
	}
	if c.Server.MaxHeaderBytes < 0 {
		return fmt.Errorf("negative max header bytes: %d", c.Server.MaxHeaderBytes)
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive: %d", c.Server.MaxBodyBytes)
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("negative shutdown timeout: %v", c.Server.ShutdownTimeout)
	}

	if err := c.Upstream.validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.CircuitBreaker.Enabled && c.CircuitBreaker.FailureThreshold == 0 {
		return fmt.Errorf("circuit breaker failure threshold must be positive")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("invalid metrics path: %q", c.Metrics.Path)
	}

	return nil
}

func (u *UpstreamConfig) validate() error {
	if u.Model == "" {
		return fmt.Errorf("empty upstream model")
	}
	if len(u.AllowedModels) == 0 {
		return fmt.Errorf("empty allowed models list")
	}
	if !slices.Contains(u.AllowedModels, u.Model) {
		return fmt.Errorf("default model %q not in allowed models", u.Model)
	}
	if u.FirstChunkTimeout <= 0 {
		return fmt.Errorf("first chunk timeout must be positive: %v", u.FirstChunkTimeout)
	}
	if u.CancelGrace <= 0 {
		return fmt.Errorf("cancel grace must be positive: %v", u.CancelGrace)
	}
	if u.Temperature < 0 || u.Temperature > 2 {
		return fmt.Errorf("invalid default temperature: %v", u.Temperature)
	}
	if u.TopP < 0 || u.TopP > 1 {
		return fmt.Errorf("invalid default top_p: %v", u.TopP)
	}
	if u.TopK < 0 {
		return fmt.Errorf("negative top_k: %d", u.TopK)
	}
	if u.MaxOutputTokens <= 0 {
		return fmt.Errorf("max output tokens must be positive: %d", u.MaxOutputTokens)
	}
	if u.MaxContextTokens < 0 {
		return fmt.Errorf("negative max context tokens: %d", u.MaxContextTokens)
	}
	return nil
}

// ModelAllowed reports whether callers may request model.
func (u UpstreamConfig) ModelAllowed(model string) bool {
	return slices.Contains(u.AllowedModels, model)
}
