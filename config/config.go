// Package config provides configuration loading and management for the
// migrator services.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete migrator configuration.
type Config struct {
	API        APIConfig        `yaml:"api"`
	NATS       NATSConfig       `yaml:"nats"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	Worker     WorkerConfig     `yaml:"worker"`
	Claims     ClaimsConfig     `yaml:"claims"`
	Retry      RetryConfig      `yaml:"retry"`
	LLM        LLMConfig        `yaml:"llm"`
	GitHub     GitHubConfig     `yaml:"github"`
	Verify     VerifyConfig     `yaml:"verify"`
}

// APIConfig configures the HTTP job API.
type APIConfig struct {
	// Host is the listen address (default: 0.0.0.0)
	Host string `yaml:"host"`
	// Port is the listen port (default: 8080)
	Port int `yaml:"port"`
}

// Addr returns the host:port listen address.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// NATSConfig configures the NATS connection backing the queue and stores.
type NATSConfig struct {
	// URL is the NATS server URL (NATS_URL env overrides)
	URL string `yaml:"url"`
	// Embedded starts an in-process JetStream server instead of
	// connecting to URL. Single-binary deployments and local runs use
	// this; worker fleets share an external server.
	Embedded bool `yaml:"embedded"`
}

// WorkspacesConfig configures per-job filesystem isolation.
type WorkspacesConfig struct {
	// Root is the directory job workspaces are created under
	Root string `yaml:"root"`
}

// WorkerConfig configures the worker runtime.
type WorkerConfig struct {
	// Concurrency is the number of dispatch messages processed in parallel
	Concurrency int `yaml:"concurrency"`
	// AckWait is how long the queue waits for an ack before redelivering
	AckWait time.Duration `yaml:"ack_wait"`
}

// ClaimsConfig configures lease handling in the claim store.
type ClaimsConfig struct {
	// LeaseTTL is how long a CLAIMED attempt may run before the sweeper
	// treats the lease as stuck and re-enqueues the stage
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// SweepInterval is how often the sweeper scans for stuck leases
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RetryConfig governs retryable stage failures.
type RetryConfig struct {
	// MaxAttempts bounds the attempt chain per (job, stage)
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase is the first retry delay
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffMultiplier grows the delay per attempt
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// MaxBackoff caps the delay
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// LLMConfig configures the optional generative enrichment client.
// An empty provider disables enrichment; agents fall back to deterministic
// output. An unsupported provider fails validation at startup.
type LLMConfig struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// GitHubConfig configures finalization against GitHub.
type GitHubConfig struct {
	// Token is the API token (GITHUB_TOKEN env overrides)
	Token string `yaml:"token"`
}

// VerifyConfig configures the verification stage.
type VerifyConfig struct {
	// HealthProbe enables the live health-endpoint probe against a started
	// backend (off by default; structural checks always run)
	HealthProbe bool `yaml:"health_probe"`
	// HealthURL is the probe target when enabled
	HealthURL string `yaml:"health_url"`
	// HealthTimeout bounds the probe wait
	HealthTimeout time.Duration `yaml:"health_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Workspaces: WorkspacesConfig{
			Root: "/data/workspaces",
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			AckWait:     5 * time.Minute,
		},
		Claims: ClaimsConfig{
			LeaseTTL:      15 * time.Minute,
			SweepInterval: time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BackoffBase:       2 * time.Second,
			BackoffMultiplier: 2.0,
			MaxBackoff:        30 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "",
			Timeout:  2 * time.Minute,
		},
		Verify: VerifyConfig{
			HealthProbe:   false,
			HealthURL:     "http://localhost:8000/healthz",
			HealthTimeout: 30 * time.Second,
		},
	}
}

// supportedProviders is the closed set of LLM providers the client can be
// constructed for.
var supportedProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"ollama":    true,
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535")
	}
	if c.NATS.URL == "" && !c.NATS.Embedded {
		return fmt.Errorf("nats.url is required unless nats.embedded is set")
	}
	if c.Workspaces.Root == "" {
		return fmt.Errorf("workspaces.root is required")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Claims.LeaseTTL <= 0 {
		return fmt.Errorf("claims.lease_ttl must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff_multiplier must be at least 1")
	}
	if c.LLM.Provider != "" {
		if !supportedProviders[c.LLM.Provider] {
			return fmt.Errorf("unsupported llm.provider: %q", c.LLM.Provider)
		}
		if c.LLM.Model == "" {
			return fmt.Errorf("llm.model is required when llm.provider is set")
		}
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv applies environment variable overrides. Called once at startup
// after file loading.
func (c *Config) ApplyEnv() {
	if url := os.Getenv("NATS_URL"); url != "" {
		c.NATS.URL = url
	}
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		c.GitHub.Token = token
	}
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if root := os.Getenv("WORKSPACES_DIR"); root != "" {
		c.Workspaces.Root = root
	}
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.API.Host != "" {
		c.API.Host = other.API.Host
	}
	if other.API.Port != 0 {
		c.API.Port = other.API.Port
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Embedded {
		c.NATS.Embedded = true
	}
	if other.Workspaces.Root != "" {
		c.Workspaces.Root = other.Workspaces.Root
	}
	if other.Worker.Concurrency != 0 {
		c.Worker.Concurrency = other.Worker.Concurrency
	}
	if other.Worker.AckWait != 0 {
		c.Worker.AckWait = other.Worker.AckWait
	}
	if other.Claims.LeaseTTL != 0 {
		c.Claims.LeaseTTL = other.Claims.LeaseTTL
	}
	if other.Claims.SweepInterval != 0 {
		c.Claims.SweepInterval = other.Claims.SweepInterval
	}
	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.BackoffBase != 0 {
		c.Retry.BackoffBase = other.Retry.BackoffBase
	}
	if other.Retry.BackoffMultiplier != 0 {
		c.Retry.BackoffMultiplier = other.Retry.BackoffMultiplier
	}
	if other.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = other.Retry.MaxBackoff
	}
	if other.LLM.Provider != "" {
		c.LLM = other.LLM
	}
	if other.GitHub.Token != "" {
		c.GitHub.Token = other.GitHub.Token
	}
	if other.Verify.HealthProbe {
		c.Verify = other.Verify
	}
}
