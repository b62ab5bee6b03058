package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RPCEndpointConfig describes one configured chain endpoint.
type RPCEndpointConfig struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	IsWebSocket bool   `yaml:"websocket"`
	Priority    int    `yaml:"priority"` // lower = preferred
}

// RPCConfig controls the provider pool.
type RPCConfig struct {
	Endpoints              []RPCEndpointConfig `yaml:"endpoints"`
	ProbeIntervalSec       int                 `yaml:"probe_interval_sec"`
	MaxConsecutiveFailures int                 `yaml:"max_consecutive_failures"`
	RequestTimeoutSec      int                 `yaml:"request_timeout_sec"`
	MaxRetries             int                 `yaml:"max_retries"` // endpoints tried per call
	CacheTTLSec            int                 `yaml:"cache_ttl_sec"`
}

// ListenerConfig controls block/event detection.
type ListenerConfig struct {
	PollIntervalSec    int      `yaml:"poll_interval_sec"`
	ConfirmationBlocks uint64   `yaml:"confirmation_blocks"`
	FromBlock          uint64   `yaml:"from_block"` // 0 = start at chain head
	UseWebSocket       bool     `yaml:"use_websocket"`
	Contracts          []string `yaml:"contracts"`
	EventBuffer        int      `yaml:"event_buffer"` // confirmed-trade channel capacity
	MaxBlocksPerBatch  uint64   `yaml:"max_blocks_per_batch"`
}

// QueueConfig controls the durable trade queue.
type QueueConfig struct {
	MaxRetries             int `yaml:"max_retries"`
	RetryBaseSec           int `yaml:"retry_base_sec"`
	RetryCapSec            int `yaml:"retry_cap_sec"`
	LeaseTimeoutSec        int `yaml:"lease_timeout_sec"`
	TradeTTLSec            int `yaml:"trade_ttl_sec"`
	HousekeepingSec        int `yaml:"housekeeping_sec"`
	CompletedRetentionDays int `yaml:"completed_retention_days"`
}

// ExecutorConfig controls copy-order execution.
type ExecutorConfig struct {
	Workers          int `yaml:"workers"`
	SubmitTimeoutSec int `yaml:"submit_timeout_sec"`
	MetricsLogEvery  int `yaml:"metrics_log_every"`
}

// ExchangeConfig points at the CLOB order API.
type ExchangeConfig struct {
	BaseURL           string `yaml:"base_url"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

// NotifyConfig controls the outbound event dispatcher.
type NotifyConfig struct {
	Buffer     int    `yaml:"buffer"`
	WebhookURL string `yaml:"webhook_url"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Port              int `yaml:"port"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

// Config aggregates all pipeline configuration knobs.
type Config struct {
	RPC      RPCConfig      `yaml:"rpc"`
	Listener ListenerConfig `yaml:"listener"`
	Queue    QueueConfig    `yaml:"queue"`
	Executor ExecutorConfig `yaml:"executor"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Notify   NotifyConfig   `yaml:"notify"`
	Server   ServerConfig   `yaml:"server"`
}

// Load reads configuration from disk, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns baseline configuration values.
// Confirmation depth and poll interval are tuned for Polygon and must be
// adjusted for chains with different block times.
func Default() Config {
	return Config{
		RPC: RPCConfig{
			Endpoints: []RPCEndpointConfig{
				{Name: "primary", URL: envOr("POLYGON_RPC_URL", "https://polygon-rpc.com"), Priority: 0},
			},
			ProbeIntervalSec:       60,
			MaxConsecutiveFailures: 3,
			RequestTimeoutSec:      30,
			MaxRetries:             3,
			CacheTTLSec:            10,
		},
		Listener: ListenerConfig{
			PollIntervalSec:    12,
			ConfirmationBlocks: 12,
			UseWebSocket:       false,
			Contracts: []string{
				"0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E", // CTF Exchange
				"0xC5d563A36AE78145C45a50134d48A1215220f80a", // NegRisk CTF Exchange
			},
			EventBuffer:       1024,
			MaxBlocksPerBatch: 100,
		},
		Queue: QueueConfig{
			MaxRetries:             3,
			RetryBaseSec:           2,
			RetryCapSec:            300,
			LeaseTimeoutSec:        300,
			TradeTTLSec:            3600,
			HousekeepingSec:        30,
			CompletedRetentionDays: 7,
		},
		Executor: ExecutorConfig{
			Workers:          4,
			SubmitTimeoutSec: 15,
			MetricsLogEvery:  50,
		},
		Exchange: ExchangeConfig{
			BaseURL:           envOr("POLYMARKET_API_URL", "https://clob.polymarket.com"),
			RequestTimeoutSec: 10,
		},
		Notify: NotifyConfig{
			Buffer: 256,
		},
		Server: ServerConfig{
			Port:              8081,
			ShutdownTimeoutMS: 5000,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if len(c.RPC.Endpoints) == 0 {
		c.RPC.Endpoints = def.RPC.Endpoints
	}
	if c.RPC.ProbeIntervalSec <= 0 {
		c.RPC.ProbeIntervalSec = def.RPC.ProbeIntervalSec
	}
	if c.RPC.MaxConsecutiveFailures <= 0 {
		c.RPC.MaxConsecutiveFailures = def.RPC.MaxConsecutiveFailures
	}
	if c.RPC.RequestTimeoutSec <= 0 {
		c.RPC.RequestTimeoutSec = def.RPC.RequestTimeoutSec
	}
	if c.RPC.MaxRetries <= 0 {
		c.RPC.MaxRetries = def.RPC.MaxRetries
	}
	if c.RPC.CacheTTLSec <= 0 {
		c.RPC.CacheTTLSec = def.RPC.CacheTTLSec
	}
	if c.Listener.PollIntervalSec <= 0 {
		c.Listener.PollIntervalSec = def.Listener.PollIntervalSec
	}
	if c.Listener.ConfirmationBlocks == 0 {
		c.Listener.ConfirmationBlocks = def.Listener.ConfirmationBlocks
	}
	if len(c.Listener.Contracts) == 0 {
		c.Listener.Contracts = def.Listener.Contracts
	}
	if c.Listener.EventBuffer <= 0 {
		c.Listener.EventBuffer = def.Listener.EventBuffer
	}
	if c.Listener.MaxBlocksPerBatch == 0 {
		c.Listener.MaxBlocksPerBatch = def.Listener.MaxBlocksPerBatch
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = def.Queue.MaxRetries
	}
	if c.Queue.RetryBaseSec <= 0 {
		c.Queue.RetryBaseSec = def.Queue.RetryBaseSec
	}
	if c.Queue.RetryCapSec <= 0 {
		c.Queue.RetryCapSec = def.Queue.RetryCapSec
	}
	if c.Queue.LeaseTimeoutSec <= 0 {
		c.Queue.LeaseTimeoutSec = def.Queue.LeaseTimeoutSec
	}
	if c.Queue.TradeTTLSec <= 0 {
		c.Queue.TradeTTLSec = def.Queue.TradeTTLSec
	}
	if c.Queue.HousekeepingSec <= 0 {
		c.Queue.HousekeepingSec = def.Queue.HousekeepingSec
	}
	if c.Queue.CompletedRetentionDays <= 0 {
		c.Queue.CompletedRetentionDays = def.Queue.CompletedRetentionDays
	}
	if c.Executor.Workers <= 0 {
		c.Executor.Workers = def.Executor.Workers
	}
	if c.Executor.SubmitTimeoutSec <= 0 {
		c.Executor.SubmitTimeoutSec = def.Executor.SubmitTimeoutSec
	}
	if c.Executor.MetricsLogEvery <= 0 {
		c.Executor.MetricsLogEvery = def.Executor.MetricsLogEvery
	}
	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = def.Exchange.BaseURL
	}
	if c.Exchange.RequestTimeoutSec <= 0 {
		c.Exchange.RequestTimeoutSec = def.Exchange.RequestTimeoutSec
	}
	if c.Notify.Buffer <= 0 {
		c.Notify.Buffer = def.Notify.Buffer
	}
	if c.Server.Port <= 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ShutdownTimeoutMS <= 0 {
		c.Server.ShutdownTimeoutMS = def.Server.ShutdownTimeoutMS
	}
}

func (c *Config) validate() error {
	for _, ep := range c.RPC.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("config: rpc endpoint %q has no url", ep.Name)
		}
	}
	return nil
}

// ProbeInterval returns the health probe cadence as a duration.
func (r RPCConfig) ProbeInterval() time.Duration {
	return time.Duration(r.ProbeIntervalSec) * time.Second
}

// RequestTimeout returns the per-request RPC timeout.
func (r RPCConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSec) * time.Second
}

// CacheTTL returns how long cached read results stay fresh.
func (r RPCConfig) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLSec) * time.Second
}

// PollInterval returns the block poll cadence.
func (l ListenerConfig) PollInterval() time.Duration {
	return time.Duration(l.PollIntervalSec) * time.Second
}

// LeaseTimeout returns how long a worker may hold a trade before it is reclaimed.
func (q QueueConfig) LeaseTimeout() time.Duration {
	return time.Duration(q.LeaseTimeoutSec) * time.Second
}

// TradeTTL returns how long a queued trade stays dispatchable.
func (q QueueConfig) TradeTTL() time.Duration {
	return time.Duration(q.TradeTTLSec) * time.Second
}

// SubmitTimeout bounds a single exchange submission.
func (e ExecutorConfig) SubmitTimeout() time.Duration {
	return time.Duration(e.SubmitTimeoutSec) * time.Second
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
