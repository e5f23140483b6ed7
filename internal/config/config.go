package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskproof/internal/cache"
	"taskproof/internal/decision"
	"taskproof/internal/evidence"
	"taskproof/internal/ledger"
	"taskproof/internal/media"
	"taskproof/internal/proximity"
)

// Config models taskproof.yml.
type Config struct {
	Ledger       ledger.Policy      `yaml:"ledger"`
	Proximity    proximity.Policy   `yaml:"proximity"`
	Decision     decision.Policy    `yaml:"decision"`
	Submissions  SubmissionsConfig  `yaml:"submissions"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Media        MediaConfig        `yaml:"media"`
	Cache        CacheConfig        `yaml:"cache"`
	Relay        RelayConfig        `yaml:"relay"`
	Log          LogConfig          `yaml:"log"`
}

type SubmissionsConfig struct {
	// MaxAttempts bounds proof submissions per job; the last
	// non-approved attempt opens an automatic dispute.
	MaxAttempts int `yaml:"max_attempts"`
}

type ConfirmationConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

type ClassifierConfig struct {
	Provider    string        `yaml:"provider"`
	Project     string        `yaml:"project"`
	Location    string        `yaml:"location"`
	Models      []string      `yaml:"models"`
	Temperature float32       `yaml:"temperature"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
	Timeout      time.Duration `yaml:"timeout"`
	Interval     time.Duration `yaml:"interval"`
}

type MediaConfig struct {
	Root             string `yaml:"root"`
	IPFSGateway      string `yaml:"ipfs_gateway"`
	S3Region         string `yaml:"s3_region"`
	MaxBytes         int64  `yaml:"max_bytes"`
	FetchConcurrency int    `yaml:"fetch_concurrency"`
}

type CacheConfig struct {
	Provider string             `yaml:"provider"`
	Redis    cache.RedisOptions `yaml:"redis"`
}

type RelayConfig struct {
	Interval time.Duration   `yaml:"interval"`
	AMQP     AMQPConfig      `yaml:"amqp"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type AMQPConfig struct {
	URL      string   `yaml:"url"`
	Exchange  string   `yaml:"exchange"`
	Events    []string `yaml:"events"`
	FromStart bool     `yaml:"from_start"`
}

type WebhookConfig struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	FromStart      bool     `yaml:"from_start"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Classifier providers.
const (
	ProviderVertex = "vertex"
	ProviderNone   = "none"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := c.Ledger.Validate(); err != nil {
		return err
	}
	if err := c.Proximity.Validate(); err != nil {
		return err
	}
	if err := c.Decision.Validate(); err != nil {
		return err
	}
	if c.Submissions.MaxAttempts < 1 {
		return errors.New("config.submissions.max_attempts must be at least 1")
	}
	if c.Confirmation.MaxAttempts < 1 {
		return errors.New("config.confirmation.max_attempts must be at least 1")
	}
	if c.Confirmation.Interval < 0 {
		return errors.New("config.confirmation.interval must not be negative")
	}
	switch c.Classifier.Provider {
	case ProviderNone:
	case ProviderVertex:
		if c.Classifier.Project == "" || c.Classifier.Location == "" {
			return errors.New("config.classifier.project and location are required for vertex")
		}
	default:
		return fmt.Errorf("config.classifier.provider must be %q or %q", ProviderVertex, ProviderNone)
	}
	if t := c.Classifier.Temperature; t < 0 || t > 2 {
		return errors.New("config.classifier.temperature must be within 0..2")
	}
	if r := c.Classifier.Breaker.FailureRatio; r < 0 || r > 1 {
		return errors.New("config.classifier.breaker.failure_ratio must be within 0..1")
	}
	if c.Media.MaxBytes < 0 || c.Media.FetchConcurrency < 0 {
		return errors.New("config.media limits must not be negative")
	}
	switch c.Cache.Provider {
	case "", "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return errors.New("config.cache.redis.addr is required for the redis provider")
		}
	default:
		return fmt.Errorf("config.cache.provider %q is not memory or redis", c.Cache.Provider)
	}
	for i, hook := range c.Relay.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.relay.webhooks[%d].url is required", i)
		}
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.log.format %q is not json or text", c.Log.Format)
	}
	return nil
}

// Confirmer builds the settlement confirmer for a ledger.
func (c *Config) Confirmer(l ledger.Ledger) ledger.Confirmer {
	return ledger.Confirmer{Ledger: l, MaxAttempts: c.Confirmation.MaxAttempts, Interval: c.Confirmation.Interval}
}

func (c *Config) VertexOptions() evidence.VertexOptions {
	return evidence.VertexOptions{
		Project:     c.Classifier.Project,
		Location:    c.Classifier.Location,
		Models:      c.Classifier.Models,
		Temperature: c.Classifier.Temperature,
	}
}

func (c *Config) BreakerSettings() evidence.BreakerSettings {
	b := c.Classifier.Breaker
	return evidence.BreakerSettings{
		Name:         "classifier",
		Interval:     b.Interval,
		Timeout:      b.Timeout,
		MinRequests:  b.MinRequests,
		FailureRatio: b.FailureRatio,
	}
}

// MediaOptions resolves a relative media root against the workspace.
func (c *Config) MediaOptions(workspace string) media.Options {
	root := c.Media.Root
	if root != "" && !filepath.IsAbs(root) {
		if workspace == "" {
			workspace = "."
		}
		root = filepath.Join(workspace, root)
	}
	return media.Options{
		Root:        root,
		IPFSGateway: c.Media.IPFSGateway,
		S3Region:    c.Media.S3Region,
		MaxBytes:    c.Media.MaxBytes,
	}
}

// EnabledWebhooks skips hooks explicitly disabled.
func (c *Config) EnabledWebhooks() []WebhookConfig {
	var out []WebhookConfig
	for _, hook := range c.Relay.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		out = append(out, hook)
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "taskproof.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// DefaultYAML returns the annotated default config.
func DefaultYAML() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `ledger:
  owner: owner
  judge: judge
  arbiters: [arbiter]
  treasury: treasury
  fee_bps: 500
  max_fee_bps: 1000

proximity:
  max_distance_m: 300
  excellent_ratio: 0.4
  good_ratio: 0.7

decision:
  weights:
    gps: 25
    visual: 20
    transformation: 25
    coverage: 15
    requirements: 15
  approve_threshold: 70
  improve_threshold: 50
  strong_gps_confidence: 0.8
  visual_threshold: 0.6
  visual_threshold_strong_gps: 0.5

submissions:
  max_attempts: 3

confirmation:
  max_attempts: 5
  interval: 2s

# provider: vertex requires project and location.
classifier:
  provider: none
  location: us-central1
  temperature: 0.1
  breaker:
    min_requests: 3
    failure_ratio: 0.6
    timeout: 30s

media:
  root: media
  ipfs_gateway: https://ipfs.io
  max_bytes: 20971520
  fetch_concurrency: 4

cache:
  provider: memory
  redis:
    ttl: 10m

relay:
  interval: 2s
  webhooks: []

log:
  level: info
  format: text
`
