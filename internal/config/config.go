// Package config loads the merge policy file and the environment overrides
// shared by the worker, the server and the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OFFIS-RIT/kbmerge/internal/util"
	"github.com/OFFIS-RIT/kbmerge/pkg/resolve"
)

// Config is the content of the policy file.
type Config struct {
	Policy   resolve.Policy  `yaml:"policy"`
	Run      resolve.Options `yaml:"run"`
	Lease    LeaseConfig     `yaml:"lease"`
	Queue    QueueConfig     `yaml:"queue"`
	Manifest ManifestConfig  `yaml:"manifest"`
	Cache    CacheConfig     `yaml:"cache"`
}

// LeaseConfig controls the per-kind pass lease.
type LeaseConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// Wait makes a second runner block until the lease frees up instead of
	// skipping the pass.
	Wait bool `yaml:"wait"`
}

// QueueConfig names the queues of the worker.
type QueueConfig struct {
	Name        string `yaml:"name"`
	MaxAttempts int    `yaml:"max_attempts"`
	Prefetch    int    `yaml:"prefetch"`
	// CompletedKey is the routing key of pass completion events.
	CompletedKey string `yaml:"completed_key"`
}

type ManifestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

func DefaultConfig() *Config {
	return &Config{
		Policy: resolve.DefaultPolicy(),
		Run:    resolve.DefaultOptions(),
		Lease: LeaseConfig{
			TTL: 5 * time.Minute,
		},
		Queue: QueueConfig{
			Name:         "merge_queue",
			MaxAttempts:  10,
			Prefetch:     1,
			CompletedKey: "kb.pass.completed",
		},
		Manifest: ManifestConfig{
			Enabled: true,
			Prefix:  "reindex",
		},
		Cache: CacheConfig{
			TTL: 10 * time.Minute,
		},
	}
}

func (c *Config) Validate() error {
	var errs []error
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	if err := c.Run.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("run: %w", err))
	}
	if c.Lease.TTL < time.Second {
		errs = append(errs, errors.New("lease.ttl must be at least one second"))
	}
	if c.Queue.Name == "" {
		errs = append(errs, errors.New("queue.name is required"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.max_attempts must be positive"))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache.ttl must not be negative"))
	}
	return errors.Join(errs...)
}

// LoadFromFile reads a policy file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Load reads the file named by MERGE_CONFIG, if any, applies the
// environment overrides and validates the result.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if path := util.GetEnv("MERGE_CONFIG"); path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid merge config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Run.PageSize = int(util.GetEnvNumeric("MERGE_PAGE_SIZE", c.Run.PageSize))
	c.Run.Parallelism = int(util.GetEnvNumeric("MERGE_PARALLELISM", c.Run.Parallelism))
	c.Run.ClusterTimeout = util.GetEnvDuration("MERGE_CLUSTER_TIMEOUT", c.Run.ClusterTimeout)
	c.Policy.MarkConflicts = util.GetEnvBool("MERGE_MARK_CONFLICTS", c.Policy.MarkConflicts)
	c.Lease.TTL = util.GetEnvDuration("MERGE_LEASE_TTL", c.Lease.TTL)
	c.Queue.Name = util.GetEnvString("MERGE_QUEUE", c.Queue.Name)
	c.Manifest.Enabled = util.GetEnvBool("MERGE_MANIFEST", c.Manifest.Enabled)
}
