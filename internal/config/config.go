// Package config defines the specflow configuration schema and loads it
// through viper, layering defaults, an optional config file, and
// SPECFLOW_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/specflow/internal/logging"
)

// Rotation strategies for distributing specs across agent backends.
const (
	RotationNone       = "none"
	RotationRandom     = "random"
	RotationRoundRobin = "round-robin"
)

// Config is the root configuration for specflow.
type Config struct {
	Paths    PathsConfig    `mapstructure:"paths"`
	Branch   BranchConfig   `mapstructure:"branch"`
	Parallel ParallelConfig `mapstructure:"parallel"`
	Rotation RotationConfig `mapstructure:"rotation"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Merge    MergeConfig    `mapstructure:"merge"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// PathsConfig locates the on-disk layout of a specflow project.
// All paths are relative to the repository root unless absolute.
type PathsConfig struct {
	SpecsDir     string `mapstructure:"specs_dir"`
	StoreDir     string `mapstructure:"store_dir"`
	WorktreesDir string `mapstructure:"worktrees_dir"`
	LocksDir     string `mapstructure:"locks_dir"`
	LogDir       string `mapstructure:"log_dir"`
}

// BranchConfig controls branch naming and the merge target.
type BranchConfig struct {
	// Prefix is prepended to spec IDs to form worktree branch names,
	// e.g. "specflow/" yields "specflow/042-add-retry".
	Prefix string `mapstructure:"prefix"`
	// Main is the merge target branch.
	Main string `mapstructure:"main"`
}

// Backend describes one agent backend the scheduler can dispatch to.
type Backend struct {
	// Name identifies the backend in logs and status output.
	Name string `mapstructure:"name"`
	// Command is the executable invoked to run an agent. It receives the
	// worktree as its working directory and the spec prompt on stdin.
	Command string `mapstructure:"command"`
	// MaxConcurrent bounds how many specs this backend may run at once.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// Weight biases random rotation toward this backend. A backend with
	// weight 3 is picked three times as often as one with weight 1.
	Weight int `mapstructure:"weight"`
}

// ParallelConfig controls the parallel scheduler.
type ParallelConfig struct {
	Backends []Backend `mapstructure:"backends"`
	// MaxTotal overrides the total concurrency bound. Zero means the sum
	// of each backend's max_concurrent.
	MaxTotal int `mapstructure:"max_total"`
	// StaggerDelayMs is the base delay between consecutive dispatches.
	StaggerDelayMs int `mapstructure:"stagger_delay_ms"`
	// StaggerJitterMs is the maximum random jitter added to or subtracted
	// from the base delay.
	StaggerJitterMs int `mapstructure:"stagger_jitter_ms"`
}

// RotationConfig selects how specs rotate across backends.
type RotationConfig struct {
	// Strategy is one of "none", "random", or "round-robin".
	Strategy string `mapstructure:"strategy"`
}

// RecoveryConfig controls the startup reconciler.
type RecoveryConfig struct {
	// StalenessMinutes is how old a Working status update may be before
	// the reconciler treats the run as crashed.
	StalenessMinutes int `mapstructure:"staleness_minutes"`
}

// MergeConfig controls how completed branches are integrated.
type MergeConfig struct {
	// Rebase rebases the spec branch onto the target before merging.
	Rebase bool `mapstructure:"rebase"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// SetDefaults registers default values on the given viper instance.
// Call before reading the config file so file values override defaults.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("paths.specs_dir", ".specflow/specs")
	v.SetDefault("paths.store_dir", ".specflow/store")
	v.SetDefault("paths.worktrees_dir", ".specflow/worktrees")
	v.SetDefault("paths.locks_dir", ".specflow/locks")
	v.SetDefault("paths.log_dir", ".specflow/logs")

	v.SetDefault("branch.prefix", "specflow/")
	v.SetDefault("branch.main", "main")

	v.SetDefault("parallel.max_total", 0)
	v.SetDefault("parallel.stagger_delay_ms", 2000)
	v.SetDefault("parallel.stagger_jitter_ms", 500)

	v.SetDefault("rotation.strategy", RotationNone)

	v.SetDefault("recovery.staleness_minutes", 120)

	v.SetDefault("merge.rebase", true)

	v.SetDefault("logging.level", "INFO")
}

// Load unmarshals and validates the configuration from the given viper
// instance. SetDefaults must have been called on it first.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Rotation.Strategy {
	case RotationNone, RotationRandom, RotationRoundRobin:
	default:
		return fmt.Errorf("invalid rotation strategy %q (want %s, %s, or %s)",
			c.Rotation.Strategy, RotationNone, RotationRandom, RotationRoundRobin)
	}

	if c.Branch.Prefix == "" {
		return fmt.Errorf("branch.prefix must not be empty")
	}
	if strings.ContainsAny(c.Branch.Prefix, " \t") {
		return fmt.Errorf("branch.prefix %q must not contain whitespace", c.Branch.Prefix)
	}

	seen := make(map[string]bool, len(c.Parallel.Backends))
	for i, b := range c.Parallel.Backends {
		if b.Name == "" {
			return fmt.Errorf("parallel.backends[%d]: name must not be empty", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("parallel.backends: duplicate name %q", b.Name)
		}
		seen[b.Name] = true
		if b.Command == "" {
			return fmt.Errorf("parallel.backends[%d] (%s): command must not be empty", i, b.Name)
		}
		if b.MaxConcurrent < 1 {
			return fmt.Errorf("parallel.backends[%d] (%s): max_concurrent must be at least 1", i, b.Name)
		}
		if b.Weight < 1 {
			return fmt.Errorf("parallel.backends[%d] (%s): weight must be at least 1", i, b.Name)
		}
	}

	if c.Parallel.MaxTotal < 0 {
		return fmt.Errorf("parallel.max_total must not be negative")
	}
	if c.Parallel.StaggerDelayMs < 0 || c.Parallel.StaggerJitterMs < 0 {
		return fmt.Errorf("stagger delay and jitter must not be negative")
	}
	if c.Recovery.StalenessMinutes < 1 {
		return fmt.Errorf("recovery.staleness_minutes must be at least 1")
	}

	if c.Logging.Level != "" {
		valid := false
		for _, lvl := range logging.ValidLevels() {
			if strings.EqualFold(c.Logging.Level, lvl) {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("logging.level %q invalid (want one of %s)",
				c.Logging.Level, strings.Join(logging.ValidLevels(), ", "))
		}
	}

	return nil
}

// TotalConcurrency returns the effective total concurrency bound: the
// configured override if set, otherwise the sum of each backend's
// max_concurrent.
func (c *Config) TotalConcurrency() int {
	if c.Parallel.MaxTotal > 0 {
		return c.Parallel.MaxTotal
	}
	total := 0
	for _, b := range c.Parallel.Backends {
		total += b.MaxConcurrent
	}
	return total
}

// StaggerDelay returns the base dispatch delay as a duration.
func (c *Config) StaggerDelay() time.Duration {
	return time.Duration(c.Parallel.StaggerDelayMs) * time.Millisecond
}

// StaggerJitter returns the maximum dispatch jitter as a duration.
func (c *Config) StaggerJitter() time.Duration {
	return time.Duration(c.Parallel.StaggerJitterMs) * time.Millisecond
}

// Staleness returns the recovery staleness threshold as a duration.
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.Recovery.StalenessMinutes) * time.Minute
}
