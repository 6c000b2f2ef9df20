package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(newViper(t))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Branch.Prefix != "specflow/" {
		t.Errorf("Branch.Prefix = %q, want %q", cfg.Branch.Prefix, "specflow/")
	}
	if cfg.Branch.Main != "main" {
		t.Errorf("Branch.Main = %q, want %q", cfg.Branch.Main, "main")
	}
	if cfg.Rotation.Strategy != RotationNone {
		t.Errorf("Rotation.Strategy = %q, want %q", cfg.Rotation.Strategy, RotationNone)
	}
	if cfg.Recovery.StalenessMinutes != 120 {
		t.Errorf("Recovery.StalenessMinutes = %d, want 120", cfg.Recovery.StalenessMinutes)
	}
	if !cfg.Merge.Rebase {
		t.Error("Merge.Rebase should default to true")
	}
	if cfg.Staleness() != 2*time.Hour {
		t.Errorf("Staleness() = %v, want 2h", cfg.Staleness())
	}
}

func TestLoadFromYAML(t *testing.T) {
	v := newViper(t)
	v.SetConfigType("yaml")
	yaml := `
parallel:
  backends:
    - name: claude
      command: claude-agent
      max_concurrent: 3
      weight: 2
    - name: codex
      command: codex-agent
      max_concurrent: 1
      weight: 1
  stagger_delay_ms: 100
rotation:
  strategy: round-robin
`
	if err := v.ReadConfig(strings.NewReader(yaml)); err != nil {
		t.Fatalf("ReadConfig failed: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Parallel.Backends) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(cfg.Parallel.Backends))
	}
	if cfg.Parallel.Backends[0].Name != "claude" || cfg.Parallel.Backends[0].MaxConcurrent != 3 {
		t.Errorf("backend[0] = %+v", cfg.Parallel.Backends[0])
	}
	if cfg.Rotation.Strategy != RotationRoundRobin {
		t.Errorf("Rotation.Strategy = %q, want round-robin", cfg.Rotation.Strategy)
	}
	if cfg.StaggerDelay() != 100*time.Millisecond {
		t.Errorf("StaggerDelay() = %v, want 100ms", cfg.StaggerDelay())
	}
}

func TestTotalConcurrency(t *testing.T) {
	cfg := &Config{
		Parallel: ParallelConfig{
			Backends: []Backend{
				{Name: "a", Command: "a", MaxConcurrent: 2, Weight: 1},
				{Name: "b", Command: "b", MaxConcurrent: 3, Weight: 1},
			},
		},
	}
	if got := cfg.TotalConcurrency(); got != 5 {
		t.Errorf("TotalConcurrency() = %d, want 5 (sum of backends)", got)
	}

	cfg.Parallel.MaxTotal = 2
	if got := cfg.TotalConcurrency(); got != 2 {
		t.Errorf("TotalConcurrency() = %d, want 2 (override)", got)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	base := func() *Config {
		return &Config{
			Branch:   BranchConfig{Prefix: "specflow/", Main: "main"},
			Rotation: RotationConfig{Strategy: RotationNone},
			Recovery: RecoveryConfig{StalenessMinutes: 120},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad rotation strategy", func(c *Config) { c.Rotation.Strategy = "fastest" }},
		{"empty branch prefix", func(c *Config) { c.Branch.Prefix = "" }},
		{"backend missing name", func(c *Config) {
			c.Parallel.Backends = []Backend{{Command: "x", MaxConcurrent: 1, Weight: 1}}
		}},
		{"backend missing command", func(c *Config) {
			c.Parallel.Backends = []Backend{{Name: "a", MaxConcurrent: 1, Weight: 1}}
		}},
		{"zero max_concurrent", func(c *Config) {
			c.Parallel.Backends = []Backend{{Name: "a", Command: "x", Weight: 1}}
		}},
		{"zero weight", func(c *Config) {
			c.Parallel.Backends = []Backend{{Name: "a", Command: "x", MaxConcurrent: 1}}
		}},
		{"duplicate backend names", func(c *Config) {
			c.Parallel.Backends = []Backend{
				{Name: "a", Command: "x", MaxConcurrent: 1, Weight: 1},
				{Name: "a", Command: "y", MaxConcurrent: 1, Weight: 1},
			}
		}},
		{"zero staleness", func(c *Config) { c.Recovery.StalenessMinutes = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should have failed")
			}
		})
	}
}

func TestEnvOverride(t *testing.T) {
	v := newViper(t)
	v.SetEnvPrefix("SPECFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	t.Setenv("SPECFLOW_BRANCH_MAIN", "trunk")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Branch.Main != "trunk" {
		t.Errorf("Branch.Main = %q, want %q from env", cfg.Branch.Main, "trunk")
	}
}
