// Package config loads the platform configuration: a YAML file with an
// environment overlay, defaults matching the documented platform behaviour.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/covenant/governor/internal/core"
	"github.com/covenant/governor/internal/policy"
	"github.com/covenant/governor/internal/verify"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Identity     IdentityConfig     `yaml:"identity"`
	Audit        AuditConfig        `yaml:"audit"`
	Cache        CacheConfig        `yaml:"cache"`
	Policy       PolicyConfig       `yaml:"policy"`
	Verification VerificationConfig `yaml:"verification"`
	Ensemble     EnsembleConfig     `yaml:"ensemble"`
	Bandit       BanditConfig       `yaml:"bandit"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
	Review       ReviewConfig       `yaml:"review"`
	Events       EventsConfig       `yaml:"events"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type IdentityConfig struct {
	ConstitutionalIdentifier string `yaml:"constitutional_identifier"`
}

type AuditConfig struct {
	PostgresDSN               string `yaml:"postgres_dsn"`
	RetentionSecurityDays     int    `yaml:"retention_security_days"`
	RetentionConstitutionDays int    `yaml:"retention_constitutional_days"`
	RetentionDefaultDays      int    `yaml:"retention_default_days"`
}

type CacheConfig struct {
	L1Capacity int           `yaml:"l1_capacity"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	RedisAddr  string        `yaml:"redis_addr"`
	RedisDB    int           `yaml:"redis_db"`
}

type PolicyConfig struct {
	BundleDir        string        `yaml:"bundle_dir"`
	LatencyTargetP99 time.Duration `yaml:"latency_target_p99"`
	LatencyBound     time.Duration `yaml:"latency_bound"`
	EvalRPSLimit     int           `yaml:"eval_rps_limit"`
}

type VerificationConfig struct {
	WorkerCount       int              `yaml:"worker_count"`
	ObligationTimeout time.Duration    `yaml:"obligation_timeout"`
	Properties        []PropertyConfig `yaml:"properties"`
}

// PropertyConfig declares one constitutional property every rule must
// satisfy: the rule must never produce Verdict while all When conditions
// hold.
type PropertyConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Verdict     string            `yaml:"verdict"`
	When        []ConditionConfig `yaml:"when"`
}

// ConditionConfig is one attribute comparison inside a property.
type ConditionConfig struct {
	Field string      `yaml:"field"`
	Op    string      `yaml:"op"`
	Value interface{} `yaml:"value"`
}

type EnsembleConfig struct {
	Strategy       string             `yaml:"strategy"`
	MinModels      int                `yaml:"min_models"`
	CallTimeout    time.Duration      `yaml:"call_timeout"`
	BiasThresholds map[string]float64 `yaml:"bias_thresholds"`
	Models         []ModelConfig      `yaml:"models"`
}

type ModelConfig struct {
	Name     string  `yaml:"name"`
	Role     string  `yaml:"role"`
	Endpoint string  `yaml:"endpoint"`
	Weight   float64 `yaml:"weight"`
}

type BanditConfig struct {
	SafetyThreshold    float64 `yaml:"safety_threshold"`
	MinBaselineSamples int     `yaml:"min_baseline_samples"`
	UpdateFrequency    int     `yaml:"update_frequency"`
	WindowSize         int     `yaml:"window_size"`
	FallbackToClosest  bool    `yaml:"fallback_to_closest"`
	NonStationary      bool    `yaml:"non_stationary"`
}

type SandboxConfig struct {
	Runtime         string `yaml:"runtime"`
	MaxConcurrent   int    `yaml:"max_concurrent"`
	RunscPath       string `yaml:"runsc_path"`
	FirecrackerPath string `yaml:"firecracker_path"`
	KernelImage     string `yaml:"kernel_image"`
	RootFS          string `yaml:"rootfs"`
	WarmPoolImage   string `yaml:"warm_pool_image"`
	WarmPoolMin     int    `yaml:"warm_pool_min"`
	WarmPoolMax     int    `yaml:"warm_pool_max"`
}

type ReviewConfig struct {
	Deadline          time.Duration `yaml:"deadline"`
	RequiredApprovals int           `yaml:"required_approvals"`
	ReliabilityFloor  float64       `yaml:"reliability_floor"`
}

type EventsConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

// Default returns the configuration the platform runs with when the file
// omits an option.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Audit: AuditConfig{
			RetentionSecurityDays:     90,
			RetentionConstitutionDays: 365,
			RetentionDefaultDays:      30,
		},
		Cache: CacheConfig{
			L1Capacity: 1024,
			DefaultTTL: 5 * time.Minute,
		},
		Policy: PolicyConfig{
			BundleDir:        "bundles",
			LatencyTargetP99: 5 * time.Millisecond,
			LatencyBound:     500 * time.Millisecond,
			EvalRPSLimit:     120,
		},
		Verification: VerificationConfig{
			WorkerCount:       runtime.NumCPU(),
			ObligationTimeout: 2 * time.Second,
			Properties: []PropertyConfig{{
				ID:      "no-allow-critical-risk",
				Name:    "critical risk is never auto-allowed",
				Verdict: "allow",
				When:    []ConditionConfig{{Field: "risk", Op: "==", Value: "critical"}},
			}},
		},
		Ensemble: EnsembleConfig{
			Strategy:    "confidence-weighted",
			MinModels:   2,
			CallTimeout: 10 * time.Second,
		},
		Bandit: BanditConfig{
			SafetyThreshold:    0.1,
			MinBaselineSamples: 10,
			UpdateFrequency:    10,
			WindowSize:         100,
			FallbackToClosest:  true,
		},
		Sandbox: SandboxConfig{
			Runtime:       "kernel-isolation",
			MaxConcurrent: 8,
			RunscPath:     "/usr/local/bin/runsc",
			WarmPoolMin:   2,
			WarmPoolMax:   8,
		},
		Review: ReviewConfig{
			Deadline:          24 * time.Hour,
			RequiredApprovals: 2,
			ReliabilityFloor:  0.7,
		},
	}
}

// ConstitutionalProperties materialises the configured properties into the
// verifier's form; the orchestrator fans one obligation out per rule and
// property.
func (c *Config) ConstitutionalProperties() []verify.Property {
	out := make([]verify.Property, 0, len(c.Verification.Properties))
	for _, p := range c.Verification.Properties {
		prop := verify.Property{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Verdict:     core.Verdict(p.Verdict),
		}
		for _, w := range p.When {
			prop.When = append(prop.When, policy.Condition{Field: w.Field, Op: w.Op, Value: w.Value})
		}
		out = append(out, prop)
	}
	return out
}

// LoadConfig reads the YAML file over the defaults. A missing file is an
// error; use Default() directly for file-less setups.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}
