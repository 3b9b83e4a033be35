package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load resolves the effective configuration: .env file into the process
// environment, YAML file if present, then GOVERNOR_* environment overrides
// on top. The path may be empty.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := Default()
	if path != "" {
		loaded, err := LoadConfig(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
			log.Printf("config file %s not found, using defaults", path)
		} else {
			cfg = loaded
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays GOVERNOR_* environment variables. Only the operational
// knobs are exposed this way; structural options stay in the file.
func applyEnv(cfg *Config) {
	envString("GOVERNOR_PORT", &cfg.Server.Port)
	envString("GOVERNOR_ENV", &cfg.Server.Env)
	envString("GOVERNOR_CONSTITUTIONAL_IDENTIFIER", &cfg.Identity.ConstitutionalIdentifier)
	envString("GOVERNOR_REDIS_ADDR", &cfg.Cache.RedisAddr)
	envString("GOVERNOR_POSTGRES_DSN", &cfg.Audit.PostgresDSN)
	envString("GOVERNOR_BUNDLE_DIR", &cfg.Policy.BundleDir)
	envString("GOVERNOR_SANDBOX_RUNTIME", &cfg.Sandbox.Runtime)
	envString("GOVERNOR_PUBSUB_PROJECT", &cfg.Events.PubSubProject)
	envString("GOVERNOR_PUBSUB_TOPIC", &cfg.Events.PubSubTopic)

	envInt("GOVERNOR_CACHE_L1_CAPACITY", &cfg.Cache.L1Capacity)
	envInt("GOVERNOR_VERIFICATION_WORKERS", &cfg.Verification.WorkerCount)
	envInt("GOVERNOR_ENSEMBLE_MIN_MODELS", &cfg.Ensemble.MinModels)
	envInt("GOVERNOR_SANDBOX_MAX_CONCURRENT", &cfg.Sandbox.MaxConcurrent)
	envInt("GOVERNOR_REVIEW_REQUIRED_APPROVALS", &cfg.Review.RequiredApprovals)
	envInt("GOVERNOR_EVAL_RPS_LIMIT", &cfg.Policy.EvalRPSLimit)

	envDuration("GOVERNOR_CACHE_DEFAULT_TTL", &cfg.Cache.DefaultTTL)
	envDuration("GOVERNOR_OBLIGATION_TIMEOUT", &cfg.Verification.ObligationTimeout)
	envDuration("GOVERNOR_REVIEW_DEADLINE", &cfg.Review.Deadline)

	envFloat("GOVERNOR_BANDIT_SAFETY_THRESHOLD", &cfg.Bandit.SafetyThreshold)
	envFloat("GOVERNOR_REVIEW_RELIABILITY_FLOOR", &cfg.Review.ReliabilityFloor)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			log.Printf("ignoring %s=%q: %v", key, v, err)
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			log.Printf("ignoring %s=%q: %v", key, v, err)
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else {
			log.Printf("ignoring %s=%q: %v", key, v, err)
		}
	}
}
