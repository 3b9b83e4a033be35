// govcheck is the pre-flight diagnostic for the governance core: it
// verifies the audit hash chain, the bundle store and the cache backend
// without starting the server.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/cache"
	"github.com/covenant/governor/internal/config"
	"github.com/covenant/governor/internal/identity"
	"github.com/covenant/governor/internal/policy"
)

type component struct {
	name string
	test func(cfg *config.Config) error
}

func main() {
	configPath := flag.String("config", "governor.yaml", "path to the YAML configuration")
	auditPath := flag.String("audit", "audit.chain", "path to the audit chain file")
	flag.Parse()

	fmt.Println("\033[96mGovernance Core - Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("\033[31mcannot load configuration: %v\033[0m\n", err)
		os.Exit(1)
	}

	components := []component{
		{"Identity (constitutional tag)", checkIdentity},
		{"Audit Layer (hash chain)", checkAuditChain(*auditPath)},
		{"Policy Layer (bundle store)", checkBundleStore},
		{"Cache Layer (redis)", checkRedis},
		{"Audit Mirror (postgres)", checkAuditMirror(*auditPath)},
	}

	failed := 0
	for _, c := range components {
		fmt.Printf("Checking %-32s ", c.name+"...")
		if err := c.test(cfg); err != nil {
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> %v\n", err)
			failed++
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failed.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: ready for governance traffic.\033[0m")
}

func checkIdentity(cfg *config.Config) error {
	_, err := identity.NewStamper(cfg.Identity.ConstitutionalIdentifier)
	return err
}

// checkAuditChain replays the persisted chain from genesis. audit.Open
// refuses a divergent chain, so opening is the verification.
func checkAuditChain(path string) func(cfg *config.Config) error {
	return func(cfg *config.Config) error {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil // fresh deployment, nothing to verify
		}
		store, err := audit.NewFileStore(path)
		if err != nil {
			return err
		}
		defer store.Close()

		log, err := audit.Open(store, cfg.Identity.ConstitutionalIdentifier)
		if err != nil {
			return err
		}
		defer log.Close()
		if err := log.VerifyChain(); err != nil {
			return err
		}
		fmt.Printf("(%d events) ", log.Sequence())
		return nil
	}
}

// checkBundleStore recompiles the active bundle from its stored sources
// and compares the manifest digest, catching on-disk tampering.
func checkBundleStore(cfg *config.Config) error {
	store, err := policy.OpenBundleStore(cfg.Policy.BundleDir)
	if err != nil {
		return err
	}
	active := store.ActiveID()
	if active == "" {
		return nil // no bundle activated yet
	}

	bundle, err := store.Load(active)
	if err != nil {
		return fmt.Errorf("load active bundle %s: %w", active, err)
	}
	compiler := policy.NewCompiler(cfg.Identity.ConstitutionalIdentifier)
	manifest, result, _ := compiler.Compile(bundle.Manifest.Version, bundle.Sources)
	if !result.Valid() {
		return fmt.Errorf("active bundle %s no longer compiles", active)
	}
	if manifest.Digest != bundle.Manifest.Digest {
		return fmt.Errorf("active bundle %s digest mismatch: stored %s, recompiled %s",
			active, bundle.Manifest.Digest, manifest.Digest)
	}
	return nil
}

// checkAuditMirror opens the Postgres mirror and runs an indexed query
// over the last 24h of security events, proving the mirror is reachable
// and queryable, not merely dialable.
func checkAuditMirror(path string) func(cfg *config.Config) error {
	return func(cfg *config.Config) error {
		if cfg.Audit.PostgresDSN == "" {
			return nil // file-only deployment
		}
		primary, err := audit.NewFileStore(path)
		if err != nil {
			return err
		}
		defer primary.Close()

		retention := audit.RetentionPolicy{
			SecurityDays:       cfg.Audit.RetentionSecurityDays,
			ConstitutionalDays: cfg.Audit.RetentionConstitutionDays,
			DefaultDays:        cfg.Audit.RetentionDefaultDays,
		}
		mirror, err := audit.NewPQStore(primary, cfg.Audit.PostgresDSN, retention)
		if err != nil {
			return err
		}
		defer mirror.Close()

		now := time.Now()
		events, err := mirror.QueryByKind(audit.KindSecurity, now.Add(-24*time.Hour), now)
		if err != nil {
			return fmt.Errorf("query mirror: %w", err)
		}
		fmt.Printf("(%d security events/24h) ", len(events))
		return nil
	}
}

// checkRedis dials L2; NewRedisStore pings on connect.
func checkRedis(cfg *config.Config) error {
	if cfg.Cache.RedisAddr == "" {
		return nil // L1-only deployment
	}
	store, err := cache.NewRedisStore(cfg.Cache.RedisAddr, "", cfg.Cache.RedisDB)
	if err != nil {
		return err
	}
	return store.Close()
}
