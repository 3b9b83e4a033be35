package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/covenant/governor/internal/api"
	"github.com/covenant/governor/internal/audit"
	"github.com/covenant/governor/internal/bandit"
	"github.com/covenant/governor/internal/cache"
	"github.com/covenant/governor/internal/circuitbreaker"
	"github.com/covenant/governor/internal/config"
	"github.com/covenant/governor/internal/events"
	"github.com/covenant/governor/internal/identity"
	"github.com/covenant/governor/internal/middleware"
	"github.com/covenant/governor/internal/monitoring"
	"github.com/covenant/governor/internal/orchestrator"
	"github.com/covenant/governor/internal/policy"
	"github.com/covenant/governor/internal/sandbox"
	"github.com/covenant/governor/internal/synthesis"
	"github.com/covenant/governor/internal/verify"
)

func main() {
	configPath := flag.String("config", "governor.yaml", "path to the YAML configuration")
	flag.Parse()

	log.Println("starting constitutional governance core...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	stamper, err := identity.NewStamper(cfg.Identity.ConstitutionalIdentifier)
	if err != nil {
		log.Fatalf("constitutional identifier: %v", err)
	}
	id := stamper.Identifier()

	metrics := monitoring.NewMetrics()
	latency := monitoring.NewLatencyTracker(4096)

	// --- audit chain --------------------------------------------------------
	var store audit.Store
	var pqStore *audit.PQStore
	fileStore, err := audit.NewFileStore("audit.chain")
	if err != nil {
		log.Fatalf("open audit store: %v", err)
	}
	store = fileStore
	if cfg.Audit.PostgresDSN != "" {
		retention := audit.RetentionPolicy{
			SecurityDays:       cfg.Audit.RetentionSecurityDays,
			ConstitutionalDays: cfg.Audit.RetentionConstitutionDays,
			DefaultDays:        cfg.Audit.RetentionDefaultDays,
		}
		pqStore, err = audit.NewPQStore(fileStore, cfg.Audit.PostgresDSN, retention)
		if err != nil {
			log.Fatalf("open audit mirror: %v", err)
		}
		store = pqStore
	}
	auditLog, err := audit.Open(store, id)
	if err != nil {
		log.Fatalf("open audit log: %v", err)
	}
	defer auditLog.Close()
	auditLog.SetAlerter(audit.NewRateAlerter([]audit.AlertThreshold{
		{Kind: audit.KindSecurity, Max: 10, Window: time.Minute},
		{Kind: audit.KindConstitutional, Max: 5, Window: time.Minute},
	}))

	// --- event bus ----------------------------------------------------------
	var bus *events.Bus
	var emitter events.Emitter
	if cfg.Events.PubSubProject != "" {
		psBus, err := events.NewPubSubBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			log.Fatalf("pubsub bus: %v", err)
		}
		defer psBus.Close()
		bus = psBus.Bus
		emitter = psBus
	} else {
		bus = events.NewBus()
		emitter = bus
	}

	breakers := circuitbreaker.NewPlatformBreakers()

	// --- decision + verification cache --------------------------------------
	var l2 cache.RemoteStore
	if cfg.Cache.RedisAddr != "" {
		redis, err := cache.NewRedisStore(cfg.Cache.RedisAddr, "", cfg.Cache.RedisDB)
		if err != nil {
			log.Printf("redis unavailable, running L1-only: %v", err)
		} else {
			l2 = cache.NewBreakerStore(redis, breakers.Redis)
		}
	}
	decisions := cache.NewTiered(cfg.Cache.L1Capacity, l2, id, cfg.Cache.DefaultTTL, auditLog, metrics)
	defer decisions.Close()

	// --- policy engine ------------------------------------------------------
	bundles, err := policy.OpenBundleStore(cfg.Policy.BundleDir)
	if err != nil {
		log.Fatalf("open bundle store: %v", err)
	}
	engine := policy.NewEngine(policy.NewCompiler(id), bundles, decisions, auditLog, metrics, latency, id, cfg.Cache.DefaultTTL)

	// --- verification pipeline ----------------------------------------------
	pipeline := verify.NewPipeline(cfg.Verification.WorkerCount, cfg.Verification.ObligationTimeout, decisions, metrics, id)

	// --- synthesis ensemble -------------------------------------------------
	models := make([]synthesis.Model, 0, len(cfg.Ensemble.Models))
	for _, mc := range cfg.Ensemble.Models {
		models = append(models, synthesis.NewHTTPModel(mc.Name, synthesis.Role(mc.Role), mc.Endpoint, nil))
	}
	coordinator := synthesis.NewCoordinator(models, breakers, metrics, id, synthesis.Options{
		CallTimeout: cfg.Ensemble.CallTimeout,
		MinModels:   cfg.Ensemble.MinModels,
		Thresholds:  cfg.Ensemble.BiasThresholds,
	})

	// --- bandit optimizer ---------------------------------------------------
	optimizer := bandit.NewOptimizer(auditLog, metrics, id, bandit.Options{
		SafetyThreshold:    cfg.Bandit.SafetyThreshold,
		MinBaselineSamples: cfg.Bandit.MinBaselineSamples,
		UpdateFrequency:    cfg.Bandit.UpdateFrequency,
		WindowSize:         cfg.Bandit.WindowSize,
		FallbackToClosest:  cfg.Bandit.FallbackToClosest,
		NonStationary:      cfg.Bandit.NonStationary,
	})

	// --- sandbox ------------------------------------------------------------
	monitor, err := sandbox.NewSyscallMonitor(nil)
	if err != nil {
		log.Fatalf("syscall monitor: %v", err)
	}
	monitor.Start()
	defer monitor.Close()
	runtimes := []sandbox.Runtime{
		sandbox.NewKernelRuntime(cfg.Sandbox.RunscPath, cfg.Sandbox.RootFS),
		sandbox.NewMicroVMRuntime(cfg.Sandbox.FirecrackerPath, cfg.Sandbox.KernelImage, cfg.Sandbox.RootFS),
	}
	var pool *sandbox.WarmPool
	if cfg.Sandbox.WarmPoolImage != "" {
		pool = sandbox.NewWarmPool(sandbox.NewDockerBackend("runsc"), cfg.Sandbox.WarmPoolImage,
			cfg.Sandbox.WarmPoolMin, cfg.Sandbox.WarmPoolMax, sandbox.DefaultLimits)
		defer pool.Close()
	}
	controller := sandbox.NewController(runtimes, monitor, auditLog, emitter, metrics, id, sandbox.ControllerOptions{
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		WarmPool:      pool,
		Breaker:       breakers.Sandbox,
	})

	// --- orchestrator -------------------------------------------------------
	reviews := orchestrator.NewReviewManager(auditLog, emitter, cfg.Review.Deadline, cfg.Review.RequiredApprovals)
	orch := orchestrator.New(coordinator, pipeline, engine, controller, optimizer, reviews,
		auditLog, emitter, id, orchestrator.Options{
			Properties:       cfg.ConstitutionalProperties(),
			ReliabilityFloor: cfg.Review.ReliabilityFloor,
		})

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case now := <-ticker.C:
				orch.ExpireReviews(sweepCtx, now)
			}
		}
	}()

	// The mirror is pruned on a slow cadence; the hash-chained primary is
	// never touched.
	if pqStore != nil {
		go func() {
			ticker := time.NewTicker(6 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case now := <-ticker.C:
					if pruned, err := pqStore.PruneExpired(now); err != nil {
						log.Printf("audit mirror retention sweep: %v", err)
					} else if pruned > 0 {
						log.Printf("audit mirror retention sweep dropped %d expired events", pruned)
					}
				}
			}
		}()
	}

	// --- HTTP surface -------------------------------------------------------
	streamer := api.NewProgressStreamer(bus)
	go streamer.Run()

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.Policy.EvalRPSLimit,
	})

	server := api.NewServer(orch, engine, decisions, auditLog, stamper, limiter, streamer)
	if err := server.Start(cfg.Server.Port); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
