package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/fleetgov/gatekeeper/internal/admission"
	"github.com/fleetgov/gatekeeper/internal/arbiter"
	"github.com/fleetgov/gatekeeper/internal/audit"
	"github.com/fleetgov/gatekeeper/internal/budget"
	"github.com/fleetgov/gatekeeper/internal/bus"
	"github.com/fleetgov/gatekeeper/internal/circuit"
	"github.com/fleetgov/gatekeeper/internal/config"
	"github.com/fleetgov/gatekeeper/internal/httpserver"
)

func main() {
	cfg := config.LoadFromEnv()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Decision log: Postgres when configured, then file-backed, then memory.
	var decisions audit.Store
	var pgStore *audit.PGStore
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("ping db: %v", err)
		}
		pgStore = audit.NewPGStore(db)
		decisions = pgStore
		log.Printf("decision log: postgres")
	} else if cfg.DecisionDir != "" {
		decisions = audit.NewFileStore(cfg.DecisionDir)
		log.Printf("decision log: files under %s", cfg.DecisionDir)
	} else {
		decisions = audit.NewMemoryStore()
		log.Printf("decision log: in-memory (no DATABASE_URL)")
	}

	// Core components.
	arb := arbiter.New(arbiter.Config{
		DedupWindow:      cfg.DedupWindow,
		MaxTasksPerActor: cfg.MaxTasksPerActor,
		LoopDetection:    cfg.LoopDetection,
		LoopThreshold:    cfg.LoopThreshold,
	})
	budgets := budget.NewEngine(budget.Options{
		AllowImplicitAllocation: cfg.AllowImplicitAllocation,
		DefaultReservationTTL:   cfg.ReservationTTL,
	})
	breaker := circuit.NewBreaker(circuit.BreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		Window:           cfg.CircuitWindow,
		Cooldown:         cfg.CircuitCooldown,
	})
	chains := circuit.NewChainTracker(circuit.ChainConfig{
		MaxChainDepth: cfg.MaxChainDepth,
		MaxChains:     cfg.MaxChains,
		MaxChainAge:   cfg.MaxChainAge,
	})

	dampenerCfg := bus.DampenerConfig{
		DedupWindow:        cfg.EventDedupWindow,
		WindowDuration:     cfg.EventWindow,
		DefaultRateLimit:   cfg.EventRateLimit,
		CascadeThreshold:   cfg.CascadeThreshold,
		CascadeFanoutRatio: cfg.CascadeFanoutRatio,
	}

	// Governance policy: pre-provisioned allocations and per-type limits.
	if cfg.PolicyFile != "" {
		policy, err := config.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			log.Fatalf("load policy: %v", err)
		}
		for actor, ap := range policy.Actors {
			if err := budgets.CreateAllocation(actor, ap.BudgetLimits()); err != nil {
				log.Fatalf("allocate %s: %v", actor, err)
			}
		}
		if len(policy.EventRateLimits) > 0 {
			dampenerCfg.RateLimits = policy.EventRateLimits
		}
		log.Printf("policy loaded: %d actors, %d event limits", len(policy.Actors), len(policy.EventRateLimits))
	}

	events := bus.New(bus.NewDampener(dampenerCfg))
	service := admission.New(arb, budgets, breaker, chains, events, decisions)

	// Decision streamer: only meaningful with the Postgres store.
	if pgStore != nil && len(cfg.KafkaBrokers) > 0 {
		producer, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		var archiver audit.Archiver
		if cfg.S3Bucket != "" {
			archiver, err = audit.NewS3Archiver(rootCtx, cfg.S3Bucket, cfg.S3Prefix)
			if err != nil {
				log.Fatalf("s3 archiver: %v", err)
			}
		}
		streamer := audit.NewStreamer(pgStore, producer, archiver, audit.StreamerConfig{})
		go func() {
			if err := streamer.Run(rootCtx); err != nil && err != context.Canceled {
				log.Printf("streamer: %v", err)
			}
		}()
	}

	// Janitor: the components never self-schedule their cleanup passes.
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				service.Sweep(cfg.RecordMaxAge)
			}
		}
	}()

	server := httpserver.New(service, decisions, cfg.AuthSecret)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("Gatekeeper listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	waitForShutdown(httpServer, cancel)
}

func waitForShutdown(srv *http.Server, cancel context.CancelFunc) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()
	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown: %v", err)
	}
}
