package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"moonwatch.org/internal/acl"
	"moonwatch.org/internal/config"
	"moonwatch.org/internal/esi"
	"moonwatch.org/internal/httpapi"
	"moonwatch.org/internal/obs"
	"moonwatch.org/internal/poller"
	"moonwatch.org/internal/query"
	"moonwatch.org/internal/sso"
	"moonwatch.org/internal/store"
	"moonwatch.org/internal/store/pg"
	"moonwatch.org/internal/stream"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Store: Postgres when a DSN is configured, in-memory otherwise.
	var st store.Store
	probe := httpapi.ReadyProbe{}
	if cfg.PostgresDSN != "" {
		pgStore, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pgStore.Migrate(ctx); err != nil {
			cancel()
			log.Fatalf("migrate: %v", err)
		}
		cancel()
		st = pgStore
		probe.DB = pgStore.DB()
	} else {
		st = store.NewInMemory()
	}

	// Access rules.
	evaluator, err := loadACL(cfg)
	if err != nil {
		log.Fatalf("acl: %v", err)
	}

	// Upstream client and token manager.
	var esiOpts []esi.Option
	if cfg.ESIBaseURL != "" {
		esiOpts = append(esiOpts, esi.WithBaseURL(cfg.ESIBaseURL))
	}
	if cfg.ESIUserAgent != "" {
		esiOpts = append(esiOpts, esi.WithUserAgent(cfg.ESIUserAgent))
	}
	source := esi.New(esiOpts...)

	ssoOpts := []sso.Option{sso.WithRefreshMargin(cfg.TokenRefreshMargin)}
	if cfg.SSOTokenURL != "" {
		ssoOpts = append(ssoOpts, sso.WithTokenURL(cfg.SSOTokenURL))
	}
	if cfg.SSOClientID != "" {
		ssoOpts = append(ssoOpts, sso.WithClientID(cfg.SSOClientID))
	}
	tokens := sso.NewManager(st, ssoOpts...)

	// Sync machinery.
	events := stream.New()
	syncer := poller.NewSyncer(st, source, tokens, events)
	p := poller.New(cfg.Workers, poller.WithRecorder(st))
	if err := syncer.Register(context.Background(), p, cfg.StructurePollInterval, cfg.UniversePollInterval, cfg.TokenSweepInterval); err != nil {
		log.Fatalf("register sync targets: %v", err)
	}
	p.Start(context.Background())

	// HTTP API.
	svc := query.New(st, evaluator, cfg.StaleThreshold)
	api := httpapi.New(svc, events, probe, version)
	handler := httpapi.Logging(httpapi.SecurityHeaders(httpapi.RateLimit(
		httpapi.MaxBodyBytes(api.Handler(), 1<<20), 20, 10)))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting moonwatch-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	p.Stop(10 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

func loadACL(cfg config.Config) (*acl.Evaluator, error) {
	if cfg.ACLPath == "" {
		return acl.New(nil, cfg.ACLDefaultAllow)
	}
	return acl.Load(cfg.ACLPath, cfg.ACLDefaultAllow)
}
