package main

import (
	"context"
	"flag"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"orchestrator-go/internal/config"
	"orchestrator-go/internal/constants"
	"orchestrator-go/internal/credential"
	"orchestrator-go/internal/logging"
	"orchestrator-go/internal/lro"
	"orchestrator-go/internal/monitoring/tracing"
	"orchestrator-go/internal/proxy"
	"orchestrator-go/internal/secrets"
	srv "orchestrator-go/internal/server"
	"orchestrator-go/internal/token"
	"orchestrator-go/internal/usage"
	"orchestrator-go/internal/version"

	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}
	if *debug {
		cfg.Server.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.WithError(err).Fatal("Failed to prepare credential directories")
	}
	if err := logging.Setup(cfg); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}
	tail := logging.InstallTail()
	defer tail.Stop()

	log.WithFields(log.Fields{
		"version": version.Version,
		"config":  *configPath,
	}).Info("Starting credential orchestrator")

	traceShutdown, err := tracing.Init(context.Background())
	if err != nil {
		log.WithError(err).Warn("Failed to initialize tracing")
	}
	defer func() {
		if err := traceShutdown(context.Background()); err != nil {
			log.WithError(err).Warn("Failed to shut down tracing")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	box, err := secrets.Open(cfg.Paths.MasterKeyFile)
	if err != nil {
		log.WithError(err).Fatal("Failed to open master key")
	}

	geminiPool := credential.NewPool(credential.ProviderGemini, constants.CredentialCooldown)
	vertexPool := credential.NewPool(credential.ProviderVertex, constants.CredentialCooldown)
	geminiSource := credential.NewGeminiKeyFileSource(cfg.Paths.GeminiKeysFile(), box)
	vertexSource := credential.NewVertexDirSource(cfg.Paths.VertexDir())

	reload := func(ctx context.Context) error {
		geminiCreds, err := geminiSource.Load(ctx)
		if err != nil {
			return err
		}
		vertexCreds, err := vertexSource.Load(ctx)
		if err != nil {
			return err
		}
		geminiPool.Reload(geminiCreds)
		vertexPool.Reload(vertexCreds)
		return nil
	}
	if err := reload(ctx); err != nil {
		log.WithError(err).Fatal("Initial credential load failed")
	}
	if geminiPool.Size() == 0 && vertexPool.Size() == 0 {
		log.Warn("No credentials loaded; all proxy requests will be answered terminally")
	}

	if cfg.Upstream.WatchCredentials {
		watcher := credential.NewWatcher(
			[]string{filepath.Dir(cfg.Paths.GeminiKeysFile()), cfg.Paths.VertexDir()},
			func(ctx context.Context) {
				if err := reload(ctx); err != nil {
					log.WithError(err).Error("Credential hot reload failed")
				}
			},
		)
		if err := watcher.Start(ctx); err != nil {
			log.WithError(err).Warn("Credential watching unavailable")
		}
	}

	ops := openAffinityStore(ctx, cfg)
	defer ops.Close()

	store, err := usage.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Warn("Usage storage unavailable, continuing without persistence")
		store = usage.NoOpStorage{}
	}
	tracker := usage.NewTracker(store, time.Duration(cfg.Usage.PersistIntervalSec)*time.Second)
	if err := tracker.Start(ctx); err != nil {
		log.WithError(err).Warn("Usage tracker failed to start")
	}

	issuerOpts := []token.Option{}
	if cfg.Upstream.TokenURL != "" {
		issuerOpts = append(issuerOpts, token.WithTokenURL(cfg.Upstream.TokenURL))
	}
	issuer := token.NewIssuer(issuerOpts...)

	orch := proxy.New(geminiPool, vertexPool, issuer, ops, tracker, proxy.Options{
		MaxRetries:     cfg.Upstream.MaxRetries,
		AttemptTimeout: time.Duration(cfg.Upstream.AttemptTimeoutSec) * time.Second,
		GeminiBase:     cfg.Upstream.GeminiBaseURL,
		VertexBase:     cfg.Upstream.VertexBaseURL,
	})

	engine := srv.BuildEngine(cfg, srv.Dependencies{
		GeminiPool:   geminiPool,
		VertexPool:   vertexPool,
		Issuer:       issuer,
		Orchestrator: orch,
		Tracker:      tracker,
		Reload:       reload,
		LogTail:      tail,
	})

	if err := srv.Run(ctx, engine, cfg.Server.Port); err != nil {
		log.WithError(err).Error("HTTP server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tracker.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Usage tracker shutdown failed")
	}
	if err := store.Close(); err != nil {
		log.WithError(err).Warn("Usage storage close failed")
	}
	log.Info("Shutdown complete")
}

// openAffinityStore picks Redis when configured so several instances agree
// on operation ownership, in-memory otherwise.
func openAffinityStore(ctx context.Context, cfg *config.Config) lro.Store {
	if cfg.Redis.Addr == "" {
		return lro.NewMemoryStore(constants.OperationAffinityTTL)
	}
	store, err := lro.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix, constants.OperationAffinityTTL)
	if err != nil {
		log.WithError(err).Warn("Redis unavailable, falling back to in-memory operation affinity")
		return lro.NewMemoryStore(constants.OperationAffinityTTL)
	}
	log.WithField("addr", cfg.Redis.Addr).Info("Operation affinity backed by Redis")
	return store
}
