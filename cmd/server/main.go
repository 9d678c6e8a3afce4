package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"go.uber.org/zap"

	"stokbro/internal/app"
	"stokbro/internal/config"
	"stokbro/internal/handlers"
	"stokbro/internal/metrics"
	"stokbro/internal/server"
	"stokbro/internal/storage"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to config file (overrides CONFIG_FILE env var)")
	flag.Parse()

	loaded, err := app.LoadEnvFile(*configFile)
	if err != nil {
		log.Fatal(err)
	}
	if loaded != "" {
		log.Printf("loaded config from: %s", loaded)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("failed to init logger:", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	m.StartRuntimeMetricsCollector()

	a, err := app.Build(ctx, cfg, logger, m)
	if err != nil {
		logger.Fatal("failed to initialize", zap.Error(err))
	}
	defer a.Close()

	go a.LogEvents(ctx)

	api := handlers.NewHandler(logger, m, handlers.Options{
		Orchestrator: a.Orchestrator,
		Recovery:     a.Recovery,
		History:      a.DB,
		Quota:        a.Ledger,
		Catalog:      a.Catalog,
		PageSize:     cfg.HistoryPageSize,
	})

	srv := server.New(logger, cfg, m, server.Routes{
		API:     api,
		Health:  handlers.NewHealthHandler(logger, a.DB, a.Sink, m, version),
		Session: a.Verifier.Middleware(logger),
		Files:   filesHandler(a.Sink),
	})
	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	if err := srv.WaitForShutdown(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// filesHandler serves a local sink's root under /files/. Set PUBLIC_BASE_URL
// to this server's absolute /files URL so stored links resolve off-host.
func filesHandler(sink storage.Sink) http.Handler {
	local, ok := sink.(*storage.LocalSink)
	if !ok {
		return nil
	}
	return http.FileServer(http.Dir(local.Root()))
}
