// Package app wires configuration into the long-lived components shared by
// the server and the retrieve CLI.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"stokbro/internal/auth"
	"stokbro/internal/circuitbreaker"
	"stokbro/internal/config"
	"stokbro/internal/database"
	"stokbro/internal/formats"
	"stokbro/internal/metrics"
	"stokbro/internal/models"
	"stokbro/internal/orchestrator"
	"stokbro/internal/promoter"
	"stokbro/internal/quota"
	"stokbro/internal/retriever"
	"stokbro/internal/storage"
	"stokbro/internal/vendor"
)

// App holds the wired components
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	DB           database.Store
	Sink         storage.Sink
	Catalog      *formats.Catalog
	Ledger       *quota.Ledger
	Orchestrator *orchestrator.Orchestrator
	Recovery     *retriever.Recovery
	Verifier     *auth.Verifier
}

// LoadEnvFile loads environment variables from a file.
// Priority: --config flag > CONFIG_FILE env var > .env file.
// An explicitly named file must exist; a missing .env is ignored.
func LoadEnvFile(flagConfigFile string) (string, error) {
	configFile := flagConfigFile
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}

	if configFile != "" {
		if err := godotenv.Load(configFile); err != nil {
			return "", fmt.Errorf("failed to load config file %s: %w", configFile, err)
		}
		return configFile, nil
	}

	if err := godotenv.Load(); err == nil {
		return ".env", nil
	}
	return "", nil
}

// Build opens the database and storage and assembles the pipeline
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*App, error) {
	db, err := database.New(ctx, cfg, m)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if mig, ok := db.(database.Migrator); ok {
		if err := mig.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("schema: %w", err)
		}
	}
	logger.Info("initialized database", zap.String("engine", cfg.DBEngine))

	storageBreaker := circuitbreaker.New("storage", cfg, m, nil)
	sink, err := storage.New(ctx, cfg, m, storageBreaker)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	logger.Info("initialized storage", zap.String("type", sink.Type()))

	vendorBreaker := circuitbreaker.New("vendor", cfg, m, vendor.IsExpected)
	gateway := vendor.NewClient(vendor.Options{
		BaseURL:     cfg.VendorAPIURL,
		APIKey:      cfg.VendorAPIKey,
		Timeout:     cfg.VendorTimeout,
		IconPNGSize: cfg.IconPNGSize,
	}, vendorBreaker, logger, m)
	if cfg.VendorAPIKey == "" {
		logger.Warn("FREEPIK_API_KEY not set; vendor calls will be rejected as unauthorized")
	}

	catalog := formats.NewCatalog(map[models.Platform][]string{
		models.Freepik:  cfg.FreepikFormats,
		models.Flaticon: cfg.FlaticonFormats,
	})

	ledger := quota.NewLedger(db, logger, m)
	orch := orchestrator.New(orchestrator.Deps{
		Gateway:  gateway,
		Promoter: promoter.New(sink, cfg.PromoteMaxBytes, cfg.StorageFetchTimeout, logger, m),
		Records:  db,
		Budget:   ledger,
		Catalog:  catalog,
		Prober:   orchestrator.NewHTTPProber(&http.Client{}, cfg.VendorTimeout),
	}, orchestrator.Options{
		MaxConcurrent: cfg.MaxConcurrentFormats,
		Cooldown:      cfg.Cooldown,
	}, nil, logger, m)

	return &App{
		Config:       cfg,
		Logger:       logger,
		Metrics:      m,
		DB:           db,
		Sink:         sink,
		Catalog:      catalog,
		Ledger:       ledger,
		Orchestrator: orch,
		Recovery:     retriever.NewRecovery(db, orch, logger),
		Verifier:     auth.NewVerifier(cfg.SigningSecret, cfg.EnforceSigning, m),
	}, nil
}

// LogEvents logs orchestrator events until ctx is done
func (a *App) LogEvents(ctx context.Context) {
	events, unsubscribe := a.Orchestrator.Bus().Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			fields := []zap.Field{
				zap.String("kind", string(ev.Kind)),
				zap.String("user_id", ev.UserID),
				zap.String("state", string(ev.State)),
			}
			if ev.Format != "" {
				fields = append(fields, zap.String("format", string(ev.Format)))
			}
			if ev.Message != "" {
				fields = append(fields, zap.String("message", ev.Message))
			}
			if ev.Err != nil {
				fields = append(fields, zap.Error(ev.Err))
			}
			a.Logger.Debug("orchestrator event", fields...)
		}
	}
}

// Close releases the database
func (a *App) Close() error {
	return a.DB.Close()
}
