package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridian-data/meridian-engine/pkg/auth"
	"github.com/meridian-data/meridian-engine/pkg/config"
	"github.com/meridian-data/meridian-engine/pkg/database"
	"github.com/meridian-data/meridian-engine/pkg/handlers"
	"github.com/meridian-data/meridian-engine/pkg/models"
	"github.com/meridian-data/meridian-engine/pkg/registry"
	"github.com/meridian-data/meridian-engine/pkg/repositories"
	"github.com/meridian-data/meridian-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "meridian-engine",
		Short:         "Metadata-driven entity resolution, merge, and Type-2 history engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newRunCmd(), newValidateCmd(), newMigrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func setup(ctx context.Context) (*config.Config, *zap.Logger, *database.DB, error) {
	cfg, err := config.Load(Version)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.URL(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return cfg, logger, db, nil
}

func newValidateCmd() *cobra.Command {
	var rulesPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the rules file and report configuration errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rulesPath == "" {
				cfg, err := config.Load(Version)
				if err != nil {
					return err
				}
				rulesPath = cfg.RulesPath
			}

			reg, err := registry.Load(rulesPath)
			if err != nil {
				return err
			}

			errs := reg.Validate()
			if len(errs) == 0 {
				fmt.Printf("rules file %s: %d entity type(s), no errors\n", rulesPath, len(reg.EntityTypes()))
				return nil
			}
			for _, e := range errs {
				fmt.Fprintln(os.Stderr, e.Error())
			}
			return fmt.Errorf("%d configuration error(s)", len(errs))
		},
	}

	cmd.Flags().StringVar(&rulesPath, "rules", "", "path to the rules file (default from config)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(Version)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Env)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			sqlDB, err := sql.Open("pgx", cfg.Database.URL())
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() { _ = sqlDB.Close() }()

			return database.RunMigrations(sqlDB, cfg.MigrationsPath, logger)
		},
	}
}

func newRunCmd() *cobra.Command {
	var batchFile string
	var batchTimeStr string
	var entityType string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process batches from a JSON batch file through resolve, merge, and apply",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, logger, db, err := setup(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			defer func() { _ = logger.Sync() }()

			batchTime := time.Now().UTC()
			if batchTimeStr != "" {
				batchTime, err = time.Parse(time.RFC3339, batchTimeStr)
				if err != nil {
					return fmt.Errorf("failed to parse --batch-time: %w", err)
				}
			}

			batches, err := loadBatchFile(batchFile)
			if err != nil {
				return err
			}
			if entityType != "" {
				filtered := batches[:0]
				for _, b := range batches {
					if b.EntityType == entityType {
						filtered = append(filtered, b)
					}
				}
				batches = filtered
				if len(batches) == 0 {
					return fmt.Errorf("batch file has no batches for entity type %q", entityType)
				}
			}

			reg, err := registry.Load(cfg.RulesPath)
			if err != nil {
				return err
			}

			pipeline := buildPipeline(reg, db, cfg.Engine.Workers, logger)
			reports := pipeline.Run(ctx, batches, batchTime)

			failed := 0
			for _, r := range reports {
				if r.Failed() {
					failed++
				}
			}
			out, _ := json.MarshalIndent(reports, "", "  ")
			fmt.Println(string(out))
			if failed > 0 {
				return fmt.Errorf("%d of %d batch(es) failed", failed, len(reports))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&batchFile, "batch-file", "", "path to a JSON file with one batch or an array of batches")
	cmd.Flags().StringVar(&batchTimeStr, "batch-time", "", "RFC3339 processing timestamp (default: now)")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "process only batches for this entity type")
	_ = cmd.MarkFlagRequired("batch-file")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the monitoring read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, logger, db, err := setup(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			defer func() { _ = logger.Sync() }()

			mergedRepo := repositories.NewMergedEntityRepository(db)
			reconciliationRepo := repositories.NewReconciliationRepository(db)
			dimensionRepo := repositories.NewDimensionRepository(db)

			mux := http.NewServeMux()
			handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)

			api := http.NewServeMux()
			handlers.NewQualityHandler(mergedRepo, logger).RegisterRoutes(api)
			handlers.NewReconciliationHandler(reconciliationRepo, logger).RegisterRoutes(api)
			handlers.NewHistoryHandler(dimensionRepo, logger).RegisterRoutes(api)

			middleware := auth.NewMiddleware(cfg.Auth.TokenSecret, cfg.Auth.EnableVerification, logger)
			mux.Handle("/api/", middleware.Wrap(api))

			addr := cfg.BindAddr + ":" + cfg.Port
			logger.Info("Starting meridian-engine monitoring API",
				zap.String("addr", addr),
				zap.String("version", cfg.Version))
			return http.ListenAndServe(addr, mux)
		},
	}
}

// buildPipeline wires the repositories and services for one run.
func buildPipeline(reg registry.Registry, db *database.DB, workers int, logger *zap.Logger) *services.Pipeline {
	crosswalkRepo := repositories.NewCrosswalkRepository(db)
	reconciliationRepo := repositories.NewReconciliationRepository(db)
	mergedRepo := repositories.NewMergedEntityRepository(db)
	dimensionRepo := repositories.NewDimensionRepository(db)

	resolver := services.NewResolverService(reg, crosswalkRepo, reconciliationRepo, logger)
	merger := services.NewMergerService(reg, mergedRepo, reconciliationRepo, logger)
	history := services.NewHistoryService(reg, dimensionRepo, logger)

	return services.NewPipeline(reg, resolver, merger, history, workers, logger)
}

// loadBatchFile reads either a single batch object or an array of batches.
func loadBatchFile(path string) ([]*models.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}

	var batches []*models.Batch
	if err := json.Unmarshal(data, &batches); err == nil {
		return batches, nil
	}

	var single models.Batch
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("failed to parse batch file: %w", err)
	}
	return []*models.Batch{&single}, nil
}
