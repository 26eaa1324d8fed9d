package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/rentalrewards/internal/config"
	"github.com/MarkoPoloResearchLab/rentalrewards/internal/database"
	"github.com/MarkoPoloResearchLab/rentalrewards/internal/jobs"
	"github.com/MarkoPoloResearchLab/rentalrewards/internal/oplog"
	"github.com/MarkoPoloResearchLab/rentalrewards/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/rentalrewards/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/rentalrewards/internal/validation"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/referral"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/registration"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/reservation"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type application struct {
	connection   database.Connection
	pool         *pgxpool.Pool
	store        *gormstore.Store
	ledger       *loyalty.Service
	registrar    *registration.Registrar
	orchestrator *reservation.Orchestrator
	runner       *jobs.Runner
}

// openApplication connects storage, migrates the schema and wires the domain services.
func openApplication(ctx context.Context, cfg config.Config, logger *zap.Logger) (*application, error) {
	connection, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	app := &application{connection: connection}
	if err := gormstore.Migrate(connection.DB); err != nil {
		app.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	app.store = gormstore.New(connection.DB)

	var ledgerStore loyalty.Store = app.store
	if cfg.LedgerBackend == config.LedgerBackendPGX {
		pool, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("pgx pool: %w", err)
		}
		app.pool = pool
		ledgerStore = pgstore.New(pool)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	app.ledger, err = loyalty.NewService(ledgerStore, clock, loyalty.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("loyalty service init: %w", err)
	}
	propagator, err := referral.NewPropagator(app.store, app.ledger, clock, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("referral propagator init: %w", err)
	}
	validate := validation.New()
	app.registrar, err = registration.NewRegistrar(app.store, app.ledger, propagator, validate, clock, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("registrar init: %w", err)
	}
	coverages, err := pricing.NewCoverageCatalog(cfg.CoverageRates)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("coverage catalog: %w", err)
	}
	app.orchestrator, err = reservation.NewOrchestrator(reservation.Dependencies{
		Store:     app.store,
		Members:   app.store,
		Vehicles:  app.store,
		Coverages: coverages,
		Ledger:    app.ledger,
		Validate:  validate,
		Logger:    logger,
	})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("orchestrator init: %w", err)
	}
	app.runner, err = jobs.NewRunner(app.orchestrator, app.store, app.ledger, cfg.ReconcileBatchSize, logger)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("job runner init: %w", err)
	}
	logger.Info("application ready",
		zap.String("driver", string(connection.Driver)),
		zap.String("ledger_backend", string(cfg.LedgerBackend)),
	)
	return app, nil
}

// Close releases the pgx pool and the database connection.
func (app *application) Close() {
	if app.pool != nil {
		app.pool.Close()
	}
	_ = app.connection.Close()
}
