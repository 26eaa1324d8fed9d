package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/rentalrewards/internal/database"
	"github.com/MarkoPoloResearchLab/rentalrewards/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/rentalrewards/internal/httpapi"
	"github.com/MarkoPoloResearchLab/rentalrewards/internal/jobs"
	"github.com/MarkoPoloResearchLab/rentalrewards/internal/scheduler"
	"github.com/MarkoPoloResearchLab/rentalrewards/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/reservation"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errAuditMismatch = errors.New("ledger audit found mismatches")

func newServeCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the admin gRPC service and the scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, state)
		},
	}
}

func runServe(ctx context.Context, state *cliState) error {
	cfg, logger := state.cfg, state.logger
	app, err := openApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	httpServer, err := httpapi.NewServer(httpapi.Config{
		ListenAddr:          cfg.HTTPListenAddr,
		AllowedOrigins:      cfg.AllowedOrigins,
		SessionSigningKey:   cfg.SessionSigningKey,
		SessionIssuer:       cfg.SessionIssuer,
		SessionCookieName:   cfg.SessionCookieName,
		AdminRole:           cfg.AdminRole,
		ShutdownGracePeriod: cfg.ShutdownGracePeriod,
	}, httpapi.Dependencies{
		Reservations: app.orchestrator,
		Registrar:    app.registrar,
		Ledger:       app.ledger,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	authority, err := grpcserver.NewTokenAuthority(cfg.AdminTokenSigningKey, cfg.AdminTokenIssuer, cfg.AdminRole)
	if err != nil {
		return err
	}
	admin, err := grpcserver.NewAdminServer(app.ledger, app.orchestrator)
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpcserver.NewServer(admin, authority, logger)

	jobScheduler, err := scheduler.New([]scheduler.Entry{
		{Name: jobs.JobRecordPendingPoints, Schedule: cfg.ReconcileSchedule, Job: app.runner.RecordPendingPointsJob()},
		{Name: jobs.JobAuditLedgers, Schedule: cfg.AuditSchedule, Job: app.runner.AuditLedgersJob()},
	}, logger)
	if err != nil {
		_ = listener.Close()
		return err
	}
	jobScheduler.Start()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpServer.Run(groupCtx)
	})
	group.Go(func() error {
		return grpcserver.Serve(groupCtx, grpcServer, listener, cfg.ShutdownGracePeriod, logger)
	})
	serveErr := group.Wait()

	app.runner.Stop()
	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := jobScheduler.Stop(stopCtx); err != nil {
		logger.Warn("scheduler stop timed out", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return serveErr
}

func newMigrateCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			connection, err := database.Open(cmd.Context(), state.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer connection.Close()
			if err := gormstore.Migrate(connection.DB); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			state.logger.Info("schema migrated", zap.String("driver", string(connection.Driver)))
			return nil
		},
	}
}

func newQuoteCommand(state *cliState) *cobra.Command {
	var request reservation.QuoteRequest
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Price a rental and print the itemized breakdown as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context(), state.cfg, state.logger)
			if err != nil {
				return err
			}
			defer app.Close()
			breakdown, err := app.orchestrator.Quote(cmd.Context(), request)
			if err != nil {
				return err
			}
			return printJSON(cmd, breakdown)
		},
	}
	cmd.Flags().StringVar(&request.VehicleID, "vehicle", "", "vehicle id")
	cmd.Flags().StringVar(&request.StartDate, "start", "", "first rental day, YYYY-MM-DD")
	cmd.Flags().StringVar(&request.EndDate, "end", "", "last rental day, YYYY-MM-DD")
	cmd.Flags().StringVar(&request.Plan, "plan", "daily", "daily, weekly or monthly")
	cmd.Flags().StringSliceVar(&request.Coverages, "coverage", nil, "coverage names beyond basic, e.g. vehicle")
	return cmd
}

func newReconcileCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Record points for confirmed reservations whose earn is missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context(), state.cfg, state.logger)
			if err != nil {
				return err
			}
			defer app.Close()
			recorded, err := app.runner.RecordPendingPoints(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "recorded %d pending earns\n", recorded)
			return err
		},
	}
}

func newAuditCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Compare every cached balance with its ledger sum",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(cmd.Context(), state.cfg, state.logger)
			if err != nil {
				return err
			}
			defer app.Close()
			report, err := app.runner.AuditLedgers(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d members, %d mismatches\n", report.Checked, len(report.Mismatches))
			if len(report.Mismatches) > 0 {
				return errAuditMismatch
			}
			return nil
		},
	}
}

func newVehicleCommand(state *cliState) *cobra.Command {
	var vehicle pricing.Vehicle
	var category string
	var dailyRate, insuranceRate int64
	cmd := &cobra.Command{
		Use:   "vehicle",
		Short: "Add or update a vehicle in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedCategory, err := pricing.ParseVehicleCategory(category)
			if err != nil {
				return err
			}
			vehicle.Category = parsedCategory
			vehicle.DailyRate = pricing.Yen(dailyRate)
			vehicle.InsuranceDailyRate = pricing.Yen(insuranceRate)
			if err := vehicle.Validate(); err != nil {
				return err
			}
			app, err := openApplication(cmd.Context(), state.cfg, state.logger)
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.store.UpsertVehicle(cmd.Context(), vehicle); err != nil {
				return err
			}
			return printJSON(cmd, vehicle)
		},
	}
	cmd.Flags().StringVar(&vehicle.ID, "id", "", "vehicle id")
	cmd.Flags().StringVar(&vehicle.Name, "name", "", "display name")
	cmd.Flags().StringVar(&category, "category", string(pricing.CategoryCar), "car or motorcycle")
	cmd.Flags().Int64Var(&dailyRate, "daily-rate", 0, "daily rate in yen")
	cmd.Flags().Int64Var(&insuranceRate, "insurance-rate", 0, "vehicle insurance daily rate in yen")
	return cmd
}

func newAdminTokenCommand(state *cliState) *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Issue a bearer token for the admin gRPC service",
		RunE: func(cmd *cobra.Command, args []string) error {
			authority, err := grpcserver.NewTokenAuthority(state.cfg.AdminTokenSigningKey, state.cfg.AdminTokenIssuer, state.cfg.AdminRole)
			if err != nil {
				return err
			}
			token, err := authority.Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
