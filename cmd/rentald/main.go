package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/rentalrewards/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagConfigFile          = "config"
	flagDatabaseURL         = "database-url"
	flagLedgerBackend       = "ledger-backend"
	flagHTTPListenAddr      = "http-listen-addr"
	flagGRPCListenAddr      = "grpc-listen-addr"
	flagAllowedOrigins      = "allowed-origins"
	flagSessionSigningKey   = "session-signing-key"
	flagSessionIssuer       = "session-issuer"
	flagSessionCookieName   = "session-cookie-name"
	flagAdminRole           = "admin-role"
	flagAdminTokenKey       = "admin-token-signing-key"
	flagAdminTokenIssuer    = "admin-token-issuer"
	flagReconcileSchedule   = "reconcile-schedule"
	flagAuditSchedule       = "audit-schedule"
	flagReconcileBatchSize  = "reconcile-batch-size"
	flagCoverageRates       = "coverage-rates"
	flagShutdownGracePeriod = "shutdown-grace-period"
	flagLogLevel            = "log-level"
)

var flagKeys = map[string]string{
	flagDatabaseURL:         config.KeyDatabaseURL,
	flagLedgerBackend:       config.KeyLedgerBackend,
	flagHTTPListenAddr:      config.KeyHTTPListenAddr,
	flagGRPCListenAddr:      config.KeyGRPCListenAddr,
	flagAllowedOrigins:      config.KeyAllowedOrigins,
	flagSessionSigningKey:   config.KeySessionSigningKey,
	flagSessionIssuer:       config.KeySessionIssuer,
	flagSessionCookieName:   config.KeySessionCookieName,
	flagAdminRole:           config.KeyAdminRole,
	flagAdminTokenKey:       config.KeyAdminTokenKey,
	flagAdminTokenIssuer:    config.KeyAdminTokenIssuer,
	flagReconcileSchedule:   config.KeyReconcileSchedule,
	flagAuditSchedule:       config.KeyAuditSchedule,
	flagReconcileBatchSize:  config.KeyReconcileBatchSize,
	flagCoverageRates:       config.KeyCoverageRates,
	flagShutdownGracePeriod: config.KeyShutdownGracePeriod,
	flagLogLevel:            config.KeyLogLevel,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rentald: %v\n", err)
		os.Exit(1)
	}
}

type cliState struct {
	cfg    config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	state := &cliState{}
	cmd := &cobra.Command{
		Use:           "rentald",
		Short:         "Rental pricing and loyalty rewards service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			state.cfg = cfg
			state.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if state.logger != nil {
				_ = state.logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfigFile, "", "optional YAML config file")
	flags.String(flagDatabaseURL, "", "postgres:// URL or sqlite:// path (default sqlite://rentalrewards.db)")
	flags.String(flagLedgerBackend, "", "ledger store: gorm or pgx (default gorm)")
	flags.String(flagHTTPListenAddr, "", "HTTP listen address (default :8080)")
	flags.String(flagGRPCListenAddr, "", "admin gRPC listen address (default :7000)")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagSessionSigningKey, "", "TAuth session signing key (required)")
	flags.String(flagSessionIssuer, "", "expected session issuer (default tauth)")
	flags.String(flagSessionCookieName, "", "session cookie name (default app_session)")
	flags.String(flagAdminRole, "", "role required for admin access (default admin)")
	flags.String(flagAdminTokenKey, "", "admin bearer token signing key (required)")
	flags.String(flagAdminTokenIssuer, "", "admin bearer token issuer")
	flags.String(flagReconcileSchedule, "", "cron schedule with seconds for the pending points sweep")
	flags.String(flagAuditSchedule, "", "cron schedule with seconds for the ledger audit")
	flags.Int(flagReconcileBatchSize, 0, "reservations per pending points sweep")
	flags.StringToInt64(flagCoverageRates, nil, "optional coverages as name=daily_rate pairs, e.g. theft=500")
	flags.Duration(flagShutdownGracePeriod, 0, "graceful shutdown timeout (default 10s)")
	flags.String(flagLogLevel, "", "info or debug")

	cmd.AddCommand(
		newServeCommand(state),
		newMigrateCommand(state),
		newQuoteCommand(state),
		newReconcileCommand(state),
		newAuditCommand(state),
		newVehicleCommand(state),
		newAdminTokenCommand(state),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for flagName, key := range flagKeys {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flagName)); err != nil {
			return config.Config{}, err
		}
	}
	configFile, err := cmd.Flags().GetString(flagConfigFile)
	if err != nil {
		return config.Config{}, err
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return config.Load(v)
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
