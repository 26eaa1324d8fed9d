// Package config loads and validates runtime settings for rentald.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys shared by flags, environment variables and the config file.
const (
	KeyDatabaseURL         = "database_url"
	KeyLedgerBackend       = "ledger_backend"
	KeyHTTPListenAddr      = "http_listen_addr"
	KeyGRPCListenAddr      = "grpc_listen_addr"
	KeyAllowedOrigins      = "allowed_origins"
	KeySessionSigningKey   = "session_signing_key"
	KeySessionIssuer       = "session_issuer"
	KeySessionCookieName   = "session_cookie_name"
	KeyAdminRole           = "admin_role"
	KeyAdminTokenKey       = "admin_token_signing_key"
	KeyAdminTokenIssuer    = "admin_token_issuer"
	KeyReconcileSchedule   = "reconcile_schedule"
	KeyAuditSchedule       = "audit_schedule"
	KeyReconcileBatchSize  = "reconcile_batch_size"
	KeyCoverageRates       = "coverage_rates"
	KeyShutdownGracePeriod = "shutdown_grace_period"
	KeyLogLevel            = "log_level"

	EnvPrefix = "RENTALREWARDS"

	defaultDatabaseURL        = "sqlite://rentalrewards.db"
	defaultHTTPListenAddr     = ":8080"
	defaultGRPCListenAddr     = ":7000"
	defaultAllowedOrigin      = "http://localhost:8000"
	defaultSessionIssuer      = "tauth"
	defaultSessionCookie      = "app_session"
	defaultAdminRole          = "admin"
	defaultAdminTokenIssuer   = "rentalrewards-admin"
	defaultReconcileSchedule  = "0 */5 * * * *"
	defaultAuditSchedule      = "0 30 3 * * *"
	defaultReconcileBatchSize = 100
	defaultShutdownGrace      = 10 * time.Second
	defaultLogLevel           = "info"
)

// LedgerBackend selects the loyalty.Store implementation.
type LedgerBackend string

const (
	LedgerBackendGORM LedgerBackend = "gorm"
	LedgerBackendPGX  LedgerBackend = "pgx"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings.
type Config struct {
	DatabaseURL          string
	LedgerBackend        LedgerBackend
	HTTPListenAddr       string
	GRPCListenAddr       string
	AllowedOrigins       []string
	SessionSigningKey    string
	SessionIssuer        string
	SessionCookieName    string
	AdminRole            string
	AdminTokenSigningKey string
	AdminTokenIssuer     string
	ReconcileSchedule    string
	AuditSchedule        string
	ReconcileBatchSize   int
	CoverageRates        map[string]pricing.Yen
	ShutdownGracePeriod  time.Duration
	LogLevel             string
}

// Load reads every key from v and validates the result.
func Load(v *viper.Viper) (Config, error) {
	coverageRates, err := ParseCoverageRates(v.Get(KeyCoverageRates))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		DatabaseURL:          v.GetString(KeyDatabaseURL),
		LedgerBackend:        LedgerBackend(strings.ToLower(strings.TrimSpace(v.GetString(KeyLedgerBackend)))),
		HTTPListenAddr:       v.GetString(KeyHTTPListenAddr),
		GRPCListenAddr:       v.GetString(KeyGRPCListenAddr),
		AllowedOrigins:       ParseAllowedOrigins(v.GetString(KeyAllowedOrigins)),
		SessionSigningKey:    v.GetString(KeySessionSigningKey),
		SessionIssuer:        v.GetString(KeySessionIssuer),
		SessionCookieName:    v.GetString(KeySessionCookieName),
		AdminRole:            v.GetString(KeyAdminRole),
		AdminTokenSigningKey: v.GetString(KeyAdminTokenKey),
		AdminTokenIssuer:     v.GetString(KeyAdminTokenIssuer),
		ReconcileSchedule:    v.GetString(KeyReconcileSchedule),
		AuditSchedule:        v.GetString(KeyAuditSchedule),
		ReconcileBatchSize:   v.GetInt(KeyReconcileBatchSize),
		CoverageRates:        coverageRates,
		ShutdownGracePeriod:  v.GetDuration(KeyShutdownGracePeriod),
		LogLevel:             v.GetString(KeyLogLevel),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fills defaults and rejects unusable values.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	if cfg.LedgerBackend == "" {
		cfg.LedgerBackend = LedgerBackendGORM
	}
	cfg.HTTPListenAddr = defaultIfEmpty(cfg.HTTPListenAddr, defaultHTTPListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.AdminRole = defaultIfEmpty(cfg.AdminRole, defaultAdminRole)
	cfg.AdminTokenIssuer = defaultIfEmpty(cfg.AdminTokenIssuer, defaultAdminTokenIssuer)
	cfg.ReconcileSchedule = defaultIfEmpty(cfg.ReconcileSchedule, defaultReconcileSchedule)
	cfg.AuditSchedule = defaultIfEmpty(cfg.AuditSchedule, defaultAuditSchedule)
	if cfg.ReconcileBatchSize <= 0 {
		cfg.ReconcileBatchSize = defaultReconcileBatchSize
	}
	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = defaultShutdownGrace
	}
	cfg.LogLevel = defaultIfEmpty(cfg.LogLevel, defaultLogLevel)

	switch cfg.LedgerBackend {
	case LedgerBackendGORM:
	case LedgerBackendPGX:
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return fmt.Errorf("%w: ledger backend pgx requires a postgres database url", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown ledger backend %q", ErrInvalidConfig, cfg.LedgerBackend)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: session signing key is required", ErrInvalidConfig)
	}
	if len(cfg.AdminTokenSigningKey) == 0 {
		return fmt.Errorf("%w: admin token signing key is required", ErrInvalidConfig)
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" {
		return fmt.Errorf("%w: log level must be debug or info", ErrInvalidConfig)
	}
	return nil
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

// ParseCoverageRates decodes the coverage_rates setting. A config file supplies a map of
// name to daily rate; flags and RENTALREWARDS_COVERAGE_RATES supply "theft=500,roadside=300".
func ParseCoverageRates(raw any) (map[string]pricing.Yen, error) {
	switch value := raw.(type) {
	case nil:
		return map[string]pricing.Yen{}, nil
	case string:
		return parseCoverageRatePairs(value)
	case map[string]int64:
		rates := make(map[string]pricing.Yen, len(value))
		for name, rate := range value {
			rates[strings.TrimSpace(name)] = pricing.Yen(rate)
		}
		return rates, nil
	default:
		entries, err := cast.ToStringMapE(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, KeyCoverageRates, err)
		}
		rates := make(map[string]pricing.Yen, len(entries))
		for name, entry := range entries {
			rate, err := cast.ToInt64E(entry)
			if err != nil {
				return nil, fmt.Errorf("%w: coverage %q rate: %v", ErrInvalidConfig, name, err)
			}
			rates[strings.TrimSpace(name)] = pricing.Yen(rate)
		}
		return rates, nil
	}
}

// parseCoverageRatePairs accepts the pflag StringToInt64 form, with or without the
// brackets the flag's String method adds.
func parseCoverageRatePairs(raw string) (map[string]pricing.Yen, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(raw), "["), "]")
	if strings.TrimSpace(trimmed) == "" {
		return map[string]pricing.Yen{}, nil
	}
	var parsed map[string]int64
	flagSet := pflag.NewFlagSet(KeyCoverageRates, pflag.ContinueOnError)
	flagSet.StringToInt64Var(&parsed, KeyCoverageRates, nil, "")
	if err := flagSet.Set(KeyCoverageRates, trimmed); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, KeyCoverageRates, err)
	}
	return ParseCoverageRates(parsed)
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
