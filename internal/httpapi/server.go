// Package httpapi exposes quotes, reservations, registration and points over HTTP behind tauth sessions.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/eligibility"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/loyalty"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/member"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/pricing"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/registration"
	"github.com/MarkoPoloResearchLab/rentalrewards/pkg/reservation"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey      = "auth_claims"
	defaultRequestTimeout = 5 * time.Second
)

// ErrInvalidServerConfig is returned when a dependency or setting is missing.
var ErrInvalidServerConfig = errors.New("invalid http server config")

// Config holds the HTTP surface settings.
type Config struct {
	ListenAddr          string
	AllowedOrigins      []string
	SessionSigningKey   string
	SessionIssuer       string
	SessionCookieName   string
	AdminRole           string
	RequestTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

// Reservations is the reservation workflow used by the handlers.
type Reservations interface {
	Quote(ctx context.Context, request reservation.QuoteRequest) (pricing.PriceBreakdown, error)
	CheckEligibility(ctx context.Context, memberID member.ID) (eligibility.Decision, error)
	ConfirmReservation(ctx context.Context, request reservation.Request) (reservation.Reservation, error)
	CorrectReservation(ctx context.Context, originalID string, request reservation.Request, reason string) (reservation.Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (reservation.Reservation, error)
}

// Registrar registers members and applies operator decisions to them.
type Registrar interface {
	RegisterMember(ctx context.Context, data registration.Data, inviteCode string) (registration.Outcome, error)
	ReviewLicense(ctx context.Context, memberID member.ID, status member.VerificationStatus) (member.Member, error)
	SetMembership(ctx context.Context, memberID member.ID, membership member.MembershipType) (member.Member, error)
}

// Ledger is the read side of the points ledger.
type Ledger interface {
	Balance(ctx context.Context, memberID member.ID) (loyalty.Balance, error)
	ListTransactions(ctx context.Context, memberID member.ID, cursor loyalty.Cursor, limit int) ([]loyalty.Transaction, error)
	Audit(ctx context.Context, memberID member.ID) (loyalty.Audit, error)
}

// Dependencies bundles the services behind the routes.
type Dependencies struct {
	Reservations Reservations
	Registrar    Registrar
	Ledger       Ledger
	Logger       *zap.Logger
}

// Server serves the HTTP API.
type Server struct {
	cfg    Config
	router *gin.Engine
	logger *zap.Logger
}

// NewServer validates the session settings and builds the router.
func NewServer(cfg Config, dependencies Dependencies) (*Server, error) {
	if dependencies.Reservations == nil || dependencies.Registrar == nil || dependencies.Ledger == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidServerConfig)
	}
	if cfg.AdminRole == "" {
		return nil, fmt.Errorf("%w: admin role is required", ErrInvalidServerConfig)
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:       logger,
		reservations: dependencies.Reservations,
		registrar:    dependencies.Registrar,
		ledger:       dependencies.Ledger,
		cfg:          cfg,
	}
	return &Server{cfg: cfg, router: setupRouter(cfg, handler, validator), logger: logger}, nil
}

// Handler returns the router.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run listens until ctx is cancelled, then shuts down within the grace period.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		grace := server.cfg.ShutdownGracePeriod
		if grace <= 0 {
			grace = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("http shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/quotes", handler.handleQuote)
	api.POST("/members", handler.handleRegister)
	api.GET("/me/eligibility", handler.handleEligibility)
	api.GET("/me/points", handler.handlePoints)
	api.POST("/reservations", handler.handleConfirm)
	api.GET("/reservations/:id", handler.handleGetReservation)
	api.POST("/reservations/:id/corrections", handler.handleCorrect)

	admin := api.Group("/admin")
	admin.Use(requireRole(cfg.AdminRole))
	admin.GET("/members/:id/balance", handler.handleAdminBalance)
	admin.GET("/members/:id/transactions", handler.handleAdminTransactions)
	admin.GET("/members/:id/audit", handler.handleAdminAudit)
	admin.POST("/members/:id/license", handler.handleAdminLicenseReview)
	admin.PUT("/members/:id/membership", handler.handleAdminMembership)

	return router
}

func requireRole(role string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		for _, granted := range claims.GetUserRoles() {
			if granted == role {
				ctx.Next()
				return
			}
		}
		ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
