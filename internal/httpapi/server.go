package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/aicredits/internal/config"
	"github.com/MarkoPoloResearchLab/aicredits/internal/lowbalance"
	"github.com/MarkoPoloResearchLab/aicredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey       = "auth_claims"
	organizationRolePrefix = "org:"
	shutdownTimeout        = 5 * time.Second
)

// ErrOrganizationForbidden reports a session acting for an organization it does not belong to.
var ErrOrganizationForbidden = errors.New("organization is not accessible to this session")

// Ledger is the credit service surface exposed over HTTP.
type Ledger interface {
	CheckBalance(ctx context.Context, organizationID credits.OrganizationID, estimatedCost credits.Credits) (credits.CreditBalanceCheck, error)
	ReserveCredits(ctx context.Context, params credits.ReserveCreditParams) (credits.CreditReservation, error)
	SettleCredits(ctx context.Context, params credits.SettleCreditParams) (credits.CreditSettlement, error)
	ReleaseCredits(ctx context.Context, params credits.ReleaseCreditParams) (credits.CreditRelease, error)
	GetReservation(ctx context.Context, reservationID credits.ReservationID) (credits.Reservation, error)
	ListTransactions(ctx context.Context, organizationID credits.OrganizationID, filter credits.TransactionFilter) ([]credits.Transaction, error)
	GrantCredits(ctx context.Context, params credits.GrantParams) (credits.Transaction, error)
	OpenAccount(ctx context.Context, params credits.OpenAccountParams) (credits.Balance, error)
}

// LowBalanceNotifier is told about balance drops after settlements and top-ups after grants.
type LowBalanceNotifier interface {
	CheckAndNotify(ctx context.Context, organizationID credits.OrganizationID) (lowbalance.NotificationResult, error)
	Reset(ctx context.Context, organizationID credits.OrganizationID) error
}

// OrganizationAuthorizer decides whether a session may act for an organization.
type OrganizationAuthorizer interface {
	AuthorizeOrganization(ctx context.Context, claims *sessionvalidator.Claims, organizationID credits.OrganizationID) error
}

// RoleAuthorizer admits sessions carrying an "org:<organizationId>" role.
type RoleAuthorizer struct{}

func (RoleAuthorizer) AuthorizeOrganization(_ context.Context, claims *sessionvalidator.Claims, organizationID credits.OrganizationID) error {
	expected := organizationRolePrefix + organizationID.String()
	for _, role := range claims.GetUserRoles() {
		if role == expected {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOrganizationForbidden, organizationID)
}

// JobRunner executes one scheduler job on demand.
type JobRunner interface {
	RunJob(ctx context.Context, job scheduler.Job) (scheduler.JobResult, error)
}

// Dependencies are the collaborators the HTTP surface needs. Notifier, Jobs and Gatherer are optional;
// Authorizer defaults to RoleAuthorizer.
type Dependencies struct {
	Logger     *zap.Logger
	Ledger     Ledger
	Authorizer OrganizationAuthorizer
	Notifier   LowBalanceNotifier
	Jobs       JobRunner
	ExpiryJob  scheduler.Job
	ResetJob   scheduler.Job
	Gatherer   prometheus.Gatherer
}

// Server is the HTTP facade over the credit ledger.
type Server struct {
	handler *httpHandler
	router  *gin.Engine
}

// NewServer validates the dependencies and builds the router.
func NewServer(cfg config.Config, deps Dependencies) (*Server, error) {
	if deps.Ledger == nil {
		return nil, errors.New("httpapi: ledger dependency is nil")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := newHTTPHandler(cfg, deps)
	return &Server{
		handler: handler,
		router:  setupRouter(cfg, handler, sessionValidator, deps.Gatherer),
	}, nil
}

// Handler exposes the router, mainly for tests and embedding.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then drains in-flight requests and background notifications.
func (server *Server) Run(ctx context.Context) error {
	logger := server.handler.logger
	httpServer := &http.Server{
		Addr:    server.handler.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditd listening", zap.String("addr", server.handler.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		server.handler.background.Wait()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg config.Config, handler *httpHandler, sessionValidator *sessionvalidator.Validator, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	api.Use(sessionValidator.GinMiddleware(claimsContextKey))

	api.GET("/organizations/:organizationId/balance", handler.handleBalance)
	api.POST("/organizations/:organizationId/reservations", handler.handleReserve)
	api.GET("/organizations/:organizationId/transactions", handler.handleTransactions)
	api.GET("/reservations/:reservationId", handler.handleGetReservation)
	api.POST("/reservations/:reservationId/settle", handler.handleSettle)
	api.POST("/reservations/:reservationId/release", handler.handleRelease)

	// Account provisioning, grants and jobs are operator actions behind the service token.
	if cfg.JobToken != "" {
		internal := router.Group("/internal")
		internal.Use(requireJobToken(cfg.JobToken))
		internal.POST("/organizations/:organizationId/accounts", handler.handleOpenAccount)
		internal.POST("/organizations/:organizationId/grants", handler.handleGrant)
		if handler.jobs != nil {
			internal.POST("/jobs/expire-reservations", handler.handleJob(handler.expiryJob))
			internal.POST("/jobs/reset-periods", handler.handleJob(handler.resetJob))
		}
	}

	return router
}

type httpHandler struct {
	logger     *zap.Logger
	ledger     Ledger
	authorizer OrganizationAuthorizer
	notifier   LowBalanceNotifier
	jobs       JobRunner
	expiryJob  scheduler.Job
	resetJob   scheduler.Job
	validate   *validator.Validate
	cfg        config.Config
	background sync.WaitGroup
}

func newHTTPHandler(cfg config.Config, deps Dependencies) *httpHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	authorizer := deps.Authorizer
	if authorizer == nil {
		authorizer = RoleAuthorizer{}
	}
	return &httpHandler{
		logger:     logger,
		ledger:     deps.Ledger,
		authorizer: authorizer,
		notifier:   deps.Notifier,
		jobs:       deps.Jobs,
		expiryJob:  deps.ExpiryJob,
		resetJob:   deps.ResetJob,
		validate:   newRequestValidator(),
		cfg:        cfg,
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
