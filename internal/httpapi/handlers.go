package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/aicredits/internal/scheduler"
	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	bearerPrefix        = "Bearer "
	queryEstimated      = "estimated_credits"
	queryType           = "type"
	queryBefore         = "before"
	queryBeforeID       = "before_id"
	queryLimit          = "limit"
	paramOrganizationID = "organizationId"
	paramReservationID  = "reservationId"
)

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	organizationID, ok := handler.sessionOrganization(ctx)
	if !ok {
		return
	}
	estimated := credits.Credits(0)
	if raw := strings.TrimSpace(ctx.Query(queryEstimated)); raw != "" {
		parsed, err := credits.ParseCredits(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "estimated_credits must be a number"))
			return
		}
		estimated = parsed
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	check, err := handler.ledger.CheckBalance(requestCtx, organizationID, estimated)
	if err != nil {
		handler.respondError(ctx, "check_balance", err)
		return
	}
	ctx.JSON(http.StatusOK, newBalanceCheckResponse(check))
}

func (handler *httpHandler) handleOpenAccount(ctx *gin.Context) {
	organizationID, ok := handler.organizationParam(ctx)
	if !ok {
		return
	}
	var request openAccountRequest
	if !handler.bindRequest(ctx, &request) {
		return
	}
	periodStart := time.Now().UTC()
	if request.PeriodStart != nil {
		periodStart = request.PeriodStart.UTC()
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.ledger.OpenAccount(requestCtx, credits.OpenAccountParams{
		OrganizationID: organizationID,
		MonthlyCredits: request.MonthlyCredits,
		OverdraftLimit: request.OverdraftLimit,
		PeriodStart:    periodStart,
	})
	if err != nil {
		handler.respondError(ctx, "open_account", err)
		return
	}
	ctx.JSON(http.StatusCreated, newBalancePayload(balance))
}

func (handler *httpHandler) handleReserve(ctx *gin.Context) {
	organizationID, ok := handler.sessionOrganization(ctx)
	if !ok {
		return
	}
	claims := getClaims(ctx)
	var request reserveRequest
	if !handler.bindRequest(ctx, &request) {
		return
	}
	idempotencyKey, err := credits.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse(codeValidation, err.Error()))
		return
	}
	audit := credits.AuditSnapshot{}
	if request.Audit != nil {
		audit = *request.Audit
	}
	if audit.UserID == "" {
		audit.UserID = claims.GetUserID()
	}
	if audit.UserEmail == "" {
		audit.UserEmail = claims.GetUserEmail()
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.ledger.ReserveCredits(requestCtx, credits.ReserveCreditParams{
		OrganizationID:   organizationID,
		EstimatedCredits: request.EstimatedCredits,
		AICapabilityID:   request.AICapabilityID,
		QualityLevelID:   request.QualityLevelID,
		IdempotencyKey:   idempotencyKey,
		ExpiresIn:        time.Duration(request.ExpiresInSeconds) * time.Second,
		Audit:            audit,
	})
	if err != nil {
		handler.respondError(ctx, "reserve", err)
		return
	}
	status := http.StatusCreated
	if reservation.Replayed {
		status = http.StatusOK
	}
	ctx.JSON(status, newReservationResponse(reservation))
}

func (handler *httpHandler) handleGetReservation(ctx *gin.Context) {
	if getClaims(ctx) == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return
	}
	reservationID, ok := handler.reservationParam(ctx)
	if !ok {
		return
	}
	reservation, ok := handler.sessionReservation(ctx, reservationID)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, newReservationPayload(reservation))
}

func (handler *httpHandler) handleSettle(ctx *gin.Context) {
	if getClaims(ctx) == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return
	}
	reservationID, ok := handler.reservationParam(ctx)
	if !ok {
		return
	}
	var request settleRequest
	if !handler.bindRequest(ctx, &request) {
		return
	}
	if _, ok := handler.sessionReservation(ctx, reservationID); !ok {
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	settlement, err := handler.ledger.SettleCredits(requestCtx, credits.SettleCreditParams{
		ReservationID:    reservationID,
		ActualCredits:    *request.ActualCredits,
		ProviderMetadata: request.ProviderMetadata,
		Description:      request.Description,
	})
	if err != nil {
		handler.respondError(ctx, "settle", err)
		return
	}
	handler.notifyLowBalance(settlement.OrganizationID)
	ctx.JSON(http.StatusOK, newSettlementResponse(settlement))
}

func (handler *httpHandler) handleRelease(ctx *gin.Context) {
	if getClaims(ctx) == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return
	}
	reservationID, ok := handler.reservationParam(ctx)
	if !ok {
		return
	}
	var request releaseRequest
	if !handler.bindRequest(ctx, &request) {
		return
	}
	if _, ok := handler.sessionReservation(ctx, reservationID); !ok {
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	release, err := handler.ledger.ReleaseCredits(requestCtx, credits.ReleaseCreditParams{
		ReservationID: reservationID,
		Reason:        request.Reason,
	})
	if err != nil {
		handler.respondError(ctx, "release", err)
		return
	}
	ctx.JSON(http.StatusOK, newReleaseResponse(release))
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	organizationID, ok := handler.sessionOrganization(ctx)
	if !ok {
		return
	}
	filter := credits.TransactionFilter{Type: credits.TransactionType(strings.TrimSpace(ctx.Query(queryType)))}
	if raw := strings.TrimSpace(ctx.Query(queryBefore)); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "before must be an RFC3339 timestamp"))
			return
		}
		filter.Before = before
		filter.BeforeID = strings.TrimSpace(ctx.Query(queryBeforeID))
	}
	if raw := strings.TrimSpace(ctx.Query(queryLimit)); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "limit must be an integer"))
			return
		}
		filter.Limit = limit
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.ledger.ListTransactions(requestCtx, organizationID, filter)
	if err != nil {
		handler.respondError(ctx, "list_transactions", err)
		return
	}
	ctx.JSON(http.StatusOK, newTransactionsResponse(transactions))
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	organizationID, ok := handler.organizationParam(ctx)
	if !ok {
		return
	}
	var request grantRequest
	if !handler.bindRequest(ctx, &request) {
		return
	}
	idempotencyKey, err := credits.NewIdempotencyKey(request.IdempotencyKey)
	if err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse(codeValidation, err.Error()))
		return
	}

	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transaction, err := handler.ledger.GrantCredits(requestCtx, credits.GrantParams{
		OrganizationID: organizationID,
		Credits:        request.Credits,
		Type:           credits.TransactionType(request.Type),
		IdempotencyKey: idempotencyKey,
		Description:    request.Description,
	})
	if err != nil {
		handler.respondError(ctx, "grant", err)
		return
	}
	if handler.notifier != nil && transaction.CreditsAmount > 0 {
		if resetErr := handler.notifier.Reset(requestCtx, organizationID); resetErr != nil {
			handler.logger.Warn("low balance reset failed", zap.String("organization_id", organizationID.String()), zap.Error(resetErr))
		}
	}
	ctx.JSON(http.StatusCreated, newTransactionPayload(transaction))
}

func (handler *httpHandler) handleJob(job scheduler.Job) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		result, err := handler.jobs.RunJob(ctx.Request.Context(), job)
		response := jobResponse{
			Job:       job.Name,
			Processed: result.Processed,
			Skipped:   result.Skipped,
			Failed:    result.Failed,
		}
		if err != nil {
			handler.logger.Error("job request failed", zap.String("job", job.Name), zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, gin.H{
				"result": response,
				"error":  errorResponse(codeJobFailed, err.Error())["error"],
			})
			return
		}
		ctx.JSON(http.StatusOK, response)
	}
}

func requireJobToken(token string) gin.HandlerFunc {
	expected := []byte(bearerPrefix + token)
	return func(ctx *gin.Context) {
		provided := []byte(ctx.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(provided, expected) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "invalid job token"))
			return
		}
		ctx.Next()
	}
}

// notifyLowBalance runs the low-balance check off the request path.
func (handler *httpHandler) notifyLowBalance(organizationID credits.OrganizationID) {
	if handler.notifier == nil {
		return
	}
	handler.background.Add(1)
	go func() {
		defer handler.background.Done()
		notifyCtx, cancel := context.WithTimeout(context.Background(), handler.cfg.RequestTimeout)
		defer cancel()
		result, err := handler.notifier.CheckAndNotify(notifyCtx, organizationID)
		if err != nil {
			handler.logger.Warn("low balance check failed", zap.String("organization_id", organizationID.String()), zap.Error(err))
			return
		}
		if result.Sent {
			handler.logger.Debug("low balance notification sent", zap.String("organization_id", organizationID.String()))
		}
	}()
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) bindRequest(ctx *gin.Context, request any) bool {
	if err := ctx.ShouldBindJSON(request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, "expected JSON body"))
		return false
	}
	if err := handler.validate.Struct(request); err != nil {
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse(codeValidation, validationMessage(err)))
		return false
	}
	return true
}

func (handler *httpHandler) organizationParam(ctx *gin.Context) (credits.OrganizationID, bool) {
	organizationID, err := credits.NewOrganizationID(ctx.Param(paramOrganizationID))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, err.Error()))
		return credits.OrganizationID{}, false
	}
	return organizationID, true
}

// sessionOrganization resolves the path organization and checks the session may act for it.
func (handler *httpHandler) sessionOrganization(ctx *gin.Context) (credits.OrganizationID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(codeUnauthorized, "missing session"))
		return credits.OrganizationID{}, false
	}
	organizationID, ok := handler.organizationParam(ctx)
	if !ok {
		return credits.OrganizationID{}, false
	}
	if err := handler.authorizer.AuthorizeOrganization(ctx.Request.Context(), claims, organizationID); err != nil {
		handler.respondError(ctx, "authorize", err)
		return credits.OrganizationID{}, false
	}
	return organizationID, true
}

// sessionReservation loads a reservation and checks the session may act for its organization.
func (handler *httpHandler) sessionReservation(ctx *gin.Context, reservationID credits.ReservationID) (credits.Reservation, bool) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	reservation, err := handler.ledger.GetReservation(requestCtx, reservationID)
	if err != nil {
		handler.respondError(ctx, "get_reservation", err)
		return credits.Reservation{}, false
	}
	if err := handler.authorizer.AuthorizeOrganization(requestCtx, getClaims(ctx), reservation.OrganizationID); err != nil {
		handler.respondError(ctx, "authorize", err)
		return credits.Reservation{}, false
	}
	return reservation, true
}

func (handler *httpHandler) reservationParam(ctx *gin.Context) (credits.ReservationID, bool) {
	reservationID, err := credits.NewReservationID(ctx.Param(paramReservationID))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(codeInvalidPayload, err.Error()))
		return credits.ReservationID{}, false
	}
	return reservationID, true
}
