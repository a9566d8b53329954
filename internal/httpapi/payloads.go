package httpapi

import (
	"time"

	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
)

type openAccountRequest struct {
	MonthlyCredits credits.Credits `json:"monthly_credits" validate:"gte=0"`
	OverdraftLimit credits.Credits `json:"overdraft_limit" validate:"gte=0"`
	PeriodStart    *time.Time      `json:"period_start"`
}

type reserveRequest struct {
	EstimatedCredits credits.Credits        `json:"estimated_credits" validate:"gt=0"`
	AICapabilityID   string                 `json:"ai_capability_id" validate:"required,max=128"`
	QualityLevelID   string                 `json:"quality_level_id" validate:"required,max=128"`
	IdempotencyKey   string                 `json:"idempotency_key" validate:"required,max=255"`
	ExpiresInSeconds int64                  `json:"expires_in_seconds" validate:"gte=0,lte=86400"`
	Audit            *credits.AuditSnapshot `json:"audit"`
}

type settleRequest struct {
	ActualCredits    *credits.Credits         `json:"actual_credits" validate:"required,gte=0"`
	ProviderMetadata credits.ProviderMetadata `json:"provider_metadata"`
	Description      string                   `json:"description" validate:"max=500"`
}

type releaseRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

type grantRequest struct {
	Credits        credits.Credits `json:"credits" validate:"ne=0"`
	Type           string          `json:"type" validate:"required,oneof=topup_purchase promo_bonus refund admin_adjustment"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required,max=255"`
	Description    string          `json:"description" validate:"max=500"`
}

type balanceCheckResponse struct {
	OrganizationID   string          `json:"organization_id"`
	CanProceed       bool            `json:"can_proceed"`
	Available        credits.Credits `json:"available"`
	Spendable        credits.Credits `json:"spendable"`
	MonthlyRemaining credits.Credits `json:"monthly_remaining"`
	BonusCredits     credits.Credits `json:"bonus_credits"`
	ReservedCredits  credits.Credits `json:"reserved_credits"`
	MonthlyCredits   credits.Credits `json:"monthly_credits"`
	PeriodEndsAt     time.Time       `json:"period_ends_at"`
	EstimatedCost    credits.Credits `json:"estimated_cost"`
	AfterOperation   credits.Credits `json:"after_operation"`
}

type balancePayload struct {
	OrganizationID  string          `json:"organization_id"`
	MonthlyCredits  credits.Credits `json:"monthly_credits"`
	BonusCredits    credits.Credits `json:"bonus_credits"`
	ReservedCredits credits.Credits `json:"reserved_credits"`
	UsedThisPeriod  credits.Credits `json:"used_this_period"`
	OverdraftLimit  credits.Credits `json:"overdraft_limit"`
	Available       credits.Credits `json:"available"`
	PeriodStart     time.Time       `json:"period_start"`
	PeriodEnd       time.Time       `json:"period_end"`
}

type reservationResponse struct {
	ReservationID   string          `json:"reservation_id"`
	OrganizationID  string          `json:"organization_id"`
	ReservedCredits credits.Credits `json:"reserved_credits"`
	Status          string          `json:"status"`
	ExpiresAt       time.Time       `json:"expires_at"`
	Replayed        bool            `json:"replayed"`
}

type reservationPayload struct {
	ReservationID   string                `json:"reservation_id"`
	OrganizationID  string                `json:"organization_id"`
	AICapabilityID  string                `json:"ai_capability_id"`
	QualityLevelID  string                `json:"quality_level_id"`
	ReservedCredits credits.Credits       `json:"reserved_credits"`
	SettledCredits  credits.Credits       `json:"settled_credits"`
	Status          string                `json:"status"`
	IdempotencyKey  string                `json:"idempotency_key"`
	ExpiresAt       time.Time             `json:"expires_at"`
	ReleaseReason   string                `json:"release_reason,omitempty"`
	Audit           credits.AuditSnapshot `json:"audit"`
	CreatedAt       time.Time             `json:"created_at"`
	FinalizedAt     *time.Time            `json:"finalized_at,omitempty"`
}

type settlementResponse struct {
	TransactionID   string          `json:"transaction_id"`
	ReservationID   string          `json:"reservation_id"`
	OrganizationID  string          `json:"organization_id"`
	ActualCredits   credits.Credits `json:"actual_credits"`
	MonthlyDeducted credits.Credits `json:"monthly_deducted"`
	BonusDeducted   credits.Credits `json:"bonus_deducted"`
	BalanceAfter    credits.Credits `json:"balance_after"`
}

type releaseResponse struct {
	ReservationID      string          `json:"reservation_id"`
	OrganizationID     string          `json:"organization_id"`
	ReleasedCredits    credits.Credits `json:"released_credits"`
	Status             string          `json:"status"`
	WasAlreadyReleased bool            `json:"was_already_released"`
}

type transactionPayload struct {
	TransactionID    string                    `json:"transaction_id"`
	Type             string                    `json:"type"`
	CreditsAmount    credits.Credits           `json:"credits_amount"`
	EstimatedCredits credits.Credits           `json:"estimated_credits"`
	BalanceAfter     credits.Credits           `json:"balance_after"`
	ReservationID    string                    `json:"reservation_id,omitempty"`
	AICapabilityID   string                    `json:"ai_capability_id,omitempty"`
	QualityLevelID   string                    `json:"quality_level_id,omitempty"`
	IdempotencyKey   string                    `json:"idempotency_key,omitempty"`
	ProviderMetadata *credits.ProviderMetadata `json:"provider_metadata,omitempty"`
	Description      string                    `json:"description,omitempty"`
	Audit            credits.AuditSnapshot     `json:"audit"`
	CreatedAt        time.Time                 `json:"created_at"`
}

type transactionsResponse struct {
	Transactions []transactionPayload `json:"transactions"`
	NextBefore   *time.Time           `json:"next_before,omitempty"`
	NextBeforeID string               `json:"next_before_id,omitempty"`
}

type jobResponse struct {
	Job       string `json:"job"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

func newBalanceCheckResponse(check credits.CreditBalanceCheck) balanceCheckResponse {
	return balanceCheckResponse{
		OrganizationID:   check.OrganizationID.String(),
		CanProceed:       check.CanProceed,
		Available:        check.Available,
		Spendable:        check.Spendable,
		MonthlyRemaining: check.MonthlyRemaining,
		BonusCredits:     check.BonusCredits,
		ReservedCredits:  check.ReservedCredits,
		MonthlyCredits:   check.MonthlyCredits,
		PeriodEndsAt:     check.PeriodEndsAt,
		EstimatedCost:    check.EstimatedCost,
		AfterOperation:   check.AfterOperation,
	}
}

func newBalancePayload(balance credits.Balance) balancePayload {
	return balancePayload{
		OrganizationID:  balance.OrganizationID.String(),
		MonthlyCredits:  balance.MonthlyCredits,
		BonusCredits:    balance.BonusCredits,
		ReservedCredits: balance.ReservedCredits,
		UsedThisPeriod:  balance.UsedThisPeriod,
		OverdraftLimit:  balance.OverdraftLimit,
		Available:       balance.Available(),
		PeriodStart:     balance.PeriodStart,
		PeriodEnd:       balance.PeriodEnd,
	}
}

func newReservationResponse(reservation credits.CreditReservation) reservationResponse {
	return reservationResponse{
		ReservationID:   reservation.ReservationID.String(),
		OrganizationID:  reservation.OrganizationID.String(),
		ReservedCredits: reservation.ReservedCredits,
		Status:          string(reservation.Status),
		ExpiresAt:       reservation.ExpiresAt,
		Replayed:        reservation.Replayed,
	}
}

func newReservationPayload(reservation credits.Reservation) reservationPayload {
	payload := reservationPayload{
		ReservationID:   reservation.ID.String(),
		OrganizationID:  reservation.OrganizationID.String(),
		AICapabilityID:  reservation.AICapabilityID,
		QualityLevelID:  reservation.QualityLevelID,
		ReservedCredits: reservation.ReservedCredits,
		SettledCredits:  reservation.SettledCredits,
		Status:          string(reservation.Status),
		IdempotencyKey:  reservation.IdempotencyKey.String(),
		ExpiresAt:       reservation.ExpiresAt,
		ReleaseReason:   reservation.ReleaseReason,
		Audit:           reservation.Audit,
		CreatedAt:       reservation.CreatedAt,
	}
	if !reservation.FinalizedAt.IsZero() {
		finalizedAt := reservation.FinalizedAt
		payload.FinalizedAt = &finalizedAt
	}
	return payload
}

func newSettlementResponse(settlement credits.CreditSettlement) settlementResponse {
	return settlementResponse{
		TransactionID:   settlement.TransactionID,
		ReservationID:   settlement.ReservationID.String(),
		OrganizationID:  settlement.OrganizationID.String(),
		ActualCredits:   settlement.ActualCredits,
		MonthlyDeducted: settlement.MonthlyDeducted,
		BonusDeducted:   settlement.BonusDeducted,
		BalanceAfter:    settlement.BalanceAfter,
	}
}

func newReleaseResponse(release credits.CreditRelease) releaseResponse {
	return releaseResponse{
		ReservationID:      release.ReservationID.String(),
		OrganizationID:     release.OrganizationID.String(),
		ReleasedCredits:    release.ReleasedCredits,
		Status:             string(release.Status),
		WasAlreadyReleased: release.WasAlreadyReleased,
	}
}

func newTransactionPayload(transaction credits.Transaction) transactionPayload {
	payload := transactionPayload{
		TransactionID:    transaction.ID,
		Type:             string(transaction.Type),
		CreditsAmount:    transaction.CreditsAmount,
		EstimatedCredits: transaction.EstimatedCredits,
		BalanceAfter:     transaction.BalanceAfter,
		ReservationID:    transaction.ReservationID,
		AICapabilityID:   transaction.AICapabilityID,
		QualityLevelID:   transaction.QualityLevelID,
		IdempotencyKey:   transaction.IdempotencyKey,
		Description:      transaction.Description,
		Audit:            transaction.Audit,
		CreatedAt:        transaction.CreatedAt,
	}
	if !transaction.ProviderMetadata.IsZero() {
		metadata := transaction.ProviderMetadata
		payload.ProviderMetadata = &metadata
	}
	return payload
}

func newTransactionsResponse(transactions []credits.Transaction) transactionsResponse {
	response := transactionsResponse{Transactions: make([]transactionPayload, 0, len(transactions))}
	for _, transaction := range transactions {
		response.Transactions = append(response.Transactions, newTransactionPayload(transaction))
	}
	if len(transactions) > 0 {
		oldest := transactions[len(transactions)-1]
		response.NextBefore = &oldest.CreatedAt
		response.NextBeforeID = oldest.ID
	}
	return response
}
