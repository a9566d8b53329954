package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service contains the credit ledger logic over a Store.
type Service struct {
	store                 Store
	clock                 func() time.Time
	logger                OperationLogger
	newID                 func() string
	plans                 PlanReader
	organizations         OrganizationReader
	defaultReservationTTL time.Duration
	expiryBatchSize       int
	resetBatchSize        int
}

// CreditBalanceCheck is the read-only answer to "can this organization afford an operation".
type CreditBalanceCheck struct {
	OrganizationID   OrganizationID
	CanProceed       bool
	Available        Credits
	Spendable        Credits
	MonthlyRemaining Credits
	BonusCredits     Credits
	ReservedCredits  Credits
	MonthlyCredits   Credits
	PeriodEndsAt     time.Time
	EstimatedCost    Credits
	AfterOperation   Credits
}

// ReserveCreditParams describes a hold request.
type ReserveCreditParams struct {
	OrganizationID   OrganizationID
	EstimatedCredits Credits
	AICapabilityID   string
	QualityLevelID   string
	IdempotencyKey   IdempotencyKey
	ExpiresIn        time.Duration
	Audit            AuditSnapshot
}

// CreditReservation is the outcome of ReserveCredits.
type CreditReservation struct {
	ReservationID   ReservationID
	OrganizationID  OrganizationID
	ReservedCredits Credits
	Status          ReservationStatus
	ExpiresAt       time.Time
	Replayed        bool
}

// SettleCreditParams finalizes a pending reservation with the actual cost.
type SettleCreditParams struct {
	ReservationID    ReservationID
	ActualCredits    Credits
	ProviderMetadata ProviderMetadata
	Description      string
}

// CreditSettlement is the outcome of SettleCredits.
type CreditSettlement struct {
	TransactionID   string
	ReservationID   ReservationID
	OrganizationID  OrganizationID
	ActualCredits   Credits
	MonthlyDeducted Credits
	BonusDeducted   Credits
	BalanceAfter    Credits
}

// ReleaseCreditParams cancels a pending reservation.
type ReleaseCreditParams struct {
	ReservationID ReservationID
	Reason        string
}

// CreditRelease is the outcome of ReleaseCredits. ReleasedCredits is zero when the
// reservation had already been released or expired.
type CreditRelease struct {
	ReservationID      ReservationID
	OrganizationID     OrganizationID
	ReleasedCredits    Credits
	Status             ReservationStatus
	WasAlreadyReleased bool
}

// NewService wires a Service.
func NewService(store Store, clock func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:                 store,
		clock:                 clock,
		newID:                 uuid.NewString,
		defaultReservationTTL: DefaultReservationTTL,
		expiryBatchSize:       DefaultExpiryBatchSize,
		resetBatchSize:        DefaultResetBatchSize,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CheckBalance reports whether estimatedCost fits into the spendable balance. It never mutates state.
func (service *Service) CheckBalance(ctx context.Context, organizationID OrganizationID, estimatedCost Credits) (CreditBalanceCheck, error) {
	if estimatedCost < 0 {
		return CreditBalanceCheck{}, fmt.Errorf("%w: estimated cost must not be negative", ErrInvalidCredits)
	}
	balance, err := service.store.GetBalance(ctx, organizationID)
	if err != nil {
		return CreditBalanceCheck{}, organizationLookupError(organizationID, err)
	}
	spendable := balance.Spendable()
	return CreditBalanceCheck{
		OrganizationID:   organizationID,
		CanProceed:       spendable-estimatedCost >= 0,
		Available:        balance.Available(),
		Spendable:        spendable,
		MonthlyRemaining: balance.MonthlyRemaining(),
		BonusCredits:     balance.BonusCredits,
		ReservedCredits:  balance.ReservedCredits,
		MonthlyCredits:   balance.MonthlyCredits,
		PeriodEndsAt:     balance.PeriodEnd,
		EstimatedCost:    estimatedCost,
		AfterOperation:   balance.Available() - estimatedCost,
	}, nil
}

// ReserveCredits places a hold of EstimatedCredits. Replaying the same idempotency key with the
// same parameters returns the original reservation unchanged.
func (service *Service) ReserveCredits(ctx context.Context, params ReserveCreditParams) (CreditReservation, error) {
	result, operationError := service.reserveCredits(ctx, params)
	service.logOperation(ctx, OperationLog{
		Operation:      operationReserve,
		OrganizationID: params.OrganizationID,
		ReservationID:  result.ReservationID,
		Credits:        params.EstimatedCredits,
		IdempotencyKey: params.IdempotencyKey,
		Detail:         replayDetail(result.Replayed),
		Error:          operationError,
	})
	return result, operationError
}

func (service *Service) reserveCredits(ctx context.Context, params ReserveCreditParams) (CreditReservation, error) {
	if err := validateReserveParams(params); err != nil {
		return CreditReservation{}, err
	}
	existing, found, err := service.store.FindReservationByIdempotencyKey(ctx, params.OrganizationID, params.IdempotencyKey)
	if err != nil {
		return CreditReservation{}, err
	}
	now := service.now()
	if found {
		return resolveExistingReservation(existing, params, now)
	}
	ttl := params.ExpiresIn
	if ttl == 0 {
		ttl = service.defaultReservationTTL
	}
	reservationID, err := NewReservationID(service.newID())
	if err != nil {
		return CreditReservation{}, err
	}
	reservation := Reservation{
		ID:              reservationID,
		OrganizationID:  params.OrganizationID,
		AICapabilityID:  strings.TrimSpace(params.AICapabilityID),
		QualityLevelID:  strings.TrimSpace(params.QualityLevelID),
		ReservedCredits: params.EstimatedCredits,
		Status:          ReservationStatusPending,
		IdempotencyKey:  params.IdempotencyKey,
		ExpiresAt:       now.Add(ttl).Truncate(time.Second),
		Audit:           params.Audit,
		CreatedAt:       now,
	}
	txErr := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.GetBalance(ctx, params.OrganizationID)
		if err != nil {
			return organizationLookupError(params.OrganizationID, err)
		}
		applied, err := transactionStore.HoldCredits(ctx, params.OrganizationID, params.EstimatedCredits, now)
		if err != nil {
			return err
		}
		if !applied {
			return &InsufficientCreditsError{
				OrganizationID: params.OrganizationID,
				Requested:      params.EstimatedCredits,
				Spendable:      balance.Spendable(),
			}
		}
		return transactionStore.CreateReservation(ctx, reservation)
	})
	if errors.Is(txErr, ErrDuplicateIdempotencyKey) {
		// A concurrent request with the same key won the insert; its hold stands and ours rolled back.
		winner, found, err := service.store.FindReservationByIdempotencyKey(ctx, params.OrganizationID, params.IdempotencyKey)
		if err != nil {
			return CreditReservation{}, err
		}
		if !found {
			return CreditReservation{}, txErr
		}
		return resolveExistingReservation(winner, params, now)
	}
	if txErr != nil {
		return CreditReservation{}, txErr
	}
	return reservationResult(reservation, false), nil
}

// SettleCredits converts a pending hold into consumption of ActualCredits, drawing monthly credits first.
func (service *Service) SettleCredits(ctx context.Context, params SettleCreditParams) (CreditSettlement, error) {
	var settlement CreditSettlement
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if params.ActualCredits < 0 {
			return fmt.Errorf("%w: actual credits must not be negative", ErrInvalidCredits)
		}
		reservation, err := transactionStore.GetReservation(ctx, params.ReservationID)
		if err != nil {
			return reservationLookupError(params.ReservationID, err)
		}
		if _, err := nextReservationStatus(reservation.Status, triggerSettle); err != nil {
			return &InvalidReservationStatusError{
				ReservationID:  reservation.ID,
				CurrentStatus:  reservation.Status,
				ExpectedStatus: ReservationStatusPending,
			}
		}
		balance, err := transactionStore.GetBalanceForUpdate(ctx, reservation.OrganizationID)
		if err != nil {
			return organizationLookupError(reservation.OrganizationID, err)
		}
		now := service.now()
		split := CalculateDeductionSplit(balance.MonthlyRemaining(), params.ActualCredits)
		applied, err := transactionStore.TransitionReservation(ctx, ReservationTransition{
			ReservationID:  reservation.ID,
			From:           ReservationStatusPending,
			To:             ReservationStatusSettled,
			SettledCredits: params.ActualCredits,
			At:             now,
		})
		if err != nil {
			return err
		}
		if !applied {
			return service.concurrentTransitionError(ctx, transactionStore, reservation)
		}
		updated, err := transactionStore.ApplySettlement(ctx, SettlementUpdate{
			OrganizationID: reservation.OrganizationID,
			HeldCredits:    reservation.ReservedCredits,
			Split:          split,
			ActualCredits:  params.ActualCredits,
			At:             now,
		})
		if err != nil {
			return err
		}
		settleKey, err := deriveIdempotencyKey(reservation.IdempotencyKey.String(), idempotencySuffixSettle)
		if err != nil {
			return err
		}
		description := strings.TrimSpace(params.Description)
		if description == "" {
			description = defaultSettlementDescription
		}
		transaction := Transaction{
			ID:               service.newID(),
			OrganizationID:   reservation.OrganizationID,
			Type:             TransactionAIConsumption,
			CreditsAmount:    params.ActualCredits.Negated(),
			EstimatedCredits: reservation.ReservedCredits.Negated(),
			BalanceAfter:     updated.Available(),
			ReservationID:    reservation.ID.String(),
			AICapabilityID:   reservation.AICapabilityID,
			QualityLevelID:   reservation.QualityLevelID,
			IdempotencyKey:   settleKey.String(),
			ProviderMetadata: params.ProviderMetadata,
			Description:      description,
			Audit:            reservation.Audit,
			CreatedAt:        now,
		}
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		settlement = CreditSettlement{
			TransactionID:   transaction.ID,
			ReservationID:   reservation.ID,
			OrganizationID:  reservation.OrganizationID,
			ActualCredits:   params.ActualCredits,
			MonthlyDeducted: split.MonthlyDeducted,
			BonusDeducted:   split.BonusDeducted,
			BalanceAfter:    transaction.BalanceAfter,
		}
		return nil
	})
	if operationError != nil {
		settlement = CreditSettlement{}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationSettle,
		OrganizationID: settlement.OrganizationID,
		ReservationID:  params.ReservationID,
		Credits:        params.ActualCredits,
		Error:          operationError,
	})
	return settlement, operationError
}

// ReleaseCredits cancels a pending hold. Releasing a released or expired reservation is a no-op.
func (service *Service) ReleaseCredits(ctx context.Context, params ReleaseCreditParams) (CreditRelease, error) {
	var release CreditRelease
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reason := strings.TrimSpace(params.Reason)
		if reason == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidReleaseReason)
		}
		reservation, err := transactionStore.GetReservation(ctx, params.ReservationID)
		if err != nil {
			return reservationLookupError(params.ReservationID, err)
		}
		if reservation.Status.IsTerminal() {
			release, err = terminalRelease(reservation)
			return err
		}
		applied, err := transactionStore.TransitionReservation(ctx, ReservationTransition{
			ReservationID: reservation.ID,
			From:          ReservationStatusPending,
			To:            ReservationStatusReleased,
			ReleaseReason: reason,
			At:            service.now(),
		})
		if err != nil {
			return err
		}
		if !applied {
			current, err := transactionStore.GetReservation(ctx, reservation.ID)
			if err != nil {
				return reservationLookupError(reservation.ID, err)
			}
			release, err = terminalRelease(current)
			return err
		}
		if err := transactionStore.ReleaseHold(ctx, reservation.OrganizationID, reservation.ReservedCredits, service.now()); err != nil {
			return err
		}
		release = CreditRelease{
			ReservationID:   reservation.ID,
			OrganizationID:  reservation.OrganizationID,
			ReleasedCredits: reservation.ReservedCredits,
			Status:          ReservationStatusReleased,
		}
		return nil
	})
	if operationError != nil {
		release = CreditRelease{}
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationRelease,
		OrganizationID: release.OrganizationID,
		ReservationID:  params.ReservationID,
		Credits:        release.ReleasedCredits,
		Detail:         strings.TrimSpace(params.Reason),
		Error:          operationError,
	})
	return release, operationError
}

// GetReservation returns a stored reservation.
func (service *Service) GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	reservation, err := service.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, reservationLookupError(reservationID, err)
	}
	return reservation, nil
}

func (service *Service) concurrentTransitionError(ctx context.Context, transactionStore Store, reservation Reservation) error {
	current, err := transactionStore.GetReservation(ctx, reservation.ID)
	if err != nil {
		return reservationLookupError(reservation.ID, err)
	}
	return &InvalidReservationStatusError{
		ReservationID:  reservation.ID,
		CurrentStatus:  current.Status,
		ExpectedStatus: ReservationStatusPending,
	}
}

func (service *Service) now() time.Time {
	return service.clock().UTC().Truncate(time.Second)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateReserveParams(params ReserveCreditParams) error {
	if params.OrganizationID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidOrganizationID)
	}
	if params.IdempotencyKey.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if params.EstimatedCredits <= 0 {
		return fmt.Errorf("%w: estimated credits must be greater than zero", ErrInvalidCredits)
	}
	if strings.TrimSpace(params.AICapabilityID) == "" || strings.TrimSpace(params.QualityLevelID) == "" {
		return fmt.Errorf("%w: capability and quality level are required", ErrInvalidCapability)
	}
	if params.ExpiresIn < 0 {
		return fmt.Errorf("%w: must not be negative", ErrInvalidExpiry)
	}
	if params.ExpiresIn > MaxReservationTTL {
		return fmt.Errorf("%w: must not exceed %s", ErrInvalidExpiry, MaxReservationTTL)
	}
	return nil
}

func resolveExistingReservation(existing Reservation, params ReserveCreditParams, now time.Time) (CreditReservation, error) {
	matches := existing.AICapabilityID == strings.TrimSpace(params.AICapabilityID) &&
		existing.QualityLevelID == strings.TrimSpace(params.QualityLevelID) &&
		existing.ReservedCredits == params.EstimatedCredits
	live := existing.Status != ReservationStatusExpired && !existing.ExpiredAt(now)
	if !matches || !live {
		return CreditReservation{}, &DuplicateRequestError{
			IdempotencyKey:        params.IdempotencyKey,
			ExistingReservationID: existing.ID,
		}
	}
	return reservationResult(existing, true), nil
}

func reservationResult(reservation Reservation, replayed bool) CreditReservation {
	return CreditReservation{
		ReservationID:   reservation.ID,
		OrganizationID:  reservation.OrganizationID,
		ReservedCredits: reservation.ReservedCredits,
		Status:          reservation.Status,
		ExpiresAt:       reservation.ExpiresAt,
		Replayed:        replayed,
	}
}

func terminalRelease(reservation Reservation) (CreditRelease, error) {
	if reservation.Status == ReservationStatusSettled {
		return CreditRelease{}, &ReservationSettledError{ReservationID: reservation.ID}
	}
	return CreditRelease{
		ReservationID:      reservation.ID,
		OrganizationID:     reservation.OrganizationID,
		Status:             reservation.Status,
		WasAlreadyReleased: true,
	}, nil
}

func organizationLookupError(organizationID OrganizationID, err error) error {
	if errors.Is(err, ErrOrganizationNotFound) {
		return &OrganizationNotFoundError{OrganizationID: organizationID}
	}
	return err
}

func reservationLookupError(reservationID ReservationID, err error) error {
	if errors.Is(err, ErrReservationNotFound) {
		return &ReservationNotFoundError{ReservationID: reservationID}
	}
	return err
}

func deriveIdempotencyKey(parts ...string) (IdempotencyKey, error) {
	return NewIdempotencyKey(strings.Join(parts, idempotencyKeyDelimiter))
}

func replayDetail(replayed bool) string {
	if replayed {
		return "replayed"
	}
	return ""
}
