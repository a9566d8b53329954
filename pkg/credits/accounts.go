package credits

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OpenAccountParams seeds a new organization balance.
type OpenAccountParams struct {
	OrganizationID OrganizationID
	MonthlyCredits Credits
	OverdraftLimit Credits
	PeriodStart    time.Time
}

// GrantParams adds (or for admin adjustments, removes) bonus credits outside the reservation flow.
type GrantParams struct {
	OrganizationID OrganizationID
	Credits        Credits
	Type           TransactionType
	IdempotencyKey IdempotencyKey
	Description    string
}

// OpenAccount creates the balance row for an organization and records its first allocation.
func (service *Service) OpenAccount(ctx context.Context, params OpenAccountParams) (Balance, error) {
	var opened Balance
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if params.OrganizationID.IsZero() {
			return fmt.Errorf("%w: empty value", ErrInvalidOrganizationID)
		}
		if params.MonthlyCredits < 0 || params.OverdraftLimit < 0 {
			return fmt.Errorf("%w: allocation and overdraft must not be negative", ErrInvalidCredits)
		}
		now := service.now()
		periodStart := params.PeriodStart.UTC().Truncate(time.Second)
		if params.PeriodStart.IsZero() {
			periodStart = now
		}
		balance := Balance{
			OrganizationID: params.OrganizationID,
			MonthlyCredits: params.MonthlyCredits,
			OverdraftLimit: params.OverdraftLimit,
			PeriodStart:    periodStart,
			PeriodEnd:      nextPeriodEnd(periodStart),
			UpdatedAt:      now,
		}
		if err := transactionStore.CreateBalance(ctx, balance); err != nil {
			return err
		}
		allocationKey, err := periodIdempotencyKey(periodStart, idempotencySuffixAllocation)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, Transaction{
			ID:             service.newID(),
			OrganizationID: params.OrganizationID,
			Type:           TransactionPlanAllocation,
			CreditsAmount:  params.MonthlyCredits,
			BalanceAfter:   balance.Available(),
			IdempotencyKey: allocationKey.String(),
			Description:    fmt.Sprintf(allocationDescriptionFormat, periodStart.Format("January 2006")),
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		opened = balance
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationOpenAccount,
		OrganizationID: params.OrganizationID,
		Credits:        params.MonthlyCredits,
		Error:          operationError,
	})
	return opened, operationError
}

// GrantCredits adjusts bonus credits and appends the matching ledger transaction.
func (service *Service) GrantCredits(ctx context.Context, params GrantParams) (Transaction, error) {
	var recorded Transaction
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if err := validateGrant(params); err != nil {
			return err
		}
		now := service.now()
		updated, err := transactionStore.AdjustBonus(ctx, params.OrganizationID, params.Credits, now)
		if err != nil {
			return organizationLookupError(params.OrganizationID, err)
		}
		transaction := Transaction{
			ID:             service.newID(),
			OrganizationID: params.OrganizationID,
			Type:           params.Type,
			CreditsAmount:  params.Credits,
			BalanceAfter:   updated.Available(),
			IdempotencyKey: params.IdempotencyKey.String(),
			Description:    strings.TrimSpace(params.Description),
			CreatedAt:      now,
		}
		if err := transactionStore.InsertTransaction(ctx, transaction); err != nil {
			return err
		}
		recorded = transaction
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		OrganizationID: params.OrganizationID,
		Credits:        params.Credits,
		IdempotencyKey: params.IdempotencyKey,
		Detail:         string(params.Type),
		Error:          operationError,
	})
	return recorded, operationError
}

// ListTransactions returns an organization's ledger newest first.
func (service *Service) ListTransactions(ctx context.Context, organizationID OrganizationID, filter TransactionFilter) ([]Transaction, error) {
	if organizationID.IsZero() {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidOrganizationID)
	}
	if filter.Type != "" {
		if _, err := ParseTransactionType(string(filter.Type)); err != nil {
			return nil, err
		}
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultTransactionLimit
	case filter.Limit > MaxTransactionLimit:
		filter.Limit = MaxTransactionLimit
	}
	return service.store.ListTransactions(ctx, organizationID, filter)
}

func validateGrant(params GrantParams) error {
	if params.OrganizationID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidOrganizationID)
	}
	if params.IdempotencyKey.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	switch params.Type {
	case TransactionTopupPurchase, TransactionPromoBonus, TransactionRefund:
		if params.Credits <= 0 {
			return fmt.Errorf("%w: %s must be greater than zero", ErrInvalidCredits, params.Type)
		}
	case TransactionAdminAdjustment:
		if params.Credits == 0 {
			return fmt.Errorf("%w: adjustment must not be zero", ErrInvalidCredits)
		}
	default:
		return fmt.Errorf("%w: %q cannot be granted", ErrInvalidTransactionType, params.Type)
	}
	return nil
}

func nextPeriodEnd(periodStart time.Time) time.Time {
	return periodStart.AddDate(0, billingPeriodMonths, 0)
}

func periodIdempotencyKey(periodStart time.Time, suffix string) (IdempotencyKey, error) {
	return deriveIdempotencyKey(idempotencyPrefixPeriod, strconv.FormatInt(periodStart.Unix(), 10), suffix)
}
