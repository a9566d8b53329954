package credits

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service. Every balance mutation is a single
// conditional statement; implementations never read-modify-write balance columns.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateBalance(ctx context.Context, balance Balance) error
	GetBalance(ctx context.Context, organizationID OrganizationID) (Balance, error)
	// GetBalanceForUpdate row-locks the balance for the rest of the transaction.
	GetBalanceForUpdate(ctx context.Context, organizationID OrganizationID) (Balance, error)
	// HoldCredits raises reserved credits only when the spendable balance covers amount.
	HoldCredits(ctx context.Context, organizationID OrganizationID, amount Credits, at time.Time) (bool, error)
	// ReleaseHold lowers reserved credits, never below zero.
	ReleaseHold(ctx context.Context, organizationID OrganizationID, amount Credits, at time.Time) error
	ApplySettlement(ctx context.Context, update SettlementUpdate) (Balance, error)
	AdjustBonus(ctx context.Context, organizationID OrganizationID, delta Credits, at time.Time) (Balance, error)
	// RollBillingPeriod applies only while period_end still equals the expected value and is due.
	RollBillingPeriod(ctx context.Context, rollover BillingPeriodRollover) (Balance, bool, error)
	ListBalancesDueForReset(ctx context.Context, cursor BalanceCursor, now time.Time, limit int) ([]Balance, error)

	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error)
	FindReservationByIdempotencyKey(ctx context.Context, organizationID OrganizationID, key IdempotencyKey) (Reservation, bool, error)
	// TransitionReservation applies only while the stored status equals transition.From.
	TransitionReservation(ctx context.Context, transition ReservationTransition) (bool, error)
	ListExpiredReservations(ctx context.Context, cursor ReservationCursor, now time.Time, limit int) ([]Reservation, error)

	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, organizationID OrganizationID, filter TransactionFilter) ([]Transaction, error)

	// ActivatePendingPlan promotes the pending plan while it still equals pendingPlanID.
	ActivatePendingPlan(ctx context.Context, organizationID OrganizationID, pendingPlanID string) (bool, error)
	ClearPendingPlan(ctx context.Context, organizationID OrganizationID) error
}

// PlanReader resolves subscription plans.
type PlanReader interface {
	GetPlan(ctx context.Context, planID string) (Plan, error)
}

// OrganizationReader resolves an organization's plan assignment.
type OrganizationReader interface {
	GetOrganizationPlan(ctx context.Context, organizationID OrganizationID) (OrganizationPlan, error)
}
