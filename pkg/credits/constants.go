package credits

import "time"

const (
	operationCheckBalance = "check_balance"
	operationReserve      = "reserve"
	operationSettle       = "settle"
	operationRelease      = "release"
	operationExpire       = "expire"
	operationPeriodReset  = "period_reset"
	operationGrant        = "grant"
	operationOpenAccount  = "open_account"

	operationStatusOK      = "ok"
	operationStatusError   = "error"
	operationStatusSkipped = "skipped"

	idempotencyKeyDelimiter         = ":"
	idempotencySuffixSettle         = "settle"
	idempotencyPrefixPeriod         = "period"
	idempotencySuffixAllocation     = "allocation"
	idempotencySuffixPlanAdjustment = "plan_change"

	defaultSettlementDescription = "AI operation consumption"
	allocationDescriptionFormat  = "Monthly credit allocation for %s"
	allocationNoPlanSuffix       = " (no active plan)"
	planChangeDescriptionFormat  = "Plan changed from %s to %s at period end"
	planNameNone                 = "none"

	// DefaultReservationTTL bounds how long a pending reservation holds credits.
	DefaultReservationTTL = 5 * time.Minute
	// MaxReservationTTL caps an explicit ExpiresIn on ReserveCredits.
	MaxReservationTTL = 24 * time.Hour
	// DefaultExpiryBatchSize is the page size used by RunExpiryJob.
	DefaultExpiryBatchSize = 100
	// DefaultResetBatchSize is the page size used by RunPeriodResetJob.
	DefaultResetBatchSize = 100
	// DefaultTransactionLimit applies when ListTransactions is called without a limit.
	DefaultTransactionLimit = 20
	// MaxTransactionLimit caps a single ListTransactions page.
	MaxTransactionLimit = 100

	billingPeriodMonths = 1
)
