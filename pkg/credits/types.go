package credits

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OrganizationID identifies the organization owning a credit balance.
type OrganizationID struct {
	value string
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// IdempotencyKey scopes duplicate detection per organization.
type IdempotencyKey struct {
	value string
}

// NewOrganizationID validates and normalizes an organization id.
func NewOrganizationID(raw string) (OrganizationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OrganizationID{}, fmt.Errorf("%w: empty value", ErrInvalidOrganizationID)
	}
	return OrganizationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OrganizationID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id OrganizationID) IsZero() bool {
	return id.value == ""
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id ReservationID) IsZero() bool {
	return id.value == ""
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusPending  ReservationStatus = "pending"
	ReservationStatusSettled  ReservationStatus = "settled"
	ReservationStatusReleased ReservationStatus = "released"
	ReservationStatusExpired  ReservationStatus = "expired"
)

// ParseReservationStatus validates a stored status value.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	status := ReservationStatus(strings.TrimSpace(raw))
	switch status {
	case ReservationStatusPending, ReservationStatusSettled, ReservationStatusReleased, ReservationStatusExpired:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionPlanAllocation       TransactionType = "plan_allocation"
	TransactionTopupPurchase        TransactionType = "topup_purchase"
	TransactionAIConsumption        TransactionType = "ai_consumption"
	TransactionPlanChangeAdjustment TransactionType = "plan_change_adjustment"
	TransactionPromoBonus           TransactionType = "promo_bonus"
	TransactionAdminAdjustment      TransactionType = "admin_adjustment"
	TransactionRefund               TransactionType = "refund"
)

// ParseTransactionType validates a transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	transactionType := TransactionType(strings.TrimSpace(raw))
	switch transactionType {
	case TransactionPlanAllocation, TransactionTopupPurchase, TransactionAIConsumption,
		TransactionPlanChangeAdjustment, TransactionPromoBonus, TransactionAdminAdjustment, TransactionRefund:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// Balance is the per-organization credit state for the current billing period.
type Balance struct {
	OrganizationID  OrganizationID
	MonthlyCredits  Credits
	BonusCredits    Credits
	ReservedCredits Credits
	OverdraftLimit  Credits
	UsedThisPeriod  Credits
	PeriodStart     time.Time
	PeriodEnd       time.Time
	UpdatedAt       time.Time
}

// Available is monthly plus bonus minus reserved minus used this period.
func (balance Balance) Available() Credits {
	return balance.MonthlyCredits + balance.BonusCredits - balance.ReservedCredits - balance.UsedThisPeriod
}

// Spendable extends Available by the overdraft limit.
func (balance Balance) Spendable() Credits {
	return balance.Available() + balance.OverdraftLimit
}

// MonthlyRemaining is the unused part of the monthly allocation, never negative.
func (balance Balance) MonthlyRemaining() Credits {
	return max(0, balance.MonthlyCredits-balance.UsedThisPeriod)
}

// AuditSnapshot records who triggered an operation at reservation time.
type AuditSnapshot struct {
	UserID           string `json:"user_id,omitempty"`
	UserEmail        string `json:"user_email,omitempty"`
	FormID           string `json:"form_id,omitempty"`
	FormName         string `json:"form_name,omitempty"`
	CustomerGoogleID string `json:"customer_google_id,omitempty"`
}

// Reservation is a stored credit hold.
type Reservation struct {
	ID              ReservationID
	OrganizationID  OrganizationID
	AICapabilityID  string
	QualityLevelID  string
	ReservedCredits Credits
	SettledCredits  Credits
	Status          ReservationStatus
	IdempotencyKey  IdempotencyKey
	ExpiresAt       time.Time
	ReleaseReason   string
	Audit           AuditSnapshot
	CreatedAt       time.Time
	FinalizedAt     time.Time
}

// ExpiredAt reports whether the reservation's deadline has passed.
func (reservation Reservation) ExpiredAt(now time.Time) bool {
	return !reservation.ExpiresAt.After(now)
}

// ProviderMetadata describes the upstream AI call billed by a settlement.
type ProviderMetadata struct {
	Provider        string   `json:"provider,omitempty"`
	Model           string   `json:"model,omitempty"`
	InputTokens     *int64   `json:"input_tokens,omitempty"`
	OutputTokens    *int64   `json:"output_tokens,omitempty"`
	ProviderCostUSD *float64 `json:"provider_cost_usd,omitempty"`
}

// IsZero reports whether no provider field is set.
func (metadata ProviderMetadata) IsZero() bool {
	return metadata.Provider == "" && metadata.Model == "" && metadata.InputTokens == nil && metadata.OutputTokens == nil && metadata.ProviderCostUSD == nil
}

// JSON renders the metadata, or nil when nothing is set.
func (metadata ProviderMetadata) JSON() ([]byte, error) {
	if metadata.IsZero() {
		return nil, nil
	}
	return json.Marshal(metadata)
}

// Transaction is an append-only ledger line.
type Transaction struct {
	ID               string
	OrganizationID   OrganizationID
	Type             TransactionType
	CreditsAmount    Credits
	EstimatedCredits Credits
	BalanceAfter     Credits
	ReservationID    string
	AICapabilityID   string
	QualityLevelID   string
	IdempotencyKey   string
	ProviderMetadata ProviderMetadata
	Description      string
	Audit            AuditSnapshot
	CreatedAt        time.Time
}

// TransactionFilter narrows ListTransactions. Results are ordered newest first by
// created_at then transaction id; Before and BeforeID together form the page cursor.
type TransactionFilter struct {
	Type     TransactionType
	Before   time.Time
	BeforeID string
	Limit    int
}

// Plan is the subscription plan shape the ledger needs.
type Plan struct {
	ID                     string
	Name                   string
	MonthlyCreditAllowance Credits
}

// OrganizationPlan links an organization to its active and pending plans.
type OrganizationPlan struct {
	OrganizationID OrganizationID
	ActivePlanID   string
	PendingPlanID  string
}

// ReservationTransition is a status-guarded reservation update.
type ReservationTransition struct {
	ReservationID  ReservationID
	From           ReservationStatus
	To             ReservationStatus
	SettledCredits Credits
	ReleaseReason  string
	At             time.Time
}

// SettlementUpdate moves a hold into consumption on the balance row.
type SettlementUpdate struct {
	OrganizationID OrganizationID
	HeldCredits    Credits
	Split          DeductionSplit
	ActualCredits  Credits
	At             time.Time
}

// BillingPeriodRollover advances a balance into its next billing period.
type BillingPeriodRollover struct {
	OrganizationID    OrganizationID
	ExpectedPeriodEnd time.Time
	NewPeriodStart    time.Time
	NewPeriodEnd      time.Time
	MonthlyAllocation Credits
	Now               time.Time
}

// ReservationCursor pages expired reservations in (expires_at, id) order.
type ReservationCursor struct {
	ExpiresAt     time.Time
	ReservationID string
}

// IsZero reports whether the cursor points at the first page.
func (cursor ReservationCursor) IsZero() bool {
	return cursor.ReservationID == ""
}

// BalanceCursor pages balances due for reset in (period_end, organization_id) order.
type BalanceCursor struct {
	PeriodEnd      time.Time
	OrganizationID string
}

// IsZero reports whether the cursor points at the first page.
func (cursor BalanceCursor) IsZero() bool {
	return cursor.OrganizationID == ""
}
