package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditBalance mirrors the organization_credit_balances table. Amounts are thousandths of a credit.
type CreditBalance struct {
	OrganizationID  string    `gorm:"primaryKey"`
	MonthlyCredits  int64     `gorm:"not null;default:0"`
	BonusCredits    int64     `gorm:"not null;default:0"`
	ReservedCredits int64     `gorm:"not null;default:0"`
	OverdraftLimit  int64     `gorm:"not null;default:0"`
	UsedThisPeriod  int64     `gorm:"not null;default:0"`
	PeriodStart     time.Time `gorm:"not null"`
	PeriodEnd       time.Time `gorm:"not null;index:idx_balances_period_end"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (CreditBalance) TableName() string { return "organization_credit_balances" }

// CreditReservation mirrors the credit_reservations table.
type CreditReservation struct {
	ReservationID    string     `gorm:"primaryKey"`
	OrganizationID   string     `gorm:"not null;index:uniq_reservations_org_idempotency,unique,priority:1"`
	IdempotencyKey   string     `gorm:"not null;index:uniq_reservations_org_idempotency,unique,priority:2"`
	AICapabilityID   string     `gorm:"column:ai_capability_id;not null"`
	QualityLevelID   string     `gorm:"not null"`
	ReservedCredits  int64      `gorm:"not null"`
	SettledCredits   int64      `gorm:"not null;default:0"`
	Status           string     `gorm:"not null;index:idx_reservations_status_expires,priority:1"`
	ExpiresAt        time.Time  `gorm:"not null;index:idx_reservations_status_expires,priority:2"`
	ReleaseReason    string     `gorm:"not null;default:''"`
	UserID           string     `gorm:"not null;default:''"`
	UserEmail        string     `gorm:"not null;default:''"`
	FormID           string     `gorm:"not null;default:''"`
	FormName         string     `gorm:"not null;default:''"`
	CustomerGoogleID string     `gorm:"not null;default:''"`
	CreatedAt        time.Time  `gorm:"not null"`
	FinalizedAt      *time.Time `gorm:""`
}

func (CreditReservation) TableName() string { return "credit_reservations" }

func (reservation *CreditReservation) BeforeCreate(tx *gorm.DB) error {
	if reservation.ReservationID == "" {
		reservation.ReservationID = uuid.NewString()
	}
	return nil
}

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	TransactionID    string         `gorm:"primaryKey"`
	OrganizationID   string         `gorm:"not null;index:idx_transactions_org_created,priority:1;index:uniq_transactions_org_idempotency,unique,priority:1"`
	IdempotencyKey   *string        `gorm:"index:uniq_transactions_org_idempotency,unique,priority:2"`
	Type             string         `gorm:"not null"`
	CreditsAmount    int64          `gorm:"not null"`
	EstimatedCredits int64          `gorm:"not null;default:0"`
	BalanceAfter     int64          `gorm:"not null"`
	ReservationID    *string        `gorm:"index:idx_transactions_reservation"`
	AICapabilityID   string         `gorm:"column:ai_capability_id;not null;default:''"`
	QualityLevelID   string         `gorm:"not null;default:''"`
	ProviderMetadata datatypes.JSON `gorm:"type:jsonb"`
	Description      string         `gorm:"not null;default:''"`
	UserID           string         `gorm:"not null;default:''"`
	UserEmail        string         `gorm:"not null;default:''"`
	FormID           string         `gorm:"not null;default:''"`
	FormName         string         `gorm:"not null;default:''"`
	CustomerGoogleID string         `gorm:"not null;default:''"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_transactions_org_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// CreditPlan mirrors the credit_plans table.
type CreditPlan struct {
	PlanID                 string    `gorm:"primaryKey"`
	Name                   string    `gorm:"not null;default:''"`
	MonthlyCreditAllowance int64     `gorm:"not null;default:0"`
	CreatedAt              time.Time `gorm:"not null"`
}

func (CreditPlan) TableName() string { return "credit_plans" }

// OrganizationPlan mirrors the organization_plans table.
type OrganizationPlan struct {
	OrganizationID string    `gorm:"primaryKey"`
	ActivePlanID   *string   `gorm:""`
	PendingPlanID  *string   `gorm:""`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (OrganizationPlan) TableName() string { return "organization_plans" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&CreditBalance{},
		&CreditReservation{},
		&CreditTransaction{},
		&CreditPlan{},
		&OrganizationPlan{},
	}
}

// AutoMigrate creates or updates every table. Postgres deployments use the pgstore migrations instead.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
