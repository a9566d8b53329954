package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintBalancePrimary            = "organization_credit_balances_pkey"
	constraintReservationIdempotencyKey = "uniq_reservations_org_idempotency"
	constraintTransactionIdempotencyKey = "uniq_transactions_org_idempotency"
	pgUniqueViolationCode               = "23505"
	sqliteConstraintPrimaryKeyCode      = 1555
	sqliteConstraintUniqueCode          = 2067
	errorOperationStore                 = "store"
	errorSubjectBalance                 = "balance"
	errorSubjectReservation             = "reservation"
	errorSubjectTransaction             = "transaction"
	errorSubjectPlan                    = "plan"
	errorCodeCreate                     = "create"
	errorCodeDuplicate                  = "duplicate"
	errorCodeGet                        = "get"
	errorCodeHold                       = "hold"
	errorCodeInsert                     = "insert"
	errorCodeInvalid                    = "invalid"
	errorCodeList                       = "list"
	errorCodeLookup                     = "lookup"
	errorCodeRelease                    = "release"
	errorCodeReset                      = "reset"
	errorCodeSettle                     = "settle"
	errorCodeUpdate                     = "update"
	errorCodeUpdateStatus               = "update_status"
	spendableCondition                  = "monthly_credits + bonus_credits - reserved_credits - used_this_period + overdraft_limit >= ?"
	releasedReservedExpression          = "CASE WHEN reserved_credits > ? THEN reserved_credits - ? ELSE 0 END"
)

// Store implements credits.Store, credits.PlanReader and credits.OrganizationReader using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateBalance(ctx context.Context, balance credits.Balance) error {
	model := CreditBalance{
		OrganizationID:  balance.OrganizationID.String(),
		MonthlyCredits:  balance.MonthlyCredits.Int64(),
		BonusCredits:    balance.BonusCredits.Int64(),
		ReservedCredits: balance.ReservedCredits.Int64(),
		OverdraftLimit:  balance.OverdraftLimit.Int64(),
		UsedThisPeriod:  balance.UsedThisPeriod.Int64(),
		PeriodStart:     balance.PeriodStart.UTC(),
		PeriodEnd:       balance.PeriodEnd.UTC(),
		CreatedAt:       balance.UpdatedAt.UTC(),
		UpdatedAt:       balance.UpdatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintBalancePrimary) {
		return wrapStoreError(errorSubjectBalance, errorCodeDuplicate, credits.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, organizationID credits.OrganizationID) (credits.Balance, error) {
	return store.getBalance(store.db.WithContext(ctx), organizationID)
}

func (store *Store) GetBalanceForUpdate(ctx context.Context, organizationID credits.OrganizationID) (credits.Balance, error) {
	return store.getBalance(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), organizationID)
}

func (store *Store) getBalance(db *gorm.DB, organizationID credits.OrganizationID) (credits.Balance, error) {
	var model CreditBalance
	err := db.Where("organization_id = ?", organizationID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, credits.ErrOrganizationNotFound)
		}
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	balance, err := mapBalance(model)
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return balance, nil
}

func (store *Store) HoldCredits(ctx context.Context, organizationID credits.OrganizationID, amount credits.Credits, at time.Time) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("organization_id = ?", organizationID.String()).
		Where(spendableCondition, amount.Int64()).
		Updates(map[string]any{
			"reserved_credits": gorm.Expr("reserved_credits + ?", amount.Int64()),
			"updated_at":       at.UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeHold, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) ReleaseHold(ctx context.Context, organizationID credits.OrganizationID, amount credits.Credits, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("organization_id = ?", organizationID.String()).
		Updates(map[string]any{
			"reserved_credits": gorm.Expr(releasedReservedExpression, amount.Int64(), amount.Int64()),
			"updated_at":       at.UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeRelease, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeRelease, credits.ErrOrganizationNotFound)
	}
	return nil
}

func (store *Store) ApplySettlement(ctx context.Context, update credits.SettlementUpdate) (credits.Balance, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("organization_id = ?", update.OrganizationID.String()).
		Updates(map[string]any{
			"reserved_credits": gorm.Expr(releasedReservedExpression, update.HeldCredits.Int64(), update.HeldCredits.Int64()),
			"monthly_credits":  gorm.Expr("monthly_credits - ?", update.Split.MonthlyDeducted.Int64()),
			"bonus_credits":    gorm.Expr("bonus_credits - ?", update.Split.BonusDeducted.Int64()),
			"used_this_period": gorm.Expr("used_this_period + ?", update.ActualCredits.Int64()),
			"updated_at":       update.At.UTC(),
		})
	if result.Error != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeSettle, result.Error)
	}
	if result.RowsAffected == 0 {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeSettle, credits.ErrOrganizationNotFound)
	}
	return store.GetBalance(ctx, update.OrganizationID)
}

func (store *Store) AdjustBonus(ctx context.Context, organizationID credits.OrganizationID, delta credits.Credits, at time.Time) (credits.Balance, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("organization_id = ?", organizationID.String()).
		Updates(map[string]any{
			"bonus_credits": gorm.Expr("bonus_credits + ?", delta.Int64()),
			"updated_at":    at.UTC(),
		})
	if result.Error != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, credits.ErrOrganizationNotFound)
	}
	return store.GetBalance(ctx, organizationID)
}

func (store *Store) RollBillingPeriod(ctx context.Context, rollover credits.BillingPeriodRollover) (credits.Balance, bool, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("organization_id = ? AND period_end = ? AND period_end <= ?",
			rollover.OrganizationID.String(), rollover.ExpectedPeriodEnd.UTC(), rollover.Now.UTC()).
		Updates(map[string]any{
			"monthly_credits":  rollover.MonthlyAllocation.Int64(),
			"reserved_credits": 0,
			"used_this_period": 0,
			"period_start":     rollover.NewPeriodStart.UTC(),
			"period_end":       rollover.NewPeriodEnd.UTC(),
			"updated_at":       rollover.Now.UTC(),
		})
	if result.Error != nil {
		return credits.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeReset, result.Error)
	}
	if result.RowsAffected == 0 {
		return credits.Balance{}, false, nil
	}
	balance, err := store.GetBalance(ctx, rollover.OrganizationID)
	if err != nil {
		return credits.Balance{}, false, err
	}
	return balance, true, nil
}

func (store *Store) ListBalancesDueForReset(ctx context.Context, cursor credits.BalanceCursor, now time.Time, limit int) ([]credits.Balance, error) {
	query := store.db.WithContext(ctx).Where("period_end <= ?", now.UTC())
	if !cursor.IsZero() {
		periodEnd := cursor.PeriodEnd.UTC()
		query = query.Where("(period_end > ? OR (period_end = ? AND organization_id > ?))", periodEnd, periodEnd, cursor.OrganizationID)
	}
	var rows []CreditBalance
	if err := query.Order("period_end ASC, organization_id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	balances := make([]credits.Balance, 0, len(rows))
	for _, row := range rows {
		balance, err := mapBalance(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		balances = append(balances, balance)
	}
	return balances, nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation credits.Reservation) error {
	model := CreditReservation{
		ReservationID:    reservation.ID.String(),
		OrganizationID:   reservation.OrganizationID.String(),
		IdempotencyKey:   reservation.IdempotencyKey.String(),
		AICapabilityID:   reservation.AICapabilityID,
		QualityLevelID:   reservation.QualityLevelID,
		ReservedCredits:  reservation.ReservedCredits.Int64(),
		SettledCredits:   reservation.SettledCredits.Int64(),
		Status:           string(reservation.Status),
		ExpiresAt:        reservation.ExpiresAt.UTC(),
		UserID:           reservation.Audit.UserID,
		UserEmail:        reservation.Audit.UserEmail,
		FormID:           reservation.Audit.FormID,
		FormName:         reservation.Audit.FormName,
		CustomerGoogleID: reservation.Audit.CustomerGoogleID,
		CreatedAt:        reservation.CreatedAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintReservationIdempotencyKey) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID credits.ReservationID) (credits.Reservation, error) {
	var model CreditReservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reservation_id = ?", reservationID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrReservationNotFound)
		}
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) FindReservationByIdempotencyKey(ctx context.Context, organizationID credits.OrganizationID, key credits.IdempotencyKey) (credits.Reservation, bool, error) {
	var model CreditReservation
	err := store.db.WithContext(ctx).
		Where("organization_id = ? AND idempotency_key = ?", organizationID.String(), key.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Reservation{}, false, nil
	}
	if err != nil {
		return credits.Reservation{}, false, wrapStoreError(errorSubjectReservation, errorCodeLookup, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return credits.Reservation{}, false, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, true, nil
}

func (store *Store) TransitionReservation(ctx context.Context, transition credits.ReservationTransition) (bool, error) {
	updates := map[string]any{
		"status":       string(transition.To),
		"finalized_at": transition.At.UTC(),
	}
	if transition.To == credits.ReservationStatusSettled {
		updates["settled_credits"] = transition.SettledCredits.Int64()
	}
	if transition.ReleaseReason != "" {
		updates["release_reason"] = transition.ReleaseReason
	}
	result := store.db.WithContext(ctx).
		Model(&CreditReservation{}).
		Where("reservation_id = ? AND status = ?", transition.ReservationID.String(), string(transition.From)).
		Updates(updates)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, cursor credits.ReservationCursor, now time.Time, limit int) ([]credits.Reservation, error) {
	query := store.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", string(credits.ReservationStatusPending), now.UTC())
	if !cursor.IsZero() {
		expiresAt := cursor.ExpiresAt.UTC()
		query = query.Where("(expires_at > ? OR (expires_at = ? AND reservation_id > ?))", expiresAt, expiresAt, cursor.ReservationID)
	}
	var rows []CreditReservation
	if err := query.Order("expires_at ASC, reservation_id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]credits.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	metadata, err := transaction.ProviderMetadata.JSON()
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	model := CreditTransaction{
		TransactionID:    transaction.ID,
		OrganizationID:   transaction.OrganizationID.String(),
		IdempotencyKey:   optionalString(transaction.IdempotencyKey),
		Type:             string(transaction.Type),
		CreditsAmount:    transaction.CreditsAmount.Int64(),
		EstimatedCredits: transaction.EstimatedCredits.Int64(),
		BalanceAfter:     transaction.BalanceAfter.Int64(),
		ReservationID:    optionalString(transaction.ReservationID),
		AICapabilityID:   transaction.AICapabilityID,
		QualityLevelID:   transaction.QualityLevelID,
		Description:      transaction.Description,
		UserID:           transaction.Audit.UserID,
		UserEmail:        transaction.Audit.UserEmail,
		FormID:           transaction.Audit.FormID,
		FormName:         transaction.Audit.FormName,
		CustomerGoogleID: transaction.Audit.CustomerGoogleID,
		CreatedAt:        transaction.CreatedAt.UTC(),
	}
	if metadata != nil {
		model.ProviderMetadata = datatypes.JSON(metadata)
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintTransactionIdempotencyKey) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, organizationID credits.OrganizationID, filter credits.TransactionFilter) ([]credits.Transaction, error) {
	query := store.db.WithContext(ctx).Where("organization_id = ?", organizationID.String())
	if filter.Type != "" {
		query = query.Where("type = ?", string(filter.Type))
	}
	switch {
	case filter.Before.IsZero():
	case filter.BeforeID == "":
		query = query.Where("created_at < ?", filter.Before.UTC())
	default:
		before := filter.Before.UTC()
		query = query.Where("created_at < ? OR (created_at = ? AND transaction_id < ?)", before, before, filter.BeforeID)
	}
	var rows []CreditTransaction
	if err := query.Order("created_at DESC, transaction_id DESC").Limit(filter.Limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) ActivatePendingPlan(ctx context.Context, organizationID credits.OrganizationID, pendingPlanID string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&OrganizationPlan{}).
		Where("organization_id = ? AND pending_plan_id = ?", organizationID.String(), pendingPlanID).
		Updates(map[string]any{
			"active_plan_id":  pendingPlanID,
			"pending_plan_id": nil,
			"updated_at":      time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectPlan, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) ClearPendingPlan(ctx context.Context, organizationID credits.OrganizationID) error {
	err := store.db.WithContext(ctx).
		Model(&OrganizationPlan{}).
		Where("organization_id = ?", organizationID.String()).
		Updates(map[string]any{
			"pending_plan_id": nil,
			"updated_at":      time.Now().UTC(),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectPlan, errorCodeUpdate, err)
	}
	return nil
}

// GetPlan implements credits.PlanReader.
func (store *Store) GetPlan(ctx context.Context, planID string) (credits.Plan, error) {
	var model CreditPlan
	err := store.db.WithContext(ctx).Where("plan_id = ?", planID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, credits.ErrPlanNotFound)
	}
	if err != nil {
		return credits.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, err)
	}
	return credits.Plan{
		ID:                     model.PlanID,
		Name:                   model.Name,
		MonthlyCreditAllowance: credits.Credits(model.MonthlyCreditAllowance),
	}, nil
}

// GetOrganizationPlan implements credits.OrganizationReader.
func (store *Store) GetOrganizationPlan(ctx context.Context, organizationID credits.OrganizationID) (credits.OrganizationPlan, error) {
	var model OrganizationPlan
	err := store.db.WithContext(ctx).Where("organization_id = ?", organizationID.String()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.OrganizationPlan{}, wrapStoreError(errorSubjectPlan, errorCodeLookup, credits.ErrOrganizationPlanNotFound)
	}
	if err != nil {
		return credits.OrganizationPlan{}, wrapStoreError(errorSubjectPlan, errorCodeLookup, err)
	}
	return credits.OrganizationPlan{
		OrganizationID: organizationID,
		ActivePlanID:   stringOrEmpty(model.ActivePlanID),
		PendingPlanID:  stringOrEmpty(model.PendingPlanID),
	}, nil
}

// SavePlan inserts or updates a plan definition.
func (store *Store) SavePlan(ctx context.Context, plan credits.Plan) error {
	model := CreditPlan{
		PlanID:                 plan.ID,
		Name:                   plan.Name,
		MonthlyCreditAllowance: plan.MonthlyCreditAllowance.Int64(),
		CreatedAt:              time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "plan_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "monthly_credit_allowance"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectPlan, errorCodeCreate, err)
	}
	return nil
}

// SaveOrganizationPlan inserts or updates an organization's plan assignment.
func (store *Store) SaveOrganizationPlan(ctx context.Context, organizationPlan credits.OrganizationPlan) error {
	model := OrganizationPlan{
		OrganizationID: organizationPlan.OrganizationID.String(),
		ActivePlanID:   optionalString(organizationPlan.ActivePlanID),
		PendingPlanID:  optionalString(organizationPlan.PendingPlanID),
		UpdatedAt:      time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"active_plan_id", "pending_plan_id", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectPlan, errorCodeCreate, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapBalance(row CreditBalance) (credits.Balance, error) {
	organizationID, err := credits.NewOrganizationID(row.OrganizationID)
	if err != nil {
		return credits.Balance{}, err
	}
	return credits.Balance{
		OrganizationID:  organizationID,
		MonthlyCredits:  credits.Credits(row.MonthlyCredits),
		BonusCredits:    credits.Credits(row.BonusCredits),
		ReservedCredits: credits.Credits(row.ReservedCredits),
		OverdraftLimit:  credits.Credits(row.OverdraftLimit),
		UsedThisPeriod:  credits.Credits(row.UsedThisPeriod),
		PeriodStart:     row.PeriodStart.UTC(),
		PeriodEnd:       row.PeriodEnd.UTC(),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}, nil
}

func mapReservation(row CreditReservation) (credits.Reservation, error) {
	reservationID, err := credits.NewReservationID(row.ReservationID)
	if err != nil {
		return credits.Reservation{}, err
	}
	organizationID, err := credits.NewOrganizationID(row.OrganizationID)
	if err != nil {
		return credits.Reservation{}, err
	}
	idempotencyKey, err := credits.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return credits.Reservation{}, err
	}
	status, err := credits.ParseReservationStatus(row.Status)
	if err != nil {
		return credits.Reservation{}, err
	}
	reservation := credits.Reservation{
		ID:              reservationID,
		OrganizationID:  organizationID,
		AICapabilityID:  row.AICapabilityID,
		QualityLevelID:  row.QualityLevelID,
		ReservedCredits: credits.Credits(row.ReservedCredits),
		SettledCredits:  credits.Credits(row.SettledCredits),
		Status:          status,
		IdempotencyKey:  idempotencyKey,
		ExpiresAt:       row.ExpiresAt.UTC(),
		ReleaseReason:   row.ReleaseReason,
		Audit: credits.AuditSnapshot{
			UserID:           row.UserID,
			UserEmail:        row.UserEmail,
			FormID:           row.FormID,
			FormName:         row.FormName,
			CustomerGoogleID: row.CustomerGoogleID,
		},
		CreatedAt: row.CreatedAt.UTC(),
	}
	if row.FinalizedAt != nil {
		reservation.FinalizedAt = row.FinalizedAt.UTC()
	}
	return reservation, nil
}

func mapTransaction(row CreditTransaction) (credits.Transaction, error) {
	organizationID, err := credits.NewOrganizationID(row.OrganizationID)
	if err != nil {
		return credits.Transaction{}, err
	}
	transactionType, err := credits.ParseTransactionType(row.Type)
	if err != nil {
		return credits.Transaction{}, err
	}
	var metadata credits.ProviderMetadata
	if len(row.ProviderMetadata) > 0 {
		if err := json.Unmarshal(row.ProviderMetadata, &metadata); err != nil {
			return credits.Transaction{}, err
		}
	}
	return credits.Transaction{
		ID:               row.TransactionID,
		OrganizationID:   organizationID,
		Type:             transactionType,
		CreditsAmount:    credits.Credits(row.CreditsAmount),
		EstimatedCredits: credits.Credits(row.EstimatedCredits),
		BalanceAfter:     credits.Credits(row.BalanceAfter),
		ReservationID:    stringOrEmpty(row.ReservationID),
		AICapabilityID:   row.AICapabilityID,
		QualityLevelID:   row.QualityLevelID,
		IdempotencyKey:   stringOrEmpty(row.IdempotencyKey),
		ProviderMetadata: metadata,
		Description:      row.Description,
		Audit: credits.AuditSnapshot{
			UserID:           row.UserID,
			UserEmail:        row.UserEmail,
			FormID:           row.FormID,
			FormName:         row.FormName,
			CustomerGoogleID: row.CustomerGoogleID,
		},
		CreatedAt: row.CreatedAt.UTC(),
	}, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

var sqliteConstraintColumns = map[string]string{
	constraintBalancePrimary:            "organization_credit_balances.organization_id",
	constraintReservationIdempotencyKey: "credit_reservations.organization_id, credit_reservations.idempotency_key",
	constraintTransactionIdempotencyKey: "credit_transactions.organization_id, credit_transactions.idempotency_key",
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		if code != sqliteConstraintUniqueCode && code != sqliteConstraintPrimaryKeyCode {
			return false
		}
		// SQLite names the offending columns rather than the index.
		columns, known := sqliteConstraintColumns[constraint]
		return known && strings.Contains(sqliteErr.Error(), columns)
	}
	return false
}
