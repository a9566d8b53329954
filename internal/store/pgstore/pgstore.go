package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintBalancePrimary            = "organization_credit_balances_pkey"
	constraintReservationIdempotencyKey = "uniq_reservations_org_idempotency"
	constraintTransactionIdempotencyKey = "uniq_transactions_org_idempotency"
	pgUniqueViolationCode               = "23505"
	errorOperationStore                 = "store"
	errorSubjectBalance                 = "balance"
	errorSubjectReservation             = "reservation"
	errorSubjectTransaction             = "transaction"
	errorSubjectPlan                    = "plan"
	errorCodeBegin                      = "begin"
	errorCodeCommit                     = "commit"
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

	balanceColumns = `
		organization_id, monthly_credits, bonus_credits, reserved_credits, overdraft_limit,
		used_this_period, period_start, period_end, updated_at
	`

	reservationColumns = `
		reservation_id, organization_id, idempotency_key, ai_capability_id, quality_level_id,
		reserved_credits, settled_credits, status, expires_at, release_reason,
		user_id, user_email, form_id, form_name, customer_google_id, created_at, finalized_at
	`

	transactionColumns = `
		transaction_id, organization_id, coalesce(idempotency_key,''), type, credits_amount,
		estimated_credits, balance_after, coalesce(reservation_id,''), ai_capability_id, quality_level_id,
		provider_metadata, description, user_id, user_email, form_id, form_name, customer_google_id, created_at
	`

	sqlInsertBalance = `
		insert into organization_credit_balances(
			organization_id, monthly_credits, bonus_credits, reserved_credits, overdraft_limit,
			used_this_period, period_start, period_end, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`

	sqlSelectBalance = `select ` + balanceColumns + ` from organization_credit_balances where organization_id = $1`

	sqlSelectBalanceForUpdate = sqlSelectBalance + ` for update`

	sqlHoldCredits = `
		update organization_credit_balances
		set reserved_credits = reserved_credits + $2, updated_at = $3
		where organization_id = $1
		and monthly_credits + bonus_credits - reserved_credits - used_this_period + overdraft_limit >= $2
	`

	sqlReleaseHold = `
		update organization_credit_balances
		set reserved_credits = greatest(reserved_credits - $2, 0), updated_at = $3
		where organization_id = $1
	`

	sqlApplySettlement = `
		update organization_credit_balances
		set reserved_credits = greatest(reserved_credits - $2, 0),
			monthly_credits = monthly_credits - $3,
			bonus_credits = bonus_credits - $4,
			used_this_period = used_this_period + $5,
			updated_at = $6
		where organization_id = $1
		returning ` + balanceColumns

	sqlAdjustBonus = `
		update organization_credit_balances
		set bonus_credits = bonus_credits + $2, updated_at = $3
		where organization_id = $1
		returning ` + balanceColumns

	sqlRollBillingPeriod = `
		update organization_credit_balances
		set monthly_credits = $4, reserved_credits = 0, used_this_period = 0,
			period_start = $5, period_end = $6, updated_at = $3
		where organization_id = $1 and period_end = $2 and period_end <= $3
		returning ` + balanceColumns

	sqlListBalancesDueForReset = `
		select ` + balanceColumns + `
		from organization_credit_balances
		where period_end <= $1
		and ($2::timestamptz is null or period_end > $2::timestamptz or (period_end = $2::timestamptz and organization_id > $3))
		order by period_end asc, organization_id asc
		limit $4
	`

	sqlInsertReservation = `
		insert into credit_reservations(
			reservation_id, organization_id, idempotency_key, ai_capability_id, quality_level_id,
			reserved_credits, settled_credits, status, expires_at,
			user_id, user_email, form_id, form_name, customer_google_id, created_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	sqlSelectReservation = `
		select ` + reservationColumns + `
		from credit_reservations
		where reservation_id = $1
		for update
	`

	sqlSelectReservationByIdempotencyKey = `
		select ` + reservationColumns + `
		from credit_reservations
		where organization_id = $1 and idempotency_key = $2
	`

	sqlTransitionReservation = `
		update credit_reservations
		set status = $3,
			finalized_at = $4,
			settled_credits = case when $3 = 'settled' then $5 else settled_credits end,
			release_reason = case when $6 <> '' then $6 else release_reason end
		where reservation_id = $1 and status = $2
	`

	sqlListExpiredReservations = `
		select ` + reservationColumns + `
		from credit_reservations
		where status = 'pending' and expires_at < $1
		and ($2::timestamptz is null or expires_at > $2::timestamptz or (expires_at = $2::timestamptz and reservation_id > $3))
		order by expires_at asc, reservation_id asc
		limit $4
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, organization_id, idempotency_key, type, credits_amount,
			estimated_credits, balance_after, reservation_id, ai_capability_id, quality_level_id,
			provider_metadata, description, user_id, user_email, form_id, form_name, customer_google_id, created_at
		)
		values(
			$1, $2, nullif($3,''), $4, $5,
			$6, $7, nullif($8,''), $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18
		)
	`

	sqlListTransactions = `
		select ` + transactionColumns + `
		from credit_transactions
		where organization_id = $1
		and ($2::text = '' or type = $2::text)
		and ($3::timestamptz is null
			or created_at < $3::timestamptz
			or ($5::text <> '' and created_at = $3::timestamptz and transaction_id < $5::text))
		order by created_at desc, transaction_id desc
		limit $4
	`

	sqlActivatePendingPlan = `
		update organization_plans
		set active_plan_id = pending_plan_id, pending_plan_id = null, updated_at = now()
		where organization_id = $1 and pending_plan_id = $2
	`

	sqlClearPendingPlan = `
		update organization_plans
		set pending_plan_id = null, updated_at = now()
		where organization_id = $1
	`

	sqlSelectPlan = `
		select plan_id, name, monthly_credit_allowance from credit_plans where plan_id = $1
	`

	sqlSelectOrganizationPlan = `
		select coalesce(active_plan_id,''), coalesce(pending_plan_id,'')
		from organization_plans
		where organization_id = $1
	`

	sqlUpsertPlan = `
		insert into credit_plans(plan_id, name, monthly_credit_allowance)
		values($1, $2, $3)
		on conflict (plan_id) do update set name = excluded.name, monthly_credit_allowance = excluded.monthly_credit_allowance
	`

	sqlUpsertOrganizationPlan = `
		insert into organization_plans(organization_id, active_plan_id, pending_plan_id, updated_at)
		values($1, nullif($2,''), nullif($3,''), now())
		on conflict (organization_id) do update
		set active_plan_id = excluded.active_plan_id, pending_plan_id = excluded.pending_plan_id, updated_at = now()
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// queries holds every statement shared by the pool-backed and transaction-backed stores.
type queries struct {
	db querier
}

// Store implements credits.Store, credits.PlanReader and credits.OrganizationReader using a pgx pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements credits.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx reuses the active transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return fn(ctx, store)
}

func (q queries) CreateBalance(ctx context.Context, balance credits.Balance) error {
	_, err := q.db.Exec(ctx, sqlInsertBalance,
		balance.OrganizationID.String(),
		balance.MonthlyCredits.Int64(),
		balance.BonusCredits.Int64(),
		balance.ReservedCredits.Int64(),
		balance.OverdraftLimit.Int64(),
		balance.UsedThisPeriod.Int64(),
		balance.PeriodStart.UTC(),
		balance.PeriodEnd.UTC(),
		balance.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err, constraintBalancePrimary) {
		return wrapStoreError(errorSubjectBalance, errorCodeDuplicate, credits.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	return nil
}

func (q queries) GetBalance(ctx context.Context, organizationID credits.OrganizationID) (credits.Balance, error) {
	return q.selectBalance(ctx, sqlSelectBalance, errorCodeGet, organizationID.String())
}

func (q queries) GetBalanceForUpdate(ctx context.Context, organizationID credits.OrganizationID) (credits.Balance, error) {
	return q.selectBalance(ctx, sqlSelectBalanceForUpdate, errorCodeGet, organizationID.String())
}

func (q queries) selectBalance(ctx context.Context, statement string, code string, arguments ...any) (credits.Balance, error) {
	balance, err := scanBalance(q.db.QueryRow(ctx, statement, arguments...))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, code, credits.ErrOrganizationNotFound)
	}
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, code, err)
	}
	return balance, nil
}

func (q queries) HoldCredits(ctx context.Context, organizationID credits.OrganizationID, amount credits.Credits, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, sqlHoldCredits, organizationID.String(), amount.Int64(), at.UTC())
	if err != nil {
		return false, wrapStoreError(errorSubjectBalance, errorCodeHold, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) ReleaseHold(ctx context.Context, organizationID credits.OrganizationID, amount credits.Credits, at time.Time) error {
	tag, err := q.db.Exec(ctx, sqlReleaseHold, organizationID.String(), amount.Int64(), at.UTC())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeRelease, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeRelease, credits.ErrOrganizationNotFound)
	}
	return nil
}

func (q queries) ApplySettlement(ctx context.Context, update credits.SettlementUpdate) (credits.Balance, error) {
	return q.selectBalance(ctx, sqlApplySettlement, errorCodeSettle,
		update.OrganizationID.String(),
		update.HeldCredits.Int64(),
		update.Split.MonthlyDeducted.Int64(),
		update.Split.BonusDeducted.Int64(),
		update.ActualCredits.Int64(),
		update.At.UTC(),
	)
}

func (q queries) AdjustBonus(ctx context.Context, organizationID credits.OrganizationID, delta credits.Credits, at time.Time) (credits.Balance, error) {
	return q.selectBalance(ctx, sqlAdjustBonus, errorCodeUpdate, organizationID.String(), delta.Int64(), at.UTC())
}

func (q queries) RollBillingPeriod(ctx context.Context, rollover credits.BillingPeriodRollover) (credits.Balance, bool, error) {
	balance, err := scanBalance(q.db.QueryRow(ctx, sqlRollBillingPeriod,
		rollover.OrganizationID.String(),
		rollover.ExpectedPeriodEnd.UTC(),
		rollover.Now.UTC(),
		rollover.MonthlyAllocation.Int64(),
		rollover.NewPeriodStart.UTC(),
		rollover.NewPeriodEnd.UTC(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Balance{}, false, nil
	}
	if err != nil {
		return credits.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeReset, err)
	}
	return balance, true, nil
}

func (q queries) ListBalancesDueForReset(ctx context.Context, cursor credits.BalanceCursor, now time.Time, limit int) ([]credits.Balance, error) {
	rows, err := q.db.Query(ctx, sqlListBalancesDueForReset, now.UTC(), optionalTime(cursor.PeriodEnd), cursor.OrganizationID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	defer rows.Close()
	var balances []credits.Balance
	for rows.Next() {
		balance, err := scanBalance(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
		}
		balances = append(balances, balance)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBalance, errorCodeList, err)
	}
	return balances, nil
}

func (q queries) CreateReservation(ctx context.Context, reservation credits.Reservation) error {
	_, err := q.db.Exec(ctx, sqlInsertReservation,
		reservation.ID.String(),
		reservation.OrganizationID.String(),
		reservation.IdempotencyKey.String(),
		reservation.AICapabilityID,
		reservation.QualityLevelID,
		reservation.ReservedCredits.Int64(),
		reservation.SettledCredits.Int64(),
		string(reservation.Status),
		reservation.ExpiresAt.UTC(),
		reservation.Audit.UserID,
		reservation.Audit.UserEmail,
		reservation.Audit.FormID,
		reservation.Audit.FormName,
		reservation.Audit.CustomerGoogleID,
		reservation.CreatedAt.UTC(),
	)
	if isUniqueViolation(err, constraintReservationIdempotencyKey) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (q queries) GetReservation(ctx context.Context, reservationID credits.ReservationID) (credits.Reservation, error) {
	reservation, err := scanReservation(q.db.QueryRow(ctx, sqlSelectReservation, reservationID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrReservationNotFound)
	}
	if err != nil {
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return reservation, nil
}

func (q queries) FindReservationByIdempotencyKey(ctx context.Context, organizationID credits.OrganizationID, key credits.IdempotencyKey) (credits.Reservation, bool, error) {
	reservation, err := scanReservation(q.db.QueryRow(ctx, sqlSelectReservationByIdempotencyKey, organizationID.String(), key.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Reservation{}, false, nil
	}
	if err != nil {
		return credits.Reservation{}, false, wrapStoreError(errorSubjectReservation, errorCodeLookup, err)
	}
	return reservation, true, nil
}

func (q queries) TransitionReservation(ctx context.Context, transition credits.ReservationTransition) (bool, error) {
	tag, err := q.db.Exec(ctx, sqlTransitionReservation,
		transition.ReservationID.String(),
		string(transition.From),
		string(transition.To),
		transition.At.UTC(),
		transition.SettledCredits.Int64(),
		transition.ReleaseReason,
	)
	if err != nil {
		return false, wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) ListExpiredReservations(ctx context.Context, cursor credits.ReservationCursor, now time.Time, limit int) ([]credits.Reservation, error) {
	rows, err := q.db.Query(ctx, sqlListExpiredReservations, now.UTC(), optionalTime(cursor.ExpiresAt), cursor.ReservationID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	defer rows.Close()
	var reservations []credits.Reservation
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return reservations, nil
}

func (q queries) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	metadata, err := transaction.ProviderMetadata.JSON()
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	createdAt := transaction.CreatedAt.UTC()
	if transaction.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = q.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID,
		transaction.OrganizationID.String(),
		transaction.IdempotencyKey,
		string(transaction.Type),
		transaction.CreditsAmount.Int64(),
		transaction.EstimatedCredits.Int64(),
		transaction.BalanceAfter.Int64(),
		transaction.ReservationID,
		transaction.AICapabilityID,
		transaction.QualityLevelID,
		metadata,
		transaction.Description,
		transaction.Audit.UserID,
		transaction.Audit.UserEmail,
		transaction.Audit.FormID,
		transaction.Audit.FormName,
		transaction.Audit.CustomerGoogleID,
		createdAt,
	)
	if isUniqueViolation(err, constraintTransactionIdempotencyKey) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (q queries) ListTransactions(ctx context.Context, organizationID credits.OrganizationID, filter credits.TransactionFilter) ([]credits.Transaction, error) {
	rows, err := q.db.Query(ctx, sqlListTransactions, organizationID.String(), string(filter.Type), optionalTime(filter.Before), filter.Limit, filter.BeforeID)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	var transactions []credits.Transaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (q queries) ActivatePendingPlan(ctx context.Context, organizationID credits.OrganizationID, pendingPlanID string) (bool, error) {
	tag, err := q.db.Exec(ctx, sqlActivatePendingPlan, organizationID.String(), pendingPlanID)
	if err != nil {
		return false, wrapStoreError(errorSubjectPlan, errorCodeUpdate, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q queries) ClearPendingPlan(ctx context.Context, organizationID credits.OrganizationID) error {
	if _, err := q.db.Exec(ctx, sqlClearPendingPlan, organizationID.String()); err != nil {
		return wrapStoreError(errorSubjectPlan, errorCodeUpdate, err)
	}
	return nil
}

// GetPlan implements credits.PlanReader.
func (q queries) GetPlan(ctx context.Context, planID string) (credits.Plan, error) {
	var plan credits.Plan
	var allowance int64
	err := q.db.QueryRow(ctx, sqlSelectPlan, planID).Scan(&plan.ID, &plan.Name, &allowance)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, credits.ErrPlanNotFound)
	}
	if err != nil {
		return credits.Plan{}, wrapStoreError(errorSubjectPlan, errorCodeGet, err)
	}
	plan.MonthlyCreditAllowance = credits.Credits(allowance)
	return plan, nil
}

// GetOrganizationPlan implements credits.OrganizationReader.
func (q queries) GetOrganizationPlan(ctx context.Context, organizationID credits.OrganizationID) (credits.OrganizationPlan, error) {
	organizationPlan := credits.OrganizationPlan{OrganizationID: organizationID}
	err := q.db.QueryRow(ctx, sqlSelectOrganizationPlan, organizationID.String()).
		Scan(&organizationPlan.ActivePlanID, &organizationPlan.PendingPlanID)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.OrganizationPlan{}, wrapStoreError(errorSubjectPlan, errorCodeLookup, credits.ErrOrganizationPlanNotFound)
	}
	if err != nil {
		return credits.OrganizationPlan{}, wrapStoreError(errorSubjectPlan, errorCodeLookup, err)
	}
	return organizationPlan, nil
}

// SavePlan inserts or updates a plan definition.
func (q queries) SavePlan(ctx context.Context, plan credits.Plan) error {
	if _, err := q.db.Exec(ctx, sqlUpsertPlan, plan.ID, plan.Name, plan.MonthlyCreditAllowance.Int64()); err != nil {
		return wrapStoreError(errorSubjectPlan, errorCodeCreate, err)
	}
	return nil
}

// SaveOrganizationPlan inserts or updates an organization's plan assignment.
func (q queries) SaveOrganizationPlan(ctx context.Context, organizationPlan credits.OrganizationPlan) error {
	_, err := q.db.Exec(ctx, sqlUpsertOrganizationPlan,
		organizationPlan.OrganizationID.String(), organizationPlan.ActivePlanID, organizationPlan.PendingPlanID)
	if err != nil {
		return wrapStoreError(errorSubjectPlan, errorCodeCreate, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func scanBalance(row rowScanner) (credits.Balance, error) {
	var (
		organizationIDValue string
		monthly, bonus      int64
		reserved, overdraft int64
		used                int64
		balance             credits.Balance
	)
	err := row.Scan(&organizationIDValue, &monthly, &bonus, &reserved, &overdraft, &used,
		&balance.PeriodStart, &balance.PeriodEnd, &balance.UpdatedAt)
	if err != nil {
		return credits.Balance{}, err
	}
	organizationID, err := credits.NewOrganizationID(organizationIDValue)
	if err != nil {
		return credits.Balance{}, err
	}
	balance.OrganizationID = organizationID
	balance.MonthlyCredits = credits.Credits(monthly)
	balance.BonusCredits = credits.Credits(bonus)
	balance.ReservedCredits = credits.Credits(reserved)
	balance.OverdraftLimit = credits.Credits(overdraft)
	balance.UsedThisPeriod = credits.Credits(used)
	balance.PeriodStart = balance.PeriodStart.UTC()
	balance.PeriodEnd = balance.PeriodEnd.UTC()
	balance.UpdatedAt = balance.UpdatedAt.UTC()
	return balance, nil
}

func scanReservation(row rowScanner) (credits.Reservation, error) {
	var (
		reservationIDValue  string
		organizationIDValue string
		keyValue            string
		statusValue         string
		reservedValue       int64
		settledValue        int64
		finalizedAt         *time.Time
		reservation         credits.Reservation
	)
	err := row.Scan(
		&reservationIDValue, &organizationIDValue, &keyValue,
		&reservation.AICapabilityID, &reservation.QualityLevelID,
		&reservedValue, &settledValue, &statusValue, &reservation.ExpiresAt, &reservation.ReleaseReason,
		&reservation.Audit.UserID, &reservation.Audit.UserEmail, &reservation.Audit.FormID,
		&reservation.Audit.FormName, &reservation.Audit.CustomerGoogleID,
		&reservation.CreatedAt, &finalizedAt,
	)
	if err != nil {
		return credits.Reservation{}, err
	}
	if reservation.ID, err = credits.NewReservationID(reservationIDValue); err != nil {
		return credits.Reservation{}, err
	}
	if reservation.OrganizationID, err = credits.NewOrganizationID(organizationIDValue); err != nil {
		return credits.Reservation{}, err
	}
	if reservation.IdempotencyKey, err = credits.NewIdempotencyKey(keyValue); err != nil {
		return credits.Reservation{}, err
	}
	if reservation.Status, err = credits.ParseReservationStatus(statusValue); err != nil {
		return credits.Reservation{}, err
	}
	reservation.ReservedCredits = credits.Credits(reservedValue)
	reservation.SettledCredits = credits.Credits(settledValue)
	reservation.ExpiresAt = reservation.ExpiresAt.UTC()
	reservation.CreatedAt = reservation.CreatedAt.UTC()
	if finalizedAt != nil {
		reservation.FinalizedAt = finalizedAt.UTC()
	}
	return reservation, nil
}

func scanTransaction(row rowScanner) (credits.Transaction, error) {
	var (
		organizationIDValue string
		typeValue           string
		amountValue         int64
		estimatedValue      int64
		balanceAfterValue   int64
		metadataValue       []byte
		transaction         credits.Transaction
	)
	err := row.Scan(
		&transaction.ID, &organizationIDValue, &transaction.IdempotencyKey, &typeValue, &amountValue,
		&estimatedValue, &balanceAfterValue, &transaction.ReservationID,
		&transaction.AICapabilityID, &transaction.QualityLevelID,
		&metadataValue, &transaction.Description,
		&transaction.Audit.UserID, &transaction.Audit.UserEmail, &transaction.Audit.FormID,
		&transaction.Audit.FormName, &transaction.Audit.CustomerGoogleID,
		&transaction.CreatedAt,
	)
	if err != nil {
		return credits.Transaction{}, err
	}
	if transaction.OrganizationID, err = credits.NewOrganizationID(organizationIDValue); err != nil {
		return credits.Transaction{}, err
	}
	if transaction.Type, err = credits.ParseTransactionType(typeValue); err != nil {
		return credits.Transaction{}, err
	}
	if len(metadataValue) > 0 {
		if err := json.Unmarshal(metadataValue, &transaction.ProviderMetadata); err != nil {
			return credits.Transaction{}, err
		}
	}
	transaction.CreditsAmount = credits.Credits(amountValue)
	transaction.EstimatedCredits = credits.Credits(estimatedValue)
	transaction.BalanceAfter = credits.Credits(balanceAfterValue)
	transaction.CreatedAt = transaction.CreatedAt.UTC()
	return transaction, nil
}

func optionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
}
