package credits

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{current: start}
}

func (clock *testClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type sequenceIDs struct {
	prefix string
	next   int
}

func (ids *sequenceIDs) Generate() string {
	ids.next++
	return fmt.Sprintf("%s-%d", ids.prefix, ids.next)
}

// stubStore is an in-memory Store with the same conditional semantics as the SQL stores.
type stubStore struct {
	balances          map[string]Balance
	reservations      map[string]Reservation
	transactions      []Transaction
	plans             map[string]Plan
	organizationPlans map[string]OrganizationPlan
	releaseHoldErrors map[string]error
	rollPeriodBlocked map[string]bool
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances:          map[string]Balance{},
		reservations:      map[string]Reservation{},
		plans:             map[string]Plan{},
		organizationPlans: map[string]OrganizationPlan{},
		releaseHoldErrors: map[string]error{},
		rollPeriodBlocked: map[string]bool{},
	}
}

type stubSnapshot struct {
	balances          map[string]Balance
	reservations      map[string]Reservation
	transactions      []Transaction
	organizationPlans map[string]OrganizationPlan
}

func (store *stubStore) snapshot() stubSnapshot {
	snapshot := stubSnapshot{
		balances:          make(map[string]Balance, len(store.balances)),
		reservations:      make(map[string]Reservation, len(store.reservations)),
		transactions:      append([]Transaction(nil), store.transactions...),
		organizationPlans: make(map[string]OrganizationPlan, len(store.organizationPlans)),
	}
	for key, value := range store.balances {
		snapshot.balances[key] = value
	}
	for key, value := range store.reservations {
		snapshot.reservations[key] = value
	}
	for key, value := range store.organizationPlans {
		snapshot.organizationPlans[key] = value
	}
	return snapshot
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.balances = snapshot.balances
	store.reservations = snapshot.reservations
	store.transactions = snapshot.transactions
	store.organizationPlans = snapshot.organizationPlans
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *stubStore) CreateBalance(_ context.Context, balance Balance) error {
	if _, exists := store.balances[balance.OrganizationID.String()]; exists {
		return ErrAccountExists
	}
	store.balances[balance.OrganizationID.String()] = balance
	return nil
}

func (store *stubStore) GetBalance(_ context.Context, organizationID OrganizationID) (Balance, error) {
	balance, ok := store.balances[organizationID.String()]
	if !ok {
		return Balance{}, ErrOrganizationNotFound
	}
	return balance, nil
}

func (store *stubStore) GetBalanceForUpdate(ctx context.Context, organizationID OrganizationID) (Balance, error) {
	return store.GetBalance(ctx, organizationID)
}

func (store *stubStore) HoldCredits(_ context.Context, organizationID OrganizationID, amount Credits, at time.Time) (bool, error) {
	balance, ok := store.balances[organizationID.String()]
	if !ok || balance.Spendable() < amount {
		return false, nil
	}
	balance.ReservedCredits += amount
	balance.UpdatedAt = at
	store.balances[organizationID.String()] = balance
	return true, nil
}

func (store *stubStore) ReleaseHold(_ context.Context, organizationID OrganizationID, amount Credits, at time.Time) error {
	if err := store.releaseHoldErrors[organizationID.String()]; err != nil {
		return err
	}
	balance, ok := store.balances[organizationID.String()]
	if !ok {
		return ErrOrganizationNotFound
	}
	balance.ReservedCredits = max(balance.ReservedCredits-amount, 0)
	balance.UpdatedAt = at
	store.balances[organizationID.String()] = balance
	return nil
}

func (store *stubStore) ApplySettlement(_ context.Context, update SettlementUpdate) (Balance, error) {
	balance, ok := store.balances[update.OrganizationID.String()]
	if !ok {
		return Balance{}, ErrOrganizationNotFound
	}
	balance.ReservedCredits = max(balance.ReservedCredits-update.HeldCredits, 0)
	balance.MonthlyCredits -= update.Split.MonthlyDeducted
	balance.BonusCredits -= update.Split.BonusDeducted
	balance.UsedThisPeriod += update.ActualCredits
	balance.UpdatedAt = update.At
	store.balances[update.OrganizationID.String()] = balance
	return balance, nil
}

func (store *stubStore) AdjustBonus(_ context.Context, organizationID OrganizationID, delta Credits, at time.Time) (Balance, error) {
	balance, ok := store.balances[organizationID.String()]
	if !ok {
		return Balance{}, ErrOrganizationNotFound
	}
	balance.BonusCredits += delta
	balance.UpdatedAt = at
	store.balances[organizationID.String()] = balance
	return balance, nil
}

func (store *stubStore) RollBillingPeriod(_ context.Context, rollover BillingPeriodRollover) (Balance, bool, error) {
	balance, ok := store.balances[rollover.OrganizationID.String()]
	if !ok || store.rollPeriodBlocked[rollover.OrganizationID.String()] {
		return Balance{}, false, nil
	}
	if !balance.PeriodEnd.Equal(rollover.ExpectedPeriodEnd) || balance.PeriodEnd.After(rollover.Now) {
		return Balance{}, false, nil
	}
	balance.MonthlyCredits = rollover.MonthlyAllocation
	balance.ReservedCredits = 0
	balance.UsedThisPeriod = 0
	balance.PeriodStart = rollover.NewPeriodStart
	balance.PeriodEnd = rollover.NewPeriodEnd
	balance.UpdatedAt = rollover.Now
	store.balances[rollover.OrganizationID.String()] = balance
	return balance, true, nil
}

func (store *stubStore) ListBalancesDueForReset(_ context.Context, cursor BalanceCursor, now time.Time, limit int) ([]Balance, error) {
	var due []Balance
	for _, balance := range store.balances {
		if balance.PeriodEnd.After(now) {
			continue
		}
		if !cursor.IsZero() {
			if balance.PeriodEnd.Before(cursor.PeriodEnd) {
				continue
			}
			if balance.PeriodEnd.Equal(cursor.PeriodEnd) && balance.OrganizationID.String() <= cursor.OrganizationID {
				continue
			}
		}
		due = append(due, balance)
	}
	sort.Slice(due, func(left, right int) bool {
		if !due[left].PeriodEnd.Equal(due[right].PeriodEnd) {
			return due[left].PeriodEnd.Before(due[right].PeriodEnd)
		}
		return due[left].OrganizationID.String() < due[right].OrganizationID.String()
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (store *stubStore) CreateReservation(_ context.Context, reservation Reservation) error {
	for _, existing := range store.reservations {
		if existing.OrganizationID == reservation.OrganizationID && existing.IdempotencyKey == reservation.IdempotencyKey {
			return ErrDuplicateIdempotencyKey
		}
	}
	store.reservations[reservation.ID.String()] = reservation
	return nil
}

func (store *stubStore) GetReservation(_ context.Context, reservationID ReservationID) (Reservation, error) {
	reservation, ok := store.reservations[reservationID.String()]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return reservation, nil
}

func (store *stubStore) FindReservationByIdempotencyKey(_ context.Context, organizationID OrganizationID, key IdempotencyKey) (Reservation, bool, error) {
	for _, reservation := range store.reservations {
		if reservation.OrganizationID == organizationID && reservation.IdempotencyKey == key {
			return reservation, true, nil
		}
	}
	return Reservation{}, false, nil
}

func (store *stubStore) TransitionReservation(_ context.Context, transition ReservationTransition) (bool, error) {
	reservation, ok := store.reservations[transition.ReservationID.String()]
	if !ok || reservation.Status != transition.From {
		return false, nil
	}
	reservation.Status = transition.To
	reservation.FinalizedAt = transition.At
	if transition.To == ReservationStatusSettled {
		reservation.SettledCredits = transition.SettledCredits
	}
	if transition.ReleaseReason != "" {
		reservation.ReleaseReason = transition.ReleaseReason
	}
	store.reservations[transition.ReservationID.String()] = reservation
	return true, nil
}

func (store *stubStore) ListExpiredReservations(_ context.Context, cursor ReservationCursor, now time.Time, limit int) ([]Reservation, error) {
	var expired []Reservation
	for _, reservation := range store.reservations {
		if reservation.Status != ReservationStatusPending || !reservation.ExpiresAt.Before(now) {
			continue
		}
		if !cursor.IsZero() {
			if reservation.ExpiresAt.Before(cursor.ExpiresAt) {
				continue
			}
			if reservation.ExpiresAt.Equal(cursor.ExpiresAt) && reservation.ID.String() <= cursor.ReservationID {
				continue
			}
		}
		expired = append(expired, reservation)
	}
	sort.Slice(expired, func(left, right int) bool {
		if !expired[left].ExpiresAt.Equal(expired[right].ExpiresAt) {
			return expired[left].ExpiresAt.Before(expired[right].ExpiresAt)
		}
		return expired[left].ID.String() < expired[right].ID.String()
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (store *stubStore) InsertTransaction(_ context.Context, transaction Transaction) error {
	if transaction.IdempotencyKey != "" {
		for _, existing := range store.transactions {
			if existing.OrganizationID == transaction.OrganizationID && existing.IdempotencyKey == transaction.IdempotencyKey {
				return ErrDuplicateIdempotencyKey
			}
		}
	}
	store.transactions = append(store.transactions, transaction)
	return nil
}

func (store *stubStore) ListTransactions(_ context.Context, organizationID OrganizationID, filter TransactionFilter) ([]Transaction, error) {
	var listed []Transaction
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if transaction.OrganizationID != organizationID {
			continue
		}
		if filter.Type != "" && transaction.Type != filter.Type {
			continue
		}
		if !filter.Before.IsZero() && !transaction.CreatedAt.Before(filter.Before) {
			if !transaction.CreatedAt.Equal(filter.Before) || filter.BeforeID == "" || transaction.ID >= filter.BeforeID {
				continue
			}
		}
		listed = append(listed, transaction)
		if len(listed) == filter.Limit {
			break
		}
	}
	return listed, nil
}

func (store *stubStore) ActivatePendingPlan(_ context.Context, organizationID OrganizationID, pendingPlanID string) (bool, error) {
	organizationPlan, ok := store.organizationPlans[organizationID.String()]
	if !ok || organizationPlan.PendingPlanID != pendingPlanID {
		return false, nil
	}
	organizationPlan.ActivePlanID = pendingPlanID
	organizationPlan.PendingPlanID = ""
	store.organizationPlans[organizationID.String()] = organizationPlan
	return true, nil
}

func (store *stubStore) ClearPendingPlan(_ context.Context, organizationID OrganizationID) error {
	organizationPlan, ok := store.organizationPlans[organizationID.String()]
	if !ok {
		return nil
	}
	organizationPlan.PendingPlanID = ""
	store.organizationPlans[organizationID.String()] = organizationPlan
	return nil
}

func (store *stubStore) GetPlan(_ context.Context, planID string) (Plan, error) {
	plan, ok := store.plans[planID]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return plan, nil
}

func (store *stubStore) GetOrganizationPlan(_ context.Context, organizationID OrganizationID) (OrganizationPlan, error) {
	organizationPlan, ok := store.organizationPlans[organizationID.String()]
	if !ok {
		return OrganizationPlan{}, ErrOrganizationPlanNotFound
	}
	return organizationPlan, nil
}

func (store *stubStore) putBalance(balance Balance) {
	store.balances[balance.OrganizationID.String()] = balance
}

func (store *stubStore) mustBalance(test *testing.T, organizationID OrganizationID) Balance {
	test.Helper()
	balance, ok := store.balances[organizationID.String()]
	if !ok {
		test.Fatalf("balance %s not found", organizationID)
	}
	return balance
}

func (store *stubStore) mustReservation(test *testing.T, reservationID ReservationID) Reservation {
	test.Helper()
	reservation, ok := store.reservations[reservationID.String()]
	if !ok {
		test.Fatalf("reservation %s not found", reservationID)
	}
	return reservation
}

func (store *stubStore) transactionsOfType(transactionType TransactionType) []Transaction {
	var matching []Transaction
	for _, transaction := range store.transactions {
		if transaction.Type == transactionType {
			matching = append(matching, transaction)
		}
	}
	return matching
}

type failingStore struct {
	*stubStore
	err error
}

func newFailingStore(test *testing.T, err error) failingStore {
	test.Helper()
	return failingStore{stubStore: newStubStore(test), err: err}
}

func (store failingStore) WithTx(context.Context, func(ctx context.Context, txStore Store) error) error {
	return store.err
}

func (store failingStore) GetBalance(context.Context, OrganizationID) (Balance, error) {
	return Balance{}, store.err
}

func (store failingStore) FindReservationByIdempotencyKey(context.Context, OrganizationID, IdempotencyKey) (Reservation, bool, error) {
	return Reservation{}, false, store.err
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	ids := &sequenceIDs{prefix: "id"}
	allOptions := append([]ServiceOption{WithIDGenerator(ids.Generate)}, options...)
	service, err := NewService(store, clock.Now, allOptions...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustOrganizationID(test *testing.T, raw string) OrganizationID {
	test.Helper()
	organizationID, err := NewOrganizationID(raw)
	if err != nil {
		test.Fatalf("organization id: %v", err)
	}
	return organizationID
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	reservationID, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return reservationID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustParseCredits(test *testing.T, raw string) Credits {
	test.Helper()
	amount, err := ParseCredits(raw)
	if err != nil {
		test.Fatalf("parse credits %q: %v", raw, err)
	}
	return amount
}

func seedBalance(test *testing.T, store *stubStore, organization string, monthly string, bonus string, overdraft string) OrganizationID {
	test.Helper()
	organizationID := mustOrganizationID(test, organization)
	store.putBalance(Balance{
		OrganizationID: organizationID,
		MonthlyCredits: mustParseCredits(test, monthly),
		BonusCredits:   mustParseCredits(test, bonus),
		OverdraftLimit: mustParseCredits(test, overdraft),
		PeriodStart:    testEpoch.AddDate(0, 0, -10),
		PeriodEnd:      testEpoch.AddDate(0, 0, 20),
	})
	return organizationID
}

func reserveParams(test *testing.T, organizationID OrganizationID, estimated string, key string) ReserveCreditParams {
	test.Helper()
	return ReserveCreditParams{
		OrganizationID:   organizationID,
		EstimatedCredits: mustParseCredits(test, estimated),
		AICapabilityID:   "cap-text",
		QualityLevelID:   "quality-standard",
		IdempotencyKey:   mustIdempotencyKey(test, key),
		Audit:            AuditSnapshot{UserID: "user-1", UserEmail: "user@example.com", FormID: "form-1"},
	}
}
