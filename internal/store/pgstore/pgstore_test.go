package pgstore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
)

const testDatabaseURLEnv = "CREDITS_TEST_DATABASE_URL"

func openTestStore(test *testing.T) *Store {
	test.Helper()
	databaseURL := os.Getenv(testDatabaseURLEnv)
	if databaseURL == "" {
		test.Skipf("%s is not set", testDatabaseURLEnv)
	}
	pool, err := pgxpool.New(context.Background(), databaseURL)
	require.NoError(test, err)
	test.Cleanup(pool.Close)

	db := stdlib.OpenDBFromPool(pool)
	test.Cleanup(func() { _ = db.Close() })
	require.NoError(test, Migrate(db))
	return New(pool)
}

func newTestService(test *testing.T, store *Store, now time.Time) *credits.Service {
	test.Helper()
	service, err := credits.NewService(store, func() time.Time { return now }, credits.WithPlanCatalog(store, store))
	require.NoError(test, err)
	return service
}

func openTestAccount(test *testing.T, service *credits.Service, monthly int64, now time.Time) credits.OrganizationID {
	test.Helper()
	organizationID, err := credits.NewOrganizationID("org-" + uuid.NewString())
	require.NoError(test, err)
	_, err = service.OpenAccount(context.Background(), credits.OpenAccountParams{
		OrganizationID: organizationID,
		MonthlyCredits: credits.WholeCredits(monthly),
		PeriodStart:    now.Add(-time.Hour),
	})
	require.NoError(test, err)
	return organizationID
}

func newTestKey(test *testing.T) credits.IdempotencyKey {
	test.Helper()
	key, err := credits.NewIdempotencyKey("op-" + uuid.NewString())
	require.NoError(test, err)
	return key
}

func TestPostgresReserveSettleRoundTrip(test *testing.T) {
	store := openTestStore(test)
	now := time.Now().UTC().Truncate(time.Second)
	service := newTestService(test, store, now)
	ctx := context.Background()
	organizationID := openTestAccount(test, service, 100, now)

	reservation, err := service.ReserveCredits(ctx, credits.ReserveCreditParams{
		OrganizationID:   organizationID,
		EstimatedCredits: credits.WholeCredits(10),
		AICapabilityID:   "summarize",
		QualityLevelID:   "standard",
		IdempotencyKey:   newTestKey(test),
	})
	require.NoError(test, err)

	settlement, err := service.SettleCredits(ctx, credits.SettleCreditParams{
		ReservationID:    reservation.ReservationID,
		ActualCredits:    credits.WholeCredits(8),
		ProviderMetadata: credits.ProviderMetadata{Provider: "openai", Model: "gpt-4o"},
	})
	require.NoError(test, err)
	require.Equal(test, credits.WholeCredits(8), settlement.ActualCredits)

	transactions, err := service.ListTransactions(ctx, organizationID, credits.TransactionFilter{Type: credits.TransactionAIConsumption})
	require.NoError(test, err)
	require.Len(test, transactions, 1)
	require.Equal(test, "openai", transactions[0].ProviderMetadata.Provider)
	require.Equal(test, credits.WholeCredits(-8), transactions[0].CreditsAmount)
}

func TestPostgresConcurrentHoldsNeverOvercommit(test *testing.T) {
	store := openTestStore(test)
	now := time.Now().UTC().Truncate(time.Second)
	service := newTestService(test, store, now)
	ctx := context.Background()
	organizationID := openTestAccount(test, service, 10, now)

	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		succeeded int
	)
	for index := 0; index < 12; index++ {
		key := newTestKey(test)
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.ReserveCredits(ctx, credits.ReserveCreditParams{
				OrganizationID:   organizationID,
				EstimatedCredits: credits.WholeCredits(3),
				AICapabilityID:   "summarize",
				QualityLevelID:   "standard",
				IdempotencyKey:   key,
			})
			if err == nil {
				mutex.Lock()
				succeeded++
				mutex.Unlock()
				return
			}
			if !errors.Is(err, credits.ErrInsufficientCredits) {
				test.Errorf("unexpected reserve error: %v", err)
			}
		}()
	}
	waitGroup.Wait()
	require.Equal(test, 3, succeeded)

	balance, err := store.GetBalance(ctx, organizationID)
	require.NoError(test, err)
	require.Equal(test, credits.WholeCredits(9), balance.ReservedCredits)
}

func TestPostgresDuplicateTransactionKeyRejected(test *testing.T) {
	store := openTestStore(test)
	now := time.Now().UTC().Truncate(time.Second)
	service := newTestService(test, store, now)
	ctx := context.Background()
	organizationID := openTestAccount(test, service, 10, now)

	transaction := credits.Transaction{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		Type:           credits.TransactionPromoBonus,
		CreditsAmount:  credits.WholeCredits(1),
		IdempotencyKey: "promo:" + uuid.NewString(),
		CreatedAt:      now,
	}
	require.NoError(test, store.InsertTransaction(ctx, transaction))
	transaction.ID = uuid.NewString()
	err := store.InsertTransaction(ctx, transaction)
	require.ErrorIs(test, err, credits.ErrDuplicateIdempotencyKey)
}

func TestPostgresRollBillingPeriodGuardsPeriodEnd(test *testing.T) {
	store := openTestStore(test)
	now := time.Now().UTC().Truncate(time.Second)
	service := newTestService(test, store, now)
	ctx := context.Background()
	organizationID := openTestAccount(test, service, 10, now)

	balance, err := store.GetBalance(ctx, organizationID)
	require.NoError(test, err)

	_, rolled, err := store.RollBillingPeriod(ctx, credits.BillingPeriodRollover{
		OrganizationID:    organizationID,
		ExpectedPeriodEnd: balance.PeriodEnd,
		NewPeriodStart:    balance.PeriodEnd,
		NewPeriodEnd:      balance.PeriodEnd.AddDate(0, 1, 0),
		MonthlyAllocation: credits.WholeCredits(50),
		Now:               now,
	})
	require.NoError(test, err)
	require.False(test, rolled)
}
