package credits

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOpenAccountSeedsBalanceAndAllocation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store, newTestClock(testEpoch))
	organizationID := mustOrganizationID(test, "org-new")
	periodStart := time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)

	balance, err := service.OpenAccount(context.Background(), OpenAccountParams{
		OrganizationID: organizationID,
		MonthlyCredits: WholeCredits(25),
		OverdraftLimit: WholeCredits(2),
		PeriodStart:    periodStart,
	})
	if err != nil {
		test.Fatalf("open account: %v", err)
	}
	if !balance.PeriodEnd.Equal(time.Date(2026, time.November, 1, 0, 0, 0, 0, time.UTC)) {
		test.Fatalf("unexpected period end %s", balance.PeriodEnd)
	}
	allocations := store.transactionsOfType(TransactionPlanAllocation)
	if len(allocations) != 1 || allocations[0].CreditsAmount != WholeCredits(25) || allocations[0].BalanceAfter != WholeCredits(25) {
		test.Fatalf("unexpected allocation %+v", allocations)
	}

	_, err = service.OpenAccount(context.Background(), OpenAccountParams{OrganizationID: organizationID})
	if !errors.Is(err, ErrAccountExists) {
		test.Fatalf("expected ErrAccountExists, got %v", err)
	}
	if got := len(store.transactions); got != 1 {
		test.Fatalf("failed open must not write transactions, got %d", got)
	}
}

func TestGrantCreditsAddsBonus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	organizationID := seedBalance(test, store, "org-grant", "10", "1", "0")
	service := mustNewService(test, store, newTestClock(testEpoch))

	transaction, err := service.GrantCredits(context.Background(), GrantParams{
		OrganizationID: organizationID,
		Credits:        WholeCredits(20),
		Type:           TransactionTopupPurchase,
		IdempotencyKey: mustIdempotencyKey(test, "stripe-session-1"),
		Description:    "Top-up 20 credits",
	})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if transaction.BalanceAfter != WholeCredits(31) {
		test.Fatalf("expected balance after 31, got %s", transaction.BalanceAfter)
	}
	if store.mustBalance(test, organizationID).BonusCredits != WholeCredits(21) {
		test.Fatalf("expected bonus 21")
	}

	_, err = service.GrantCredits(context.Background(), GrantParams{
		OrganizationID: organizationID,
		Credits:        WholeCredits(20),
		Type:           TransactionTopupPurchase,
		IdempotencyKey: mustIdempotencyKey(test, "stripe-session-1"),
	})
	if !errors.Is(err, ErrDuplicateIdempotencyKey) {
		test.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
	}
	if store.mustBalance(test, organizationID).BonusCredits != WholeCredits(21) {
		test.Fatalf("duplicate grant must roll back the bonus change")
	}
}

func TestGrantCreditsValidation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	organizationID := seedBalance(test, store, "org-grant-validation", "10", "0", "0")
	service := mustNewService(test, store, newTestClock(testEpoch))
	testCases := []struct {
		name            string
		transactionType TransactionType
		amount          Credits
		expected        error
	}{
		{name: "negative promo", transactionType: TransactionPromoBonus, amount: -1, expected: ErrInvalidCredits},
		{name: "zero adjustment", transactionType: TransactionAdminAdjustment, amount: 0, expected: ErrInvalidCredits},
		{name: "consumption type", transactionType: TransactionAIConsumption, amount: 1, expected: ErrInvalidTransactionType},
		{name: "negative adjustment", transactionType: TransactionAdminAdjustment, amount: WholeCredits(-2)},
	}
	for _, testCase := range testCases {
		_, err := service.GrantCredits(context.Background(), GrantParams{
			OrganizationID: organizationID,
			Credits:        testCase.amount,
			Type:           testCase.transactionType,
			IdempotencyKey: mustIdempotencyKey(test, "grant-"+testCase.name),
		})
		if testCase.expected == nil {
			if err != nil {
				test.Fatalf("%s: unexpected error %v", testCase.name, err)
			}
			continue
		}
		if !errors.Is(err, testCase.expected) {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, err)
		}
	}
	if store.mustBalance(test, organizationID).BonusCredits != WholeCredits(-2) {
		test.Fatalf("expected only the admin adjustment to apply")
	}
}

func TestListTransactionsFiltersAndLimits(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	organizationID := seedBalance(test, store, "org-list", "100", "0", "0")
	clock := newTestClock(testEpoch)
	service := mustNewService(test, store, clock)
	for index := 0; index < 3; index++ {
		reservation, err := service.ReserveCredits(context.Background(), reserveParams(test, organizationID, "1", "list-"+string(rune('a'+index))))
		if err != nil {
			test.Fatalf("reserve: %v", err)
		}
		if _, err := service.SettleCredits(context.Background(), SettleCreditParams{ReservationID: reservation.ReservationID, ActualCredits: WholeCredits(1)}); err != nil {
			test.Fatalf("settle: %v", err)
		}
		clock.Advance(time.Second)
	}
	if _, err := service.GrantCredits(context.Background(), GrantParams{
		OrganizationID: organizationID,
		Credits:        WholeCredits(5),
		Type:           TransactionPromoBonus,
		IdempotencyKey: mustIdempotencyKey(test, "promo"),
	}); err != nil {
		test.Fatalf("grant: %v", err)
	}

	consumption, err := service.ListTransactions(context.Background(), organizationID, TransactionFilter{Type: TransactionAIConsumption, Limit: 2})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(consumption) != 2 {
		test.Fatalf("expected 2 transactions, got %d", len(consumption))
	}
	if !consumption[0].CreatedAt.After(consumption[1].CreatedAt) {
		test.Fatalf("expected newest first")
	}
	all, err := service.ListTransactions(context.Background(), organizationID, TransactionFilter{})
	if err != nil {
		test.Fatalf("list all: %v", err)
	}
	if len(all) != 4 || all[0].Type != TransactionPromoBonus {
		test.Fatalf("unexpected listing %+v", all)
	}
	if _, err := service.ListTransactions(context.Background(), organizationID, TransactionFilter{Type: "bogus"}); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
}
