package scheduler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/aicredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newSQLiteService(t *testing.T, clock func() time.Time) (*credits.Service, *gormstore.Store) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, gormstore.AutoMigrate(db))

	store := gormstore.New(db)
	service, err := credits.NewService(store, clock, credits.WithPlanCatalog(store, store))
	require.NoError(t, err)
	return service, store
}

func TestExpiryJobCountsExpiredReservations(t *testing.T) {
	now := time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)
	current := now
	service, _ := newSQLiteService(t, func() time.Time { return current })
	ctx := context.Background()
	organizationID, err := credits.NewOrganizationID("org-expiry")
	require.NoError(t, err)
	_, err = service.OpenAccount(ctx, credits.OpenAccountParams{
		OrganizationID: organizationID,
		MonthlyCredits: credits.WholeCredits(10),
		PeriodStart:    now.AddDate(0, 0, -1),
	})
	require.NoError(t, err)
	key, err := credits.NewIdempotencyKey("op-1")
	require.NoError(t, err)
	_, err = service.ReserveCredits(ctx, credits.ReserveCreditParams{
		OrganizationID:   organizationID,
		EstimatedCredits: credits.WholeCredits(4),
		AICapabilityID:   "summarize",
		QualityLevelID:   "standard",
		IdempotencyKey:   key,
		ExpiresIn:        time.Minute,
	})
	require.NoError(t, err)
	current = now.Add(10 * time.Minute)

	runner, _ := newTestRunner(t)
	result, err := runner.RunJob(ctx, ExpiryJob(service, time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
}

func TestPeriodResetJobCountsResets(t *testing.T) {
	now := time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)
	service, _ := newSQLiteService(t, func() time.Time { return now })
	ctx := context.Background()
	organizationID, err := credits.NewOrganizationID("org-reset")
	require.NoError(t, err)
	_, err = service.OpenAccount(ctx, credits.OpenAccountParams{
		OrganizationID: organizationID,
		MonthlyCredits: credits.WholeCredits(10),
		PeriodStart:    now.AddDate(0, -2, 0),
	})
	require.NoError(t, err)

	runner, _ := newTestRunner(t)
	result, err := runner.RunJob(ctx, PeriodResetJob(service, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
}
