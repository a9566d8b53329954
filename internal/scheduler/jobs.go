package scheduler

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
)

// Job names, also used as lock keys and metric labels.
const (
	JobExpireReservations = "expire_reservations"
	JobResetPeriods       = "reset_periods"
)

// ExpiryJob sweeps stale pending reservations through service.
func ExpiryJob(service *credits.Service, interval time.Duration) Job {
	return Job{
		Name:     JobExpireReservations,
		Interval: interval,
		Run: func(ctx context.Context) (JobResult, error) {
			report := service.RunExpiryJob(ctx)
			return JobResult{
				Processed: report.ExpiredCount,
				Skipped:   report.SkippedCount,
				Failed:    len(report.Errors),
			}, report.Err()
		},
	}
}

// PeriodResetJob rolls due billing periods through service.
func PeriodResetJob(service *credits.Service, interval time.Duration) Job {
	return Job{
		Name:     JobResetPeriods,
		Interval: interval,
		Run: func(ctx context.Context) (JobResult, error) {
			report := service.RunPeriodResetJob(ctx)
			return JobResult{
				Processed: report.ResetCount,
				Skipped:   report.SkippedCount,
				Failed:    len(report.Errors),
			}, report.Err()
		},
	}
}
