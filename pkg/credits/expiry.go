package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// JobError is a single row failure collected by a background job.
type JobError struct {
	OrganizationID OrganizationID
	ReservationID  ReservationID
	Err            error
}

func (jobError JobError) Error() string {
	switch {
	case !jobError.ReservationID.IsZero():
		return fmt.Sprintf("reservation %s: %v", jobError.ReservationID, jobError.Err)
	case !jobError.OrganizationID.IsZero():
		return fmt.Sprintf("organization %s: %v", jobError.OrganizationID, jobError.Err)
	default:
		return jobError.Err.Error()
	}
}

func (jobError JobError) Unwrap() error {
	return jobError.Err
}

// ExpiryReport summarizes one RunExpiryJob sweep.
type ExpiryReport struct {
	ExpiredCount    int
	SkippedCount    int
	ReleasedCredits Credits
	Errors          []JobError
	StartedAt       time.Time
	CompletedAt     time.Time
}

// Err aggregates row failures, or returns nil for a clean run.
func (report ExpiryReport) Err() error {
	return aggregateJobErrors(report.Errors)
}

// RunExpiryJob expires pending reservations whose deadline has passed and returns their holds.
// Each reservation is handled in its own transaction; a failing row is recorded and the sweep continues.
func (service *Service) RunExpiryJob(ctx context.Context) ExpiryReport {
	now := service.now()
	report := ExpiryReport{StartedAt: now}
	cursor := ReservationCursor{}
	for {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, JobError{Err: err})
			break
		}
		batch, err := service.store.ListExpiredReservations(ctx, cursor, now, service.expiryBatchSize)
		if err != nil {
			report.Errors = append(report.Errors, JobError{Err: err})
			break
		}
		for _, reservation := range batch {
			expired, err := service.expireReservation(ctx, reservation, now)
			switch {
			case err != nil:
				report.Errors = append(report.Errors, JobError{
					OrganizationID: reservation.OrganizationID,
					ReservationID:  reservation.ID,
					Err:            err,
				})
			case expired:
				report.ExpiredCount++
				report.ReleasedCredits += reservation.ReservedCredits
			default:
				report.SkippedCount++
			}
		}
		if len(batch) < service.expiryBatchSize {
			break
		}
		last := batch[len(batch)-1]
		cursor = ReservationCursor{ExpiresAt: last.ExpiresAt, ReservationID: last.ID.String()}
	}
	report.CompletedAt = service.now()
	return report
}

func (service *Service) expireReservation(ctx context.Context, reservation Reservation, now time.Time) (bool, error) {
	expired := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		next, err := nextReservationStatus(reservation.Status, triggerExpire)
		if err != nil {
			return nil
		}
		applied, err := transactionStore.TransitionReservation(ctx, ReservationTransition{
			ReservationID: reservation.ID,
			From:          ReservationStatusPending,
			To:            next,
			At:            now,
		})
		if err != nil || !applied {
			return err
		}
		if err := transactionStore.ReleaseHold(ctx, reservation.OrganizationID, reservation.ReservedCredits, now); err != nil {
			return err
		}
		expired = true
		return nil
	})
	entry := OperationLog{
		Operation:      operationExpire,
		OrganizationID: reservation.OrganizationID,
		ReservationID:  reservation.ID,
		Credits:        reservation.ReservedCredits,
		IdempotencyKey: reservation.IdempotencyKey,
		Error:          operationError,
	}
	if operationError == nil && !expired {
		entry.Status = operationStatusSkipped
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return false, operationError
	}
	return expired, nil
}

func aggregateJobErrors(jobErrors []JobError) error {
	var aggregated *multierror.Error
	for _, jobError := range jobErrors {
		aggregated = multierror.Append(aggregated, jobError)
	}
	return aggregated.ErrorOrNil()
}
