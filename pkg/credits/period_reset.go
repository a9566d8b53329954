package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// OrganizationResetResult describes one applied billing period rollover.
type OrganizationResetResult struct {
	OrganizationID    OrganizationID
	PreviousPeriodEnd time.Time
	NewPeriodStart    time.Time
	NewPeriodEnd      time.Time
	MonthlyAllocation Credits
	PreviousPlanID    string
	PlanID            string
	PlanChanged       bool
	HasActivePlan     bool
}

// PeriodResetReport summarizes one RunPeriodResetJob sweep.
type PeriodResetReport struct {
	ResetCount         int
	PlanChangesApplied int
	SkippedCount       int
	Results            []OrganizationResetResult
	Errors             []JobError
	StartedAt          time.Time
	CompletedAt        time.Time
}

// Err aggregates row failures, or returns nil for a clean run.
func (report PeriodResetReport) Err() error {
	return aggregateJobErrors(report.Errors)
}

type resetPlanDecision struct {
	allocation      Credits
	hasActivePlan   bool
	previousPlanID  string
	previousName    string
	nextPlanID      string
	nextName        string
	activatePending bool
	clearPending    bool
}

// RunPeriodResetJob rolls every balance whose period has ended into its next monthly period,
// applying pending plan changes. Each organization is reset at most once per run.
func (service *Service) RunPeriodResetJob(ctx context.Context) PeriodResetReport {
	now := service.now()
	report := PeriodResetReport{StartedAt: now}
	if service.plans == nil || service.organizations == nil {
		report.Errors = append(report.Errors, JobError{Err: fmt.Errorf("%w: plan catalog is not configured", ErrInvalidServiceConfig)})
		report.CompletedAt = now
		return report
	}
	seen := make(map[string]struct{})
	cursor := BalanceCursor{}
	for {
		if err := ctx.Err(); err != nil {
			report.Errors = append(report.Errors, JobError{Err: err})
			break
		}
		batch, err := service.store.ListBalancesDueForReset(ctx, cursor, now, service.resetBatchSize)
		if err != nil {
			report.Errors = append(report.Errors, JobError{Err: err})
			break
		}
		for _, balance := range batch {
			if _, processed := seen[balance.OrganizationID.String()]; processed {
				continue
			}
			seen[balance.OrganizationID.String()] = struct{}{}
			result, applied, err := service.resetOrganization(ctx, balance, now)
			switch {
			case err != nil:
				report.Errors = append(report.Errors, JobError{OrganizationID: balance.OrganizationID, Err: err})
			case applied:
				report.ResetCount++
				if result.PlanChanged {
					report.PlanChangesApplied++
				}
				report.Results = append(report.Results, result)
			default:
				report.SkippedCount++
			}
		}
		if len(batch) < service.resetBatchSize {
			break
		}
		last := batch[len(batch)-1]
		cursor = BalanceCursor{PeriodEnd: last.PeriodEnd, OrganizationID: last.OrganizationID.String()}
	}
	report.CompletedAt = service.now()
	return report
}

func (service *Service) resetOrganization(ctx context.Context, balance Balance, now time.Time) (OrganizationResetResult, bool, error) {
	result := OrganizationResetResult{
		OrganizationID:    balance.OrganizationID,
		PreviousPeriodEnd: balance.PeriodEnd,
		NewPeriodStart:    balance.PeriodEnd,
		NewPeriodEnd:      nextPeriodEnd(balance.PeriodEnd),
	}
	applied := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		decision, err := service.decideResetPlan(ctx, transactionStore, balance.OrganizationID)
		if err != nil {
			return err
		}
		updated, rolled, err := transactionStore.RollBillingPeriod(ctx, BillingPeriodRollover{
			OrganizationID:    balance.OrganizationID,
			ExpectedPeriodEnd: balance.PeriodEnd,
			NewPeriodStart:    result.NewPeriodStart,
			NewPeriodEnd:      result.NewPeriodEnd,
			MonthlyAllocation: decision.allocation,
			Now:               now,
		})
		if err != nil || !rolled {
			return err
		}
		if decision.activatePending {
			activated, err := transactionStore.ActivatePendingPlan(ctx, balance.OrganizationID, decision.nextPlanID)
			if err != nil {
				return err
			}
			if !activated {
				return fmt.Errorf("%w: expected pending plan %s", ErrPendingPlanChanged, decision.nextPlanID)
			}
		}
		if decision.clearPending {
			if err := transactionStore.ClearPendingPlan(ctx, balance.OrganizationID); err != nil {
				return err
			}
		}
		if err := service.recordPeriodTransactions(ctx, transactionStore, updated, decision, result.NewPeriodStart, now); err != nil {
			return err
		}
		result.MonthlyAllocation = decision.allocation
		result.PreviousPlanID = decision.previousPlanID
		result.PlanID = decision.nextPlanID
		result.PlanChanged = decision.planChanged()
		result.HasActivePlan = decision.hasActivePlan
		applied = true
		return nil
	})
	entry := OperationLog{
		Operation:      operationPeriodReset,
		OrganizationID: balance.OrganizationID,
		Credits:        result.MonthlyAllocation,
		Error:          operationError,
	}
	if result.PlanChanged {
		entry.Detail = fmt.Sprintf("plan %s -> %s", result.PreviousPlanID, result.PlanID)
	}
	if operationError == nil && !applied {
		entry.Status = operationStatusSkipped
	}
	service.logOperation(ctx, entry)
	if operationError != nil {
		return OrganizationResetResult{}, false, operationError
	}
	return result, applied, nil
}

// catalogReaders returns plan readers bound to the transaction when the store provides them,
// falling back to the configured catalog otherwise.
func (service *Service) catalogReaders(transactionStore Store) (PlanReader, OrganizationReader) {
	plans, organizations := service.plans, service.organizations
	if reader, ok := transactionStore.(PlanReader); ok {
		plans = reader
	}
	if reader, ok := transactionStore.(OrganizationReader); ok {
		organizations = reader
	}
	return plans, organizations
}

func (service *Service) decideResetPlan(ctx context.Context, transactionStore Store, organizationID OrganizationID) (resetPlanDecision, error) {
	decision := resetPlanDecision{previousName: planNameNone}
	plans, organizations := service.catalogReaders(transactionStore)
	organizationPlan, err := organizations.GetOrganizationPlan(ctx, organizationID)
	if errors.Is(err, ErrOrganizationPlanNotFound) {
		return decision, nil
	}
	if err != nil {
		return decision, err
	}
	decision.previousPlanID = organizationPlan.ActivePlanID
	decision.nextPlanID = organizationPlan.ActivePlanID
	if organizationPlan.ActivePlanID != "" {
		activePlan, err := plans.GetPlan(ctx, organizationPlan.ActivePlanID)
		switch {
		case errors.Is(err, ErrPlanNotFound):
		case err != nil:
			return decision, err
		default:
			decision.hasActivePlan = true
			decision.allocation = activePlan.MonthlyCreditAllowance
			decision.previousName = planDisplayName(activePlan)
		}
	}
	decision.nextName = decision.previousName
	if organizationPlan.PendingPlanID == "" {
		return decision, nil
	}
	pendingPlan, err := plans.GetPlan(ctx, organizationPlan.PendingPlanID)
	if errors.Is(err, ErrPlanNotFound) {
		decision.clearPending = true
		return decision, nil
	}
	if err != nil {
		return decision, err
	}
	decision.activatePending = true
	decision.hasActivePlan = true
	decision.allocation = pendingPlan.MonthlyCreditAllowance
	decision.nextPlanID = pendingPlan.ID
	decision.nextName = planDisplayName(pendingPlan)
	return decision, nil
}

func (decision resetPlanDecision) planChanged() bool {
	return decision.activatePending && decision.nextPlanID != decision.previousPlanID
}

func (service *Service) recordPeriodTransactions(ctx context.Context, transactionStore Store, updated Balance, decision resetPlanDecision, periodStart time.Time, now time.Time) error {
	allocationKey, err := periodIdempotencyKey(periodStart, idempotencySuffixAllocation)
	if err != nil {
		return err
	}
	description := fmt.Sprintf(allocationDescriptionFormat, periodStart.Format("January 2006"))
	if !decision.hasActivePlan {
		description += allocationNoPlanSuffix
	}
	if err := transactionStore.InsertTransaction(ctx, Transaction{
		ID:             service.newID(),
		OrganizationID: updated.OrganizationID,
		Type:           TransactionPlanAllocation,
		CreditsAmount:  decision.allocation,
		BalanceAfter:   updated.Available(),
		IdempotencyKey: allocationKey.String(),
		Description:    description,
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	if !decision.planChanged() {
		return nil
	}
	adjustmentKey, err := periodIdempotencyKey(periodStart, idempotencySuffixPlanAdjustment)
	if err != nil {
		return err
	}
	return transactionStore.InsertTransaction(ctx, Transaction{
		ID:             service.newID(),
		OrganizationID: updated.OrganizationID,
		Type:           TransactionPlanChangeAdjustment,
		BalanceAfter:   updated.Available(),
		IdempotencyKey: adjustmentKey.String(),
		Description:    fmt.Sprintf(planChangeDescriptionFormat, decision.previousName, decision.nextName),
		CreatedAt:      now,
	})
}

func planDisplayName(plan Plan) string {
	if plan.Name != "" {
		return plan.Name
	}
	return plan.ID
}
