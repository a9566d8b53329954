package lowbalance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
	"go.uber.org/zap"
)

// DefaultDebounceWindow allows one notification per organization and threshold per day.
const DefaultDebounceWindow = 24 * time.Hour

// Result reasons for notifications that were not sent.
const (
	ReasonNotLow    = "not_low"
	ReasonDebounced = "debounced"
	ReasonNotFound  = "organization_not_found"
)

// LowBalanceEvent describes an organization whose balance crossed a threshold.
type LowBalanceEvent struct {
	OrganizationID   credits.OrganizationID `json:"organization_id"`
	CurrentBalance   credits.Credits        `json:"current_balance"`
	MonthlyCredits   credits.Credits        `json:"monthly_credits"`
	PercentRemaining int                    `json:"percent_remaining"`
	PeriodEndsAt     time.Time              `json:"period_ends_at"`
	Threshold        Threshold              `json:"threshold"`
}

// NotificationResult reports whether an event was delivered.
type NotificationResult struct {
	Sent   bool
	Reason string
	Event  *LowBalanceEvent
}

// BalanceChecker is the slice of credits.Service the notifier reads.
type BalanceChecker interface {
	CheckBalance(ctx context.Context, organizationID credits.OrganizationID, estimatedCost credits.Credits) (credits.CreditBalanceCheck, error)
}

// Sink delivers low balance events.
type Sink interface {
	Notify(ctx context.Context, event LowBalanceEvent) error
}

// Notifier detects low balances and delivers debounced events.
type Notifier struct {
	balances  BalanceChecker
	debouncer Debouncer
	sink      Sink
	window    time.Duration
}

func NewNotifier(balances BalanceChecker, debouncer Debouncer, sink Sink, window time.Duration) (*Notifier, error) {
	if balances == nil || debouncer == nil || sink == nil {
		return nil, errors.New("lowbalance: balance checker, debouncer and sink are required")
	}
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Notifier{balances: balances, debouncer: debouncer, sink: sink, window: window}, nil
}

// BuildEvent returns the event for organizationID, or false when its balance is healthy.
func (notifier *Notifier) BuildEvent(ctx context.Context, organizationID credits.OrganizationID) (LowBalanceEvent, bool, error) {
	check, err := notifier.balances.CheckBalance(ctx, organizationID, 0)
	if err != nil {
		return LowBalanceEvent{}, false, err
	}
	threshold, crossed := DetermineThreshold(check.Available, check.MonthlyCredits)
	if !crossed {
		return LowBalanceEvent{}, false, nil
	}
	return LowBalanceEvent{
		OrganizationID:   organizationID,
		CurrentBalance:   check.Available,
		MonthlyCredits:   check.MonthlyCredits,
		PercentRemaining: PercentRemaining(check.Available, check.MonthlyCredits),
		PeriodEndsAt:     check.PeriodEndsAt,
		Threshold:        threshold,
	}, true, nil
}

// CheckAndNotify builds the event for organizationID and delivers it unless debounced.
func (notifier *Notifier) CheckAndNotify(ctx context.Context, organizationID credits.OrganizationID) (NotificationResult, error) {
	event, crossed, err := notifier.BuildEvent(ctx, organizationID)
	if errors.Is(err, credits.ErrOrganizationNotFound) {
		return NotificationResult{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return NotificationResult{}, err
	}
	if !crossed {
		return NotificationResult{Reason: ReasonNotLow}, nil
	}
	key := debounceKey(organizationID, event.Threshold)
	claimed, err := notifier.debouncer.Claim(ctx, key, notifier.window)
	if err != nil {
		return NotificationResult{}, fmt.Errorf("claim low balance notification: %w", err)
	}
	if !claimed {
		return NotificationResult{Reason: ReasonDebounced}, nil
	}
	if err := notifier.sink.Notify(ctx, event); err != nil {
		_ = notifier.debouncer.Forget(context.WithoutCancel(ctx), key)
		return NotificationResult{}, fmt.Errorf("deliver low balance notification: %w", err)
	}
	return NotificationResult{Sent: true, Event: &event}, nil
}

// Reset clears debounce state for every threshold of organizationID, e.g. after a top-up.
func (notifier *Notifier) Reset(ctx context.Context, organizationID credits.OrganizationID) error {
	var resetErr error
	for _, threshold := range []Threshold{ThresholdLow, ThresholdDepleted} {
		if err := notifier.debouncer.Forget(ctx, debounceKey(organizationID, threshold)); err != nil {
			resetErr = errors.Join(resetErr, err)
		}
	}
	return resetErr
}

func debounceKey(organizationID credits.OrganizationID, threshold Threshold) string {
	return organizationID.String() + ":" + string(threshold)
}

// LogSink writes events to zap.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (sink *LogSink) Notify(ctx context.Context, event LowBalanceEvent) error {
	fields := []zap.Field{
		zap.String("organization_id", event.OrganizationID.String()),
		zap.String("threshold", string(event.Threshold)),
		zap.String("current_balance", event.CurrentBalance.String()),
		zap.String("monthly_credits", event.MonthlyCredits.String()),
		zap.Int("percent_remaining", event.PercentRemaining),
		zap.Time("period_ends_at", event.PeriodEndsAt),
	}
	if event.Threshold == ThresholdDepleted {
		sink.logger.Warn("credits depleted", fields...)
		return nil
	}
	sink.logger.Warn("credits low balance", fields...)
	return nil
}
