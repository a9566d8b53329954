package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/aicredits/internal/observability"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	lockKeyPrefix  = "credits:job:"
	defaultLockTTL = 10 * time.Minute
)

// ErrInvalidJob reports a job without a name, a run function or a positive interval.
var ErrInvalidJob = errors.New("invalid scheduled job")

// JobResult counts the rows a job run touched.
type JobResult struct {
	Processed int
	Skipped   int
	Failed    int
}

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (JobResult, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLocker guards each run with a distributed lock held for at most ttl.
func WithLocker(locker Locker, ttl time.Duration) Option {
	return func(runner *Runner) {
		runner.locker = locker
		if ttl > 0 {
			runner.lockTTL = ttl
		}
	}
}

// WithMetrics records run outcomes and row counts.
func WithMetrics(metrics *observability.JobMetrics) Option {
	return func(runner *Runner) {
		runner.metrics = metrics
	}
}

// WithClock overrides time.Now for run timing.
func WithClock(clock func() time.Time) Option {
	return func(runner *Runner) {
		if clock != nil {
			runner.now = clock
		}
	}
}

// Runner executes jobs once or on their intervals.
type Runner struct {
	logger  *zap.Logger
	ids     *snowflake.Node
	locker  Locker
	lockTTL time.Duration
	metrics *observability.JobMetrics
	now     func() time.Time
}

func New(logger *zap.Logger, ids *snowflake.Node, options ...Option) (*Runner, error) {
	if ids == nil {
		return nil, errors.New("scheduler: run id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	runner := &Runner{
		logger:  logger,
		ids:     ids,
		lockTTL: defaultLockTTL,
		now:     time.Now,
	}
	for _, option := range options {
		option(runner)
	}
	return runner, nil
}

// RunJob executes job once. A run that loses the lock returns a zero result and no error.
func (runner *Runner) RunJob(ctx context.Context, job Job) (JobResult, error) {
	if job.Name == "" || job.Run == nil {
		return JobResult{}, ErrInvalidJob
	}
	runID := runner.ids.Generate().String()
	logger := runner.logger.With(zap.String("job", job.Name), zap.String("run_id", runID))

	if runner.locker != nil {
		lockKey := lockKeyPrefix + job.Name
		token, acquired, err := runner.locker.TryLock(ctx, lockKey, runner.lockTTL)
		if err != nil {
			runner.metrics.ObserveRun(job.Name, observability.JobOutcomeFailure, 0)
			logger.Error("credits.job.lock_failed", zap.Error(err))
			return JobResult{}, fmt.Errorf("acquire %s lock: %w", job.Name, err)
		}
		if !acquired {
			runner.metrics.ObserveRun(job.Name, observability.JobOutcomeSkipped, 0)
			logger.Info("credits.job.skipped", zap.String("reason", "lock_held"))
			return JobResult{}, nil
		}
		defer func() {
			if releaseErr := runner.locker.Release(context.WithoutCancel(ctx), lockKey, token); releaseErr != nil {
				logger.Warn("credits.job.unlock_failed", zap.Error(releaseErr))
			}
		}()
	}

	startedAt := runner.now()
	logger.Info("credits.job.start")
	result, err := job.Run(ctx)
	elapsed := runner.now().Sub(startedAt)

	runner.metrics.AddRows(job.Name, observability.RowResultProcessed, result.Processed)
	runner.metrics.AddRows(job.Name, observability.RowResultSkipped, result.Skipped)
	runner.metrics.AddRows(job.Name, observability.RowResultFailed, result.Failed)
	outcome := jobOutcome(result, err)
	runner.metrics.ObserveRun(job.Name, outcome, elapsed)

	fields := []zap.Field{
		zap.String("outcome", outcome),
		zap.Int("processed", result.Processed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil {
		logger.Error("credits.job.finish", append(fields, zap.Error(err))...)
		return result, err
	}
	logger.Info("credits.job.finish", fields...)
	return result, nil
}

// RunForever runs every job on its own interval until ctx is cancelled. Job failures are
// logged and do not stop the loop.
func (runner *Runner) RunForever(ctx context.Context, jobs ...Job) error {
	for _, job := range jobs {
		if job.Name == "" || job.Run == nil || job.Interval <= 0 {
			return fmt.Errorf("%w: %q", ErrInvalidJob, job.Name)
		}
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		group.Go(func() error {
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				_, _ = runner.RunJob(groupCtx, job)
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return group.Wait()
}

func jobOutcome(result JobResult, err error) string {
	switch {
	case err == nil:
		return observability.JobOutcomeSuccess
	case result.Processed > 0:
		return observability.JobOutcomePartial
	default:
		return observability.JobOutcomeFailure
	}
}
