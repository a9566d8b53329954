package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/aicredits/pkg/credits"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	operationLogMessage = "credits.operation"
	statusSkipped       = "skipped"
)

// OperationLogger writes credits.OperationLog entries to zap and counts them per operation and status.
type OperationLogger struct {
	logger     *zap.Logger
	operations *prometheus.CounterVec
}

// NewOperationLogger registers the operation counter on registerer. A nil registerer uses the default one.
func NewOperationLogger(logger *zap.Logger, registerer prometheus.Registerer) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_operations_total",
		Help: "Credit ledger operations by name and outcome.",
	}, []string{"operation", "status"})
	registerer.MustRegister(operations)
	return &OperationLogger{logger: logger, operations: operations}
}

func (operationLogger *OperationLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	if operationLogger == nil {
		return
	}
	operationLogger.operations.WithLabelValues(entry.Operation, entry.Status).Inc()

	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.OrganizationID.IsZero() {
		fields = append(fields, zap.String("organization_id", entry.OrganizationID.String()))
	}
	if !entry.ReservationID.IsZero() {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID.String()))
	}
	if entry.IdempotencyKey.String() != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if entry.Credits != 0 {
		fields = append(fields, zap.String("credits", entry.Credits.String()))
	}
	if entry.Detail != "" {
		fields = append(fields, zap.String("detail", entry.Detail))
	}

	switch {
	case entry.Error == nil && entry.Status == statusSkipped:
		operationLogger.logger.Debug(operationLogMessage, fields...)
	case entry.Error == nil:
		operationLogger.logger.Info(operationLogMessage, fields...)
	default:
		fields = append(fields, zap.Error(entry.Error))
		if code, ok := credits.ErrorCode(entry.Error); ok {
			// Coded errors are caller-facing outcomes, not faults.
			operationLogger.logger.Warn(operationLogMessage, append(fields, zap.String("code", code))...)
			return
		}
		operationLogger.logger.Error(operationLogMessage, fields...)
	}
}
