package credits

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation or a job row outcome.
type OperationLog struct {
	Operation      string
	OrganizationID OrganizationID
	ReservationID  ReservationID
	Credits        Credits
	IdempotencyKey IdempotencyKey
	Detail         string
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIDGenerator overrides the generator used for reservation and transaction ids.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}

// WithPlanCatalog wires the plan collaborators needed by RunPeriodResetJob.
func WithPlanCatalog(plans PlanReader, organizations OrganizationReader) ServiceOption {
	return func(service *Service) {
		service.plans = plans
		service.organizations = organizations
	}
}

// WithDefaultReservationTTL sets the hold lifetime used when a reservation omits one.
func WithDefaultReservationTTL(ttl time.Duration) ServiceOption {
	return func(service *Service) {
		if ttl > 0 {
			service.defaultReservationTTL = ttl
		}
	}
}

// WithBatchSizes sets the page sizes used by the expiry and period reset jobs.
func WithBatchSizes(expiryBatchSize int, resetBatchSize int) ServiceOption {
	return func(service *Service) {
		if expiryBatchSize > 0 {
			service.expiryBatchSize = expiryBatchSize
		}
		if resetBatchSize > 0 {
			service.resetBatchSize = resetBatchSize
		}
	}
}
