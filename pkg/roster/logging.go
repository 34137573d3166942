package roster

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

// OperationLog describes a state-changing roster operation.
type OperationLog struct {
	Operation     string
	Owner         OwnerID
	ReservationID string
	VehicleClass  VehicleClass
	Credits       int64
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithWeekLocation fixes the reference location for week boundaries and
// day arithmetic. Defaults to UTC.
func WithWeekLocation(loc *time.Location) ServiceOption {
	return func(service *Service) {
		if loc != nil {
			service.weekLocation = loc
		}
	}
}
