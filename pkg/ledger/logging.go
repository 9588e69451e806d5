package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	UserID         UserID
	Action         ActionID
	Category       Category
	Delta          Cost
	IdempotencyKey IdempotencyKey
	Transactions   []TransactionID
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithIdempotencyKeyGenerator replaces the UUID source used when callers omit a key.
func WithIdempotencyKeyGenerator(generator func() string) ServiceOption {
	return func(service *Service) {
		service.newKey = generator
	}
}
