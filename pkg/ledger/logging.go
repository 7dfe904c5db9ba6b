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
	HoldID         HoldID
	TransactionID  TransactionID
	Amount         SignedCoins
	IdempotencyKey IdempotencyKey
	Metadata       MetadataJSON
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithAuditLogger replaces the store-backed audit logger.
func WithAuditLogger(auditLogger AuditLogger) ServiceOption {
	return func(service *Service) {
		service.auditLogger = auditLogger
	}
}

// WithBalanceCache wires a read-through cache for Balance.
func WithBalanceCache(cache BalanceCache) ServiceOption {
	return func(service *Service) {
		service.cache = cache
	}
}

// WithBalanceLocker wires the advisory lock taken while filling the balance cache.
func WithBalanceLocker(locker BalanceLocker) ServiceOption {
	return func(service *Service) {
		service.locker = locker
	}
}

// WithEventPublisher wires a publisher that receives committed ledger events.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithIDGenerator overrides the id source used for new records.
func WithIDGenerator(generator func() string) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.newID = generator
		}
	}
}
