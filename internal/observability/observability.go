// Package observability turns ledger operation callbacks into logs and metrics.
package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/videocredits/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const (
	metricsNamespace = "credit"
	labelOperation   = "operation"
	labelStatus      = "status"
	labelCreditType  = "credit_type"
	statusOK         = "ok"
	statusError      = "error"
)

// ZapLogger writes one structured line per operation.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger; a nil logger discards everything.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("status", entry.Status),
		zap.Int64("delta_s_crd", entry.Delta.SCRD.Int64()),
		zap.Int64("delta_e_crd", entry.Delta.ECRD.Int64()),
	}
	if action := entry.Action.String(); action != "" {
		fields = append(fields, zap.String("action", action))
	}
	if entry.Category != "" {
		fields = append(fields, zap.String("category", entry.Category.String()))
	}
	if !entry.IdempotencyKey.IsZero() {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey.String()))
	}
	if len(entry.Transactions) > 0 {
		identifiers := make([]string, 0, len(entry.Transactions))
		for _, transactionID := range entry.Transactions {
			identifiers = append(identifiers, transactionID.String())
		}
		fields = append(fields, zap.Strings("transaction_ids", identifiers))
	}
	if entry.Error != nil || entry.Status == statusError {
		fields = append(fields, zap.Error(entry.Error))
		zapLogger.logger.Warn("credit operation failed", fields...)
		return
	}
	zapLogger.logger.Info("credit operation", fields...)
}

// MetricsLogger counts operations and the credits they move.
type MetricsLogger struct {
	operations *prometheus.CounterVec
	amounts    *prometheus.CounterVec
}

// NewMetricsLogger registers its collectors with registerer.
// A nil registerer uses the default Prometheus registry.
func NewMetricsLogger(registerer prometheus.Registerer) *MetricsLogger {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	return &MetricsLogger{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Ledger operations by outcome.",
		}, []string{labelOperation, labelStatus}),
		amounts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operation_amount_total",
			Help:      "Credits moved by successful ledger operations.",
		}, []string{labelOperation, labelCreditType}),
	}
}

// LogOperation implements ledger.OperationLogger.
func (metrics *MetricsLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	metrics.operations.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Status != statusOK {
		return
	}
	for _, creditType := range ledger.CreditTypes() {
		amount := entry.Delta.Of(creditType).Int64()
		if amount > 0 {
			metrics.amounts.WithLabelValues(entry.Operation, creditType.String()).Add(float64(amount))
		}
	}
}

// FanOut forwards every entry to each logger in order.
type FanOut []ledger.OperationLogger

// LogOperation implements ledger.OperationLogger.
func (loggers FanOut) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
