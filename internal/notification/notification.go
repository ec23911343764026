package notification

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

const (
	// KindTransactionCompleted marks a successful terminal transition.
	KindTransactionCompleted = "transaction_completed"
	// KindTransactionFailed marks a failed or cancelled transaction.
	KindTransactionFailed = "transaction_failed"
	// KindTransactionReversed marks a reversal of a completed transaction.
	KindTransactionReversed = "transaction_reversed"
)

// Event describes a terminal-state transition delivered to the notification
// dispatcher. Delivery is fire-and-forget: failures are logged and never
// affect ledger state.
type Event struct {
	Kind          string
	OwnerID       uuid.UUID
	TransactionID uuid.UUID
	Amount        int64
	Reason        string
}

// Notifier delivers events to the downstream dispatcher.
type Notifier interface {
	Send(ctx context.Context, event Event) error
}

// LoggerNotifier is a stub implementation that writes events to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the event to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, event Event) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", event.Kind,
		"owner_id", event.OwnerID,
		"transaction_id", event.TransactionID,
		"amount", event.Amount,
		"reason", event.Reason,
	)
	return nil
}
