package notification

import (
	"context"
	"log/slog"
)

const (
	// KindWithdrawalCompleted indicates a payout settled successfully.
	KindWithdrawalCompleted = "withdrawal_completed"
	// KindWithdrawalRejected indicates an admin or the user refused the request.
	KindWithdrawalRejected = "withdrawal_rejected"
	// KindWithdrawalFailed indicates a post-dispatch failure with refund.
	KindWithdrawalFailed = "withdrawal_failed"
	// KindReviewRequired indicates a new withdrawal awaits an admin decision.
	KindReviewRequired = "withdrawal_review_required"
)

// Message describes a notification payload.
type Message struct {
	Kind        string
	Destination string
	Body        string
}

// Notifier delivers notifications to downstream systems. Delivery is
// fire-and-forget: failures never roll back ledger state.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier is a stub implementation that writes notifications to the
// logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}
