package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/wavematch/internal/request/domain"
)

// LogNotifier writes notifications to the log. Used when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("notify")}
}

func (l *LogNotifier) Notify(_ context.Context, n domain.Notification) error {
	l.logger.Info("notification",
		zap.String("event", string(n.Event)),
		zap.String("target", n.TargetUserID.String()),
		zap.String("request_id", n.RequestID.String()),
		zap.String("reason", string(n.Reason)),
		zap.Any("payload", n.Payload))
	return nil
}
