package service

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/wavematch/internal/request/domain"
)

// dispatch delivers every notification with at most limit in flight and
// returns how many failed. Failures are logged and counted, never returned to
// the group, so one bad recipient does not stop the rest of the batch.
// Delivery is detached from ctx cancellation.
func dispatch(ctx context.Context, notifier domain.Notifier, logger *zap.Logger, batch []domain.Notification, limit int) int {
	if len(batch) == 0 {
		return 0
	}
	if limit < 1 {
		limit = 1
	}
	ctx = context.WithoutCancel(ctx)

	var (
		g      errgroup.Group
		failed atomic.Int32
	)
	g.SetLimit(limit)
	for _, n := range batch {
		g.Go(func() error {
			if err := notifier.Notify(ctx, n); err != nil {
				notificationsSent.WithLabelValues(string(n.Event), "error").Inc()
				logger.Warn("notification failed",
					zap.Error(err),
					zap.String("event", string(n.Event)),
					zap.String("request_id", n.RequestID.String()),
					zap.String("target", n.TargetUserID.String()))
				failed.Add(1)
				return nil
			}
			notificationsSent.WithLabelValues(string(n.Event), "ok").Inc()
			return nil
		})
	}
	_ = g.Wait()
	return int(failed.Load())
}
