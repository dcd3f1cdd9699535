package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	wavesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waves_processed_total",
		Help: "Wave processing outcomes.",
	}, []string{"outcome"})

	notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_total",
		Help: "Notifications dispatched grouped by event and result.",
	}, []string{"event", "result"})

	acceptAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accept_attempts_total",
		Help: "Accept calls grouped by outcome.",
	}, []string{"result"})

	orderReconciliation = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_reconciliation_required_total",
		Help: "Accepted requests whose downstream order could not be created.",
	})

	requestsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "service_requests_created_total",
		Help: "Create calls grouped by outcome.",
	}, []string{"result"})
)
