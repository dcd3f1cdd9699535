package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/wavematch/internal/request/domain"
)

// orderCallTimeout bounds order creation once the winning write has landed.
const orderCallTimeout = 10 * time.Second

// AcceptResult carries the accepted request and its downstream order.
type AcceptResult struct {
	Request domain.ServiceRequest `json:"request"`
	Order   domain.OrderRef       `json:"order"`
}

// Coordinator resolves provider responses and seeker cancellations. Accept
// relies on the store's conditional update as its only concurrency control.
type Coordinator struct {
	store             domain.RequestStore
	listings          domain.ListingResolver
	orders            domain.OrderCreator
	notifier          domain.Notifier
	clock             domain.Clock
	logger            *zap.Logger
	tracer            trace.Tracer
	notifyConcurrency int
}

// NewCoordinator wires the acceptance coordinator.
func NewCoordinator(store domain.RequestStore, listings domain.ListingResolver, orders domain.OrderCreator, notifier domain.Notifier, clock domain.Clock, notifyConcurrency int, logger *zap.Logger) *Coordinator {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifyConcurrency < 1 {
		notifyConcurrency = 1
	}
	return &Coordinator{
		store:             store,
		listings:          listings,
		orders:            orders,
		notifier:          notifier,
		clock:             clock,
		logger:            logger.Named("acceptance"),
		tracer:            otel.Tracer("wavematch.acceptance"),
		notifyConcurrency: notifyConcurrency,
	}
}

// Accept makes providerID the winner of the request if it is still MATCHED.
// Concurrent calls for the same request produce exactly one success; the
// others fail with ErrAlreadyAccepted.
func (c *Coordinator) Accept(ctx context.Context, requestID, providerID uuid.UUID) (AcceptResult, error) {
	ctx, span := c.tracer.Start(ctx, "request.accept", trace.WithAttributes(
		attribute.String("request.id", requestID.String()),
		attribute.String("provider.id", providerID.String()),
	))
	defer span.End()

	res, err := c.accept(ctx, requestID, providerID)
	if err != nil {
		acceptAttempts.WithLabelValues(outcome(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	acceptAttempts.WithLabelValues("accepted").Inc()
	return res, nil
}

func (c *Coordinator) accept(ctx context.Context, requestID, providerID uuid.UUID) (AcceptResult, error) {
	req, err := c.store.Get(ctx, requestID)
	if err != nil {
		return AcceptResult{}, storeError("load request", err)
	}
	if !req.Matching.HasNotified(providerID) {
		return AcceptResult{}, domain.ErrNotNotified
	}
	now := c.clock.Now()
	switch {
	case req.Status == domain.StatusAccepted:
		return AcceptResult{}, domain.ErrAlreadyAccepted
	case req.Status != domain.StatusMatched:
		return AcceptResult{}, domain.ErrNotMatched
	case now.After(req.ExpiresAt):
		return AcceptResult{}, domain.ErrRequestExpired
	}

	listing, ok, err := c.listings.ProviderListing(ctx, providerID, req.CategoryID, req.SubCategoryID)
	if err != nil {
		return AcceptResult{}, domain.Dependency("resolve listing", err)
	}
	if !ok {
		return AcceptResult{}, domain.ErrNoMatchingListing
	}
	total := TotalPrice(listing, req)

	orderID := uuid.New()
	state := domain.OrderState{
		ProviderID: providerID,
		ListingID:  listing.ID,
		AcceptedAt: now,
		PriceCents: total,
		OrderID:    orderID,
	}
	accepted, err := c.store.Update(ctx, req.ID, domain.Condition{
		Statuses:         []domain.RequestStatus{domain.StatusMatched},
		NotifiedProvider: &providerID,
	}, domain.Change{
		Status:        domain.StatusAccepted,
		Order:         &state,
		ClearNextWave: true,
		At:            now,
	})
	if errors.Is(err, domain.ErrConditionFailed) {
		return AcceptResult{}, domain.ErrAlreadyAccepted
	}
	if err != nil {
		return AcceptResult{}, storeError("accept request", err)
	}

	// The state flip is final; a caller hanging up must not abort the order.
	orderCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), orderCallTimeout)
	defer cancel()
	ref, err := c.orders.CreateOrder(orderCtx, domain.OrderDraft{
		OrderID:    orderID,
		RequestID:  req.ID,
		SeekerID:   req.SeekerID,
		ProviderID: providerID,
		ListingID:  listing.ID,
		TotalCents: total,
		Location:   req.Origin,
		Window:     req.Window,
		Metadata: map[string]any{
			"request_id":  req.ID.String(),
			"category_id": req.CategoryID.String(),
			"title":       req.Title,
			"quantity":    req.Quantity,
			"unit":        string(listing.Unit),
		},
	})
	if err == nil && ref.ID != orderID {
		err = fmt.Errorf("order service returned id %s, want %s", ref.ID, orderID)
	}
	losers := closedNotifications(accepted, accepted.OthersNotified(providerID), domain.CloseAcceptedByAnother, now)
	if err != nil {
		orderReconciliation.Inc()
		c.logger.Error("order creation failed after accept, reconciliation required",
			zap.Error(err),
			zap.String("request_id", req.ID.String()),
			zap.String("provider_id", providerID.String()),
			zap.String("order_id", orderID.String()),
			zap.Int64("total_cents", total))
		dispatch(ctx, c.notifier, c.logger, losers, c.notifyConcurrency)
		return AcceptResult{}, domain.Dependency("create order", err)
	}

	batch := []domain.Notification{{
		Event:        domain.EventAccepted,
		TargetUserID: req.SeekerID,
		RequestID:    req.ID,
		Payload: map[string]any{
			"request_id":  req.ID.String(),
			"provider_id": providerID.String(),
			"listing_id":  listing.ID.String(),
			"order_id":    orderID.String(),
			"total_cents": total,
		},
		CreatedAt: now,
	}}
	batch = append(batch, losers...)
	dispatch(ctx, c.notifier, c.logger, batch, c.notifyConcurrency)

	c.logger.Info("request accepted",
		zap.String("request_id", req.ID.String()),
		zap.String("provider_id", providerID.String()),
		zap.String("order_id", orderID.String()))
	return AcceptResult{Request: accepted, Order: domain.OrderRef{ID: orderID}}, nil
}

// Decline records a provider's refusal. It is idempotent and leaves the
// request status and wave schedule untouched.
func (c *Coordinator) Decline(ctx context.Context, requestID, providerID uuid.UUID, reason string) (domain.ServiceRequest, error) {
	req, err := c.store.Get(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, storeError("load request", err)
	}
	if !req.Matching.HasNotified(providerID) {
		return domain.ServiceRequest{}, domain.ErrNotNotified
	}
	if !req.Status.IsActive() {
		return domain.ServiceRequest{}, domain.ErrTerminal
	}
	if req.Matching.HasDeclined(providerID) {
		return req, nil
	}
	now := c.clock.Now()
	updated, err := c.store.Update(ctx, req.ID, domain.Condition{
		Statuses:         domain.ActiveStatuses,
		NotifiedProvider: &providerID,
	}, domain.Change{
		Decline: &domain.Decline{ProviderID: providerID, Reason: reason, At: now},
		At:      now,
	})
	if errors.Is(err, domain.ErrConditionFailed) {
		return domain.ServiceRequest{}, domain.ErrTerminal
	}
	if err != nil {
		return domain.ServiceRequest{}, storeError("decline request", err)
	}
	c.logger.Info("request declined",
		zap.String("request_id", req.ID.String()),
		zap.String("provider_id", providerID.String()))
	return updated, nil
}

// Cancel lets the owning seeker withdraw an active request.
func (c *Coordinator) Cancel(ctx context.Context, requestID, seekerID uuid.UUID, reason string) (domain.ServiceRequest, error) {
	req, err := c.store.Get(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, storeError("load request", err)
	}
	if req.SeekerID != seekerID {
		return domain.ServiceRequest{}, domain.ErrNotOwner
	}
	updated, err := c.close(ctx, req, domain.StatusCancelled, domain.CloseCancelled, &domain.Cancellation{At: c.clock.Now(), Reason: reason})
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	c.logger.Info("request cancelled", zap.String("request_id", req.ID.String()))
	return updated, nil
}

// Expire moves an active request past its expiry to EXPIRED, telling the
// seeker and every notified provider.
func (c *Coordinator) Expire(ctx context.Context, requestID uuid.UUID) (domain.ServiceRequest, error) {
	req, err := c.store.Get(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, storeError("load request", err)
	}
	now := c.clock.Now()
	if req.Status.IsActive() && !now.After(req.ExpiresAt) {
		return domain.ServiceRequest{}, domain.ErrNotExpired
	}
	updated, err := c.close(ctx, req, domain.StatusExpired, domain.CloseExpired, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	dispatch(ctx, c.notifier, c.logger, []domain.Notification{{
		Event:        domain.EventExpired,
		TargetUserID: req.SeekerID,
		RequestID:    req.ID,
		Payload:      map[string]any{"request_id": req.ID.String(), "title": req.Title},
		CreatedAt:    now,
	}}, 1)
	c.logger.Info("request expired", zap.String("request_id", req.ID.String()))
	return updated, nil
}

// close performs the terminal transition and tells every notified provider.
func (c *Coordinator) close(ctx context.Context, req domain.ServiceRequest, status domain.RequestStatus, reason domain.CloseReason, cancellation *domain.Cancellation) (domain.ServiceRequest, error) {
	switch {
	case req.Status == domain.StatusAccepted && status == domain.StatusCancelled:
		return domain.ServiceRequest{}, domain.ErrAcceptedCancel
	case !req.Status.IsActive():
		return domain.ServiceRequest{}, domain.ErrTerminal
	}
	now := c.clock.Now()
	updated, err := c.store.Update(ctx, req.ID, domain.Condition{
		Statuses: domain.ActiveStatuses,
	}, domain.Change{
		Status:        status,
		ClearNextWave: true,
		Cancellation:  cancellation,
		At:            now,
	})
	if errors.Is(err, domain.ErrConditionFailed) {
		latest, getErr := c.store.Get(ctx, req.ID)
		if getErr == nil && latest.Status == domain.StatusAccepted && status == domain.StatusCancelled {
			return domain.ServiceRequest{}, domain.ErrAcceptedCancel
		}
		return domain.ServiceRequest{}, domain.ErrTerminal
	}
	if err != nil {
		return domain.ServiceRequest{}, storeError("close request", err)
	}
	dispatch(ctx, c.notifier, c.logger, closedNotifications(updated, updated.Matching.Notified, reason, now), c.notifyConcurrency)
	return updated, nil
}

func closedNotifications(req domain.ServiceRequest, providers []uuid.UUID, reason domain.CloseReason, at time.Time) []domain.Notification {
	out := make([]domain.Notification, 0, len(providers))
	for _, p := range providers {
		out = append(out, domain.Notification{
			Event:        domain.EventClosed,
			TargetUserID: p,
			RequestID:    req.ID,
			Reason:       reason,
			Payload:      map[string]any{"request_id": req.ID.String(), "reason": string(reason)},
			CreatedAt:    at,
		})
	}
	return out
}

// TotalPrice is the listing price times the duration for hourly listings with
// a duration, otherwise times the quantity.
func TotalPrice(listing domain.Listing, req domain.ServiceRequest) int64 {
	if listing.Unit == domain.UnitHourly && req.DurationHours != nil {
		return int64(math.Round(float64(listing.PriceCents) * *req.DurationHours))
	}
	qty := req.Quantity
	if qty < 1 {
		qty = 1
	}
	return listing.PriceCents * int64(qty)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrAlreadyAccepted):
		return "lost_race"
	case errors.Is(err, domain.ErrRequestExpired):
		return "expired"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrDependency):
		return "dependency"
	default:
		return "error"
	}
}
