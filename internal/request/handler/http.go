package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/wavematch/internal/auth"
	"github.com/example/wavematch/internal/request/domain"
	"github.com/example/wavematch/internal/request/service"
)

// ListingIndex is the write side of the listing store, fed by the catalogue.
type ListingIndex interface {
	UpsertListing(ctx context.Context, listing domain.Listing) error
	RemoveListing(ctx context.Context, listingID uuid.UUID) error
}

// CategoryNames stores display names used in opportunity payloads.
type CategoryNames interface {
	SetCategoryName(ctx context.Context, categoryID uuid.UUID, name string) error
}

// WaveTrigger runs the next wave of a request on demand.
type WaveTrigger interface {
	Trigger(ctx context.Context, id uuid.UUID) (service.WaveResult, error)
}

// AddressBook stores seekers' saved addresses.
type AddressBook interface {
	SaveAddress(ctx context.Context, userID, addressID uuid.UUID, point domain.GeoPoint) error
}

// HTTP exposes service request endpoints.
type HTTP struct {
	requests   *service.Service
	acceptance *service.Coordinator
	waves      WaveTrigger
	listings   ListingIndex
	categories CategoryNames
	addresses  AddressBook
	authn      func(http.Handler) http.Handler
	limiter    func(http.Handler) http.Handler
	logger     *zap.Logger
}

// Options carries the optional pieces of the router.
type Options struct {
	// Auth authenticates callers. Defaults to auth.Middleware with no secret.
	Auth func(http.Handler) http.Handler
	// RateLimit runs after authentication so quotas are per actor.
	RateLimit func(http.Handler) http.Handler
	// Addresses enables PUT /v1/addresses/{id}.
	Addresses AddressBook
	Logger    *zap.Logger
}

// NewHTTP constructs a handler.
func NewHTTP(requests *service.Service, acceptance *service.Coordinator, waves WaveTrigger, listings ListingIndex, categories CategoryNames, opts Options) *HTTP {
	if opts.Auth == nil {
		opts.Auth = auth.Middleware("")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &HTTP{
		requests:   requests,
		acceptance: acceptance,
		waves:      waves,
		listings:   listings,
		categories: categories,
		addresses:  opts.Addresses,
		authn:      opts.Auth,
		limiter:    opts.RateLimit,
		logger:     opts.Logger.Named("http"),
	}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, h.accessLog, middleware.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(h.authn)
		if h.limiter != nil {
			r.Use(h.limiter)
		}

		r.With(auth.Require(auth.RoleSeeker)).Post("/v1/requests", h.createRequest)
		r.With(auth.Require(auth.RoleOperator)).Get("/v1/requests", h.listRequests)
		r.Get("/v1/requests/{id}", h.getRequest)
		r.With(auth.Require(auth.RoleProvider)).Post("/v1/requests/{id}/accept", h.acceptRequest)
		r.With(auth.Require(auth.RoleProvider)).Post("/v1/requests/{id}/decline", h.declineRequest)
		r.With(auth.Require(auth.RoleSeeker)).Post("/v1/requests/{id}/cancel", h.cancelRequest)
		if h.addresses != nil {
			r.With(auth.Require(auth.RoleSeeker)).Put("/v1/addresses/{id}", h.putAddress)
		}

		r.Route("/v1/admin", func(r chi.Router) {
			r.Use(auth.Require(auth.RoleOperator))
			r.Post("/requests/{id}/process", h.processWave)
			r.Post("/requests/{id}/expire", h.expireRequest)
		})
		r.Route("/v1/internal", func(r chi.Router) {
			r.Use(auth.Require(auth.RoleOperator))
			r.Put("/listings/{id}", h.putListing)
			r.Delete("/listings/{id}", h.deleteListing)
			r.Put("/categories/{id}", h.putCategory)
		})
	})
	return r
}

func (h *HTTP) createRequest(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	var payload service.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}
	payload.SeekerID = actor.ID

	res, err := h.requests.CreateRequest(r.Context(), strings.TrimSpace(r.Header.Get("Idempotency-Key")), payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *HTTP) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := h.requests.GetRequest(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	if !canView(actor, req) {
		// Hide existence from unrelated callers.
		writeError(w, domain.ErrRequestNotFound)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func canView(actor auth.Actor, req domain.ServiceRequest) bool {
	switch actor.Role {
	case auth.RoleOperator:
		return true
	case auth.RoleSeeker:
		return req.SeekerID == actor.ID
	case auth.RoleProvider:
		return req.Matching.HasNotified(actor.ID)
	default:
		return false
	}
}

func (h *HTTP) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var bounds domain.Bounds
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"min_lat", &bounds.Min.Lat},
		{"min_lng", &bounds.Min.Lng},
		{"max_lat", &bounds.Max.Lat},
		{"max_lng", &bounds.Max.Lng},
	} {
		v, err := strconv.ParseFloat(q.Get(f.name), 64)
		if err != nil {
			writeError(w, badRequest("invalid "+f.name))
			return
		}
		*f.dst = v
	}
	var statuses []domain.RequestStatus
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, domain.RequestStatus(strings.ToUpper(s)))
			}
		}
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, badRequest("invalid limit"))
			return
		}
		limit = v
	}

	out, err := h.requests.ListInBounds(r.Context(), bounds, statuses, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if out == nil {
		out = []domain.ServiceRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (h *HTTP) acceptRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	res, err := h.acceptance.Accept(r.Context(), id, actor.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reasonPayload struct {
	Reason string `json:"reason"`
}

func (h *HTTP) declineRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	payload, ok := optionalReason(w, r)
	if !ok {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	req, err := h.acceptance.Decline(r.Context(), id, actor.ID, payload.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *HTTP) cancelRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	payload, ok := optionalReason(w, r)
	if !ok {
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	req, err := h.acceptance.Cancel(r.Context(), id, actor.ID, payload.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *HTTP) processWave(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.waves.Trigger(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) expireRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := h.acceptance.Expire(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// optionalReason decodes {"reason": "..."}; an empty body is allowed.
func optionalReason(w http.ResponseWriter, r *http.Request) (reasonPayload, bool) {
	var payload reasonPayload
	if r.Body == nil {
		return payload, true
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, badRequest(err.Error()))
		return payload, false
	}
	return payload, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, badRequest("invalid id"))
		return uuid.Nil, false
	}
	return id, true
}

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch domain.Kind(err) {
	case domain.ErrValidation:
		return http.StatusBadRequest
	case domain.ErrNotFound:
		return http.StatusNotFound
	case domain.ErrForbidden:
		return http.StatusForbidden
	case domain.ErrConflict:
		return http.StatusConflict
	case domain.ErrDependency:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *HTTP) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	}
	writeError(w, err)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
