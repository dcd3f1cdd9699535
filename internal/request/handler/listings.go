package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/wavematch/internal/auth"
	"github.com/example/wavematch/internal/request/domain"
)

type listingPayload struct {
	ProviderID    uuid.UUID            `json:"provider_id"`
	ProviderName  string               `json:"provider_name"`
	CategoryID    uuid.UUID            `json:"category_id"`
	SubCategoryID *uuid.UUID           `json:"sub_category_id,omitempty"`
	Location      domain.GeoPoint      `json:"location"`
	PriceCents    int64                `json:"price_cents"`
	Unit          domain.UnitOfMeasure `json:"unit"`
	Active        *bool                `json:"active,omitempty"`
}

func (p listingPayload) listing(id uuid.UUID) (domain.Listing, error) {
	switch {
	case p.ProviderID == uuid.Nil:
		return domain.Listing{}, badRequest("provider_id is required")
	case p.CategoryID == uuid.Nil:
		return domain.Listing{}, badRequest("category_id is required")
	case p.Location.Lat < -90 || p.Location.Lat > 90 || p.Location.Lng < -180 || p.Location.Lng > 180:
		return domain.Listing{}, badRequest("location out of range")
	case p.PriceCents < 0:
		return domain.Listing{}, badRequest("price_cents must not be negative")
	}
	switch p.Unit {
	case domain.UnitFixed, domain.UnitHourly, domain.UnitItem:
	case "":
		p.Unit = domain.UnitFixed
	default:
		return domain.Listing{}, badRequest(fmt.Sprintf("unknown unit %q", p.Unit))
	}
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	return domain.Listing{
		ID:            id,
		ProviderID:    p.ProviderID,
		ProviderName:  p.ProviderName,
		CategoryID:    p.CategoryID,
		SubCategoryID: p.SubCategoryID,
		Location:      p.Location,
		PriceCents:    p.PriceCents,
		Unit:          p.Unit,
		Active:        active,
	}, nil
}

// putListing mirrors a catalogue listing into the geo index.
func (h *HTTP) putListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload listingPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}
	listing, err := payload.listing(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.listings.UpsertListing(r.Context(), listing); err != nil {
		h.fail(w, r, domain.Dependency("upsert listing", err))
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (h *HTTP) deleteListing(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.listings.RemoveListing(r.Context(), id); err != nil {
		h.fail(w, r, domain.Dependency("remove listing", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) putCategory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}
	name := strings.TrimSpace(payload.Name)
	if name == "" {
		writeError(w, badRequest("name is required"))
		return
	}
	if err := h.categories.SetCategoryName(r.Context(), id, name); err != nil {
		h.fail(w, r, domain.Dependency("set category name", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) putAddress(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var point domain.GeoPoint
	if err := json.NewDecoder(r.Body).Decode(&point); err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}
	if point.Lat < -90 || point.Lat > 90 || point.Lng < -180 || point.Lng > 180 {
		writeError(w, badRequest("location out of range"))
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	if err := h.addresses.SaveAddress(r.Context(), actor.ID, id, point); err != nil {
		h.fail(w, r, domain.Dependency("save address", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// accessLog writes one structured line per request.
func (h *HTTP) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
