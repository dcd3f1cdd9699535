package order

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/wavematch/internal/request/domain"
)

// Client creates orders through the order service's JSON API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for baseURL. A nil httpClient gets a 5s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

type createOrderRequest struct {
	OrderID    uuid.UUID            `json:"order_id"`
	RequestID  uuid.UUID            `json:"service_request_id"`
	SeekerID   uuid.UUID            `json:"seeker_id"`
	ProviderID uuid.UUID            `json:"provider_id"`
	ListingID  uuid.UUID            `json:"listing_id"`
	TotalCents int64                `json:"total_cents"`
	Location   domain.GeoPoint      `json:"location"`
	Window     domain.ServiceWindow `json:"service_window"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
}

type createOrderResponse struct {
	ID uuid.UUID `json:"id"`
}

// CreateOrder satisfies domain.OrderCreator. The draft's order id doubles as
// the Idempotency-Key so a retried call cannot create a second order.
func (c *Client) CreateOrder(ctx context.Context, draft domain.OrderDraft) (domain.OrderRef, error) {
	body, err := json.Marshal(createOrderRequest{
		OrderID:    draft.OrderID,
		RequestID:  draft.RequestID,
		SeekerID:   draft.SeekerID,
		ProviderID: draft.ProviderID,
		ListingID:  draft.ListingID,
		TotalCents: draft.TotalCents,
		Location:   draft.Location,
		Window:     draft.Window,
		Metadata:   draft.Metadata,
	})
	if err != nil {
		return domain.OrderRef{}, fmt.Errorf("marshal order: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return domain.OrderRef{}, fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", draft.OrderID.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.OrderRef{}, fmt.Errorf("call order service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.OrderRef{}, fmt.Errorf("order service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out createOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.OrderRef{}, fmt.Errorf("decode order response: %w", err)
	}
	switch out.ID {
	case uuid.Nil:
		out.ID = draft.OrderID
	case draft.OrderID:
	default:
		return domain.OrderRef{}, fmt.Errorf("order service assigned id %s, want %s", out.ID, draft.OrderID)
	}
	return domain.OrderRef{ID: out.ID}, nil
}
