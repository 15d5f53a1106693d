// Package panel defines the outbound contract to the upstream panel admin
// API and a JSON-over-HTTP implementation of it.
//
// The engine needs exactly two operations from the panel: fetching an order
// (to backfill a missing customer username) and checking that a username
// exists (during self-registration). Both are short calls the caller awaits
// in pipeline order.
//
// Transport failures are wrapped in ErrUnavailable so callers can apply
// their documented degraded-mode policies: registration validation fails
// OPEN on an unreachable API, general ownership resolution fails CLOSED.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ErrUnavailable wraps transport-level failures reaching the admin API.
// Check with errors.Is.
var ErrUnavailable = errors.New("panel admin API unavailable")

// OrderInfo is the subset of a panel order the engine consumes.
type OrderInfo struct {
	ExternalID       string `json:"order_id"`
	CustomerUsername string `json:"customer_username"`
	CustomerEmail    string `json:"customer_email"`
	Status           string `json:"status"`
}

// Client is the admin-API contract consumed by the engine. Implementations
// must be safe for concurrent use.
type Client interface {
	// GetOrder fetches an order by its panel-side ID, with provider details
	// resolved. Returns ErrUnavailable (wrapped) on transport failure and a
	// nil OrderInfo when the panel does not know the order.
	GetOrder(ctx context.Context, panelID, externalOrderID string) (*OrderInfo, error)

	// ValidateUsername reports whether the username exists on the panel.
	// Returns ErrUnavailable (wrapped) on transport failure.
	ValidateUsername(ctx context.Context, panelID, username string) (bool, error)
}

// HTTPClient talks to the panel admin API over HTTPS with an API key.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewHTTPClient constructs an HTTPClient with a bounded request timeout.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// GetOrder implements Client.
func (c *HTTPClient) GetOrder(ctx context.Context, panelID, externalOrderID string) (*OrderInfo, error) {
	tr := otel.Tracer("panel/HTTPClient")
	ctx, span := tr.Start(ctx, "GetOrder")
	span.SetAttributes(attribute.String("panel.id", panelID))
	defer span.End()

	var out struct {
		Order *OrderInfo `json:"order"`
	}
	path := fmt.Sprintf("/admin/panels/%s/orders/%s", url.PathEscape(panelID), url.PathEscape(externalOrderID))
	status, err := c.getJSON(ctx, path, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("panel admin API: unexpected status %d for %s", status, path)
	}
	return out.Order, nil
}

// ValidateUsername implements Client.
func (c *HTTPClient) ValidateUsername(ctx context.Context, panelID, username string) (bool, error) {
	tr := otel.Tracer("panel/HTTPClient")
	ctx, span := tr.Start(ctx, "ValidateUsername")
	span.SetAttributes(attribute.String("panel.id", panelID))
	defer span.End()

	var out struct {
		Exists bool `json:"exists"`
	}
	path := fmt.Sprintf("/admin/panels/%s/users/%s", url.PathEscape(panelID), url.PathEscape(username))
	status, err := c.getJSON(ctx, path, &out)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return out.Exists, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("panel admin API: unexpected status %d for %s", status, path)
	}
}

// getJSON performs an authenticated GET and decodes a JSON body on 200.
// Transport errors are wrapped in ErrUnavailable; HTTP status handling is
// left to the caller.
func (c *HTTPClient) getJSON(ctx context.Context, path string, dst any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.APIKey)

	res, err := c.HTTP.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("panel admin API unreachable")
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusOK && dst != nil {
		if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
			return res.StatusCode, fmt.Errorf("panel admin API: decode %s: %w", path, err)
		}
	}
	return res.StatusCode, nil
}
