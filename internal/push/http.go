package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 10 * time.Second

// Config configures the HTTP gateway.
type Config struct {
	// URL is the push-proxy endpoint (required).
	URL string
	// AuthToken, when set, is sent as a Bearer token.
	AuthToken string
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
}

// HTTPGateway implements Gateway by POSTing JSON to a push-proxy service.
type HTTPGateway struct {
	cfg    Config
	client *http.Client
}

// NewHTTPGateway creates an HTTPGateway from the given config.
// Returns an error if the URL is empty.
func NewHTTPGateway(cfg Config) (*HTTPGateway, error) {
	if cfg.URL == "" {
		return nil, errors.New("push gateway requires a URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &HTTPGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// StatusError is returned for non-2xx HTTP responses. Callers can
// distinguish a rejected token (4xx) from a transport problem (5xx).
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// IsTokenRejected reports whether err indicates an invalid or expired
// device token rather than a transient transport failure.
func IsTokenRejected(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500
}

// Deliver posts a standard notification for one device token.
func (g *HTTPGateway) Deliver(ctx context.Context, deviceToken string, n Notification) error {
	body := map[string]any{
		"device_token": deviceToken,
		"title":        n.Title,
		"body":         n.Body,
	}
	if len(n.Payload) > 0 {
		body["payload"] = n.Payload
	}
	return g.post(ctx, "/notify", body)
}

// DeliverLiveActivity posts an update or end push for one activity token.
func (g *HTTPGateway) DeliverLiveActivity(ctx context.Context, activityToken string, p LiveActivityPush) error {
	body := map[string]any{
		"activity_token": activityToken,
		"event":          string(p.Event),
		"content_state":  p.ContentState,
	}
	if p.DismissalDate != 0 {
		body["dismissal_date"] = p.DismissalDate
	}
	return g.post(ctx, "/live-activity", body)
}

// post performs a single JSON POST and returns nil on 2xx. No retries: the
// push proxy owns retry policy for its upstream.
func (g *HTTPGateway) post(ctx context.Context, path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("push: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("push: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.AuthToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// Close releases gateway resources.
func (g *HTTPGateway) Close() error {
	g.client.CloseIdleConnections()
	return nil
}

var _ Gateway = (*HTTPGateway)(nil)
