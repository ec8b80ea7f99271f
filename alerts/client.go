package alerts

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/liamcoop/txscreen/screening"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Dependency names the alert adapter in DependencyErrors.
const Dependency = "alert-adapter"

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

func (e *apiError) String() string {
	if e.Details != "" {
		return e.Error + ": " + e.Details
	}
	return e.Error
}

// Client talks to an alert server. Transport failures, 429 and 5xx answers
// are retryable; any other 4xx is terminal.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			otel.GetTextMapPropagator().Inject(r.Context(), propagation.HeaderCarrier(r.Header))
			return nil
		})
	return &Client{http: rc}
}

// CreateAlert returns the id of the alert for req. A replayed request
// returns the id of the alert created the first time.
func (c *Client) CreateAlert(ctx context.Context, req screening.FraudAlertRequest) (string, error) {
	var rec screening.FraudAlertRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(IdempotencyHeader, req.IdempotencyKey()).
		SetBody(req).
		SetResult(&rec).
		SetError(&apiError{}).
		Post("/api/v1/alerts")
	if err != nil {
		return "", screening.Retryable(Dependency, fmt.Errorf("create alert: %w", err))
	}
	if err := classify(resp, "create alert"); err != nil {
		return "", err
	}
	if rec.AlertID == "" {
		return "", screening.Terminal(Dependency, fmt.Errorf("create alert: response has no alert_id"))
	}
	return rec.AlertID, nil
}

func (c *Client) GetAlert(ctx context.Context, alertID string) (*screening.FraudAlertRecord, error) {
	var rec screening.FraudAlertRecord
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&rec).
		SetError(&apiError{}).
		Get("/api/v1/alerts/" + url.PathEscape(alertID))
	if err != nil {
		return nil, screening.Retryable(Dependency, fmt.Errorf("get alert: %w", err))
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, screening.Terminal(Dependency, fmt.Errorf("alert %s: %w", alertID, ErrAlertNotFound))
	}
	if err := classify(resp, "get alert"); err != nil {
		return nil, err
	}
	return &rec, nil
}

func classify(resp *resty.Response, op string) error {
	if !resp.IsError() {
		return nil
	}
	detail := resp.Status()
	if e, ok := resp.Error().(*apiError); ok && e.Error != "" {
		detail = e.String()
	}
	err := fmt.Errorf("%s: %d %s", op, resp.StatusCode(), detail)

	code := resp.StatusCode()
	if code >= 500 || code == http.StatusTooManyRequests {
		return screening.Retryable(Dependency, err)
	}
	return screening.Terminal(Dependency, err)
}
