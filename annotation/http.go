package annotation

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/liamcoop/txscreen/screening"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HTTPConfig configures an HTTPAnnotator.
type HTTPConfig struct {
	// Endpoint receives POST requests with an annotateRequest body.
	Endpoint string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

type annotateRequest struct {
	Model       string                   `json:"model,omitempty"`
	Prompt      string                   `json:"prompt"`
	Transaction screening.Transaction    `json:"transaction"`
	Assessment  screening.RiskAssessment `json:"risk_assessment"`
}

type annotateResponse struct {
	Narrative string `json:"narrative"`
}

// HTTPAnnotator asks a model endpoint for regulatory commentary.
type HTTPAnnotator struct {
	http     *resty.Client
	endpoint string
	model    string
}

func NewHTTPAnnotator(cfg HTTPConfig) (*HTTPAnnotator, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("annotation endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	rc := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			otel.GetTextMapPropagator().Inject(r.Context(), propagation.HeaderCarrier(r.Header))
			return nil
		})
	if cfg.APIKey != "" {
		rc.SetAuthToken(cfg.APIKey)
	}
	return &HTTPAnnotator{http: rc, endpoint: cfg.Endpoint, model: cfg.Model}, nil
}

func (a *HTTPAnnotator) Annotate(ctx context.Context, tx screening.Transaction, assessment screening.RiskAssessment) (string, error) {
	var out annotateResponse
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(annotateRequest{
			Model:       a.model,
			Prompt:      Prompt(tx, assessment),
			Transaction: tx,
			Assessment:  assessment,
		}).
		SetResult(&out).
		Post(a.endpoint)
	if err != nil {
		return "", screening.Retryable(Dependency, fmt.Errorf("annotate: %w", err))
	}

	code := resp.StatusCode()
	switch {
	case code >= 500 || code == http.StatusTooManyRequests:
		return "", screening.Retryable(Dependency, fmt.Errorf("annotate: %s", resp.Status()))
	case resp.IsError():
		return "", screening.Terminal(Dependency, fmt.Errorf("annotate: %s", resp.Status()))
	}

	narrative := strings.TrimSpace(out.Narrative)
	if narrative == "" {
		return "", screening.Terminal(Dependency, fmt.Errorf("annotate: empty narrative"))
	}
	return narrative, nil
}

// Prompt builds the instruction sent to the model. The numeric score is
// final; the model is asked for commentary only.
func Prompt(tx screening.Transaction, a screening.RiskAssessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Provide a regulatory and compliance commentary for transaction %s.\n", tx.ID)
	fmt.Fprintf(&b, "Amount: %s %s. Destination: %s.\n", tx.Amount.StringFixed(2), tx.Currency, tx.DestinationCountry)
	fmt.Fprintf(&b, "Risk score: %d/100 (%s). Recommendation: %s.\n", a.Score, a.Tier, a.Recommendation)
	b.WriteString("Risk factors in evaluation order:\n")
	if len(a.Factors) == 0 {
		b.WriteString("- none\n")
	}
	for _, f := range a.Factors {
		fmt.Fprintf(&b, "- %s: +%d\n", f.Name, f.Points)
	}
	b.WriteString("Cover AML/KYC considerations, sanctions exposure and any regulatory reporting obligations. " +
		"Do not restate or change the score.")
	return b.String()
}
