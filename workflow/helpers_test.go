package workflow

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liamcoop/txscreen/alerts"
	"github.com/liamcoop/txscreen/annotation"
	"github.com/liamcoop/txscreen/customer"
	"github.com/liamcoop/txscreen/scoring"
	"github.com/liamcoop/txscreen/screening"
	"github.com/liamcoop/txscreen/tracing"
	"github.com/shopspring/decimal"
)

// recordingCorrelator keeps every TraceContext so tests can inspect spans
// and events after Run returns.
type recordingCorrelator struct {
	*tracing.LogCorrelator

	mu   sync.Mutex
	runs map[string][]*tracing.TraceContext
}

func newRecordingCorrelator() *recordingCorrelator {
	return &recordingCorrelator{
		LogCorrelator: tracing.NewLogCorrelator(io.Discard),
		runs:          make(map[string][]*tracing.TraceContext),
	}
}

func (c *recordingCorrelator) BeginRun(ctx context.Context, txID string) (context.Context, *tracing.TraceContext, error) {
	ctx, tc, err := c.LogCorrelator.BeginRun(ctx, txID)
	if err == nil {
		c.mu.Lock()
		c.runs[txID] = append(c.runs[txID], tc)
		c.mu.Unlock()
	}
	return ctx, tc, err
}

func (c *recordingCorrelator) trace(t *testing.T, txID string) *tracing.TraceContext {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	runs := c.runs[txID]
	if len(runs) != 1 {
		t.Fatalf("transaction %s has %d traced runs, want 1", txID, len(runs))
	}
	return runs[0]
}

func eventsNamed(tc *tracing.TraceContext, name string) []tracing.EventRecord {
	var out []tracing.EventRecord
	for _, ev := range tc.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func spanNamed(tc *tracing.TraceContext, name StageName) (tracing.SpanRecord, bool) {
	for _, s := range tc.Spans() {
		if s.Name == string(name) {
			return s, true
		}
	}
	return tracing.SpanRecord{}, false
}

// dispatcher wraps a real alerts.Service and injects failures.
type dispatcher struct {
	svc *alerts.Service

	mu sync.Mutex
	// lostResponses makes CreateAlert store the alert and then report a
	// retryable failure, as if the response was lost.
	lostResponses int
	// createErr, when set, is returned by every CreateAlert call.
	createErr error
	// block, when set, makes CreateAlert wait for it or ctx.
	block   chan struct{}
	creates int
}

func newDispatcher() *dispatcher {
	return &dispatcher{svc: alerts.NewService(alerts.NewInMemoryStore())}
}

func (d *dispatcher) CreateAlert(ctx context.Context, req screening.FraudAlertRequest) (string, error) {
	d.mu.Lock()
	d.creates++
	lost := d.lostResponses > 0
	if lost {
		d.lostResponses--
	}
	createErr, block := d.createErr, d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", screening.Retryable(alerts.Dependency, ctx.Err())
		}
	}
	if createErr != nil {
		return "", createErr
	}
	id, err := d.svc.CreateAlert(ctx, req)
	if err != nil {
		return "", err
	}
	if lost {
		return "", screening.Retryable(alerts.Dependency, errors.New("connection reset by peer"))
	}
	return id, nil
}

func (d *dispatcher) GetAlert(ctx context.Context, alertID string) (*screening.FraudAlertRecord, error) {
	return d.svc.GetAlert(ctx, alertID)
}

func (d *dispatcher) createCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creates
}

func (d *dispatcher) alertsFor(t *testing.T, txID string) []*screening.FraudAlertRecord {
	t.Helper()
	recs, err := d.svc.ListByTransaction(context.Background(), txID)
	if err != nil {
		t.Fatalf("ListByTransaction(%s) failed: %v", txID, err)
	}
	return recs
}

type panickingScorer struct{}

func (panickingScorer) Score(screening.Transaction, screening.CustomerRiskProfile) screening.RiskAssessment {
	panic("scorer exploded")
}

type blockingSource struct {
	entered chan struct{}
	release chan struct{}
	profile screening.CustomerRiskProfile
}

func (s *blockingSource) Fetch(ctx context.Context, _ string) (screening.CustomerRiskProfile, error) {
	close(s.entered)
	select {
	case <-s.release:
		return s.profile, nil
	case <-ctx.Done():
		return screening.CustomerRiskProfile{}, ctx.Err()
	}
}

// hangingAnnotator never answers and ignores cancellation until release is
// closed.
type hangingAnnotator struct {
	release chan struct{}
}

func (a hangingAnnotator) Annotate(context.Context, screening.Transaction, screening.RiskAssessment) (string, error) {
	<-a.release
	return "late narrative", nil
}

// stallingClock blocks its first reading until release is closed and reports
// the wall clock after that.
type stallingClock struct {
	release chan struct{}
	calls   atomic.Int32
}

func (c *stallingClock) now() time.Time {
	if c.calls.Add(1) == 1 {
		<-c.release
	}
	return time.Now()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}
	return cfg
}

type harness struct {
	orch      *Orchestrator
	tracer    *recordingCorrelator
	customers *customer.StaticSource
	alerts    *dispatcher
}

func newHarness(t *testing.T, cfg Config, mutate func(*Dependencies)) *harness {
	t.Helper()
	engine, err := scoring.NewEngine(scoring.DefaultPolicy(), nil)
	if err != nil {
		t.Fatalf("scoring.NewEngine() failed: %v", err)
	}
	ann, err := annotation.NewTemplateAnnotator("")
	if err != nil {
		t.Fatalf("NewTemplateAnnotator() failed: %v", err)
	}

	h := &harness{
		tracer:    newRecordingCorrelator(),
		customers: customer.NewStaticSource(nil),
		alerts:    newDispatcher(),
	}
	deps := Dependencies{
		Customers:  h.customers,
		Scorer:     engine,
		Annotator:  ann,
		Alerts:     h.alerts,
		Correlator: h.tracer,
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.orch, err = New(cfg, deps)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return h
}

// tx builds a transaction and registers its customer profile.
func (h *harness) tx(id string, amount int64, country string, suspicious, sanctions bool, profile screening.CustomerRiskProfile) screening.Transaction {
	profile.CustomerID = "CUST-" + id
	h.customers.Put(id, profile)
	return screening.Transaction{
		ID:                 id,
		CustomerID:         profile.CustomerID,
		Amount:             decimal.NewFromInt(amount),
		Currency:           "USD",
		DestinationCountry: country,
		Suspicious:         suspicious,
		SanctionsMatch:     sanctions,
		Timestamp:          time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

var establishedCustomer = screening.CustomerRiskProfile{AccountAgeDays: 400, DeviceTrustScore: 0.9}

func decimalOf(v int64) decimal.Decimal { return decimal.NewFromInt(v) }
