package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/liamcoop/txscreen/compliance"
	"github.com/liamcoop/txscreen/customer"
	"github.com/liamcoop/txscreen/screening"
	"github.com/liamcoop/txscreen/tracing"
)

func TestRunScenarios(t *testing.T) {
	tests := []struct {
		name         string
		amount       int64
		country      string
		suspicious   bool
		sanctions    bool
		profile      screening.CustomerRiskProfile
		wantScore    int
		wantRaw      int
		wantTier     screening.Tier
		wantRec      screening.Recommendation
		wantRating   screening.ComplianceRating
		wantSeverity screening.AlertSeverity
	}{
		{
			name:       "large amount to low-risk country",
			amount:     15000,
			country:    "US",
			profile:    establishedCustomer,
			wantScore:  20,
			wantRaw:    20,
			wantTier:   screening.TierLow,
			wantRec:    screening.RecommendApprove,
			wantRating: screening.RatingCompliant,
		},
		{
			name:         "new account sending to Iran",
			amount:       5000,
			country:      "Iran",
			suspicious:   true,
			profile:      screening.CustomerRiskProfile{AccountAgeDays: 5, DeviceTrustScore: 0.3},
			wantScore:    100,
			wantRaw:      135,
			wantTier:     screening.TierHigh,
			wantRec:      screening.RecommendBlock,
			wantRating:   screening.RatingNonCompliant,
			wantSeverity: screening.SeverityHigh,
		},
		{
			name:         "sanctions match alone",
			amount:       50,
			country:      "FR",
			sanctions:    true,
			profile:      establishedCustomer,
			wantScore:    85,
			wantRaw:      85,
			wantTier:     screening.TierHigh,
			wantRec:      screening.RecommendBlock,
			wantRating:   screening.RatingNonCompliant,
			wantSeverity: screening.SeverityCritical,
		},
		{
			name:         "suspicious large amount",
			amount:       20000,
			country:      "US",
			suspicious:   true,
			profile:      establishedCustomer,
			wantScore:    50,
			wantRaw:      50,
			wantTier:     screening.TierMedium,
			wantRec:      screening.RecommendInvestigate,
			wantRating:   screening.RatingConditional,
			wantSeverity: screening.SeverityMedium,
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(), nil)
			txID := fmt.Sprintf("TX-%d", i)
			tx := h.tx(txID, tt.amount, tt.country, tt.suspicious, tt.sanctions, tt.profile)

			res, err := h.orch.Run(context.Background(), tx)
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if res.Status != screening.StatusCompleted || len(res.BranchErrors) != 0 {
				t.Fatalf("status = %s, branch errors %v", res.Status, res.BranchErrors)
			}
			a := res.Assessment
			if a == nil || a.Score != tt.wantScore || a.RawScore != tt.wantRaw || a.Tier != tt.wantTier || a.Recommendation != tt.wantRec {
				t.Fatalf("assessment = %+v", a)
			}
			if res.Decision == nil || res.Decision.Rating != tt.wantRating {
				t.Errorf("decision = %+v, want %s", res.Decision, tt.wantRating)
			}
			if *res.Decision != compliance.DecideTier(tt.wantTier) {
				t.Errorf("decision %+v does not follow tier %s", res.Decision, tt.wantTier)
			}
			if res.Report == nil || res.Report.RiskScore != tt.wantScore || res.Report.Decision != *res.Decision {
				t.Errorf("report = %+v", res.Report)
			}
			if res.Report != nil && !strings.Contains(res.Report.Narrative, txID) {
				t.Errorf("narrative %q does not mention %s", res.Report.Narrative, txID)
			}

			tc := h.tracer.trace(t, txID)
			if res.CorrelationID == "" || res.CorrelationID != tc.CorrelationID {
				t.Errorf("correlation id %q, trace %q", res.CorrelationID, tc.CorrelationID)
			}
			if tc.Status() != string(screening.StatusCompleted) {
				t.Errorf("trace status = %q", tc.Status())
			}

			if tt.wantSeverity == "" {
				if res.AlertWarranted || res.Alert != nil {
					t.Errorf("low tier produced an alert: warranted %v, %+v", res.AlertWarranted, res.Alert)
				}
				if len(eventsNamed(tc, "alert.not_warranted")) != 1 {
					t.Error("missing alert.not_warranted event")
				}
				if h.alerts.createCalls() != 0 {
					t.Errorf("dispatcher called %d times", h.alerts.createCalls())
				}
				return
			}
			if !res.AlertWarranted || res.Alert == nil {
				t.Fatalf("alert missing: warranted %v", res.AlertWarranted)
			}
			if res.Alert.Severity != tt.wantSeverity || res.Alert.DecisionAction != tt.wantRec ||
				res.Alert.AssignedTo != DefaultAlertAssignee || res.Alert.Status != screening.AlertActive {
				t.Errorf("alert = %+v", res.Alert)
			}
			if got := len(h.alerts.alertsFor(t, txID)); got != 1 {
				t.Errorf("%d stored alerts, want 1", got)
			}
		})
	}
}

func TestRunCustomerDataFailure(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	tx := screening.Transaction{ID: "TX-UNKNOWN", Amount: decimalOf(100), DestinationCountry: "IR"}

	res, err := h.orch.Run(context.Background(), tx)
	if err != nil {
		t.Fatalf("Run() returned error %v, want a failed result", err)
	}
	if res.Status != screening.StatusFailed || res.FailureReason == "" {
		t.Fatalf("status = %s, reason %q", res.Status, res.FailureReason)
	}
	if res.Assessment != nil || res.Decision != nil || res.Report != nil || res.Alert != nil {
		t.Errorf("failed run carries stage output: %+v", res)
	}

	tc := h.tracer.trace(t, tx.ID)
	spans := tc.Spans()
	if len(spans) != 1 || spans[0].Name != string(StageCustomerData) || spans[0].Status != tracing.SpanError {
		t.Errorf("spans = %+v, want only a failed customer_data span", spans)
	}
	if h.alerts.createCalls() != 0 {
		t.Error("branches started after a sequential failure")
	}
	if tc.Status() != string(screening.StatusFailed) {
		t.Errorf("trace status = %q", tc.Status())
	}
}

func TestRunCustomerDataTimeoutFails(t *testing.T) {
	cfg := testConfig()
	cfg.CustomerDataTimeout = 30 * time.Millisecond
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, cfg, func(d *Dependencies) { d.Customers = src })
	tx := h.tx("TX-SLOW-CUSTOMER", 5000, "IR", true, false, establishedCustomer)

	res, err := h.orch.Run(context.Background(), tx)
	if err != nil {
		t.Fatalf("Run() returned error %v, want a failed result", err)
	}
	if res.Status != screening.StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if !strings.Contains(res.FailureReason, "timed out") {
		t.Errorf("failure reason = %q", res.FailureReason)
	}
	if res.Assessment != nil || res.Report != nil || res.Alert != nil {
		t.Errorf("failed run carries stage output: %+v", res)
	}

	tc := h.tracer.trace(t, tx.ID)
	span, ok := spanNamed(tc, StageCustomerData)
	if !ok || span.Status != tracing.SpanTimeout {
		t.Errorf("customer_data span = %+v, want status %s", span, tracing.SpanTimeout)
	}
	if _, ok := spanNamed(tc, StageRiskAnalysis); ok {
		t.Error("risk analysis ran after the customer lookup timed out")
	}
	if got := h.alerts.createCalls(); got != 0 {
		t.Errorf("CreateAlert called %d times, want 0", got)
	}
}

func TestRunAlertRetriesExhausted(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.alerts.createErr = screening.Retryable("alert-adapter", errors.New("503 Service Unavailable"))
	tx := h.tx("TX-EXHAUST", 5000, "IR", true, false, establishedCustomer)

	res, err := h.orch.Run(context.Background(), tx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Status != screening.StatusDegraded {
		t.Fatalf("status = %s, want DEGRADED", res.Status)
	}
	if res.Decision == nil || res.Decision.Rating != screening.RatingNonCompliant || res.Report == nil {
		t.Errorf("decision %+v, report %+v", res.Decision, res.Report)
	}
	if res.Alert != nil || !res.AlertWarranted {
		t.Errorf("alert %+v, warranted %v", res.Alert, res.AlertWarranted)
	}
	if !strings.Contains(res.BranchErrors[string(StageFraudAlert)], "503") {
		t.Errorf("branch errors = %v", res.BranchErrors)
	}
	if got := h.alerts.createCalls(); got != 3 {
		t.Errorf("CreateAlert called %d times, want 3", got)
	}
	tc := h.tracer.trace(t, tx.ID)
	if got := len(eventsNamed(tc, "branch.retry")); got != 2 {
		t.Errorf("%d branch.retry events, want 2", got)
	}
	if got := h.tracer.Snapshot().Counters[MetricBranchRetries+"{stage=fraud_alert}"]; got != 2 {
		t.Errorf("retry counter = %d", got)
	}
}

func TestRunTerminalAlertFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.alerts.createErr = screening.Terminal("alert-adapter", errors.New("400 Bad Request"))
	tx := h.tx("TX-TERMINAL", 5000, "IR", true, false, establishedCustomer)

	res, _ := h.orch.Run(context.Background(), tx)
	if res.Status != screening.StatusDegraded || res.BranchErrors[string(StageFraudAlert)] == "" {
		t.Fatalf("status %s, branch errors %v", res.Status, res.BranchErrors)
	}
	if got := h.alerts.createCalls(); got != 1 {
		t.Errorf("CreateAlert called %d times, want 1", got)
	}
}

func TestRunAlertDispatchIsIdempotentAcrossRetries(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.alerts.lostResponses = 2
	tx := h.tx("TX-FLAKY", 5000, "IR", true, false, establishedCustomer)

	res, err := h.orch.Run(context.Background(), tx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Status != screening.StatusCompleted || res.Alert == nil {
		t.Fatalf("status %s, alert %+v, errors %v", res.Status, res.Alert, res.BranchErrors)
	}
	stored := h.alerts.alertsFor(t, tx.ID)
	if len(stored) != 1 {
		t.Fatalf("%d alerts stored for %s, want exactly 1", len(stored), tx.ID)
	}
	if stored[0].AlertID != res.Alert.AlertID {
		t.Errorf("result alert %s, stored %s", res.Alert.AlertID, stored[0].AlertID)
	}
	tc := h.tracer.trace(t, tx.ID)
	if got := len(eventsNamed(tc, "alert.created")); got != 1 {
		t.Errorf("%d alert.created events, want 1", got)
	}
}

func TestRunAlertTimeoutDoesNotAffectCompliance(t *testing.T) {
	cfg := testConfig()
	cfg.FraudAlertTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.alerts.block = make(chan struct{})
	defer close(h.alerts.block)

	tx := h.tx("TX-SLOW-ALERT", 5000, "IR", true, false, establishedCustomer)
	reference := h.tx("TX-REFERENCE", 5000, "IR", true, false, establishedCustomer)

	res, err := h.orch.Run(context.Background(), tx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Status != screening.StatusDegraded {
		t.Fatalf("status = %s", res.Status)
	}
	if !strings.Contains(res.BranchErrors[string(StageFraudAlert)], "timed out") {
		t.Errorf("branch errors = %v", res.BranchErrors)
	}
	if _, ok := res.BranchErrors[string(StageComplianceReport)]; ok {
		t.Error("compliance branch reported an error")
	}

	tc := h.tracer.trace(t, tx.ID)
	alertSpan, _ := spanNamed(tc, StageFraudAlert)
	if alertSpan.Status != tracing.SpanTimeout {
		t.Errorf("fraud_alert span status = %s", alertSpan.Status)
	}
	complianceSpan, ok := spanNamed(tc, StageComplianceReport)
	if !ok || complianceSpan.Status != tracing.SpanOK {
		t.Errorf("compliance span = %+v", complianceSpan)
	}
	if complianceSpan.Duration() >= cfg.FraudAlertTimeout {
		t.Errorf("compliance took %s, slowed by the alert branch", complianceSpan.Duration())
	}

	// The compliance output must match a run whose alert branch is healthy.
	h.alerts.mu.Lock()
	h.alerts.block = nil
	h.alerts.mu.Unlock()
	ref, _ := h.orch.Run(context.Background(), reference)
	if res.Report.Decision != ref.Report.Decision || res.Report.Conclusion != ref.Report.Conclusion ||
		strings.Join(res.Report.RiskFactorsIdentified, ",") != strings.Join(ref.Report.RiskFactorsIdentified, ",") {
		t.Errorf("report differs from healthy run:\n%+v\n%+v", res.Report, ref.Report)
	}
}

func TestRunSlowAnnotationKeepsReport(t *testing.T) {
	cfg := testConfig()
	cfg.ComplianceTimeout = 50 * time.Millisecond
	cfg.AnnotationTimeout = 200 * time.Millisecond
	oracle := hangingAnnotator{release: make(chan struct{})}
	t.Cleanup(func() { close(oracle.release) })
	h := newHarness(t, cfg, func(d *Dependencies) { d.Annotator = oracle })
	tx := h.tx("TX-SLOW-ORACLE", 5000, "IR", true, false, establishedCustomer)

	res, err := h.orch.Run(context.Background(), tx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Status != screening.StatusCompleted {
		t.Fatalf("status = %s, branch errors %v", res.Status, res.BranchErrors)
	}
	if res.Report == nil {
		t.Fatal("no compliance report")
	}
	if res.Report.Narrative != "" {
		t.Errorf("narrative = %q, want empty", res.Report.Narrative)
	}
	if res.Alert == nil {
		t.Error("alert missing")
	}

	tc := h.tracer.trace(t, tx.ID)
	if got := len(eventsNamed(tc, "annotation.failed")); got != 1 {
		t.Errorf("%d annotation.failed events, want 1", got)
	}
	annSpan, ok := spanNamed(tc, StageAnnotation)
	if !ok || annSpan.Status != tracing.SpanTimeout {
		t.Errorf("annotation span = %+v", annSpan)
	}
	complianceSpan, ok := spanNamed(tc, StageComplianceReport)
	if !ok || complianceSpan.Status != tracing.SpanOK {
		t.Errorf("compliance span = %+v", complianceSpan)
	}
}

func TestAnnotationLimit(t *testing.T) {
	tests := []struct {
		name       string
		annotation time.Duration
		compliance time.Duration
		want       time.Duration
	}{
		{"inside compliance budget", 100 * time.Millisecond, time.Second, 100 * time.Millisecond},
		{"equal to compliance timeout", time.Second, time.Second, 750 * time.Millisecond},
		{"above compliance timeout", 200 * time.Millisecond, 50 * time.Millisecond, 37500 * time.Microsecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.AnnotationTimeout = tt.annotation
			cfg.ComplianceTimeout = tt.compliance
			if got := annotationLimit(cfg); got != tt.want {
				t.Errorf("annotationLimit() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRunComplianceTimeoutDegrades(t *testing.T) {
	cfg := testConfig()
	cfg.ComplianceTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, nil)
	clock := &stallingClock{release: make(chan struct{})}
	t.Cleanup(func() { close(clock.release) })
	h.orch.now = clock.now
	tx := h.tx("TX-SLOW-REPORT", 5000, "IR", true, false, establishedCustomer)

	res, err := h.orch.Run(context.Background(), tx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if res.Status != screening.StatusDegraded {
		t.Fatalf("status = %s, want DEGRADED", res.Status)
	}
	if !strings.Contains(res.BranchErrors[string(StageComplianceReport)], "timed out") {
		t.Errorf("branch errors = %v", res.BranchErrors)
	}
	if _, ok := res.BranchErrors[string(StageFraudAlert)]; ok {
		t.Error("alert branch reported an error")
	}
	if res.Report != nil {
		t.Errorf("report = %+v, want none", res.Report)
	}
	if res.Alert == nil || !res.AlertWarranted {
		t.Errorf("alert %+v, warranted %v", res.Alert, res.AlertWarranted)
	}
	if res.Decision == nil || res.Decision.Rating != screening.RatingNonCompliant {
		t.Errorf("decision = %+v", res.Decision)
	}

	tc := h.tracer.trace(t, tx.ID)
	complianceSpan, ok := spanNamed(tc, StageComplianceReport)
	if !ok || complianceSpan.Status != tracing.SpanTimeout {
		t.Errorf("compliance span = %+v", complianceSpan)
	}
	alertSpan, ok := spanNamed(tc, StageFraudAlert)
	if !ok || alertSpan.Status != tracing.SpanOK {
		t.Errorf("fraud_alert span = %+v", alertSpan)
	}
}

func TestRunDeadlineDetachesBranches(t *testing.T) {
	cfg := testConfig()
	cfg.RunDeadline = 100 * time.Millisecond
	cfg.FraudAlertTimeout = 2 * time.Second
	h := newHarness(t, cfg, nil)
	release := make(chan struct{})
	h.alerts.block = release

	tx := h.tx("TX-DEADLINE", 5000, "IR", true, false, establishedCustomer)
	start := time.Now()
	res, err := h.orch.Run(context.Background(), tx)
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Run() took %s, the join ignored the run deadline", elapsed)
	}
	if res.Status != screening.StatusFailed || !strings.Contains(res.FailureReason, "deadline") {
		t.Fatalf("status %s, reason %q", res.Status, res.FailureReason)
	}
	if res.Assessment == nil || res.Decision == nil {
		t.Error("sequential output missing from a deadline failure")
	}
	if !strings.HasPrefix(res.BranchErrors[string(StageFraudAlert)], "detached") {
		t.Errorf("branch errors = %v", res.BranchErrors)
	}

	close(release)
	tc := h.tracer.trace(t, tx.ID)
	waitFor(t, 2*time.Second, func() bool {
		for _, ev := range eventsNamed(tc, "branch.detached") {
			if ev.Attributes["stage"] == string(StageFraudAlert) {
				return true
			}
		}
		return false
	})

	span, ok := spanNamed(tc, StageFraudAlert)
	if !ok || span.End.IsZero() || span.Status != tracing.SpanOK {
		t.Errorf("detached span = %+v", span)
	}
	if got := len(h.alerts.alertsFor(t, tx.ID)); got != 1 {
		t.Errorf("detached branch stored %d alerts, want 1", got)
	}
}

func TestRunRejectsInvalidTransactions(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	tests := []struct {
		name  string
		tx    screening.Transaction
		field string
	}{
		{"empty id", screening.Transaction{Amount: decimalOf(10)}, "transaction_id"},
		{"negative amount", screening.Transaction{ID: "TX-NEG", Amount: decimalOf(-1)}, "amount"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.orch.Run(context.Background(), tt.tx)
			var ve *screening.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("Run() error = %v, want ValidationError on %s", err, tt.field)
			}
			if res != nil {
				t.Errorf("result = %+v, want nil", res)
			}
		})
	}
	h.tracer.mu.Lock()
	defer h.tracer.mu.Unlock()
	if len(h.tracer.runs) != 0 {
		t.Errorf("invalid transactions opened %d runs", len(h.tracer.runs))
	}
}

func TestRunRejectsDuplicateInFlight(t *testing.T) {
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{}), profile: establishedCustomer}
	h := newHarness(t, testConfig(), func(d *Dependencies) { d.Customers = src })
	tx := screening.Transaction{ID: "TX-DUP", Amount: decimalOf(100), DestinationCountry: "US"}

	var wg sync.WaitGroup
	wg.Add(1)
	var first *screening.WorkflowResult
	go func() {
		defer wg.Done()
		first, _ = h.orch.Run(context.Background(), tx)
	}()
	<-src.entered

	res, err := h.orch.Run(context.Background(), tx)
	if !errors.Is(err, tracing.ErrDuplicateRun) || res != nil {
		t.Errorf("duplicate Run() = %v, %v", res, err)
	}

	close(src.release)
	wg.Wait()
	if first == nil || first.Status != screening.StatusCompleted {
		t.Errorf("first run = %+v", first)
	}
}

func TestRunConsistencyErrorAborts(t *testing.T) {
	h := newHarness(t, testConfig(), func(d *Dependencies) { d.Scorer = brokenScorer{} })
	tx := h.tx("TX-BROKEN", 100, "US", false, false, establishedCustomer)

	res, err := h.orch.Run(context.Background(), tx)
	var ce *screening.ConsistencyError
	if !errors.As(err, &ce) {
		t.Fatalf("Run() error = %v, want ConsistencyError", err)
	}
	if res == nil || res.Status != screening.StatusFailed || res.Assessment != nil {
		t.Errorf("result = %+v", res)
	}
	if h.alerts.createCalls() != 0 {
		t.Error("branches ran after a consistency violation")
	}
}

func TestRunPanicClosesRun(t *testing.T) {
	h := newHarness(t, testConfig(), func(d *Dependencies) { d.Scorer = panickingScorer{} })
	tx := h.tx("TX-PANIC", 100, "US", false, false, establishedCustomer)

	func() {
		defer func() {
			if r := recover(); r != "scorer exploded" {
				t.Errorf("recovered %v, want the scorer panic", r)
			}
		}()
		h.orch.Run(context.Background(), tx)
		t.Error("Run() did not re-raise the panic")
	}()

	tc := h.tracer.trace(t, tx.ID)
	span, _ := spanNamed(tc, StageRiskAnalysis)
	if span.Status != tracing.SpanPanic {
		t.Errorf("risk_analysis span = %+v", span)
	}
	if tc.Status() != string(screening.StatusFailed) {
		t.Errorf("trace status = %q", tc.Status())
	}

	// The run was released, so the transaction can be screened again.
	if _, _, err := h.tracer.BeginRun(context.Background(), tx.ID); err != nil {
		t.Errorf("BeginRun() after panic = %v", err)
	}
}

func TestRunEmitsEachStateOnce(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	tx := h.tx("TX-STATES", 5000, "IR", true, false, establishedCustomer)

	if _, err := h.orch.Run(context.Background(), tx); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	var got []string
	for _, ev := range eventsNamed(h.tracer.trace(t, tx.ID), "workflow.state") {
		got = append(got, ev.Attributes["state"])
	}
	want := []string{
		string(StateCustomerDataDone), string(StateRiskAssessed),
		string(StateComplianceRunning), string(StateAlertRunning),
		string(StateJoined), string(StateCompleted),
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestRunConcurrentRunsAreIsolated(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	const n = 50

	txs := make([]screening.Transaction, n)
	for i := range txs {
		if i%2 == 0 {
			txs[i] = h.tx(fmt.Sprintf("TX-C%02d", i), 5000, "IR", true, false, establishedCustomer)
		} else {
			txs[i] = h.tx(fmt.Sprintf("TX-C%02d", i), int64(100+i), "US", false, false, establishedCustomer)
		}
	}

	results := make([]*screening.WorkflowResult, n)
	var wg sync.WaitGroup
	for i := range txs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = h.orch.Run(context.Background(), txs[i])
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, res := range results {
		tx := txs[i]
		if res == nil || res.Status != screening.StatusCompleted {
			t.Fatalf("run %s = %+v", tx.ID, res)
		}
		if res.TransactionID != tx.ID || res.Assessment.TransactionID != tx.ID || res.Report.TransactionID != tx.ID {
			t.Errorf("run %s carries output of another transaction", tx.ID)
		}
		if seen[res.CorrelationID] {
			t.Errorf("correlation id %s reused", res.CorrelationID)
		}
		seen[res.CorrelationID] = true

		wantHigh := i%2 == 0
		if (res.Assessment.Tier == screening.TierHigh) != wantHigh {
			t.Errorf("run %s tier = %s", tx.ID, res.Assessment.Tier)
		}
		if wantHigh && (res.Alert == nil || res.Alert.TransactionID != tx.ID) {
			t.Errorf("run %s alert = %+v", tx.ID, res.Alert)
		}
		if !wantHigh && res.Alert != nil {
			t.Errorf("run %s has an unexpected alert", tx.ID)
		}
		for _, ev := range h.tracer.trace(t, tx.ID).Events() {
			if id := ev.Attributes["alert_id"]; id != "" && (res.Alert == nil || id != res.Alert.AlertID) {
				t.Errorf("run %s traced foreign alert %s", tx.ID, id)
			}
		}
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(*Config)
		mutate func(*Dependencies)
	}{
		{"missing customers", nil, func(d *Dependencies) { d.Customers = nil }},
		{"missing scorer", nil, func(d *Dependencies) { d.Scorer = nil }},
		{"missing alerts", nil, func(d *Dependencies) { d.Alerts = nil }},
		{"missing correlator", nil, func(d *Dependencies) { d.Correlator = nil }},
		{"zero run deadline", func(c *Config) { c.RunDeadline = 0 }, nil},
		{"no attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := Dependencies{
				Customers:  customer.NewStaticSource(nil),
				Scorer:     brokenScorer{},
				Alerts:     newDispatcher(),
				Correlator: newRecordingCorrelator(),
			}
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			if tt.mutate != nil {
				tt.mutate(&deps)
			}
			if _, err := New(cfg, deps); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

type brokenScorer struct{}

func (brokenScorer) Score(tx screening.Transaction, _ screening.CustomerRiskProfile) screening.RiskAssessment {
	return screening.RiskAssessment{TransactionID: tx.ID, Score: 90, Tier: screening.TierLow, Recommendation: screening.RecommendApprove}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
