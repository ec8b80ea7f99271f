// Package workflow drives a transaction through the screening pipeline:
// customer data, then risk analysis, then the compliance-report and
// fraud-alert branches in parallel, joined into one WorkflowResult.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/liamcoop/txscreen/internal/logger"
	"github.com/liamcoop/txscreen/screening"
	"github.com/liamcoop/txscreen/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Metrics recorded by the orchestrator in addition to the correlator's own.
const (
	MetricRiskScore     = "txscreen.risk.score"
	MetricBranchRetries = "txscreen.branch.retries"
	MetricAlertsCreated = "txscreen.alerts.created"
)

// Config holds the stage timeouts and the branch retry policy.
type Config struct {
	CustomerDataTimeout time.Duration
	RiskAnalysisTimeout time.Duration
	ComplianceTimeout   time.Duration
	AnnotationTimeout   time.Duration
	FraudAlertTimeout   time.Duration
	// RunDeadline bounds the sequential stages and the join.
	RunDeadline   time.Duration
	Retry         RetryPolicy
	AlertAssignee string
}

func DefaultConfig() Config {
	return Config{
		CustomerDataTimeout: 2 * time.Second,
		RiskAnalysisTimeout: time.Second,
		ComplianceTimeout:   5 * time.Second,
		AnnotationTimeout:   3 * time.Second,
		FraudAlertTimeout:   5 * time.Second,
		RunDeadline:         10 * time.Second,
		Retry:               DefaultRetryPolicy(),
		AlertAssignee:       DefaultAlertAssignee,
	}
}

func (c Config) validate() error {
	for name, d := range map[string]time.Duration{
		"customer data timeout": c.CustomerDataTimeout,
		"risk analysis timeout": c.RiskAnalysisTimeout,
		"compliance timeout":    c.ComplianceTimeout,
		"annotation timeout":    c.AnnotationTimeout,
		"fraud alert timeout":   c.FraudAlertTimeout,
		"run deadline":          c.RunDeadline,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// Dependencies are the collaborators of an Orchestrator. Annotator is
// optional; without it reports carry no narrative.
type Dependencies struct {
	Customers  CustomerSource
	Scorer     Scorer
	Annotator  Annotator
	Alerts     AlertDispatcher
	Correlator tracing.Correlator
}

// Orchestrator runs screening workflows. It holds no per-run state and is
// safe for concurrent use.
type Orchestrator struct {
	cfg        Config
	correlator tracing.Correlator
	now        func() time.Time

	customerData customerDataStage
	riskAnalysis riskAnalysisStage
	compliance   complianceReportStage
	fraudAlert   fraudAlertStage
}

func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow config: %w", err)
	}
	switch {
	case deps.Customers == nil:
		return nil, errors.New("customer source is required")
	case deps.Scorer == nil:
		return nil, errors.New("scorer is required")
	case deps.Alerts == nil:
		return nil, errors.New("alert dispatcher is required")
	case deps.Correlator == nil:
		return nil, errors.New("correlator is required")
	}
	if cfg.AlertAssignee == "" {
		cfg.AlertAssignee = DefaultAlertAssignee
	}

	o := &Orchestrator{cfg: cfg, correlator: deps.Correlator, now: time.Now}
	o.customerData = customerDataStage{
		stageBase: stageBase{StageCustomerData, cfg.CustomerDataTimeout},
		source:    deps.Customers,
	}
	o.riskAnalysis = riskAnalysisStage{
		stageBase: stageBase{StageRiskAnalysis, cfg.RiskAnalysisTimeout},
		scorer:    deps.Scorer,
	}
	o.compliance = complianceReportStage{
		stageBase: stageBase{StageComplianceReport, cfg.ComplianceTimeout},
		now:       func() time.Time { return o.now() },
	}
	if deps.Annotator != nil {
		o.compliance.annotation = &annotationStage{
			stageBase: stageBase{StageAnnotation, annotationLimit(cfg)},
			annotator: deps.Annotator,
		}
	}
	o.fraudAlert = fraudAlertStage{
		stageBase: stageBase{StageFraudAlert, cfg.FraudAlertTimeout},
		alerts:    deps.Alerts,
		retry:     cfg.Retry,
	}
	return o, nil
}

// annotationLimit bounds the annotation stage, which runs inside the
// compliance stage, to three quarters of the compliance timeout. A slow
// oracle then costs the narrative and never the report.
func annotationLimit(cfg Config) time.Duration {
	return min(cfg.AnnotationTimeout, cfg.ComplianceTimeout*3/4)
}

// run is the per-run state shared by the stages of one workflow.
type run struct {
	tc     *tracing.TraceContext
	result *screening.WorkflowResult
	states *machine
}

// Run screens tx. A malformed transaction or a transaction that already has
// a run in flight is rejected with an error and no result. Otherwise a result
// is always returned; a ConsistencyError is returned alongside it.
func (o *Orchestrator) Run(ctx context.Context, tx screening.Transaction) (*screening.WorkflowResult, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}

	ctx, tc, err := o.correlator.BeginRun(ctx, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("begin run for %s: %w", tx.ID, err)
	}

	r := &run{
		tc: tc,
		result: &screening.WorkflowResult{
			TransactionID: tx.ID,
			CorrelationID: tc.CorrelationID,
			StartedAt:     tc.StartedAt,
		},
	}
	r.states = newMachine(func(s State) {
		o.correlator.EmitEvent(ctx, tc, "workflow.state", attribute.String("state", string(s)))
	})

	// A panicking stage still closes the run before the panic propagates.
	panicked := true
	defer func() {
		if panicked {
			p := recover()
			o.finish(ctx, r, fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()
	err = o.execute(ctx, r, tx)
	panicked = false
	o.finish(ctx, r, err)

	var ce *screening.ConsistencyError
	if errors.As(err, &ce) {
		return r.result, err
	}
	return r.result, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run, tx screening.Transaction) error {
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunDeadline)
	defer cancel()

	profile, err := runStage(runCtx, o.correlator, r.tc, o.customerData, func(ctx context.Context) (screening.CustomerRiskProfile, error) {
		return o.customerData.run(ctx, tx)
	})
	if err != nil {
		return err
	}
	r.result.Profile = &profile
	o.enter(ctx, r, StateCustomerDataDone)

	risk, err := runStage(runCtx, o.correlator, r.tc, o.riskAnalysis, func(ctx context.Context) (riskOutput, error) {
		return o.riskAnalysis.run(ctx, tx, profile)
	})
	if err != nil {
		return err
	}
	assessment := risk.assessment
	r.result.Assessment = &assessment
	r.result.Decision = &risk.decision
	o.enter(ctx, r, StateRiskAssessed)

	o.correlator.ObserveHistogram(ctx, MetricRiskScore, float64(assessment.Score), attribute.String("tier", string(assessment.Tier)))
	o.correlator.EmitEvent(ctx, r.tc, "risk.assessed",
		attribute.Int("score", assessment.Score),
		attribute.String("tier", string(assessment.Tier)),
		attribute.String("recommendation", string(assessment.Recommendation)),
		attribute.String("compliance_rating", string(risk.decision.Rating)),
	)

	req, warranted := AlertFor(assessment, o.cfg.AlertAssignee)
	r.result.AlertWarranted = warranted

	o.fanOut(ctx, runCtx, r, tx, assessment, req, warranted)
	return nil
}

// joiner collects branch outcomes until the join closes. Outcomes arriving
// later are traced as detached and dropped.
type joiner struct {
	mu      sync.Mutex
	closed  bool
	settled map[StageName]bool
	report  *screening.ComplianceReport
	alert   *screening.FraudAlertRecord
	errs    map[string]string
}

func (j *joiner) settle(name StageName, err error, apply func()) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return false
	}
	j.settled[name] = true
	if err != nil {
		j.errs[string(name)] = err.Error()
		return true
	}
	if apply != nil {
		apply()
	}
	return true
}

// fanOut runs both branches on ctx, which carries no run deadline, so that a
// branch outliving the join still finishes and closes its span. runCtx only
// bounds how long the join waits.
func (o *Orchestrator) fanOut(ctx, runCtx context.Context, r *run, tx screening.Transaction, assessment screening.RiskAssessment, req screening.FraudAlertRequest, warranted bool) {
	j := &joiner{settled: make(map[StageName]bool), errs: make(map[string]string)}

	o.enter(ctx, r, StateComplianceRunning)
	o.enter(ctx, r, StateAlertRunning)

	detached := func(name StageName, err error) {
		outcome := "ok"
		if err != nil {
			outcome = err.Error()
		}
		o.correlator.EmitEvent(ctx, r.tc, "branch.detached",
			attribute.String("stage", string(name)),
			attribute.String("outcome", outcome),
		)
	}

	var g errgroup.Group
	complianceSnapshot := assessment.Clone()
	g.Go(func() error {
		report, err := runStage(ctx, o.correlator, r.tc, o.compliance, func(ctx context.Context) (screening.ComplianceReport, error) {
			return o.compliance.run(ctx, o.correlator, r.tc, tx, complianceSnapshot)
		})
		if !j.settle(StageComplianceReport, err, func() { j.report = &report }) {
			detached(StageComplianceReport, err)
		}
		return nil
	})

	g.Go(func() error {
		if !warranted {
			o.correlator.EmitEvent(ctx, r.tc, "alert.not_warranted", attribute.String("tier", string(assessment.Tier)))
			j.settle(StageFraudAlert, nil, nil)
			return nil
		}
		rec, err := runStage(ctx, o.correlator, r.tc, o.fraudAlert, func(ctx context.Context) (*screening.FraudAlertRecord, error) {
			return o.fraudAlert.run(ctx, o.correlator, r.tc, req)
		})
		if err == nil {
			o.correlator.IncCounter(ctx, MetricAlertsCreated, 1, attribute.String("severity", string(rec.Severity)))
			o.correlator.EmitEvent(ctx, r.tc, "alert.created",
				attribute.String("alert_id", rec.AlertID),
				attribute.String("rule", rec.Rule),
				attribute.String("severity", string(rec.Severity)),
			)
		}
		if !j.settle(StageFraudAlert, err, func() { j.alert = rec }) {
			detached(StageFraudAlert, err)
		}
		return nil
	})

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	deadlineHit := false
	select {
	case <-done:
	case <-runCtx.Done():
		// Both branches may have settled in the same instant.
		select {
		case <-done:
		default:
			deadlineHit = true
		}
	}

	j.mu.Lock()
	j.closed = true
	res := r.result
	res.Report = j.report
	res.Alert = j.alert
	for name, msg := range j.errs {
		if res.BranchErrors == nil {
			res.BranchErrors = make(map[string]string)
		}
		res.BranchErrors[name] = msg
	}
	if deadlineHit {
		for _, name := range []StageName{StageComplianceReport, StageFraudAlert} {
			if !j.settled[name] {
				if res.BranchErrors == nil {
					res.BranchErrors = make(map[string]string)
				}
				res.BranchErrors[string(name)] = "detached: run deadline exceeded"
			}
		}
	}
	j.mu.Unlock()

	if deadlineHit {
		res.Status = screening.StatusFailed
		res.FailureReason = fmt.Sprintf("run deadline of %s exceeded before join", o.cfg.RunDeadline)
		return
	}
	o.enter(ctx, r, StateJoined)
	if len(res.BranchErrors) > 0 {
		res.Status = screening.StatusDegraded
	} else {
		res.Status = screening.StatusCompleted
	}
}

// finish settles the terminal status, closes the run and logs the outcome.
func (o *Orchestrator) finish(ctx context.Context, r *run, err error) {
	res := r.result
	if err != nil {
		res.Status = screening.StatusFailed
		res.FailureReason = err.Error()
		var te *screening.StageTimeoutError
		if errors.As(err, &te) {
			res.FailureReason = te.Error()
		} else if errors.Is(err, context.DeadlineExceeded) {
			res.FailureReason = fmt.Sprintf("run deadline of %s exceeded: %v", o.cfg.RunDeadline, err)
		}
	}

	switch res.Status {
	case screening.StatusCompleted:
		o.enter(ctx, r, StateCompleted)
	case screening.StatusDegraded:
		o.enter(ctx, r, StateDegraded)
		logger.DegradedRuns.Add(1)
	default:
		o.enter(ctx, r, StateFailed)
		logger.FailedRuns.Add(1)
	}
	res.FinishedAt = o.now().UTC()

	if endErr := o.correlator.EndRun(ctx, r.tc, string(res.Status)); endErr != nil {
		logger.With(ctx).Error("failed to end run", "error", endErr)
	}

	log := logger.With(ctx)
	switch res.Status {
	case screening.StatusCompleted:
		log.Info("screening completed", "status", res.Status, "alert_warranted", res.AlertWarranted)
	case screening.StatusDegraded:
		log.Warn("screening degraded", "status", res.Status, "branch_errors", res.BranchErrors)
	default:
		log.Error("screening failed", "status", res.Status, "reason", res.FailureReason)
	}
}

func (o *Orchestrator) enter(ctx context.Context, r *run, s State) {
	if err := r.states.enter(s); err != nil {
		logger.With(ctx).Error("workflow state transition rejected", "state", s, "error", err)
	}
}
