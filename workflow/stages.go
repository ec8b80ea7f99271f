package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/txscreen/compliance"
	"github.com/liamcoop/txscreen/screening"
	"github.com/liamcoop/txscreen/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// StageName is the span name of a stage.
type StageName string

const (
	StageCustomerData     StageName = "customer_data"
	StageRiskAnalysis     StageName = "risk_analysis"
	StageComplianceReport StageName = "compliance_report"
	StageFraudAlert       StageName = "fraud_alert"
	StageAnnotation       StageName = "annotation"
)

// CustomerSource is satisfied by the customer package's sources.
type CustomerSource interface {
	Fetch(ctx context.Context, transactionID string) (screening.CustomerRiskProfile, error)
}

// Scorer is satisfied by *scoring.Engine.
type Scorer interface {
	Score(tx screening.Transaction, profile screening.CustomerRiskProfile) screening.RiskAssessment
}

// Annotator is satisfied by the annotation package's annotators.
type Annotator interface {
	Annotate(ctx context.Context, tx screening.Transaction, a screening.RiskAssessment) (string, error)
}

// AlertDispatcher is satisfied by alerts.Service and alerts.Client.
type AlertDispatcher interface {
	CreateAlert(ctx context.Context, req screening.FraudAlertRequest) (string, error)
	GetAlert(ctx context.Context, alertID string) (*screening.FraudAlertRecord, error)
}

// stage is implemented only by the stage types in this file.
type stage interface {
	name() StageName
	timeout() time.Duration
	sealed()
}

type stageBase struct {
	stageName StageName
	limit     time.Duration
}

func (s stageBase) name() StageName        { return s.stageName }
func (s stageBase) timeout() time.Duration { return s.limit }
func (stageBase) sealed()                  {}

// runStage runs fn inside a span named after s, bounded by the stage timeout.
// If the timeout fires first the stage reports a StageTimeoutError and fn is
// abandoned; if the caller's context ends first its error is returned. A
// panic in fn is re-raised on the calling goroutine so the span records it.
func runStage[T any](ctx context.Context, c tracing.Correlator, tc *tracing.TraceContext, s stage, fn func(context.Context) (T, error)) (T, error) {
	return tracing.Span(ctx, c, tc, string(s.name()), func(ctx context.Context) (T, error) {
		var zero T
		stageCtx, cancel := ctx, context.CancelFunc(func() {})
		if s.timeout() > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, s.timeout())
		}
		defer cancel()

		type outcome struct {
			v        T
			err      error
			panicked bool
			p        any
		}
		done := make(chan outcome, 1)
		go func() {
			panicked := true
			defer func() {
				if panicked {
					done <- outcome{panicked: true, p: recover()}
				}
			}()
			v, err := fn(stageCtx)
			panicked = false
			done <- outcome{v: v, err: err}
		}()

		timedOut := func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return &screening.StageTimeoutError{Stage: string(s.name()), Timeout: s.timeout()}
		}

		select {
		case o := <-done:
			if o.panicked {
				panic(o.p)
			}
			if o.err != nil && stageCtx.Err() != nil && errors.Is(o.err, context.DeadlineExceeded) {
				return zero, timedOut()
			}
			return o.v, o.err
		case <-stageCtx.Done():
			return zero, timedOut()
		}
	})
}

type customerDataStage struct {
	stageBase
	source CustomerSource
}

func (s customerDataStage) run(ctx context.Context, tx screening.Transaction) (screening.CustomerRiskProfile, error) {
	p, err := s.source.Fetch(ctx, tx.ID)
	if err != nil {
		return screening.CustomerRiskProfile{}, fmt.Errorf("fetch customer profile: %w", err)
	}
	return p, nil
}

type riskAnalysisStage struct {
	stageBase
	scorer Scorer
}

type riskOutput struct {
	assessment screening.RiskAssessment
	decision   screening.ComplianceDecision
}

func (s riskAnalysisStage) run(_ context.Context, tx screening.Transaction, profile screening.CustomerRiskProfile) (riskOutput, error) {
	a := s.scorer.Score(tx, profile)
	if a.TransactionID != tx.ID {
		return riskOutput{}, &screening.ConsistencyError{Invariant: "assessment-transaction", Detail: "assessment for " + a.TransactionID + " returned for " + tx.ID}
	}
	if err := a.Check(); err != nil {
		return riskOutput{}, err
	}
	return riskOutput{assessment: a, decision: compliance.Decide(a)}, nil
}

type annotationStage struct {
	stageBase
	annotator Annotator
}

type complianceReportStage struct {
	stageBase
	annotation *annotationStage
	now        func() time.Time
}

// run builds the audit report. An annotation failure is reported through
// onAnnotationError and leaves the narrative empty.
func (s complianceReportStage) run(ctx context.Context, c tracing.Correlator, tc *tracing.TraceContext, tx screening.Transaction, a screening.RiskAssessment) (screening.ComplianceReport, error) {
	var narrative string
	if s.annotation != nil {
		n, err := runStage(ctx, c, tc, s.annotation, func(ctx context.Context) (string, error) {
			return s.annotation.annotator.Annotate(ctx, tx, a)
		})
		if err != nil {
			c.EmitEvent(ctx, tc, "annotation.failed", attribute.String("error", err.Error()))
		} else {
			narrative = n
		}
	}
	return compliance.BuildReport(a, narrative, s.now()), nil
}

type fraudAlertStage struct {
	stageBase
	alerts AlertDispatcher
	retry  RetryPolicy
}

// run creates the alert and reads it back. Both calls are retried together;
// creation is idempotent on (transaction, rule), so a retry after a lost
// response returns the alert created by the earlier attempt.
func (s fraudAlertStage) run(ctx context.Context, c tracing.Correlator, tc *tracing.TraceContext, req screening.FraudAlertRequest) (*screening.FraudAlertRecord, error) {
	rec, err := retry(ctx, s.retry, func(ctx context.Context) (*screening.FraudAlertRecord, error) {
		id, err := s.alerts.CreateAlert(ctx, req)
		if err != nil {
			return nil, err
		}
		return s.alerts.GetAlert(ctx, id)
	}, func(attempt int, err error, wait time.Duration) {
		c.IncCounter(ctx, MetricBranchRetries, 1, attribute.String("stage", string(s.name())))
		c.EmitEvent(ctx, tc, "branch.retry",
			attribute.String("stage", string(s.name())),
			attribute.Int("attempt", attempt),
			attribute.String("error", err.Error()),
			attribute.Int64("backoff_ms", wait.Milliseconds()),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch alert %s: %w", req.IdempotencyKey(), err)
	}
	return rec, nil
}
