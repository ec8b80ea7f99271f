package workflow

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/liamcoop/txscreen/screening"
	"github.com/liamcoop/txscreen/tracing"
)

func TestRunStage(t *testing.T) {
	base := stageBase{StageCustomerData, 30 * time.Millisecond}

	tests := []struct {
		name       string
		ctx        func() (context.Context, context.CancelFunc)
		fn         func(context.Context) (int, error)
		want       int
		wantErr    func(error) bool
		wantStatus tracing.SpanStatus
	}{
		{
			name:       "success",
			fn:         func(context.Context) (int, error) { return 7, nil },
			want:       7,
			wantErr:    func(err error) bool { return err == nil },
			wantStatus: tracing.SpanOK,
		},
		{
			name: "stage timeout with a cooperative fn",
			fn: func(ctx context.Context) (int, error) {
				<-ctx.Done()
				return 0, ctx.Err()
			},
			wantErr: func(err error) bool {
				var te *screening.StageTimeoutError
				return errors.As(err, &te) && te.Stage == string(StageCustomerData)
			},
			wantStatus: tracing.SpanTimeout,
		},
		{
			name: "stage timeout abandons a stuck fn",
			fn: func(context.Context) (int, error) {
				time.Sleep(200 * time.Millisecond)
				return 1, nil
			},
			wantErr: func(err error) bool {
				var te *screening.StageTimeoutError
				return errors.As(err, &te)
			},
			wantStatus: tracing.SpanTimeout,
		},
		{
			name: "caller cancellation is not a stage timeout",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, cancel
			},
			fn: func(ctx context.Context) (int, error) {
				<-ctx.Done()
				return 0, ctx.Err()
			},
			wantErr:    func(err error) bool { return errors.Is(err, context.Canceled) },
			wantStatus: tracing.SpanCancelled,
		},
		{
			name:       "dependency error",
			fn:         func(context.Context) (int, error) { return 0, screening.Terminal("customer-data", errors.New("not found")) },
			wantErr:    func(err error) bool { return err != nil && !screening.IsRetryable(err) },
			wantStatus: tracing.SpanError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.Background(), context.CancelFunc(func() {})
			if tt.ctx != nil {
				ctx, cancel = tt.ctx()
			}
			defer cancel()

			c := tracing.NewLogCorrelator(io.Discard)
			ctx, tc, err := c.BeginRun(ctx, "TX-STAGE")
			if err != nil {
				t.Fatalf("BeginRun() failed: %v", err)
			}
			defer c.EndRun(ctx, tc, string(screening.StatusCompleted))

			got, err := runStage(ctx, c, tc, base, tt.fn)
			if !tt.wantErr(err) {
				t.Fatalf("runStage() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("runStage() = %d, want %d", got, tt.want)
			}
			spans := tc.Spans()
			if len(spans) != 1 || spans[0].Status != tt.wantStatus {
				t.Errorf("spans = %+v, want one %s span", spans, tt.wantStatus)
			}
		})
	}
}

func TestRunStageRepanics(t *testing.T) {
	c := tracing.NewLogCorrelator(io.Discard)
	ctx, tc, _ := c.BeginRun(context.Background(), "TX-PANIC-STAGE")

	func() {
		defer func() {
			if r := recover(); r != "boom" {
				t.Errorf("recovered %v, want boom", r)
			}
		}()
		runStage(ctx, c, tc, stageBase{StageRiskAnalysis, time.Second}, func(context.Context) (int, error) {
			panic("boom")
		})
	}()

	spans := tc.Spans()
	if len(spans) != 1 || spans[0].Status != tracing.SpanPanic || !strings.Contains(spans[0].Error, "boom") {
		t.Errorf("spans = %+v", spans)
	}
}

func TestComplianceStageToleratesAnnotationFailure(t *testing.T) {
	c := newRecordingCorrelator()
	ctx, tc, _ := c.BeginRun(context.Background(), "TX-ANN")
	s := complianceReportStage{
		stageBase: stageBase{StageComplianceReport, time.Second},
		annotation: &annotationStage{
			stageBase: stageBase{StageAnnotation, 20 * time.Millisecond},
			annotator: slowAnnotator{},
		},
		now: time.Now,
	}
	a := screening.RiskAssessment{
		TransactionID:  "TX-ANN",
		Score:          80,
		Tier:           screening.TierHigh,
		Factors:        []screening.Factor{{Name: "high_risk_country", Points: 80}},
		Recommendation: screening.RecommendBlock,
	}

	report, err := s.run(ctx, c, tc, screening.Transaction{ID: "TX-ANN"}, a)
	if err != nil {
		t.Fatalf("run() failed: %v", err)
	}
	if report.Narrative != "" || report.Decision.Rating != screening.RatingNonCompliant {
		t.Errorf("report = %+v", report)
	}
	if len(eventsNamed(tc, "annotation.failed")) != 1 {
		t.Error("missing annotation.failed event")
	}
	span, _ := spanNamed(tc, StageAnnotation)
	if span.Status != tracing.SpanTimeout {
		t.Errorf("annotation span = %+v", span)
	}
}

type slowAnnotator struct{}

func (slowAnnotator) Annotate(ctx context.Context, _ screening.Transaction, _ screening.RiskAssessment) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}
