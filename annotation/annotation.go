// Package annotation produces the free-text narrative attached to a
// compliance report. A narrative is optional enrichment: callers treat an
// annotation failure as a missing narrative, never as a failed run.
package annotation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"github.com/liamcoop/txscreen/screening"
)

// Dependency names the annotation oracle in DependencyErrors.
const Dependency = "annotation-oracle"

// Annotator writes commentary on an assessment. It never changes the score.
type Annotator interface {
	Annotate(ctx context.Context, tx screening.Transaction, a screening.RiskAssessment) (string, error)
}

// DefaultTemplate quotes the factor breakdown in evaluation order.
const DefaultTemplate = `Transaction {{.Transaction.ID}} ({{.Transaction.Amount}}{{with .Transaction.Currency}} {{.}}{{end}} to {{or .Transaction.DestinationCountry "unknown destination"}}) ` +
	`scored {{.Assessment.Score}}/100, tier {{.Assessment.Tier}}, recommendation {{.Assessment.Recommendation}}. ` +
	`Risk factors: {{range $i, $f := .Assessment.Factors}}{{if $i}}, {{end}}{{$f.Name}} (+{{$f.Points}}){{else}}none{{end}}.`

type templateData struct {
	Transaction screening.Transaction
	Assessment  screening.RiskAssessment
}

// TemplateAnnotator renders a narrative locally. It is deterministic and
// never blocks.
type TemplateAnnotator struct {
	tmpl *template.Template
}

// NewTemplateAnnotator parses text, or DefaultTemplate when text is empty.
func NewTemplateAnnotator(text string) (*TemplateAnnotator, error) {
	if text == "" {
		text = DefaultTemplate
	}
	tmpl, err := template.New("narrative").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse narrative template: %w", err)
	}
	return &TemplateAnnotator{tmpl: tmpl}, nil
}

func (a *TemplateAnnotator) Annotate(ctx context.Context, tx screening.Transaction, assessment screening.RiskAssessment) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, templateData{Transaction: tx, Assessment: assessment}); err != nil {
		return "", screening.Terminal(Dependency, fmt.Errorf("failed to render narrative: %w", err))
	}
	return buf.String(), nil
}

// Fallback tries each annotator in order and returns the first narrative.
// If all fail, the errors are joined.
type Fallback []Annotator

func (f Fallback) Annotate(ctx context.Context, tx screening.Transaction, a screening.RiskAssessment) (string, error) {
	var errs []error
	for _, ann := range f {
		narrative, err := ann.Annotate(ctx, tx, a)
		if err == nil {
			return narrative, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return "", errors.New("no annotator configured")
	}
	return "", errors.Join(errs...)
}
