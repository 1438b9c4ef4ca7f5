package pipeline

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/jxucoder/pveprov/pkg/manifest"
)

const (
	DefaultMaxIterations = 10
	MaxIterationsCap     = 25
)

// ErrNotConverged is returned when the loop runs out of iterations without
// ever producing a manifest that passes the local checks.
var ErrNotConverged = errors.New("manifest did not converge within the iteration limit")

var timeNow = time.Now

// RefineLoop reviews and refines ctx.Draft until the reviewer approves it
// or MaxIterations is reached. Each iteration first runs the local checks
// (parse, validate, render, analyze); the model reviewer only sees drafts
// that pass them.
type RefineLoop struct {
	reviewer      *ReviewStage
	refiner       *RefineStage
	maxIterations int
	tfOpts        manifest.TerraformOptions
}

// NewRefineLoop creates the loop. maxIterations <= 0 selects the default and
// values above MaxIterationsCap are clamped.
func NewRefineLoop(reviewer *ReviewStage, refiner *RefineStage, maxIterations int, tfOpts manifest.TerraformOptions) *RefineLoop {
	return &RefineLoop{
		reviewer:      reviewer,
		refiner:       refiner,
		maxIterations: ClampIterations(maxIterations),
		tfOpts:        tfOpts,
	}
}

// ClampIterations applies the default and the hard cap.
func ClampIterations(n int) int {
	switch {
	case n <= 0:
		return DefaultMaxIterations
	case n > MaxIterationsCap:
		return MaxIterationsCap
	}
	return n
}

// MaxIterations returns the effective iteration bound.
func (l *RefineLoop) MaxIterations() int { return l.maxIterations }

func (l *RefineLoop) Name() string { return "refine" }

// Execute runs the loop. On exhaustion the most recent manifest that passed
// the local checks is kept with Approved=false; if there is none the loop
// fails with ErrNotConverged.
func (l *RefineLoop) Execute(ctx *Context) error {
	var (
		lastValid   *manifest.Manifest
		lastValidTF []byte
	)

	for i := 1; i <= l.maxIterations; i++ {
		if err := ctx.Ctx.Err(); err != nil {
			return err
		}
		ctx.Iterations = i
		ctx.report(l.Name(), "Iteration %d/%d", i, l.maxIterations)

		m, tf, feedback := l.check(ctx.Draft)
		rev := Revision{Iteration: i, Manifest: m, Draft: ctx.Draft, Terraform: tf}

		if feedback == "" {
			rev.Valid = true
			lastValid, lastValidTF = m, tf
			manifestJSON, err := m.JSON()
			if err != nil {
				return errors.Wrap(err, "encoding manifest")
			}
			review, err := l.reviewer.Review(ctx.Ctx, ctx.Request, manifestJSON, tf)
			if err != nil {
				return err
			}
			if review.Approved {
				rev.Approved = true
				rev.Feedback = review.Feedback
				l.emit(ctx, rev)
				ctx.Manifest, ctx.Terraform = m, tf
				ctx.Approved = true
				ctx.Feedback = ""
				ctx.report(l.Name(), "Manifest approved after %d iteration(s)", i)
				return nil
			}
			feedback = review.Feedback
		}

		rev.Feedback = feedback
		l.emit(ctx, rev)
		ctx.Feedback = feedback

		if i == l.maxIterations {
			break
		}
		ctx.report(l.Name(), "Refining manifest")
		if err := l.refiner.Execute(ctx); err != nil {
			return err
		}
	}

	if lastValid == nil {
		return errors.Wrapf(ErrNotConverged, "after %d iterations", l.maxIterations)
	}
	ctx.Manifest, ctx.Terraform = lastValid, lastValidTF
	ctx.Approved = false
	ctx.report(l.Name(), "Iteration limit reached without approval")
	return nil
}

func (l *RefineLoop) emit(ctx *Context, rev Revision) {
	if ctx.OnRevision != nil {
		ctx.OnRevision(rev)
	}
}

// check runs the deterministic checks on a draft. feedback is empty when the
// draft parses, validates, renders and analyzes without errors.
func (l *RefineLoop) check(draft string) (*manifest.Manifest, []byte, string) {
	m, err := manifest.Parse(draft)
	if err != nil {
		return nil, nil, "- the manifest could not be parsed: " + err.Error() +
			"\n- output a single JSON object that follows the schema\n"
	}

	if err := m.Validate(); err != nil {
		var verrs manifest.ValidationErrors
		if errors.As(err, &verrs) {
			return m, nil, verrs.Feedback()
		}
		return m, nil, "- " + err.Error() + "\n"
	}

	tf, err := m.Terraform(l.tfOpts)
	if err != nil {
		return m, nil, "- the manifest could not be rendered: " + err.Error() + "\n"
	}

	analysis := manifest.Analyze(tf, "main.tf")
	if analysis.HasErrors() {
		var b strings.Builder
		for _, f := range analysis.Errors() {
			b.WriteString("- ")
			b.WriteString(f.String())
			b.WriteString("\n")
		}
		return m, tf, b.String()
	}
	return m, tf, ""
}
