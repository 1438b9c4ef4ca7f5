// Package engine provides the run orchestration logic for pveprov.
// It depends only on interfaces (store, eventbus, notify) and pipeline stages.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jxucoder/pveprov/internal/logging"
	"github.com/jxucoder/pveprov/internal/metrics"
	"github.com/jxucoder/pveprov/pkg/collector"
	"github.com/jxucoder/pveprov/pkg/eventbus"
	"github.com/jxucoder/pveprov/pkg/manifest"
	"github.com/jxucoder/pveprov/pkg/model"
	"github.com/jxucoder/pveprov/pkg/notify"
	"github.com/jxucoder/pveprov/pkg/pipeline"
	"github.com/jxucoder/pveprov/pkg/store"
)

const notifyTimeout = 30 * time.Second

// Config holds engine-specific configuration.
type Config struct {
	// MaxIterations bounds the review/refine loop (clamped by the pipeline).
	MaxIterations int

	// MaxConcurrentRuns bounds how many runs execute at once. Default: 2.
	MaxConcurrentRuns int

	// Terraform is passed to the renderer for every manifest.
	Terraform manifest.TerraformOptions
}

// Stages are the pipeline stages a run executes. Review and Refine drive
// the refinement loop.
type Stages struct {
	Validate *pipeline.ValidateRequestStage
	Collect  *pipeline.CollectStage
	Generate *pipeline.GenerateStage
	Review   *pipeline.ReviewStage
	Refine   *pipeline.RefineStage
}

// Result is what a finished run produced.
type Result struct {
	Run       *model.Run
	Details   *pipeline.RequestDetails
	Snapshot  *collector.Snapshot
	Manifest  *manifest.Manifest
	Terraform []byte
}

// Engine orchestrates the provisioning run lifecycle.
type Engine struct {
	config    Config
	store     store.RunStore
	bus       eventbus.Bus
	stages    Stages
	notifiers []notify.Notifier
	sem       chan struct{}
	log       *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Engine with all dependencies.
func New(cfg Config, st store.RunStore, bus eventbus.Bus, stages Stages, notifiers ...notify.Notifier) *Engine {
	if cfg.MaxConcurrentRuns < 1 {
		cfg.MaxConcurrentRuns = 2
	}
	return &Engine{
		config:    cfg,
		store:     st,
		bus:       bus,
		stages:    stages,
		notifiers: notifiers,
		sem:       make(chan struct{}, cfg.MaxConcurrentRuns),
		log:       logging.Named("engine"),
	}
}

// Start sets the context background runs execute under. Call Stop to shut
// down.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
}

// Stop cancels all background runs and waits for them to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Store returns the run store.
func (e *Engine) Store() store.RunStore { return e.store }

// Bus returns the event bus.
func (e *Engine) Bus() eventbus.Bus { return e.bus }

// CreateRun persists a pending run and executes it in the background.
func (e *Engine) CreateRun(request string) (*model.Run, error) {
	run, err := e.newRun(request)
	if err != nil {
		return nil, err
	}
	// The goroutine owns its own copy so callers can read run freely.
	bg := *run

	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.execute(ctx, &bg); err != nil {
			e.log.Debugw("run ended with error", "run", bg.ID, "error", err)
		}
	}()
	return run, nil
}

// RunSync creates a run and executes it in the caller's goroutine. The
// returned error is the pipeline error; Result is non-nil whenever the run
// was created.
func (e *Engine) RunSync(ctx context.Context, request string) (*Result, error) {
	run, err := e.newRun(request)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, run)
}

func (e *Engine) newRun(request string) (*model.Run, error) {
	now := time.Now().UTC()
	run := &model.Run{
		ID:        uuid.New().String()[:8],
		Request:   request,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateRun(run); err != nil {
		return nil, errors.Wrap(err, "creating run")
	}
	e.emitEvent(run.ID, model.EventStatus, "Run queued")
	return run, nil
}

func (e *Engine) execute(ctx context.Context, run *model.Run) (*Result, error) {
	res := &Result{Run: run}

	select {
	case e.sem <- struct{}{}:
	default:
		e.emitEvent(run.ID, model.EventStatus, "Waiting for a free run slot")
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			err := errors.Wrap(ctx.Err(), "waiting for a run slot")
			e.finish(run, &pipeline.Context{}, err)
			return res, err
		}
	}
	defer func() { <-e.sem }()

	start := time.Now()
	metrics.RunStarted()
	defer func() { metrics.RunFinished(time.Since(start)) }()

	run.Status = model.StatusRunning
	run.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateRun(run); err != nil {
		e.log.Errorw("updating run", "run", run.ID, "error", err)
	}
	e.emitEvent(run.ID, model.EventStatus, "Run started")

	pctx := &pipeline.Context{
		Ctx:     ctx,
		Request: run.Request,
		Progress: func(stage, message string) {
			e.emitEvent(run.ID, model.EventStatus, fmt.Sprintf("[%s] %s", stage, message))
		},
		OnRevision: func(rev pipeline.Revision) {
			e.saveRevision(run.ID, rev)
		},
	}

	loop := pipeline.NewRefineLoop(e.stages.Review, e.stages.Refine, e.config.MaxIterations, e.config.Terraform)
	p := pipeline.NewPipeline(
		e.stages.Validate,
		e.stages.Collect,
		&saveSnapshotStage{engine: e, runID: run.ID},
		e.stages.Generate,
		loop,
	)
	err := p.Run(pctx)

	res.Details = pctx.Details
	res.Snapshot = pctx.Snapshot
	res.Manifest = pctx.Manifest
	res.Terraform = pctx.Terraform

	e.finish(run, pctx, err)
	return res, err
}

// finish records the final status, emits the done event and notifies.
func (e *Engine) finish(run *model.Run, pctx *pipeline.Context, err error) {
	run.Iterations = pctx.Iterations
	if pctx.Details != nil {
		run.VMName = pctx.Details.Name
	}
	if pctx.Manifest != nil {
		run.VMName = pctx.Manifest.VMName
		run.TargetNode = pctx.Manifest.TargetNode
	}

	var ce *pipeline.ClarificationError
	switch {
	case err == nil && pctx.Approved:
		run.Status = model.StatusComplete
		run.Approved = true
	case err == nil:
		run.Status = model.StatusUnapproved
	case errors.As(err, &ce):
		run.Status = model.StatusClarification
		run.Question = ce.Question
	default:
		run.Status = model.StatusError
		run.Error = err.Error()
	}
	run.UpdatedAt = time.Now().UTC()

	if uerr := e.store.UpdateRun(run); uerr != nil {
		e.log.Errorw("updating run", "run", run.ID, "error", uerr)
	}
	metrics.IncRunStatus(string(run.Status))
	if run.Iterations > 0 {
		metrics.ObserveIterations(run.Iterations)
	}

	switch run.Status {
	case model.StatusError:
		e.log.Warnw("run failed", "run", run.ID, "error", run.Error)
		e.emitEvent(run.ID, model.EventError, run.Error)
	case model.StatusClarification:
		e.emitEvent(run.ID, model.EventStatus, "Clarification needed: "+run.Question)
	}
	e.emitEvent(run.ID, model.EventDone, string(run.Status))

	e.notify(run, pctx.Manifest)
}

func (e *Engine) notify(run *model.Run, m *manifest.Manifest) {
	for _, n := range e.notifiers {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := n.Notify(ctx, run, m.Redacted()); err != nil {
			e.log.Warnw("notification failed", "notifier", n.Name(), "run", run.ID, "error", err)
			metrics.IncError("notify", n.Name())
		}
		cancel()
	}
}

func (e *Engine) saveRevision(runID string, rev pipeline.Revision) {
	rec := &model.Revision{
		RunID:     runID,
		Iteration: rev.Iteration,
		Draft:     rev.Draft,
		Feedback:  rev.Feedback,
		Terraform: string(rev.Terraform),
		Valid:     rev.Valid,
		Approved:  rev.Approved,
	}
	if rev.Manifest != nil {
		data, err := rev.Manifest.JSON()
		if err != nil {
			e.log.Errorw("encoding revision", "run", runID, "iteration", rev.Iteration, "error", err)
		}
		rec.Manifest = data
	}
	if err := e.store.AddRevision(rec); err != nil {
		e.log.Errorw("storing revision", "run", runID, "iteration", rev.Iteration, "error", err)
	}

	verdict := "needs changes"
	switch {
	case rev.Approved:
		verdict = "approved"
	case !rev.Valid:
		verdict = "failed local checks"
	}
	e.emitEvent(runID, model.EventOutput, fmt.Sprintf("Iteration %d: %s", rev.Iteration, verdict))
}

// FinalRevision returns the revision a run's result is taken from: the
// approved one, otherwise the most recent valid one.
func (e *Engine) FinalRevision(runID string) (*model.Revision, error) {
	revs, err := e.store.GetRevisions(runID)
	if err != nil {
		return nil, err
	}
	var valid *model.Revision
	for _, rev := range revs {
		if rev.Approved {
			return rev, nil
		}
		if rev.Valid {
			valid = rev
		}
	}
	if valid == nil {
		return nil, errors.Wrapf(store.ErrNotFound, "manifest for run %s", runID)
	}
	return valid, nil
}

// FinalManifest decodes the manifest of FinalRevision.
func (e *Engine) FinalManifest(runID string) (*manifest.Manifest, *model.Revision, error) {
	rev, err := e.FinalRevision(runID)
	if err != nil {
		return nil, nil, err
	}
	var m manifest.Manifest
	if err := json.Unmarshal(rev.Manifest, &m); err != nil {
		return nil, nil, errors.Wrapf(err, "decoding manifest of run %s", runID)
	}
	return &m, rev, nil
}

func (e *Engine) emitEvent(runID, eventType, data string) {
	event := &model.Event{
		RunID:     runID,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.AddEvent(event); err != nil {
		e.log.Errorw("storing event", "run", runID, "error", err)
	}
	e.bus.Publish(runID, event)
	e.log.Debugw(data, "run", runID, "type", eventType)
}

// saveSnapshotStage persists the collected snapshot before generation so it
// survives later failures.
type saveSnapshotStage struct {
	engine *Engine
	runID  string
}

func (s *saveSnapshotStage) Name() string { return "snapshot" }

func (s *saveSnapshotStage) Execute(ctx *pipeline.Context) error {
	if ctx.Snapshot == nil {
		return nil
	}
	data, err := ctx.Snapshot.JSON()
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}
	if err := s.engine.store.SaveSnapshot(&model.SnapshotRecord{RunID: s.runID, Snapshot: data}); err != nil {
		return errors.Wrap(err, "storing snapshot")
	}
	return nil
}
