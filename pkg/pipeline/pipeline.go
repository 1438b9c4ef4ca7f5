// Package pipeline defines the Stage/Pipeline interfaces and the stages of
// the provisioning pipeline: validate request, collect cluster state,
// generate a manifest, then review and refine it in a bounded loop.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/jxucoder/pveprov/pkg/collector"
	"github.com/jxucoder/pveprov/pkg/llm"
	"github.com/jxucoder/pveprov/pkg/manifest"
	"github.com/jxucoder/pveprov/pkg/proxmox"
)

// Context carries data through pipeline stages.
type Context struct {
	Ctx     context.Context
	Request string

	Details  *RequestDetails
	Session  *proxmox.Session
	Snapshot *collector.Snapshot

	// Draft is the latest raw manifest text from the model.
	Draft     string
	Manifest  *manifest.Manifest
	Terraform []byte

	Iterations int
	Approved   bool
	Feedback   string

	// Progress, when set, is told about each stage transition.
	Progress func(stage, message string)
	// OnRevision, when set, receives every reviewed iteration.
	OnRevision func(Revision)
}

func (c *Context) report(stage, format string, args ...any) {
	if c.Progress != nil {
		c.Progress(stage, fmt.Sprintf(format, args...))
	}
}

// Revision is the state of one refinement iteration.
type Revision struct {
	Iteration int
	Manifest  *manifest.Manifest
	Draft     string
	Feedback  string
	Terraform []byte
	Valid     bool // passed the local checks
	Approved  bool
}

// ReviewResult is the outcome of a manifest review.
type ReviewResult struct {
	Approved bool
	Feedback string
}

// Stage is a single step in a pipeline.
type Stage interface {
	Name() string
	Execute(ctx *Context) error
}

// Pipeline executes a sequence of stages.
type Pipeline interface {
	Run(ctx *Context) error
}

// DefaultPipeline runs stages sequentially.
type DefaultPipeline struct {
	stages []Stage
}

// NewPipeline creates a pipeline from the given stages.
func NewPipeline(stages ...Stage) *DefaultPipeline {
	return &DefaultPipeline{stages: stages}
}

// Run executes all stages in order and stops at the first error.
func (p *DefaultPipeline) Run(ctx *Context) error {
	for _, s := range p.stages {
		if err := ctx.Ctx.Err(); err != nil {
			return errors.Wrapf(err, "stage %s", s.Name())
		}
		if err := s.Execute(ctx); err != nil {
			return errors.Wrapf(err, "stage %s", s.Name())
		}
	}
	return nil
}

// --- Built-in stages ---

// ValidateRequestStage turns the chat request into RequestDetails.
type ValidateRequestStage struct {
	llm          llm.Client
	systemPrompt string
}

// NewValidateRequestStage creates a validate stage. Pass empty systemPrompt
// to use the default.
func NewValidateRequestStage(client llm.Client, systemPrompt string) *ValidateRequestStage {
	if systemPrompt == "" {
		systemPrompt = DefaultValidatorPrompt
	}
	return &ValidateRequestStage{llm: client, systemPrompt: systemPrompt}
}

func (s *ValidateRequestStage) Name() string { return "validate" }

func (s *ValidateRequestStage) Execute(ctx *Context) error {
	if strings.TrimSpace(ctx.Request) == "" {
		return &ClarificationError{Question: "What VM would you like to provision?"}
	}
	ctx.report(s.Name(), "Validating request")

	response, err := s.llm.Complete(ctx.Ctx, s.systemPrompt, ctx.Request)
	if err != nil {
		return errors.Wrap(err, "validating request")
	}
	details, err := ParseRequestDetails(response, ctx.Request)
	if err != nil {
		return err
	}
	ctx.Details = details
	kind, value := details.Source()
	ctx.report(s.Name(), "Request accepted: %s from %s %s", details.Name, kind, value)
	return nil
}

// Authenticator opens a Proxmox session.
type Authenticator interface {
	Authenticate(ctx context.Context) (*proxmox.Session, error)
}

// CollectStage logs in (unless the context already holds a live session)
// and snapshots the cluster.
type CollectStage struct {
	auth      Authenticator
	collector *collector.Collector
}

// NewCollectStage creates a collect stage.
func NewCollectStage(auth Authenticator, c *collector.Collector) *CollectStage {
	return &CollectStage{auth: auth, collector: c}
}

func (s *CollectStage) Name() string { return "collect" }

func (s *CollectStage) Execute(ctx *Context) error {
	if !ctx.Session.Valid() || ctx.Session.Expired(timeNow()) {
		ctx.report(s.Name(), "Authenticating with Proxmox")
		sess, err := s.auth.Authenticate(ctx.Ctx)
		if err != nil {
			return err
		}
		ctx.Session = sess
	}

	ctx.report(s.Name(), "Collecting cluster state")
	snap, err := s.collector.Collect(ctx.Ctx, ctx.Session)
	if err != nil {
		return err
	}
	ctx.Snapshot = snap
	ctx.report(s.Name(), "Collected %d nodes (%d online), %d endpoint failures",
		len(snap.Nodes), len(snap.OnlineNodes()), len(snap.Errors))
	return nil
}

// GenerateStage asks the model for the initial manifest.
type GenerateStage struct {
	llm          llm.Client
	systemPrompt string
}

// NewGenerateStage creates a generate stage. Pass empty systemPrompt to use
// the default.
func NewGenerateStage(client llm.Client, systemPrompt string) *GenerateStage {
	if systemPrompt == "" {
		systemPrompt = DefaultGeneratorPrompt
	}
	return &GenerateStage{llm: client, systemPrompt: systemPrompt}
}

func (s *GenerateStage) Name() string { return "generate" }

func (s *GenerateStage) Execute(ctx *Context) error {
	if ctx.Details == nil || ctx.Snapshot == nil {
		return errors.New("generate needs request details and a cluster snapshot")
	}
	ctx.report(s.Name(), "Generating manifest")

	user, err := GeneratePrompt(ctx.Details, ctx.Snapshot)
	if err != nil {
		return err
	}
	draft, err := s.llm.Complete(ctx.Ctx, s.systemPrompt, user)
	if err != nil {
		return errors.Wrap(err, "generating manifest")
	}
	ctx.Draft = draft
	return nil
}

// GeneratePrompt builds the user message for manifest generation.
func GeneratePrompt(d *RequestDetails, snap *collector.Snapshot) (string, error) {
	details, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encoding request details")
	}
	data, err := snap.JSON()
	if err != nil {
		return "", errors.Wrap(err, "encoding snapshot")
	}

	var b strings.Builder
	b.WriteString("## Request\n")
	b.Write(details)
	b.WriteString("\n\n")
	if best, ok := snap.BestNode(); ok {
		fmt.Fprintf(&b, "## Hint\nOnline node with the most free memory: %s (%d MiB free)\n\n",
			best.Name, best.FreeMem()/(1<<20))
	}
	b.WriteString("## Cluster snapshot\n```json\n")
	b.Write(data)
	b.WriteString("\n```")
	return b.String(), nil
}

// ReviewStage asks the model to approve a manifest or list changes.
type ReviewStage struct {
	llm          llm.Client
	systemPrompt string
}

// NewReviewStage creates a review stage. Pass empty systemPrompt to use the default.
func NewReviewStage(client llm.Client, systemPrompt string) *ReviewStage {
	if systemPrompt == "" {
		systemPrompt = DefaultReviewerPrompt
	}
	return &ReviewStage{llm: client, systemPrompt: systemPrompt}
}

func (s *ReviewStage) Name() string { return "review" }

// Execute reviews ctx.Manifest and ctx.Terraform and records the verdict.
func (s *ReviewStage) Execute(ctx *Context) error {
	if ctx.Manifest == nil {
		return errors.New("review: no manifest to review")
	}
	data, err := ctx.Manifest.JSON()
	if err != nil {
		return errors.Wrap(err, "encoding manifest")
	}
	res, err := s.Review(ctx.Ctx, ctx.Request, data, ctx.Terraform)
	if err != nil {
		return err
	}
	ctx.Approved = res.Approved
	ctx.Feedback = res.Feedback
	return nil
}

// Review examines a manifest and its Terraform rendering.
func (s *ReviewStage) Review(ctx context.Context, request string, manifestJSON, terraform []byte) (*ReviewResult, error) {
	user := fmt.Sprintf("## Request\n%s\n\n## Manifest\n```json\n%s\n```\n\n## Terraform\n```hcl\n%s\n```",
		request, manifestJSON, terraform)

	response, err := s.llm.Complete(ctx, s.systemPrompt, user)
	if err != nil {
		return nil, errors.Wrap(err, "reviewing")
	}

	approved := strings.HasPrefix(strings.ToUpper(strings.TrimSpace(response)), "APPROVED")

	return &ReviewResult{
		Approved: approved,
		Feedback: response,
	}, nil
}

// RefineStage rewrites a manifest from review feedback.
type RefineStage struct {
	llm          llm.Client
	systemPrompt string
}

// NewRefineStage creates a refine stage. Pass empty systemPrompt to use the default.
func NewRefineStage(client llm.Client, systemPrompt string) *RefineStage {
	if systemPrompt == "" {
		systemPrompt = DefaultRefinerPrompt
	}
	return &RefineStage{llm: client, systemPrompt: systemPrompt}
}

func (s *RefineStage) Name() string { return "refine" }

func (s *RefineStage) Execute(ctx *Context) error {
	draft, err := s.Refine(ctx.Ctx, ctx.Request, ctx.Draft, ctx.Feedback)
	if err != nil {
		return err
	}
	ctx.Draft = draft
	return nil
}

// Refine returns the revised manifest text.
func (s *RefineStage) Refine(ctx context.Context, request, draft, feedback string) (string, error) {
	response, err := s.llm.Complete(ctx, s.systemPrompt, RefinePrompt(request, draft, feedback))
	if err != nil {
		return "", errors.Wrap(err, "refining manifest")
	}
	return response, nil
}

// RefinePrompt builds the user message for a refinement round.
func RefinePrompt(request, draft, feedback string) string {
	return fmt.Sprintf(`## Request
%s

## Current manifest
%s

## Review feedback
Address every point below. Only change what the feedback names.

%s`, request, draft, feedback)
}
