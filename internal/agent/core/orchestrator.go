package core

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/mohammad-safakhou/fitplan/internal/events"
	"github.com/mohammad-safakhou/fitplan/internal/runtime"
	log "github.com/sirupsen/logrus"
)

// Phase binds an agent to its retrieval sources. Retriever may be nil, in
// which case the phase generates without reference material.
type Phase struct {
	Agent     Agent
	Retriever Retriever
	// Fallback is tried once after Retriever has failed every attempt.
	Fallback Retriever
}

// Options tunes the orchestrator.
type Options struct {
	TopK              int
	GenerationTimeout time.Duration
	RetryBackoff      time.Duration
	// MaxIterationsCap bounds Request.MaxIterations; zero disables the bound.
	MaxIterationsCap int
}

// Orchestrator sequences the diet and exercise phases of a recommendation.
// It holds no per-request state and is safe for concurrent use.
type Orchestrator struct {
	llm     LLMProvider
	phases  []Phase
	opts    Options
	logger  log.FieldLogger
	metrics *runtime.Metrics
	now     func() time.Time
}

// NewOrchestrator creates an orchestrator running phases in order.
func NewOrchestrator(llm LLMProvider, opts Options, logger log.FieldLogger, metrics *runtime.Metrics, phases ...Phase) *Orchestrator {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		llm:     llm,
		phases:  phases,
		opts:    opts,
		logger:  runtime.Component(logger, "orchestrator"),
		metrics: metrics,
		now:     time.Now,
	}
}

// MaxIterationsCap reports the configured bound on Request.MaxIterations.
func (o *Orchestrator) MaxIterationsCap() int { return o.opts.MaxIterationsCap }

// Run returns the event sequence for req. Each phase yields a status event
// then its complete event; the first phase failure yields a single error
// event and ends the sequence. The sequence stops without further events
// once ctx is done. A completion call already in flight is allowed to finish
// but its result is dropped.
func (o *Orchestrator) Run(ctx context.Context, req Request) iter.Seq[events.Event] {
	return func(yield func(events.Event) bool) {
		req, err := req.Validate(o.opts.MaxIterationsCap)
		if err != nil {
			yield(events.Failure{Message: err.Error()})
			return
		}
		for _, p := range o.phases {
			if ctx.Err() != nil {
				return
			}
			if !yield(events.Status{Message: p.Agent.StatusMessage()}) {
				return
			}
			start := o.now()
			content, err := o.runPhase(ctx, p, req)
			if ctx.Err() != nil {
				o.logger.WithField("phase", p.Agent.Name()).Info("client gone, discarding phase result")
				return
			}
			if err != nil {
				o.metrics.ObservePhase(p.Agent.Name(), "error", o.now().Sub(start))
				o.logger.WithError(err).WithField("phase", p.Agent.Name()).Warn("phase failed")
				yield(events.Failure{Message: err.Error()})
				return
			}
			o.metrics.ObservePhase(p.Agent.Name(), "ok", o.now().Sub(start))
			if !yield(p.Agent.Complete(content)) {
				return
			}
		}
	}
}

func (o *Orchestrator) runPhase(ctx context.Context, p Phase, req Request) (string, error) {
	refs, iteration, err := o.retrieve(ctx, p, req)
	if err != nil {
		return "", err
	}
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.GenerationTimeout)
	defer cancel()
	text, err := o.llm.Generate(genCtx, CompletionRequest{
		System: p.Agent.System(),
		Prompt: p.Agent.Prompt(req, iteration, refs),
	})
	if err != nil {
		return "", fmt.Errorf("%s generation failed: %w", p.Agent.Name(), err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%s generation failed: empty completion", p.Agent.Name())
	}
	return text, nil
}

// retrieve runs up to req.MaxIterations attempts against the phase retriever,
// then the fallback once. It also returns the attempt number that
// succeeded.
func (o *Orchestrator) retrieve(ctx context.Context, p Phase, req Request) ([]Snippet, int, error) {
	if p.Retriever == nil {
		return nil, 1, nil
	}
	name := p.Agent.Name()
	query := p.Agent.Query(req)
	logger := o.logger.WithField("phase", name)

	var errs []error
	for attempt := 1; attempt <= req.MaxIterations; attempt++ {
		if attempt > 1 && o.opts.RetryBackoff > 0 {
			select {
			case <-time.After(o.opts.RetryBackoff):
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			}
		}
		refs, err := p.Retriever.Search(ctx, query, o.opts.TopK)
		if err == nil {
			logger.WithField("hits", len(refs)).Debug("retrieved reference material")
			return refs, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		o.metrics.RetrievalRetry(name)
		logger.WithError(err).WithField("attempt", attempt).Warn("retrieval failed")
		errs = append(errs, err)
	}
	if p.Fallback != nil {
		refs, err := p.Fallback.Search(ctx, query, o.opts.TopK)
		if err == nil {
			logger.WithField("hits", len(refs)).Info("using fallback reference material")
			return refs, req.MaxIterations, nil
		}
		errs = append(errs, fmt.Errorf("fallback: %w", err))
	}
	return nil, req.MaxIterations, fmt.Errorf("%s retrieval failed after %d attempts: %w", name, req.MaxIterations, errors.Join(errs...))
}

// Recommendation is the assembled result of a non-streamed run.
type Recommendation struct {
	BodyType    BodyType  `json:"body_type"`
	Goals       string    `json:"goals"`
	Diet        string    `json:"diet_recommendation"`
	Exercise    string    `json:"exercise_recommendation"`
	Markdown    string    `json:"markdown"`
	GeneratedAt time.Time `json:"generated_at"`
	Duration    string    `json:"duration"`
}

// PhaseError is returned by Generate when the run ended with an error event.
type PhaseError struct{ Message string }

func (e *PhaseError) Error() string { return e.Message }

// Generate drains Run and assembles the plans into a Recommendation.
func (o *Orchestrator) Generate(ctx context.Context, req Request) (Recommendation, error) {
	req, err := req.Validate(o.opts.MaxIterationsCap)
	if err != nil {
		return Recommendation{}, err
	}
	start := o.now()
	rec := Recommendation{BodyType: req.BodyType, Goals: req.Goals}
	for ev := range o.Run(ctx, req) {
		switch e := ev.(type) {
		case events.DietComplete:
			rec.Diet = e.Content
		case events.WorkoutComplete:
			rec.Exercise = e.Content
		case events.Failure:
			return Recommendation{}, &PhaseError{Message: e.Message}
		}
	}
	if err := ctx.Err(); err != nil {
		return Recommendation{}, err
	}
	rec.GeneratedAt = o.now().UTC()
	rec.Duration = rec.GeneratedAt.Sub(start.UTC()).Round(time.Millisecond).String()
	rec.Markdown = RenderMarkdown(rec)
	return rec, nil
}

// RenderMarkdown formats a recommendation as a standalone document.
func RenderMarkdown(rec Recommendation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# 4-Week Fitness Plan: %s\n\n", rec.BodyType.Title())
	fmt.Fprintf(&b, "**Goals:** %s\n\n", rec.Goals)
	if !rec.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "**Generated:** %s\n\n", rec.GeneratedAt.Format(time.RFC3339))
	}
	b.WriteString("---\n\n## Workout Plan\n\n")
	b.WriteString(strings.TrimSpace(rec.Exercise))
	b.WriteString("\n\n---\n\n## Diet Plan\n\n")
	b.WriteString(strings.TrimSpace(rec.Diet))
	b.WriteString("\n")
	return b.String()
}
