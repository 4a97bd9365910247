package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/recall/runtime/memory"
	"goa.design/recall/runtime/telemetry"
)

type (
	// BeforeFunc runs before each step.
	BeforeFunc func(ctx context.Context, pipeline string, step Step, state State)

	// AfterFunc runs after each successful step.
	AfterFunc func(ctx context.Context, pipeline string, step Step, state State)

	// ErrorFunc runs when a step fails or the run is cancelled.
	ErrorFunc func(ctx context.Context, pipeline string, step Step, state State, err error)

	// RunnerOptions configures the runner. Nil telemetry fields default to
	// the no-op implementations.
	RunnerOptions struct {
		Logger telemetry.Logger
		Tracer telemetry.Tracer
	}

	// Runner executes pipelines: steps run strictly sequentially on a
	// mutable state map, with interceptors invoked around each step.
	// Handlers may issue concurrent I/O internally but the runner never
	// parallelizes steps of one pipeline.
	Runner struct {
		logger telemetry.Logger
		tracer telemetry.Tracer

		mu      sync.RWMutex
		before  []BeforeFunc
		after   []AfterFunc
		onError []ErrorFunc
	}
)

// NewRunner builds a runner.
func NewRunner(opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Runner{logger: logger, tracer: tracer}
}

// OnBefore registers an interceptor invoked before every step.
func (r *Runner) OnBefore(f BeforeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.before = append(r.before, f)
}

// OnAfter registers an interceptor invoked after every successful step.
func (r *Runner) OnAfter(f AfterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.after = append(r.after, f)
}

// OnError registers an interceptor invoked when a step fails.
func (r *Runner) OnError(f ErrorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = append(r.onError, f)
}

// Run executes the pipeline on a copy of the initial state and returns the
// final state. On failure the returned state is still meaningful: it
// carries the writes of all completed steps and LastCompletedStep names the
// resume checkpoint. A step that calls State.Halt skips the remaining
// steps without error.
func (r *Runner) Run(ctx context.Context, p Pipeline, initial State) (State, error) {
	state := initial.Clone()
	r.mu.RLock()
	before := append([]BeforeFunc(nil), r.before...)
	after := append([]AfterFunc(nil), r.after...)
	onError := append([]ErrorFunc(nil), r.onError...)
	r.mu.RUnlock()

	for _, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			cancelErr := memory.Wrap(memory.KindCancelled, err, "pipeline cancelled").
				WithDetail("pipeline", p.Name).
				WithDetail("step_id", step.ID).
				WithDetail("last_completed_step", state.LastCompletedStep())
			for _, f := range onError {
				f(ctx, p.Name, step, state, cancelErr)
			}
			return state, cancelErr
		}
		if state.Halted() {
			r.logger.Debug(ctx, "pipeline halted", "pipeline", p.Name, "reason", state.HaltReason(), "skipped", step.ID)
			break
		}

		state[currentStepKey] = step

		for _, f := range before {
			f(ctx, p.Name, step, state)
		}

		stepCtx, span := r.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
			attribute.String("pipeline.name", p.Name),
			attribute.String("pipeline.step", step.ID),
			attribute.StringSlice("pipeline.capabilities", step.Capabilities),
		))
		started := time.Now()
		next, err := step.Handler(stepCtx, state)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			r.logger.Error(ctx, "pipeline step failed",
				"pipeline", p.Name, "step", step.ID, "err", err, "duration", time.Since(started))
			failure := r.tagStepError(err, p.Name, step.ID, state.LastCompletedStep())
			for _, f := range onError {
				f(ctx, p.Name, step, state, failure)
			}
			return state, failure
		}
		span.End()
		if next != nil {
			state = next
		}
		state[lastCompletedKey] = step.ID
		r.logger.Debug(ctx, "pipeline step completed",
			"pipeline", p.Name, "step", step.ID, "duration", time.Since(started))

		for _, f := range after {
			f(ctx, p.Name, step, state)
		}
	}
	return state, nil
}

// tagStepError attaches run position details to tagged errors so callers
// know where to resume. Untagged errors are wrapped as BackendUnavailable.
func (r *Runner) tagStepError(err error, pipeline, stepID, lastCompleted string) error {
	var tagged *memory.Error
	if !errors.As(err, &tagged) {
		tagged = memory.Wrap(memory.KindBackendUnavailable, err, "pipeline step failed")
		err = tagged
	}
	tagged.WithDetail("pipeline", pipeline).
		WithDetail("step_id", stepID).
		WithDetail("last_completed_step", lastCompleted)
	return err
}
