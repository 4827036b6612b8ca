package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/conduit/internal/governance"
	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/engine/runtime"
	"github.com/polisai/conduit/pkg/stats"
	"github.com/polisai/conduit/pkg/telemetry"
)

// Executor drives pipeline runs from the entry step to an exit.
type Executor struct {
	registry *PipelineRegistry
	stats    *stats.Registry
	steps    runtime.StepProcessor
	pipeline runtime.PipelineProcessor
	tracer   trace.Tracer
	logger   *slog.Logger
}

// ExecutorConfig holds dependencies for creating an Executor.
type ExecutorConfig struct {
	// Registry resolves pipelines for RunByID. Optional.
	Registry *PipelineRegistry
	// Capabilities feed the default chains and the run statistics.
	Capabilities Capabilities
	// Chains overrides the default processor chains.
	Chains *ChainBuilder
	Logger *slog.Logger
}

// NewExecutor creates an executor with the configured processor chains.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.Capabilities.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	caps := cfg.Capabilities
	if caps.Logger == nil {
		caps.Logger = logger
	}
	if caps.Stats == nil {
		caps.Stats = stats.NewRegistry()
	}
	if caps.Tracer == nil {
		caps.Tracer = telemetry.Tracer()
	}

	chains := cfg.Chains
	if chains == nil {
		chains = DefaultChains(caps)
	}

	e := &Executor{
		registry: cfg.Registry,
		stats:    caps.Stats,
		steps:    chains.BuildSteps(),
		tracer:   caps.Tracer,
		logger:   logger,
	}
	e.pipeline = chains.BuildPipeline(runtime.PipelineProcessorFunc(e.interpret))
	return e
}

// Statistics returns the registry the executor records into.
func (e *Executor) Statistics() *stats.Registry {
	return e.stats
}

// RunByID resolves the pipeline in the registry and runs it.
func (e *Executor) RunByID(ctx context.Context, pipelineID, runID string, message domain.Message, session *domain.Session) (domain.RunResult, error) {
	if e.registry == nil {
		return domain.RunResult{}, fmt.Errorf("pipeline %q: %w", pipelineID, domain.ErrPipelineNotFound)
	}
	pipeline, ok := e.registry.GetPipeline(pipelineID)
	if !ok {
		return domain.RunResult{}, fmt.Errorf("pipeline %q: %w", pipelineID, domain.ErrPipelineNotFound)
	}
	return e.Run(ctx, pipeline, runID, message, session)
}

// Run executes one pipeline run. A result is returned only when err is nil.
// An empty runID is replaced by a generated one. When session is nil a fresh
// session is created and closed once the run ends; a caller-supplied session
// stays open for the caller to close.
func (e *Executor) Run(ctx context.Context, pipeline *domain.Pipeline, runID string, message domain.Message, session *domain.Session) (domain.RunResult, error) {
	if pipeline == nil {
		return domain.RunResult{}, fmt.Errorf("run: %w", domain.ErrPipelineNotFound)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	if session == nil {
		session = domain.NewSession(runID, runID)
		defer func() {
			if err := session.Close(); err != nil {
				e.logger.Warn("failed to close session", "pipeline_id", pipeline.ID, "run_id", runID, "error", err)
			}
		}()
	}
	if _, ok := session.Get(domain.SessionKeyOriginalMessage); !ok {
		session.Set(domain.SessionKeyOriginalMessage, message)
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.id", pipeline.ID),
		attribute.Int("pipeline.version", pipeline.Version),
		attribute.String("run.id", runID),
	))
	defer span.End()

	e.logger.Debug("running pipeline", "pipeline_id", pipeline.ID, "run_id", runID)

	start := time.Now()
	result, err := e.pipeline.ProcessPipeline(ctx, pipeline, runID, message, session)
	elapsed := time.Since(start)
	if err != nil {
		err = runtime.Wrap(pipeline, nil, runID, err)
		result = domain.RunResult{}
	} else {
		result.RunID = runID
	}

	telemetry.RecordRunMetrics(ctx, pipeline.ID, result.State, elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("pipeline run failed",
			"pipeline_id", pipeline.ID,
			"run_id", runID,
			"duration", elapsed,
			"error", err,
		)
		return domain.RunResult{}, err
	}

	span.SetAttributes(
		attribute.String("pipeline.exit", result.Exit),
		attribute.String("pipeline.state", result.State),
	)
	e.logger.Debug("pipeline run completed",
		"pipeline_id", pipeline.ID,
		"run_id", runID,
		"exit", result.Exit,
		"state", result.State,
		"duration", elapsed,
	)
	return result, nil
}

// interpret is the innermost pipeline processor: it walks the graph.
func (e *Executor) interpret(ctx context.Context, pipeline *domain.Pipeline, runID string, message domain.Message, session *domain.Session) (result domain.RunResult, err error) {
	defer func() {
		var outcome *domain.RunResult
		if err == nil {
			outcome = &result
		}
		e.notifyExitHandlers(ctx, pipeline, runID, outcome, session)
	}()

	r := &run{executor: e, pipeline: pipeline, runID: runID, session: session, message: message}

	target, err := r.entry(ctx)
	if err != nil {
		return domain.RunResult{}, err
	}
	e.stats.Keeper(stats.RequestSizeKey(pipeline.ID)).AddSize(r.message.Size())
	r.storeWithoutNamespaces()

	return r.walk(ctx, target)
}

// run carries the mutable state of one interpretation.
type run struct {
	executor *Executor
	pipeline *domain.Pipeline
	runID    string
	session  *domain.Session
	message  domain.Message

	outputWrapped   bool
	outputValidated bool
}

// entry applies the input validator and wrapper and returns the step to
// start at.
func (r *run) entry(ctx context.Context) (string, error) {
	target := r.pipeline.EntryStep

	if validator := r.pipeline.InputValidator; validator != nil {
		res, err := r.invoke(ctx, validator)
		if err != nil {
			return "", err
		}
		if res.Forward != domain.ForwardSuccess {
			return r.rerouteInput(validator, res)
		}
	}

	if wrapper := r.pipeline.InputWrapper; wrapper != nil {
		res, err := r.invoke(ctx, wrapper)
		if err != nil {
			return "", err
		}
		if res.Forward != domain.ForwardSuccess {
			return r.rerouteInput(wrapper, res)
		}
		r.message = res.Message
	}
	return target, nil
}

func (r *run) rerouteInput(step *domain.Step, res domain.StepResult) (string, error) {
	next, ok := step.Forward(res.Forward)
	if !ok {
		return "", &domain.ConfigurationError{
			PipelineID: r.pipeline.ID,
			Step:       step.Name,
			Reason:     fmt.Sprintf("forward %q has no target", res.Forward),
		}
	}
	r.executor.logger.Debug("input rerouted",
		"pipeline_id", r.pipeline.ID,
		"step", step.Name,
		"run_id", r.runID,
		"forward", res.Forward,
		"target", next,
	)
	r.message = res.Message
	return next, nil
}

func (r *run) storeWithoutNamespaces() {
	stripped, err := stripNamespaces(r.message)
	if err != nil {
		r.executor.logger.Debug("message has no strippable namespaces",
			"pipeline_id", r.pipeline.ID,
			"run_id", r.runID,
			"error", err,
		)
		stripped = r.message
	}
	r.session.Set(domain.SessionKeyMessageWithoutNamespaces, stripped)
}

// walk follows transitions until an exit accepts the message.
func (r *run) walk(ctx context.Context, target string) (domain.RunResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.RunResult{}, &domain.ExecutionError{PipelineID: r.pipeline.ID, RunID: r.runID, Err: err}
		}

		if exit, ok := r.pipeline.Exit(target); ok {
			next, done, err := r.leave(ctx, exit)
			if err != nil {
				return domain.RunResult{}, err
			}
			if done {
				return domain.RunResult{
					RunID:   r.runID,
					Exit:    exit.Name,
					State:   exit.State,
					Code:    exit.Code,
					Message: r.message,
				}, nil
			}
			target = next
			continue
		}

		step, ok := r.pipeline.Step(target)
		if !ok {
			return domain.RunResult{}, &domain.ExecutionError{
				PipelineID: r.pipeline.ID,
				RunID:      r.runID,
				Err:        fmt.Errorf("transition target %q is neither a step nor an exit", target),
			}
		}

		next, err := r.advance(ctx, step)
		if err != nil {
			return domain.RunResult{}, err
		}
		target = next
	}
}

// advance invokes step and resolves the transition it selected.
func (r *run) advance(ctx context.Context, step *domain.Step) (string, error) {
	res, err := r.invoke(ctx, step)
	if err != nil {
		return r.exceptionForward(step, err)
	}
	r.executor.stats.Keeper(domain.QualifiedStepName(r.pipeline.ID, step.Name)).AddSize(res.Message.Size())

	if res.Forward == "" {
		return "", &domain.ExecutionError{
			PipelineID: r.pipeline.ID,
			Step:       step.Name,
			RunID:      r.runID,
			Err:        errors.New("step returned no forward"),
		}
	}
	next, ok := step.Forward(res.Forward)
	if !ok {
		return "", &domain.ExecutionError{
			PipelineID: r.pipeline.ID,
			Step:       step.Name,
			RunID:      r.runID,
			Err:        fmt.Errorf("forward %q has no target", res.Forward),
		}
	}
	r.message = res.Message
	return next, nil
}

// exceptionForward reroutes a failed step to its exception forward when it
// declares one. Timeouts, lock failures and cancellation always fail the run.
func (r *run) exceptionForward(step *domain.Step, err error) (string, error) {
	err = runtime.Wrap(r.pipeline, step, r.runID, err)

	var execErr *domain.ExecutionError
	if !errors.As(err, &execErr) ||
		errors.Is(err, domain.ErrTimeout) ||
		errors.Is(err, domain.ErrLockNotAcquired) ||
		governance.IsInterruption(err) {
		return "", err
	}
	next, ok := step.Forward(domain.ForwardException)
	if !ok {
		return "", err
	}

	r.executor.logger.Info("step failed, following exception forward",
		"pipeline_id", r.pipeline.ID,
		"step", step.Name,
		"run_id", r.runID,
		"target", next,
		"error", err,
	)
	r.session.Set(domain.SessionKeyException, err)
	r.message = domain.Message(err.Error())
	return next, nil
}

// leave runs the output wrapper and validator, each at most once per run.
// It reports done when the exit is accepted, or the reroute target otherwise.
func (r *run) leave(ctx context.Context, exit domain.Exit) (string, bool, error) {
	if wrapper := r.pipeline.OutputWrapper; wrapper != nil && !r.outputWrapped {
		r.outputWrapped = true
		res, err := r.invoke(ctx, wrapper)
		if err != nil {
			return "", false, err
		}
		if res.Forward != domain.ForwardSuccess {
			next, err := r.rerouteOutput(wrapper, exit, res)
			return next, false, err
		}
		r.message = res.Message
	}

	if validator := r.pipeline.OutputValidator; validator != nil && !r.outputValidated {
		r.outputValidated = true
		res, err := r.invoke(ctx, validator)
		if err != nil {
			return "", false, err
		}
		if res.Forward != domain.ForwardSuccess {
			next, err := r.rerouteOutput(validator, exit, res)
			return next, false, err
		}
	}
	return "", true, nil
}

func (r *run) rerouteOutput(step *domain.Step, exit domain.Exit, res domain.StepResult) (string, error) {
	next, ok := step.Forward(res.Forward)
	if !ok {
		return "", &domain.ExecutionError{
			PipelineID: r.pipeline.ID,
			Step:       step.Name,
			RunID:      r.runID,
			Err:        fmt.Errorf("forward %q has no target", res.Forward),
		}
	}
	r.executor.logger.Debug("output rerouted",
		"pipeline_id", r.pipeline.ID,
		"step", step.Name,
		"run_id", r.runID,
		"exit", exit.Name,
		"target", next,
	)
	r.message = res.Message
	return next, nil
}

func (r *run) invoke(ctx context.Context, step *domain.Step) (domain.StepResult, error) {
	return r.executor.steps.ProcessStep(ctx, r.pipeline, step, r.runID, r.message, r.session)
}

// notifyExitHandlers calls every exit handler. outcome is nil for failed runs.
// Handler errors and panics are logged only.
func (e *Executor) notifyExitHandlers(ctx context.Context, pipeline *domain.Pipeline, runID string, outcome *domain.RunResult, session *domain.Session) {
	for i, handler := range pipeline.ExitHandlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					e.logger.Error("exit handler panicked",
						"pipeline_id", pipeline.ID,
						"run_id", runID,
						"handler", i,
						"panic", rec,
					)
				}
			}()
			if err := handler.OnPipelineExit(ctx, runID, outcome, session); err != nil {
				e.logger.Warn("exit handler failed",
					"pipeline_id", pipeline.ID,
					"run_id", runID,
					"handler", i,
					"error", err,
				)
			}
		}()
	}
}
