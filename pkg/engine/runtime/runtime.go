// Package runtime defines the core contracts shared by the pipeline executor and
// the processors decorating step and pipeline invocations, keeping cross-cutting
// behaviour decoupled from execution mechanics.
package runtime

import (
	"context"
	"errors"

	"github.com/polisai/conduit/pkg/domain"
)

// StepProcessor invokes one step. Step handlers and every step-level decorator
// share this contract.
type StepProcessor interface {
	ProcessStep(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error)
}

// StepProcessorFunc adapts a function to the StepProcessor interface.
type StepProcessorFunc func(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error)

// ProcessStep calls f.
func (f StepProcessorFunc) ProcessStep(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error) {
	return f(ctx, pipeline, step, runID, message, session)
}

// PipelineProcessor runs a whole pipeline. The interpreter core and every
// pipeline-level decorator share this contract.
type PipelineProcessor interface {
	ProcessPipeline(ctx context.Context, pipeline *domain.Pipeline, runID string, message domain.Message, session *domain.Session) (domain.RunResult, error)
}

// PipelineProcessorFunc adapts a function to the PipelineProcessor interface.
type PipelineProcessorFunc func(ctx context.Context, pipeline *domain.Pipeline, runID string, message domain.Message, session *domain.Session) (domain.RunResult, error)

// ProcessPipeline calls f.
func (f PipelineProcessorFunc) ProcessPipeline(ctx context.Context, pipeline *domain.Pipeline, runID string, message domain.Message, session *domain.Session) (domain.RunResult, error) {
	return f(ctx, pipeline, runID, message, session)
}

// StepDecorator wraps a StepProcessor with additional behaviour.
type StepDecorator func(next StepProcessor) StepProcessor

// PipelineDecorator wraps a PipelineProcessor with additional behaviour.
type PipelineDecorator func(next PipelineProcessor) PipelineProcessor

// ChainSteps composes decorators around terminal. The first decorator is the
// outermost. Nil decorators are skipped.
func ChainSteps(terminal StepProcessor, decorators ...StepDecorator) StepProcessor {
	processor := terminal
	for i := len(decorators) - 1; i >= 0; i-- {
		if decorators[i] == nil {
			continue
		}
		processor = decorators[i](processor)
	}
	return processor
}

// ChainPipeline composes decorators around core. The first decorator is the outermost.
func ChainPipeline(core PipelineProcessor, decorators ...PipelineDecorator) PipelineProcessor {
	processor := core
	for i := len(decorators) - 1; i >= 0; i-- {
		if decorators[i] == nil {
			continue
		}
		processor = decorators[i](processor)
	}
	return processor
}

// Terminal is the innermost step processor: it calls the step's own handler.
var Terminal StepProcessor = StepProcessorFunc(func(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error) {
	if step.Handler == nil {
		return domain.StepResult{}, &domain.ExecutionError{
			PipelineID: pipeline.ID,
			Step:       step.Name,
			RunID:      runID,
			Err:        domain.ErrConfigInvalid,
		}
	}
	return step.Handler.Execute(ctx, step, runID, message, session)
})

// Wrap converts err into an ExecutionError carrying step identity unless it is
// already a typed domain error.
func Wrap(pipeline *domain.Pipeline, step *domain.Step, runID string, err error) error {
	if err == nil {
		return nil
	}
	if IsTyped(err) {
		return err
	}
	stepName := ""
	if step != nil {
		stepName = step.Name
	}
	pipelineID := ""
	if pipeline != nil {
		pipelineID = pipeline.ID
	}
	return &domain.ExecutionError{PipelineID: pipelineID, Step: stepName, RunID: runID, Err: err}
}

// IsTyped reports whether err already is one of the domain's typed run errors.
func IsTyped(err error) bool {
	var (
		execErr    *domain.ExecutionError
		timeoutErr *domain.TimeoutError
		lockErr    *domain.LockAcquisitionError
		cfgErr     *domain.ConfigurationError
	)
	return errors.As(err, &execErr) || errors.As(err, &timeoutErr) ||
		errors.As(err, &lockErr) || errors.As(err, &cfgErr)
}
