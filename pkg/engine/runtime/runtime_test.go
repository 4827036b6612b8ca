package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/conduit/pkg/domain"
)

func recordingDecorator(name string, trace *[]string) StepDecorator {
	return func(next StepProcessor) StepProcessor {
		return StepProcessorFunc(func(ctx context.Context, p *domain.Pipeline, s *domain.Step, runID string, m domain.Message, sess *domain.Session) (domain.StepResult, error) {
			*trace = append(*trace, name+":before")
			res, err := next.ProcessStep(ctx, p, s, runID, m, sess)
			*trace = append(*trace, name+":after")
			return res, err
		})
	}
}

func TestChainStepsFirstDecoratorIsOutermost(t *testing.T) {
	var trace []string
	step := &domain.Step{Name: "s", Handler: domain.StepHandlerFunc(func(_ context.Context, _ *domain.Step, _ string, m domain.Message, _ *domain.Session) (domain.StepResult, error) {
		trace = append(trace, "handler")
		return domain.StepResult{Forward: "success", Message: m}, nil
	})}

	chain := ChainSteps(Terminal, recordingDecorator("outer", &trace), nil, recordingDecorator("inner", &trace))
	res, err := chain.ProcessStep(context.Background(), &domain.Pipeline{ID: "p"}, step, "r", "x", domain.NewSession("", ""))
	require.NoError(t, err)
	assert.Equal(t, "success", res.Forward)
	assert.Equal(t, []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}, trace)
}

func TestTerminalWithoutHandler(t *testing.T) {
	_, err := Terminal.ProcessStep(context.Background(), &domain.Pipeline{ID: "p"}, &domain.Step{Name: "s"}, "r", "", nil)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestWrapKeepsTypedErrors(t *testing.T) {
	p := &domain.Pipeline{ID: "p"}
	s := &domain.Step{Name: "s"}

	timeout := &domain.TimeoutError{PipelineID: "p", Timeout: "1s"}
	assert.Same(t, timeout, Wrap(p, s, "r", timeout))

	err := Wrap(p, s, "r", errors.New("boom"))
	var execErr *domain.ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "s", execErr.Step)
	assert.Equal(t, "r", execErr.RunID)

	assert.NoError(t, Wrap(p, s, "r", nil))
}
