package domain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func nopHandler() StepHandler {
	return StepHandlerFunc(func(_ context.Context, _ *Step, _ string, m Message, _ *Session) (StepResult, error) {
		return StepResult{Forward: ForwardSuccess, Message: m}, nil
	})
}

func twoStepPipeline() *Pipeline {
	return &Pipeline{
		ID:        "orders",
		EntryStep: "A",
		Steps: map[string]*Step{
			"A": {Name: "A", Handler: nopHandler(), Forwards: map[string]string{"next": "B"}},
			"B": {Name: "B", Handler: nopHandler(), Forwards: map[string]string{"success": "done"}},
		},
		Exits: map[string]Exit{"done": {Name: "done", State: StateSuccess}},
	}
}

func TestValidateAcceptsResolvedGraph(t *testing.T) {
	require.NoError(t, twoStepPipeline().Validate())
}

func TestValidateRejectsUnresolvedTransition(t *testing.T) {
	p := twoStepPipeline()
	p.Steps["B"].Forwards["failure"] = "nowhere"

	err := p.Validate()
	require.Error(t, err)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "B", cfgErr.Step)
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestValidateRejectsMissingEntryAndHandler(t *testing.T) {
	p := twoStepPipeline()
	p.EntryStep = "missing"
	assert.ErrorIs(t, p.Validate(), ErrConfigInvalid)

	p = twoStepPipeline()
	p.Steps["A"].Handler = nil
	assert.ErrorIs(t, p.Validate(), ErrConfigInvalid)
}

func TestValidateRejectsLockWithoutObjectID(t *testing.T) {
	p := twoStepPipeline()
	p.Lock = &LockSpec{}
	assert.ErrorIs(t, p.Validate(), ErrConfigInvalid)

	p.Lock.Disabled = true
	assert.NoError(t, p.Validate())

	p = twoStepPipeline()
	p.Steps["A"].Lock = &LockSpec{}
	err := p.Validate()
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "A", cfgErr.Step)
}

func TestValidateChecksAuxiliarySteps(t *testing.T) {
	p := twoStepPipeline()
	p.InputValidator = &Step{Name: "validator", Handler: nopHandler(), Forwards: map[string]string{"failure": "ghost"}}
	assert.ErrorIs(t, p.Validate(), ErrConfigInvalid)

	p.InputValidator.Forwards["failure"] = "B"
	assert.NoError(t, p.Validate())
}

func TestTransitionsAreOrderedByName(t *testing.T) {
	p := twoStepPipeline()
	p.Steps["A"].Forwards["alpha"] = "done"

	transitions := p.Transitions("A")
	require.Len(t, transitions, 2)
	assert.Equal(t, Transition{Source: "A", Name: "alpha", Target: "done"}, transitions[0])
	assert.Equal(t, Transition{Source: "A", Name: "next", Target: "B"}, transitions[1])
	assert.Nil(t, p.Transitions("ghost"))
}

// Every configured target either resolves or Validate rejects the pipeline.
func TestGraphResolutionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		stepCount := rapid.IntRange(1, 6).Draw(rt, "steps")
		names := make([]string, stepCount)
		for i := range names {
			names[i] = string(rune('a' + i))
		}
		targets := append(append([]string{}, names...), "exit", "bogus")

		p := &Pipeline{
			ID:        "prop",
			EntryStep: names[0],
			Steps:     make(map[string]*Step, stepCount),
			Exits:     map[string]Exit{"exit": {Name: "exit", State: StateSuccess}},
		}
		unresolved := false
		for _, name := range names {
			target := rapid.SampledFrom(targets).Draw(rt, "target_"+name)
			if target == "bogus" {
				unresolved = true
			}
			p.Steps[name] = &Step{Name: name, Handler: nopHandler(), Forwards: map[string]string{"next": target}}
		}

		err := p.Validate()
		if unresolved {
			if !errors.Is(err, ErrConfigInvalid) {
				rt.Fatalf("expected configuration error, got %v", err)
			}
			return
		}
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
	})
}
