package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/conduit/pkg/domain"
)

func bindStep(t *testing.T, registry *HandlerRegistry, step *domain.Step) domain.StepHandler {
	t.Helper()
	step.Forwards = map[string]string{"success": "done", "priority": "done", "rejected": "done"}
	pipeline := newPipeline("handlers", step.Name, step)
	require.NoError(t, registry.Bind(context.Background(), pipeline))
	require.NotNil(t, step.Handler)
	return step.Handler
}

func execute(t *testing.T, step *domain.Step, message domain.Message, session *domain.Session) (domain.StepResult, error) {
	t.Helper()
	return step.Handler.Execute(context.Background(), step, "run-1", message, session)
}

func TestHandlerRegistryResolvesVersionsAndAliases(t *testing.T) {
	registry := NewHandlerRegistry(discardLogger())

	for _, typ := range []string{"echo", "echo@v1", "passthrough", " echo@v1 "} {
		_, canonical, ok := registry.resolve(typ)
		require.True(t, ok, typ)
		assert.Equal(t, "echo@v1", canonical)
	}

	_, _, ok := registry.resolve("echo@v9")
	assert.False(t, ok)
	_, _, ok = registry.resolve("unknown")
	assert.False(t, ok)

	assert.Contains(t, registry.Kinds(), "policy.opa@v1")
}

func TestHandlerRegistryRegisterOverridesFactory(t *testing.T) {
	registry := NewHandlerRegistry(discardLogger())
	registry.Register("echo", "v1", func(context.Context, *domain.Step) (domain.StepHandler, error) {
		return domain.StepHandlerFunc(func(context.Context, *domain.Step, string, domain.Message, *domain.Session) (domain.StepResult, error) {
			return domain.StepResult{Forward: domain.ForwardSuccess, Message: "custom"}, nil
		}), nil
	})

	step := &domain.Step{Name: "s", Type: "echo"}
	bindStep(t, registry, step)
	res, err := execute(t, step, "in", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Message("custom"), res.Message)
}

func TestBindRejectsUnknownType(t *testing.T) {
	registry := NewHandlerRegistry(discardLogger())
	pipeline := newPipeline("p", "s", &domain.Step{Name: "s", Type: "mystery"})

	err := registry.Bind(context.Background(), pipeline)
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "s", cfgErr.Step)
}

func TestBindKeepsExistingHandlers(t *testing.T) {
	registry := NewHandlerRegistry(discardLogger())
	step := stepFunc("s", map[string]string{"success": "done"}, returns("success", "mine"))
	step.Type = "mystery"

	require.NoError(t, registry.Bind(context.Background(), newPipeline("p", "s", step)))
	res, err := execute(t, step, "in", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.Message("mine"), res.Message)
}

func TestBindCoversValidatorsAndWrappers(t *testing.T) {
	registry := NewHandlerRegistry(discardLogger())
	pipeline := newPipeline("p", "s", &domain.Step{Name: "s", Type: "echo", Forwards: map[string]string{"success": "done"}})
	pipeline.InputValidator = &domain.Step{Name: "in", Type: "echo"}
	pipeline.OutputWrapper = &domain.Step{Name: "out", Type: "replace", Config: map[string]any{"find": "a", "replace": "b"}}

	require.NoError(t, registry.Bind(context.Background(), pipeline))
	assert.NotNil(t, pipeline.InputValidator.Handler)
	assert.NotNil(t, pipeline.OutputWrapper.Handler)
}

func TestBuiltinHandlers(t *testing.T) {
	registry := NewHandlerRegistry(discardLogger())

	t.Run("fixed", func(t *testing.T) {
		step := &domain.Step{Name: "s", Type: "fixed", Config: map[string]any{"value": "constant"}}
		bindStep(t, registry, step)
		res, err := execute(t, step, "ignored", nil)
		require.NoError(t, err)
		assert.Equal(t, domain.StepResult{Forward: domain.ForwardSuccess, Message: "constant"}, res)
	})

	t.Run("replace with forward override", func(t *testing.T) {
		step := &domain.Step{Name: "s", Type: "replace@v1", Config: map[string]any{"find": "cat", "replace": "dog", "forward": "priority"}}
		bindStep(t, registry, step)
		res, err := execute(t, step, "cat and cat", nil)
		require.NoError(t, err)
		assert.Equal(t, "priority", res.Forward)
		assert.Equal(t, domain.Message("dog and dog"), res.Message)
	})

	t.Run("fail", func(t *testing.T) {
		step := &domain.Step{Name: "s", Type: "fail", Config: map[string]any{"message": "nope"}}
		bindStep(t, registry, step)
		_, err := execute(t, step, "in", nil)
		require.EqualError(t, err, "nope")
	})

	t.Run("session round trip", func(t *testing.T) {
		put := &domain.Step{Name: "put", Type: "session.put", Config: map[string]any{"key": "saved"}}
		get := &domain.Step{Name: "get", Type: "get-from-session", Config: map[string]any{"key": "saved"}}
		bindStep(t, registry, put)
		bindStep(t, registry, get)

		session := domain.NewSession("", "")
		_, err := execute(t, put, "remember me", session)
		require.NoError(t, err)
		res, err := execute(t, get, "other", session)
		require.NoError(t, err)
		assert.Equal(t, domain.Message("remember me"), res.Message)

		_, err = execute(t, get, "other", domain.NewSession("", ""))
		require.Error(t, err)
	})

	t.Run("delay honours cancellation", func(t *testing.T) {
		step := &domain.Step{Name: "s", Type: "delay", Config: map[string]any{"duration": "1s"}}
		bindStep(t, registry, step)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := step.Handler.Execute(ctx, step, "r", "in", nil)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestBuiltinFactoriesRejectMissingConfig(t *testing.T) {
	registry := NewHandlerRegistry(discardLogger())
	for _, step := range []*domain.Step{
		{Name: "s", Type: "fixed"},
		{Name: "s", Type: "replace"},
		{Name: "s", Type: "delay"},
		{Name: "s", Type: "session.put"},
		{Name: "s", Type: "delay", Config: map[string]any{"duration": "soon"}},
	} {
		err := registry.Bind(context.Background(), newPipeline("p", "s", step))
		assert.ErrorIs(t, err, domain.ErrConfigInvalid, step.Type)
	}
}

const routingPolicy = `
package conduit.route

import rego.v1

default forward := "success"

forward := "priority" if {
	startswith(input.message, "URGENT")
}

forward := "rejected" if {
	input.session.tier == "blocked"
}

message := lower(input.message) if {
	forward == "priority"
}
`

func TestPolicyHandlerRoutesOnDecision(t *testing.T) {
	registry := NewHandlerRegistry(discardLogger())
	step := &domain.Step{Name: "route", Type: "policy", Config: map[string]any{"module": routingPolicy}}
	bindStep(t, registry, step)

	res, err := execute(t, step, "URGENT Order", nil)
	require.NoError(t, err)
	assert.Equal(t, "priority", res.Forward)
	assert.Equal(t, domain.Message("urgent order"), res.Message)

	res, err = execute(t, step, "routine", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ForwardSuccess, res.Forward)
	assert.Equal(t, domain.Message("routine"), res.Message)

	session := domain.NewSession("", "")
	session.Set("tier", "blocked")
	res, err = execute(t, step, "routine", session)
	require.NoError(t, err)
	assert.Equal(t, "rejected", res.Forward)
}

func TestPolicyFactoryRejectsInvalidModule(t *testing.T) {
	registry := NewHandlerRegistry(discardLogger())
	step := &domain.Step{Name: "route", Type: "policy.opa@v1", Config: map[string]any{"module": "package x\nthis is not rego"}}
	err := registry.Bind(context.Background(), newPipeline("p", "route", step))
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}
