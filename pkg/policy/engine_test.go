package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const routeModule = `
package conduit.route

import rego.v1

default forward := "success"

forward := "priority" if {
	startswith(input.message, "URGENT")
}

forward := "vip" if {
	input.session.tier == "gold"
}

reason := "urgent prefix" if {
	forward == "priority"
}

message := upper(input.message) if {
	forward == "priority"
}
`

func newTestEngine(t *testing.T, cacheEntries int) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), EngineOptions{
		Modules:         map[string]string{"route.rego": routeModule},
		CacheMaxEntries: cacheEntries,
	})
	require.NoError(t, err)
	return engine
}

func TestEngineRoutesOnMessage(t *testing.T) {
	engine := newTestEngine(t, 0)

	decision, err := engine.Evaluate(context.Background(), Input{PipelineID: "p", Step: "route", Message: "URGENT order"})
	require.NoError(t, err)
	assert.Equal(t, "priority", decision.Forward)
	assert.Equal(t, "urgent prefix", decision.Reason)
	require.NotNil(t, decision.Message)
	assert.Equal(t, "URGENT ORDER", *decision.Message)

	decision, err = engine.Evaluate(context.Background(), Input{PipelineID: "p", Step: "route", Message: "normal"})
	require.NoError(t, err)
	assert.Equal(t, "success", decision.Forward)
	assert.Nil(t, decision.Message)
}

func TestEngineRoutesOnSession(t *testing.T) {
	engine := newTestEngine(t, 0)

	decision, err := engine.Evaluate(context.Background(), Input{
		Message: "hello",
		Session: map[string]any{"tier": "gold"},
	})
	require.NoError(t, err)
	assert.Equal(t, "vip", decision.Forward)
	assert.Equal(t, 0, engine.cache.Len(), "session-dependent decisions are not cached")
}

func TestEngineCachesDecisions(t *testing.T) {
	engine := newTestEngine(t, 1)
	ctx := context.Background()

	_, err := engine.Evaluate(ctx, Input{Step: "s", Message: "a"})
	require.NoError(t, err)
	_, err = engine.Evaluate(ctx, Input{Step: "s", Message: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, engine.cache.Len())

	engine.FlushCache()
	assert.Equal(t, 0, engine.cache.Len())
}

func TestNewEngineRejectsInvalidModules(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{})
	assert.Error(t, err)

	_, err = NewEngine(context.Background(), EngineOptions{Modules: map[string]string{"bad.rego": "package x\nthis is not rego"}})
	assert.Error(t, err)
}
