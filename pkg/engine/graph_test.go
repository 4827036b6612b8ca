package engine

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/stats"
)

func graphPipeline() *domain.Pipeline {
	p := newPipeline("orders", "parse",
		&domain.Step{Name: "parse", Forwards: map[string]string{"success": "route", domain.ForwardException: "reject"}},
		&domain.Step{Name: "route", Forwards: map[string]string{"success": "done", "retry": "done"}},
		&domain.Step{Name: "reject", Forwards: map[string]string{"success": "error"}},
		&domain.Step{Name: "orphan", Forwards: map[string]string{"success": "done"}},
		&domain.Step{Name: "fallback", Forwards: map[string]string{"success": "error"}},
	)
	p.InputValidator = &domain.Step{Name: "validate", Forwards: map[string]string{"invalid": "fallback"}}
	return p
}

func TestTransitionGraphHasStepsExitsAndEdges(t *testing.T) {
	g, err := TransitionGraph(graphPipeline())
	require.NoError(t, err)

	order, err := g.Order()
	require.NoError(t, err)
	assert.Equal(t, 8, order, "five steps, one validator, two exits")

	edge, err := g.Edge("route", "done")
	require.NoError(t, err)
	assert.Equal(t, "retry,success", edge.Properties.Attributes["label"])

	_, err = g.Edge("parse", "reject")
	require.NoError(t, err)
}

func TestUnreachableStepsIgnoresAuxiliaryTargets(t *testing.T) {
	unreachable, err := UnreachableSteps(graphPipeline())
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, unreachable)
}

func TestWriteDOT(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDOT(&buf, graphPipeline()))

	out := buf.String()
	assert.Contains(t, out, "digraph")
	assert.Contains(t, out, `"parse"`)
	assert.Contains(t, out, "doublecircle")
}

func TestWriteDOTHeatmapColoursByAverageDuration(t *testing.T) {
	registry := stats.NewRegistry()
	registry.Keeper(domain.QualifiedStepName("orders", "parse")).AddDuration(10 * time.Millisecond)
	registry.Keeper(domain.QualifiedStepName("orders", "route")).AddDuration(30 * time.Millisecond)

	g, err := TransitionGraph(graphPipeline())
	require.NoError(t, err)
	require.NoError(t, applyHeatmap(g, graphPipeline(), registry))

	_, fast, err := g.VertexWithProperties("parse")
	require.NoError(t, err)
	assert.Equal(t, "#0000f0", fast.Attributes["color"])
	assert.Equal(t, "10ms", fast.Attributes["xlabel"])

	_, slow, err := g.VertexWithProperties("route")
	require.NoError(t, err)
	assert.Equal(t, "#f00000", slow.Attributes["color"])

	_, idle, err := g.VertexWithProperties("orphan")
	require.NoError(t, err)
	assert.NotContains(t, idle.Attributes, "color")

	var buf bytes.Buffer
	require.NoError(t, WriteDOT(&buf, graphPipeline(), WithHeatmap(registry)))
	assert.Contains(t, buf.String(), "#f00000")
}
