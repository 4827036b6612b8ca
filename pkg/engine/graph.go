package engine

import (
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/pkg/errors"
	"gopkg.in/go-playground/colors.v1" //nolint

	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/stats"
)

const maxRGB = 240

// TransitionGraph builds the directed graph of a pipeline: one vertex per step
// and exit, one edge per target labelled with the forward names leading to it.
func TransitionGraph(pipeline *domain.Pipeline) (graph.Graph[string, string], error) {
	g := graph.New(graph.StringHash, graph.Directed())

	for _, name := range pipeline.StepNames() {
		attrs := []func(*graph.VertexProperties){graph.VertexAttribute("shape", "box")}
		if name == pipeline.EntryStep {
			attrs = append(attrs, graph.VertexAttribute("style", "bold"))
		}
		if err := g.AddVertex(name, attrs...); err != nil {
			return nil, errors.Wrapf(err, "unable to add step %s", name)
		}
	}
	for _, aux := range auxiliarySteps(pipeline) {
		if err := g.AddVertex(aux.Name, graph.VertexAttribute("shape", "diamond")); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return nil, errors.Wrapf(err, "unable to add step %s", aux.Name)
		}
	}
	for name, exit := range pipeline.Exits {
		if err := g.AddVertex(name,
			graph.VertexAttribute("shape", "doublecircle"),
			graph.VertexAttribute("xlabel", exit.State),
		); err != nil {
			return nil, errors.Wrapf(err, "unable to add exit %s", name)
		}
	}

	steps := make([]*domain.Step, 0, len(pipeline.Steps))
	for _, name := range pipeline.StepNames() {
		steps = append(steps, pipeline.Steps[name])
	}
	steps = append(steps, auxiliarySteps(pipeline)...)

	for _, step := range steps {
		labels := make(map[string][]string)
		for _, tr := range transitionsOf(step) {
			labels[tr.Target] = append(labels[tr.Target], tr.Name)
		}
		for target, names := range labels {
			if err := g.AddEdge(step.Name, target, graph.EdgeAttribute("label", strings.Join(names, ","))); err != nil && !errors.Is(err, graph.ErrEdgeAlreadyExists) {
				return nil, errors.Wrapf(err, "unable to add edge from %s to %s", step.Name, target)
			}
		}
	}
	return g, nil
}

// DOTOption customises WriteDOT.
type DOTOption func(*dotOptions)

type dotOptions struct {
	stats *stats.Registry
}

// WithHeatmap colours each step by its average duration in registry, from
// blue for the fastest to red for the slowest, and labels it with the average.
func WithHeatmap(registry *stats.Registry) DOTOption {
	return func(o *dotOptions) {
		o.stats = registry
	}
}

// WriteDOT renders the pipeline's transition graph in Graphviz DOT format.
func WriteDOT(w io.Writer, pipeline *domain.Pipeline, opts ...DOTOption) error {
	var o dotOptions
	for _, opt := range opts {
		opt(&o)
	}

	g, err := TransitionGraph(pipeline)
	if err != nil {
		return err
	}
	if o.stats != nil {
		if err := applyHeatmap(g, pipeline, o.stats); err != nil {
			return err
		}
	}
	return errors.Wrap(draw.DOT(g, w, draw.GraphAttribute("label", pipeline.ID)), "unable to draw pipeline")
}

func applyHeatmap(g graph.Graph[string, string], pipeline *domain.Pipeline, registry *stats.Registry) error {
	averages := make(map[string]time.Duration)
	for _, name := range pipeline.StepNames() {
		keeper, ok := registry.Lookup(domain.QualifiedStepName(pipeline.ID, name))
		if !ok {
			continue
		}
		snap := keeper.Snapshot()
		if snap.DurationMS.Count == 0 {
			continue
		}
		averages[name] = time.Duration(snap.DurationMS.Avg() * float64(time.Millisecond))
	}
	if len(averages) == 0 {
		return nil
	}

	minValue, maxValue := time.Duration(-1), time.Duration(0)
	for _, avg := range averages {
		if minValue < 0 || avg < minValue {
			minValue = avg
		}
		if avg > maxValue {
			maxValue = avg
		}
	}

	for name, avg := range averages {
		fraction := 1.0
		if maxValue > minValue {
			fraction = float64(avg-minValue) / float64(maxValue-minValue)
		}
		red := maxRGB * fraction
		blue := maxRGB - red

		colour, err := colors.RGB(uint8(red), 0, uint8(blue)) //nolint
		if err != nil {
			return errors.Wrap(err, "unable to get colour")
		}

		_, properties, err := g.VertexWithProperties(name)
		if err != nil {
			return errors.Wrap(err, "unable to get vertex properties")
		}
		properties.Attributes["color"] = colour.ToHEX().String()
		properties.Attributes["xlabel"] = avg.Round(time.Microsecond).String()
	}
	return nil
}

// UnreachableSteps lists the steps no path reaches from the entry step or from
// a reroute target of the input and output validators and wrappers.
func UnreachableSteps(pipeline *domain.Pipeline) ([]string, error) {
	g, err := TransitionGraph(pipeline)
	if err != nil {
		return nil, err
	}

	starts := []string{pipeline.EntryStep}
	for _, aux := range auxiliarySteps(pipeline) {
		starts = append(starts, aux.Name)
	}

	reached := make(map[string]bool)
	for _, start := range starts {
		if reached[start] {
			continue
		}
		if _, err := g.Vertex(start); err != nil {
			continue
		}
		if err := graph.BFS(g, start, func(v string) bool {
			reached[v] = true
			return false
		}); err != nil {
			return nil, errors.Wrapf(err, "unable to walk from %s", start)
		}
	}

	var out []string
	for _, name := range pipeline.StepNames() {
		if !reached[name] {
			out = append(out, name)
		}
	}
	return out, nil
}

func auxiliarySteps(pipeline *domain.Pipeline) []*domain.Step {
	var out []*domain.Step
	for _, s := range []*domain.Step{pipeline.InputValidator, pipeline.InputWrapper, pipeline.OutputValidator, pipeline.OutputWrapper} {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func transitionsOf(step *domain.Step) []domain.Transition {
	names := make([]string, 0, len(step.Forwards))
	for name := range step.Forwards {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]domain.Transition, 0, len(names))
	for _, name := range names {
		out = append(out, domain.Transition{Source: step.Name, Name: name, Target: step.Forwards[name]})
	}
	return out
}
