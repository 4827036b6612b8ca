package engine

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/conduit/internal/governance"
	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/engine/processors"
	"github.com/polisai/conduit/pkg/engine/runtime"
	"github.com/polisai/conduit/pkg/stats"
)

// Capabilities are the collaborators the default processor chains consume.
// Nil capabilities are tolerated: the corresponding processor passes through
// unless a step or pipeline explicitly asks for it.
type Capabilities struct {
	Transactions domain.TransactionManager
	Locker       domain.Locker
	Cache        domain.CacheStore
	Sink         domain.MonitoringSink

	Gate     *governance.ConcurrencyGate
	Breakers *governance.CircuitBreakerManager
	Stats    *stats.Registry
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// ChainBuilder assembles the step-level and pipeline-level processor chains.
// Decorators are applied in the order they were added, the first one being
// the outermost.
type ChainBuilder struct {
	terminal runtime.StepProcessor
	step     []runtime.StepDecorator
	pipeline []runtime.PipelineDecorator
}

// NewChainBuilder returns an empty builder around the handler-invoking terminal.
func NewChainBuilder() *ChainBuilder {
	return &ChainBuilder{terminal: runtime.Terminal}
}

// DefaultChains wires every processor in its standard order:
//
//	step:     redirect, lock, gate, statistics, size, transaction, breaker, retry, cache
//	pipeline: lock, transaction, cache
func DefaultChains(c Capabilities) *ChainBuilder {
	if c.Gate == nil {
		c.Gate = governance.NewConcurrencyGate()
	}
	if c.Breakers == nil {
		c.Breakers = governance.NewCircuitBreakerManager()
	}

	return NewChainBuilder().
		Step(
			processors.Redirect(),
			processors.Lock(c.Locker, c.Logger),
			processors.Gate(c.Gate, c.Stats),
			processors.Statistics(c.Stats, c.Sink, c.Tracer, c.Logger),
			processors.MessageSize(c.Sink, c.Logger),
			processors.Transaction(c.Transactions, c.Logger),
			processors.CircuitBreaker(c.Breakers),
			processors.Retry(c.Logger),
			processors.Cache(c.Cache, c.Logger),
		).
		Pipeline(
			processors.LockPipeline(c.Locker, c.Logger),
			processors.TransactionPipeline(c.Transactions, c.Logger),
			processors.CachePipeline(c.Cache, c.Logger),
		)
}

// Step appends step decorators.
func (b *ChainBuilder) Step(decorators ...runtime.StepDecorator) *ChainBuilder {
	b.step = append(b.step, decorators...)
	return b
}

// Pipeline appends pipeline decorators.
func (b *ChainBuilder) Pipeline(decorators ...runtime.PipelineDecorator) *ChainBuilder {
	b.pipeline = append(b.pipeline, decorators...)
	return b
}

// Terminal replaces the innermost step processor.
func (b *ChainBuilder) Terminal(terminal runtime.StepProcessor) *ChainBuilder {
	if terminal != nil {
		b.terminal = terminal
	}
	return b
}

// BuildSteps composes the step chain.
func (b *ChainBuilder) BuildSteps() runtime.StepProcessor {
	return runtime.ChainSteps(b.terminal, b.step...)
}

// BuildPipeline composes the pipeline chain around core.
func (b *ChainBuilder) BuildPipeline(core runtime.PipelineProcessor) runtime.PipelineProcessor {
	return runtime.ChainPipeline(core, b.pipeline...)
}
