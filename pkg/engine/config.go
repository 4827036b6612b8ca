package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/polisai/conduit/pkg/domain"
)

// PipelineRegistry maintains the active set of pipelines keyed by ID.
// Updates are validated as a whole and swapped in atomically; runs already in
// progress keep the definition they started with.
//
//nolint:revive // Name PipelineRegistry is intentional for clarity
type PipelineRegistry struct {
	mu                sync.RWMutex
	pipelines         map[string]*domain.Pipeline
	currentGeneration int64
	handlers          *HandlerRegistry
	logger            *slog.Logger
}

// NewPipelineRegistry creates an empty registry. Steps without a handler are
// bound through handlers when pipelines are registered.
func NewPipelineRegistry(handlers *HandlerRegistry, logger *slog.Logger) *PipelineRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if handlers == nil {
		handlers = NewHandlerRegistry(logger)
	}
	return &PipelineRegistry{
		pipelines: make(map[string]*domain.Pipeline),
		handlers:  handlers,
		logger:    logger,
	}
}

// UpdatePipelines binds, validates and atomically installs pipelines,
// replacing the previous set. Nothing changes when any pipeline is invalid.
func (pr *PipelineRegistry) UpdatePipelines(ctx context.Context, pipelines []*domain.Pipeline) error {
	next := make(map[string]*domain.Pipeline, len(pipelines))
	for i, p := range pipelines {
		if p == nil {
			return &domain.ConfigurationError{Reason: fmt.Sprintf("pipeline[%d] is nil", i)}
		}
		if _, dup := next[p.ID]; dup {
			return &domain.ConfigurationError{PipelineID: p.ID, Reason: "duplicate pipeline ID"}
		}
		if err := pr.handlers.Bind(ctx, p); err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		pr.warnUnreachable(p)
		next[p.ID] = p
	}

	pr.mu.Lock()
	pr.pipelines = next
	pr.currentGeneration++
	generation := pr.currentGeneration
	pr.mu.Unlock()

	pr.logger.Info("pipeline registry updated",
		slog.Int64("generation", generation),
		slog.Int("pipeline_count", len(next)))
	return nil
}

func (pr *PipelineRegistry) warnUnreachable(p *domain.Pipeline) {
	unreachable, err := UnreachableSteps(p)
	if err != nil {
		pr.logger.Warn("could not analyse pipeline graph", "pipeline_id", p.ID, "error", err)
		return
	}
	for _, name := range unreachable {
		pr.logger.Warn("step is unreachable", "pipeline_id", p.ID, "step", name)
	}
}

// GetPipeline returns a specific pipeline by ID.
func (pr *PipelineRegistry) GetPipeline(pipelineID string) (*domain.Pipeline, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	p, ok := pr.pipelines[pipelineID]
	return p, ok
}

// ListPipelines returns the registered pipelines ordered by ID.
func (pr *PipelineRegistry) ListPipelines() []*domain.Pipeline {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	out := make([]*domain.Pipeline, 0, len(pr.pipelines))
	for _, p := range pr.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Generation returns the number of successful updates.
func (pr *PipelineRegistry) Generation() int64 {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.currentGeneration
}

// Watch applies every snapshot published by svc until ctx is done. Invalid
// snapshots are logged and the previous pipelines stay active. A changed
// MaxThreads takes effect for new invocations while calls already inside the
// step still count against the new limit until they return.
func (pr *PipelineRegistry) Watch(ctx context.Context, svc domain.ConfigService) {
	updates := svc.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			if err := pr.UpdatePipelines(ctx, snapshot.Pipelines); err != nil {
				pr.logger.Error("rejected pipeline snapshot",
					slog.Int64("generation", snapshot.Generation),
					slog.Any("error", err))
			}
		}
	}
}
