package processors

import (
	"context"
	"log/slog"

	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/engine/runtime"
)

// Cache short-circuits a step when its result for the derived key is already
// stored. Concurrent misses for one key may both compute; the last write wins.
func Cache(store domain.CacheStore, logger *slog.Logger) runtime.StepDecorator {
	logger = orDefault(logger)
	return func(next runtime.StepProcessor) runtime.StepProcessor {
		return runtime.StepProcessorFunc(func(ctx context.Context, pipeline *domain.Pipeline, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error) {
			c := cacher{backend: store, spec: step.Cache, scope: domain.QualifiedStepName(pipeline.ID, step.Name), logger: logger.With("pipeline_id", pipeline.ID, "step", step.Name)}
			key, ok := c.key(message, session)
			if !ok {
				return next.ProcessStep(ctx, pipeline, step, runID, message, session)
			}
			if entry, hit := c.lookup(ctx, key); hit {
				return domain.StepResult{Forward: entry.Outcome, Message: entry.Message}, nil
			}

			result, err := next.ProcessStep(ctx, pipeline, step, runID, message, session)
			if err != nil {
				return domain.StepResult{}, err
			}
			c.store(ctx, key, result.Message, result.Forward)
			return result, nil
		})
	}
}

// CachePipeline short-circuits a whole run. Entries store the exit name so the
// exit's state and code are restored on a hit.
func CachePipeline(store domain.CacheStore, logger *slog.Logger) runtime.PipelineDecorator {
	logger = orDefault(logger)
	return func(next runtime.PipelineProcessor) runtime.PipelineProcessor {
		return runtime.PipelineProcessorFunc(func(ctx context.Context, pipeline *domain.Pipeline, runID string, message domain.Message, session *domain.Session) (domain.RunResult, error) {
			c := cacher{backend: store, spec: pipeline.Cache, scope: pipelineCacheScope(pipeline.ID), logger: logger.With("pipeline_id", pipeline.ID)}
			key, ok := c.key(message, session)
			if !ok {
				return next.ProcessPipeline(ctx, pipeline, runID, message, session)
			}
			if entry, hit := c.lookup(ctx, key); hit {
				if exit, known := pipeline.Exit(entry.Outcome); known {
					return domain.RunResult{RunID: runID, Exit: exit.Name, State: exit.State, Code: exit.Code, Message: entry.Message}, nil
				}
			}

			result, err := next.ProcessPipeline(ctx, pipeline, runID, message, session)
			if err != nil {
				return domain.RunResult{}, err
			}
			c.store(ctx, key, result.Message, result.Exit)
			return result, nil
		})
	}
}

func pipelineCacheScope(pipelineID string) string {
	return pipelineID + "/#pipeline"
}

// cacher reads and writes one cache. Keys are prefixed with scope so caches
// sharing a store never see each other's entries.
type cacher struct {
	backend domain.CacheStore
	spec    *domain.CacheSpec
	scope   string
	logger  *slog.Logger
}

func (c cacher) key(message domain.Message, session *domain.Session) (string, bool) {
	if c.backend == nil || c.spec == nil || c.spec.KeyFunc == nil {
		return "", false
	}
	key, ok := c.spec.KeyFunc(message, session)
	if !ok {
		return "", false
	}
	return c.scope + "\x00" + key, true
}

func (c cacher) lookup(ctx context.Context, key string) (domain.CacheEntry, bool) {
	entry, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed, computing result", "key", key, "error", err)
		return domain.CacheEntry{}, false
	}
	if !ok || entry.Outcome == "" {
		return domain.CacheEntry{}, false
	}
	return entry, true
}

// store saves the transformed result. Transform and store failures only skip caching.
func (c cacher) store(ctx context.Context, key string, message domain.Message, outcome string) {
	value := message
	if c.spec.ValueTransform != nil {
		transformed, err := c.spec.ValueTransform(message)
		if err != nil {
			c.logger.Warn("skipping cache store", "error", &domain.CacheTransformError{Key: key, Err: err})
			return
		}
		value = transformed
	}
	if err := c.backend.Put(ctx, key, domain.CacheEntry{Message: value, Outcome: outcome}); err != nil {
		c.logger.Warn("cache store failed", "key", key, "error", err)
	}
}
