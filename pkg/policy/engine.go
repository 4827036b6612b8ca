package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the default decision path (e.g. "conduit/route").
	Entrypoint string
	// Modules contains the Rego modules loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates routing decisions using an embedded OPA instance.
type Engine struct {
	parsedModules map[string]*ast.Module
	moduleOrder   []string
	entrypoint    string
	cache         *decisionCache
	logger        *slog.Logger

	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

const (
	defaultEntrypoint    = "conduit/route"
	defaultCacheCapacity = 1024
)

// NewEngine parses and compiles the supplied modules.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsed := make(map[string]*ast.Module, len(moduleOrder))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsed[name] = module
	}

	engine := &Engine{
		parsedModules: parsed,
		moduleOrder:   moduleOrder,
		entrypoint:    entry,
		logger:        logger,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}
	if maxEntries > 0 {
		engine.cache = newDecisionCache(maxEntries)
	}

	// Warm the default entrypoint to surface compile errors early.
	if _, err := engine.preparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return engine, nil
}

// Evaluate runs the decision document for input.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	entry := strings.TrimSpace(input.Entrypoint)
	if entry == "" {
		entry = e.entrypoint
	}

	cacheKey, cacheable := e.cacheKey(entry, input)
	if cacheable {
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cloneDecision(cached), nil
		}
	}

	prepared, err := e.preparedQuery(ctx, entry)
	if err != nil {
		return Decision{}, fmt.Errorf("prepare query: %w", err)
	}

	payload := map[string]any{
		"pipeline_id": input.PipelineID,
		"step":        input.Step,
		"run_id":      input.RunID,
		"message":     input.Message,
		"session":     cloneAnyMap(input.Session),
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	decision := Decision{Metadata: map[string]string{}}
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		doc, ok := results[0].Expressions[0].Value.(map[string]any)
		if !ok {
			return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
		}
		decision, err = parseDecision(doc)
		if err != nil {
			return Decision{}, err
		}
	} else {
		e.logger.Debug("policy returned no result", "entrypoint", entry, "step", input.Step)
	}

	if cacheable {
		e.cache.Add(cacheKey, decision)
	}
	return decision, nil
}

// FlushCache clears all cached decisions.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

func (e *Engine) preparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &prepared
	return &prepared, nil
}

// cacheKey hashes the fields a decision may depend on. Runs with session state
// are not cached since the session is unbounded.
func (e *Engine) cacheKey(entry string, input Input) (string, bool) {
	if e.cache == nil || input.DisableCache || len(input.Session) > 0 {
		return "", false
	}
	h := sha256.New()
	writeCacheKeyField(h, entry)
	writeCacheKeyField(h, input.PipelineID)
	writeCacheKeyField(h, input.Step)
	writeCacheKeyField(h, input.Message)
	return hex.EncodeToString(h.Sum(nil)), true
}

// writeCacheKeyField writes a field followed by a null delimiter.
func writeCacheKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

func parseDecision(doc map[string]any) (Decision, error) {
	decision := Decision{Metadata: map[string]string{}}

	if raw, ok := doc["forward"]; ok && raw != nil {
		forward, ok := raw.(string)
		if !ok {
			return Decision{}, fmt.Errorf("opa decision: forward must be string, got %T", raw)
		}
		decision.Forward = forward
	}
	if raw, ok := doc["message"]; ok && raw != nil {
		msg, ok := raw.(string)
		if !ok {
			return Decision{}, fmt.Errorf("opa decision: message must be string, got %T", raw)
		}
		decision.Message = &msg
	}
	decision.Reason, _ = doc["reason"].(string)

	if meta, ok := doc["metadata"].(map[string]any); ok {
		for k, v := range meta {
			if s, ok := v.(string); ok {
				decision.Metadata[k] = s
			}
		}
	}
	return decision, nil
}

func cloneDecision(dec Decision) Decision {
	out := dec
	if dec.Message != nil {
		msg := *dec.Message
		out.Message = &msg
	}
	out.Metadata = make(map[string]string, len(dec.Metadata))
	for k, v := range dec.Metadata {
		out.Metadata[k] = v
	}
	return out
}

func cloneAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *decisionCache) Add(key string, value Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}
	c.entries[key] = c.order.PushFront(cacheItem{key: key, value: value})
	if c.order.Len() <= c.max {
		return
	}
	if tail := c.order.Back(); tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}

// Len reports the number of cached decisions.
func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
