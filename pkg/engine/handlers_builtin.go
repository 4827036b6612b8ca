package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/conduit/pkg/domain"
	"github.com/polisai/conduit/pkg/policy"
	"github.com/polisai/conduit/pkg/telemetry"
)

// HandlerFactory builds the handler for a configured step from its Config.
type HandlerFactory func(ctx context.Context, step *domain.Step) (domain.StepHandler, error)

// HandlerRegistry resolves Step.Type to a handler factory. Types may carry a
// version suffix ("echo@v1"); an unversioned alias resolves to the kind.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
	aliases   map[string]string
	logger    *slog.Logger
}

// NewHandlerRegistry creates a registry preloaded with the built-in handlers.
func NewHandlerRegistry(logger *slog.Logger) *HandlerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
		aliases:   make(map[string]string),
		logger:    logger,
	}
	r.registerDefaults()
	return r
}

func (r *HandlerRegistry) registerDefaults() {
	r.Register("echo", "v1", echoFactory, "passthrough")
	r.Register("fixed", "v1", fixedFactory, "fixed.result")
	r.Register("replace", "v1", replaceFactory)
	r.Register("delay", "v1", delayFactory, "sleep")
	r.Register("fail", "v1", failFactory, "terminal.error")
	r.Register("session.put", "v1", sessionPutFactory, "put-in-session")
	r.Register("session.get", "v1", sessionGetFactory, "get-from-session")
	r.Register("policy.opa", "v1", r.policyFactory, "policy")
}

// Register adds or replaces the factory for kind@version plus aliases.
func (r *HandlerRegistry) Register(kind, version string, factory HandlerFactory, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	canonical := canonicalKey(kind, version)
	r.factories[canonical] = factory
	for _, alias := range aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		r.aliases[alias] = canonical
	}
	if _, exists := r.aliases[kind]; !exists {
		r.aliases[kind] = canonical
	}
}

// Kinds lists the registered canonical keys.
func (r *HandlerRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *HandlerRegistry) resolve(raw string) (HandlerFactory, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kind, version := parseStepType(raw)
	canonical := canonicalKey(kind, version)
	if f, ok := r.factories[canonical]; ok {
		return f, canonical, true
	}
	if alias, ok := r.aliases[strings.TrimSpace(raw)]; ok {
		if f, ok := r.factories[alias]; ok {
			return f, alias, true
		}
	}
	if version == "" {
		if alias, ok := r.aliases[kind]; ok {
			if f, ok := r.factories[alias]; ok {
				return f, alias, true
			}
		}
	}
	return nil, "", false
}

// Bind attaches handlers to every step of pipeline that has none yet,
// including the input and output validators and wrappers.
func (r *HandlerRegistry) Bind(ctx context.Context, pipeline *domain.Pipeline) error {
	steps := make([]*domain.Step, 0, len(pipeline.Steps)+4)
	for _, name := range pipeline.StepNames() {
		steps = append(steps, pipeline.Steps[name])
	}
	for _, aux := range []*domain.Step{pipeline.InputValidator, pipeline.InputWrapper, pipeline.OutputValidator, pipeline.OutputWrapper} {
		if aux != nil {
			steps = append(steps, aux)
		}
	}

	for _, step := range steps {
		if step == nil || step.Handler != nil {
			continue
		}
		factory, canonical, ok := r.resolve(step.Type)
		if !ok {
			return &domain.ConfigurationError{
				PipelineID: pipeline.ID,
				Step:       step.Name,
				Reason:     fmt.Sprintf("no handler registered for type %q", step.Type),
			}
		}
		handler, err := factory(ctx, step)
		if err != nil {
			return &domain.ConfigurationError{
				PipelineID: pipeline.ID,
				Step:       step.Name,
				Reason:     fmt.Sprintf("%s: %v", canonical, err),
			}
		}
		step.Handler = handler
	}
	return nil
}

func parseStepType(raw string) (string, string) {
	parts := strings.SplitN(strings.TrimSpace(raw), "@", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

func canonicalKey(kind, version string) string {
	kind = strings.TrimSpace(kind)
	version = strings.TrimSpace(version)
	if version == "" {
		return kind
	}
	return kind + "@" + version
}

// --- built-in handlers -------------------------------------------------------

func forwardOf(step *domain.Step) string {
	if fwd := configString(step.Config, "forward", ""); fwd != "" {
		return fwd
	}
	return domain.ForwardSuccess
}

func echoFactory(_ context.Context, step *domain.Step) (domain.StepHandler, error) {
	forward := forwardOf(step)
	return domain.StepHandlerFunc(func(_ context.Context, _ *domain.Step, _ string, message domain.Message, _ *domain.Session) (domain.StepResult, error) {
		return domain.StepResult{Forward: forward, Message: message}, nil
	}), nil
}

func fixedFactory(_ context.Context, step *domain.Step) (domain.StepHandler, error) {
	value, ok := step.Config["value"]
	if !ok {
		return nil, errors.New("config.value is required")
	}
	result := domain.Message(fmt.Sprint(value))
	forward := forwardOf(step)
	return domain.StepHandlerFunc(func(context.Context, *domain.Step, string, domain.Message, *domain.Session) (domain.StepResult, error) {
		return domain.StepResult{Forward: forward, Message: result}, nil
	}), nil
}

func replaceFactory(_ context.Context, step *domain.Step) (domain.StepHandler, error) {
	find := configString(step.Config, "find", "")
	if find == "" {
		return nil, errors.New("config.find is required")
	}
	with := configString(step.Config, "replace", "")
	forward := forwardOf(step)
	return domain.StepHandlerFunc(func(_ context.Context, _ *domain.Step, _ string, message domain.Message, _ *domain.Session) (domain.StepResult, error) {
		return domain.StepResult{Forward: forward, Message: domain.Message(strings.ReplaceAll(string(message), find, with))}, nil
	}), nil
}

// delayFactory sleeps for config.duration, honouring cancellation.
func delayFactory(_ context.Context, step *domain.Step) (domain.StepHandler, error) {
	d, err := configDuration(step.Config, "duration")
	if err != nil {
		return nil, err
	}
	forward := forwardOf(step)
	return domain.StepHandlerFunc(func(ctx context.Context, _ *domain.Step, _ string, message domain.Message, _ *domain.Session) (domain.StepResult, error) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.StepResult{}, ctx.Err()
		case <-timer.C:
			return domain.StepResult{Forward: forward, Message: message}, nil
		}
	}), nil
}

func failFactory(_ context.Context, step *domain.Step) (domain.StepHandler, error) {
	msg := configString(step.Config, "message", "step failed")
	return domain.StepHandlerFunc(func(context.Context, *domain.Step, string, domain.Message, *domain.Session) (domain.StepResult, error) {
		return domain.StepResult{}, errors.New(msg)
	}), nil
}

func sessionPutFactory(_ context.Context, step *domain.Step) (domain.StepHandler, error) {
	key := configString(step.Config, "key", "")
	if key == "" {
		return nil, errors.New("config.key is required")
	}
	forward := forwardOf(step)
	return domain.StepHandlerFunc(func(_ context.Context, _ *domain.Step, _ string, message domain.Message, session *domain.Session) (domain.StepResult, error) {
		if session != nil {
			session.Set(key, message)
		}
		return domain.StepResult{Forward: forward, Message: message}, nil
	}), nil
}

func sessionGetFactory(_ context.Context, step *domain.Step) (domain.StepHandler, error) {
	key := configString(step.Config, "key", "")
	if key == "" {
		return nil, errors.New("config.key is required")
	}
	forward := forwardOf(step)
	return domain.StepHandlerFunc(func(_ context.Context, _ *domain.Step, _ string, _ domain.Message, session *domain.Session) (domain.StepResult, error) {
		if session == nil {
			return domain.StepResult{}, fmt.Errorf("session key %q requested without a session", key)
		}
		value, ok := session.GetString(key)
		if !ok {
			return domain.StepResult{}, fmt.Errorf("session key %q is not present", key)
		}
		return domain.StepResult{Forward: forward, Message: domain.Message(value)}, nil
	}), nil
}

// policyFactory compiles the step's Rego modules. The decision's forward
// selects the transition; a decision message replaces the step's result.
func (r *HandlerRegistry) policyFactory(ctx context.Context, step *domain.Step) (domain.StepHandler, error) {
	modules := make(map[string]string)
	if src := configString(step.Config, "module", ""); src != "" {
		modules[step.Name+".rego"] = src
	}
	if raw, ok := step.Config["modules"].(map[string]any); ok {
		for name, src := range raw {
			modules[name] = fmt.Sprint(src)
		}
	}
	cacheSize, _ := configInt(step.Config, "cacheMaxEntries")

	engine, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint:      configString(step.Config, "entrypoint", ""),
		Modules:         modules,
		CacheMaxEntries: cacheSize,
		Logger:          r.logger,
	})
	if err != nil {
		return nil, err
	}
	return &policyHandler{evaluator: engine, logger: r.logger}, nil
}

type policyHandler struct {
	evaluator policy.Evaluator
	logger    *slog.Logger
}

func (h *policyHandler) Execute(ctx context.Context, step *domain.Step, runID string, message domain.Message, session *domain.Session) (domain.StepResult, error) {
	decision, err := h.evaluator.Evaluate(ctx, policy.Input{
		Step:    step.Name,
		RunID:   runID,
		Message: string(message),
		Session: sessionValues(session),
	})
	if err != nil {
		return domain.StepResult{}, fmt.Errorf("policy evaluation: %w", err)
	}
	telemetry.RecordPolicyDecision(trace.SpanFromContext(ctx), decision)

	forward := decision.Forward
	if forward == "" {
		forward = domain.ForwardSuccess
	}
	result := message
	if decision.Message != nil {
		result = domain.Message(*decision.Message)
	}
	h.logger.Debug("policy decision",
		"step", step.Name,
		"run_id", runID,
		"forward", forward,
		"reason", decision.Reason,
	)
	return domain.StepResult{Forward: forward, Message: result}, nil
}

// sessionValues renders the session as policy input. Values with no string
// form are passed through unchanged.
func sessionValues(session *domain.Session) map[string]any {
	if session == nil || session.Len() == 0 {
		return nil
	}
	out := make(map[string]any, session.Len())
	for _, key := range session.Keys() {
		if s, ok := session.GetString(key); ok {
			out[key] = s
			continue
		}
		if v, ok := session.Get(key); ok {
			out[key] = v
		}
	}
	return out
}

// --- config helpers ------------------------------------------------------------

func configString(cfg map[string]any, key, fallback string) string {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return fallback
	}
	s := strings.TrimSpace(fmt.Sprint(raw))
	if s == "" {
		return fallback
	}
	return s
}

func configInt(cfg map[string]any, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

func configDuration(cfg map[string]any, key string) (time.Duration, error) {
	switch v := cfg[key].(type) {
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("config.%s: %w", key, err)
		}
		return d, nil
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v) * time.Millisecond, nil
	case nil:
		return 0, fmt.Errorf("config.%s is required", key)
	default:
		return 0, fmt.Errorf("config.%s: unsupported value %v", key, v)
	}
}
