package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/polisai/conduit/pkg/domain"
)

// ToDomain converts the configuration snapshot to a domain snapshot. Handlers
// are not bound here; the pipeline registry binds them from each step's type.
func (s Snapshot) ToDomain() (domain.Snapshot, error) {
	out := domain.Snapshot{
		Generation: s.Generation,
		Timestamp:  s.ReceivedAt,
		Pipelines:  make([]*domain.Pipeline, 0, len(s.Pipelines)),
	}
	for i, spec := range s.Pipelines {
		p, err := spec.ToDomain()
		if err != nil {
			return domain.Snapshot{}, fmt.Errorf("pipeline[%d]: %w", i, err)
		}
		out.Pipelines = append(out.Pipelines, p)
	}
	return out, nil
}

// ToDomain converts PipelineSpec to domain.Pipeline.
func (s PipelineSpec) ToDomain() (*domain.Pipeline, error) {
	id := strings.TrimSpace(s.ID)
	fail := func(step, reason string) error {
		return &domain.ConfigurationError{PipelineID: id, Step: step, Reason: reason}
	}

	p := &domain.Pipeline{
		ID:               id,
		Version:          s.Version,
		EntryStep:        strings.TrimSpace(s.EntryStep),
		Steps:            make(map[string]*domain.Step, len(s.Steps)),
		Exits:            make(map[string]domain.Exit, len(s.Exits)),
		MessageSizeWarn:  s.MessageSizeWarn,
		MessageSizeError: s.MessageSizeError,
		CommitOnState:    s.CommitOnState,
	}

	for _, spec := range s.Steps {
		step, err := spec.ToDomain()
		if err != nil {
			return nil, fail(spec.Name, err.Error())
		}
		if _, dup := p.Steps[step.Name]; dup {
			return nil, fail(step.Name, "duplicate step name")
		}
		p.Steps[step.Name] = step
	}
	if p.EntryStep == "" && len(s.Steps) > 0 {
		p.EntryStep = strings.TrimSpace(s.Steps[0].Name)
	}

	for _, e := range s.Exits {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, fail("", "exit name is required")
		}
		if _, dup := p.Exits[name]; dup {
			return nil, fail("", fmt.Sprintf("duplicate exit %q", name))
		}
		p.Exits[name] = domain.Exit{Name: name, State: strings.TrimSpace(e.State), Code: e.Code}
	}

	aux := []struct {
		spec   *StepSpec
		target **domain.Step
	}{
		{s.InputValidator, &p.InputValidator},
		{s.InputWrapper, &p.InputWrapper},
		{s.OutputValidator, &p.OutputValidator},
		{s.OutputWrapper, &p.OutputWrapper},
	}
	for _, a := range aux {
		if a.spec == nil {
			continue
		}
		step, err := a.spec.ToDomain()
		if err != nil {
			return nil, fail(a.spec.Name, err.Error())
		}
		*a.target = step
	}

	var err error
	if p.Transaction, err = s.Transaction.toDomain(); err != nil {
		return nil, fail("", err.Error())
	}
	if p.Lock, err = s.Lock.toDomain(); err != nil {
		return nil, fail("", err.Error())
	}
	if p.Cache, err = s.Cache.toDomain(); err != nil {
		return nil, fail("", err.Error())
	}
	return p, nil
}

// ToDomain converts StepSpec to domain.Step.
func (s StepSpec) ToDomain() (*domain.Step, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return nil, fmt.Errorf("step name is required")
	}

	step := &domain.Step{
		Name:                    name,
		Type:                    strings.TrimSpace(s.Type),
		Config:                  s.Config,
		Forwards:                s.Forwards,
		MaxThreads:              s.MaxThreads,
		GetInputFromSessionKey:  s.GetInputFromSessionKey,
		GetInputFromFixedValue:  s.GetInputFromFixedValue,
		StoreResultInSessionKey: s.StoreResultInSessionKey,
		PreserveInput:           s.PreserveInput,
	}
	if step.Config == nil {
		step.Config = map[string]any{}
	}

	var err error
	if step.DurationThreshold, err = parseDuration("durationThreshold", s.DurationThreshold); err != nil {
		return nil, err
	}
	if step.Lock, err = s.Lock.toDomain(); err != nil {
		return nil, err
	}
	if step.Transaction, err = s.Transaction.toDomain(); err != nil {
		return nil, err
	}
	if step.Cache, err = s.Cache.toDomain(); err != nil {
		return nil, err
	}
	if step.CircuitBreaker, err = s.CircuitBreaker.toDomain(); err != nil {
		return nil, err
	}
	if step.Retry, err = s.Retry.toDomain(); err != nil {
		return nil, err
	}
	return step, nil
}

func (s *TransactionSpec) toDomain() (*domain.TransactionSpec, error) {
	if s == nil {
		return nil, nil
	}
	propagation := domain.Propagation(strings.ToLower(strings.TrimSpace(s.Propagation)))
	if propagation == "" {
		propagation = domain.PropagationRequired
	}
	if !propagation.Valid() {
		return nil, fmt.Errorf("unknown transaction propagation %q", s.Propagation)
	}
	timeout, err := parseDuration("transaction.timeout", s.Timeout)
	if err != nil {
		return nil, err
	}
	return &domain.TransactionSpec{Propagation: propagation, Timeout: timeout}, nil
}

func (s *LockSpec) toDomain() (*domain.LockSpec, error) {
	if s == nil {
		return nil, nil
	}
	expiry, err := parseDuration("lock.expiry", s.Expiry)
	if err != nil {
		return nil, err
	}
	retryDelay, err := parseDuration("lock.retryDelay", s.RetryDelay)
	if err != nil {
		return nil, err
	}
	if s.NumRetries < 0 {
		return nil, fmt.Errorf("lock.numRetries must not be negative")
	}
	return &domain.LockSpec{
		ObjectID:   strings.TrimSpace(s.ObjectID),
		Expiry:     expiry,
		RetryDelay: retryDelay,
		NumRetries: s.NumRetries,
		Disabled:   s.Disabled,
	}, nil
}

func (s *CacheSpec) toDomain() (*domain.CacheSpec, error) {
	if s == nil {
		return nil, nil
	}
	keyFunc, err := cacheKeyFunc(strings.TrimSpace(s.Key))
	if err != nil {
		return nil, err
	}
	transform, err := cacheTransform(strings.ToLower(strings.TrimSpace(s.Transform)))
	if err != nil {
		return nil, err
	}
	return &domain.CacheSpec{KeyFunc: keyFunc, ValueTransform: transform}, nil
}

func cacheKeyFunc(key string) (func(domain.Message, *domain.Session) (string, bool), error) {
	switch {
	case key == "" || key == "message":
		return func(m domain.Message, _ *domain.Session) (string, bool) {
			return string(m), true
		}, nil
	case strings.HasPrefix(key, "session."):
		sessionKey := strings.TrimPrefix(key, "session.")
		if sessionKey == "" {
			return nil, fmt.Errorf("cache.key %q names no session key", key)
		}
		return func(_ domain.Message, s *domain.Session) (string, bool) {
			if s == nil {
				return "", false
			}
			return s.GetString(sessionKey)
		}, nil
	default:
		return nil, fmt.Errorf("cache.key %q must be \"message\" or \"session.<key>\"", key)
	}
}

func cacheTransform(name string) (func(domain.Message) (domain.Message, error), error) {
	switch name {
	case "", "none":
		return nil, nil
	case "trim":
		return func(m domain.Message) (domain.Message, error) {
			return domain.Message(strings.TrimSpace(string(m))), nil
		}, nil
	case "lower":
		return func(m domain.Message) (domain.Message, error) {
			return domain.Message(strings.ToLower(string(m))), nil
		}, nil
	case "upper":
		return func(m domain.Message) (domain.Message, error) {
			return domain.Message(strings.ToUpper(string(m))), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown cache.transform %q", name)
	}
}

func (s *CircuitBreakerSpec) toDomain() (*domain.CircuitBreakerSpec, error) {
	if s == nil {
		return nil, nil
	}
	window, err := parseDuration("circuitBreaker.window", s.Window)
	if err != nil {
		return nil, err
	}
	openTimeout, err := parseDuration("circuitBreaker.openTimeout", s.OpenTimeout)
	if err != nil {
		return nil, err
	}
	if s.FailureRateThreshold < 0 || s.FailureRateThreshold > 100 {
		return nil, fmt.Errorf("circuitBreaker.failureRateThreshold must be between 0 and 100")
	}
	return &domain.CircuitBreakerSpec{
		Window:               window,
		FailureRateThreshold: s.FailureRateThreshold,
		MinSamples:           s.MinSamples,
		OpenTimeout:          openTimeout,
	}, nil
}

func (s *RetrySpec) toDomain() (*domain.RetrySpec, error) {
	if s == nil {
		return nil, nil
	}
	base, err := parseDuration("retry.baseDelay", s.BaseDelay)
	if err != nil {
		return nil, err
	}
	maxDelay, err := parseDuration("retry.maxDelay", s.MaxDelay)
	if err != nil {
		return nil, err
	}
	if s.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry.maxAttempts must be at least 1")
	}
	return &domain.RetrySpec{MaxAttempts: s.MaxAttempts, BaseDelay: base, MaxDelay: maxDelay}, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}
