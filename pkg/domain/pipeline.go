package domain

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Well-known forward names.
const (
	// ForwardSuccess is the distinguished forward returned by validators and
	// wrappers that accept the message.
	ForwardSuccess = "success"
	// ForwardException is followed when a step fails and declares it.
	ForwardException = "exception"
)

// Well-known exit states.
const (
	StateSuccess = "success"
	StateError   = "error"
)

// Message is the payload travelling through a pipeline.
type Message string

// Size returns the payload size in bytes.
func (m Message) Size() int64 {
	return int64(len(m))
}

// String implements fmt.Stringer.
func (m Message) String() string {
	return string(m)
}

// StepResult is returned by every step handler and every processor: the name of
// the forward to follow and the resulting message.
type StepResult struct {
	Forward string
	Message Message
}

// RunResult is the outcome of a complete pipeline run.
type RunResult struct {
	RunID   string
	Exit    string
	State   string
	Code    int
	Message Message
}

// Successful reports whether the run ended in the success state.
func (r *RunResult) Successful() bool {
	return r != nil && r.State == StateSuccess
}

// StepHandler is the unit of work a step performs.
type StepHandler interface {
	Execute(ctx context.Context, step *Step, runID string, message Message, session *Session) (StepResult, error)
}

// StepHandlerFunc adapts a function to the StepHandler interface.
type StepHandlerFunc func(ctx context.Context, step *Step, runID string, message Message, session *Session) (StepResult, error)

// Execute calls f.
func (f StepHandlerFunc) Execute(ctx context.Context, step *Step, runID string, message Message, session *Session) (StepResult, error) {
	return f(ctx, step, runID, message, session)
}

// Propagation is the transaction propagation attribute of a TransactionSpec.
type Propagation string

// Supported propagation attributes.
const (
	PropagationRequired     Propagation = "required"
	PropagationSupports     Propagation = "supports"
	PropagationMandatory    Propagation = "mandatory"
	PropagationRequiresNew  Propagation = "requires_new"
	PropagationNotSupported Propagation = "not_supported"
	PropagationNever        Propagation = "never"
)

// Valid reports whether p is a known propagation attribute.
func (p Propagation) Valid() bool {
	switch p {
	case PropagationRequired, PropagationSupports, PropagationMandatory,
		PropagationRequiresNew, PropagationNotSupported, PropagationNever:
		return true
	}
	return false
}

// TransactionSpec governs a transactional boundary around a step or a whole run.
type TransactionSpec struct {
	Propagation Propagation
	Timeout     time.Duration
}

// LockSpec describes a distributed lock guarding a step or a pipeline.
type LockSpec struct {
	ObjectID   string
	Expiry     time.Duration
	RetryDelay time.Duration
	NumRetries int
	// Disabled skips locking entirely. A backend that returns no token for an
	// enabled spec is treated as a failed acquisition.
	Disabled bool
}

// CacheSpec configures a cache around a step or a pipeline.
type CacheSpec struct {
	// KeyFunc derives the cache key. Returning false bypasses the cache.
	KeyFunc func(message Message, session *Session) (string, bool)
	// ValueTransform is applied to results before storage. Nil stores as-is.
	ValueTransform func(Message) (Message, error)
}

// CircuitBreakerSpec configures a per-step circuit breaker.
type CircuitBreakerSpec struct {
	Window               time.Duration
	FailureRateThreshold int
	MinSamples           int
	OpenTimeout          time.Duration
}

// RetrySpec configures bounded retries within a single step invocation.
type RetrySpec struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Step is a named unit of work in the pipeline graph.
type Step struct {
	Name    string
	Type    string
	Config  map[string]any
	Handler StepHandler

	// Forwards maps forward names to step or exit names.
	Forwards map[string]string

	MaxThreads        int
	Lock              *LockSpec
	Transaction       *TransactionSpec
	DurationThreshold time.Duration
	Cache             *CacheSpec
	CircuitBreaker    *CircuitBreakerSpec
	Retry             *RetrySpec

	GetInputFromSessionKey  string
	GetInputFromFixedValue  *string
	StoreResultInSessionKey string
	PreserveInput           bool
}

// Forward returns the target registered for the named forward.
func (s *Step) Forward(name string) (string, bool) {
	if s == nil || s.Forwards == nil {
		return "", false
	}
	target, ok := s.Forwards[name]
	return target, ok && target != ""
}

// Exit is a terminal node whose State is returned to the caller.
type Exit struct {
	Name  string
	State string
	Code  int
}

// Transition is a named directed edge from a step to a step or an exit.
type Transition struct {
	Source string
	Name   string
	Target string
}

// ExitHandler is notified at the end of every run. Errors are logged only.
type ExitHandler interface {
	OnPipelineExit(ctx context.Context, runID string, result *RunResult, session *Session) error
}

// ExitHandlerFunc adapts a function to the ExitHandler interface.
type ExitHandlerFunc func(ctx context.Context, runID string, result *RunResult, session *Session) error

// OnPipelineExit calls f.
func (f ExitHandlerFunc) OnPipelineExit(ctx context.Context, runID string, result *RunResult, session *Session) error {
	return f(ctx, runID, result, session)
}

// Pipeline is the immutable definition of a processing graph.
type Pipeline struct {
	ID        string
	Version   int
	EntryStep string
	Steps     map[string]*Step
	Exits     map[string]Exit

	InputValidator  *Step
	InputWrapper    *Step
	OutputValidator *Step
	OutputWrapper   *Step

	MessageSizeWarn  int64
	MessageSizeError int64

	CommitOnState string
	Transaction   *TransactionSpec
	Lock          *LockSpec
	Cache         *CacheSpec

	ExitHandlers []ExitHandler
}

// Step returns the named step.
func (p *Pipeline) Step(name string) (*Step, bool) {
	if p == nil {
		return nil, false
	}
	step, ok := p.Steps[name]
	return step, ok
}

// Exit returns the named exit.
func (p *Pipeline) Exit(name string) (Exit, bool) {
	if p == nil {
		return Exit{}, false
	}
	exit, ok := p.Exits[name]
	return exit, ok
}

// SuccessState is the exit state runs must reach for pipeline transactions to commit.
func (p *Pipeline) SuccessState() string {
	if p.CommitOnState == "" {
		return StateSuccess
	}
	return p.CommitOnState
}

// StepNames returns the step names in lexical order.
func (p *Pipeline) StepNames() []string {
	names := make([]string, 0, len(p.Steps))
	for name := range p.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Transitions returns the transitions leaving the named step ordered by forward name.
func (p *Pipeline) Transitions(stepName string) []Transition {
	step, ok := p.Step(stepName)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(step.Forwards))
	for name := range step.Forwards {
		names = append(names, name)
	}
	sort.Strings(names)

	transitions := make([]Transition, 0, len(names))
	for _, name := range names {
		transitions = append(transitions, Transition{Source: stepName, Name: name, Target: step.Forwards[name]})
	}
	return transitions
}

// IsExit reports whether target names an exit.
func (p *Pipeline) IsExit(target string) bool {
	_, ok := p.Exits[target]
	return ok
}

// Validate checks the graph invariants: the entry step exists, there is at least one
// exit, every step has a handler and a unique name, and every transition resolves.
func (p *Pipeline) Validate() error {
	if p.ID == "" {
		return &ConfigurationError{Reason: "pipeline ID is required"}
	}
	if len(p.Steps) == 0 {
		return &ConfigurationError{PipelineID: p.ID, Reason: "at least one step is required"}
	}
	if len(p.Exits) == 0 {
		return &ConfigurationError{PipelineID: p.ID, Reason: "at least one exit is required"}
	}
	if _, ok := p.Steps[p.EntryStep]; !ok {
		return &ConfigurationError{PipelineID: p.ID, Reason: fmt.Sprintf("entry step %q not found", p.EntryStep)}
	}
	for name, exit := range p.Exits {
		if exit.Name != name {
			return &ConfigurationError{PipelineID: p.ID, Reason: fmt.Sprintf("exit %q registered under name %q", exit.Name, name)}
		}
		if exit.State == "" {
			return &ConfigurationError{PipelineID: p.ID, Reason: fmt.Sprintf("exit %q has no state", name)}
		}
		if _, clash := p.Steps[name]; clash {
			return &ConfigurationError{PipelineID: p.ID, Reason: fmt.Sprintf("name %q is used by both a step and an exit", name)}
		}
	}
	if p.Transaction != nil && !p.Transaction.Propagation.Valid() {
		return &ConfigurationError{PipelineID: p.ID, Reason: fmt.Sprintf("unknown transaction propagation %q", p.Transaction.Propagation)}
	}
	if p.Lock != nil && !p.Lock.Disabled && p.Lock.ObjectID == "" {
		return &ConfigurationError{PipelineID: p.ID, Reason: "lock requires an objectId"}
	}

	for name, step := range p.Steps {
		if step == nil || step.Name != name {
			return &ConfigurationError{PipelineID: p.ID, Step: name, Reason: "step registered under a different name"}
		}
		if err := p.validateStep(step); err != nil {
			return err
		}
	}

	for _, aux := range p.auxiliarySteps() {
		if err := p.validateStep(aux); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) validateStep(step *Step) error {
	if step.Handler == nil {
		return &ConfigurationError{PipelineID: p.ID, Step: step.Name, Reason: "no handler bound"}
	}
	if step.MaxThreads < 0 {
		return &ConfigurationError{PipelineID: p.ID, Step: step.Name, Reason: "maxThreads must not be negative"}
	}
	if step.Transaction != nil && !step.Transaction.Propagation.Valid() {
		return &ConfigurationError{PipelineID: p.ID, Step: step.Name, Reason: fmt.Sprintf("unknown transaction propagation %q", step.Transaction.Propagation)}
	}
	if step.Lock != nil && !step.Lock.Disabled && step.Lock.ObjectID == "" {
		return &ConfigurationError{PipelineID: p.ID, Step: step.Name, Reason: "lock requires an objectId"}
	}
	for forward, target := range step.Forwards {
		if target == "" {
			return &ConfigurationError{PipelineID: p.ID, Step: step.Name, Reason: fmt.Sprintf("forward %q has no target", forward)}
		}
		if _, ok := p.Steps[target]; ok {
			continue
		}
		if _, ok := p.Exits[target]; ok {
			continue
		}
		return &ConfigurationError{PipelineID: p.ID, Step: step.Name, Reason: fmt.Sprintf("forward %q targets unknown step or exit %q", forward, target)}
	}
	return nil
}

func (p *Pipeline) auxiliarySteps() []*Step {
	var steps []*Step
	for _, s := range []*Step{p.InputValidator, p.InputWrapper, p.OutputValidator, p.OutputWrapper} {
		if s != nil {
			steps = append(steps, s)
		}
	}
	return steps
}

// QualifiedStepName is the stable process-wide name of a step, used to key
// statistics and concurrency permits.
func QualifiedStepName(pipelineID, stepName string) string {
	return pipelineID + "/" + stepName
}
