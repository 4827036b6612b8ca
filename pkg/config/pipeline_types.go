package config

// PipelineSpec is the file representation of a pipeline.
type PipelineSpec struct {
	ID        string     `json:"id" yaml:"id"`
	Version   int        `json:"version" yaml:"version"`
	EntryStep string     `json:"entryStep" yaml:"entryStep"`
	Steps     []StepSpec `json:"steps" yaml:"steps"`
	Exits     []ExitSpec `json:"exits" yaml:"exits"`

	InputValidator  *StepSpec `json:"inputValidator,omitempty" yaml:"inputValidator,omitempty"`
	InputWrapper    *StepSpec `json:"inputWrapper,omitempty" yaml:"inputWrapper,omitempty"`
	OutputValidator *StepSpec `json:"outputValidator,omitempty" yaml:"outputValidator,omitempty"`
	OutputWrapper   *StepSpec `json:"outputWrapper,omitempty" yaml:"outputWrapper,omitempty"`

	MessageSizeWarn  int64 `json:"messageSizeWarn,omitempty" yaml:"messageSizeWarn,omitempty"`
	MessageSizeError int64 `json:"messageSizeError,omitempty" yaml:"messageSizeError,omitempty"`

	CommitOnState string           `json:"commitOnState,omitempty" yaml:"commitOnState,omitempty"`
	Transaction   *TransactionSpec `json:"transaction,omitempty" yaml:"transaction,omitempty"`
	Lock          *LockSpec        `json:"lock,omitempty" yaml:"lock,omitempty"`
	Cache         *CacheSpec       `json:"cache,omitempty" yaml:"cache,omitempty"`
}

// StepSpec is the file representation of a step. Durations use Go syntax ("250ms").
type StepSpec struct {
	Name     string            `json:"name" yaml:"name"`
	Type     string            `json:"type" yaml:"type"`
	Config   map[string]any    `json:"config,omitempty" yaml:"config,omitempty"`
	Forwards map[string]string `json:"forwards,omitempty" yaml:"forwards,omitempty"`

	MaxThreads        int                 `json:"maxThreads,omitempty" yaml:"maxThreads,omitempty"`
	DurationThreshold string              `json:"durationThreshold,omitempty" yaml:"durationThreshold,omitempty"`
	Lock              *LockSpec           `json:"lock,omitempty" yaml:"lock,omitempty"`
	Transaction       *TransactionSpec    `json:"transaction,omitempty" yaml:"transaction,omitempty"`
	Cache             *CacheSpec          `json:"cache,omitempty" yaml:"cache,omitempty"`
	CircuitBreaker    *CircuitBreakerSpec `json:"circuitBreaker,omitempty" yaml:"circuitBreaker,omitempty"`
	Retry             *RetrySpec          `json:"retry,omitempty" yaml:"retry,omitempty"`

	GetInputFromSessionKey  string  `json:"getInputFromSessionKey,omitempty" yaml:"getInputFromSessionKey,omitempty"`
	GetInputFromFixedValue  *string `json:"getInputFromFixedValue,omitempty" yaml:"getInputFromFixedValue,omitempty"`
	StoreResultInSessionKey string  `json:"storeResultInSessionKey,omitempty" yaml:"storeResultInSessionKey,omitempty"`
	PreserveInput           bool    `json:"preserveInput,omitempty" yaml:"preserveInput,omitempty"`
}

// ExitSpec is the file representation of an exit.
type ExitSpec struct {
	Name  string `json:"name" yaml:"name"`
	State string `json:"state" yaml:"state"`
	Code  int    `json:"code,omitempty" yaml:"code,omitempty"`
}

// TransactionSpec configures a transactional boundary.
type TransactionSpec struct {
	Propagation string `json:"propagation" yaml:"propagation"`
	Timeout     string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// LockSpec configures a lock around a step or a pipeline.
type LockSpec struct {
	ObjectID   string `json:"objectId" yaml:"objectId"`
	Expiry     string `json:"expiry,omitempty" yaml:"expiry,omitempty"`
	RetryDelay string `json:"retryDelay,omitempty" yaml:"retryDelay,omitempty"`
	NumRetries int    `json:"numRetries,omitempty" yaml:"numRetries,omitempty"`
	Disabled   bool   `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// CacheSpec configures result caching. Key is "message" for the raw input or
// "session.<key>" for a session value. Transform is one of trim, lower, upper.
type CacheSpec struct {
	Key       string `json:"key" yaml:"key"`
	Transform string `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// CircuitBreakerSpec configures a per-step circuit breaker.
type CircuitBreakerSpec struct {
	Window               string `json:"window,omitempty" yaml:"window,omitempty"`
	FailureRateThreshold int    `json:"failureRateThreshold,omitempty" yaml:"failureRateThreshold,omitempty"`
	MinSamples           int    `json:"minSamples,omitempty" yaml:"minSamples,omitempty"`
	OpenTimeout          string `json:"openTimeout,omitempty" yaml:"openTimeout,omitempty"`
}

// RetrySpec configures bounded retries of a step.
type RetrySpec struct {
	MaxAttempts int    `json:"maxAttempts" yaml:"maxAttempts"`
	BaseDelay   string `json:"baseDelay,omitempty" yaml:"baseDelay,omitempty"`
	MaxDelay    string `json:"maxDelay,omitempty" yaml:"maxDelay,omitempty"`
}
