package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/polisai/conduit/pkg/domain"
)

const ordersPipelines = `
generation: 3
pipelines:
  - id: orders
    version: 2
    messageSizeWarn: 1024
    messageSizeError: 8192
    commitOnState: success
    transaction:
      propagation: REQUIRED
      timeout: 2s
    lock:
      objectId: orders
      expiry: 30s
      retryDelay: 50ms
      numRetries: 3
    inputValidator:
      name: validate
      type: policy.opa
      forwards:
        invalid: reject
    steps:
      - name: parse
        type: echo
        maxThreads: 4
        durationThreshold: 250ms
        forwards:
          success: price
          exception: reject
      - name: price
        type: fixed@v1
        config:
          value: "42"
        cache:
          key: session.customer
          transform: upper
        circuitBreaker:
          window: 10s
          failureRateThreshold: 50
          minSamples: 5
          openTimeout: 5s
        retry:
          maxAttempts: 3
          baseDelay: 10ms
          maxDelay: 100ms
        getInputFromSessionKey: order
        storeResultInSessionKey: price
        preserveInput: true
        forwards:
          success: done
      - name: reject
        type: fail
        forwards:
          success: failed
    exits:
      - name: done
        state: success
        code: 200
      - name: failed
        state: error
        code: 422
`

func decodeSnapshot(t *testing.T, src string) Snapshot {
	t.Helper()
	var s Snapshot
	require.NoError(t, yaml.Unmarshal([]byte(src), &s))
	return s
}

func TestSnapshotToDomain(t *testing.T) {
	out, err := decodeSnapshot(t, ordersPipelines).ToDomain()
	require.NoError(t, err)
	assert.EqualValues(t, 3, out.Generation)
	require.Len(t, out.Pipelines, 1)

	p := out.Pipelines[0]
	assert.Equal(t, "orders", p.ID)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, "parse", p.EntryStep, "entry defaults to the first step")
	assert.EqualValues(t, 1024, p.MessageSizeWarn)
	assert.Equal(t, &domain.TransactionSpec{Propagation: domain.PropagationRequired, Timeout: 2 * time.Second}, p.Transaction)
	assert.Equal(t, &domain.LockSpec{ObjectID: "orders", Expiry: 30 * time.Second, RetryDelay: 50 * time.Millisecond, NumRetries: 3}, p.Lock)
	require.NotNil(t, p.InputValidator)
	assert.Equal(t, "reject", p.InputValidator.Forwards["invalid"])
	assert.Equal(t, domain.Exit{Name: "failed", State: domain.StateError, Code: 422}, p.Exits["failed"])

	parse := p.Steps["parse"]
	assert.Equal(t, 4, parse.MaxThreads)
	assert.Equal(t, 250*time.Millisecond, parse.DurationThreshold)
	assert.Equal(t, "reject", parse.Forwards[domain.ForwardException])

	price := p.Steps["price"]
	assert.Equal(t, "fixed@v1", price.Type)
	assert.Equal(t, "42", price.Config["value"])
	assert.Equal(t, &domain.CircuitBreakerSpec{Window: 10 * time.Second, FailureRateThreshold: 50, MinSamples: 5, OpenTimeout: 5 * time.Second}, price.CircuitBreaker)
	assert.Equal(t, &domain.RetrySpec{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}, price.Retry)
	assert.Equal(t, "order", price.GetInputFromSessionKey)
	assert.True(t, price.PreserveInput)

	require.NotNil(t, price.Cache)
	session := domain.NewSession("", "")
	_, ok := price.Cache.KeyFunc("ignored", session)
	assert.False(t, ok, "missing session value bypasses the cache")
	session.Set("customer", "acme")
	key, ok := price.Cache.KeyFunc("ignored", session)
	assert.True(t, ok)
	assert.Equal(t, "acme", key)
	transformed, err := price.Cache.ValueTransform("abc")
	require.NoError(t, err)
	assert.Equal(t, domain.Message("ABC"), transformed)
}

func TestMessageCacheKey(t *testing.T) {
	spec := &CacheSpec{Key: "message"}
	cache, err := spec.toDomain()
	require.NoError(t, err)
	key, ok := cache.KeyFunc("payload", nil)
	assert.True(t, ok)
	assert.Equal(t, "payload", key)
	assert.Nil(t, cache.ValueTransform)
}

func TestPipelineSpecRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		spec PipelineSpec
	}{
		{
			name: "duplicate step",
			spec: PipelineSpec{ID: "p", Steps: []StepSpec{{Name: "a"}, {Name: "a"}}},
		},
		{
			name: "unnamed step",
			spec: PipelineSpec{ID: "p", Steps: []StepSpec{{Type: "echo"}}},
		},
		{
			name: "duplicate exit",
			spec: PipelineSpec{ID: "p", Exits: []ExitSpec{{Name: "x", State: "success"}, {Name: "x", State: "error"}}},
		},
		{
			name: "bad duration",
			spec: PipelineSpec{ID: "p", Steps: []StepSpec{{Name: "a", DurationThreshold: "soon"}}},
		},
		{
			name: "unknown propagation",
			spec: PipelineSpec{ID: "p", Transaction: &TransactionSpec{Propagation: "sometimes"}},
		},
		{
			name: "bad cache key",
			spec: PipelineSpec{ID: "p", Cache: &CacheSpec{Key: "header.x"}},
		},
		{
			name: "bad cache transform",
			spec: PipelineSpec{ID: "p", Cache: &CacheSpec{Key: "message", Transform: "rot13"}},
		},
		{
			name: "retry without attempts",
			spec: PipelineSpec{ID: "p", Steps: []StepSpec{{Name: "a", Retry: &RetrySpec{}}}},
		},
		{
			name: "breaker threshold over 100",
			spec: PipelineSpec{ID: "p", Steps: []StepSpec{{Name: "a", CircuitBreaker: &CircuitBreakerSpec{FailureRateThreshold: 150}}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.spec.ToDomain()
			require.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}
}
