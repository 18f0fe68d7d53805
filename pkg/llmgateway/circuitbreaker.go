package llmgateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stackforge/pkg/logx"
)

// CircuitState is one provider's health as tracked by circuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig tunes when a provider is given up on and how long
// before it's tried again.
type CircuitBreakerConfig struct {
	FailureThreshold   int
	SuccessThreshold   int
	Timeout            time.Duration
	MaxConcurrentCalls int
}

// DefaultCircuitBreakerConfig matches the teacher's own tuning for LLM
// backends: five failures opens the circuit, three successes in
// half-open closes it again, thirty seconds before the first probe.
var DefaultCircuitBreakerConfig = CircuitBreakerConfig{
	FailureThreshold:   5,
	SuccessThreshold:   3,
	Timeout:            30 * time.Second,
	MaxConcurrentCalls: 3,
}

// circuitBreakerError is returned by allowRequest when the circuit is open.
type circuitBreakerError struct {
	provider string
	state    CircuitState
}

func (e *circuitBreakerError) Error() string {
	return fmt.Sprintf("provider %s circuit breaker is %s", e.provider, e.state)
}

// circuitBreakerProvider wraps a Provider with the standard
// closed/open/half-open failure-isolation pattern, so a provider that
// starts erroring stops being tried (and retried) on every single
// request and gets a cool-down window instead.
type circuitBreakerProvider struct {
	inner  Provider
	config CircuitBreakerConfig
	logger *logx.Logger

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailureTime time.Time
}

func newCircuitBreakerProvider(inner Provider, cfg CircuitBreakerConfig, logger *logx.Logger) *circuitBreakerProvider {
	return &circuitBreakerProvider{inner: inner, config: cfg, logger: logger, state: CircuitClosed}
}

func (cb *circuitBreakerProvider) Name() string { return cb.inner.Name() }

func (cb *circuitBreakerProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := cb.allowRequest(); err != nil {
		return ChatResponse{}, err
	}

	resp, err := cb.inner.Chat(ctx, req)
	cb.recordResult(err == nil)
	if err != nil {
		return resp, fmt.Errorf("%s: %w", cb.inner.Name(), err)
	}
	return resp, nil
}

func (cb *circuitBreakerProvider) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Timeout {
			cb.state = CircuitHalfOpen
			cb.halfOpenCalls = 0
			cb.successCount = 0
			return nil
		}
		return &circuitBreakerError{provider: cb.inner.Name(), state: CircuitOpen}
	case CircuitHalfOpen:
		if cb.halfOpenCalls >= cb.config.MaxConcurrentCalls {
			return &circuitBreakerError{provider: cb.inner.Name(), state: CircuitHalfOpen}
		}
		cb.halfOpenCalls++
		return nil
	default:
		return &circuitBreakerError{provider: cb.inner.Name(), state: cb.state}
	}
}

func (cb *circuitBreakerProvider) recordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.halfOpenCalls--
	}
	if success {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *circuitBreakerProvider) onSuccess() {
	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *circuitBreakerProvider) onFailure() {
	cb.failureCount++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
			if cb.logger != nil {
				cb.logger.Warn("circuit breaker opened for provider %s after %d failures", cb.inner.Name(), cb.failureCount)
			}
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.successCount = 0
		if cb.logger != nil {
			cb.logger.Warn("circuit breaker reopened for provider %s from half-open", cb.inner.Name())
		}
	}
}

// State reports the current circuit state, used by the observability RPC.
func (cb *circuitBreakerProvider) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
