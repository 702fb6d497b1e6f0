package billing

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the provider circuit breaker is open.
var ErrCircuitOpen = errors.New("billing provider circuit breaker is open")

// CircuitBreaker trips after consecutive upstream failures and lets a single
// trial call through once resetTimeout has elapsed. Other callers are
// rejected with ErrCircuitOpen until the trial call returns.
type CircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	trialInFlight       bool
	now                 func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewCircuitBreaker creates a closed circuit breaker. A threshold below 1 is treated as 1.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the circuit is open. Errors for which countable
// returns false (client errors, not-found) do not count as failures.
func (cb *CircuitBreaker) Execute(fn func() error, countable func(error) bool) error {
	cb.mu.Lock()
	state := cb.currentState()
	if state == StateOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	trial := false
	if state == StateHalfOpen {
		if cb.trialInFlight {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
		trial = true
		cb.changeState(StateHalfOpen)
	}
	cb.mu.Unlock()

	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		cb.failure(trial)
		return err
	}
	cb.success(trial)
	return err
}

func (cb *CircuitBreaker) success(trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialInFlight = false
	}

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *CircuitBreaker) failure(trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialInFlight = false
	}

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	if cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold {
		cb.changeState(StateOpen)
	} else if cb.state == StateHalfOpen {
		cb.changeState(StateOpen)
	}
}

func (cb *CircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// GuardedProvider routes every Provider call through a CircuitBreaker.
type GuardedProvider struct {
	provider Provider
	breaker  *CircuitBreaker
}

// NewGuardedProvider wraps p with cb.
func NewGuardedProvider(p Provider, cb *CircuitBreaker) *GuardedProvider {
	return &GuardedProvider{provider: p, breaker: cb}
}

func (g *GuardedProvider) Name() string { return g.provider.Name() }

func (g *GuardedProvider) ListProducts(ctx context.Context) ([]Product, error) {
	var out []Product
	err := g.breaker.Execute(func() error {
		var err error
		out, err = g.provider.ListProducts(ctx)
		return err
	}, IsUpstreamFailure)
	return out, err
}

func (g *GuardedProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	var out *CheckoutSession
	err := g.breaker.Execute(func() error {
		var err error
		out, err = g.provider.CreateCheckout(ctx, req)
		return err
	}, IsUpstreamFailure)
	return out, err
}

func (g *GuardedProvider) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	var out *Customer
	err := g.breaker.Execute(func() error {
		var err error
		out, err = g.provider.FindCustomerByEmail(ctx, email)
		return err
	}, IsUpstreamFailure)
	return out, err
}

func (g *GuardedProvider) CreatePortalSession(ctx context.Context, req PortalRequest) (*PortalSession, error) {
	var out *PortalSession
	err := g.breaker.Execute(func() error {
		var err error
		out, err = g.provider.CreatePortalSession(ctx, req)
		return err
	}, IsUpstreamFailure)
	return out, err
}

// IsUpstreamFailure reports whether err indicates the provider itself is
// unhealthy: transport errors and 5xx/429 responses. Not-found, cancelled
// requests and other 4xx responses are the caller's problem.
func IsUpstreamFailure(err error) bool {
	if err == nil || errors.Is(err, ErrCustomerNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == 429
	}
	return true
}
