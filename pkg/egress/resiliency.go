package egress

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"
)

// ErrCircuitOpen is returned without contacting the endpoint while the
// breaker is open.
var ErrCircuitOpen = errors.New("egress: circuit breaker open")

// retryClient wraps http.Client with exponential backoff, jitter and a
// circuit breaker.
type retryClient struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
	breaker    *circuitBreaker
	propagator propagation.TextMapPropagator
}

func newRetryClient(hc *http.Client, maxRetries int, baseDelay time.Duration, breaker *circuitBreaker) *retryClient {
	return &retryClient{
		client:     hc,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		breaker:    breaker,
		propagator: propagation.TraceContext{},
	}
}

func retryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
}

// Do sends req, replaying its body from GetBody on each retry.
func (c *retryClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	c.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w (%s)", ErrCircuitOpen, c.breaker.name)
	}

	var resp *http.Response
	var err error
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 && req.GetBody != nil {
			body, gerr := req.GetBody()
			if gerr != nil {
				return nil, fmt.Errorf("egress: replay request body: %w", gerr)
			}
			req.Body = body
		}
		resp, err = c.client.Do(req)
		if !retryable(resp, err) {
			c.breaker.Success()
			return resp, nil
		}
		if i == c.maxRetries {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
		if serr := sleep(ctx, c.backoff(i)); serr != nil {
			c.breaker.Failure()
			return nil, serr
		}
	}

	c.breaker.Failure()
	return resp, err
}

// backoff is base * 2^attempt plus up to 50ms of jitter.
func (c *retryClient) backoff(attempt int) time.Duration {
	d := c.baseDelay << attempt
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// circuitBreaker opens after threshold consecutive failed calls and lets a
// single probe through once resetTimeout has passed.
type circuitBreaker struct {
	mu           sync.Mutex
	name         string
	failures     int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        breakerState
	now          func() time.Time
}

func newCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

func (cb *circuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *circuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = stateClosed
	cb.failures = 0
}

func (cb *circuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}
