// health.go derives a per-source health status from call outcomes.
//
// Each client owns a tracker that wraps outbound calls in a circuit
// breaker and keeps a trailing window of results. The status rolls up
// three inputs: breaker state, trailing error rate, and age of the last
// successful call, with rate-limiter saturation reported alongside.
package source

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"polymarket-lab/internal/ratelimit"
	"polymarket-lab/pkg/types"
)

const (
	healthWindow    = 20               // trailing calls used for the error rate
	maxSuccessAge   = 5 * time.Minute  // older last-success marks the source degraded
	degradedErrRate = 0.5              // trailing error rate at or above this is degraded
	breakerTripRate = 0.6              // breaker opens at this failure rate over >= 5 calls
	breakerCooldown = 30 * time.Second // open -> half-open probe delay
)

// HealthReport is the per-dependency entry served by the health endpoint.
type HealthReport struct {
	Source     string             `json:"source"`
	Status     types.HealthStatus `json:"status"`
	LastCheck  time.Time          `json:"last_check"`
	ErrorRate  float64            `json:"error_rate"`
	Saturation float64            `json:"saturation"`
}

// tracker records call outcomes for one source and answers health queries.
type tracker struct {
	source  string
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker

	mu          sync.Mutex
	window      [healthWindow]bool // true = failure
	count       int
	idx         int
	lastSuccess time.Time
	lastCall    time.Time
}

func newTracker(source string, limiter *ratelimit.Limiter, logger *slog.Logger) *tracker {
	t := &tracker{source: source, limiter: limiter}
	t.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        source,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= 5 && float64(c.TotalFailures)/float64(c.Requests) >= breakerTripRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("source circuit state change",
				"source", name, "from", from.String(), "to", to.String())
		},
	})
	return t
}

// do runs fn through the circuit breaker and records the outcome.
// An open breaker short-circuits the call into an Unavailable error.
func (t *tracker) do(fn func() error) error {
	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = newError(t.source, KindUnavailable, err)
	}
	t.record(err)
	return err
}

func (t *tracker) record(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window[t.idx] = err != nil
	t.idx = (t.idx + 1) % healthWindow
	if t.count < healthWindow {
		t.count++
	}
	now := time.Now()
	t.lastCall = now
	if err == nil {
		t.lastSuccess = now
	}
}

// errorRateLocked is the failure share over the trailing window.
func (t *tracker) errorRateLocked() float64 {
	if t.count == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < t.count; i++ {
		if t.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(t.count)
}

// Status rolls the breaker state, trailing error rate, last-success age,
// and limiter saturation into one classification.
func (t *tracker) Status() types.HealthStatus {
	if t.breaker.State() == gobreaker.StateOpen {
		return types.StatusDown
	}

	t.mu.Lock()
	rate := t.errorRateLocked()
	count := t.count
	lastSuccess := t.lastSuccess
	t.mu.Unlock()

	if count >= 5 && lastSuccess.IsZero() {
		return types.StatusDown
	}
	if rate >= degradedErrRate {
		return types.StatusDegraded
	}
	if !lastSuccess.IsZero() && time.Since(lastSuccess) > maxSuccessAge {
		return types.StatusDegraded
	}
	if t.limiter != nil && t.limiter.Paused(t.source) {
		return types.StatusDegraded
	}
	return types.StatusHealthy
}

// Healthy is the single-bit view of Status.
func (t *tracker) Healthy() bool {
	return t.Status() == types.StatusHealthy
}

// Report snapshots the tracker for the health endpoint.
func (t *tracker) Report() HealthReport {
	t.mu.Lock()
	lastCall := t.lastCall
	rate := t.errorRateLocked()
	t.mu.Unlock()

	var sat float64
	if t.limiter != nil {
		sat = t.limiter.Saturation(t.source)
	}
	return HealthReport{
		Source:     t.source,
		Status:     t.Status(),
		LastCheck:  lastCall,
		ErrorRate:  rate,
		Saturation: sat,
	}
}
