// Package breaker provides named circuit breakers shared by every
// component that talks to an external dependency (chain RPC, order
// store, cache). One breaker instance exists per dependency name and
// its state is shared across all callers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nilelink/settlement-service/internal/alerting"
	"github.com/nilelink/settlement-service/internal/domain/entities"
	"github.com/nilelink/settlement-service/pkg/logger"
	"github.com/nilelink/settlement-service/pkg/metrics"
)

// Well-known dependency names
const (
	DepChainRPC   = "chain-rpc"
	DepOrderStore = "order-store"
	DepCache      = "cache"
)

// ErrCircuitOpen is returned when a breaker rejects a call without
// invoking the wrapped operation.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config holds the thresholds applied to every breaker in the registry
type Config struct {
	// FailureThreshold consecutive failures within MonitoringPeriod trip
	// the breaker from CLOSED to OPEN.
	FailureThreshold uint32
	// SuccessThreshold consecutive successes close a HALF_OPEN breaker.
	SuccessThreshold uint32
	// RecoveryTimeout is how long an OPEN breaker rejects calls before
	// the next call transitions it to HALF_OPEN.
	RecoveryTimeout time.Duration
	// MonitoringPeriod is the rolling window after which a CLOSED
	// breaker's failure count resets.
	MonitoringPeriod time.Duration
	// CallTimeout bounds each wrapped call so a hung dependency cannot
	// stall the breaker's bookkeeping.
	CallTimeout time.Duration
	// SweepInterval is how often idle breakers are re-evaluated.
	SweepInterval time.Duration
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		MonitoringPeriod: 5 * time.Minute,
		CallTimeout:      15 * time.Second,
		SweepInterval:    30 * time.Second,
	}
}

// Manager is the registry of named breakers
type Manager struct {
	config   Config
	logger   *logger.Logger
	alerts   *alerting.Dispatcher
	metrics  *metrics.Metrics
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a breaker registry. alerts and m may be nil.
func NewManager(config Config, log *logger.Logger, alerts *alerting.Dispatcher, m *metrics.Metrics) *Manager {
	if config.FailureThreshold == 0 {
		config = DefaultConfig()
	}
	return &Manager{
		config:   config,
		logger:   log,
		alerts:   alerts,
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		stopCh:   make(chan struct{}),
	}
}

// Execute runs op through the breaker registered under name. When the
// breaker is OPEN the operation is not invoked and ErrCircuitOpen is
// returned. Each call carries its own timeout derived from ctx.
func (mgr *Manager) Execute(ctx context.Context, name string, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	cb := mgr.breaker(name)

	result, err := cb.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, mgr.config.CallTimeout)
		defer cancel()
		return op(callCtx)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, name)
		}
		return nil, err
	}
	return result, nil
}

// State returns the current state of the named breaker
func (mgr *Manager) State(name string) gobreaker.State {
	return mgr.breaker(name).State()
}

// breaker returns the breaker for name, creating it on first use
func (mgr *Manager) breaker(name string) *gobreaker.CircuitBreaker {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if cb, ok := mgr.breakers[name]; ok {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: mgr.config.SuccessThreshold,
		Interval:    mgr.config.MonitoringPeriod,
		Timeout:     mgr.config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= mgr.config.FailureThreshold
		},
		OnStateChange: mgr.onStateChange,
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	mgr.breakers[name] = cb
	return cb
}

func (mgr *Manager) onStateChange(name string, from, to gobreaker.State) {
	mgr.logger.Info("Circuit breaker state changed",
		"dependency", name,
		"from", from.String(),
		"to", to.String(),
	)

	mgr.recordState(name, to)

	if to == gobreaker.StateOpen && mgr.alerts != nil {
		mgr.alerts.Emit(context.Background(), entities.NewAlert(
			entities.AlertBreakerOpen,
			fmt.Sprintf("circuit breaker for %s opened", name),
			map[string]string{"dependency": name, "previous_state": from.String()},
		))
	}
}

func (mgr *Manager) recordState(name string, state gobreaker.State) {
	if mgr.metrics == nil {
		return
	}
	var v float64
	switch state {
	case gobreaker.StateOpen:
		v = 1
	case gobreaker.StateHalfOpen:
		v = 0.5
	}
	mgr.metrics.BreakerState.WithLabelValues(name).Set(v)
}

// StartSweep launches the background sweep that re-evaluates idle
// breakers: it promotes stale OPEN breakers whose cooldown elapsed and
// lets CLOSED breakers age out stale failure counts even when no
// traffic arrives to trigger the transition naturally.
func (mgr *Manager) StartSweep() {
	mgr.wg.Add(1)
	go func() {
		defer mgr.wg.Done()
		ticker := time.NewTicker(mgr.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-mgr.stopCh:
				return
			case <-ticker.C:
				mgr.sweep()
			}
		}
	}()
}

// sweep polls every breaker's state, which advances expired OPEN
// cooldowns and rolls the CLOSED monitoring window inside gobreaker.
func (mgr *Manager) sweep() {
	mgr.mu.Lock()
	names := make([]string, 0, len(mgr.breakers))
	for name := range mgr.breakers {
		names = append(names, name)
	}
	mgr.mu.Unlock()

	for _, name := range names {
		mgr.recordState(name, mgr.breaker(name).State())
	}
}

// Shutdown stops the background sweep
func (mgr *Manager) Shutdown(timeout time.Duration) error {
	mgr.stopOnce.Do(func() { close(mgr.stopCh) })

	done := make(chan struct{})
	go func() {
		mgr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("breaker sweep shutdown timeout exceeded")
	}
}
