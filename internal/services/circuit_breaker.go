package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrBreakerOpen is returned without calling the provider while the breaker is open.
var ErrBreakerOpen = errors.New("provider breaker is open")

// BreakerState represents the current state of a provider breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns the lower-case state name used in logs and the health endpoint.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds configuration for a provider breaker
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	SuccessThreshold int           `json:"success_threshold"` // Successes to close from half-open
	Cooldown         time.Duration `json:"cooldown"`          // Time to wait before trying half-open
	MaxRequests      int           `json:"max_requests"`      // Concurrent calls allowed in half-open
	ResetTimeout     time.Duration `json:"reset_timeout"`     // Quiet period that clears the failure count
}

// DefaultBreakerConfig is used for the sentiment and event providers.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Cooldown:         60 * time.Second,
		MaxRequests:      1,
		ResetTimeout:     300 * time.Second,
	}
}

// BreakerStats holds statistics for a provider breaker
type BreakerStats struct {
	State              string    `json:"state"`
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	RejectedRequests   int64     `json:"rejected_requests"`
	LastFailureTime    time.Time `json:"last_failure_time"`
	LastSuccessTime    time.Time `json:"last_success_time"`
	StateChanges       int64     `json:"state_changes"`
}

// ProviderBreaker isolates a flaky external provider. While open, calls
// short-circuit with ErrBreakerOpen so the caller can substitute its
// neutral default immediately.
type ProviderBreaker struct {
	name            string
	config          BreakerConfig
	logger          *logrus.Logger
	now             func() time.Time
	mu              sync.Mutex
	state           BreakerState
	failureCount    int
	successCount    int
	inFlight        int
	lastFailureTime time.Time
	lastStateChange time.Time
	stats           BreakerStats
}

// NewProviderBreaker creates a breaker, filling zero config fields with defaults.
func NewProviderBreaker(name string, config BreakerConfig, logger *logrus.Logger) *ProviderBreaker {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = def.MaxRequests
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}

	return &ProviderBreaker{
		name:            name,
		config:          config,
		logger:          logger,
		now:             time.Now,
		state:           BreakerClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn under breaker protection. The lock is not held while fn
// runs, so slow providers do not serialize callers.
func (b *ProviderBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	b.stats.TotalRequests++
	if !b.allow() {
		b.stats.RejectedRequests++
		state := b.state
		b.mu.Unlock()
		b.logger.WithFields(logrus.Fields{
			"component": "provider_breaker",
			"provider":  b.name,
			"state":     state.String(),
		}).Debug("Provider breaker open, short-circuiting call")
		return ErrBreakerOpen
	}
	probing := b.state == BreakerHalfOpen
	if probing {
		b.inFlight++
	}
	b.mu.Unlock()

	start := b.now()
	err := fn(ctx)
	duration := b.now().Sub(start)

	b.mu.Lock()
	defer b.mu.Unlock()
	if probing {
		b.inFlight--
	}
	if err != nil {
		b.onFailure(err, duration)
	} else {
		b.onSuccess()
	}
	return err
}

// allow must be called with b.mu held.
func (b *ProviderBreaker) allow() bool {
	now := b.now()

	switch b.state {
	case BreakerClosed:
		if !b.lastFailureTime.IsZero() && now.Sub(b.lastFailureTime) > b.config.ResetTimeout {
			b.failureCount = 0
		}
		return true
	case BreakerOpen:
		if now.Sub(b.lastStateChange) >= b.config.Cooldown {
			b.setState(BreakerHalfOpen)
			b.successCount = 0
			b.inFlight = 0
			return true
		}
		return false
	case BreakerHalfOpen:
		return b.inFlight < b.config.MaxRequests
	default:
		return false
	}
}

func (b *ProviderBreaker) onSuccess() {
	b.stats.SuccessfulRequests++
	b.stats.LastSuccessTime = b.now()

	switch b.state {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.setState(BreakerClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

func (b *ProviderBreaker) onFailure(err error, duration time.Duration) {
	now := b.now()
	b.stats.FailedRequests++
	b.stats.LastFailureTime = now
	b.lastFailureTime = now

	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.setState(BreakerOpen)
		}
	case BreakerHalfOpen:
		// a single failed trial call reopens the breaker
		b.failureCount++
		b.successCount = 0
		b.setState(BreakerOpen)
	}

	b.logger.WithFields(logrus.Fields{
		"component":     "provider_breaker",
		"provider":      b.name,
		"state":         b.state.String(),
		"duration_ms":   duration.Milliseconds(),
		"failure_count": b.failureCount,
	}).WithError(err).Warn("Provider call failed")
}

func (b *ProviderBreaker) setState(newState BreakerState) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState
	b.lastStateChange = b.now()
	b.stats.StateChanges++

	b.logger.WithFields(logrus.Fields{
		"component":     "provider_breaker",
		"provider":      b.name,
		"old_state":     oldState.String(),
		"new_state":     newState.String(),
		"failure_count": b.failureCount,
	}).Info("Provider breaker state changed")
}

// Name returns the provider name the breaker guards.
func (b *ProviderBreaker) Name() string {
	return b.name
}

// State returns the current state of the breaker
func (b *ProviderBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a copy of the current statistics
func (b *ProviderBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := b.stats
	stats.State = b.state.String()
	return stats
}

// Reset manually returns the breaker to the closed state
func (b *ProviderBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setState(BreakerClosed)
	b.failureCount = 0
	b.successCount = 0
	b.inFlight = 0
}

// BreakerRegistry hands out one breaker per provider name
type BreakerRegistry struct {
	breakers map[string]*ProviderBreaker
	logger   *logrus.Logger
	mu       sync.RWMutex
}

// NewBreakerRegistry creates an empty registry
func NewBreakerRegistry(logger *logrus.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*ProviderBreaker),
		logger:   logger,
	}
}

// GetOrCreate gets an existing breaker or creates a new one
func (r *BreakerRegistry) GetOrCreate(name string, config BreakerConfig) *ProviderBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if breaker, exists := r.breakers[name]; exists {
		return breaker
	}
	breaker := NewProviderBreaker(name, config, r.logger)
	r.breakers[name] = breaker
	return breaker
}

// AllStats returns statistics for every registered breaker
func (r *BreakerRegistry) AllStats() map[string]BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]BreakerStats, len(r.breakers))
	for name, breaker := range r.breakers {
		stats[name] = breaker.Stats()
	}
	return stats
}

// ResetAll resets every registered breaker
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, breaker := range r.breakers {
		breaker.Reset()
	}
}
