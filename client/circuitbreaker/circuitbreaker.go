package circuitbreaker

import (
	"errors"
	"time"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned by Execute when the breaker rejects the call
// without attempting it. It covers both the open state and the rejection of
// extra callers while a half-open trial is already in flight.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreaker guards calls to the remote statistical API. Only failures
// attributable to the remote side may be returned from fn; client-side
// errors must be kept aside by the caller and fn must return nil for them,
// so they never count toward tripping the breaker.
type CircuitBreaker interface {
	Execute(fn func() error) error
	State() string
	IsOpen() bool
}

type Opt func(*cfg)

func WithCooldown(cooldown time.Duration) Opt {
	return func(cfg *cfg) {
		cfg.cooldown = cooldown
	}
}

func WithConsecutiveFailures(consecutiveFailures int) Opt {
	return func(cfg *cfg) {
		cfg.consecutiveFailures = consecutiveFailures
	}
}

func WithLogger(log logger.Logger) Opt {
	return func(cfg *cfg) {
		cfg.log = log
	}
}

func WithStats(statsFactory stats.Stats) Opt {
	return func(cfg *cfg) {
		cfg.statsFactory = statsFactory
	}
}

type cfg struct {
	name                string
	cooldown            time.Duration
	consecutiveFailures int
	log                 logger.Logger
	statsFactory        stats.Stats
}

func NewCircuitBreaker(name string, opts ...Opt) CircuitBreaker {
	cfg := &cfg{
		name:                name,
		cooldown:            30 * time.Second,
		consecutiveFailures: 5,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &circuitBreaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1, // a single trial call while half-open
			Interval:    0,
			Timeout:     cfg.cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.consecutiveFailures)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if cfg.log != nil {
					cfg.log.Infon("circuit breaker state changed",
						logger.NewStringField("name", name),
						logger.NewStringField("from", from.String()),
						logger.NewStringField("to", to.String()),
					)
				}
				if cfg.statsFactory != nil {
					cfg.statsFactory.NewTaggedStat("stat_api_breaker_transitions", stats.CountType, stats.Tags{
						"name": name,
						"from": from.String(),
						"to":   to.String(),
					}).Increment()
				}
			},
		}),
	}
}

type circuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// Execute runs fn under the breaker. State mutation is serialized inside
// gobreaker, so concurrent failures cannot double-trip and at most one
// half-open trial is in flight at a time.
func (cb *circuitBreaker) Execute(fn func() error) error {
	_, err := cb.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

func (cb *circuitBreaker) State() string {
	return cb.cb.State().String()
}

func (cb *circuitBreaker) IsOpen() bool {
	return cb.cb.State() == gobreaker.StateOpen
}
