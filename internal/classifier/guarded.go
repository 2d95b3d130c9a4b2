package classifier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/madeinoz67/madeinoz-knowledge-system/internal/metrics"
)

// Fallback reasons reported to metrics.
const (
	ReasonTimeout     = "timeout"
	ReasonCircuitOpen = "circuit_open"
	ReasonRateLimited = "rate_limited"
	ReasonError       = "error"
)

// GuardConfig bounds calls to a classifier backend.
type GuardConfig struct {
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxFailures        uint32        `mapstructure:"max_failures"`
	OpenDuration       time.Duration `mapstructure:"open_duration"`
	HalfOpenMaxSuccess uint32        `mapstructure:"half_open_max_success"`
	RatePerSecond      float64       `mapstructure:"rate_per_second"`
	Burst              int           `mapstructure:"burst"`
}

// DefaultGuardConfig returns the default guard settings.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:            5 * time.Second,
		MaxFailures:        3,
		OpenDuration:       30 * time.Second,
		HalfOpenMaxSuccess: 2,
		RatePerSecond:      5,
		Burst:              10,
	}
}

// Guarded wraps a backend with a timeout, circuit breaker and rate limit. It
// always answers: any failure yields the default (3,3) classification, so
// ingestion never blocks on the backend.
type Guarded struct {
	next    Classifier
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	metrics *metrics.Manager
	logger  *slog.Logger
}

// NewGuarded wraps next with the configured protections.
func NewGuarded(next Classifier, cfg GuardConfig, m *metrics.Manager, logger *slog.Logger) *Guarded {
	def := DefaultGuardConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = def.OpenDuration
	}
	if cfg.HalfOpenMaxSuccess == 0 {
		cfg.HalfOpenMaxSuccess = def.HalfOpenMaxSuccess
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	g := &Guarded{
		next:    next,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		logger:  logger,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "classifier",
		MaxRequests: cfg.HalfOpenMaxSuccess,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("classifier circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

// Classify never returns an error.
func (g *Guarded) Classify(ctx context.Context, content string) (Classification, error) {
	if !g.limiter.Allow() {
		return g.fallback(ReasonRateLimited, nil), nil
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.breaker.Execute(func() (any, error) {
		c, err := g.next.Classify(cctx, content)
		if err != nil {
			return nil, err
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return g.fallback(ReasonCircuitOpen, err), nil
		case errors.Is(err, context.DeadlineExceeded):
			return g.fallback(ReasonTimeout, err), nil
		default:
			return g.fallback(ReasonError, err), nil
		}
	}
	return out.(Classification), nil
}

// State reports the breaker state: closed, half-open or open.
func (g *Guarded) State() string {
	return g.breaker.State().String()
}

func (g *Guarded) fallback(reason string, err error) Classification {
	g.metrics.RecordClassifierFallback(reason)
	g.logger.Warn("classifier unavailable, using default importance and stability", "reason", reason, "error", err)
	out := Default()
	out.Fallback = true
	out.Reason = reason
	return out
}
