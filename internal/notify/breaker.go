package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerSettings configure BreakerSink.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// BreakerSink stops calling a failing sink for a while. While open, pushes
// fail fast with gobreaker.ErrOpenState and end up in the spool.
type BreakerSink struct {
	next Sink
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerSink wraps next in a circuit breaker.
func NewBreakerSink(next Sink, cfg BreakerSettings, log zerolog.Logger) *BreakerSink {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("sink", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Notification sink breaker state changed")
		},
	}
	return &BreakerSink{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerSink) Name() string { return b.next.Name() }

func (b *BreakerSink) Push(ctx context.Context, msg Message) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Push(ctx, msg)
	})
	return err
}

// State reports the breaker state.
func (b *BreakerSink) State() gobreaker.State {
	return b.cb.State()
}
