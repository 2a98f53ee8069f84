package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/settlement/internal/circuitbreaker"
	"github.com/mbd888/settlement/internal/logging"
	"github.com/mbd888/settlement/internal/metrics"
	"github.com/mbd888/settlement/internal/retry"
)

// Fanout delivers every event to each sink on its own goroutine, with a
// bounded retry and a circuit breaker per sink.
type Fanout struct {
	sinks   []Sink
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewFanout creates a fan-out over sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{
		sinks:   sinks,
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy: retry.Policy{
			Attempts:  3,
			BaseDelay: 100 * time.Millisecond,
			MaxDelay:  time.Second,
			Retryable: func(err error) bool { return !errors.Is(err, circuitbreaker.ErrOpen) },
		},
		timeout: 5 * time.Second,
	}
}

// Notify schedules delivery and returns immediately. The request context's
// values (logger, request id) are kept but its cancellation is not.
func (f *Fanout) Notify(ctx context.Context, ev Event) {
	base := context.WithoutCancel(ctx)
	for _, s := range f.sinks {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.deliver(base, s, ev)
		}()
	}
}

func (f *Fanout) deliver(ctx context.Context, s Sink, ev Event) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	err := retry.Do(ctx, f.policy, func(int) error {
		return f.breaker.Execute(s.Name(), func() error { return s.Deliver(ctx, ev) })
	})
	if err != nil {
		metrics.EventDeliveriesTotal.WithLabelValues(s.Name(), "failed").Inc()
		logging.L(ctx).Warn("event delivery failed",
			"sink", s.Name(), "event", string(ev.Type), "event_id", ev.ID, "error", err)
		return
	}
	metrics.EventDeliveriesTotal.WithLabelValues(s.Name(), "delivered").Inc()
}

// Close waits for in-flight deliveries or until ctx is done.
func (f *Fanout) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
