package limiter

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/metrics"
)

// DefaultSize bounds simultaneous outbound calls to slow upstreams.
const DefaultSize = 6

// Limiter is a FIFO-fair bounded queue for outbound calls. It is not tied
// to any provider; share one instance between everything that must respect
// the same bound.
type Limiter struct {
	name     string
	size     int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	waiting  atomic.Int64
}

func New(name string, size int) *Limiter {
	if size <= 0 {
		size = DefaultSize
	}
	return &Limiter{
		name: name,
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Do waits for a free slot and runs fn with it. A cancelled ctx while queued
// returns ctx.Err() without running fn.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	l.waiting.Add(1)
	err := l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return err
	}
	metrics.LimiterInFlight.WithLabelValues(l.name).Set(float64(l.inFlight.Add(1)))
	defer func() {
		metrics.LimiterInFlight.WithLabelValues(l.name).Set(float64(l.inFlight.Add(-1)))
		l.sem.Release(1)
	}()
	return fn(ctx)
}

// Run is Do for calls that produce a value.
func Run[T any](ctx context.Context, l *Limiter, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Do(ctx, func(ctx context.Context) error {
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		out = value
		return nil
	})
	return out, err
}

func (l *Limiter) Size() int {
	return int(l.size)
}

func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

func (l *Limiter) Waiting() int {
	return int(l.waiting.Load())
}
