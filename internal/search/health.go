package search

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/metrics"
)

const (
	sourceFailureThreshold = 3
	sourceCooldownBase     = 2 * time.Minute
	sourceCooldownMax      = 15 * time.Minute
)

// sourceBreaker tracks one candidate source (cache mount or indexer). After
// sourceFailureThreshold consecutive failures the source is skipped until
// openUntil; the first success closes it again.
type sourceBreaker struct {
	consecutiveFailures int
	openUntil           time.Time
	lastError           string
	lastLatency         time.Duration
	searches            int64
	failures            int64
	timeouts            int64
}

func (b *sourceBreaker) isOpen(now time.Time) bool {
	return !b.openUntil.IsZero() && now.Before(b.openUntil)
}

// record folds one search outcome into the breaker. It reports the cooldown
// when this failure opened the breaker.
func (b *sourceBreaker) record(err error, latency time.Duration, now time.Time) (cooldown time.Duration, opened bool) {
	b.searches++
	if latency > 0 {
		b.lastLatency = latency
	}
	if err == nil {
		b.consecutiveFailures = 0
		b.openUntil = time.Time{}
		b.lastError = ""
		return 0, false
	}
	b.consecutiveFailures++
	b.failures++
	b.lastError = err.Error()
	if isSearchTimeout(err) {
		b.timeouts++
	}
	if b.consecutiveFailures < sourceFailureThreshold {
		return 0, false
	}
	cooldown = breakerCooldown(b.consecutiveFailures)
	b.openUntil = now.Add(cooldown)
	return cooldown, true
}

// breakerCooldown doubles from sourceCooldownBase for every failure past the
// threshold, capped at sourceCooldownMax.
func breakerCooldown(consecutiveFailures int) time.Duration {
	extra := consecutiveFailures - sourceFailureThreshold
	d := sourceCooldownBase
	for i := 0; i < extra; i++ {
		d *= 2
		if d >= sourceCooldownMax {
			return sourceCooldownMax
		}
	}
	return d
}

func isSearchTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// sourceSkipped reports whether the named source's breaker is open and until
// when.
func (s *Service) sourceSkipped(source string, now time.Time) (bool, time.Time) {
	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()

	b := s.breakers[source]
	if b == nil || !b.isOpen(now) {
		return false, time.Time{}
	}
	return true, b.openUntil
}

func (s *Service) recordSourceOutcome(source string, err error, latency time.Duration, now time.Time) {
	s.breakerMu.Lock()
	b := s.breakers[source]
	if b == nil {
		b = &sourceBreaker{}
		s.breakers[source] = b
	}
	cooldown, opened := b.record(err, latency, now)
	failures := b.consecutiveFailures
	timedOut := err != nil && isSearchTimeout(err)
	s.breakerMu.Unlock()

	if latency > 0 {
		metrics.ProviderRequestDuration.WithLabelValues(source).Observe(latency.Seconds())
	}
	switch {
	case err == nil:
		metrics.ProviderRequestsTotal.WithLabelValues(source, "ok").Inc()
		metrics.ProviderAvailable.WithLabelValues(source).Set(1)
	case timedOut:
		metrics.ProviderRequestsTotal.WithLabelValues(source, "timeout").Inc()
	default:
		metrics.ProviderRequestsTotal.WithLabelValues(source, "error").Inc()
	}
	if opened {
		metrics.ProviderAvailable.WithLabelValues(source).Set(0)
		s.logger.Warn("candidate source skipped after repeated failures",
			slog.String("source", source),
			slog.Int("consecutiveFailures", failures),
			slog.Duration("cooldown", cooldown),
		)
	}
}

// ProviderDiagnostics reports breaker state for every configured source,
// sorted by name.
func (s *Service) ProviderDiagnostics() []domain.ProviderDiagnostics {
	sources := make([]string, 0, 2)
	if s.mount != nil {
		sources = append(sources, cacheMountProviderName)
	}
	if s.indexer != nil {
		sources = append(sources, indexerProviderName)
	}

	s.breakerMu.Lock()
	defer s.breakerMu.Unlock()

	items := make([]domain.ProviderDiagnostics, 0, len(sources))
	for _, source := range sources {
		item := domain.ProviderDiagnostics{Name: source}
		if b := s.breakers[source]; b != nil {
			item.ConsecutiveFailures = b.consecutiveFailures
			if !b.openUntil.IsZero() {
				until := b.openUntil.UnixMilli()
				item.BlockedUntil = &until
			}
			item.LastError = b.lastError
			item.LastLatencyMS = b.lastLatency.Milliseconds()
			item.TotalRequests = b.searches
			item.TotalFailures = b.failures
			item.TimeoutCount = b.timeouts
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}
