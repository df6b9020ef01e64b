package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

var tracer = otel.Tracer("resolver/search")

const (
	runtimeLookupTimeout = 5 * time.Second
	availabilityTimeout  = 10 * time.Second

	PhaseCacheMount = "cache-mount"
	PhaseIndexer    = "indexer"
	PhaseComplete   = "complete"
)

type indexerEvent struct {
	batch []domain.SourceCandidate
	done  bool
	err   error
}

// Stream returns a finite sequence of ranked snapshots. The channel always
// ends with exactly one Final snapshot unless ctx is cancelled first.
func (s *Service) Stream(ctx context.Context, req domain.ContentRequest) (<-chan domain.RankedResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ch := make(chan domain.RankedResult, 8)
	go s.executeStream(ctx, req.Clone(), ch)
	return ch, nil
}

// Resolve waits for the terminal snapshot.
func (s *Service) Resolve(ctx context.Context, req domain.ContentRequest) (domain.RankedResult, error) {
	ch, err := s.Stream(ctx, req)
	if err != nil {
		return domain.RankedResult{}, err
	}
	var last domain.RankedResult
	for snapshot := range ch {
		last = snapshot
	}
	if !last.Final {
		if err := ctx.Err(); err != nil {
			return domain.RankedResult{}, err
		}
		return domain.RankedResult{}, fmt.Errorf("%w: search ended without a result", domain.ErrNoCandidates)
	}
	if len(last.Items) == 0 {
		return last, fmt.Errorf("%w: %s", domain.ErrNoCandidates, req.String())
	}
	return last, nil
}

type streamRun struct {
	svc       *Service
	req       domain.ContentRequest
	filter    candidateFilter
	scoring   ScoreContext
	set       *mergeSet
	statuses  []domain.ProviderStatus
	startedAt time.Time
}

func (s *Service) executeStream(ctx context.Context, req domain.ContentRequest, ch chan<- domain.RankedResult) {
	defer close(ch)

	ctx, span := tracer.Start(ctx, "search.stream", trace.WithAttributes(
		attribute.String("media.type", string(req.Type)),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, s.ceiling)
	defer cancel()

	run := &streamRun{
		svc:       s,
		req:       req,
		scoring:   ScoreContext{Type: req.Type, PlatformHint: req.PlatformHint},
		set:       newMergeSet(),
		startedAt: s.now(),
	}
	runtimeMin := s.lookupRuntime(runCtx, req)
	run.filter = newCandidateFilter(req, runtimeMin)

	s.logger.Info("stream search started",
		slog.String("request", req.String()),
		slog.Int("runtimeMin", run.filter.runtimeMin),
		slog.Bool("indexer", s.indexer != nil),
	)

	emit := func(snapshot domain.RankedResult) bool {
		select {
		case ch <- snapshot:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if s.mount != nil {
		run.searchMount(runCtx)
		if !emit(run.snapshot(PhaseCacheMount, false, false)) {
			return
		}
	}

	timedOut := false
	if s.indexer != nil {
		var ok bool
		timedOut, ok = run.searchIndexer(ctx, runCtx, emit)
		if !ok {
			return
		}
	}
	cancel()

	final := run.snapshot(PhaseComplete, true, timedOut)
	span.SetAttributes(
		attribute.Int("search.candidates", len(final.Items)),
		attribute.Bool("search.timed_out", timedOut),
	)
	s.logger.Info("stream search finished",
		slog.String("request", req.String()),
		slog.Int("candidates", len(final.Items)),
		slog.Int64("elapsedMs", final.ElapsedMS),
		slog.Bool("timedOut", timedOut),
	)
	emit(final)
}

func (s *Service) lookupRuntime(ctx context.Context, req domain.ContentRequest) int {
	if s.runtime == nil || strings.TrimSpace(req.ExternalID) == "" {
		return defaultRuntime(req.Type)
	}
	lookupCtx, cancel := context.WithTimeout(ctx, runtimeLookupTimeout)
	defer cancel()
	minutes, err := s.runtime.RuntimeMinutes(lookupCtx, req.ExternalID, req.Type, req.Season, req.Episode)
	if err != nil || minutes <= 0 {
		if err != nil {
			s.logger.Debug("runtime lookup failed", slog.String("externalId", req.ExternalID), slog.String("error", err.Error()))
		}
		return defaultRuntime(req.Type)
	}
	return minutes
}

func (r *streamRun) searchMount(ctx context.Context) {
	s := r.svc
	status := domain.ProviderStatus{Name: cacheMountProviderName}
	now := s.now()
	if blocked, until := s.sourceSkipped(cacheMountProviderName, now); blocked {
		status.Error = "source skipped until " + until.UTC().Format(time.RFC3339)
		r.statuses = append(r.statuses, status)
		return
	}

	items, err := s.mount.Search(ctx, domain.FileQuery{
		Title:           r.req.Title,
		Year:            r.req.Year,
		Type:            r.req.Type,
		Season:          r.req.Season,
		Episode:         r.req.Episode,
		DurationHintMin: r.filter.runtimeMin,
	})
	s.recordSourceOutcome(cacheMountProviderName, err, s.now().Sub(now), s.now())
	if err != nil {
		s.logger.Warn("cache-mount search failed", slog.String("error", err.Error()))
		status.Error = err.Error()
		r.statuses = append(r.statuses, status)
		return
	}
	for i := range items {
		items[i].Kind = domain.SourceCacheMount
		items[i].IsCached = true
	}
	status.OK = true
	status.Count = r.ingest(ctx, items)
	r.statuses = append(r.statuses, status)
}

// searchIndexer consumes indexer batches until the provider finishes or
// runCtx expires. ok is false when the caller's ctx was cancelled.
func (r *streamRun) searchIndexer(ctx, runCtx context.Context, emit func(domain.RankedResult) bool) (timedOut bool, ok bool) {
	s := r.svc
	statusIndex := len(r.statuses)
	r.statuses = append(r.statuses, domain.ProviderStatus{Name: indexerProviderName})

	startedAt := s.now()
	if blocked, until := s.sourceSkipped(indexerProviderName, startedAt); blocked {
		r.statuses[statusIndex].Error = "source skipped until " + until.UTC().Format(time.RFC3339)
		return false, true
	}

	events := make(chan indexerEvent, 8)
	query := domain.IndexerQuery{
		Title:    r.req.Title,
		Year:     r.req.Year,
		Type:     r.req.Type,
		Season:   r.req.Season,
		Episode:  r.req.Episode,
		Variants: queryVariants(r.req),
	}
	go func() {
		send := func(event indexerEvent) {
			select {
			case events <- event:
			case <-runCtx.Done():
			}
		}
		err := s.indexer.Search(runCtx, query, func(batch []domain.SourceCandidate, _ bool) {
			if len(batch) == 0 {
				return
			}
			cp := make([]domain.SourceCandidate, len(batch))
			copy(cp, batch)
			send(indexerEvent{batch: cp})
		})
		send(indexerEvent{done: true, err: err})
	}()

	for {
		select {
		case event := <-events:
			if event.done {
				s.recordSourceOutcome(indexerProviderName, event.err, s.now().Sub(startedAt), s.now())
				if event.err != nil {
					s.logger.Warn("indexer search failed", slog.String("error", event.err.Error()))
					r.statuses[statusIndex].Error = event.err.Error()
				} else {
					r.statuses[statusIndex].OK = true
				}
				return false, true
			}
			r.statuses[statusIndex].Count += r.ingest(runCtx, event.batch)
			if !emit(r.snapshot(PhaseIndexer, false, false)) {
				return false, false
			}
		case <-runCtx.Done():
			if ctx.Err() != nil {
				return false, false
			}
			r.statuses[statusIndex].Error = "ceiling reached"
			s.logger.Warn("stream search hit ceiling", slog.String("request", r.req.String()))
			return true, true
		}
	}
}

// ingest filters, enriches, scores and merges raw candidates. It returns
// how many new candidates entered the set.
func (r *streamRun) ingest(ctx context.Context, raw []domain.SourceCandidate) int {
	accepted := make([]domain.SourceCandidate, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, c := range raw {
		if c.Kind == "" {
			c.Kind = domain.SourceIndexer
		}
		c.Hash = strings.ToLower(strings.TrimSpace(c.Hash))
		c.Identity = c.IdentityKey()
		if r.set.has(c.Identity) {
			continue
		}
		if _, dup := seen[c.Identity]; dup {
			continue
		}
		fillReleaseInfo(&c)
		ok, pack := r.filter.accept(c)
		if !ok {
			continue
		}
		seen[c.Identity] = struct{}{}
		r.enrich(&c, pack)
		accepted = append(accepted, c)
	}
	if len(accepted) == 0 {
		return 0
	}

	r.markCached(ctx, accepted)
	r.markFlagged(ctx, accepted)

	added := 0
	for _, c := range accepted {
		c.Score = Score(c, r.scoring)
		if r.set.insert(c) {
			added++
		}
	}
	return added
}

// fillReleaseInfo derives resolution, container and size in MB from the
// release name when the provider left them empty. The size plausibility
// check depends on all three, so it runs before filtering.
func fillReleaseInfo(c *domain.SourceCandidate) {
	text := c.DisplayTitle
	if c.IsFile() && c.FilePath != "" {
		text = c.FilePath
	}
	if c.Resolution == 0 || c.Container == "" {
		info := parseRelease(text)
		if c.Resolution == 0 {
			c.Resolution = info.Resolution
		}
		if c.Container == "" {
			c.Container = info.Container
		}
	}
	if c.SizeMB <= 0 && c.SizeBytes > 0 {
		c.SizeMB = float64(c.SizeBytes) / (1024 * 1024)
	}
}

func (r *streamRun) enrich(c *domain.SourceCandidate, pack bool) {
	c.EstimatedBitrateMbps = estimateBitrate(*c, r.filter.runtimeMin, pack)
	ceiling := r.req.MaxBitrateMbps
	c.OverBandwidth = ceiling > 0 && c.EstimatedBitrateMbps > ceiling
}

func (r *streamRun) markCached(ctx context.Context, items []domain.SourceCandidate) {
	s := r.svc
	if s.availability == nil {
		return
	}
	hashes := make([]string, 0, len(items))
	for _, c := range items {
		if !c.IsFile() && c.Hash != "" {
			hashes = append(hashes, c.Hash)
		}
	}
	if len(hashes) == 0 {
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, availabilityTimeout)
	defer cancel()
	cached, err := s.availability.CheckCached(checkCtx, hashes, r.req.Credential)
	if err != nil {
		s.logger.Warn("instant availability check failed", slog.Int("hashes", len(hashes)), slog.String("error", err.Error()))
		return
	}
	for i := range items {
		if items[i].Hash != "" && cached[items[i].Hash] {
			items[i].IsCached = true
		}
	}
}

func (r *streamRun) markFlagged(ctx context.Context, items []domain.SourceCandidate) {
	s := r.svc
	if s.flags == nil {
		return
	}
	for i := range items {
		_, flagged, err := s.flags.IsFlagged(ctx, items[i].Identity)
		if err != nil {
			s.logger.Debug("bad-link lookup failed", slog.String("identity", items[i].Identity), slog.String("error", err.Error()))
			continue
		}
		items[i].IsFlaggedBad = flagged
	}
}

func (r *streamRun) snapshot(phase string, final, timedOut bool) domain.RankedResult {
	providers := make([]domain.ProviderStatus, len(r.statuses))
	copy(providers, r.statuses)
	return domain.RankedResult{
		Items:     r.set.ranked(),
		Providers: providers,
		Phase:     phase,
		ElapsedMS: r.svc.now().Sub(r.startedAt).Milliseconds(),
		Final:     final,
		TimedOut:  timedOut,
	}
}
