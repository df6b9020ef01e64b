package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/badlink"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/linkcache"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/sessionguard"
)

const testHash = "0123456789abcdef0123456789abcdef01234567"

type fakeAggregator struct {
	mu       sync.Mutex
	results  map[string][]domain.RankedResult
	fallback []domain.RankedResult
	hold     bool
	calls    int
	requests []domain.ContentRequest
}

func (f *fakeAggregator) Stream(ctx context.Context, req domain.ContentRequest) (<-chan domain.RankedResult, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req.Clone())
	snapshots, ok := f.results[req.Title]
	if !ok {
		snapshots = f.fallback
	}
	hold := f.hold
	f.mu.Unlock()

	ch := make(chan domain.RankedResult)
	go func() {
		defer close(ch)
		for _, snapshot := range snapshots {
			select {
			case ch <- snapshot:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (f *fakeAggregator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAggregator) LastRequest() domain.ContentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeDebrid struct {
	mu          sync.Mutex
	statuses    []domain.DebridStatus
	statusCalls int
	added       []string
	selected    []int
	deleted     int
	link        domain.UnrestrictedLink
}

func (f *fakeDebrid) AddMagnet(_ context.Context, _, magnet string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, magnet)
	return "torrent-1", nil
}

func (f *fakeDebrid) SelectFiles(_ context.Context, _, _ string, fileIDs []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, fileIDs...)
	return nil
}

func (f *fakeDebrid) Status(_ context.Context, _, torrentID string) (domain.DebridStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.statusCalls
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.statusCalls++
	status := f.statuses[idx]
	status.ID = torrentID
	return status, nil
}

func (f *fakeDebrid) Unrestrict(_ context.Context, _, _ string) (domain.UnrestrictedLink, error) {
	return f.link, nil
}

func (f *fakeDebrid) Delete(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted++
	return nil
}

func (f *fakeDebrid) StatusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

type fakeMount struct{}

func (fakeMount) StreamURL(filePath string) string {
	return "http://mount.local" + filePath
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func movieRequest() domain.ContentRequest {
	return domain.ContentRequest{Title: "Inception", Year: 2010, Type: domain.MediaMovie, ExternalID: "27205", UserID: "u1", Credential: "token"}
}

func mountCandidate() domain.SourceCandidate {
	c := domain.SourceCandidate{
		Kind:         domain.SourceCacheMount,
		DisplayTitle: "Inception.2010.1080p.mkv",
		FilePath:     "/movies/Inception.2010.1080p.mkv",
		Resolution:   1080,
		SizeBytes:    4 << 30,
		IsCached:     true,
	}
	c.Identity = c.IdentityKey()
	return c
}

func torrentCandidate(cached bool) domain.SourceCandidate {
	return domain.SourceCandidate{
		Kind:         domain.SourceIndexer,
		DisplayTitle: "Inception.2010.2160p.WEB-DL",
		Identity:     testHash,
		Hash:         testHash,
		MagnetURI:    "magnet:?xt=urn:btih:" + testHash,
		Resolution:   2160,
		IsCached:     cached,
	}
}

func finalSnapshot(items ...domain.SourceCandidate) domain.RankedResult {
	return domain.RankedResult{Items: items, Phase: "complete", Final: true}
}

func downloadedStatuses() []domain.DebridStatus {
	return []domain.DebridStatus{
		{Status: statusWaitingFiles, Files: []domain.DebridFile{
			{ID: 1, Path: "/Inception/Inception.2160p.mkv", Bytes: 20 << 30},
			{ID: 2, Path: "/Inception/Sample.mkv", Bytes: 50 << 20},
			{ID: 3, Path: "/Inception/readme.txt", Bytes: 100},
		}},
		{Status: "downloading", Progress: 50},
		{Status: statusDownloaded, Progress: 100, Links: []string{"https://host.example/abc"}},
	}
}

func newTestStore(t *testing.T, agg Aggregator, opts ...Option) *Store {
	t.Helper()
	base := []Option{WithPollInterval(time.Millisecond), WithMount(fakeMount{})}
	store := NewStore(agg, append(base, opts...)...)
	t.Cleanup(store.Close)
	return store
}

func waitForState(t *testing.T, store *Store, id string, want domain.JobState) domain.ResolutionJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(id)
		if err == nil && job.State == want {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	job, _ := store.GetJob(id)
	t.Fatalf("job %s did not reach %s, last state %+v", id, want, job)
	return job
}

func TestJobResolvesFromCacheMountWithoutWaitingForIndexer(t *testing.T) {
	agg := &fakeAggregator{
		fallback: []domain.RankedResult{{Items: []domain.SourceCandidate{mountCandidate()}, Phase: "cache-mount"}},
		hold:     true,
	}
	links := linkcache.New(linkcache.NewMemoryStore())
	store := newTestStore(t, agg, WithLinkCache(links))

	id, err := store.CreateJob(context.Background(), movieRequest(), StartOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	job := waitForState(t, store, id, domain.JobCompleted)

	if job.ResolvedStreamURL != "http://mount.local/movies/Inception.2010.1080p.mkv" {
		t.Fatalf("unexpected stream url %q", job.ResolvedStreamURL)
	}
	if job.Progress != 100 || job.CompletedAt == nil || job.Resolution != 1080 {
		t.Fatalf("unexpected completion fields %+v", job)
	}
	if len(job.AttemptedSources) != 1 || job.AttemptedSources[0].Outcome != "resolved" {
		t.Fatalf("expected one resolved attempt, got %+v", job.AttemptedSources)
	}

	cached, ok, err := links.Get(context.Background(), movieRequest(), 0)
	if err != nil || !ok {
		t.Fatalf("expected link cache entry, ok=%v err=%v", ok, err)
	}
	if cached.StreamURL != job.ResolvedStreamURL || cached.Key.Resolution != 1080 {
		t.Fatalf("unexpected cached link %+v", cached)
	}

	history := store.History()
	if len(history) != 1 || history[0].ID != id {
		t.Fatalf("expected job in history, got %+v", history)
	}
}

func TestJobDrivesDebridThroughDownload(t *testing.T) {
	agg := &fakeAggregator{fallback: []domain.RankedResult{finalSnapshot(torrentCandidate(false))}}
	debrid := &fakeDebrid{
		statuses: downloadedStatuses(),
		link:     domain.UnrestrictedLink{Filename: "Inception.2160p.mkv", Filesize: 20 << 30, Download: "https://dl.example/Inception.2160p.mkv"},
	}
	store := newTestStore(t, agg, WithDebrid(debrid))

	id, err := store.CreateJob(context.Background(), movieRequest(), StartOptions{})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	job := waitForState(t, store, id, domain.JobCompleted)

	if job.ResolvedStreamURL != "https://dl.example/Inception.2160p.mkv" || job.FileName != "Inception.2160p.mkv" {
		t.Fatalf("unexpected job %+v", job)
	}
	debrid.mu.Lock()
	defer debrid.mu.Unlock()
	if len(debrid.added) != 1 || !strings.Contains(debrid.added[0], testHash) {
		t.Fatalf("expected magnet to be added, got %v", debrid.added)
	}
	if len(debrid.selected) != 1 || debrid.selected[0] != 1 {
		t.Fatalf("expected largest video file selected, got %v", debrid.selected)
	}
	if debrid.statusCalls != 3 {
		t.Fatalf("expected 3 status polls, got %d", debrid.statusCalls)
	}
}

func TestJobFallsThroughToNextCandidateOnDebridFailure(t *testing.T) {
	agg := &fakeAggregator{fallback: []domain.RankedResult{finalSnapshot(torrentCandidate(false), mountCandidate())}}
	debrid := &fakeDebrid{statuses: []domain.DebridStatus{{Status: "dead"}}}
	store := newTestStore(t, agg, WithDebrid(debrid))

	id, _ := store.CreateJob(context.Background(), movieRequest(), StartOptions{})
	job := waitForState(t, store, id, domain.JobCompleted)

	if len(job.AttemptedSources) != 2 {
		t.Fatalf("expected two attempts, got %+v", job.AttemptedSources)
	}
	first, second := job.AttemptedSources[0], job.AttemptedSources[1]
	if first.Identity != testHash || !strings.HasPrefix(first.Outcome, "failed:") {
		t.Fatalf("unexpected first attempt %+v", first)
	}
	if second.Source != domain.SourceCacheMount || second.Outcome != "resolved" {
		t.Fatalf("unexpected second attempt %+v", second)
	}
	debrid.mu.Lock()
	defer debrid.mu.Unlock()
	if debrid.deleted != 1 {
		t.Fatalf("failed torrent should be removed from debrid, deleted=%d", debrid.deleted)
	}
}

func TestJobErrorKeepsReadableReason(t *testing.T) {
	agg := &fakeAggregator{fallback: []domain.RankedResult{finalSnapshot(torrentCandidate(false))}}
	store := newTestStore(t, agg, WithDebrid(&fakeDebrid{statuses: []domain.DebridStatus{{Status: "virus"}}}))

	id, _ := store.CreateJob(context.Background(), movieRequest(), StartOptions{})
	job := waitForState(t, store, id, domain.JobError)
	if !strings.Contains(job.Message, "virus") {
		t.Fatalf("expected debrid status in message, got %q", job.Message)
	}
	if job.CompletedAt == nil {
		t.Fatalf("terminal jobs must be stamped")
	}
}

func TestJobWithoutCandidatesReportsNotAvailable(t *testing.T) {
	agg := &fakeAggregator{fallback: []domain.RankedResult{finalSnapshot()}}
	store := newTestStore(t, agg)

	id, _ := store.CreateJob(context.Background(), movieRequest(), StartOptions{})
	job := waitForState(t, store, id, domain.JobError)
	if job.Message != messageNotAvailable {
		t.Fatalf("expected %q, got %q", messageNotAvailable, job.Message)
	}
}

func TestJobServedFromLinkCacheSkipsSearch(t *testing.T) {
	agg := &fakeAggregator{}
	links := linkcache.New(linkcache.NewMemoryStore())
	if _, err := links.Put(context.Background(), movieRequest(), linkcache.Entry{Resolution: 1080, StreamURL: "https://dl.example/cached.mkv"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	store := newTestStore(t, agg, WithLinkCache(links))

	id, _ := store.CreateJob(context.Background(), movieRequest(), StartOptions{})
	job := waitForState(t, store, id, domain.JobCompleted)
	if job.ResolvedStreamURL != "https://dl.example/cached.mkv" {
		t.Fatalf("unexpected url %q", job.ResolvedStreamURL)
	}
	if agg.Calls() != 0 {
		t.Fatalf("aggregator should not run on a cache hit")
	}
}

func TestCreateJobDeniedByConcurrentSession(t *testing.T) {
	guard := sessionguard.New(sessionguard.NewMemoryStore())
	if _, err := guard.CheckAndStart(context.Background(), "token", "10.0.0.1", domain.SessionUser{UserID: "u1", Username: "alice"}); err != nil {
		t.Fatalf("CheckAndStart: %v", err)
	}
	agg := &fakeAggregator{}
	store := newTestStore(t, agg, WithSessionGuard(guard))

	_, err := store.CreateJob(context.Background(), movieRequest(), StartOptions{IPAddress: "10.0.0.2"})
	var conflict *domain.ConcurrentSessionError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrentSessionError, got %v", err)
	}
	if conflict.IPAddress != "10.0.0.1" || conflict.Username != "alice" {
		t.Fatalf("unexpected conflict metadata %+v", conflict)
	}
	if agg.Calls() != 0 {
		t.Fatalf("denied jobs must not search")
	}
}

func TestCreateJobRejectsInvalidRequest(t *testing.T) {
	store := newTestStore(t, &fakeAggregator{})
	_, err := store.CreateJob(context.Background(), domain.ContentRequest{Type: domain.MediaMovie}, StartOptions{})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestDeleteJobStopsPolling(t *testing.T) {
	agg := &fakeAggregator{fallback: []domain.RankedResult{finalSnapshot(torrentCandidate(false))}}
	debrid := &fakeDebrid{statuses: []domain.DebridStatus{{Status: "downloading", Progress: 10}}}
	store := newTestStore(t, agg, WithDebrid(debrid))

	id, _ := store.CreateJob(context.Background(), movieRequest(), StartOptions{})
	waitForState(t, store, id, domain.JobDownloading)

	if err := store.DeleteJob(id); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	calls := debrid.StatusCalls()
	time.Sleep(30 * time.Millisecond)
	if debrid.StatusCalls() != calls {
		t.Fatalf("polling continued after delete: %d -> %d", calls, debrid.StatusCalls())
	}
	if _, err := store.GetJob(id); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(store.History()) != 0 {
		t.Fatalf("deleted jobs never reach history")
	}
}

func TestSubscribeClosesOnDelete(t *testing.T) {
	agg := &fakeAggregator{fallback: []domain.RankedResult{finalSnapshot(torrentCandidate(false))}}
	store := newTestStore(t, agg, WithDebrid(&fakeDebrid{statuses: []domain.DebridStatus{{Status: "downloading"}}}))

	id, _ := store.CreateJob(context.Background(), movieRequest(), StartOptions{})
	waitForState(t, store, id, domain.JobDownloading)

	updates, cancel, err := store.Subscribe(id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	first := <-updates
	if first.ID != id || first.State != domain.JobDownloading {
		t.Fatalf("unexpected first snapshot %+v", first)
	}

	if err := store.DeleteJob(id); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatalf("subscription not closed after delete")
		}
	}
}

func TestHistoryIsCapped(t *testing.T) {
	agg := &fakeAggregator{fallback: []domain.RankedResult{finalSnapshot()}}
	store := newTestStore(t, agg)

	ids := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		id, err := store.CreateJob(context.Background(), movieRequest(), StartOptions{})
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForState(t, store, id, domain.JobError)
	}
	history := store.History()
	if len(history) != historyLimit {
		t.Fatalf("expected %d history entries, got %d", historyLimit, len(history))
	}
	for _, job := range history {
		if !job.State.Terminal() {
			t.Fatalf("history holds only terminal jobs, got %s", job.State)
		}
	}
}

func TestSweepHonorsRetentionAndRemovesTempFiles(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	agg := &fakeAggregator{
		results: map[string][]domain.RankedResult{
			"Inception": {finalSnapshot(mountCandidate())},
		},
		fallback: []domain.RankedResult{finalSnapshot()},
	}
	dir := t.TempDir()
	store := newTestStore(t, agg, WithClock(clock.Now), WithTempDir(dir))

	completedID, _ := store.CreateJob(context.Background(), movieRequest(), StartOptions{})
	completed := waitForState(t, store, completedID, domain.JobCompleted)
	failedReq := movieRequest()
	failedReq.Title = "Missing Movie"
	failedID, _ := store.CreateJob(context.Background(), failedReq, StartOptions{})
	waitForState(t, store, failedID, domain.JobError)

	strm := filepath.Join(dir, completedID+".strm")
	data, err := os.ReadFile(strm)
	if err != nil {
		t.Fatalf("expected strm file: %v", err)
	}
	if strings.TrimSpace(string(data)) != completed.ResolvedStreamURL {
		t.Fatalf("strm holds %q", data)
	}

	clock.Advance(4 * time.Minute)
	if removed, _ := store.Sweep(context.Background()); removed != 0 {
		t.Fatalf("nothing should expire at 4m, removed %d", removed)
	}

	clock.Advance(time.Minute)
	if removed, _ := store.Sweep(context.Background()); removed != 1 {
		t.Fatalf("completed job should expire at 5m, removed %d", removed)
	}
	if _, err := os.Stat(strm); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("strm file should be deleted, stat err %v", err)
	}
	if _, err := store.GetJob(failedID); err != nil {
		t.Fatalf("error job should remain: %v", err)
	}

	clock.Advance(12 * time.Hour)
	if removed, _ := store.Sweep(context.Background()); removed != 1 {
		t.Fatalf("error job should expire at 12h, removed %d", removed)
	}
}

func TestFallbackPrefersLowerCachedResolution(t *testing.T) {
	links := linkcache.New(linkcache.NewMemoryStore())
	ctx := context.Background()
	for _, entry := range []linkcache.Entry{
		{Resolution: 1080, StreamURL: "https://dl.example/1080.mkv"},
		{Resolution: 720, StreamURL: "https://dl.example/720.mkv"},
	} {
		if _, err := links.Put(ctx, movieRequest(), entry); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	agg := &fakeAggregator{}
	store := newTestStore(t, agg, WithLinkCache(links))

	result, err := store.Fallback(ctx, FallbackRequest{Request: movieRequest(), FailedResolution: 1080})
	if err != nil {
		t.Fatalf("Fallback: %v", err)
	}
	if result.Link == nil || result.Link.Key.Resolution != 720 || result.JobID != "" {
		t.Fatalf("expected the 720p link, got %+v", result)
	}
	if agg.Calls() != 0 {
		t.Fatalf("a cached step-down must not start a search")
	}
}

func TestFallbackReportsAndExcludesFailedSource(t *testing.T) {
	registry := badlink.NewRegistry(badlink.NewMemoryStore())
	agg := &fakeAggregator{fallback: []domain.RankedResult{finalSnapshot()}}
	store := newTestStore(t, agg, WithBadLinks(registry), WithLinkCache(linkcache.New(linkcache.NewMemoryStore())))

	result, err := store.Fallback(context.Background(), FallbackRequest{
		Request:          movieRequest(),
		FailedIdentity:   strings.ToUpper(testHash),
		FailedResolution: 2160,
	})
	if err != nil {
		t.Fatalf("Fallback: %v", err)
	}
	if result.JobID == "" || result.Link != nil {
		t.Fatalf("expected a new job, got %+v", result)
	}
	waitForState(t, store, result.JobID, domain.JobError)

	req := agg.LastRequest()
	if len(req.ExcludedHashes) != 1 || req.ExcludedHashes[0] != testHash {
		t.Fatalf("expected failed hash excluded, got %v", req.ExcludedHashes)
	}
	flag, flagged, err := registry.IsFlagged(context.Background(), testHash)
	if err != nil || !flagged {
		t.Fatalf("expected hash flagged, flagged=%v err=%v", flagged, err)
	}
	if flag.ReportCount != 1 || !flag.HasReporter("u1") {
		t.Fatalf("unexpected flag %+v", flag)
	}
}

func TestReportBadLinkUsesJobAuditTrail(t *testing.T) {
	registry := badlink.NewRegistry(badlink.NewMemoryStore())
	agg := &fakeAggregator{fallback: []domain.RankedResult{finalSnapshot(mountCandidate())}}
	store := newTestStore(t, agg, WithBadLinks(registry))

	id, _ := store.CreateJob(context.Background(), movieRequest(), StartOptions{})
	waitForState(t, store, id, domain.JobCompleted)

	flag, err := store.ReportBadLink(context.Background(), BadLinkReport{JobID: id, Reporter: "u2"})
	if err != nil {
		t.Fatalf("ReportBadLink: %v", err)
	}
	if flag.Identity != mountCandidate().Identity || flag.Source != string(domain.SourceCacheMount) {
		t.Fatalf("unexpected flag %+v", flag)
	}
	if flag.Reason != playbackFailedReason {
		t.Fatalf("default reason expected, got %q", flag.Reason)
	}

	if _, err := store.ReportBadLink(context.Background(), BadLinkReport{Reporter: "u2"}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest without identity, got %v", err)
	}
}

func TestExcludeIdentity(t *testing.T) {
	tests := []struct {
		name      string
		identity  string
		wantHash  string
		wantPaths string
	}{
		{name: "hash", identity: strings.ToUpper(testHash), wantHash: testHash},
		{name: "file identity", identity: "Inception.mkv|/movies/Inception.mkv", wantPaths: "/movies/Inception.mkv"},
		{name: "bare path", identity: "/movies/Heat.mkv", wantPaths: "/movies/Heat.mkv"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := excludeIdentity(movieRequest(), tc.identity)
			if tc.wantHash != "" && (len(req.ExcludedHashes) != 1 || req.ExcludedHashes[0] != tc.wantHash) {
				t.Fatalf("ExcludedHashes = %v", req.ExcludedHashes)
			}
			if tc.wantPaths != "" && (len(req.ExcludedFilePaths) != 1 || req.ExcludedFilePaths[0] != tc.wantPaths) {
				t.Fatalf("ExcludedFilePaths = %v", req.ExcludedFilePaths)
			}
		})
	}
}

func TestDownloadProgressBounds(t *testing.T) {
	cases := map[float64]int{0: 10, 50: 52, 100: 95, 150: 95, -5: 10}
	for in, want := range cases {
		if got := downloadProgress(in); got != want {
			t.Fatalf("downloadProgress(%v) = %d, want %d", in, got, want)
		}
	}
}
