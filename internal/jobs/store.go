package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/linkcache"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/metrics"
)

const (
	DefaultPollInterval    = 3 * time.Second
	DefaultDownloadCeiling = 30 * time.Minute
	DefaultCompletedRetain = 5 * time.Minute
	DefaultErrorRetain     = 12 * time.Hour
	DefaultMaxAttempts     = 3
	historyLimit           = 20
	subscriberBuffer       = 8
	messageNotAvailable    = "content not available"
)

// Aggregator produces ranked snapshots for a request.
type Aggregator interface {
	Stream(ctx context.Context, req domain.ContentRequest) (<-chan domain.RankedResult, error)
}

// DebridClient drives a torrent through the debrid service.
type DebridClient interface {
	AddMagnet(ctx context.Context, credential, magnet string) (string, error)
	SelectFiles(ctx context.Context, credential, torrentID string, fileIDs []int) error
	Status(ctx context.Context, credential, torrentID string) (domain.DebridStatus, error)
	Unrestrict(ctx context.Context, credential, link string) (domain.UnrestrictedLink, error)
	Delete(ctx context.Context, credential, torrentID string) error
}

type LinkCache interface {
	Get(ctx context.Context, req domain.ContentRequest, maxBitrateMbps float64) (domain.CachedLink, bool, error)
	GetVerified(ctx context.Context, req domain.ContentRequest, maxBitrateMbps float64) (domain.CachedLink, bool, error)
	GetBelow(ctx context.Context, req domain.ContentRequest, maxResolution int) (domain.CachedLink, bool, error)
	Put(ctx context.Context, req domain.ContentRequest, entry linkcache.Entry) (domain.CachedLink, error)
}

type SessionGuard interface {
	CheckAndStart(ctx context.Context, credential, ip string, user domain.SessionUser) (domain.ActiveSession, error)
}

type BadLinkReporter interface {
	Report(ctx context.Context, identity, reporter, reason, source string) (domain.BadLinkFlag, error)
}

// MountLinker maps a cache-mount file path to a playable URL.
type MountLinker interface {
	StreamURL(filePath string) string
}

// StartOptions carries the caller identity used by the session guard.
type StartOptions struct {
	IPAddress string
	UserID    string
	Username  string
}

type jobEntry struct {
	job         domain.ResolutionJob
	subscribers map[int]chan domain.ResolutionJob
	nextSubID   int
}

// Store owns every ResolutionJob. A job's runner mutates it only through
// update, which drops the mutation when the job has been deleted.
type Store struct {
	aggregator Aggregator
	debrid     DebridClient
	links      LinkCache
	guard      SessionGuard
	badLinks   BadLinkReporter
	mount      MountLinker

	pollInterval    time.Duration
	downloadCeiling time.Duration
	completedRetain time.Duration
	errorRetain     time.Duration
	maxAttempts     int
	tempDir         string
	verifyCached    bool
	now             func() time.Time
	newID           func() string
	logger          *slog.Logger

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*jobEntry
	history []domain.ResolutionJob
}

type Option func(*Store)

func WithDebrid(client DebridClient) Option {
	return func(s *Store) { s.debrid = client }
}

func WithLinkCache(cache LinkCache) Option {
	return func(s *Store) { s.links = cache }
}

func WithSessionGuard(guard SessionGuard) Option {
	return func(s *Store) { s.guard = guard }
}

func WithBadLinks(reporter BadLinkReporter) Option {
	return func(s *Store) { s.badLinks = reporter }
}

func WithMount(mount MountLinker) Option {
	return func(s *Store) { s.mount = mount }
}

func WithPollInterval(interval time.Duration) Option {
	return func(s *Store) {
		if interval > 0 {
			s.pollInterval = interval
		}
	}
}

func WithDownloadCeiling(ceiling time.Duration) Option {
	return func(s *Store) {
		if ceiling > 0 {
			s.downloadCeiling = ceiling
		}
	}
}

func WithRetention(completed, failed time.Duration) Option {
	return func(s *Store) {
		if completed > 0 {
			s.completedRetain = completed
		}
		if failed > 0 {
			s.errorRetain = failed
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithTempDir enables .strm artifacts written to dir.
func WithTempDir(dir string) Option {
	return func(s *Store) { s.tempDir = strings.TrimSpace(dir) }
}

// WithVerifyCachedLinks probes cached links before serving them.
func WithVerifyCachedLinks(verify bool) Option {
	return func(s *Store) { s.verifyCached = verify }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewStore(aggregator Aggregator, opts ...Option) *Store {
	rootCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		aggregator:      aggregator,
		pollInterval:    DefaultPollInterval,
		downloadCeiling: DefaultDownloadCeiling,
		completedRetain: DefaultCompletedRetain,
		errorRetain:     DefaultErrorRetain,
		maxAttempts:     DefaultMaxAttempts,
		now:             time.Now,
		newID:           uuid.NewString,
		logger:          slog.Default(),
		rootCtx:         rootCtx,
		cancel:          cancel,
		jobs:            make(map[string]*jobEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// CreateJob validates req, consults the session guard when an address is
// given, and starts resolution in the background.
func (s *Store) CreateJob(ctx context.Context, req domain.ContentRequest, opts StartOptions) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if s.aggregator == nil {
		return "", errors.New("job store has no aggregator")
	}
	if s.guard != nil && strings.TrimSpace(opts.IPAddress) != "" {
		user := domain.SessionUser{UserID: opts.UserID, Username: opts.Username}
		if user.UserID == "" {
			user.UserID = req.UserID
		}
		if _, err := s.guard.CheckAndStart(ctx, req.Credential, opts.IPAddress, user); err != nil {
			return "", err
		}
	}

	id := s.newID()
	job := domain.ResolutionJob{
		ID:               id,
		Request:          req.Clone(),
		State:            domain.JobSearching,
		Message:          "searching",
		AttemptedSources: []domain.AttemptedSource{},
		CreatedAt:        s.now(),
	}

	s.mu.Lock()
	s.jobs[id] = &jobEntry{job: job, subscribers: make(map[int]chan domain.ResolutionJob)}
	s.mu.Unlock()
	metrics.ActiveJobs.Inc()

	s.logger.Info("job created",
		slog.String("jobId", id),
		slog.String("request", req.String()),
		slog.String("credentialHash", domain.HashCredential(req.Credential)),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(s.rootCtx, id, req.Clone())
	}()
	return id, nil
}

// GetJob returns a snapshot of a live job, or of a recent one from history.
func (s *Store) GetJob(id string) (domain.ResolutionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.jobs[id]; ok {
		return entry.job.Clone(), nil
	}
	for _, job := range s.history {
		if job.ID == id {
			return job.Clone(), nil
		}
	}
	return domain.ResolutionJob{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
}

// DeleteJob removes a job. A running job stops at its next existence check;
// in-flight calls are left to finish and their results are discarded.
func (s *Store) DeleteJob(id string) error {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}
	delete(s.jobs, id)
	closeSubscribers(entry)
	s.mu.Unlock()

	if !entry.job.State.Terminal() {
		metrics.ActiveJobs.Dec()
	}
	s.removeTempFile(entry.job.TempFile)
	s.logger.Info("job deleted", slog.String("jobId", id))
	return nil
}

// History returns the most recent terminal jobs, newest first.
func (s *Store) History() []domain.ResolutionJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ResolutionJob, 0, len(s.history))
	for _, job := range s.history {
		out = append(out, job.Clone())
	}
	return out
}

// Subscribe streams job snapshots until the job is terminal or deleted, or
// until the returned cancel func is called. The current snapshot is sent
// first.
func (s *Store) Subscribe(id string) (<-chan domain.ResolutionJob, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[id]
	if !ok {
		for _, job := range s.history {
			if job.ID == id {
				ch := make(chan domain.ResolutionJob, 1)
				ch <- job.Clone()
				close(ch)
				return ch, func() {}, nil
			}
		}
		return nil, nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, id)
	}

	ch := make(chan domain.ResolutionJob, subscriberBuffer)
	ch <- entry.job.Clone()
	if entry.job.State.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}
	subID := entry.nextSubID
	entry.nextSubID++
	entry.subscribers[subID] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if current, ok := s.jobs[id]; ok {
				if sub, ok := current.subscribers[subID]; ok {
					delete(current.subscribers, subID)
					close(sub)
				}
			}
		})
	}
	return ch, cancel, nil
}

// Sweep purges completed jobs after the completed retention and failed jobs
// after the error retention, deleting any temp file they own.
func (s *Store) Sweep(_ context.Context) (int, error) {
	now := s.now()
	var tempFiles []string

	s.mu.Lock()
	removed := 0
	for id, entry := range s.jobs {
		job := entry.job
		if job.CompletedAt == nil {
			continue
		}
		retain := s.completedRetain
		if job.State == domain.JobError {
			retain = s.errorRetain
		}
		if now.Sub(*job.CompletedAt) < retain {
			continue
		}
		delete(s.jobs, id)
		closeSubscribers(entry)
		if job.TempFile != "" {
			tempFiles = append(tempFiles, job.TempFile)
		}
		removed++
	}
	s.mu.Unlock()

	for _, path := range tempFiles {
		s.removeTempFile(path)
	}
	if removed > 0 {
		s.logger.Debug("job sweep", slog.Int("removed", removed))
	}
	return removed, nil
}

// Close stops background runners and waits for them to exit.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Store) exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[id]
	return ok && !entry.job.State.Terminal()
}

// update applies fn to the job under the store lock. It returns false when
// the job no longer exists or is already terminal.
func (s *Store) update(id string, fn func(job *domain.ResolutionJob) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[id]
	if !ok || entry.job.State.Terminal() {
		return false, nil
	}
	if err := fn(&entry.job); err != nil {
		return true, err
	}
	s.publishLocked(entry)
	return true, nil
}

// transition moves the job forward, stamping terminal bookkeeping.
func (s *Store) transition(job *domain.ResolutionJob, to domain.JobState) error {
	if job.State == to {
		return nil
	}
	if !job.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.State, to)
	}
	job.State = to
	if to.Terminal() {
		completedAt := s.now()
		job.CompletedAt = &completedAt
		if to == domain.JobCompleted {
			job.Progress = 100
		}
	}
	return nil
}

func (s *Store) publishLocked(entry *jobEntry) {
	snapshot := entry.job.Clone()
	for _, ch := range entry.subscribers {
		select {
		case ch <- snapshot:
		default:
		}
	}
	if entry.job.State.Terminal() {
		s.history = append([]domain.ResolutionJob{snapshot.Clone()}, s.history...)
		if len(s.history) > historyLimit {
			s.history = s.history[:historyLimit]
		}
		closeSubscribers(entry)
		metrics.ActiveJobs.Dec()
		metrics.JobsTotal.WithLabelValues(string(entry.job.State)).Inc()
	}
}

func closeSubscribers(entry *jobEntry) {
	for subID, ch := range entry.subscribers {
		close(ch)
		delete(entry.subscribers, subID)
	}
}

func (s *Store) removeTempFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("temp file cleanup failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}
