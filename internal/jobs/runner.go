package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/linkcache"
	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/providers/realdebrid"
)

const (
	statusWaitingFiles = "waiting_files_selection"
	statusDownloaded   = "downloaded"

	searchProgressMax   = 10
	downloadProgressMax = 95
)

var tracer = otel.Tracer("resolver/jobs")

// errJobGone stops a runner whose job was deleted or already finished.
var errJobGone = errors.New("job no longer exists")

type resolvedStream struct {
	URL        string
	FileName   string
	SizeBytes  int64
	Resolution int
	Bitrate    float64
	Identity   string
	Message    string
}

func (s *Store) run(ctx context.Context, id string, req domain.ContentRequest) {
	ctx, span := tracer.Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("job.id", id),
		attribute.String("media.type", string(req.Type)),
	))
	defer span.End()

	startedAt := time.Now()
	err := s.resolve(ctx, id, req)
	switch {
	case err == nil:
		s.logger.Info("job completed",
			slog.String("jobId", id),
			slog.Int64("elapsedMs", time.Since(startedAt).Milliseconds()),
		)
	case errors.Is(err, errJobGone):
		s.logger.Info("job runner stopped", slog.String("jobId", id))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(id, err)
	}
}

func (s *Store) resolve(ctx context.Context, id string, req domain.ContentRequest) error {
	if link, ok := s.cachedLink(ctx, req); ok {
		return s.complete(id, resolvedStream{
			URL:        link.StreamURL,
			FileName:   link.FileName,
			SizeBytes:  link.FileSizeBytes,
			Resolution: link.Key.Resolution,
			Message:    "served from link cache",
		})
	}

	candidates, err := s.search(ctx, id, req)
	if err != nil {
		return err
	}

	var lastErr error
	for i, candidate := range candidates {
		if i >= s.maxAttempts {
			break
		}
		if err := s.recordAttempt(id, candidate); err != nil {
			return err
		}
		stream, err := s.attempt(ctx, id, req, candidate)
		if err == nil {
			s.storeLink(ctx, req, stream)
			return s.complete(id, stream)
		}
		if errors.Is(err, errJobGone) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		s.logger.Warn("source attempt failed",
			slog.String("jobId", id),
			slog.String("identity", identityOf(candidate)),
			slog.String("error", err.Error()),
		)
		if _, updateErr := s.update(id, func(job *domain.ResolutionJob) error {
			setOutcome(job, identityOf(candidate), "failed: "+err.Error())
			return nil
		}); updateErr != nil {
			return updateErr
		}
	}
	if lastErr == nil {
		lastErr = domain.ErrNoCandidates
	}
	return lastErr
}

func (s *Store) cachedLink(ctx context.Context, req domain.ContentRequest) (domain.CachedLink, bool) {
	if s.links == nil || len(req.ExcludedHashes) > 0 || len(req.ExcludedFilePaths) > 0 {
		return domain.CachedLink{}, false
	}
	lookup := s.links.Get
	if s.verifyCached {
		lookup = s.links.GetVerified
	}
	link, ok, err := lookup(ctx, req, req.MaxBitrateMbps)
	if err != nil {
		s.logger.Warn("link cache lookup failed", slog.String("error", err.Error()))
		return domain.CachedLink{}, false
	}
	return link, ok
}

// search consumes snapshots until the final one, or stops early when the top
// pick is a cache-mount file that is usable as-is.
func (s *Store) search(ctx context.Context, id string, req domain.ContentRequest) ([]domain.SourceCandidate, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapshots, err := s.aggregator.Stream(streamCtx, req)
	if err != nil {
		return nil, err
	}

	var last domain.RankedResult
	for snapshot := range snapshots {
		last = snapshot
		ok, err := s.update(id, func(job *domain.ResolutionJob) error {
			job.Progress = searchProgress(snapshot)
			job.Message = fmt.Sprintf("found %d candidates", len(snapshot.Items))
			return nil
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errJobGone
		}
		if !snapshot.Final && usableEarly(snapshot) {
			return snapshot.Items, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(last.Items) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoCandidates, req.String())
	}
	return last.Items, nil
}

func usableEarly(snapshot domain.RankedResult) bool {
	top, ok := snapshot.Top()
	return ok && top.IsFile() && top.IsCached && !top.IsFlaggedBad && !top.OverBandwidth
}

func searchProgress(snapshot domain.RankedResult) int {
	if snapshot.Final {
		return searchProgressMax
	}
	if snapshot.Phase == string(domain.SourceCacheMount) {
		return 3
	}
	return 6
}

func (s *Store) recordAttempt(id string, candidate domain.SourceCandidate) error {
	ok, err := s.update(id, func(job *domain.ResolutionJob) error {
		identity := identityOf(candidate)
		for _, attempted := range job.AttemptedSources {
			if attempted.Identity == identity {
				return nil
			}
		}
		job.AttemptedSources = append(job.AttemptedSources, domain.AttemptedSource{
			Identity:    identity,
			Source:      candidate.Kind,
			Title:       candidate.DisplayTitle,
			Resolution:  candidate.Resolution,
			AttemptedAt: s.now(),
		})
		job.Message = "trying " + candidate.DisplayTitle
		return nil
	})
	if err != nil {
		return err
	}
	if !ok {
		return errJobGone
	}
	return nil
}

func (s *Store) attempt(ctx context.Context, id string, req domain.ContentRequest, candidate domain.SourceCandidate) (resolvedStream, error) {
	stream := resolvedStream{
		Resolution: candidate.Resolution,
		Bitrate:    candidate.EstimatedBitrateMbps,
		Identity:   identityOf(candidate),
		Message:    "resolved from " + string(candidate.Kind),
	}
	if candidate.IsFile() {
		if s.mount == nil {
			return resolvedStream{}, errors.New("cache mount links are not configured")
		}
		stream.URL = s.mount.StreamURL(candidate.FilePath)
		stream.FileName = path.Base(candidate.FilePath)
		stream.SizeBytes = candidate.SizeBytes
		return stream, nil
	}

	if s.debrid == nil {
		return resolvedStream{}, errors.New("debrid client is not configured")
	}
	if strings.TrimSpace(candidate.MagnetURI) == "" {
		return resolvedStream{}, fmt.Errorf("%w: candidate has no magnet", domain.ErrInvalidRequest)
	}
	if !candidate.IsCached {
		ok, err := s.update(id, func(job *domain.ResolutionJob) error {
			if err := s.transition(job, domain.JobDownloading); err != nil {
				return err
			}
			job.Message = "downloading " + candidate.DisplayTitle
			return nil
		})
		if err != nil {
			return resolvedStream{}, err
		}
		if !ok {
			return resolvedStream{}, errJobGone
		}
	}

	link, err := s.download(ctx, id, req, candidate)
	if err != nil {
		return resolvedStream{}, err
	}
	stream.URL = link.Download
	stream.FileName = link.Filename
	stream.SizeBytes = link.Filesize
	return stream, nil
}

func (s *Store) download(ctx context.Context, id string, req domain.ContentRequest, candidate domain.SourceCandidate) (domain.UnrestrictedLink, error) {
	torrentID, err := s.debrid.AddMagnet(ctx, req.Credential, candidate.MagnetURI)
	if err != nil {
		return domain.UnrestrictedLink{}, fmt.Errorf("add magnet: %w", err)
	}

	hostLink, err := s.poll(ctx, id, req, torrentID)
	if err != nil {
		if !errors.Is(err, errJobGone) {
			if delErr := s.debrid.Delete(context.WithoutCancel(ctx), req.Credential, torrentID); delErr != nil {
				s.logger.Debug("debrid cleanup failed", slog.String("torrentId", torrentID), slog.String("error", delErr.Error()))
			}
		}
		return domain.UnrestrictedLink{}, err
	}

	link, err := s.debrid.Unrestrict(ctx, req.Credential, hostLink)
	if err != nil {
		return domain.UnrestrictedLink{}, fmt.Errorf("unrestrict: %w", err)
	}
	if strings.TrimSpace(link.Download) == "" {
		return domain.UnrestrictedLink{}, &domain.DownloadFailedError{Status: statusDownloaded, Reason: "debrid returned no download url"}
	}
	return link, nil
}

// poll checks the debrid status every poll interval until the torrent is
// downloaded, fails, or the job disappears. Only one poll loop runs per job.
func (s *Store) poll(ctx context.Context, id string, req domain.ContentRequest, torrentID string) (string, error) {
	deadline := s.now().Add(s.downloadCeiling)
	selected := false

	for {
		if !s.exists(id) {
			return "", errJobGone
		}

		status, err := s.debrid.Status(ctx, req.Credential, torrentID)
		switch {
		case err != nil && errors.Is(err, domain.ErrTransientProvider):
			s.logger.Debug("debrid status unavailable", slog.String("jobId", id), slog.String("error", err.Error()))
		case err != nil:
			return "", fmt.Errorf("debrid status: %w", err)
		case realdebrid.IsFailureStatus(status.Status):
			return "", &domain.DownloadFailedError{Status: status.Status}
		case status.Status == statusWaitingFiles && !selected:
			file, ok := realdebrid.PickFile(status.Files, req.Type, req.Season, req.Episode)
			if !ok {
				return "", &domain.DownloadFailedError{Status: status.Status, Reason: "no playable video file"}
			}
			if err := s.debrid.SelectFiles(ctx, req.Credential, torrentID, []int{file.ID}); err != nil {
				return "", fmt.Errorf("select files: %w", err)
			}
			selected = true
			continue
		case status.Status == statusDownloaded && len(status.Links) > 0:
			return status.Links[0], nil
		default:
			ok, err := s.update(id, func(job *domain.ResolutionJob) error {
				job.Progress = downloadProgress(status.Progress)
				job.Message = "debrid status " + status.Status
				return nil
			})
			if err != nil {
				return "", err
			}
			if !ok {
				return "", errJobGone
			}
		}

		if !s.now().Before(deadline) {
			return "", &domain.DownloadFailedError{Status: status.Status, Reason: "download did not finish in time"}
		}
		if err := sleepContext(ctx, s.pollInterval); err != nil {
			return "", err
		}
	}
}

func downloadProgress(percent float64) int {
	value := searchProgressMax + int(percent*float64(downloadProgressMax-searchProgressMax)/100)
	if value < searchProgressMax {
		return searchProgressMax
	}
	if value > downloadProgressMax {
		return downloadProgressMax
	}
	return value
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Store) storeLink(ctx context.Context, req domain.ContentRequest, stream resolvedStream) {
	if s.links == nil {
		return
	}
	_, err := s.links.Put(ctx, req, linkcache.Entry{
		Resolution:           stream.Resolution,
		StreamURL:            stream.URL,
		FileName:             stream.FileName,
		EstimatedBitrateMbps: stream.Bitrate,
		FileSizeBytes:        stream.SizeBytes,
	})
	if err != nil {
		s.logger.Warn("link cache write failed", slog.String("error", err.Error()))
	}
}

func (s *Store) complete(id string, stream resolvedStream) error {
	if strings.TrimSpace(stream.URL) == "" {
		return errors.New("resolved stream has no url")
	}
	tempFile := s.writeStrm(id, stream.URL)
	ok, err := s.update(id, func(job *domain.ResolutionJob) error {
		if err := s.transition(job, domain.JobCompleted); err != nil {
			return err
		}
		if stream.Identity != "" {
			setOutcome(job, stream.Identity, "resolved")
		}
		job.ResolvedStreamURL = stream.URL
		job.FileName = stream.FileName
		job.Resolution = stream.Resolution
		job.Message = stream.Message
		job.TempFile = tempFile
		return nil
	})
	if !ok || err != nil {
		s.removeTempFile(tempFile)
	}
	if err != nil {
		return err
	}
	if !ok {
		return errJobGone
	}
	return nil
}

func (s *Store) fail(id string, cause error) {
	message := cause.Error()
	if errors.Is(cause, domain.ErrNoCandidates) {
		message = messageNotAvailable
	}
	ok, err := s.update(id, func(job *domain.ResolutionJob) error {
		if err := s.transition(job, domain.JobError); err != nil {
			return err
		}
		job.Message = message
		return nil
	})
	if err != nil {
		s.logger.Error("job failure not recorded", slog.String("jobId", id), slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}
	s.logger.Warn("job failed", slog.String("jobId", id), slog.String("error", cause.Error()))
}

func (s *Store) writeStrm(id, streamURL string) string {
	if s.tempDir == "" {
		return ""
	}
	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		s.logger.Warn("strm dir unavailable", slog.String("dir", s.tempDir), slog.String("error", err.Error()))
		return ""
	}
	target := filepath.Join(s.tempDir, id+".strm")
	if err := os.WriteFile(target, []byte(streamURL+"\n"), 0o644); err != nil {
		s.logger.Warn("strm write failed", slog.String("path", target), slog.String("error", err.Error()))
		return ""
	}
	return target
}

func setOutcome(job *domain.ResolutionJob, identity, outcome string) {
	for i := len(job.AttemptedSources) - 1; i >= 0; i-- {
		if job.AttemptedSources[i].Identity == identity {
			job.AttemptedSources[i].Outcome = outcome
			return
		}
	}
}

func identityOf(candidate domain.SourceCandidate) string {
	if candidate.Identity != "" {
		return candidate.Identity
	}
	return candidate.IdentityKey()
}
