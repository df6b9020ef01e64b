package jobs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

const playbackFailedReason = "playback failed"

// BadLinkReport names the failed source directly or through the job that
// resolved it.
type BadLinkReport struct {
	JobID    string `json:"jobId,omitempty"`
	Identity string `json:"identity,omitempty"`
	Reporter string `json:"reporter"`
	Reason   string `json:"reason,omitempty"`
}

// FallbackRequest describes a playback failure. Request may be left empty
// when JobID refers to the job that produced the failed stream.
type FallbackRequest struct {
	Request          domain.ContentRequest
	JobID            string
	FailedIdentity   string
	FailedResolution int
	Reporter         string
	Start            StartOptions
}

// FallbackResult holds either a lower-resolution cached link or the id of a
// new job started without the failed source.
type FallbackResult struct {
	Link  *domain.CachedLink `json:"link,omitempty"`
	JobID string             `json:"jobId,omitempty"`
}

// ReportBadLink flags a source. When only a job id is given, the flagged
// identity is the source that job resolved, or failing that its last attempt.
func (s *Store) ReportBadLink(ctx context.Context, report BadLinkReport) (domain.BadLinkFlag, error) {
	if s.badLinks == nil {
		return domain.BadLinkFlag{}, errors.New("bad link registry is not configured")
	}
	identity := strings.TrimSpace(report.Identity)
	source := ""
	if report.JobID != "" {
		job, err := s.GetJob(report.JobID)
		if err != nil {
			return domain.BadLinkFlag{}, err
		}
		attempted, ok := reportedSource(job, identity)
		if !ok {
			return domain.BadLinkFlag{}, fmt.Errorf("%w: job %s attempted no sources", domain.ErrInvalidRequest, report.JobID)
		}
		identity = attempted.Identity
		source = string(attempted.Source)
	}
	if identity == "" {
		return domain.BadLinkFlag{}, fmt.Errorf("%w: identity or job id is required", domain.ErrInvalidRequest)
	}
	reason := strings.TrimSpace(report.Reason)
	if reason == "" {
		reason = playbackFailedReason
	}
	return s.badLinks.Report(ctx, identity, report.Reporter, reason, source)
}

// Fallback steps down to a cached lower resolution, or reports the failed
// source and starts a new job that excludes it.
func (s *Store) Fallback(ctx context.Context, fr FallbackRequest) (FallbackResult, error) {
	req := fr.Request
	identity := strings.TrimSpace(fr.FailedIdentity)
	resolution := fr.FailedResolution

	if fr.JobID != "" {
		job, err := s.GetJob(fr.JobID)
		if err != nil {
			return FallbackResult{}, err
		}
		if strings.TrimSpace(req.Title) == "" {
			req = job.Request.Clone()
		}
		if identity == "" {
			if attempted, ok := reportedSource(job, ""); ok {
				identity = attempted.Identity
			}
		}
		if resolution <= 0 {
			resolution = job.Resolution
		}
	}
	if err := req.Validate(); err != nil {
		return FallbackResult{}, err
	}

	if s.links != nil && resolution > 0 {
		link, ok, err := s.links.GetBelow(ctx, req, resolution)
		if err != nil {
			s.logger.Warn("fallback cache lookup failed", slog.String("error", err.Error()))
		} else if ok {
			return FallbackResult{Link: &link}, nil
		}
	}

	if identity != "" {
		if s.badLinks != nil {
			reporter := strings.TrimSpace(fr.Reporter)
			if reporter == "" {
				reporter = req.UserID
			}
			if reporter != "" {
				if _, err := s.badLinks.Report(ctx, identity, reporter, playbackFailedReason, ""); err != nil {
					s.logger.Warn("fallback report failed", slog.String("identity", identity), slog.String("error", err.Error()))
				}
			}
		}
		req = excludeIdentity(req, identity)
	}

	id, err := s.CreateJob(ctx, req, fr.Start)
	if err != nil {
		return FallbackResult{}, err
	}
	return FallbackResult{JobID: id}, nil
}

// reportedSource picks identity from the job's trail when given, else the
// resolved source, else the most recent attempt.
func reportedSource(job domain.ResolutionJob, identity string) (domain.AttemptedSource, bool) {
	if len(job.AttemptedSources) == 0 {
		if identity != "" {
			return domain.AttemptedSource{Identity: identity}, true
		}
		return domain.AttemptedSource{}, false
	}
	if identity != "" {
		for _, attempted := range job.AttemptedSources {
			if attempted.Identity == identity {
				return attempted, true
			}
		}
		return domain.AttemptedSource{Identity: identity}, true
	}
	for i := len(job.AttemptedSources) - 1; i >= 0; i-- {
		if job.AttemptedSources[i].Outcome == "resolved" {
			return job.AttemptedSources[i], true
		}
	}
	return job.AttemptedSources[len(job.AttemptedSources)-1], true
}

// excludeIdentity adds identity to the request's exclusions. File identities
// have the form "title|/path".
func excludeIdentity(req domain.ContentRequest, identity string) domain.ContentRequest {
	out := req.Clone()
	if isInfoHash(identity) {
		out.ExcludedHashes = append(out.ExcludedHashes, strings.ToLower(identity))
		return out
	}
	if _, filePath, ok := strings.Cut(identity, "|/"); ok {
		out.ExcludedFilePaths = append(out.ExcludedFilePaths, "/"+filePath)
		return out
	}
	if strings.HasPrefix(identity, "/") {
		out.ExcludedFilePaths = append(out.ExcludedFilePaths, identity)
		return out
	}
	out.ExcludedHashes = append(out.ExcludedHashes, identity)
	return out
}

func isInfoHash(value string) bool {
	if len(value) != 40 {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}
