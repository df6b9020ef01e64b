package mount

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

var (
	wordPattern     = regexp.MustCompile(`[a-z0-9]+`)
	videoExtensions = map[string]struct{}{
		".mkv": {}, ".mp4": {}, ".m4v": {}, ".avi": {}, ".mov": {}, ".webm": {}, ".ts": {}, ".m2ts": {},
	}
	skipDirs = map[string]struct{}{
		"sample": {}, "samples": {}, "extras": {}, "featurettes": {},
	}
)

type Config struct {
	Root          fs.FS
	StreamBaseURL string
	Logger        *slog.Logger
}

// Provider lists video files on a read-only view of the debrid mount.
type Provider struct {
	root    fs.FS
	baseURL string
	logger  *slog.Logger
}

func NewProvider(cfg Config) *Provider {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		root:    cfg.Root,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.StreamBaseURL), "/"),
		logger:  logger,
	}
}

// Search returns every video file whose path mentions the title. Matching
// here is a cheap prefilter; the aggregator applies the real rules.
func (p *Provider) Search(ctx context.Context, query domain.FileQuery) ([]domain.SourceCandidate, error) {
	if p.root == nil {
		return nil, errors.New("mount root is not configured")
	}
	keyword := longestWord(query.Title)
	if keyword == "" {
		return nil, nil
	}

	var out []domain.SourceCandidate
	err := fs.WalkDir(p.root, ".", func(filePath string, entry fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if filePath == "." {
				return walkErr
			}
			return nil
		}
		if entry.IsDir() {
			if _, skip := skipDirs[strings.ToLower(entry.Name())]; skip {
				return fs.SkipDir
			}
			return nil
		}
		if _, ok := videoExtensions[strings.ToLower(path.Ext(filePath))]; !ok {
			return nil
		}
		if !strings.Contains(strings.ToLower(filePath), keyword) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		sizeMB := float64(info.Size()) / (1024 * 1024)
		candidate := domain.SourceCandidate{
			Kind:         domain.SourceCacheMount,
			DisplayTitle: entry.Name(),
			FilePath:     "/" + filePath,
			SizeMB:       sizeMB,
			SizeBytes:    info.Size(),
			IsCached:     true,
		}
		if query.DurationHintMin > 0 && sizeMB > 0 {
			candidate.MBPerMinute = sizeMB / float64(query.DurationHintMin)
		}
		out = append(out, candidate)
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Debug("mount search", slog.String("title", query.Title), slog.Int("files", len(out)))
	return out, nil
}

// StreamURL maps a mount file path to the URL it is served from.
func (p *Provider) StreamURL(filePath string) string {
	segments := strings.Split(strings.TrimPrefix(filePath, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return p.baseURL + "/" + strings.Join(segments, "/")
}

func longestWord(title string) string {
	longest := ""
	for _, word := range wordPattern.FindAllString(strings.ToLower(title), -1) {
		if len(word) > len(longest) {
			longest = word
		}
	}
	return longest
}
