package search

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/discoduckasaurus/duckflix-lite-sub000/internal/domain"
)

const (
	flaggedPenalty         = 100000
	overBandwidthPenalty   = 50000
	overBandwidthPerMbps   = 100
	cachedBonus            = 5000
	filesystemBonus        = 50
	uncachedSeederWeight   = 10
	uncachedSeederCap      = 2000
	cachedSeederCap        = 500
	qualityThresholdBonus  = 300
	subtitleBonus          = 500
	englishSubtitleBonus   = 50
	englishAudioBonus      = 50
	foreignOnlyPenalty     = 30
	containerMatchBonus    = 2000
	containerMismatchMinus = 1000
	sizeClosenessPerGB     = 50
)

var (
	subtitlePattern        = regexp.MustCompile(`(?i)\b(subs?|subbed|subtitles?|multi-?subs?|esubs?)\b`)
	englishSubtitlePattern = regexp.MustCompile(`(?i)\b(eng(lish)?[ ._-]?subs?|esubs?|subs?[ ._-]?eng(lish)?)\b`)
	englishAudioPattern    = regexp.MustCompile(`(?i)\b(eng|english)\b`)
	foreignPattern         = regexp.MustCompile(`(?i)\b(french|vostfr|truefrench|german|deutsch|ita|italian|spanish|castellano|latino|hindi|tamil|telugu|rus|russian|korean|japanese|portuguese|dublado|polish|turkish|arabic)\b`)
)

// qualityFloorMBPerMin is the minimum MB/min a cache-mount file needs to
// count as good quality for its resolution.
var qualityFloorMBPerMin = map[int]float64{
	2160: 25,
	1440: 12,
	1080: 8,
	720:  4,
	480:  2,
}

var idealSizeGB = map[domain.MediaType]map[int]float64{
	domain.MediaMovie: {2160: 15, 1440: 9, 1080: 6, 720: 3, 480: 1.5},
	domain.MediaTV:    {2160: 6, 1440: 3, 1080: 2, 720: 1, 480: 0.5},
}

var platformContainers = map[string][]string{
	"ios":       {"mp4", "m4v", "mov"},
	"ipados":    {"mp4", "m4v", "mov"},
	"ipad":      {"mp4", "m4v", "mov"},
	"iphone":    {"mp4", "m4v", "mov"},
	"appletv":   {"mp4", "m4v", "mov"},
	"tvos":      {"mp4", "m4v", "mov"},
	"safari":    {"mp4", "m4v", "mov"},
	"android":   {"mkv", "mp4"},
	"androidtv": {"mkv", "mp4"},
	"firetv":    {"mkv", "mp4"},
	"kodi":      {"mkv", "mp4"},
	"web":       {"mp4", "webm"},
}

// ScoreContext is the request-derived input the ranker needs.
type ScoreContext struct {
	Type         domain.MediaType
	PlatformHint string
}

// Score is a pure function of the candidate and request context. Flags,
// bandwidth and cache state must already be set on c.
func Score(c domain.SourceCandidate, sc ScoreContext) int {
	score := 0
	if c.IsFlaggedBad {
		score -= flaggedPenalty
	}
	if c.OverBandwidth {
		score -= overBandwidthPenalty
		score -= int(math.Round(overBandwidthPerMbps * c.EstimatedBitrateMbps))
	}
	if c.IsCached {
		score += cachedBonus
	}
	if c.IsFile() {
		score += filesystemBonus
	}
	score += c.Resolution

	if c.Seeders > 0 {
		if c.IsCached {
			score += min(c.Seeders, cachedSeederCap)
		} else {
			score += min(c.Seeders*uncachedSeederWeight, uncachedSeederCap)
		}
	}

	if c.IsFile() && meetsQualityThreshold(c) {
		score += qualityThresholdBonus
	}

	text := c.DisplayTitle
	if c.FilePath != "" {
		text = text + " " + c.FilePath
	}
	score += languageScore(text)
	score += containerScore(c.Container, sc.PlatformHint)
	score -= sizePenalty(c, sc.Type)
	return score
}

func meetsQualityThreshold(c domain.SourceCandidate) bool {
	floor, ok := qualityFloorMBPerMin[c.Resolution]
	if !ok || c.MBPerMinute <= 0 {
		return false
	}
	return c.MBPerMinute >= floor
}

func languageScore(text string) int {
	score := 0
	if subtitlePattern.MatchString(text) {
		score += subtitleBonus
		if englishSubtitlePattern.MatchString(text) {
			score += englishSubtitleBonus
		}
	}
	english := englishAudioPattern.MatchString(text)
	if english {
		score += englishAudioBonus
	}
	if !english && foreignPattern.MatchString(text) {
		score -= foreignOnlyPenalty
	}
	return score
}

func containerScore(container, platformHint string) int {
	hint := strings.ToLower(strings.TrimSpace(platformHint))
	if hint == "" || container == "" {
		return 0
	}
	targets, ok := platformContainers[hint]
	if !ok {
		return 0
	}
	for _, target := range targets {
		if target == container {
			return containerMatchBonus
		}
	}
	return -containerMismatchMinus
}

func sizePenalty(c domain.SourceCandidate, mediaType domain.MediaType) int {
	actual := c.SizeGB()
	if actual <= 0 {
		return 0
	}
	ideal, ok := idealSizeGB[mediaType][c.Resolution]
	if !ok {
		return 0
	}
	return int(math.Round(sizeClosenessPerGB * math.Abs(actual-ideal)))
}

// sortRanked orders by score descending; ties keep discovery order.
func sortRanked(items []domain.SourceCandidate) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].Order < items[j].Order
	})
}
